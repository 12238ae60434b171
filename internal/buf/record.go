package buf

import (
	"encoding/binary"

	"github.com/dreadworks/samwise/internal/wmsg"
	"github.com/pkg/errors"
)

// kind tags a buffer record's variant on the wire, per spec §4 and §6
// ("type_tag: u8, fields-per-variant-little-endian, optional encoded-M
// trailer").
type kind uint8

const (
	kindLive kind = iota
	kindAckOnly
	kindTombstone
)

// record is the in-memory form of a buffer record (spec §3's BR). Only the
// fields relevant to its Kind are meaningful; see the field comments.
type record struct {
	Kind kind

	// Live and AckOnly.
	AcksRemaining int32
	BeAcks        uint64

	// Live only.
	TsMs    int64
	Tries   int32
	PrevKey uint32
	Payload *wmsg.Msg

	// Tombstone only; PrevKey above doubles as its prev_key field.
	NextKey uint32
}

func liveRecord(acksRemaining int32, tsMs int64, tries int32, prevKey uint32, payload *wmsg.Msg) *record {
	return &record{Kind: kindLive, AcksRemaining: acksRemaining, TsMs: tsMs, Tries: tries, PrevKey: prevKey, Payload: payload}
}

func ackOnlyRecord(acksRemaining int32) *record {
	return &record{Kind: kindAckOnly, AcksRemaining: acksRemaining}
}

func tombstoneRecord(prevKey, nextKey uint32) *record {
	return &record{Kind: kindTombstone, PrevKey: prevKey, NextKey: nextKey}
}

// encode renders the record to its durable byte form.
func (r *record) encode() []byte {
	switch r.Kind {
	case kindLive:
		buf := make([]byte, 0, 1+4+8+8+4+4+r.Payload.EncodedSize())
		buf = append(buf, byte(kindLive))
		buf = appendInt32(buf, r.AcksRemaining)
		buf = appendUint64(buf, r.BeAcks)
		buf = appendInt64(buf, r.TsMs)
		buf = appendInt32(buf, r.Tries)
		buf = appendUint32(buf, r.PrevKey)
		buf = r.Payload.Encode(buf)
		return buf
	case kindAckOnly:
		buf := make([]byte, 0, 1+4+8)
		buf = append(buf, byte(kindAckOnly))
		buf = appendInt32(buf, r.AcksRemaining)
		buf = appendUint64(buf, r.BeAcks)
		return buf
	case kindTombstone:
		buf := make([]byte, 0, 9)
		buf = append(buf, byte(kindTombstone))
		buf = appendUint32(buf, r.PrevKey)
		buf = appendUint32(buf, r.NextKey)
		return buf
	default:
		panic("buf: encode: unknown record kind")
	}
}

// decodeRecord is the inverse of encode.
func decodeRecord(b []byte) (*record, error) {
	if len(b) < 1 {
		return nil, errors.New("buf: decode record: empty")
	}
	k := kind(b[0])
	b = b[1:]
	switch k {
	case kindLive:
		if len(b) < 4+8+8+4+4 {
			return nil, errors.New("buf: decode live record: truncated header")
		}
		r := &record{Kind: kindLive}
		r.AcksRemaining, b = readInt32(b)
		r.BeAcks, b = readUint64(b)
		r.TsMs, b = readInt64(b)
		r.Tries, b = readInt32(b)
		r.PrevKey, b = readUint32(b)
		payload, n, err := wmsg.Decode(b)
		if err != nil {
			return nil, errors.Wrap(err, "buf: decode live record payload")
		}
		if n != len(b) {
			return nil, errors.New("buf: decode live record: trailing garbage")
		}
		r.Payload = payload
		return r, nil
	case kindAckOnly:
		if len(b) < 4+8 {
			return nil, errors.New("buf: decode ack-only record: truncated")
		}
		r := &record{Kind: kindAckOnly}
		r.AcksRemaining, b = readInt32(b)
		r.BeAcks, _ = readUint64(b)
		return r, nil
	case kindTombstone:
		if len(b) < 8 {
			return nil, errors.New("buf: decode tombstone record: truncated")
		}
		r := &record{Kind: kindTombstone}
		r.PrevKey, b = readUint32(b)
		r.NextKey, _ = readUint32(b)
		return r, nil
	default:
		return nil, errors.Errorf("buf: decode record: unknown kind tag %d", k)
	}
}

func appendUint32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendInt32(b []byte, v int32) []byte {
	return appendUint32(b, uint32(v))
}

func appendUint64(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendInt64(b []byte, v int64) []byte {
	return appendUint64(b, uint64(v))
}

func readUint32(b []byte) (uint32, []byte) {
	return binary.LittleEndian.Uint32(b), b[4:]
}

func readInt32(b []byte) (int32, []byte) {
	v, rest := readUint32(b)
	return int32(v), rest
}

func readUint64(b []byte) (uint64, []byte) {
	return binary.LittleEndian.Uint64(b), b[8:]
}

func readInt64(b []byte) (int64, []byte) {
	v, rest := readUint64(b)
	return int64(v), rest
}
