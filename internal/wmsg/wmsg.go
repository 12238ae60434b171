// Package wmsg implements the wire message helper: an ordered list of
// opaque byte frames that can be consumed picture-style, held for repeated
// reads, deep-copied, and round-tripped through a length-prefixed binary
// encoding. It is the frame currency shared by the client protocol and the
// buffer's on-disk payload trailer.
package wmsg

import (
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/pkg/errors"
)

// Frame is a single opaque byte string. WMSG never interprets content.
type Frame []byte

// Msg is an ordered, immutable-once-built sequence of frames. Pop/Contain
// consume from the front; the zero value is an empty message.
type Msg struct {
	frames []Frame
	held   []Frame
}

// New builds a Msg from the given frames. The frames are referenced, not
// copied; callers that need isolation should Dup the result.
func New(frames ...Frame) *Msg {
	return &Msg{frames: frames}
}

// Frames returns the remaining, not-yet-popped frames.
func (m *Msg) Frames() []Frame {
	return m.frames
}

// Len returns the number of remaining frames.
func (m *Msg) Len() int {
	return len(m.frames)
}

// Pop consumes len(picture) leading frames and decodes each according to
// picture's corresponding character:
//
//	i  decimal integer
//	s  UTF-8 string
//	f  frame bytes (returned as Frame, no decoding)
//	p  opaque handle bytes (returned as []byte, alias of f)
//
// It returns one value per picture character, in order, as an []any. An
// error is returned if there are too few frames or an integer frame fails
// to parse.
func (m *Msg) Pop(picture string) ([]any, error) {
	if len(m.frames) < len(picture) {
		return nil, errors.Errorf("wmsg: pop %q: need %d frames, have %d", picture, len(picture), len(m.frames))
	}

	out := make([]any, len(picture))
	for i, c := range picture {
		fr := m.frames[i]
		v, err := decodeOne(c, fr)
		if err != nil {
			return nil, errors.Wrapf(err, "wmsg: pop %q at position %d", picture, i)
		}
		out[i] = v
	}
	m.frames = m.frames[len(picture):]
	return out, nil
}

// Contain moves len(picture) leading frames into the held set, decoding
// them the same way Pop does, and returns the decoded values. Subsequent
// calls to Contained with the same picture replay the held values without
// consuming further frames from the remaining list.
func (m *Msg) Contain(picture string) ([]any, error) {
	if len(m.frames) < len(picture) {
		return nil, errors.Errorf("wmsg: contain %q: need %d frames, have %d", picture, len(picture), len(m.frames))
	}
	out := make([]any, len(picture))
	for i, c := range picture {
		fr := m.frames[i]
		v, err := decodeOne(c, fr)
		if err != nil {
			return nil, errors.Wrapf(err, "wmsg: contain %q at position %d", picture, i)
		}
		out[i] = v
		m.held = append(m.held, fr)
	}
	m.frames = m.frames[len(picture):]
	return out, nil
}

// Contained decodes picture against the held set starting at offset 0. It
// is idempotent: repeated calls with the same picture return references
// into the same held frames and never mutate m.
func (m *Msg) Contained(picture string) ([]any, error) {
	if len(m.held) < len(picture) {
		return nil, errors.Errorf("wmsg: contained %q: need %d held frames, have %d", picture, len(picture), len(m.held))
	}
	out := make([]any, len(picture))
	for i, c := range picture {
		v, err := decodeOne(c, m.held[i])
		if err != nil {
			return nil, errors.Wrapf(err, "wmsg: contained %q at position %d", picture, i)
		}
		out[i] = v
	}
	return out, nil
}

func decodeOne(c rune, fr Frame) (any, error) {
	switch c {
	case 'i':
		n, err := strconv.ParseInt(string(fr), 10, 64)
		if err != nil {
			return nil, errors.Wrap(err, "not a decimal integer frame")
		}
		return n, nil
	case 's':
		return string(fr), nil
	case 'f':
		return fr, nil
	case 'p':
		return []byte(fr), nil
	default:
		return nil, errors.Errorf("unknown picture character %q", c)
	}
}

// Dup returns a deep copy of the remaining (not held, not popped) frames.
func (m *Msg) Dup() *Msg {
	cp := make([]Frame, len(m.frames))
	for i, fr := range m.frames {
		b := make([]byte, len(fr))
		copy(b, fr)
		cp[i] = b
	}
	return &Msg{frames: cp}
}

// EncodedSize returns the number of bytes Encode would write for the
// remaining frames.
func (m *Msg) EncodedSize() int {
	n := 4 // frame count
	for _, fr := range m.frames {
		n += 4 + len(fr)
	}
	return n
}

// Encode appends the length-prefixed encoding of the remaining frames to
// buf and returns the extended slice:
//
//	frame_count: u32 LE
//	(frame_len: u32 LE, frame_bytes)*
func (m *Msg) Encode(buf []byte) []byte {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(m.frames)))
	buf = append(buf, hdr[:]...)
	for _, fr := range m.frames {
		binary.LittleEndian.PutUint32(hdr[:], uint32(len(fr)))
		buf = append(buf, hdr[:]...)
		buf = append(buf, fr...)
	}
	return buf
}

// Decode is the inverse of Encode. It returns the decoded Msg and the
// number of bytes consumed from b.
func Decode(b []byte) (*Msg, int, error) {
	if len(b) < 4 {
		return nil, 0, errors.New("wmsg: decode: truncated frame count")
	}
	count := binary.LittleEndian.Uint32(b)
	off := 4
	frames := make([]Frame, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(b)-off < 4 {
			return nil, 0, errors.Errorf("wmsg: decode: truncated length for frame %d", i)
		}
		flen := binary.LittleEndian.Uint32(b[off:])
		off += 4
		if uint32(len(b)-off) < flen {
			return nil, 0, errors.Errorf("wmsg: decode: truncated body for frame %d", i)
		}
		fr := make(Frame, flen)
		copy(fr, b[off:off+int(flen)])
		off += int(flen)
		frames = append(frames, fr)
	}
	return &Msg{frames: frames}, off, nil
}

// String renders a short debug form; it never dumps payload bytes in full.
func (m *Msg) String() string {
	return fmt.Sprintf("wmsg.Msg{frames=%d, held=%d}", len(m.frames), len(m.held))
}
