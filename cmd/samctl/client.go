package main

import (
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/dreadworks/samwise/internal/protocol"
	"github.com/dreadworks/samwise/internal/wmsg"
	"github.com/pkg/errors"
)

// client is a minimal synchronous connection to a samwised endpoint: dial,
// send one request frame list, read one response frame list, close. It
// mirrors cmd/samwised/listener.go's wire framing exactly since both
// sides speak the same wmsg.Encode/Decode length-prefixing (spec §6).
type client struct {
	addr    string
	timeout time.Duration
}

func newClient(addr string, timeout time.Duration) *client {
	return &client{addr: addr, timeout: timeout}
}

func (c *client) roundTrip(req *wmsg.Msg) (protocol.Response, error) {
	conn, err := net.DialTimeout("tcp", c.addr, c.timeout)
	if err != nil {
		return protocol.Response{}, errors.Wrapf(err, "samctl: dial %q", c.addr)
	}
	defer conn.Close()

	if c.timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.timeout))
	}

	if err := writeMsg(conn, req); err != nil {
		return protocol.Response{}, errors.Wrap(err, "samctl: write request")
	}

	respMsg, err := readMsg(conn)
	if err != nil {
		return protocol.Response{}, errors.Wrap(err, "samctl: read response")
	}
	return protocol.DecodeResponse(respMsg)
}

func writeMsg(w io.Writer, msg *wmsg.Msg) error {
	buf := msg.Encode(make([]byte, 0, msg.EncodedSize()))
	_, err := w.Write(buf)
	return err
}

// readMsg mirrors cmd/samwised/listener.go's readMsg: a u32 LE frame
// count followed by frame_len/frame_bytes pairs.
func readMsg(r io.Reader) (*wmsg.Msg, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	count := binary.LittleEndian.Uint32(hdr[:])

	frames := make([]wmsg.Frame, 0, count)
	for i := uint32(0); i < count; i++ {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, errors.Wrap(err, "samctl: read frame length")
		}
		flen := binary.LittleEndian.Uint32(hdr[:])
		fr := make(wmsg.Frame, flen)
		if _, err := io.ReadFull(r, fr); err != nil {
			return nil, errors.Wrap(err, "samctl: read frame body")
		}
		frames = append(frames, fr)
	}
	return wmsg.New(frames...), nil
}
