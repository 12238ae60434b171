package main

import (
	"context"
	"encoding/binary"
	"io"
	"net"

	"github.com/dreadworks/samwise/internal/bbw"
	"github.com/dreadworks/samwise/internal/disp"
	"github.com/dreadworks/samwise/internal/protocol"
	"github.com/dreadworks/samwise/internal/wmsg"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// listener accepts client connections and serves the frame-list wire
// protocol (spec §6) over them: each request is one WMSG-encoded frame
// list, each reply one (rc, message) frame list, both length-prefixed per
// wmsg.Encode/Decode's own framing. Unlike the original's single
// request-reply socket, Go gives each connection its own goroutine, but
// requests on one connection are still served strictly in order.
type listener struct {
	disp     *disp.Disp
	fleet    map[string]*bbw.BBW // by name, for rpc broker_name routing
	log      *zap.SugaredLogger
}

func newListener(d *disp.Disp, fleet []*bbw.BBW, log *zap.SugaredLogger) *listener {
	byName := make(map[string]*bbw.BBW, len(fleet))
	for _, w := range fleet {
		byName[w.Name()] = w
	}
	return &listener{disp: d, fleet: byName, log: log}
}

func (l *listener) serve(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return errors.Wrap(err, "listener: accept")
			}
		}
		go l.handleConn(ctx, conn)
	}
}

func (l *listener) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	for {
		msg, err := readMsg(conn)
		if err != nil {
			if err != io.EOF {
				l.log.Debugw("listener: connection closed", "remote", conn.RemoteAddr(), "error", err)
			}
			return
		}

		resp := l.handleRequest(ctx, msg)
		if err := writeMsg(conn, protocol.EncodeResponse(resp)); err != nil {
			l.log.Warnw("listener: write reply failed", "error", err)
			return
		}
	}
}

func (l *listener) handleRequest(ctx context.Context, msg *wmsg.Msg) protocol.Response {
	parsed, err := protocol.Parse(msg)
	if err != nil {
		return protocol.Response{RC: -1, Message: err.Error()}
	}

	switch req := parsed.(type) {
	case *protocol.PublishRequest:
		key, err := l.disp.Accept(ctx, req.Policy, req.Options)
		if err != nil {
			return protocol.Response{RC: -1, Message: err.Error()}
		}
		return protocol.Response{RC: 0, Message: keyMessage(key)}

	case *protocol.DeclareRequest:
		return l.handleRPC(ctx, req.BrokerName, func(w *bbw.BBW) error {
			return w.Declare(ctx, req.Exchange, req.Type)
		})

	case *protocol.DeleteRequest:
		return l.handleRPC(ctx, req.BrokerName, func(w *bbw.BBW) error {
			return w.Delete(ctx, req.Exchange)
		})

	case protocol.PingRequest:
		return protocol.Response{RC: 0, Message: "pong"}

	default:
		return protocol.Response{RC: -1, Message: "unhandled request type"}
	}
}

// handleRPC resolves broker_name (empty means "any") and runs fn against
// it. "any" picks an arbitrary connected backend, matching spec §6's
// "broker_name (empty = any)".
func (l *listener) handleRPC(ctx context.Context, brokerName string, fn func(*bbw.BBW) error) protocol.Response {
	var w *bbw.BBW
	if brokerName == "" {
		for _, cand := range l.fleet {
			if cand.State() == bbw.Connected {
				w = cand
				break
			}
		}
	} else {
		w = l.fleet[brokerName]
	}
	if w == nil {
		return protocol.Response{RC: -1, Message: "no matching broker available"}
	}
	if err := fn(w); err != nil {
		return protocol.Response{RC: -1, Message: err.Error()}
	}
	return protocol.Response{RC: 0, Message: "ok"}
}

func keyMessage(key uint32) string {
	return "accepted:" + itoa(key)
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// readMsg reads one wmsg-encoded frame list: a u32 LE frame count
// followed by frame_len/frame_bytes pairs (spec §6), mirroring
// wmsg.Decode's own layout directly off the wire with no extra
// length-prefix wrapper.
func readMsg(r io.Reader) (*wmsg.Msg, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	count := binary.LittleEndian.Uint32(hdr[:])

	frames := make([]wmsg.Frame, 0, count)
	for i := uint32(0); i < count; i++ {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, errors.Wrap(err, "listener: read frame length")
		}
		flen := binary.LittleEndian.Uint32(hdr[:])
		fr := make(wmsg.Frame, flen)
		if _, err := io.ReadFull(r, fr); err != nil {
			return nil, errors.Wrap(err, "listener: read frame body")
		}
		frames = append(frames, fr)
	}
	return wmsg.New(frames...), nil
}

func writeMsg(w io.Writer, msg *wmsg.Msg) error {
	buf := msg.Encode(make([]byte, 0, msg.EncodedSize()))
	_, err := w.Write(buf)
	return err
}
