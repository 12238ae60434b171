// Package disp implements the dispatcher: the reactor that enforces each
// message's distribution policy and binds BUF's durability guarantee to
// the BBW fleet's connections (spec §4.5). Like BUF and each BBW, DISP is
// a single goroutine owning disjoint state (the fleet order and the
// round-robin cursor), driven by one select loop — the same reactor shape
// as Azure-amqp's Sender.mux, here fed by accepts, resends, and the
// aggregated ack/signal streams fanned in from the fleet.
package disp

import (
	"context"

	"github.com/dreadworks/samwise/internal/bbw"
	"github.com/dreadworks/samwise/internal/buf"
	"github.com/dreadworks/samwise/internal/protocol"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrNoBrokerAvailable is returned by Accept when the fleet has no
// Connected backend able to serve a RoundRobin request (spec §4.5.1, §7).
var ErrNoBrokerAvailable = errors.New("disp: no broker available")

// ErrClosed is returned once the dispatcher's reactor has stopped.
var ErrClosed = errors.New("disp: closed")

type acceptReq struct {
	policy buf.Policy
	opts   bbw.PublishOptions
	resp   chan acceptResp
}

type acceptResp struct {
	key uint32
	err error
}

type namedSignal struct {
	backend *bbw.BBW
	sig     bbw.Signal
}

// Disp is the dispatcher reactor. The zero value is not usable; construct
// with Open.
type Disp struct {
	buf *buf.Buf
	log *zap.SugaredLogger

	acceptReqs chan acceptReq
	resendCh   chan resendReq
	ackAgg     chan bbw.Ack
	sigAgg     chan namedSignal
	closeCh    chan struct{}
	doneCh     chan struct{}

	// owned exclusively by the reactor goroutine.
	fleet  []*bbw.BBW
	cursor int
}

// Open constructs a dispatcher over the given fleet (in configuration
// order) and starts its reactor goroutine. It also starts one forwarding
// goroutine per backend that fans its Acks()/Signals() into the
// dispatcher's own aggregated channels, and one that forwards b.Resends()
// into the dispatcher's resend handler.
func Open(b *buf.Buf, fleet []*bbw.BBW, log *zap.SugaredLogger) *Disp {
	d := &Disp{
		buf:        b,
		log:        log,
		acceptReqs: make(chan acceptReq),
		resendCh:   make(chan resendReq, 64),
		ackAgg:     make(chan bbw.Ack, 256),
		sigAgg:     make(chan namedSignal, 64),
		closeCh:    make(chan struct{}),
		doneCh:     make(chan struct{}),
		fleet:      append([]*bbw.BBW(nil), fleet...),
	}

	for _, w := range d.fleet {
		go d.forwardAcks(w)
		go d.forwardSignals(w)
	}
	go d.forwardResends()
	go d.loop()
	return d
}

func (d *Disp) forwardAcks(w *bbw.BBW) {
	for {
		select {
		case a, ok := <-w.Acks():
			if !ok {
				return
			}
			select {
			case d.ackAgg <- a:
			case <-d.closeCh:
				return
			}
		case <-d.closeCh:
			return
		}
	}
}

func (d *Disp) forwardSignals(w *bbw.BBW) {
	for {
		select {
		case s, ok := <-w.Signals():
			if !ok {
				return
			}
			select {
			case d.sigAgg <- namedSignal{backend: w, sig: s}:
			case <-d.closeCh:
				return
			}
		case <-d.closeCh:
			return
		}
	}
}

// forwardResends decodes each retry-timer relocation BUF emits and queues
// it for the reactor loop (spec §4.5.2 has no reply to produce, so this
// runs independently of Accept's request/response path).
func (d *Disp) forwardResends() {
	for {
		select {
		case rr, ok := <-d.buf.Resends():
			if !ok {
				return
			}
			opts, err := protocol.DecodePublishOptions(rr.Msg)
			if err != nil {
				d.log.Errorw("disp: failed to decode resend payload", "key", rr.Key, "error", err)
				continue
			}
			select {
			case d.resendCh <- resendReq{key: rr.Key, alreadyAcked: rr.AlreadyAcked, opts: opts}:
			case <-d.closeCh:
				return
			}
		case <-d.closeCh:
			return
		}
	}
}

type resendReq struct {
	key          uint32
	alreadyAcked uint64
	opts         bbw.PublishOptions
}

// Accept implements spec §4.5.1: validate the policy (already typed by
// internal/protocol), select backends, durably save via BUF, fan out
// publish to the selected backends, and return the assigned key.
func (d *Disp) Accept(ctx context.Context, policy buf.Policy, opts bbw.PublishOptions) (uint32, error) {
	resp := make(chan acceptResp, 1)
	select {
	case d.acceptReqs <- acceptReq{policy: policy, opts: opts, resp: resp}:
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-d.doneCh:
		return 0, ErrClosed
	}
	select {
	case r := <-resp:
		return r.key, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-d.doneCh:
		return 0, ErrClosed
	}
}

// Close stops the reactor and its forwarding goroutines.
func (d *Disp) Close() error {
	select {
	case <-d.doneCh:
	default:
		close(d.closeCh)
	}
	<-d.doneCh
	return nil
}

func (d *Disp) loop() {
	defer close(d.doneCh)

	ctx := context.Background()
	for {
		select {
		case req := <-d.acceptReqs:
			key, err := d.handleAccept(ctx, req.policy, req.opts)
			req.resp <- acceptResp{key: key, err: err}

		case rr := <-d.resendCh:
			d.handleResend(rr)

		case ack := <-d.ackAgg:
			d.buf.Ack(ack.BackendID, ack.Key)

		case ns := <-d.sigAgg:
			d.handleSignal(ns)

		case <-d.closeCh:
			return
		}
	}
}

func (d *Disp) handleAccept(ctx context.Context, policy buf.Policy, opts bbw.PublishOptions) (uint32, error) {
	var targets []*bbw.BBW
	switch policy.Kind {
	case buf.RoundRobin:
		w, err := d.selectRoundRobin()
		if err != nil {
			return 0, err
		}
		targets = []*bbw.BBW{w}
	case buf.Redundant:
		targets = d.selectRedundant(int(policy.Required()))
	}

	msg := protocol.EncodePublishOptions(opts)
	key, err := d.buf.Save(ctx, policy, msg)
	if err != nil {
		return 0, err
	}

	for _, w := range targets {
		w.Publish(key, opts)
	}
	return key, nil
}

// handleResend implements spec §4.5.2.
func (d *Disp) handleResend(req resendReq) {
	n := len(d.fleet)
	for i := 0; i < n; i++ {
		idx := (d.cursor + i) % n
		w := d.fleet[idx]
		if w.ID()&req.alreadyAcked != 0 {
			continue
		}
		if w.State() != bbw.Connected {
			continue
		}
		w.Publish(req.key, req.opts)
		return
	}
	d.log.Warnw("resend skipped: no eligible backend", "key", req.key)
}

// handleSignal implements spec §4.5.3.
func (d *Disp) handleSignal(ns namedSignal) {
	switch ns.sig.Kind {
	case bbw.ConnectionLoss:
		d.log.Warnw("backend connection lost", "backend", ns.sig.Name)
	case bbw.Reconnected:
		d.log.Infow("backend reconnected", "backend", ns.sig.Name)
	case bbw.Kill:
		d.log.Errorw("backend killed, removing from fleet", "backend", ns.sig.Name)
		d.removeFromFleet(ns.backend)
	}
}

func (d *Disp) removeFromFleet(w *bbw.BBW) {
	for i, f := range d.fleet {
		if f == w {
			d.fleet = append(d.fleet[:i], d.fleet[i+1:]...)
			if d.cursor > i {
				d.cursor--
			}
			if len(d.fleet) > 0 {
				d.cursor %= len(d.fleet)
			} else {
				d.cursor = 0
			}
			return
		}
	}
}

func (d *Disp) selectRoundRobin() (*bbw.BBW, error) {
	n := len(d.fleet)
	if n == 0 {
		return nil, ErrNoBrokerAvailable
	}
	for i := 0; i < n; i++ {
		idx := (d.cursor + i) % n
		if d.fleet[idx].State() == bbw.Connected {
			d.cursor = (idx + 1) % n
			return d.fleet[idx], nil
		}
	}
	return nil, ErrNoBrokerAvailable
}

// selectRedundant returns the first n Connected backends in configuration
// order. Fewer than n connected is not an error: BUF's retry timer will
// reach the rest once they reconnect (spec §4.5.1 step 2).
func (d *Disp) selectRedundant(n int) []*bbw.BBW {
	sel := make([]*bbw.BBW, 0, n)
	for _, w := range d.fleet {
		if len(sel) >= n {
			break
		}
		if w.State() == bbw.Connected {
			sel = append(sel, w)
		}
	}
	return sel
}
