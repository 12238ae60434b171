// Package buf implements the buffer: the durable half of samwise's
// reliability engine. It makes every accepted message durable before
// acknowledging the client, demultiplexes broker acks against the
// in-progress record, resends messages whose acks arrive too slowly, and
// recovers its sequence counters from the persistent store after a crash.
//
// Buf runs as a single reactor goroutine owning all mutable state (spec
// §5): saves, acks, and retry ticks are serialized onto one request
// channel apiece and handled to completion before the next event is
// read, the same shape as Azure-amqp's Sender.mux — one goroutine, one
// select loop, no shared memory mutated across the boundary.
package buf

import (
	"context"
	"time"

	"github.com/dreadworks/samwise/internal/metrics"
	"github.com/dreadworks/samwise/internal/pkv"
	"github.com/dreadworks/samwise/internal/wmsg"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrClosed is returned by Save/Ack once the buffer's reactor has stopped.
var ErrClosed = errors.New("buf: closed")

// Config enumerates BUF's three tunables (spec §4.3).
type Config struct {
	// Tries is the retry budget attached to every accepted message.
	Tries int32
	// Interval is the retry timer's period.
	Interval time.Duration
	// Threshold is the minimum age before a Live record is resend-eligible.
	Threshold time.Duration
}

// ResendRequest is emitted on Buf.Resends() whenever the retry timer
// relocates a message to a new key (spec §4.3.3 step 3).
type ResendRequest struct {
	Key          uint32
	AlreadyAcked uint64
	Msg          *wmsg.Msg
}

type saveReq struct {
	policy Policy
	msg    *wmsg.Msg
	resp   chan saveResp
}

type saveResp struct {
	key uint32
	err error
}

type ackReq struct {
	backendID uint64
	key       uint32
}

// Buf is the buffer reactor. The zero value is not usable; construct with
// Open.
type Buf struct {
	cfg     Config
	store   *pkv.PKV
	log     *zap.SugaredLogger
	rec     metrics.Recorder
	saveReqs chan saveReq
	ackReqs  chan ackReq
	resends  chan ResendRequest
	fatalCh  chan error
	closeCh  chan struct{}
	doneCh   chan struct{}

	// owned exclusively by the reactor goroutine after Open returns.
	seq        uint32
	lastStored uint32
}

// Open recovers seq/lastStored from store (spec §4.3.4) and starts the
// reactor goroutine.
func Open(cfg Config, store *pkv.PKV, log *zap.SugaredLogger, rec metrics.Recorder) (*Buf, error) {
	b := &Buf{
		cfg:      cfg,
		store:    store,
		log:      log,
		rec:      rec,
		saveReqs: make(chan saveReq),
		ackReqs:  make(chan ackReq, 256),
		resends:  make(chan ResendRequest, 64),
		fatalCh:  make(chan error, 1),
		closeCh:  make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	if err := b.recoverState(); err != nil {
		return nil, err
	}
	b.log.Infow("buffer recovered", "seq", b.seq, "last_stored", b.lastStored)
	go b.loop()
	return b, nil
}

// recoverState implements spec §4.3.4: scan from the highest key downward,
// set seq to the highest key, set lastStored to the highest Live key (or
// zero if none).
func (b *Buf) recoverState() error {
	txn, err := b.store.Begin(false)
	if err != nil {
		return err
	}
	defer txn.Abort()

	first := true
	var cur uint32
	for {
		key, val, serr := txn.Sibling(pkv.Prev)
		if errors.Is(serr, pkv.ErrNotFound) {
			break
		}
		if serr != nil {
			return serr
		}
		if first {
			cur = key
			first = false
		}
		rec, derr := decodeRecord(val)
		if derr != nil {
			return derr
		}
		if rec.Kind == kindLive {
			b.lastStored = key
			break
		}
	}
	b.seq = cur
	return nil
}

// Save durably buffers msg under policy and returns its key. The reply is
// only observable after the underlying transaction commits (spec §4.3.1's
// durability requirement).
func (b *Buf) Save(ctx context.Context, policy Policy, msg *wmsg.Msg) (uint32, error) {
	resp := make(chan saveResp, 1)
	select {
	case b.saveReqs <- saveReq{policy: policy, msg: msg, resp: resp}:
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-b.doneCh:
		return 0, ErrClosed
	}
	select {
	case r := <-resp:
		if r.err == nil {
			b.rec.MessageAccepted()
		}
		return r.key, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-b.doneCh:
		return 0, ErrClosed
	}
}

// Ack submits a backend confirmation. It does not block on processing;
// duplicate and late acks are handled internally per spec §4.3.2 and never
// surface an error to the caller.
func (b *Buf) Ack(backendID uint64, key uint32) {
	select {
	case b.ackReqs <- ackReq{backendID: backendID, key: key}:
	case <-b.doneCh:
	}
}

// Resends is read by the dispatcher to learn about retry-timer-triggered
// relocations.
func (b *Buf) Resends() <-chan ResendRequest {
	return b.resends
}

// Fatal delivers the PKV error that stopped the reactor, exactly once,
// when a save/ack/retry handler hits Io or Corrupt (spec §4.3.5, §7:
// "abort current txn, log, exit with distinguished code so the
// supervisor restarts the process"). The reactor itself cannot restart
// the process — that decision belongs to the caller's top-level
// supervisor — so Fatal is how it surfaces the need upward instead of
// silently tearing itself down.
func (b *Buf) Fatal() <-chan error {
	return b.fatalCh
}

// Close stops the reactor and the underlying store. It blocks until the
// reactor goroutine has exited.
func (b *Buf) Close() error {
	select {
	case <-b.doneCh:
	default:
		close(b.closeCh)
	}
	<-b.doneCh
	return b.store.Close()
}

func (b *Buf) loop() {
	defer close(b.doneCh)

	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case req := <-b.saveReqs:
			key, err := b.handleSave(req.policy, req.msg)
			req.resp <- saveResp{key: key, err: err}
			if isFatal(err) {
				b.log.Errorw("buffer save failed fatally", "error", err)
				b.emitFatal(err)
				return
			}

		case req := <-b.ackReqs:
			if err := b.handleAckTxn(req.backendID, req.key); err != nil {
				if isFatal(err) {
					b.log.Errorw("buffer ack failed fatally", "error", err)
					b.emitFatal(err)
					return
				}
				b.log.Warnw("buffer ack failed", "error", err, "backend_id", req.backendID, "key", req.key)
			}

		case <-ticker.C:
			if err := b.handleRetryPass(); err != nil {
				b.log.Errorw("buffer retry pass failed fatally", "error", err)
				b.emitFatal(err)
				return
			}

		case <-b.closeCh:
			return
		}
	}
}

func isFatal(err error) bool {
	return errors.Is(err, pkv.ErrIO) || errors.Is(err, pkv.ErrCorrupt)
}

// emitFatal delivers err on fatalCh without blocking; fatalCh is
// buffered by one and the reactor only ever calls this once, immediately
// before returning from loop.
func (b *Buf) emitFatal(err error) {
	select {
	case b.fatalCh <- err:
	default:
	}
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

// handleSave implements spec §4.3.1.
func (b *Buf) handleSave(policy Policy, msg *wmsg.Msg) (uint32, error) {
	key := b.seq + 1

	txn, err := b.store.Begin(true)
	if err != nil {
		return 0, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = txn.Abort()
		}
	}()

	val, gerr := txn.Get(key)
	switch {
	case errors.Is(gerr, pkv.ErrNotFound):
		live := liveRecord(policy.Required(), nowMs(), b.cfg.Tries, 0, msg)
		if err := txn.Put(key, live.encode()); err != nil {
			return 0, err
		}
		b.lastStored = key

	case gerr != nil:
		return 0, gerr

	default:
		existing, derr := decodeRecord(val)
		if derr != nil {
			return 0, derr
		}
		if existing.Kind != kindAckOnly {
			return 0, errors.Errorf("buf: save: key %d occupied by unexpected record kind %d", key, existing.Kind)
		}
		remaining := existing.AcksRemaining + policy.Required()
		if remaining == 0 {
			if err := txn.Del(); err != nil {
				return 0, err
			}
		} else {
			live := liveRecord(remaining, nowMs(), b.cfg.Tries, 0, msg)
			live.BeAcks = existing.BeAcks
			if err := txn.Update(pkv.ReplaceCurrent, 0, live.encode()); err != nil {
				return 0, err
			}
			b.lastStored = key
		}
	}

	if err := txn.Commit(); err != nil {
		return 0, err
	}
	committed = true
	b.seq = key
	return key, nil
}

// handleAckTxn opens a transaction and delegates to handleAck, committing
// or aborting per spec §4.3.2.
func (b *Buf) handleAckTxn(backendID uint64, key uint32) error {
	txn, err := b.store.Begin(true)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = txn.Abort()
		}
	}()

	if err := b.handleAck(txn, backendID, key); err != nil {
		return err
	}

	if err := txn.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (b *Buf) handleAck(txn *pkv.Txn, backendID uint64, key uint32) error {
	val, gerr := txn.Get(key)
	if errors.Is(gerr, pkv.ErrNotFound) {
		if key < b.lastStored {
			// late ack for an already-deleted message; no-op.
			return nil
		}
		ao := ackOnlyRecord(-1)
		ao.BeAcks = backendID
		return txn.Put(key, ao.encode())
	}
	if gerr != nil {
		return gerr
	}

	rec, derr := decodeRecord(val)
	if derr != nil {
		return derr
	}

	for rec.Kind == kindTombstone {
		nextVal, nerr := txn.Get(rec.NextKey)
		if errors.Is(nerr, pkv.ErrNotFound) {
			// chain dead-ends; nothing to acknowledge.
			return nil
		}
		if nerr != nil {
			return nerr
		}
		rec, derr = decodeRecord(nextVal)
		if derr != nil {
			return derr
		}
	}

	switch rec.Kind {
	case kindAckOnly:
		if rec.BeAcks&backendID != 0 {
			return nil // duplicate
		}
		rec.BeAcks |= backendID
		rec.AcksRemaining--
		return txn.Update(pkv.ReplaceCurrent, 0, rec.encode())

	case kindLive:
		if rec.BeAcks&backendID != 0 {
			return nil // duplicate
		}
		rec.BeAcks |= backendID
		rec.AcksRemaining--
		if rec.AcksRemaining == 0 {
			if err := txn.Del(); err != nil {
				return err
			}
			b.rec.MessageDelivered()
			return b.walkDeleteTombstones(txn, rec.PrevKey)
		}
		return txn.Update(pkv.ReplaceCurrent, 0, rec.encode())

	default:
		return errors.Errorf("buf: ack: resolved record has unexpected kind %d", rec.Kind)
	}
}

// walkDeleteTombstones deletes the tombstone chain starting at prevKey,
// stopping at the first non-tombstone or missing record.
func (b *Buf) walkDeleteTombstones(txn *pkv.Txn, prevKey uint32) error {
	for pk := prevKey; pk != 0; {
		v, err := txn.GetKey(pk)
		if errors.Is(err, pkv.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		rec, derr := decodeRecord(v)
		if derr != nil {
			return derr
		}
		if rec.Kind != kindTombstone {
			return nil
		}
		if err := txn.DelKey(pk); err != nil {
			return err
		}
		pk = rec.PrevKey
	}
	return nil
}

// handleRetryPass implements spec §4.3.3.
func (b *Buf) handleRetryPass() error {
	txn, err := b.store.Begin(true)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = txn.Abort()
		}
	}()

	newKeys := make(map[uint32]bool)
	var toSend []ResendRequest
	thresholdMs := b.cfg.Threshold.Milliseconds()

	var cur uint32
	for {
		key, val, nerr := txn.NextAfter(cur)
		if errors.Is(nerr, pkv.ErrNotFound) {
			break
		}
		if nerr != nil {
			return nerr
		}
		if newKeys[key] {
			break // reached a key minted by this pass; stop to avoid live-lock.
		}
		cur = key

		rec, derr := decodeRecord(val)
		if derr != nil {
			return derr
		}
		if rec.Kind != kindLive {
			continue
		}
		if nowMs()-rec.TsMs < thresholdMs {
			continue
		}

		rec.Tries--
		if rec.Tries == 0 {
			if err := txn.DelKey(key); err != nil {
				return err
			}
			if err := b.walkDeleteTombstones(txn, rec.PrevKey); err != nil {
				return err
			}
			b.rec.RetryBudgetExhausted()
			continue
		}

		newKey := b.seq + 1
		b.seq = newKey

		moved := liveRecord(rec.AcksRemaining, nowMs(), rec.Tries, key, rec.Payload)
		moved.BeAcks = rec.BeAcks
		if err := txn.PutKey(newKey, moved.encode()); err != nil {
			return err
		}
		tomb := tombstoneRecord(rec.PrevKey, newKey)
		if err := txn.PutKey(key, tomb.encode()); err != nil {
			return err
		}

		newKeys[newKey] = true
		b.lastStored = newKey
		toSend = append(toSend, ResendRequest{Key: newKey, AlreadyAcked: rec.BeAcks, Msg: rec.Payload})
		b.rec.RetryFired()
	}

	if err := txn.Commit(); err != nil {
		return err
	}
	committed = true

	for _, rr := range toSend {
		select {
		case b.resends <- rr:
		case <-b.closeCh:
			return nil
		}
	}
	return nil
}
