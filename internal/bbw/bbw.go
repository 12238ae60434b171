// Package bbw implements the broker backend worker: one reactor per
// configured downstream broker (spec §4.4). It owns the broker connection
// and its two channels exclusively, drives the connection lifecycle state
// machine, tracks publisher-confirm sequence numbers against an ordered
// in-flight table, and surfaces acks and connection-loss/kill signals to
// the dispatcher. The reactor shape mirrors BUF's: one goroutine, one
// select loop, state mutated only inside it — the same discipline
// Azure-amqp's Sender/link mux loop follows.
package bbw

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dreadworks/samwise/internal/metrics"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// State is a BBW connection lifecycle state (spec §4.4.1).
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Draining
	Dead
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Draining:
		return "draining"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// SignalKind tags the events BBW emits on its Signals channel.
type SignalKind int

const (
	// ConnectionLoss fires when an established connection drops. DISP
	// logs and continues; BUF's retry timer recovers in-flight messages.
	ConnectionLoss SignalKind = iota
	// Reconnected fires when the connection comes back up.
	Reconnected
	// Kill fires once the reconnect budget is exhausted; DISP removes
	// this worker from its fleet.
	Kill
)

// Signal is one lifecycle event, named by backend for DISP's fleet map.
type Signal struct {
	Kind SignalKind
	Name string
}

// Ack reports a publisher confirm resolved to a message key, destined for
// BUF.Ack.
type Ack struct {
	BackendID uint64
	Key       uint32
}

// Header is a single ordered wire header pair (spec §4.4.2).
type Header struct {
	Key   string
	Value string
}

// PublishOptions mirrors spec §4.4.2's wire-opts: destination, routing,
// the 12 AMQP-style properties, headers, and one opaque payload frame.
type PublishOptions struct {
	Exchange   string
	RoutingKey string
	Mandatory  bool
	Immediate  bool

	ContentType     string
	ContentEncoding string
	DeliveryMode    uint8
	Priority        uint8
	CorrelationID   string
	ReplyTo         string
	Expiration      string
	MessageID       string
	Type            string
	UserID          string
	AppID           string
	// ClusterID has no field in amqp091-go's Publishing (0-9-1 dropped
	// the property broker-side); it is carried as the x-cluster-id
	// header instead (see DESIGN.md's Open Question decision).
	ClusterID string

	Headers []Header
	Payload []byte
}

// Config enumerates one backend's connection parameters (spec §6's
// backends[] table).
type Config struct {
	Name       string
	Host       string
	Port       uint16
	User       string
	Pass       string
	HeartbeatS uint16
	// Tries is the reconnect budget; -1 means unbounded.
	Tries int32
	// Interval is both the reconnect backoff and the wait between
	// Connecting attempts.
	Interval time.Duration
}

func (c Config) url() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/", c.User, c.Pass, c.Host, c.Port)
}

// Connection abstracts *amqp091.Connection so tests can supply a fake
// broker without a live socket.
type Connection interface {
	Channel() (Channel, error)
	Close() error
	NotifyClose(chan *amqp.Error) chan *amqp.Error
}

// Channel abstracts *amqp091.Channel: exactly the surface spec §4.4
// requires (confirms, publish, exchange RPCs).
type Channel interface {
	Confirm(noWait bool) error
	NotifyPublish(chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(chan *amqp.Error) chan *amqp.Error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	ExchangeDelete(name string, ifUnused, noWait bool) error
	Close() error
}

// Dialer opens a broker connection given a URL and heartbeat interval.
// DialAMQP is the production implementation; tests supply a fake.
type Dialer func(url string, heartbeat time.Duration) (Connection, error)

// DialAMQP dials a real RabbitMQ broker over AMQP 0-9-1.
func DialAMQP(url string, heartbeat time.Duration) (Connection, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{Heartbeat: heartbeat})
	if err != nil {
		return nil, err
	}
	return &connAdapter{conn}, nil
}

type connAdapter struct{ c *amqp.Connection }

func (a *connAdapter) Channel() (Channel, error) {
	ch, err := a.c.Channel()
	if err != nil {
		return nil, err
	}
	return &channelAdapter{ch}, nil
}
func (a *connAdapter) Close() error { return a.c.Close() }
func (a *connAdapter) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	return a.c.NotifyClose(c)
}

type channelAdapter struct{ ch *amqp.Channel }

func (a *channelAdapter) Confirm(noWait bool) error { return a.ch.Confirm(noWait) }
func (a *channelAdapter) NotifyPublish(c chan amqp.Confirmation) chan amqp.Confirmation {
	return a.ch.NotifyPublish(c)
}
func (a *channelAdapter) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	return a.ch.NotifyClose(c)
}
func (a *channelAdapter) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return a.ch.Publish(exchange, key, mandatory, immediate, msg)
}
func (a *channelAdapter) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return a.ch.ExchangeDeclare(name, kind, durable, autoDelete, internal, noWait, args)
}
func (a *channelAdapter) ExchangeDelete(name string, ifUnused, noWait bool) error {
	return a.ch.ExchangeDelete(name, ifUnused, noWait)
}
func (a *channelAdapter) Close() error { return a.ch.Close() }

type rpcKind int

const (
	rpcDeclare rpcKind = iota
	rpcDelete
)

type rpcReq struct {
	kind         rpcKind
	exchange     string
	exchangeType string
	resp         chan error
}

type publishReq struct {
	key  uint32
	opts PublishOptions
}

type inflightEntry struct {
	seq uint64
	key uint32
}

// BBW is the broker backend worker reactor. The zero value is not usable;
// construct with Open.
type BBW struct {
	cfg    Config
	id     uint64
	dialer Dialer
	log    *zap.SugaredLogger
	rec    metrics.Recorder

	publishReqs chan publishReq
	rpcReqs     chan rpcReq
	signals     chan Signal
	acks        chan Ack
	closeCh     chan struct{}
	doneCh      chan struct{}

	state int32 // atomic State

	// owned exclusively by the reactor goroutine.
	triesLeft  int32
	nextSeq    uint64
	inFlight   []inflightEntry
	conn       Connection
	pubChan    Channel
	rpcChan    Channel
	confirmCh  chan amqp.Confirmation
	closeErrCh chan *amqp.Error
}

// Open constructs a BBW for id/cfg and starts its reactor goroutine. id
// must be a single set bit within a 64-bit mask (spec §3's BS.id).
func Open(cfg Config, id uint64, dialer Dialer, log *zap.SugaredLogger, rec metrics.Recorder) *BBW {
	w := &BBW{
		cfg:         cfg,
		id:          id,
		dialer:      dialer,
		log:         log,
		rec:         rec,
		publishReqs: make(chan publishReq, 256),
		rpcReqs:     make(chan rpcReq),
		signals:     make(chan Signal, 16),
		acks:        make(chan Ack, 256),
		closeCh:     make(chan struct{}),
		doneCh:      make(chan struct{}),
		triesLeft:   cfg.Tries,
	}
	w.setState(Disconnected)
	go w.loop()
	return w
}

// ID returns this worker's single-bit backend id.
func (w *BBW) ID() uint64 { return w.id }

// Name returns the configured backend name.
func (w *BBW) Name() string { return w.cfg.Name }

// State returns the current connection lifecycle state. Safe for
// concurrent use by DISP's scheduling logic.
func (w *BBW) State() State {
	return State(atomic.LoadInt32(&w.state))
}

func (w *BBW) setState(s State) {
	atomic.StoreInt32(&w.state, int32(s))
}

// Publish submits a message for transmission. It does not block on the
// network and never blocks the caller on connection state: while not
// Connected, the request is dropped and logged (spec §4.4.1) — the
// retry timer inside BUF is the only recovery path.
func (w *BBW) Publish(key uint32, opts PublishOptions) {
	select {
	case w.publishReqs <- publishReq{key: key, opts: opts}:
	case <-w.doneCh:
	}
}

// Declare issues a synchronous exchange.declare RPC on the dedicated RPC
// channel (spec §4.4.4).
func (w *BBW) Declare(ctx context.Context, exchange, kind string) error {
	return w.rpc(ctx, rpcReq{kind: rpcDeclare, exchange: exchange, exchangeType: kind})
}

// Delete issues a synchronous exchange.delete RPC.
func (w *BBW) Delete(ctx context.Context, exchange string) error {
	return w.rpc(ctx, rpcReq{kind: rpcDelete, exchange: exchange})
}

func (w *BBW) rpc(ctx context.Context, req rpcReq) error {
	req.resp = make(chan error, 1)
	select {
	case w.rpcReqs <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-w.doneCh:
		return errors.New("bbw: closed")
	}
	select {
	case err := <-req.resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-w.doneCh:
		return errors.New("bbw: closed")
	}
}

// Signals delivers ConnectionLoss/Reconnected/Kill events for DISP.
func (w *BBW) Signals() <-chan Signal { return w.signals }

// Acks delivers resolved publisher confirms for BUF.Ack.
func (w *BBW) Acks() <-chan Ack { return w.acks }

// Close stops the reactor and releases the broker connection, if any.
func (w *BBW) Close() error {
	select {
	case <-w.doneCh:
	default:
		close(w.closeCh)
	}
	<-w.doneCh
	return nil
}

func (w *BBW) loop() {
	defer close(w.doneCh)

	w.beginConnect()
	reconnectC := w.maybeArmReconnect(nil)

	for {
		select {
		case req := <-w.publishReqs:
			w.handlePublish(req)
			reconnectC = w.maybeArmReconnect(reconnectC)

		case req := <-w.rpcReqs:
			w.handleRPC(req)

		case conf, ok := <-w.confirmCh:
			if !ok {
				w.handleConnLost(errors.New("bbw: confirm channel closed"))
			} else {
				w.handleConfirm(conf)
			}
			reconnectC = w.maybeArmReconnect(reconnectC)

		case cerr, ok := <-w.closeErrCh:
			if ok && cerr != nil {
				w.handleConnLost(errors.Errorf("bbw: connection closed: %v", cerr))
			} else {
				w.handleConnLost(errors.New("bbw: connection closed"))
			}
			reconnectC = w.maybeArmReconnect(reconnectC)

		case <-reconnectC:
			w.beginConnect()
			reconnectC = w.maybeArmReconnect(nil)

		case <-w.closeCh:
			w.teardown()
			return
		}
	}
}

// maybeArmReconnect returns the existing timer channel if one is already
// pending, otherwise schedules a new Connecting attempt if the current
// state needs one (Disconnected or Draining), otherwise nil.
func (w *BBW) maybeArmReconnect(reconnectC <-chan time.Time) <-chan time.Time {
	if reconnectC != nil {
		return reconnectC
	}
	switch w.State() {
	case Disconnected, Draining:
		return time.After(w.cfg.Interval)
	default:
		return nil
	}
}

// beginConnect implements the Disconnected/Draining -> Connecting ->
// Connected|Disconnected|Dead transitions of spec §4.4.1.
func (w *BBW) beginConnect() {
	if w.cfg.Tries >= 0 && w.triesLeft <= 0 {
		w.setState(Dead)
		w.emitSignal(Kill)
		return
	}
	w.setState(Connecting)

	conn, err := w.dialer(w.cfg.url(), time.Duration(w.cfg.HeartbeatS)*time.Second)
	if err != nil {
		w.failConnect(err)
		return
	}
	pubChan, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		w.failConnect(err)
		return
	}
	if err := pubChan.Confirm(false); err != nil {
		_ = conn.Close()
		w.failConnect(err)
		return
	}
	rpcChan, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		w.failConnect(err)
		return
	}

	w.conn = conn
	w.pubChan = pubChan
	w.rpcChan = rpcChan
	w.confirmCh = pubChan.NotifyPublish(make(chan amqp.Confirmation, 64))
	w.closeErrCh = conn.NotifyClose(make(chan *amqp.Error, 1))
	w.nextSeq = 1
	w.inFlight = w.inFlight[:0]
	w.triesLeft = w.cfg.Tries
	w.setState(Connected)
	w.log.Infow("backend connected", "backend", w.cfg.Name)
	w.rec.BackendConnected(w.cfg.Name)
	w.emitSignal(Reconnected)
}

func (w *BBW) failConnect(err error) {
	w.log.Warnw("backend connect failed", "backend", w.cfg.Name, "error", err)
	if w.cfg.Tries >= 0 {
		w.triesLeft--
		if w.triesLeft <= 0 {
			w.setState(Dead)
			w.emitSignal(Kill)
			return
		}
	}
	w.setState(Disconnected)
}

// handleConnLost implements Connected -> Draining.
func (w *BBW) handleConnLost(err error) {
	if w.State() != Connected {
		return
	}
	w.log.Warnw("backend connection lost", "backend", w.cfg.Name, "error", err)
	w.teardown()
	w.inFlight = w.inFlight[:0]
	w.setState(Draining)
	w.rec.BackendDisconnected(w.cfg.Name)
	w.emitSignal(ConnectionLoss)
}

func (w *BBW) teardown() {
	if w.conn != nil {
		_ = w.conn.Close()
	}
	w.conn, w.pubChan, w.rpcChan = nil, nil, nil
	w.confirmCh, w.closeErrCh = nil, nil
}

func (w *BBW) emitSignal(kind SignalKind) {
	sig := Signal{Kind: kind, Name: w.cfg.Name}
	select {
	case w.signals <- sig:
	default:
		w.log.Warnw("signal dropped: consumer too slow", "backend", w.cfg.Name, "kind", kind)
	}
}

// handlePublish implements spec §4.4.2.
func (w *BBW) handlePublish(req publishReq) {
	if w.State() != Connected {
		w.log.Warnw("publish dropped: backend not connected", "backend", w.cfg.Name, "key", req.key)
		w.rec.PublishDropped(w.cfg.Name)
		return
	}

	seq := w.nextSeq
	w.nextSeq++
	w.inFlight = append(w.inFlight, inflightEntry{seq: seq, key: req.key})

	if err := w.pubChan.Publish(req.opts.Exchange, req.opts.RoutingKey, req.opts.Mandatory, req.opts.Immediate, toPublishing(req.opts)); err != nil {
		w.handleConnLost(errors.Wrap(err, "bbw: publish"))
	}
}

func toPublishing(o PublishOptions) amqp.Publishing {
	headers := amqp.Table{}
	for _, h := range o.Headers {
		headers[h.Key] = h.Value
	}
	if o.ClusterID != "" {
		headers["x-cluster-id"] = o.ClusterID
	}
	return amqp.Publishing{
		Headers:         headers,
		ContentType:     o.ContentType,
		ContentEncoding: o.ContentEncoding,
		DeliveryMode:    o.DeliveryMode,
		Priority:        o.Priority,
		CorrelationId:   o.CorrelationID,
		ReplyTo:         o.ReplyTo,
		Expiration:      o.Expiration,
		MessageId:       o.MessageID,
		Type:            o.Type,
		UserId:          o.UserID,
		AppId:           o.AppID,
		Body:            o.Payload,
	}
}

// handleConfirm implements spec §4.4.3. amqp091-go already expands
// multiple=true confirms into one Confirmation per delivery tag before
// they reach NotifyPublish, so this resolves exactly one in_flight entry
// per call rather than re-implementing the multiple-flag fan-out.
func (w *BBW) handleConfirm(conf amqp.Confirmation) {
	idx := -1
	for i, e := range w.inFlight {
		if e.seq == conf.DeliveryTag {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	entry := w.inFlight[idx]
	w.inFlight = append(w.inFlight[:idx], w.inFlight[idx+1:]...)

	if !conf.Ack {
		w.log.Warnw("publish nacked by broker", "backend", w.cfg.Name, "key", entry.key)
		w.rec.PublishDropped(w.cfg.Name)
		return
	}

	w.rec.AckReceived(w.cfg.Name)
	select {
	case w.acks <- Ack{BackendID: w.id, Key: entry.key}:
	case <-w.closeCh:
	}
}

func (w *BBW) handleRPC(req rpcReq) {
	if w.State() != Connected {
		req.resp <- errors.New("bbw: rpc: backend not connected")
		return
	}
	var err error
	switch req.kind {
	case rpcDeclare:
		err = w.rpcChan.ExchangeDeclare(req.exchange, req.exchangeType, true, false, false, false, nil)
	case rpcDelete:
		err = w.rpcChan.ExchangeDelete(req.exchange, false, false)
	}
	req.resp <- err
}
