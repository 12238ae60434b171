// Package metrics implements the narrow contract samwise's core emits
// into the (out of scope, spec §1/§7) metrics aggregator: message
// acceptance and delivery, per-backend connection state, ack and
// dropped-publish counts, retry activity, and retry-budget exhaustion. It supplements original_source's sam_stat
// counters with a Prometheus-backed implementation.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Recorder is the interface BUF, BBW, and DISP call into. It exists so
// those packages never import prometheus directly — only cmd/samwised
// wires a concrete implementation.
type Recorder interface {
	MessageAccepted()
	MessageDelivered()
	RetryFired()
	RetryBudgetExhausted()
	BackendConnected(name string)
	BackendDisconnected(name string)
	AckReceived(backend string)
	PublishDropped(backend string)
}

// Prometheus implements Recorder with a fixed set of registered metrics.
type Prometheus struct {
	accepted        prometheus.Counter
	delivered       prometheus.Counter
	retryFired      prometheus.Counter
	retryExhausted  prometheus.Counter
	backendUp       *prometheus.GaugeVec
	acks            *prometheus.CounterVec
	publishDropped  *prometheus.CounterVec
}

// NewPrometheus constructs a Prometheus recorder and registers its
// metrics with reg. Passing prometheus.DefaultRegisterer is typical.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "samwise_messages_accepted_total",
			Help: "Messages durably buffered after a client publish.",
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "samwise_messages_delivered_total",
			Help: "Messages whose distribution policy was fully satisfied.",
		}),
		retryFired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "samwise_retries_fired_total",
			Help: "Resend attempts fired by the buffer's retry timer.",
		}),
		retryExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "samwise_retry_budget_exhausted_total",
			Help: "Messages silently discarded after exhausting their retry budget.",
		}),
		backendUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "samwise_backend_connected",
			Help: "1 if the named backend worker is connected, else 0.",
		}, []string{"backend"}),
		acks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "samwise_acks_total",
			Help: "Publisher confirms received, by backend.",
		}, []string{"backend"}),
		publishDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "samwise_publish_dropped_total",
			Help: "Publish requests dropped because the backend was not connected.",
		}, []string{"backend"}),
	}
	reg.MustRegister(p.accepted, p.delivered, p.retryFired, p.retryExhausted, p.backendUp, p.acks, p.publishDropped)
	return p
}

func (p *Prometheus) MessageAccepted()     { p.accepted.Inc() }
func (p *Prometheus) MessageDelivered()    { p.delivered.Inc() }
func (p *Prometheus) RetryFired()          { p.retryFired.Inc() }
func (p *Prometheus) RetryBudgetExhausted() { p.retryExhausted.Inc() }

func (p *Prometheus) BackendConnected(name string) {
	p.backendUp.WithLabelValues(name).Set(1)
}

func (p *Prometheus) BackendDisconnected(name string) {
	p.backendUp.WithLabelValues(name).Set(0)
}

func (p *Prometheus) AckReceived(backend string) {
	p.acks.WithLabelValues(backend).Inc()
}

func (p *Prometheus) PublishDropped(backend string) {
	p.publishDropped.WithLabelValues(backend).Inc()
}

// Noop implements Recorder with no side effects, for tests.
type Noop struct{}

func (Noop) MessageAccepted()          {}
func (Noop) MessageDelivered()         {}
func (Noop) RetryFired()               {}
func (Noop) RetryBudgetExhausted()     {}
func (Noop) BackendConnected(string)   {}
func (Noop) BackendDisconnected(string) {}
func (Noop) AckReceived(string)        {}
func (Noop) PublishDropped(string)     {}
