// Package metric exposes dispatch counters through Prometheus. A nil *Metrics
// is valid and records nothing, so components can run without a registry.
package metric

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "botcore"

type Metrics struct {
	inbound      *prometheus.CounterVec
	matches      prometheus.Counter
	handlers     *prometheus.CounterVec
	sends        *prometheus.CounterVec
	queueDropped prometheus.Counter
	connections  prometheus.Gauge
	rendezvous   *prometheus.CounterVec
}

// New creates the metric set and registers it with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_envelopes_total",
			Help:      "Inbound envelopes by decode result.",
		}, []string{"result"}),
		matches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trigger_matches_total",
			Help:      "Triggers that matched an event.",
		}),
		handlers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_invocations_total",
			Help:      "Handler invocations by outcome.",
		}, []string{"result"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_envelopes_total",
			Help:      "Outbound envelopes by transport result.",
		}, []string{"result"}),
		queueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_dropped_total",
			Help:      "Tasks dropped or rejected because a work queue was full.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Live connection actors.",
		}),
		rendezvous: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rendezvous_total",
			Help:      "Follow-up waits by outcome.",
		}, []string{"result"}),
	}

	if reg == nil {
		return m, nil
	}

	for _, c := range []prometheus.Collector{m.inbound, m.matches, m.handlers, m.sends, m.queueDropped, m.connections, m.rendezvous} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}

	return m, nil
}

func (m *Metrics) InboundAccepted() {
	if m != nil {
		m.inbound.WithLabelValues("accepted").Inc()
	}
}

func (m *Metrics) InboundMalformed() {
	if m != nil {
		m.inbound.WithLabelValues("malformed").Inc()
	}
}

func (m *Metrics) Matched(n int) {
	if m != nil && n > 0 {
		m.matches.Add(float64(n))
	}
}

// HandlerDone records one invocation; result is "ok", "error" or "panic".
func (m *Metrics) HandlerDone(result string) {
	if m != nil {
		m.handlers.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Sent(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.sends.WithLabelValues("error").Inc()
		return
	}
	m.sends.WithLabelValues("ok").Inc()
}

func (m *Metrics) QueueDropped() {
	if m != nil {
		m.queueDropped.Inc()
	}
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

// Rendezvous records a follow-up wait; result is "signaled" or "timeout".
func (m *Metrics) Rendezvous(result string) {
	if m != nil {
		m.rendezvous.WithLabelValues(result).Inc()
	}
}
