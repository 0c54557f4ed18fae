// Package metrics exports session events as Prometheus counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gwillem/e2ee-go/internal/sessions"
)

const namespace = "e2ee"

// Metrics counts session events.
type Metrics struct {
	outboundCreated *prometheus.CounterVec
	inboundAdded    prometheus.Counter
	pairwiseCreated *prometheus.CounterVec
	replays         prometheus.Counter
	corrupt         *prometheus.CounterVec
}

// New creates the counters and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		outboundCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "megolm",
				Name:      "outbound_sessions_created_total",
				Help:      "Number of outbound group sessions created, by reason",
			},
			[]string{"reason"},
		),
		inboundAdded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "megolm",
				Name:      "inbound_sessions_added_total",
				Help:      "Number of inbound group sessions stored",
			},
		),
		pairwiseCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "olm",
				Name:      "sessions_created_total",
				Help:      "Number of pairwise sessions created, by direction",
			},
			[]string{"direction"},
		),
		replays: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "megolm",
				Name:      "replays_detected_total",
				Help:      "Number of group messages rejected as replays",
			},
		),
		corrupt: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "undecodable_sessions_total",
				Help:      "Number of stored sessions skipped because they could not be decoded",
			},
			[]string{"kind"},
		),
	}
	for _, c := range []prometheus.Collector{m.outboundCreated, m.inboundAdded, m.pairwiseCreated, m.replays, m.corrupt} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Observe counts ev.
func (m *Metrics) Observe(ev sessions.Event) {
	switch e := ev.(type) {
	case sessions.OutboundSessionCreated:
		m.outboundCreated.WithLabelValues(e.Reason).Inc()
	case sessions.InboundSessionAdded:
		m.inboundAdded.Inc()
	case sessions.PairwiseSessionCreated:
		direction := "outbound"
		if e.Inbound {
			direction = "inbound"
		}
		m.pairwiseCreated.WithLabelValues(direction).Inc()
	case sessions.ReplayDetected:
		m.replays.Inc()
	case sessions.CorruptSessionSkipped:
		m.corrupt.WithLabelValues(e.Kind).Inc()
	}
}

// Attach subscribes m to bus and returns the unsubscribe func.
func (m *Metrics) Attach(bus *sessions.Bus) (cancel func()) {
	return bus.Subscribe(m.Observe)
}
