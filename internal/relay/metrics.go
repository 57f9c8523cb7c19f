package relay

import (
	"github.com/prometheus/client_golang/prometheus"

	"doomcode/go-backend/internal/relay/store"
)

// Metrics exposes the relay's operational counters. Envelope payloads
// are opaque here too: everything counted is header-level.
type Metrics struct {
	connections prometheus.Gauge
	sessions    prometheus.Counter
	forwarded   prometheus.Counter
	queued      prometheus.Counter
	replayed    prometheus.Counter
	dropped     prometheus.Counter
	invalid     prometheus.Counter
	purged      prometheus.Counter
	evictions   prometheus.Counter
}

// NewMetrics registers the relay collectors plus live table gauges
// backed by the store snapshot.
func NewMetrics(reg *prometheus.Registry, st *store.Store) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "doomcode_relay_connections",
			Help: "Open websocket connections.",
		}),
		sessions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "doomcode_relay_sessions_created_total",
			Help: "Sessions created over HTTP or the create action.",
		}),
		forwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "doomcode_relay_envelopes_forwarded_total",
			Help: "Envelopes forwarded directly to the peer.",
		}),
		queued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "doomcode_relay_envelopes_queued_total",
			Help: "Controller envelopes queued for an absent operator.",
		}),
		replayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "doomcode_relay_envelopes_replayed_total",
			Help: "Queued envelopes replayed on operator join.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "doomcode_relay_envelopes_dropped_total",
			Help: "Operator envelopes dropped while the controller was absent.",
		}),
		invalid: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "doomcode_relay_envelopes_invalid_total",
			Help: "Frames that failed envelope validation.",
		}),
		purged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "doomcode_relay_queue_purged_total",
			Help: "Queued envelopes discarded on operator key rotation.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "doomcode_relay_incumbent_evictions_total",
			Help: "Slot incumbents evicted after a failed liveness probe.",
		}),
	}
	reg.MustRegister(
		m.connections, m.sessions, m.forwarded, m.queued,
		m.replayed, m.dropped, m.invalid, m.purged, m.evictions,
	)
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "doomcode_relay_sessions_active",
		Help: "Sessions currently held in the store.",
	}, func() float64 { return float64(st.Snapshot().Sessions) }))
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "doomcode_relay_envelopes_pending",
		Help: "Envelopes currently queued across all sessions.",
	}, func() float64 { return float64(st.Snapshot().Queued) }))
	return m
}

func (m *Metrics) ConnectionOpened() { m.connections.Inc() }
func (m *Metrics) ConnectionClosed() { m.connections.Dec() }
func (m *Metrics) SessionCreated()   { m.sessions.Inc() }
func (m *Metrics) EnvelopeForwarded() {
	m.forwarded.Inc()
}
func (m *Metrics) EnvelopeQueued()   { m.queued.Inc() }
func (m *Metrics) EnvelopeReplayed() { m.replayed.Inc() }
func (m *Metrics) EnvelopeDropped()  { m.dropped.Inc() }
func (m *Metrics) EnvelopeInvalid()  { m.invalid.Inc() }
func (m *Metrics) QueuePurged(n int) { m.purged.Add(float64(n)) }
func (m *Metrics) IncumbentEvicted() { m.evictions.Inc() }
