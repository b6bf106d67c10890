// Package observability provides Prometheus metrics for the chat
// synchronization layer.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every method is safe to call on a nil *Metrics, which records nothing.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "greenchat"

// Metrics holds the counters, gauges and histograms of the chat core.
type Metrics struct {
	// StateTransitions counts subscription manager state entries.
	// Labels: state (idle, connecting, connected, error)
	StateTransitions *prometheus.CounterVec

	// Reconnects counts scheduled reconnect attempts.
	Reconnects prometheus.Counter

	// EventsApplied counts feed events applied to local state.
	// Labels: table (messages, conversations)
	EventsApplied *prometheus.CounterVec

	// EventsDropped counts feed events that were discarded.
	// Labels: reason (malformed, duplicate, stale)
	EventsDropped *prometheus.CounterVec

	// SendsTotal counts message sends by kind and outcome.
	// Labels: kind (message, location), status (success, error, rejected)
	SendsTotal *prometheus.CounterVec

	// BestEffortFailures counts swallowed follow-up write failures.
	// Labels: op (touch_conversation, unread_increment, unread_reset)
	BestEffortFailures *prometheus.CounterVec

	// ActiveBindings tracks managers currently bound to a conversation.
	ActiveBindings prometheus.Gauge

	// LoadDuration measures conversation loads.
	// Labels: status (success, not_found, unauthorized, error)
	LoadDuration *prometheus.HistogramVec

	// UploadBytes measures committed attachment sizes.
	UploadBytes prometheus.Histogram
}

// NewMetrics creates the metrics and registers them with reg. A nil reg
// registers with the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		StateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "realtime",
			Name:      "state_transitions_total",
			Help:      "Subscription manager state entries by state.",
		}, []string{"state"}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "realtime",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts scheduled after a feed error.",
		}),
		EventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "realtime",
			Name:      "events_applied_total",
			Help:      "Feed events applied to local state.",
		}, []string{"table"}),
		EventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "realtime",
			Name:      "events_dropped_total",
			Help:      "Feed events discarded without being applied.",
		}, []string{"reason"}),
		SendsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "composer",
			Name:      "sends_total",
			Help:      "Message sends by kind and outcome.",
		}, []string{"kind", "status"}),
		BestEffortFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "composer",
			Name:      "best_effort_failures_total",
			Help:      "Follow-up writes that failed after a durable send.",
		}, []string{"op"}),
		ActiveBindings: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "realtime",
			Name:      "active_bindings",
			Help:      "Subscription managers currently bound to a conversation.",
		}),
		LoadDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "loader",
			Name:      "load_duration_seconds",
			Help:      "Conversation load latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		UploadBytes: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "attachment",
			Name:      "upload_bytes",
			Help:      "Size of committed attachments.",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 8),
		}),
	}
}

func (m *Metrics) State(state string) {
	if m == nil {
		return
	}
	m.StateTransitions.WithLabelValues(state).Inc()
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

func (m *Metrics) Applied(table string) {
	if m == nil {
		return
	}
	m.EventsApplied.WithLabelValues(table).Inc()
}

func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.EventsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) Send(kind, status string) {
	if m == nil {
		return
	}
	m.SendsTotal.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) BestEffortFailure(op string) {
	if m == nil {
		return
	}
	m.BestEffortFailures.WithLabelValues(op).Inc()
}

func (m *Metrics) Bound(delta float64) {
	if m == nil {
		return
	}
	m.ActiveBindings.Add(delta)
}

func (m *Metrics) Load(status string, seconds float64) {
	if m == nil {
		return
	}
	m.LoadDuration.WithLabelValues(status).Observe(seconds)
}

func (m *Metrics) Upload(size int) {
	if m == nil {
		return
	}
	m.UploadBytes.Observe(float64(size))
}
