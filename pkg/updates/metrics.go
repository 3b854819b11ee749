package updates

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nimburion/chatsync/pkg/observability/metrics"
)

// Metrics holds the update pipeline collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	published       *prometheus.CounterVec
	filtered        *prometheus.CounterVec
	failures        *prometheus.CounterVec
	busErrors       prometheus.Counter
	malformed       *prometheus.CounterVec
	allocRetries    prometheus.Counter
	trimmed         prometheus.Counter
	publishDuration prometheus.Histogram
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.published, err = metrics.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatsync", Subsystem: "updates", Name: "published_total",
		Help: "Events appended and handed to delivery, by event type.",
	}, []string{"event_type"})); err != nil {
		return nil, err
	}
	if m.filtered, err = metrics.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatsync", Subsystem: "updates", Name: "filtered_total",
		Help: "Events skipped by notification rules, by event type.",
	}, []string{"event_type"})); err != nil {
		return nil, err
	}
	if m.failures, err = metrics.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatsync", Subsystem: "updates", Name: "publish_failures_total",
		Help: "Per-recipient publish failures, by stage.",
	}, []string{"stage"})); err != nil {
		return nil, err
	}
	if m.busErrors, err = metrics.Register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chatsync", Subsystem: "updates", Name: "bus_publish_errors_total",
		Help: "Bus publish errors. The event stays available through catch-up.",
	})); err != nil {
		return nil, err
	}
	if m.malformed, err = metrics.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatsync", Subsystem: "updates", Name: "bus_dropped_total",
		Help: "Bus messages dropped on receipt, by reason.",
	}, []string{"reason"})); err != nil {
		return nil, err
	}
	if m.allocRetries, err = metrics.Register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chatsync", Subsystem: "updates", Name: "allocation_retries_total",
		Help: "Sequence allocations retried after a unique violation.",
	})); err != nil {
		return nil, err
	}
	if m.trimmed, err = metrics.Register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chatsync", Subsystem: "updates", Name: "trimmed_events_total",
		Help: "Events removed by retention trimming.",
	})); err != nil {
		return nil, err
	}
	if m.publishDuration, err = metrics.Register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "chatsync", Subsystem: "updates", Name: "publish_duration_seconds",
		Help:    "Time to publish one call to all of its recipients.",
		Buckets: prometheus.DefBuckets,
	})); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) incPublished(t EventType) {
	if m != nil {
		m.published.WithLabelValues(string(t)).Inc()
	}
}

func (m *Metrics) incFiltered(t EventType) {
	if m != nil {
		m.filtered.WithLabelValues(string(t)).Inc()
	}
}

func (m *Metrics) incFailure(stage string) {
	if m != nil {
		m.failures.WithLabelValues(stage).Inc()
	}
}

func (m *Metrics) incBusError() {
	if m != nil {
		m.busErrors.Inc()
	}
}

func (m *Metrics) incDropped(reason string) {
	if m != nil {
		m.malformed.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) incAllocRetry() {
	if m != nil {
		m.allocRetries.Inc()
	}
}

func (m *Metrics) addTrimmed(n int64) {
	if m != nil && n > 0 {
		m.trimmed.Add(float64(n))
	}
}

func (m *Metrics) observePublish(seconds float64) {
	if m != nil {
		m.publishDuration.Observe(seconds)
	}
}
