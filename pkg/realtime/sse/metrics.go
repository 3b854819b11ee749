package sse

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nimburion/chatsync/pkg/observability/metrics"
)

// Metrics holds registry collectors. A nil *Metrics records nothing.
type Metrics struct {
	connections  prometheus.Gauge
	recipients   prometheus.Gauge
	framesSent   prometheus.Counter
	framesDrop   *prometheus.CounterVec
	rejected     *prometheus.CounterVec
	busSubscribe prometheus.Counter
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{}
	var err error
	if m.connections, err = metrics.Register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chatsync", Subsystem: "live", Name: "connections",
		Help: "Open live connections in this process.",
	})); err != nil {
		return nil, err
	}
	if m.recipients, err = metrics.Register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chatsync", Subsystem: "live", Name: "recipients",
		Help: "Recipients with at least one live connection in this process.",
	})); err != nil {
		return nil, err
	}
	if m.framesSent, err = metrics.Register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chatsync", Subsystem: "live", Name: "frames_enqueued_total",
		Help: "Update frames queued to live connections.",
	})); err != nil {
		return nil, err
	}
	if m.framesDrop, err = metrics.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatsync", Subsystem: "live", Name: "backpressure_total",
		Help: "Frames that found a full connection buffer, by action taken.",
	}, []string{"action"})); err != nil {
		return nil, err
	}
	if m.rejected, err = metrics.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatsync", Subsystem: "live", Name: "rejected_total",
		Help: "Subscribe attempts rejected, by reason.",
	}, []string{"reason"})); err != nil {
		return nil, err
	}
	if m.busSubscribe, err = metrics.Register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chatsync", Subsystem: "live", Name: "bus_subscribe_errors_total",
		Help: "Failed bus subscriptions for a recipient's first connection.",
	})); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) connOpened(newRecipient bool) {
	if m == nil {
		return
	}
	m.connections.Inc()
	if newRecipient {
		m.recipients.Inc()
	}
}

func (m *Metrics) connClosed(lastForRecipient bool) {
	if m == nil {
		return
	}
	m.connections.Dec()
	if lastForRecipient {
		m.recipients.Dec()
	}
}

func (m *Metrics) incEnqueued() {
	if m != nil {
		m.framesSent.Inc()
	}
}

func (m *Metrics) incBackpressure(action string) {
	if m != nil {
		m.framesDrop.WithLabelValues(action).Inc()
	}
}

func (m *Metrics) incRejected(reason string) {
	if m != nil {
		m.rejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) incBusSubscribeError() {
	if m != nil {
		m.busSubscribe.Inc()
	}
}
