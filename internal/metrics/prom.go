package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// QueueMetrics counts delivery outcomes of a durable queue. A nil
// *QueueMetrics is valid and records nothing.
type QueueMetrics struct {
	Delivered     prometheus.Counter
	Queued        prometheus.Counter
	Dropped       *prometheus.CounterVec
	FlushFailures prometheus.Counter
	Pending       prometheus.Gauge
	StorageErrors prometheus.Counter
}

// NewQueueMetrics creates the collectors and registers them with reg when reg is non-nil.
func NewQueueMetrics(reg prometheus.Registerer) *QueueMetrics {
	m := &QueueMetrics{
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "metricsq",
			Subsystem: "queue",
			Name:      "delivered_total",
			Help:      "Snapshots accepted by the collector.",
		}),
		Queued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "metricsq",
			Subsystem: "queue",
			Name:      "queued_total",
			Help:      "Snapshots buffered after a transient delivery failure.",
		}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "metricsq",
			Subsystem: "queue",
			Name:      "dropped_total",
			Help:      "Snapshots discarded, by reason.",
		}, []string{"reason"}),
		FlushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "metricsq",
			Subsystem: "queue",
			Name:      "flush_failures_total",
			Help:      "Flushes that stopped with items still pending.",
		}),
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "metricsq",
			Subsystem: "queue",
			Name:      "pending",
			Help:      "Snapshots waiting for delivery.",
		}),
		StorageErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "metricsq",
			Subsystem: "queue",
			Name:      "storage_errors_total",
			Help:      "Failed reads or writes of the persisted queue.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Delivered, m.Queued, m.Dropped, m.FlushFailures, m.Pending, m.StorageErrors)
	}
	return m
}

func (m *QueueMetrics) ObserveDelivered() {
	if m != nil {
		m.Delivered.Inc()
	}
}

func (m *QueueMetrics) ObserveQueued() {
	if m != nil {
		m.Queued.Inc()
	}
}

func (m *QueueMetrics) ObserveDropped(reason string) {
	if m != nil {
		m.Dropped.WithLabelValues(reason).Inc()
	}
}

func (m *QueueMetrics) ObserveFlushFailure() {
	if m != nil {
		m.FlushFailures.Inc()
	}
}

func (m *QueueMetrics) ObserveStorageError() {
	if m != nil {
		m.StorageErrors.Inc()
	}
}

func (m *QueueMetrics) SetPending(n int) {
	if m != nil {
		m.Pending.Set(float64(n))
	}
}

// CollectorMetrics counts what a collector received.
type CollectorMetrics struct {
	Received *prometheus.CounterVec
	Values   prometheus.Counter
}

// NewCollectorMetrics creates the collectors and registers them with reg when reg is non-nil.
func NewCollectorMetrics(reg prometheus.Registerer) *CollectorMetrics {
	m := &CollectorMetrics{
		Received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "metricsq",
			Subsystem: "collector",
			Name:      "snapshots_total",
			Help:      "Snapshot submissions, by result.",
		}, []string{"result"}),
		Values: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "metricsq",
			Subsystem: "collector",
			Name:      "values_total",
			Help:      "Metric values archived.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Received, m.Values)
	}
	return m
}

func (m *CollectorMetrics) ObserveSnapshot(result string, values int) {
	if m == nil {
		return
	}
	m.Received.WithLabelValues(result).Inc()
	m.Values.Add(float64(values))
}
