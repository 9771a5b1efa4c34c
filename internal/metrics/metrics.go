// Package metrics owns the Prometheus collectors for the delivery pipeline.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every pipeline collector. A nil *Metrics is valid and all
// methods no-op, so components can run unmetered in tests.
type Metrics struct {
	tasksSubmitted prometheus.Counter
	eventsObserved *prometheus.CounterVec
	deliveries     *prometheus.CounterVec
	queueDepth     prometheus.Gauge
	callbackDur    prometheus.Histogram
	tasksEvicted   prometheus.Counter
}

// New registers all collectors against reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		tasksSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "comfydeploy_tasks_submitted_total",
			Help: "Workflows accepted through the execute endpoint.",
		}),
		eventsObserved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "comfydeploy_engine_events_total",
			Help: "Engine lifecycle events observed, partitioned by kind.",
		}, []string{"kind"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "comfydeploy_deliveries_total",
			Help: "Delivery attempts partitioned by channel and result.",
		}, []string{"channel", "result"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "comfydeploy_delivery_queue_depth",
			Help: "Items waiting in the delivery queue.",
		}),
		callbackDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "comfydeploy_callback_duration_seconds",
			Help:    "Outbound callback request latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		tasksEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "comfydeploy_tasks_evicted_total",
			Help: "Tasks removed by the idle TTL sweep.",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.tasksSubmitted, m.eventsObserved, m.deliveries,
		m.queueDepth, m.callbackDur, m.tasksEvicted,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register pipeline collector: %w", err)
		}
	}
	return m, nil
}

// TaskSubmitted counts one accepted workflow.
func (m *Metrics) TaskSubmitted() {
	if m != nil {
		m.tasksSubmitted.Inc()
	}
}

// EventObserved counts one engine event by kind.
func (m *Metrics) EventObserved(kind string) {
	if m != nil {
		m.eventsObserved.WithLabelValues(kind).Inc()
	}
}

// Delivery counts one delivery attempt outcome.
func (m *Metrics) Delivery(channel, result string) {
	if m != nil {
		m.deliveries.WithLabelValues(channel, result).Inc()
	}
}

// SetQueueDepth records the current delivery queue length.
func (m *Metrics) SetQueueDepth(n int) {
	if m != nil {
		m.queueDepth.Set(float64(n))
	}
}

// ObserveCallback records one callback round-trip duration in seconds.
func (m *Metrics) ObserveCallback(seconds float64) {
	if m != nil {
		m.callbackDur.Observe(seconds)
	}
}

// TasksEvicted counts tasks removed by the TTL sweep.
func (m *Metrics) TasksEvicted(n int) {
	if m != nil && n > 0 {
		m.tasksEvicted.Add(float64(n))
	}
}
