package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersCollectors(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.TaskSubmitted()
	m.TaskSubmitted()
	m.EventObserved("executing")
	m.Delivery("push", "ok")
	m.Delivery("callback", "error")
	m.SetQueueDepth(7)
	m.ObserveCallback(0.02)
	m.TasksEvicted(3)
	m.TasksEvicted(0) // no-op

	require.Equal(t, float64(2), testutil.ToFloat64(m.tasksSubmitted))
	require.Equal(t, float64(1), testutil.ToFloat64(m.eventsObserved.WithLabelValues("executing")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.deliveries.WithLabelValues("push", "ok")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.deliveries.WithLabelValues("callback", "error")))
	require.Equal(t, float64(7), testutil.ToFloat64(m.queueDepth))
	require.Equal(t, float64(3), testutil.ToFloat64(m.tasksEvicted))
}

func TestNewDuplicateRegistrationFails(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	require.Error(t, err)
}

func TestNilMetricsMethodsNoOp(t *testing.T) {
	t.Parallel()

	var m *Metrics
	require.NotPanics(t, func() {
		m.TaskSubmitted()
		m.EventObserved("executing")
		m.Delivery("push", "ok")
		m.SetQueueDepth(1)
		m.ObserveCallback(0.1)
		m.TasksEvicted(1)
	})
}
