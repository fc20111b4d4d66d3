package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorderCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	recorder := NewPrometheusRecorderWithRegisterer(reg)

	labels := map[string]string{"network": "base"}
	recorder.IncCounter(CounterRunCompleted, labels)
	recorder.IncCounter(CounterRunCompleted, labels)
	recorder.IncCounter(CounterUserRejected, labels)

	promRecorder, ok := recorder.(*PrometheusRecorder)
	require.True(t, ok)

	completed := testutil.ToFloat64(promRecorder.counters.With(prometheus.Labels{
		"type":    CounterRunCompleted,
		"network": "base",
	}))
	assert.Equal(t, float64(2), completed)

	rejected := testutil.ToFloat64(promRecorder.counters.With(prometheus.Labels{
		"type":    CounterUserRejected,
		"network": "base",
	}))
	assert.Equal(t, float64(1), rejected)
}

func TestPrometheusRecorderLatency(t *testing.T) {
	reg := prometheus.NewRegistry()
	recorder := NewPrometheusRecorderWithRegisterer(reg)

	recorder.ObserveLatency(OpBalanceCheck, 150*time.Millisecond, map[string]string{"network": "base"})

	families, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, family := range families {
		if family.GetName() == "agentpay_latency_seconds" {
			found = true
			require.Len(t, family.GetMetric(), 1)
			assert.Equal(t, uint64(1), family.GetMetric()[0].GetHistogram().GetSampleCount())
		}
	}
	assert.True(t, found, "latency histogram should be gathered")
}

func TestNoopRecorder(t *testing.T) {
	// Must not panic with nil labels
	var recorder Recorder = NoopRecorder{}
	recorder.IncCounter(CounterRunFailed, nil)
	recorder.ObserveLatency(OpRun, time.Second, nil)
}
