package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestTrackerRecordsStatus(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	require.NoError(t, m.Track("fbr:retry_sweep").End(nil))
	boom := errors.New("boom")
	require.ErrorIs(t, m.Track("fbr:retry_sweep").End(boom), boom)

	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("fbr:retry_sweep", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("fbr:retry_sweep", "failure")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("fbr:retry_sweep")))
}

func TestAddItemsIgnoresEmptyCounts(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.AddItems("fbr:retry_sweep", "succeeded", 3)
	m.AddItems("fbr:retry_sweep", "failed", 0)
	require.Equal(t, 3.0, testutil.ToFloat64(m.items.WithLabelValues("fbr:retry_sweep", "succeeded")))
	require.Equal(t, 0.0, testutil.ToFloat64(m.items.WithLabelValues("fbr:retry_sweep", "failed")))

	var nilMetrics *Metrics
	require.NotPanics(t, func() { nilMetrics.AddItems("x", "y", 1) })
	require.NoError(t, nilMetrics.Track("x").End(nil))
}
