package submission

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels recorded per attempt.
const (
	OutcomeSuccess   = "success"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "rejected"
	OutcomeFormat    = "format_error"
	OutcomeAuth      = "auth_error"
	OutcomeTransport = "transport_error"
	OutcomeSkipped   = "skipped"
	OutcomeUnstored  = "persist_error"
)

// Metrics exposes Prometheus collectors for submission attempts.
type Metrics struct {
	attempts *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the submission metrics. A nil registerer uses the
// default Prometheus registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

func (m *Metrics) observe(env, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(env, outcome).Inc()
	m.duration.WithLabelValues(env).Observe(elapsed.Seconds())
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	attempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taxlink_fbr_submissions_total",
		Help: "FBR submission attempts partitioned by environment and outcome.",
	}, []string{"environment", "outcome"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taxlink_fbr_submission_duration_seconds",
		Help:    "Duration of FBR submission attempts including persistence.",
		Buckets: prometheus.DefBuckets,
	}, []string{"environment"})
	registerer.MustRegister(attempts, duration)
	return &Metrics{attempts: attempts, duration: duration}
}
