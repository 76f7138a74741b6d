package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/taxlink-pk/taxlink/internal/fbr/retry"
	jobmetrics "github.com/taxlink-pk/taxlink/internal/jobs"
)

const (
	// TaskRetrySweep resubmits failed invoices whose retry is due.
	TaskRetrySweep = "fbr:retry_sweep"

	retrySweepTimeout = 15 * time.Minute
)

// RetrySweeper runs one sweep over due invoices.
type RetrySweeper interface {
	ProcessAllPendingRetries(ctx context.Context) (retry.Summary, error)
}

// RetrySweepJob runs the retry sweep on a schedule.
type RetrySweepJob struct {
	Sweeper RetrySweeper
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewRetrySweepJob constructs the job handler.
func NewRetrySweepJob(sweeper RetrySweeper, logger *slog.Logger, metrics *jobmetrics.Metrics) *RetrySweepJob {
	return &RetrySweepJob{Sweeper: sweeper, Logger: logger, Metrics: metrics}
}

// NewRetrySweepTask builds the sweep task. A failed sweep is not retried;
// the next scheduled run picks up the same invoices.
func NewRetrySweepTask() (*asynq.Task, error) {
	return asynq.NewTask(TaskRetrySweep, nil,
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(0),
		asynq.Timeout(retrySweepTimeout),
	), nil
}

// Handle executes the sweep.
func (j *RetrySweepJob) Handle(ctx context.Context, _ *asynq.Task) error {
	if j == nil || j.Sweeper == nil {
		return errors.New("retry sweep: sweeper not configured")
	}
	tracker := j.metrics().Track(TaskRetrySweep)

	summary, err := j.Sweeper.ProcessAllPendingRetries(ctx)
	if err != nil {
		j.log().Error("retry sweep", slog.Any("error", err))
		return tracker.End(err)
	}

	m := j.metrics()
	m.AddItems(TaskRetrySweep, "succeeded", summary.Succeeded)
	m.AddItems(TaskRetrySweep, "failed", summary.Failed)
	m.AddItems(TaskRetrySweep, "skipped", summary.Skipped)
	m.AddItems(TaskRetrySweep, "error", len(summary.Errors))

	j.log().Info("retry sweep complete",
		slog.Int("processed", summary.Processed),
		slog.Int("succeeded", summary.Succeeded),
		slog.Int("failed", summary.Failed),
		slog.Int("skipped", summary.Skipped),
		slog.Int64("locks_released", summary.LocksReleased),
		slog.Duration("duration", summary.FinishedAt.Sub(summary.StartedAt)))
	return tracker.End(nil)
}

func (j *RetrySweepJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *RetrySweepJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskRetrySweep))
	}
	return slog.Default().With(slog.String("job", TaskRetrySweep))
}
