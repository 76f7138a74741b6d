package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/taxlink-pk/taxlink/internal/fbr/pral"
	jobmetrics "github.com/taxlink-pk/taxlink/internal/jobs"
)

// TaskReferenceRefresh warms the FBR reference data cache.
const TaskReferenceRefresh = "fbr:reference_refresh"

// ReferenceRefreshPayload configures a refresh run.
type ReferenceRefreshPayload struct {
	// Invalidate drops every cached list, parameterised ones included,
	// before warming.
	Invalidate bool `json:"invalidate"`
}

// ReferenceRefresher reloads cached reference lists.
type ReferenceRefresher interface {
	Refresh(ctx context.Context) (map[pral.ReferenceKind]int, error)
	Bump(ctx context.Context) (int64, error)
}

// ReferenceRefreshJob keeps the reference cache warm.
type ReferenceRefreshJob struct {
	Cache   ReferenceRefresher
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewReferenceRefreshJob constructs the job handler.
func NewReferenceRefreshJob(cache ReferenceRefresher, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReferenceRefreshJob {
	return &ReferenceRefreshJob{Cache: cache, Logger: logger, Metrics: metrics}
}

// NewReferenceRefreshTask builds a refresh task.
func NewReferenceRefreshTask(invalidate bool) (*asynq.Task, error) {
	body, err := json.Marshal(ReferenceRefreshPayload{Invalidate: invalidate})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReferenceRefresh, body, asynq.Queue(QueueDefault), asynq.MaxRetry(3)), nil
}

// Handle executes the refresh.
func (j *ReferenceRefreshJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Cache == nil {
		return errors.New("reference refresh: cache not configured")
	}
	var payload ReferenceRefreshPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}

	tracker := j.metrics().Track(TaskReferenceRefresh)
	logger := j.log()

	if payload.Invalidate {
		version, err := j.Cache.Bump(ctx)
		if err != nil {
			logger.Error("bump reference cache version", slog.Any("error", err))
			return tracker.End(err)
		}
		logger.Info("reference cache invalidated", slog.Int64("version", version))
	}

	counts, err := j.Cache.Refresh(ctx)
	total := 0
	for kind, n := range counts {
		total += n
		logger.Debug("reference list cached", slog.String("kind", string(kind)), slog.Int("items", n))
	}
	j.metrics().AddItems(TaskReferenceRefresh, "cached", total)
	if err != nil {
		logger.Warn("reference refresh incomplete", slog.Int("lists", len(counts)), slog.Any("error", err))
		return tracker.End(err)
	}
	logger.Info("reference cache refreshed", slog.Int("lists", len(counts)), slog.Int("items", total))
	return tracker.End(nil)
}

func (j *ReferenceRefreshJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *ReferenceRefreshJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskReferenceRefresh))
	}
	return slog.Default().With(slog.String("job", TaskReferenceRefresh))
}
