package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/taxlink-pk/taxlink/internal/fbr"
	"github.com/taxlink-pk/taxlink/internal/fbr/submission"
	"github.com/taxlink-pk/taxlink/internal/invoicing"
	jobmetrics "github.com/taxlink-pk/taxlink/internal/jobs"
	"github.com/taxlink-pk/taxlink/internal/shared"
)

const (
	// TaskSubmitInvoice runs a user-requested submission off the request path.
	TaskSubmitInvoice = "fbr:submit"

	submitMaxRetry = 5
)

// SubmitPayload identifies the invoice to submit.
type SubmitPayload struct {
	InvoiceID      int64  `json:"invoice_id"`
	BusinessID     int64  `json:"business_id"`
	Environment    string `json:"environment"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// NewSubmitTask builds an async submission task.
func NewSubmitTask(req submission.Request, idempotencyKey string) (*asynq.Task, error) {
	if req.InvoiceID <= 0 || req.BusinessID <= 0 || !req.Environment.Valid() {
		return nil, fmt.Errorf("jobs: invalid submit request for invoice %d", req.InvoiceID)
	}
	body, err := json.Marshal(SubmitPayload{
		InvoiceID:      req.InvoiceID,
		BusinessID:     req.BusinessID,
		Environment:    req.Environment.String(),
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSubmitInvoice, body, asynq.Queue(QueueCritical), asynq.MaxRetry(submitMaxRetry)), nil
}

// InvoiceSubmitter runs one submission attempt.
type InvoiceSubmitter interface {
	Submit(ctx context.Context, req submission.Request) (*submission.Result, error)
}

// KeyReleaser frees an idempotency key so the request can be replayed.
type KeyReleaser interface {
	Delete(ctx context.Context, key, module string) error
}

// SubmitJob processes async submissions.
type SubmitJob struct {
	Submitter InvoiceSubmitter
	Keys      KeyReleaser
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewSubmitJob constructs the job handler. keys may be nil when submit
// requests are not deduplicated.
func NewSubmitJob(submitter InvoiceSubmitter, keys KeyReleaser, logger *slog.Logger, metrics *jobmetrics.Metrics) *SubmitJob {
	return &SubmitJob{Submitter: submitter, Keys: keys, Logger: logger, Metrics: metrics}
}

// Handle runs the attempt. Outcomes recorded on the invoice complete the
// task; the retry sweep owns any follow-up. Only a held claim or an
// unexpected error is retried by the queue.
func (j *SubmitJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Submitter == nil {
		return errors.New("fbr submit: submitter not configured")
	}
	var payload SubmitPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	env, err := fbr.ParseEnvironment(payload.Environment)
	if err != nil {
		j.releaseKey(ctx, payload.IdempotencyKey)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	tracker := j.metrics().Track(TaskSubmitInvoice)
	logger := j.log().With(
		slog.Int64("invoice_id", payload.InvoiceID),
		slog.Int64("business_id", payload.BusinessID),
		slog.String("environment", env.String()))

	res, err := j.Submitter.Submit(ctx, submission.Request{
		InvoiceID:   payload.InvoiceID,
		BusinessID:  payload.BusinessID,
		Environment: env,
		Trigger:     submission.TriggerUser,
	})
	var authErr *fbr.AuthError
	switch {
	case err == nil:
		logger.Info("async submission complete", slog.String("irn", res.IRN))
		return tracker.End(nil)
	case errors.Is(err, submission.ErrAlreadyPublished):
		logger.Info("async submission skipped; invoice already carries an IRN")
		return tracker.End(nil)
	case errors.Is(err, invoicing.ErrLocked):
		logger.Info("invoice busy; async submission will retry")
		return tracker.End(err)
	case errors.Is(err, invoicing.ErrNotFound),
		errors.Is(err, invoicing.ErrBusinessNotFound),
		errors.Is(err, submission.ErrInvalidRequest),
		errors.Is(err, submission.ErrNotValidated),
		res == nil && errors.As(err, &authErr):
		logger.Warn("async submission rejected", slog.Any("error", err))
		j.releaseKey(ctx, payload.IdempotencyKey)
		return tracker.End(fmt.Errorf("%v: %w", err, asynq.SkipRetry))
	case res != nil:
		logger.Warn("async submission failed; outcome recorded",
			slog.String("error_code", res.ErrorCode),
			slog.Bool("retry_enabled", res.RetryEnabled))
		return tracker.End(nil)
	default:
		logger.Error("async submission", slog.Any("error", err))
		return tracker.End(err)
	}
}

// releaseKey frees the request key of an attempt that recorded no outcome.
func (j *SubmitJob) releaseKey(ctx context.Context, key string) {
	if key == "" || j.Keys == nil {
		return
	}
	if err := j.Keys.Delete(context.WithoutCancel(ctx), key, shared.ModuleFBRSubmit); err != nil {
		j.log().Warn("release idempotency key", slog.String("key", key), slog.Any("error", err))
	}
}

func (j *SubmitJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *SubmitJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskSubmitInvoice))
	}
	return slog.Default().With(slog.String("job", TaskSubmitInvoice))
}
