// Package retry drives automatic and operator-initiated resubmission of
// failed FBR invoices.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/taxlink-pk/taxlink/internal/fbr"
	"github.com/taxlink-pk/taxlink/internal/fbr/submission"
	"github.com/taxlink-pk/taxlink/internal/invoicing"
)

const (
	DefaultBatchSize   = 50
	DefaultConcurrency = 4

	interruptedMessage = "submission interrupted before an outcome was stored; authority result unknown"
)

// Submitter runs a submission attempt.
type Submitter interface {
	Submit(ctx context.Context, req submission.Request) (*submission.Result, error)
}

// Store is the persistence used by the sweeper and the operator controls.
type Store interface {
	ListDueRetries(ctx context.Context, now time.Time, limit int) ([]invoicing.RetryCandidate, error)
	CleanupStuckLocks(ctx context.Context, now time.Time, message string) (released, interrupted int64, err error)
	ResetRetry(ctx context.Context, invoiceID, businessID int64, nextRetryAt time.Time) error
	DisableRetry(ctx context.Context, invoiceID, businessID int64) error
	GetRetryState(ctx context.Context, invoiceID, businessID int64) (*invoicing.RetryState, error)
}

// Config tunes a sweep.
type Config struct {
	BatchSize   int
	Concurrency int
}

// InvoiceError reports an unexpected failure for one invoice.
type InvoiceError struct {
	InvoiceID int64  `json:"invoiceId"`
	Error     string `json:"error"`
}

// Summary aggregates the outcome of a sweep.
type Summary struct {
	Processed     int            `json:"processed"`
	Succeeded     int            `json:"succeeded"`
	Failed        int            `json:"failed"`
	Skipped       int            `json:"skipped"`
	Errors        []InvoiceError `json:"errors"`
	LocksReleased int64          `json:"locksReleased"`
	Interrupted   int64          `json:"interrupted"`
	StartedAt     time.Time      `json:"startedAt"`
	FinishedAt    time.Time      `json:"finishedAt"`
}

// Sweeper processes due retries and exposes manual retry controls.
type Sweeper struct {
	store     Store
	submitter Submitter
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// NewSweeper constructs a Sweeper.
func NewSweeper(store Store, submitter Submitter, cfg Config, logger *slog.Logger) *Sweeper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:     store,
		submitter: submitter,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "fbr.retry")),
		now:       time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (s *Sweeper) WithClock(clock func() time.Time) {
	if clock != nil {
		s.now = clock
	}
}

// CleanupStuckRetryLocks releases expired claims left by crashed attempts.
func (s *Sweeper) CleanupStuckRetryLocks(ctx context.Context) (released, interrupted int64, err error) {
	released, interrupted, err = s.store.CleanupStuckLocks(ctx, s.now(), interruptedMessage)
	if err != nil {
		return 0, 0, err
	}
	if interrupted > 0 {
		s.logger.Warn("interrupted submissions moved to FAILED; authority outcome unknown",
			slog.Int64("count", interrupted))
	}
	if released > 0 {
		s.logger.Info("released stuck retry locks", slog.Int64("count", released))
	}
	return released, interrupted, nil
}

// ProcessAllPendingRetries resubmits every due invoice. Failures of one
// invoice never abort the sweep.
func (s *Sweeper) ProcessAllPendingRetries(ctx context.Context) (Summary, error) {
	summary := Summary{StartedAt: s.now(), Errors: []InvoiceError{}}

	released, interrupted, err := s.CleanupStuckRetryLocks(ctx)
	if err != nil {
		s.logger.Error("cleanup stuck retry locks", slog.Any("error", err))
	}
	summary.LocksReleased = released
	summary.Interrupted = interrupted

	due, err := s.store.ListDueRetries(ctx, s.now(), s.cfg.BatchSize)
	if err != nil {
		return summary, fmt.Errorf("retry: list due invoices: %w", err)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, candidate := range due {
		g.Go(func() error {
			outcome, invErr := s.processOne(gctx, candidate)
			mu.Lock()
			defer mu.Unlock()
			summary.Processed++
			switch outcome {
			case outcomeSucceeded:
				summary.Succeeded++
			case outcomeSkipped:
				summary.Skipped++
			default:
				summary.Failed++
			}
			if invErr != nil {
				summary.Errors = append(summary.Errors, InvoiceError{InvoiceID: candidate.InvoiceID, Error: invErr.Error()})
			}
			return nil
		})
	}
	_ = g.Wait()

	summary.FinishedAt = s.now()
	s.logger.Info("retry sweep finished",
		slog.Int("processed", summary.Processed),
		slog.Int("succeeded", summary.Succeeded),
		slog.Int("failed", summary.Failed),
		slog.Int("skipped", summary.Skipped),
		slog.Int("errors", len(summary.Errors)))
	return summary, nil
}

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeFailed
	outcomeSkipped
)

// processOne returns an error only for unexpected failures that did not
// produce a recorded outcome.
func (s *Sweeper) processOne(ctx context.Context, c invoicing.RetryCandidate) (out outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic during retry",
				slog.Int64("invoice_id", c.InvoiceID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			out, err = outcomeFailed, fmt.Errorf("panic: %v", r)
		}
	}()

	env := c.Mode
	if !env.Valid() {
		env = fbr.Sandbox
	}
	res, err := s.submitter.Submit(ctx, submission.Request{
		InvoiceID:   c.InvoiceID,
		BusinessID:  c.BusinessID,
		Environment: env,
		Trigger:     submission.TriggerRetry,
	})
	switch {
	case err == nil:
		return outcomeSucceeded, nil
	case errors.Is(err, invoicing.ErrLocked),
		errors.Is(err, invoicing.ErrNotFound),
		errors.Is(err, submission.ErrAlreadyPublished),
		errors.Is(err, submission.ErrRetriesExhausted):
		return outcomeSkipped, nil
	case res != nil:
		return outcomeFailed, nil
	default:
		s.logger.Error("retry attempt failed without recorded outcome",
			slog.Int64("invoice_id", c.InvoiceID),
			slog.Any("error", err))
		return outcomeFailed, err
	}
}
