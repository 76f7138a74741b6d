package retry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taxlink-pk/taxlink/internal/fbr"
	"github.com/taxlink-pk/taxlink/internal/fbr/submission"
	"github.com/taxlink-pk/taxlink/internal/invoicing"
)

type stubStore struct {
	listDue func(now time.Time, limit int) ([]invoicing.RetryCandidate, error)
	cleanup func(now time.Time, message string) (int64, int64, error)
	reset   func(invoiceID, businessID int64, next time.Time) error
	disable func(invoiceID, businessID int64) error
	state   func(invoiceID, businessID int64) (*invoicing.RetryState, error)
}

func (s *stubStore) ListDueRetries(_ context.Context, now time.Time, limit int) ([]invoicing.RetryCandidate, error) {
	return s.listDue(now, limit)
}

func (s *stubStore) CleanupStuckLocks(_ context.Context, now time.Time, message string) (int64, int64, error) {
	if s.cleanup == nil {
		return 0, 0, nil
	}
	return s.cleanup(now, message)
}

func (s *stubStore) ResetRetry(_ context.Context, invoiceID, businessID int64, next time.Time) error {
	return s.reset(invoiceID, businessID, next)
}

func (s *stubStore) DisableRetry(_ context.Context, invoiceID, businessID int64) error {
	return s.disable(invoiceID, businessID)
}

func (s *stubStore) GetRetryState(_ context.Context, invoiceID, businessID int64) (*invoicing.RetryState, error) {
	return s.state(invoiceID, businessID)
}

type stubSubmitter struct {
	mu       sync.Mutex
	requests []submission.Request
	submit   func(req submission.Request) (*submission.Result, error)
}

func (s *stubSubmitter) Submit(_ context.Context, req submission.Request) (*submission.Result, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	return s.submit(req)
}

func candidates(ids ...int64) []invoicing.RetryCandidate {
	out := make([]invoicing.RetryCandidate, 0, len(ids))
	for _, id := range ids {
		out = append(out, invoicing.RetryCandidate{InvoiceID: id, BusinessID: 1, Mode: fbr.Sandbox, MaxRetries: 3})
	}
	return out
}

func TestProcessAllPendingRetriesIsolatesInvoices(t *testing.T) {
	now := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	store := &stubStore{
		listDue: func(got time.Time, limit int) ([]invoicing.RetryCandidate, error) {
			require.Equal(t, now, got)
			require.Equal(t, 10, limit)
			return candidates(1, 2, 3, 4, 5, 6), nil
		},
		cleanup: func(time.Time, string) (int64, int64, error) { return 2, 1, nil },
	}
	submitter := &stubSubmitter{submit: func(req submission.Request) (*submission.Result, error) {
		switch req.InvoiceID {
		case 1:
			return &submission.Result{Status: invoicing.StatusValidated, IRN: "SB-1"}, nil
		case 2:
			return &submission.Result{Status: invoicing.StatusFailed}, &fbr.TransportError{StatusCode: 502}
		case 3:
			return nil, invoicing.ErrLocked
		case 4:
			panic("boom")
		case 5:
			return nil, errors.New("connection reset by peer")
		default:
			return &submission.Result{AlreadyPublished: true}, submission.ErrAlreadyPublished
		}
	}}
	sweeper := NewSweeper(store, submitter, Config{BatchSize: 10, Concurrency: 3}, nil)
	sweeper.WithClock(func() time.Time { return now })

	summary, err := sweeper.ProcessAllPendingRetries(context.Background())
	require.NoError(t, err)
	require.Equal(t, 6, summary.Processed)
	require.Equal(t, 1, summary.Succeeded)
	require.Equal(t, 3, summary.Failed)
	require.Equal(t, 2, summary.Skipped)
	require.EqualValues(t, 2, summary.LocksReleased)
	require.EqualValues(t, 1, summary.Interrupted)

	sort.Slice(summary.Errors, func(i, j int) bool { return summary.Errors[i].InvoiceID < summary.Errors[j].InvoiceID })
	require.Len(t, summary.Errors, 2)
	require.Equal(t, int64(4), summary.Errors[0].InvoiceID)
	require.Contains(t, summary.Errors[0].Error, "panic")
	require.Equal(t, int64(5), summary.Errors[1].InvoiceID)

	for _, req := range submitter.requests {
		require.Equal(t, submission.TriggerRetry, req.Trigger)
		require.Equal(t, fbr.Sandbox, req.Environment)
	}
}

func TestProcessAllPendingRetriesContinuesAfterCleanupError(t *testing.T) {
	store := &stubStore{
		listDue: func(time.Time, int) ([]invoicing.RetryCandidate, error) { return nil, nil },
		cleanup: func(time.Time, string) (int64, int64, error) { return 0, 0, errors.New("deadlock") },
	}
	sweeper := NewSweeper(store, &stubSubmitter{}, Config{}, nil)

	summary, err := sweeper.ProcessAllPendingRetries(context.Background())
	require.NoError(t, err)
	require.Zero(t, summary.Processed)
	require.NotNil(t, summary.Errors)
}

func TestProcessAllPendingRetriesListFailure(t *testing.T) {
	store := &stubStore{listDue: func(time.Time, int) ([]invoicing.RetryCandidate, error) {
		return nil, errors.New("db down")
	}}
	sweeper := NewSweeper(store, &stubSubmitter{}, Config{}, nil)
	_, err := sweeper.ProcessAllPendingRetries(context.Background())
	require.Error(t, err)
}

func TestCleanupStuckRetryLocksPassesInterruptedMessage(t *testing.T) {
	var gotMessage string
	store := &stubStore{cleanup: func(_ time.Time, message string) (int64, int64, error) {
		gotMessage = message
		return 1, 1, nil
	}}
	released, interrupted, err := NewSweeper(store, nil, Config{}, nil).CleanupStuckRetryLocks(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, released)
	require.EqualValues(t, 1, interrupted)
	require.Contains(t, gotMessage, "authority result unknown")
}

func TestSweepRespectsConcurrencyLimit(t *testing.T) {
	var mu sync.Mutex
	active, peak := 0, 0
	store := &stubStore{listDue: func(time.Time, int) ([]invoicing.RetryCandidate, error) {
		return candidates(1, 2, 3, 4, 5, 6, 7, 8), nil
	}}
	submitter := &stubSubmitter{submit: func(submission.Request) (*submission.Result, error) {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return &submission.Result{}, nil
	}}
	summary, err := NewSweeper(store, submitter, Config{Concurrency: 2}, nil).ProcessAllPendingRetries(context.Background())
	require.NoError(t, err)
	require.Equal(t, 8, summary.Succeeded)
	require.LessOrEqual(t, peak, 2)
}
