package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/taxlink-pk/taxlink/internal/fbr"
	"github.com/taxlink-pk/taxlink/internal/fbr/submission"
	"github.com/taxlink-pk/taxlink/internal/invoicing"
)

// StatusView is the operator-facing retry state of an invoice.
type StatusView struct {
	InvoiceID        int64            `json:"invoiceId"`
	Status           invoicing.Status `json:"status"`
	Mode             fbr.Environment  `json:"mode,omitempty"`
	RetryCount       int              `json:"retryCount"`
	MaxRetries       int              `json:"maxRetries"`
	RetryEnabled     bool             `json:"retryEnabled"`
	LastRetryAt      *time.Time       `json:"lastRetryAt,omitempty"`
	NextRetryAt      *time.Time       `json:"nextRetryAt,omitempty"`
	ErrorCode        string           `json:"errorCode,omitempty"`
	ErrorMessage     string           `json:"errorMessage,omitempty"`
	Locked           bool             `json:"locked"`
	AutoRetryStopped bool             `json:"autoRetryStopped"`
	Message          string           `json:"message"`
}

// ResetRetry gives a failed invoice a fresh retry budget due immediately.
func (s *Sweeper) ResetRetry(ctx context.Context, invoiceID, businessID int64) error {
	if err := s.store.ResetRetry(ctx, invoiceID, businessID, s.now()); err != nil {
		return err
	}
	s.logger.Info("retry budget reset", slog.Int64("invoice_id", invoiceID), slog.Int64("business_id", businessID))
	return nil
}

// DisableRetry stops automatic retries for an invoice.
func (s *Sweeper) DisableRetry(ctx context.Context, invoiceID, businessID int64) error {
	if err := s.store.DisableRetry(ctx, invoiceID, businessID); err != nil {
		return err
	}
	s.logger.Info("automatic retry disabled", slog.Int64("invoice_id", invoiceID), slog.Int64("business_id", businessID))
	return nil
}

// RetryNow resubmits a failed invoice immediately in the environment of its
// last attempt.
func (s *Sweeper) RetryNow(ctx context.Context, invoiceID, businessID int64) (*submission.Result, error) {
	state, err := s.store.GetRetryState(ctx, invoiceID, businessID)
	if err != nil {
		return nil, err
	}
	if state.Status != invoicing.StatusFailed {
		return nil, fmt.Errorf("%w: status is %s", invoicing.ErrNotFailed, state.Status)
	}
	env := state.Mode
	if !env.Valid() {
		env = fbr.Sandbox
	}
	return s.submitter.Submit(ctx, submission.Request{
		InvoiceID:   invoiceID,
		BusinessID:  businessID,
		Environment: env,
		Trigger:     submission.TriggerManualRetry,
	})
}

// Status returns the retry view model for an invoice.
func (s *Sweeper) Status(ctx context.Context, invoiceID, businessID int64) (*StatusView, error) {
	state, err := s.store.GetRetryState(ctx, invoiceID, businessID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	view := &StatusView{
		InvoiceID:    state.InvoiceID,
		Status:       state.Status,
		Mode:         state.Mode,
		RetryCount:   state.RetryCount,
		MaxRetries:   state.MaxRetries,
		RetryEnabled: state.RetryEnabled,
		LastRetryAt:  state.LastRetryAt,
		NextRetryAt:  state.NextRetryAt,
		ErrorCode:    state.FBRErrorCode,
		ErrorMessage: state.FBRErrorMessage,
		Locked:       state.LockedUntil != nil && state.LockedUntil.After(now),
	}
	view.AutoRetryStopped = state.Status == invoicing.StatusFailed &&
		(!state.RetryEnabled || state.RetryCount >= state.MaxRetries)
	view.Message = statusMessage(view)
	return view, nil
}

func statusMessage(v *StatusView) string {
	switch {
	case v.Status != invoicing.StatusFailed:
		return fmt.Sprintf("Invoice is %s; no retry pending.", v.Status)
	case v.Locked:
		return "A submission attempt is in progress."
	case v.AutoRetryStopped && v.RetryCount >= v.MaxRetries:
		return fmt.Sprintf("Automatic retry stopped after %d attempts. Fix the invoice or reset the retry budget.", v.RetryCount)
	case v.AutoRetryStopped:
		return "Automatic retry is disabled for this invoice. Correct the reported errors and resubmit."
	case v.NextRetryAt != nil:
		return fmt.Sprintf("Next automatic retry %d of %d at %s.", v.RetryCount+1, v.MaxRetries, v.NextRetryAt.UTC().Format(time.RFC3339))
	default:
		return "Retry is pending."
	}
}
