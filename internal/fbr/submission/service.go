// Package submission orchestrates a single FBR submission attempt: claim the
// invoice, build the payload, call the authority and persist the outcome.
package submission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/taxlink-pk/taxlink/internal/fbr"
	"github.com/taxlink-pk/taxlink/internal/fbr/pral"
	"github.com/taxlink-pk/taxlink/internal/invoicing"
)

// Trigger identifies what started an attempt.
type Trigger string

const (
	TriggerUser        Trigger = "user"
	TriggerRetry       Trigger = "retry"
	TriggerManualRetry Trigger = "manual_retry"
)

// countsRetry reports whether the attempt consumes the retry budget.
func (t Trigger) countsRetry() bool {
	return t == TriggerRetry || t == TriggerManualRetry
}

var (
	// ErrAlreadyPublished is returned when the target environment already holds an IRN.
	ErrAlreadyPublished = errors.New("submission: invoice already carries an IRN for this environment")
	// ErrNotValidated blocks production filing before a sandbox validation.
	ErrNotValidated = errors.New("submission: invoice must pass sandbox validation before production")
	// ErrRetriesExhausted is returned for retry triggers once the budget is spent.
	ErrRetriesExhausted = errors.New("submission: retry budget exhausted")
	// ErrInvalidRequest flags malformed submission requests.
	ErrInvalidRequest = errors.New("submission: invalid request")
)

const (
	// DefaultMaxRetries applies to invoices stored without a retry budget.
	DefaultMaxRetries = 3

	defaultLockTTL        = 2 * time.Minute
	defaultPersistTimeout = 10 * time.Second
	maxErrorMessage       = 1000

	interruptedMessage = "submission outcome could not be stored; authority result unknown"
)

var pakistanTime = time.FixedZone("PKT", 5*60*60)

// Request describes one submission attempt.
type Request struct {
	InvoiceID   int64
	BusinessID  int64
	Environment fbr.Environment
	Trigger     Trigger
}

// Result reports the persisted state after an attempt. It is returned
// alongside the error for failed attempts so callers can show the schedule.
type Result struct {
	InvoiceID        int64
	Environment      fbr.Environment
	Status           invoicing.Status
	IRN              string
	Timestamp        *time.Time
	AlreadyPublished bool
	ErrorCode        string
	ErrorMessage     string
	RetryCount       int
	RetryEnabled     bool
	NextRetryAt      *time.Time
}

// Store is the persistence needed by the orchestrator.
type Store interface {
	ClaimInvoice(ctx context.Context, invoiceID, businessID int64, owner uuid.UUID, now, until time.Time) error
	MarkSubmitting(ctx context.Context, invoiceID int64, owner uuid.UUID, env fbr.Environment, maxRetries int) error
	ReleaseClaim(ctx context.Context, invoiceID int64, owner uuid.UUID) error
	LoadBundle(ctx context.Context, invoiceID, businessID int64) (*invoicing.Bundle, error)
	RecordFailure(ctx context.Context, invoiceID int64, owner uuid.UUID, upd invoicing.FailureUpdate) error
	RecordSuccess(ctx context.Context, invoiceID int64, owner uuid.UUID, upd invoicing.SuccessUpdate) (invoicing.SuccessOutcome, error)
	SaveQRCode(ctx context.Context, invoiceID int64, png []byte) error
}

// Transformer builds the wire payload.
type Transformer interface {
	Transform(b invoicing.Bundle) (*pral.WireInvoice, error)
}

// TokenSource supplies bearer tokens.
type TokenSource interface {
	GetValidToken(ctx context.Context, businessID int64, env fbr.Environment) (string, error)
	Invalidate(businessID int64, env fbr.Environment)
}

// Client submits a wire invoice to the authority.
type Client interface {
	SubmitInvoice(ctx context.Context, inv *pral.WireInvoice) (*pral.WireResponse, error)
}

// ClientFactory builds a client bound to an environment and token.
type ClientFactory func(env fbr.Environment, token string) (Client, error)

// NewPRALFactory returns a ClientFactory producing pral clients from base.
func NewPRALFactory(base pral.Config) ClientFactory {
	return func(env fbr.Environment, token string) (Client, error) {
		cfg := base
		cfg.Environment = env
		cfg.Token = token
		client, err := pral.NewClient(cfg)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

// Config tunes the orchestrator.
type Config struct {
	LockTTL        time.Duration
	Backoff        Backoff
	PermanentCodes PermanentCodes
	PersistTimeout time.Duration
	MaxRetries     int
}

// Service runs submission attempts. It is safe for concurrent use; attempts on
// the same invoice are serialised by the row claim.
type Service struct {
	store       Store
	transformer Transformer
	tokens      TokenSource
	clients     ClientFactory
	cfg         Config
	metrics     *Metrics
	logger      *slog.Logger
	now         func() time.Time
	newOwner    func() uuid.UUID
}

// NewService wires the orchestrator.
func NewService(store Store, transformer Transformer, tokens TokenSource, clients ClientFactory, cfg Config, metrics *Metrics, logger *slog.Logger) *Service {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = defaultPersistTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	cfg.Backoff = cfg.Backoff.normalized()
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       store,
		transformer: transformer,
		tokens:      tokens,
		clients:     clients,
		cfg:         cfg,
		metrics:     metrics,
		logger:      logger.With(slog.String("component", "fbr.submission")),
		now:         time.Now,
		newOwner:    uuid.New,
	}
}

// WithClock overrides the clock for deterministic tests.
func (s *Service) WithClock(clock func() time.Time) {
	if clock != nil {
		s.now = clock
	}
}

// Backoff exposes the configured retry schedule.
func (s *Service) Backoff() Backoff {
	return s.cfg.Backoff
}

type attempt struct {
	req      Request
	owner    uuid.UUID
	inv      invoicing.Invoice
	started  time.Time
	recorded bool
	// submitting is set once the row moved to SUBMITTED. From then on the
	// claim is never dropped without writing an outcome.
	submitting bool
	// acceptedIRN is the IRN of an authority success that was not stored.
	acceptedIRN string
}

// Submit performs one attempt. Failed attempts return a non-nil Result with
// the persisted retry schedule together with the classified error.
func (s *Service) Submit(ctx context.Context, req Request) (*Result, error) {
	if !req.Environment.Valid() {
		return nil, fmt.Errorf("%w: environment %q", ErrInvalidRequest, req.Environment)
	}
	if req.InvoiceID <= 0 || req.BusinessID <= 0 {
		return nil, fmt.Errorf("%w: invoice and business are required", ErrInvalidRequest)
	}
	if req.Trigger == "" {
		req.Trigger = TriggerUser
	}

	att := &attempt{req: req, owner: s.newOwner(), started: s.now()}
	if err := s.store.ClaimInvoice(ctx, req.InvoiceID, req.BusinessID, att.owner, att.started, att.started.Add(s.cfg.LockTTL)); err != nil {
		s.observe(att, OutcomeSkipped)
		return nil, err
	}
	defer s.release(ctx, att)

	return s.run(ctx, att)
}

func (s *Service) run(ctx context.Context, att *attempt) (*Result, error) {
	req := att.req
	log := s.logger.With(
		slog.Int64("invoice_id", req.InvoiceID),
		slog.Int64("business_id", req.BusinessID),
		slog.String("environment", req.Environment.String()),
		slog.String("trigger", string(req.Trigger)))

	bundle, err := s.store.LoadBundle(ctx, req.InvoiceID, req.BusinessID)
	if err != nil {
		return nil, err
	}
	att.inv = bundle.Invoice
	if att.inv.MaxRetries <= 0 {
		att.inv.MaxRetries = s.cfg.MaxRetries
	}

	if irn := att.inv.IRNFor(req.Environment); irn != "" || att.inv.Status == invoicing.StatusPublished {
		s.observe(att, OutcomeSkipped)
		return &Result{
			InvoiceID:        req.InvoiceID,
			Environment:      req.Environment,
			Status:           att.inv.Status,
			IRN:              irn,
			Timestamp:        att.inv.FBRTimestamp,
			AlreadyPublished: true,
		}, ErrAlreadyPublished
	}
	if req.Environment == fbr.Production && !att.inv.FBRValidated {
		s.observe(att, OutcomeSkipped)
		return nil, ErrNotValidated
	}
	if req.Trigger.countsRetry() && att.inv.RetriesExhausted() {
		s.observe(att, OutcomeSkipped)
		return nil, ErrRetriesExhausted
	}

	token, err := s.tokens.GetValidToken(ctx, req.BusinessID, req.Environment)
	if err != nil {
		var authErr *fbr.AuthError
		if !errors.As(err, &authErr) || req.Trigger == TriggerUser {
			s.observe(att, OutcomeAuth)
			return nil, err
		}
		return s.fail(ctx, att, log, err)
	}

	wire, err := s.transformer.Transform(*bundle)
	if err != nil {
		return s.fail(ctx, att, log, err)
	}

	client, err := s.clients(req.Environment, token)
	if err != nil {
		return s.fail(ctx, att, log, &fbr.TransportError{Err: err})
	}

	if err := s.store.MarkSubmitting(ctx, req.InvoiceID, att.owner, req.Environment, att.inv.MaxRetries); err != nil {
		return nil, err
	}
	att.submitting = true

	resp, err := client.SubmitInvoice(ctx, wire)
	if err != nil {
		classified := classifyTransport(req.Environment, err)
		var authErr *fbr.AuthError
		if errors.As(classified, &authErr) {
			s.tokens.Invalidate(req.BusinessID, req.Environment)
		}
		return s.fail(ctx, att, log, classified)
	}
	if !resp.Success() {
		return s.fail(ctx, att, log, classifyRejection(resp, s.cfg.PermanentCodes))
	}
	return s.succeed(ctx, att, log, wire, resp)
}

func (s *Service) fail(ctx context.Context, att *attempt, log *slog.Logger, cause error) (*Result, error) {
	now := s.now()
	count := 0
	if att.req.Trigger.countsRetry() {
		count = att.inv.RetryCount + 1
	}
	enabled := fbr.IsRetryable(cause) && count < att.inv.MaxRetries
	var next *time.Time
	if enabled {
		n := s.cfg.Backoff.Next(now, count, att.inv.NextRetryAt)
		next = &n
	}
	upd := invoicing.FailureUpdate{
		ErrorCode:    fbr.CodeOf(cause),
		ErrorMessage: fbr.Truncate(cause.Error(), maxErrorMessage),
		RetryCount:   count,
		MaxRetries:   att.inv.MaxRetries,
		RetryEnabled: enabled,
		AttemptedAt:  now,
		NextRetryAt:  next,
		Mode:         att.req.Environment,
	}

	pctx, cancel := s.persistContext(ctx)
	defer cancel()
	if err := s.store.RecordFailure(pctx, att.req.InvoiceID, att.owner, upd); err != nil {
		log.Error("record submission failure", slog.String("error_code", upd.ErrorCode), slog.Any("error", err))
		s.observe(att, outcomeFor(cause))
		return nil, errors.Join(cause, err)
	}
	att.recorded = true
	s.observe(att, outcomeFor(cause))

	attrs := []any{
		slog.String("error_code", upd.ErrorCode),
		slog.Int("retry_count", count),
		slog.Bool("retry_enabled", enabled),
		slog.Any("error", cause),
	}
	if next != nil {
		attrs = append(attrs, slog.Time("next_retry_at", *next))
	}
	log.Warn("fbr submission failed", attrs...)

	return &Result{
		InvoiceID:    att.req.InvoiceID,
		Environment:  att.req.Environment,
		Status:       invoicing.StatusFailed,
		ErrorCode:    upd.ErrorCode,
		ErrorMessage: upd.ErrorMessage,
		RetryCount:   count,
		RetryEnabled: enabled,
		NextRetryAt:  next,
	}, cause
}

func (s *Service) succeed(ctx context.Context, att *attempt, log *slog.Logger, wire *pral.WireInvoice, resp *pral.WireResponse) (*Result, error) {
	now := s.now()
	ts := parseDated(resp.Dated, now)
	pctx, cancel := s.persistContext(ctx)
	defer cancel()

	outcome, err := s.store.RecordSuccess(pctx, att.req.InvoiceID, att.owner, invoicing.SuccessUpdate{
		Environment:   att.req.Environment,
		IRN:           resp.InvoiceNumber,
		Timestamp:     ts,
		TransactionID: resp.TransmissionID,
		AttemptedAt:   now,
	})
	if err != nil {
		att.acceptedIRN = resp.InvoiceNumber
		s.observe(att, OutcomeUnstored)
		log.Error("authority accepted invoice but outcome was not stored",
			slog.String("irn", resp.InvoiceNumber), slog.Any("error", err))
		if errors.Is(err, invoicing.ErrDuplicateIRN) {
			return nil, fmt.Errorf("%w: %w", fbr.ErrDuplicateSubmission, err)
		}
		return nil, err
	}
	att.recorded = true

	if outcome.Duplicate {
		s.observe(att, OutcomeDuplicate)
		log.Error("DuplicateSubmissionGuardTrip",
			slog.String("existing_irn", outcome.ExistingIRN),
			slog.String("received_irn", resp.InvoiceNumber))
		return &Result{
			InvoiceID:        att.req.InvoiceID,
			Environment:      att.req.Environment,
			Status:           outcome.Status,
			IRN:              outcome.ExistingIRN,
			AlreadyPublished: true,
		}, nil
	}

	s.observe(att, OutcomeSuccess)
	log.Info("fbr submission accepted", slog.String("irn", resp.InvoiceNumber), slog.String("status", string(outcome.Status)))

	if png, err := GenerateQR(resp.InvoiceNumber, wire); err != nil {
		log.Warn("qr generation failed", slog.Any("error", err))
	} else if err := s.store.SaveQRCode(pctx, att.req.InvoiceID, png); err != nil {
		log.Warn("qr persistence failed", slog.Any("error", err))
	}

	return &Result{
		InvoiceID:   att.req.InvoiceID,
		Environment: att.req.Environment,
		Status:      outcome.Status,
		IRN:         resp.InvoiceNumber,
		Timestamp:   &ts,
	}, nil
}

func (s *Service) release(ctx context.Context, att *attempt) {
	if att.recorded {
		return
	}
	pctx, cancel := s.persistContext(ctx)
	defer cancel()
	if att.submitting {
		s.interrupt(pctx, att)
		return
	}
	if err := s.store.ReleaseClaim(pctx, att.req.InvoiceID, att.owner); err != nil {
		s.logger.Warn("release submission claim failed",
			slog.Int64("invoice_id", att.req.InvoiceID),
			slog.Any("error", err))
	}
}

// interrupt moves a SUBMITTED row whose outcome could not be stored to FAILED.
// An unstored authority success keeps automatic retry off so the invoice is
// not sent twice. When even this write fails the claim is left to expire and
// the stuck-lock cleanup takes over.
func (s *Service) interrupt(ctx context.Context, att *attempt) {
	now := s.now()
	upd := invoicing.FailureUpdate{
		ErrorCode:    fbr.CodeInterrupted,
		ErrorMessage: interruptedMessage,
		RetryCount:   att.inv.RetryCount,
		MaxRetries:   att.inv.MaxRetries,
		AttemptedAt:  now,
		Mode:         att.req.Environment,
	}
	if att.acceptedIRN != "" {
		upd.ErrorMessage = fbr.Truncate("authority accepted the invoice as "+att.acceptedIRN+" but the result was not stored", maxErrorMessage)
	} else if upd.RetryCount < upd.MaxRetries {
		upd.RetryEnabled = true
		upd.NextRetryAt = &now
	}
	log := s.logger.With(slog.Int64("invoice_id", att.req.InvoiceID))
	if err := s.store.RecordFailure(ctx, att.req.InvoiceID, att.owner, upd); err != nil {
		log.Error("mark interrupted submission failed; claim left to expire", slog.Any("error", err))
		return
	}
	log.Warn("submission marked interrupted", slog.Bool("retry_enabled", upd.RetryEnabled))
}

// persistContext keeps outcome writes alive when the caller gave up after the
// authority was already contacted.
func (s *Service) persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.cfg.PersistTimeout)
}

func (s *Service) observe(att *attempt, outcome string) {
	s.metrics.observe(att.req.Environment.String(), outcome, s.now().Sub(att.started))
}

func outcomeFor(err error) string {
	var (
		formatErr *fbr.FormatError
		authErr   *fbr.AuthError
		rejection *fbr.AuthorityRejection
	)
	switch {
	case errors.As(err, &formatErr):
		return OutcomeFormat
	case errors.As(err, &authErr):
		return OutcomeAuth
	case errors.As(err, &rejection):
		return OutcomeRejected
	default:
		return OutcomeTransport
	}
}

func parseDated(raw string, fallback time.Time) time.Time {
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02T15:04:05", time.RFC3339, "2006-01-02"} {
		if ts, err := time.ParseInLocation(layout, raw, pakistanTime); err == nil {
			return ts
		}
	}
	return fallback
}

