// Package fbrhttp exposes invoice submission, retry controls, reference
// lookups and the retry cron trigger over HTTP.
package fbrhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/taxlink-pk/taxlink/internal/fbr"
	"github.com/taxlink-pk/taxlink/internal/fbr/pral"
	"github.com/taxlink-pk/taxlink/internal/fbr/reference"
	"github.com/taxlink-pk/taxlink/internal/fbr/retry"
	"github.com/taxlink-pk/taxlink/internal/fbr/submission"
	"github.com/taxlink-pk/taxlink/internal/invoicing"
	"github.com/taxlink-pk/taxlink/internal/platform/httpx"
	"github.com/taxlink-pk/taxlink/internal/shared"
)

const (
	// BusinessHeader carries the tenant the request acts for.
	BusinessHeader = "X-Business-ID"
	// IdempotencyHeader deduplicates submit requests.
	IdempotencyHeader = "Idempotency-Key"

	idempotencyModule = shared.ModuleFBRSubmit
)

type submitter interface {
	Submit(ctx context.Context, req submission.Request) (*submission.Result, error)
}

type retryControls interface {
	RetryNow(ctx context.Context, invoiceID, businessID int64) (*submission.Result, error)
	ResetRetry(ctx context.Context, invoiceID, businessID int64) error
	DisableRetry(ctx context.Context, invoiceID, businessID int64) error
	Status(ctx context.Context, invoiceID, businessID int64) (*retry.StatusView, error)
}

type sweepRunner interface {
	ProcessAllPendingRetries(ctx context.Context) (retry.Summary, error)
}

type referenceSource interface {
	Get(ctx context.Context, kind pral.ReferenceKind, params url.Values) ([]json.RawMessage, error)
}

type idempotencyStore interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key, module string) error
}

// SubmitEnqueuer queues an asynchronous submission and returns the task id.
type SubmitEnqueuer interface {
	EnqueueSubmit(ctx context.Context, req submission.Request, idempotencyKey string) (string, error)
}

// Params groups the handler dependencies. Optional collaborators may be nil;
// the routes that need them answer 503.
type Params struct {
	Logger      *slog.Logger
	Submitter   submitter
	Retries     retryControls
	Sweeper     sweepRunner
	Reference   referenceSource
	Idempotency idempotencyStore
	Enqueuer    SubmitEnqueuer
	Cron        CronConfig
	// ExposeInternalErrors includes unexpected error text in problem
	// responses. Disabled in production.
	ExposeInternalErrors bool
}

// Handler wires FBR endpoints.
type Handler struct {
	logger      *slog.Logger
	submitter   submitter
	retries     retryControls
	sweeper     sweepRunner
	reference   referenceSource
	idempotency idempotencyStore
	enqueuer    SubmitEnqueuer
	cron        *cronGuard
	validate    *validator.Validate
	respondOpts []httpx.Option
}

// NewHandler constructs the handler.
func NewHandler(p Params) (*Handler, error) {
	if p.Submitter == nil {
		return nil, errors.New("fbrhttp: submitter required")
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "fbr.http"))
	guard, err := newCronGuard(p.Cron, logger)
	if err != nil {
		return nil, err
	}
	return &Handler{
		logger:      logger,
		submitter:   p.Submitter,
		retries:     p.Retries,
		sweeper:     p.Sweeper,
		reference:   p.Reference,
		idempotency: p.Idempotency,
		enqueuer:    p.Enqueuer,
		cron:        guard,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		respondOpts: []httpx.Option{httpx.WithInternalDetail(p.ExposeInternalErrors)},
	}, nil
}

// MountRoutes registers the FBR routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/invoices/{id}", func(r chi.Router) {
		r.Use(requireBusiness)
		r.Post("/submit", h.handleSubmit)
		r.Post("/retry", h.handleRetryNow)
		r.Put("/retry", h.handleRetryAction)
		r.Get("/retry", h.handleRetryStatus)
	})
	r.Get("/fbr/reference/{kind}", h.handleReference)
	r.Group(func(r chi.Router) {
		r.Use(h.cron.limit)
		r.Get(CronPath, h.handleCron)
		r.Post(CronPath, h.handleCron)
	})
}

type businessKey struct{}

func requireBusiness(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(BusinessHeader))
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			httpx.Problem(w, http.StatusBadRequest, "Missing Business", BusinessHeader+" header must carry a positive business id")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), businessKey{}, id)))
	})
}

func businessFrom(ctx context.Context) int64 {
	id, _ := ctx.Value(businessKey{}).(int64)
	return id
}

func invoiceIDParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invoice id must be a positive integer", httpx.ErrValidation)
	}
	return id, nil
}

type submitRequest struct {
	Environment string `json:"environment" validate:"required,oneof=sandbox production"`
}

type retryActionRequest struct {
	Action string `json:"action" validate:"required,oneof=reset disable"`
}

// submitResponse is the body for every attempt outcome, successful or not.
type submitResponse struct {
	Success          bool             `json:"success"`
	InvoiceID        int64            `json:"invoiceId"`
	Environment      fbr.Environment  `json:"environment"`
	Status           invoicing.Status `json:"status,omitempty"`
	IRN              string           `json:"irn,omitempty"`
	Timestamp        *time.Time       `json:"timestamp,omitempty"`
	AlreadyPublished bool             `json:"alreadyPublished,omitempty"`
	ErrorCode        string           `json:"errorCode,omitempty"`
	ErrorMessage     string           `json:"errorMessage,omitempty"`
	Problems         []string         `json:"problems,omitempty"`
	RetryCount       int              `json:"retryCount"`
	RetryEnabled     bool             `json:"retryEnabled"`
	NextRetryAt      *time.Time       `json:"nextRetryAt,omitempty"`
}

type enqueueResponse struct {
	TaskID    string `json:"taskId"`
	InvoiceID int64  `json:"invoiceId"`
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	invoiceID, err := invoiceIDParam(r)
	if err != nil {
		h.respondError(w, err)
		return
	}
	var body submitRequest
	if err := httpx.DecodeJSON(w, r, &body); err != nil && !errors.Is(err, io.EOF) {
		h.respondError(w, err)
		return
	}
	body.Environment = strings.ToLower(strings.TrimSpace(body.Environment))
	if body.Environment == "" {
		body.Environment = string(fbr.Sandbox)
	}
	if err := h.validate.Struct(body); err != nil {
		h.respondError(w, fmt.Errorf("%w: environment must be sandbox or production", httpx.ErrValidation))
		return
	}

	req := submission.Request{
		InvoiceID:   invoiceID,
		BusinessID:  businessFrom(r.Context()),
		Environment: fbr.Environment(body.Environment),
		Trigger:     submission.TriggerUser,
	}

	key := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
	if key != "" {
		if h.idempotency == nil {
			h.respondError(w, &httpx.Error{Status: http.StatusServiceUnavailable, Title: "Idempotency Unavailable"})
			return
		}
		key = fmt.Sprintf("%d:%s", req.BusinessID, key)
		if err := h.idempotency.CheckAndInsert(r.Context(), key, idempotencyModule); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				h.respondError(w, &httpx.Error{Status: http.StatusConflict, Title: "Duplicate Request", Err: err})
				return
			}
			h.respondError(w, err)
			return
		}
	}

	if r.URL.Query().Get("async") == "1" {
		h.enqueueSubmit(w, r, req, key)
		return
	}

	res, err := h.submitter.Submit(r.Context(), req)
	if err != nil && res == nil && key != "" {
		h.releaseKey(r.Context(), key)
	}
	h.respondAttempt(w, req, res, err)
}

func (h *Handler) enqueueSubmit(w http.ResponseWriter, r *http.Request, req submission.Request, key string) {
	if h.enqueuer == nil {
		h.respondError(w, &httpx.Error{Status: http.StatusServiceUnavailable, Title: "Async Submission Unavailable"})
		return
	}
	taskID, err := h.enqueuer.EnqueueSubmit(r.Context(), req, key)
	if err != nil {
		if key != "" {
			h.releaseKey(r.Context(), key)
		}
		h.logger.Error("enqueue submission", slog.Int64("invoice_id", req.InvoiceID), slog.Any("error", err))
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, enqueueResponse{TaskID: taskID, InvoiceID: req.InvoiceID})
}

func (h *Handler) releaseKey(ctx context.Context, key string) {
	if err := h.idempotency.Delete(context.WithoutCancel(ctx), key, idempotencyModule); err != nil {
		h.logger.Warn("release idempotency key", slog.String("key", key), slog.Any("error", err))
	}
}

func (h *Handler) handleRetryNow(w http.ResponseWriter, r *http.Request) {
	if h.retries == nil {
		h.respondError(w, &httpx.Error{Status: http.StatusServiceUnavailable, Title: "Retry Controls Unavailable"})
		return
	}
	invoiceID, err := invoiceIDParam(r)
	if err != nil {
		h.respondError(w, err)
		return
	}
	res, err := h.retries.RetryNow(r.Context(), invoiceID, businessFrom(r.Context()))
	env := fbr.Sandbox
	if res != nil {
		env = res.Environment
	}
	h.respondAttempt(w, submission.Request{InvoiceID: invoiceID, Environment: env}, res, err)
}

func (h *Handler) handleRetryAction(w http.ResponseWriter, r *http.Request) {
	if h.retries == nil {
		h.respondError(w, &httpx.Error{Status: http.StatusServiceUnavailable, Title: "Retry Controls Unavailable"})
		return
	}
	invoiceID, err := invoiceIDParam(r)
	if err != nil {
		h.respondError(w, err)
		return
	}
	var body retryActionRequest
	if err := httpx.DecodeJSON(w, r, &body); err != nil {
		if errors.Is(err, io.EOF) {
			err = fmt.Errorf("%w: request body required", httpx.ErrValidation)
		}
		h.respondError(w, err)
		return
	}
	if err := h.validate.Struct(body); err != nil {
		h.respondError(w, fmt.Errorf("%w: action must be reset or disable", httpx.ErrValidation))
		return
	}

	ctx := r.Context()
	businessID := businessFrom(ctx)
	switch body.Action {
	case "reset":
		err = h.retries.ResetRetry(ctx, invoiceID, businessID)
	case "disable":
		err = h.retries.DisableRetry(ctx, invoiceID, businessID)
	}
	if err != nil {
		h.respondError(w, err)
		return
	}
	view, err := h.retries.Status(ctx, invoiceID, businessID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, view)
}

func (h *Handler) handleRetryStatus(w http.ResponseWriter, r *http.Request) {
	if h.retries == nil {
		h.respondError(w, &httpx.Error{Status: http.StatusServiceUnavailable, Title: "Retry Controls Unavailable"})
		return
	}
	invoiceID, err := invoiceIDParam(r)
	if err != nil {
		h.respondError(w, err)
		return
	}
	view, err := h.retries.Status(r.Context(), invoiceID, businessFrom(r.Context()))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, view)
}

type referenceResponse struct {
	Kind  pral.ReferenceKind `json:"kind"`
	Items []json.RawMessage  `json:"items"`
}

func (h *Handler) handleReference(w http.ResponseWriter, r *http.Request) {
	if h.reference == nil {
		h.respondError(w, &httpx.Error{Status: http.StatusServiceUnavailable, Title: "Reference Data Unavailable"})
		return
	}
	kind, err := pral.ParseReferenceKind(chi.URLParam(r, "kind"))
	if err != nil {
		h.respondError(w, fmt.Errorf("%w: %v", httpx.ErrNotFound, err))
		return
	}
	params := r.URL.Query()
	if reference.RequiresParams(kind) && len(params) == 0 {
		h.respondError(w, fmt.Errorf("%w: %s requires query parameters", httpx.ErrValidation, kind))
		return
	}
	items, err := h.reference.Get(r.Context(), kind, params)
	if err != nil {
		h.logger.Warn("reference lookup", slog.String("kind", string(kind)), slog.Any("error", err))
		h.respondError(w, &httpx.Error{Status: http.StatusBadGateway, Title: "Reference Data Unavailable", Err: err})
		return
	}
	if items == nil {
		items = []json.RawMessage{}
	}
	httpx.JSON(w, http.StatusOK, referenceResponse{Kind: kind, Items: items})
}

func (h *Handler) respondAttempt(w http.ResponseWriter, req submission.Request, res *submission.Result, err error) {
	if res == nil {
		h.respondError(w, err)
		return
	}
	body := submitResponse{
		Success:          err == nil || errors.Is(err, submission.ErrAlreadyPublished),
		InvoiceID:        res.InvoiceID,
		Environment:      res.Environment,
		Status:           res.Status,
		IRN:              res.IRN,
		Timestamp:        res.Timestamp,
		AlreadyPublished: res.AlreadyPublished,
		ErrorCode:        res.ErrorCode,
		ErrorMessage:     res.ErrorMessage,
		RetryCount:       res.RetryCount,
		RetryEnabled:     res.RetryEnabled,
		NextRetryAt:      res.NextRetryAt,
	}
	if body.InvoiceID == 0 {
		body.InvoiceID = req.InvoiceID
	}
	if body.Environment == "" {
		body.Environment = req.Environment
	}
	if body.Success {
		httpx.JSON(w, http.StatusOK, body)
		return
	}
	var formatErr *fbr.FormatError
	if errors.As(err, &formatErr) {
		body.Problems = formatErr.Problems
	}
	if body.ErrorCode == "" {
		body.ErrorCode = fbr.CodeOf(err)
	}
	httpx.JSON(w, attemptStatus(err), body)
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	mapped, known := mapError(err)
	if !known {
		h.logger.Error("fbr request failed", slog.Any("error", err))
		mapped = err
	}
	httpx.RespondError(w, mapped, h.respondOpts...)
}
