package fbrhttp

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/taxlink-pk/taxlink/internal/fbr"
	"github.com/taxlink-pk/taxlink/internal/fbr/submission"
	"github.com/taxlink-pk/taxlink/internal/invoicing"
	"github.com/taxlink-pk/taxlink/internal/platform/httpx"
)

// mapError translates domain errors into httpx errors. Errors it does not
// recognise yield known == false.
func mapError(err error) (mapped error, known bool) {
	mapped = classify(err)
	return mapped, mapped != nil
}

func classify(err error) error {
	var (
		formatErr    *fbr.FormatError
		authErr      *fbr.AuthError
		transportErr *fbr.TransportError
		rejection    *fbr.AuthorityRejection
		httpErr      *httpx.Error
	)
	switch {
	case err == nil:
		return nil
	case errors.As(err, &httpErr),
		errors.Is(err, httpx.ErrValidation),
		errors.Is(err, httpx.ErrNotFound),
		errors.Is(err, httpx.ErrConflict):
		return err
	case errors.Is(err, submission.ErrInvalidRequest):
		return fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	case errors.Is(err, invoicing.ErrNotFound), errors.Is(err, invoicing.ErrBusinessNotFound):
		return fmt.Errorf("%w: %v", httpx.ErrNotFound, err)
	case errors.Is(err, invoicing.ErrLocked):
		return &httpx.Error{Status: http.StatusConflict, Title: "Submission In Progress", Code: "LOCKED", Err: err}
	case errors.Is(err, submission.ErrAlreadyPublished):
		return &httpx.Error{Status: http.StatusConflict, Title: "Already Published", Code: "ALREADY_PUBLISHED", Err: err}
	case errors.Is(err, submission.ErrRetriesExhausted):
		return &httpx.Error{Status: http.StatusConflict, Title: "Retry Budget Exhausted", Code: "RETRIES_EXHAUSTED", Err: err}
	case errors.Is(err, invoicing.ErrNotFailed):
		return &httpx.Error{Status: http.StatusConflict, Title: "Invoice Not Failed", Code: "NOT_FAILED", Err: err}
	case errors.Is(err, submission.ErrNotValidated):
		return &httpx.Error{Status: http.StatusUnprocessableEntity, Title: "Sandbox Validation Required", Code: "NOT_VALIDATED", Err: err}
	case errors.As(err, &formatErr):
		return &httpx.Error{Status: http.StatusUnprocessableEntity, Title: "Invalid Invoice", Code: formatErr.Code(), Problems: formatErr.Problems, Err: err}
	case errors.As(err, &authErr):
		return &httpx.Error{Status: http.StatusUnprocessableEntity, Title: "FBR Credentials Unusable", Code: fbr.CodeAuth, Err: err}
	case errors.As(err, &rejection):
		return &httpx.Error{Status: http.StatusUnprocessableEntity, Title: "Rejected By FBR", Code: rejection.Code(), Err: err}
	case errors.As(err, &transportErr):
		return &httpx.Error{Status: transportStatus(transportErr), Title: "FBR Unavailable", Code: transportErr.Code(), Err: err}
	case errors.Is(err, fbr.ErrDuplicateSubmission):
		return &httpx.Error{Status: http.StatusConflict, Title: "Duplicate Submission", Code: "DUPLICATE_IRN", Err: err}
	default:
		return nil
	}
}

// attemptStatus is the response status for an attempt whose outcome was
// recorded on the invoice.
func attemptStatus(err error) int {
	var (
		transportErr *fbr.TransportError
		httpErr      *httpx.Error
	)
	if errors.As(err, &transportErr) {
		return transportStatus(transportErr)
	}
	if errors.As(classify(err), &httpErr) {
		return httpErr.Status
	}
	return http.StatusInternalServerError
}

func transportStatus(err *fbr.TransportError) int {
	if err.Timeout {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}
