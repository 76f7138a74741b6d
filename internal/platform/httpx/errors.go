package httpx

import (
	"errors"
	"net/http"
)

// Sentinel errors handlers wrap to pick a response status.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrConflict     = errors.New("conflict")
	ErrValidation   = errors.New("validation failed")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
)

// Error attaches an explicit HTTP status and problem code to an error.
type Error struct {
	Status   int
	Title    string
	Code     string
	Problems []string
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Title
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Option tunes RespondError.
type Option func(*respondOptions)

type respondOptions struct {
	internalDetail bool
}

// WithInternalDetail exposes the message of unmapped errors. Used outside
// production only.
func WithInternalDetail(on bool) Option {
	return func(o *respondOptions) { o.internalDetail = on }
}

// RespondError maps errors to RFC7807 responses.
func RespondError(w http.ResponseWriter, err error, opts ...Option) {
	var o respondOptions
	for _, opt := range opts {
		opt(&o)
	}

	var herr *Error
	if errors.As(err, &herr) {
		WriteProblem(w, ProblemDetail{
			Title:  herr.Title,
			Status: herr.Status,
			Detail: herr.Error(),
			Code:   herr.Code,
			Errors: herr.Problems,
		})
		return
	}

	switch {
	case errors.Is(err, ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrConflict):
		Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrForbidden):
		Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, ErrUnauthorized):
		Problem(w, http.StatusUnauthorized, "Unauthorized", err.Error())
	default:
		detail := ""
		if o.internalDetail {
			detail = err.Error()
		}
		Problem(w, http.StatusInternalServerError, "Internal Error", detail)
	}
}
