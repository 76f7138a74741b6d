package fbr

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Error codes persisted on the invoice row when the authority did not supply one.
const (
	CodeFormat      = "FORMAT_ERROR"
	CodeAuth        = "AUTH_ERROR"
	CodeTransport   = "TRANSPORT_ERROR"
	CodeTimeout     = "TIMEOUT"
	CodeMalformed   = "MALFORMED_RESPONSE"
	CodeInterrupted = "INTERRUPTED"
	CodeInternal    = "INTERNAL_ERROR"
)

// ErrDuplicateSubmission signals that an authority success arrived for an
// invoice that already carries an IRN. The stored IRN is kept.
var ErrDuplicateSubmission = errors.New("fbr: invoice already carries an IRN")

// Classified is implemented by every error of the submission taxonomy.
type Classified interface {
	error
	// Code is the value written to fbr_error_code.
	Code() string
	// Retryable reports whether a later attempt may succeed without data changes.
	Retryable() bool
}

// FormatError indicates the invoice cannot be expressed in the wire format or
// the authority rejected it with a code known to be permanent.
type FormatError struct {
	Problems []string
	// AuthorityCode is set when the error originates from a deny-listed
	// authority validation code.
	AuthorityCode string
}

func (e *FormatError) Error() string {
	if len(e.Problems) == 0 {
		return "fbr: invoice cannot be formatted"
	}
	return "fbr: invoice cannot be formatted: " + strings.Join(e.Problems, "; ")
}

func (e *FormatError) Code() string {
	if e.AuthorityCode != "" {
		return e.AuthorityCode
	}
	return CodeFormat
}

func (e *FormatError) Retryable() bool { return false }

// AuthError covers missing, malformed, expired or rejected bearer tokens.
type AuthError struct {
	Environment Environment
	Reason      string
	Err         error
}

func (e *AuthError) Error() string {
	msg := fmt.Sprintf("fbr: %s credentials unusable", e.Environment)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() error   { return e.Err }
func (e *AuthError) Code() string    { return CodeAuth }
func (e *AuthError) Retryable() bool { return true }

// TransportError wraps network failures, timeouts and non-2xx responses.
type TransportError struct {
	StatusCode int
	Body       string
	Timeout    bool
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.Timeout:
		return "fbr: request to authority timed out"
	case e.StatusCode > 0:
		return fmt.Sprintf("fbr: authority returned HTTP %d: %s", e.StatusCode, truncate(e.Body, 512))
	case e.Err != nil:
		return "fbr: transport failure: " + e.Err.Error()
	default:
		return "fbr: transport failure"
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Code() string {
	switch {
	case e.Timeout:
		return CodeTimeout
	case e.StatusCode > 0:
		return fmt.Sprintf("HTTP_%d", e.StatusCode)
	default:
		return CodeTransport
	}
}

func (e *TransportError) Retryable() bool { return true }

// AuthorityRejection is a 2xx response whose embedded validation status is not
// a success. Code and message are recorded verbatim.
type AuthorityRejection struct {
	StatusCode string
	ErrorCode  string
	Message    string
	ItemErrors []string
}

func (e *AuthorityRejection) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "invoice rejected"
	}
	if len(e.ItemErrors) > 0 {
		msg += " (" + strings.Join(e.ItemErrors, "; ") + ")"
	}
	return fmt.Sprintf("fbr: authority rejected invoice [%s]: %s", e.Code(), msg)
}

func (e *AuthorityRejection) Code() string {
	if e.ErrorCode != "" {
		return e.ErrorCode
	}
	if e.StatusCode != "" {
		return e.StatusCode
	}
	return CodeMalformed
}

func (e *AuthorityRejection) Retryable() bool { return true }

// CodeOf returns the persisted error code for err.
func CodeOf(err error) string {
	var c Classified
	if errors.As(err, &c) {
		return c.Code()
	}
	return CodeInternal
}

// IsRetryable reports whether err belongs to a retryable class. Unclassified
// errors are treated as retryable so that the attempt ceiling bounds them.
func IsRetryable(err error) bool {
	var c Classified
	if errors.As(err, &c) {
		return c.Retryable()
	}
	return true
}

// Truncate shortens s to at most n bytes without splitting a UTF-8 sequence.
// Invalid byte sequences are dropped so the result is always valid UTF-8.
func Truncate(s string, n int) string {
	if len(s) > n {
		for n > 0 && !utf8.RuneStart(s[n]) {
			n--
		}
		s = s[:n]
	}
	return strings.ToValidUTF8(s, "")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return strings.ToValidUTF8(s, "")
	}
	return Truncate(s, n) + "..."
}
