package submission

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/taxlink-pk/taxlink/internal/fbr"
	"github.com/taxlink-pk/taxlink/internal/fbr/pral"
)

// PermanentCodes is the set of authority error codes that no retry can fix.
type PermanentCodes map[string]struct{}

// ParsePermanentCodes reads a comma separated list such as "0002,0052".
func ParsePermanentCodes(raw string) PermanentCodes {
	out := PermanentCodes{}
	for _, code := range strings.Split(raw, ",") {
		if code = strings.TrimSpace(code); code != "" {
			out[code] = struct{}{}
		}
	}
	return out
}

// Has reports whether code is deny-listed.
func (p PermanentCodes) Has(code string) bool {
	_, ok := p[strings.TrimSpace(code)]
	return ok
}

// classifyTransport maps a client call error onto the submission taxonomy.
func classifyTransport(env fbr.Environment, err error) error {
	var statusErr *pral.StatusError
	switch {
	case errors.As(err, &statusErr):
		if statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusForbidden {
			return &fbr.AuthError{Environment: env, Reason: "rejected by authority", Err: err}
		}
		return &fbr.TransportError{StatusCode: statusErr.StatusCode, Body: statusErr.Body, Err: err}
	case errors.Is(err, pral.ErrMissingToken):
		return &fbr.AuthError{Environment: env, Reason: "token not configured", Err: err}
	case errors.Is(err, pral.ErrMalformedResponse):
		return &fbr.AuthorityRejection{Message: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return &fbr.TransportError{Timeout: true, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &fbr.TransportError{Timeout: true, Err: err}
	}
	return &fbr.TransportError{Err: err}
}

// classifyRejection maps a non-success validation response.
func classifyRejection(resp *pral.WireResponse, permanent PermanentCodes) error {
	items := resp.ItemErrors()
	codes := []string{resp.ErrorCode}
	for _, it := range resp.Items {
		codes = append(codes, it.ErrorCode)
	}
	for _, code := range codes {
		if code != "" && permanent.Has(code) {
			problems := []string{}
			if resp.Error != "" {
				problems = append(problems, resp.Error)
			}
			problems = append(problems, items...)
			return &fbr.FormatError{Problems: problems, AuthorityCode: code}
		}
	}
	return &fbr.AuthorityRejection{
		StatusCode: resp.StatusCode,
		ErrorCode:  resp.ErrorCode,
		Message:    firstNonEmpty(resp.Error, resp.Status),
		ItemErrors: items,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
