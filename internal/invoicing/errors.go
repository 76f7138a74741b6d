package invoicing

import "errors"

var (
	// ErrNotFound indicates the invoice does not exist for the requesting business.
	ErrNotFound = errors.New("invoicing: invoice not found")
	// ErrLocked indicates another attempt currently holds the invoice claim.
	ErrLocked = errors.New("invoicing: invoice is locked by another submission attempt")
	// ErrClaimLost indicates the claim expired and was taken over before the
	// attempt could record its outcome.
	ErrClaimLost = errors.New("invoicing: submission claim lost")
	// ErrDuplicateIRN indicates the IRN is already stored on another invoice.
	ErrDuplicateIRN = errors.New("invoicing: IRN already recorded on another invoice")
	// ErrBusinessNotFound indicates missing seller configuration.
	ErrBusinessNotFound = errors.New("invoicing: business not found")
)

// ErrNotFailed indicates a retry control was applied to an invoice that is not in FAILED state.
var ErrNotFailed = errors.New("invoicing: invoice is not in FAILED state")
