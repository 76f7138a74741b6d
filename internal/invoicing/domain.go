package invoicing

import (
	"time"

	"github.com/google/uuid"

	"github.com/taxlink-pk/taxlink/internal/fbr"
)

// Status enumerates the FBR lifecycle of an invoice.
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusSubmitted Status = "SUBMITTED"
	StatusValidated Status = "VALIDATED"
	StatusPublished Status = "PUBLISHED"
	StatusFailed    Status = "FAILED"
)

// DocumentType distinguishes sale invoices from debit notes.
type DocumentType string

const (
	DocumentSaleInvoice DocumentType = "sale_invoice"
	DocumentDebitNote   DocumentType = "debit_note"
)

// Invoice is the unit of FBR submission work.
type Invoice struct {
	ID           int64
	BusinessID   int64
	CustomerID   int64
	Number       string
	DocumentType DocumentType
	ReferenceIRN string
	Date         time.Time
	Subtotal     float64
	TaxTotal     float64
	Total        float64
	Status       Status
	Mode         fbr.Environment
	ScenarioID   string

	BuyerNTNOverride string

	FBRInvoiceNumber        string
	FBRSandboxInvoiceNumber string
	FBRTimestamp            *time.Time
	FBRTransactionID        string
	FBRSubmitted            bool
	FBRValidated            bool
	FBRErrorCode            string
	FBRErrorMessage         string

	RetryCount   int
	MaxRetries   int
	RetryEnabled bool
	LastRetryAt  *time.Time
	NextRetryAt  *time.Time

	LockOwner   *uuid.UUID
	LockedUntil *time.Time

	QRCode []byte

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IRNFor returns the IRN already issued for env, if any.
func (inv *Invoice) IRNFor(env fbr.Environment) string {
	if env == fbr.Production {
		return inv.FBRInvoiceNumber
	}
	return inv.FBRSandboxInvoiceNumber
}

// RetriesExhausted reports whether the retry budget is spent.
func (inv *Invoice) RetriesExhausted() bool {
	return inv.RetryCount >= inv.MaxRetries
}

// InvoiceItem is a single invoice line.
type InvoiceItem struct {
	ID                 int64
	InvoiceID          int64
	Description        string
	HSCode             string
	UnitOfMeasure      string
	Quantity           float64
	UnitPrice          float64
	TaxRate            float64
	SaleType           string
	ValueExcludingST   float64
	SalesTax           float64
	WithheldTax        float64
	ExtraTax           float64
	FurtherTax         float64
	FEDPayable         float64
	Discount           float64
	FixedNotifiedValue float64
	SROScheduleNo      string
	SROItemSerialNo    string
}

// Business is the seller filing invoices with FBR.
type Business struct {
	ID                         int64
	Name                       string
	NTN                        string
	Address                    string
	Province                   string
	IntegrationMode            fbr.Environment
	SandboxToken               string
	ProductionToken            string
	SandboxTokenExpiresAt      *time.Time
	ProductionTokenExpiresAt   *time.Time
	SandboxTokenValidatedAt    *time.Time
	ProductionTokenValidatedAt *time.Time
}

// Customer is the buyer on an invoice.
type Customer struct {
	ID         int64
	BusinessID int64
	Name       string
	NTN        string
	CNIC       string
	Passport   string
	Address    string
	Province   string
	Registered bool
}

// Bundle groups everything needed to build a wire invoice.
type Bundle struct {
	Invoice  Invoice
	Items    []InvoiceItem
	Business Business
	Customer Customer
}

// RetryCandidate is a row eligible for an automatic retry.
type RetryCandidate struct {
	InvoiceID   int64
	BusinessID  int64
	Mode        fbr.Environment
	RetryCount  int
	MaxRetries  int
	NextRetryAt time.Time
}

// RetryState is the operator-facing projection of retry fields.
type RetryState struct {
	InvoiceID       int64
	Status          Status
	Mode            fbr.Environment
	RetryCount      int
	MaxRetries      int
	RetryEnabled    bool
	LastRetryAt     *time.Time
	NextRetryAt     *time.Time
	FBRErrorCode    string
	FBRErrorMessage string
	LockedUntil     *time.Time
}

// FailureUpdate carries the fields written after a failed attempt.
type FailureUpdate struct {
	ErrorCode    string
	ErrorMessage string
	RetryCount   int
	MaxRetries   int
	RetryEnabled bool
	AttemptedAt  time.Time
	NextRetryAt  *time.Time
	Mode         fbr.Environment
}

// SuccessUpdate carries the fields written after an accepted submission.
type SuccessUpdate struct {
	Environment   fbr.Environment
	IRN           string
	Timestamp     time.Time
	TransactionID string
	AttemptedAt   time.Time
}

// SuccessOutcome reports whether the IRN guard tripped.
type SuccessOutcome struct {
	Duplicate   bool
	ExistingIRN string
	Status      Status
}

// Credentials are the bearer tokens configured for a business.
type Credentials struct {
	BusinessID int64
	Tokens     map[fbr.Environment]string
	ExpiresAt  map[fbr.Environment]*time.Time
}
