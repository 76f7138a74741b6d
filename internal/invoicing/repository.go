package invoicing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taxlink-pk/taxlink/internal/fbr"
	"github.com/taxlink-pk/taxlink/internal/platform/db"
)

type dbtx interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// Repository provides PostgreSQL backed persistence for FBR submission state.
// The invoice row is the single source of truth for retry and claim state.
type Repository struct {
	pool *pgxpool.Pool
	db   dbtx
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, db: pool}
}

const invoiceColumns = `
	id, business_id, customer_id, number, document_type, reference_irn, invoice_date,
	subtotal, tax_total, total, status, mode, scenario_id, buyer_ntn_override,
	fbr_invoice_number, fbr_sandbox_invoice_number, fbr_timestamp, fbr_transaction_id,
	fbr_submitted, fbr_validated, fbr_error_code, fbr_error_message,
	retry_count, max_retries, retry_enabled, last_retry_at, next_retry_at,
	retry_lock_owner, retry_locked_until, qr_code, created_at, updated_at`

// ClaimInvoice atomically takes the per-invoice submission claim. The claim
// succeeds only when no claim is held or the held claim expired before now.
func (r *Repository) ClaimInvoice(ctx context.Context, invoiceID, businessID int64, owner uuid.UUID, now, until time.Time) error {
	const query = `
		UPDATE invoices
		SET retry_lock_owner = $3, retry_locked_until = $4, updated_at = NOW()
		WHERE id = $1 AND business_id = $2
		  AND (retry_lock_owner IS NULL OR retry_locked_until < $5)`
	tag, err := r.db.Exec(ctx, query, invoiceID, businessID, uuidParam(owner), until, now)
	if err != nil {
		return fmt.Errorf("invoicing: claim invoice %d: %w", invoiceID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	exists, err := r.invoiceExists(ctx, invoiceID, businessID)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrLocked
}

// MarkSubmitting moves a claimed invoice into SUBMITTED for the given
// environment and stores the retry ceiling the attempt runs under.
func (r *Repository) MarkSubmitting(ctx context.Context, invoiceID int64, owner uuid.UUID, env fbr.Environment, maxRetries int) error {
	const query = `
		UPDATE invoices
		SET status = 'SUBMITTED', mode = $3, max_retries = GREATEST($4, retry_count), updated_at = NOW()
		WHERE id = $1 AND retry_lock_owner = $2 AND status <> 'PUBLISHED'`
	tag, err := r.db.Exec(ctx, query, invoiceID, uuidParam(owner), string(env), maxRetries)
	if err != nil {
		return fmt.Errorf("invoicing: mark submitting %d: %w", invoiceID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimLost
	}
	return nil
}

// ReleaseClaim drops the claim if it is still held by owner.
func (r *Repository) ReleaseClaim(ctx context.Context, invoiceID int64, owner uuid.UUID) error {
	const query = `
		UPDATE invoices
		SET retry_lock_owner = NULL, retry_locked_until = NULL
		WHERE id = $1 AND retry_lock_owner = $2`
	if _, err := r.db.Exec(ctx, query, invoiceID, uuidParam(owner)); err != nil {
		return fmt.Errorf("invoicing: release claim %d: %w", invoiceID, err)
	}
	return nil
}

// LoadBundle loads an invoice with its items, customer and business.
func (r *Repository) LoadBundle(ctx context.Context, invoiceID, businessID int64) (*Bundle, error) {
	inv, err := r.getInvoice(ctx, invoiceID, businessID)
	if err != nil {
		return nil, err
	}
	items, err := r.listItems(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	biz, err := r.getBusiness(ctx, businessID)
	if err != nil {
		return nil, err
	}
	cust, err := r.getCustomer(ctx, inv.CustomerID, businessID)
	if err != nil {
		return nil, err
	}
	return &Bundle{Invoice: *inv, Items: items, Business: *biz, Customer: *cust}, nil
}

// RecordFailure writes failure and retry fields and releases the claim.
func (r *Repository) RecordFailure(ctx context.Context, invoiceID int64, owner uuid.UUID, upd FailureUpdate) error {
	const query = `
		UPDATE invoices
		SET status = 'FAILED', mode = $3, fbr_error_code = $4, fbr_error_message = $5,
			retry_count = $6, retry_enabled = $7, last_retry_at = $8, next_retry_at = $9,
			max_retries = GREATEST($10, $6),
			retry_lock_owner = NULL, retry_locked_until = NULL, updated_at = NOW()
		WHERE id = $1 AND retry_lock_owner = $2 AND status <> 'PUBLISHED'`
	tag, err := r.db.Exec(ctx, query,
		invoiceID,
		uuidParam(owner),
		string(upd.Mode),
		upd.ErrorCode,
		upd.ErrorMessage,
		upd.RetryCount,
		upd.RetryEnabled,
		upd.AttemptedAt,
		timestamptz(upd.NextRetryAt),
		upd.MaxRetries,
	)
	if err != nil {
		return fmt.Errorf("invoicing: record failure %d: %w", invoiceID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimLost
	}
	return nil
}

// RecordSuccess persists an accepted submission unless an IRN is already
// stored for the environment, in which case the stored IRN is reported back
// untouched. The IRN is written even when the claim expired meanwhile.
func (r *Repository) RecordSuccess(ctx context.Context, invoiceID int64, owner uuid.UUID, upd SuccessUpdate) (SuccessOutcome, error) {
	var outcome SuccessOutcome
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var prodIRN, sandboxIRN pgtype.Text
		var status Status
		err := tx.QueryRow(ctx,
			`SELECT fbr_invoice_number, fbr_sandbox_invoice_number, status FROM invoices WHERE id = $1 FOR UPDATE`,
			invoiceID,
		).Scan(&prodIRN, &sandboxIRN, &status)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		existing := sandboxIRN
		if upd.Environment == fbr.Production {
			existing = prodIRN
		}
		if existing.Valid && existing.String != "" {
			outcome = SuccessOutcome{Duplicate: true, ExistingIRN: existing.String, Status: status}
			_, err := tx.Exec(ctx,
				`UPDATE invoices SET retry_lock_owner = NULL, retry_locked_until = NULL WHERE id = $1 AND retry_lock_owner = $2`,
				invoiceID, uuidParam(owner))
			return err
		}

		next := StatusValidated
		query := successSandboxQuery
		if upd.Environment == fbr.Production {
			next = StatusPublished
			query = successProductionQuery
		}
		if _, err := tx.Exec(ctx, query,
			invoiceID,
			uuidParam(owner),
			upd.IRN,
			upd.Timestamp,
			upd.TransactionID,
			string(next),
			string(upd.Environment),
			upd.AttemptedAt,
		); err != nil {
			if db.IsUniqueViolation(err) {
				return ErrDuplicateIRN
			}
			return err
		}
		outcome = SuccessOutcome{Status: next}
		return nil
	})
	if err != nil {
		return SuccessOutcome{}, fmt.Errorf("invoicing: record success %d: %w", invoiceID, err)
	}
	return outcome, nil
}

const successSetClause = `
		fbr_timestamp = $4, fbr_transaction_id = $5, fbr_submitted = TRUE, fbr_validated = TRUE,
		status = $6, mode = $7, fbr_error_code = '', fbr_error_message = '',
		retry_enabled = FALSE, next_retry_at = NULL, last_retry_at = $8,
		retry_lock_owner = CASE WHEN retry_lock_owner = $2 THEN NULL ELSE retry_lock_owner END,
		retry_locked_until = CASE WHEN retry_lock_owner = $2 THEN NULL ELSE retry_locked_until END,
		updated_at = NOW()
	WHERE id = $1`

const successProductionQuery = `UPDATE invoices SET fbr_invoice_number = $3,` + successSetClause

const successSandboxQuery = `UPDATE invoices SET fbr_sandbox_invoice_number = $3,` + successSetClause

// SaveQRCode stores the verification QR image.
func (r *Repository) SaveQRCode(ctx context.Context, invoiceID int64, png []byte) error {
	if _, err := r.db.Exec(ctx, `UPDATE invoices SET qr_code = $2 WHERE id = $1`, invoiceID, png); err != nil {
		return fmt.Errorf("invoicing: save qr code %d: %w", invoiceID, err)
	}
	return nil
}

// ListDueRetries returns failed invoices whose next retry time has passed.
func (r *Repository) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]RetryCandidate, error) {
	const query = `
		SELECT id, business_id, mode, retry_count, max_retries, next_retry_at
		FROM invoices
		WHERE status = 'FAILED'
		  AND retry_enabled
		  AND retry_count < max_retries
		  AND next_retry_at <= $1
		  AND (retry_lock_owner IS NULL OR retry_locked_until < $1)
		ORDER BY next_retry_at
		LIMIT $2`
	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("invoicing: list due retries: %w", err)
	}
	defer rows.Close()

	var out []RetryCandidate
	for rows.Next() {
		var c RetryCandidate
		var mode string
		if err := rows.Scan(&c.InvoiceID, &c.BusinessID, &mode, &c.RetryCount, &c.MaxRetries, &c.NextRetryAt); err != nil {
			return nil, err
		}
		c.Mode = fbr.Environment(mode)
		out = append(out, c)
	}
	return out, rows.Err()
}

// CleanupStuckLocks releases claims that expired before now. Rows left in
// SUBMITTED by an attempt that never finished are moved to FAILED so that the
// sweep can pick them up again.
func (r *Repository) CleanupStuckLocks(ctx context.Context, now time.Time, message string) (released, interrupted int64, err error) {
	err = db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE invoices
			SET status = 'FAILED', fbr_error_code = $2, fbr_error_message = $3,
				retry_enabled = retry_count < max_retries, next_retry_at = $1,
				retry_lock_owner = NULL, retry_locked_until = NULL, updated_at = NOW()
			WHERE retry_lock_owner IS NOT NULL AND retry_locked_until < $1 AND status = 'SUBMITTED'`,
			now, fbr.CodeInterrupted, message)
		if err != nil {
			return err
		}
		interrupted = tag.RowsAffected()

		tag, err = tx.Exec(ctx, `
			UPDATE invoices
			SET retry_lock_owner = NULL, retry_locked_until = NULL
			WHERE retry_lock_owner IS NOT NULL AND retry_locked_until < $1`, now)
		if err != nil {
			return err
		}
		released = tag.RowsAffected() + interrupted
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("invoicing: cleanup stuck locks: %w", err)
	}
	return released, interrupted, nil
}

// ResetRetry re-enables retrying a failed invoice with a fresh budget.
func (r *Repository) ResetRetry(ctx context.Context, invoiceID, businessID int64, nextRetryAt time.Time) error {
	const query = `
		UPDATE invoices
		SET retry_count = 0, retry_enabled = TRUE, next_retry_at = $3, updated_at = NOW()
		WHERE id = $1 AND business_id = $2 AND status = 'FAILED'`
	tag, err := r.db.Exec(ctx, query, invoiceID, businessID, nextRetryAt)
	if err != nil {
		return fmt.Errorf("invoicing: reset retry %d: %w", invoiceID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	exists, err := r.invoiceExists(ctx, invoiceID, businessID)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrNotFailed
}

// DisableRetry stops automatic retries for an invoice.
func (r *Repository) DisableRetry(ctx context.Context, invoiceID, businessID int64) error {
	const query = `
		UPDATE invoices
		SET retry_enabled = FALSE, next_retry_at = NULL, updated_at = NOW()
		WHERE id = $1 AND business_id = $2`
	tag, err := r.db.Exec(ctx, query, invoiceID, businessID)
	if err != nil {
		return fmt.Errorf("invoicing: disable retry %d: %w", invoiceID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRetryState returns the retry projection for an invoice.
func (r *Repository) GetRetryState(ctx context.Context, invoiceID, businessID int64) (*RetryState, error) {
	inv, err := r.getInvoice(ctx, invoiceID, businessID)
	if err != nil {
		return nil, err
	}
	return &RetryState{
		InvoiceID:       inv.ID,
		Status:          inv.Status,
		Mode:            inv.Mode,
		RetryCount:      inv.RetryCount,
		MaxRetries:      inv.MaxRetries,
		RetryEnabled:    inv.RetryEnabled,
		LastRetryAt:     inv.LastRetryAt,
		NextRetryAt:     inv.NextRetryAt,
		FBRErrorCode:    inv.FBRErrorCode,
		FBRErrorMessage: inv.FBRErrorMessage,
		LockedUntil:     inv.LockedUntil,
	}, nil
}

// LoadCredentials returns the bearer tokens configured for a business.
func (r *Repository) LoadCredentials(ctx context.Context, businessID int64) (Credentials, error) {
	biz, err := r.getBusiness(ctx, businessID)
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{
		BusinessID: biz.ID,
		Tokens: map[fbr.Environment]string{
			fbr.Sandbox:    biz.SandboxToken,
			fbr.Production: biz.ProductionToken,
		},
		ExpiresAt: map[fbr.Environment]*time.Time{
			fbr.Sandbox:    biz.SandboxTokenExpiresAt,
			fbr.Production: biz.ProductionTokenExpiresAt,
		},
	}, nil
}

// MarkTokenValidated records when a token last passed validation.
func (r *Repository) MarkTokenValidated(ctx context.Context, businessID int64, env fbr.Environment, at time.Time) error {
	query := `UPDATE businesses SET sandbox_token_validated_at = $2, updated_at = NOW() WHERE id = $1`
	if env == fbr.Production {
		query = `UPDATE businesses SET production_token_validated_at = $2, updated_at = NOW() WHERE id = $1`
	}
	if _, err := r.db.Exec(ctx, query, businessID, at); err != nil {
		return fmt.Errorf("invoicing: mark token validated %d: %w", businessID, err)
	}
	return nil
}

func (r *Repository) invoiceExists(ctx context.Context, invoiceID, businessID int64) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM invoices WHERE id = $1 AND business_id = $2)`,
		invoiceID, businessID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("invoicing: check invoice %d: %w", invoiceID, err)
	}
	return exists, nil
}

func (r *Repository) getInvoice(ctx context.Context, invoiceID, businessID int64) (*Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1 AND business_id = $2`

	var inv Invoice
	var docType, status, mode string
	var prodIRN, sandboxIRN pgtype.Text
	var fbrTimestamp, lastRetryAt, nextRetryAt, lockedUntil pgtype.Timestamptz
	var lockOwner pgtype.UUID

	err := r.db.QueryRow(ctx, query, invoiceID, businessID).Scan(
		&inv.ID, &inv.BusinessID, &inv.CustomerID, &inv.Number, &docType, &inv.ReferenceIRN, &inv.Date,
		&inv.Subtotal, &inv.TaxTotal, &inv.Total, &status, &mode, &inv.ScenarioID, &inv.BuyerNTNOverride,
		&prodIRN, &sandboxIRN, &fbrTimestamp, &inv.FBRTransactionID,
		&inv.FBRSubmitted, &inv.FBRValidated, &inv.FBRErrorCode, &inv.FBRErrorMessage,
		&inv.RetryCount, &inv.MaxRetries, &inv.RetryEnabled, &lastRetryAt, &nextRetryAt,
		&lockOwner, &lockedUntil, &inv.QRCode, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("invoicing: get invoice %d: %w", invoiceID, err)
	}

	inv.DocumentType = DocumentType(docType)
	inv.Status = Status(status)
	inv.Mode = fbr.Environment(mode)
	inv.FBRInvoiceNumber = prodIRN.String
	inv.FBRSandboxInvoiceNumber = sandboxIRN.String
	inv.FBRTimestamp = timePtr(fbrTimestamp)
	inv.LastRetryAt = timePtr(lastRetryAt)
	inv.NextRetryAt = timePtr(nextRetryAt)
	inv.LockedUntil = timePtr(lockedUntil)
	if lockOwner.Valid {
		owner := uuid.UUID(lockOwner.Bytes)
		inv.LockOwner = &owner
	}
	return &inv, nil
}

func (r *Repository) listItems(ctx context.Context, invoiceID int64) ([]InvoiceItem, error) {
	const query = `
		SELECT id, invoice_id, description, hs_code, unit_of_measure, quantity, unit_price, tax_rate,
			sale_type, value_excluding_st, sales_tax, withheld_tax, extra_tax, further_tax,
			fed_payable, discount, fixed_notified_value, sro_schedule_no, sro_item_serial_no
		FROM invoice_items
		WHERE invoice_id = $1
		ORDER BY line_no`
	rows, err := r.db.Query(ctx, query, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("invoicing: list items %d: %w", invoiceID, err)
	}
	defer rows.Close()

	var items []InvoiceItem
	for rows.Next() {
		var it InvoiceItem
		if err := rows.Scan(
			&it.ID, &it.InvoiceID, &it.Description, &it.HSCode, &it.UnitOfMeasure, &it.Quantity, &it.UnitPrice, &it.TaxRate,
			&it.SaleType, &it.ValueExcludingST, &it.SalesTax, &it.WithheldTax, &it.ExtraTax, &it.FurtherTax,
			&it.FEDPayable, &it.Discount, &it.FixedNotifiedValue, &it.SROScheduleNo, &it.SROItemSerialNo,
		); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (r *Repository) getBusiness(ctx context.Context, businessID int64) (*Business, error) {
	const query = `
		SELECT id, name, ntn, address, province, integration_mode, sandbox_token, production_token,
			sandbox_token_expires_at, production_token_expires_at,
			sandbox_token_validated_at, production_token_validated_at
		FROM businesses
		WHERE id = $1`
	var biz Business
	var mode string
	var sbExp, prodExp, sbVal, prodVal pgtype.Timestamptz
	err := r.db.QueryRow(ctx, query, businessID).Scan(
		&biz.ID, &biz.Name, &biz.NTN, &biz.Address, &biz.Province, &mode, &biz.SandboxToken, &biz.ProductionToken,
		&sbExp, &prodExp, &sbVal, &prodVal,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrBusinessNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("invoicing: get business %d: %w", businessID, err)
	}
	biz.IntegrationMode = fbr.Environment(mode)
	biz.SandboxTokenExpiresAt = timePtr(sbExp)
	biz.ProductionTokenExpiresAt = timePtr(prodExp)
	biz.SandboxTokenValidatedAt = timePtr(sbVal)
	biz.ProductionTokenValidatedAt = timePtr(prodVal)
	return &biz, nil
}

func (r *Repository) getCustomer(ctx context.Context, customerID, businessID int64) (*Customer, error) {
	const query = `
		SELECT id, business_id, name, ntn, cnic, passport, address, province, registered
		FROM customers
		WHERE id = $1 AND business_id = $2`
	var c Customer
	err := r.db.QueryRow(ctx, query, customerID, businessID).Scan(
		&c.ID, &c.BusinessID, &c.Name, &c.NTN, &c.CNIC, &c.Passport, &c.Address, &c.Province, &c.Registered,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("invoicing: get customer %d: %w", customerID, err)
	}
	return &c, nil
}

func uuidParam(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: [16]byte(id), Valid: true}
}

func timestamptz(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}

func timePtr(ts pgtype.Timestamptz) *time.Time {
	if !ts.Valid {
		return nil
	}
	t := ts.Time
	return &t
}
