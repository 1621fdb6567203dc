package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	ierr "github.com/medpractice/billing/internal/errors"
	"github.com/medpractice/billing/internal/platform/db"
)

const pgUniqueViolation = "23505"

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type pgRepo struct{ pool *pgxpool.Pool }

// conn prefers the unit-of-work transaction, then the tenant connection.
func (r pgRepo) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func notFound(kind string, key any) error {
	return ierr.NewErrorf("%s %v not found", kind, key).
		WithHintf("No %s exists with that identifier", kind).
		Mark(ierr.ErrNotFound)
}

func dbError(err error, op string) error {
	return ierr.WithError(err).
		WithHintf("Database error while trying to %s", op).
		Mark(ierr.ErrDatabase)
}

func isUniqueViolation(err error, constraint string) bool {
	pgErr, ok := lo.ErrorsAs[*pgconn.PgError](err)
	return ok && pgErr.Code == pgUniqueViolation && (constraint == "" || pgErr.ConstraintName == constraint)
}

func versionConflict(kind string, id uuid.UUID, version int) error {
	return ierr.NewErrorf("%s %s was modified concurrently (expected version %d)", kind, id, version).
		WithHint("The record changed while it was being updated; retry the operation").
		WithReportableDetails(map[string]any{"id": id, "version_id": version}).
		Mark(ierr.ErrVersionConflict)
}

func nullDecimal(m *Money) decimal.NullDecimal {
	if m == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: m.Amount(), Valid: true}
}

func moneyPtr(d decimal.NullDecimal, currency string) *Money {
	if !d.Valid {
		return nil
	}
	m := Money{amount: d.Decimal.Round(MoneyScale), currency: currency}
	return &m
}

func money(d decimal.Decimal, currency string) Money {
	return Money{amount: d.Round(MoneyScale), currency: currency}
}

// =========== Invoice Repository ===========

type invoiceRepoPG struct{ pgRepo }

func NewInvoiceRepoPG(pool *pgxpool.Pool) InvoiceRepository {
	return &invoiceRepoPG{pgRepo{pool: pool}}
}

const invoiceCols = `id, invoice_number, patient_id, appointment_id, currency,
	subtotal, tax_amount, discount_amount, total_amount, paid_amount, balance_due, insurance_amount,
	invoice_date, due_date, paid_date, status, insurance_claim_number, notes,
	version_id, created_at, updated_at`

func (r *invoiceRepoPG) scanInvoice(row pgx.Row) (*Invoice, error) {
	var (
		inv                                                       Invoice
		subtotal, tax, discount, total, paid, balance, insurance decimal.Decimal
	)
	err := row.Scan(&inv.id, &inv.invoiceNumber, &inv.patientID, &inv.appointmentID, &inv.currency,
		&subtotal, &tax, &discount, &total, &paid, &balance, &insurance,
		&inv.invoiceDate, &inv.dueDate, &inv.paidDate, &inv.status, &inv.insuranceClaimNumber, &inv.notes,
		&inv.versionID, &inv.createdAt, &inv.updatedAt)
	if err != nil {
		return nil, err
	}
	cur := inv.currency
	inv.subtotal, inv.taxAmount, inv.discountAmount = money(subtotal, cur), money(tax, cur), money(discount, cur)
	inv.totalAmount, inv.paidAmount, inv.balanceDue = money(total, cur), money(paid, cur), money(balance, cur)
	inv.insuranceAmount = money(insurance, cur)
	return &inv, nil
}

// loadItems attaches items to each invoice in one query.
func (r *invoiceRepoPG) loadItems(ctx context.Context, invoices ...*Invoice) error {
	if len(invoices) == 0 {
		return nil
	}
	byID := lo.KeyBy(invoices, func(inv *Invoice) uuid.UUID { return inv.id })
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, invoice_id, description, procedure_code, quantity, unit_price, total_price
		FROM invoice_items WHERE invoice_id = ANY($1) ORDER BY invoice_id, position`,
		lo.Keys(byID))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			it               InvoiceItem
			unitPrice, total decimal.Decimal
		)
		if err := rows.Scan(&it.id, &it.invoiceID, &it.description, &it.procedureCode, &it.quantity, &unitPrice, &total); err != nil {
			return err
		}
		inv := byID[it.invoiceID]
		it.unitPrice, it.totalPrice = money(unitPrice, inv.currency), money(total, inv.currency)
		inv.items = append(inv.items, &it)
	}
	return rows.Err()
}

func (r *invoiceRepoPG) insertItems(ctx context.Context, inv *Invoice) error {
	for pos, it := range inv.items {
		_, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO invoice_items (id, invoice_id, position, description, procedure_code, quantity, unit_price, total_price)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			it.id, inv.id, pos, it.description, it.procedureCode, it.quantity, it.unitPrice.Amount(), it.totalPrice.Amount())
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *invoiceRepoPG) Create(ctx context.Context, inv *Invoice) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO invoices (id, invoice_number, patient_id, appointment_id, currency,
			subtotal, tax_amount, discount_amount, total_amount, paid_amount, balance_due, insurance_amount,
			invoice_date, due_date, paid_date, status, insurance_claim_number, notes,
			version_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		inv.id, inv.invoiceNumber, inv.patientID, inv.appointmentID, inv.currency,
		inv.subtotal.Amount(), inv.taxAmount.Amount(), inv.discountAmount.Amount(), inv.totalAmount.Amount(),
		inv.paidAmount.Amount(), inv.balanceDue.Amount(), inv.insuranceAmount.Amount(),
		inv.invoiceDate, inv.dueDate, inv.paidDate, inv.status, inv.insuranceClaimNumber, inv.notes,
		inv.versionID, inv.createdAt, inv.updatedAt)
	if err != nil {
		if isUniqueViolation(err, "") {
			return ierr.WithError(err).
				WithHintf("Invoice number %s is already in use", inv.invoiceNumber).
				Mark(ierr.ErrAlreadyExists)
		}
		return dbError(err, "create invoice")
	}
	if err := r.insertItems(ctx, inv); err != nil {
		return dbError(err, "create invoice items")
	}
	return nil
}

func (r *invoiceRepoPG) get(ctx context.Context, where string, key any) (*Invoice, error) {
	inv, err := r.scanInvoice(r.conn(ctx).QueryRow(ctx, `SELECT `+invoiceCols+` FROM invoices WHERE `+where+` = $1`, key))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, notFound("invoice", key)
		}
		return nil, dbError(err, "get invoice")
	}
	if err := r.loadItems(ctx, inv); err != nil {
		return nil, dbError(err, "get invoice items")
	}
	return inv, nil
}

func (r *invoiceRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return r.get(ctx, "id", id)
}

func (r *invoiceRepoPG) GetByNumber(ctx context.Context, number string) (*Invoice, error) {
	return r.get(ctx, "invoice_number", number)
}

func (r *invoiceRepoPG) Update(ctx context.Context, inv *Invoice) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE invoices SET subtotal=$3, tax_amount=$4, discount_amount=$5, total_amount=$6,
			paid_amount=$7, balance_due=$8, insurance_amount=$9, paid_date=$10, status=$11,
			insurance_claim_number=$12, notes=$13, updated_at=$14, version_id = version_id + 1
		WHERE id = $1 AND version_id = $2`,
		inv.id, inv.versionID,
		inv.subtotal.Amount(), inv.taxAmount.Amount(), inv.discountAmount.Amount(), inv.totalAmount.Amount(),
		inv.paidAmount.Amount(), inv.balanceDue.Amount(), inv.insuranceAmount.Amount(), inv.paidDate, inv.status,
		inv.insuranceClaimNumber, inv.notes, inv.updatedAt)
	if err != nil {
		return dbError(err, "update invoice")
	}
	if tag.RowsAffected() == 0 {
		return versionConflict("invoice", inv.id, inv.versionID)
	}
	if _, err := r.conn(ctx).Exec(ctx, `DELETE FROM invoice_items WHERE invoice_id = $1`, inv.id); err != nil {
		return dbError(err, "replace invoice items")
	}
	if err := r.insertItems(ctx, inv); err != nil {
		return dbError(err, "replace invoice items")
	}
	inv.versionID++
	return nil
}

func (r *invoiceRepoPG) list(ctx context.Context, query string, args ...any) ([]*Invoice, error) {
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Invoice
	for rows.Next() {
		inv, err := r.scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, r.loadItems(ctx, out...)
}

func (r *invoiceRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Invoice, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM invoices WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, dbError(err, "count invoices")
	}
	out, err := r.list(ctx, `SELECT `+invoiceCols+` FROM invoices WHERE patient_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, dbError(err, "list invoices")
	}
	return out, total, nil
}

func (r *invoiceRepoPG) ListOverdueCandidates(ctx context.Context, asOf time.Time, limit int) ([]*Invoice, error) {
	out, err := r.list(ctx, `SELECT `+invoiceCols+` FROM invoices
		WHERE status IN ('PENDING', 'PARTIALLY_PAID') AND due_date < $1
		ORDER BY due_date LIMIT $2`, dateOf(asOf), limit)
	if err != nil {
		return nil, dbError(err, "list overdue invoices")
	}
	return out, nil
}

// =========== Payment Repository ===========

type paymentRepoPG struct{ pgRepo }

func NewPaymentRepoPG(pool *pgxpool.Pool) PaymentRepository {
	return &paymentRepoPG{pgRepo{pool: pool}}
}

const paymentCols = `id, reference_number, invoice_id, patient_id, amount, currency, method, status,
	transaction_id, authorization_code, card_last_four, failure_reason, refund_amount, refunded_total,
	payment_date, processed_at, refunded_at, version_id, created_at, updated_at`

func (r *paymentRepoPG) scanPayment(row pgx.Row) (*Payment, error) {
	var (
		p        Payment
		amount   decimal.Decimal
		refund   decimal.NullDecimal
		refunded decimal.Decimal
		currency string
	)
	err := row.Scan(&p.id, &p.referenceNumber, &p.invoiceID, &p.patientID, &amount, &currency, &p.method, &p.status,
		&p.transactionID, &p.authorizationCode, &p.cardLastFour, &p.failureReason, &refund, &refunded,
		&p.paymentDate, &p.processedAt, &p.refundedAt, &p.versionID, &p.createdAt, &p.updatedAt)
	if err != nil {
		return nil, err
	}
	p.amount = money(amount, currency)
	p.refundAmount = moneyPtr(refund, currency)
	p.refundedTotal = money(refunded, currency)
	return &p, nil
}

func (r *paymentRepoPG) Create(ctx context.Context, p *Payment) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO payments (id, reference_number, invoice_id, patient_id, amount, currency, method, status,
			transaction_id, authorization_code, card_last_four, failure_reason, refund_amount, refunded_total,
			payment_date, processed_at, refunded_at, version_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		p.id, p.referenceNumber, p.invoiceID, p.patientID, p.amount.Amount(), p.amount.Currency(), p.method, p.status,
		p.transactionID, p.authorizationCode, p.cardLastFour, p.failureReason, nullDecimal(p.refundAmount),
		p.refundedTotal.Amount(), p.paymentDate, p.processedAt, p.refundedAt, p.versionID, p.createdAt, p.updatedAt)
	if err != nil {
		if isUniqueViolation(err, "") {
			return ierr.WithError(err).
				WithHintf("Payment reference %s is already in use", p.referenceNumber).
				Mark(ierr.ErrAlreadyExists)
		}
		return dbError(err, "create payment")
	}
	return nil
}

func (r *paymentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Payment, error) {
	p, err := r.scanPayment(r.conn(ctx).QueryRow(ctx, `SELECT `+paymentCols+` FROM payments WHERE id = $1`, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, notFound("payment", id)
		}
		return nil, dbError(err, "get payment")
	}
	return p, nil
}

func (r *paymentRepoPG) Update(ctx context.Context, p *Payment) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE payments SET status=$3, transaction_id=$4, authorization_code=$5, failure_reason=$6,
			refund_amount=$7, refunded_total=$8, processed_at=$9, refunded_at=$10, updated_at=$11,
			version_id = version_id + 1
		WHERE id = $1 AND version_id = $2`,
		p.id, p.versionID, p.status, p.transactionID, p.authorizationCode, p.failureReason,
		nullDecimal(p.refundAmount), p.refundedTotal.Amount(), p.processedAt, p.refundedAt, p.updatedAt)
	if err != nil {
		return dbError(err, "update payment")
	}
	if tag.RowsAffected() == 0 {
		return versionConflict("payment", p.id, p.versionID)
	}
	p.versionID++
	return nil
}

func (r *paymentRepoPG) ListByInvoice(ctx context.Context, invoiceID uuid.UUID, limit, offset int) ([]*Payment, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM payments WHERE invoice_id = $1`, invoiceID).Scan(&total); err != nil {
		return nil, 0, dbError(err, "count payments")
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+paymentCols+` FROM payments WHERE invoice_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, invoiceID, limit, offset)
	if err != nil {
		return nil, 0, dbError(err, "list payments")
	}
	defer rows.Close()
	var out []*Payment
	for rows.Next() {
		p, err := r.scanPayment(rows)
		if err != nil {
			return nil, 0, dbError(err, "list payments")
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, dbError(err, "list payments")
	}
	return out, total, nil
}

// =========== Claim Repository ===========

type claimRepoPG struct{ pgRepo }

func NewClaimRepoPG(pool *pgxpool.Pool) ClaimRepository {
	return &claimRepoPG{pgRepo{pool: pool}}
}

const claimCols = `id, claim_number, invoice_id, patient_id, provider_id, insurance_provider, policy_number,
	group_number, subscriber_name, subscriber_id, currency, billed_amount, allowed_amount, paid_amount,
	patient_responsibility, copay_amount, deductible_amount, coinsurance_amount, status,
	submitted_at, processed_at, service_date, denial_code, denial_reason, adjudication_notes, eob_reference,
	version_id, created_at, updated_at`

func (r *claimRepoPG) scanClaim(row pgx.Row) (*Claim, error) {
	var (
		c                                           Claim
		currency                                    string
		billed, paid                                decimal.Decimal
		allowed, patientResp, copay, deduct, coins decimal.NullDecimal
	)
	err := row.Scan(&c.id, &c.claimNumber, &c.invoiceID, &c.patientID, &c.providerID, &c.insuranceProvider, &c.policyNumber,
		&c.groupNumber, &c.subscriberName, &c.subscriberID, &currency, &billed, &allowed, &paid,
		&patientResp, &copay, &deduct, &coins, &c.status,
		&c.submittedAt, &c.processedAt, &c.serviceDate, &c.denialCode, &c.denialReason, &c.adjudicationNotes, &c.eobReference,
		&c.versionID, &c.createdAt, &c.updatedAt)
	if err != nil {
		return nil, err
	}
	c.billedAmount, c.paidAmount = money(billed, currency), money(paid, currency)
	c.allowedAmount = moneyPtr(allowed, currency)
	c.patientResponsibility = moneyPtr(patientResp, currency)
	c.copayAmount = moneyPtr(copay, currency)
	c.deductibleAmount = moneyPtr(deduct, currency)
	c.coinsuranceAmount = moneyPtr(coins, currency)
	return &c, nil
}

func (r *claimRepoPG) Create(ctx context.Context, c *Claim) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO claims (`+claimCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29)`,
		c.id, c.claimNumber, c.invoiceID, c.patientID, c.providerID, c.insuranceProvider, c.policyNumber,
		c.groupNumber, c.subscriberName, c.subscriberID, c.billedAmount.Currency(), c.billedAmount.Amount(),
		nullDecimal(c.allowedAmount), c.paidAmount.Amount(),
		nullDecimal(c.patientResponsibility), nullDecimal(c.copayAmount), nullDecimal(c.deductibleAmount),
		nullDecimal(c.coinsuranceAmount), c.status,
		c.submittedAt, c.processedAt, c.serviceDate, c.denialCode, c.denialReason, c.adjudicationNotes, c.eobReference,
		c.versionID, c.createdAt, c.updatedAt)
	if err != nil {
		if isUniqueViolation(err, "claims_invoice_id_key") {
			return ierr.WithError(err).
				WithHint("A claim has already been submitted for this invoice").
				Mark(ierr.ErrDuplicateClaim)
		}
		if isUniqueViolation(err, "") {
			return ierr.WithError(err).
				WithHintf("Claim number %s is already in use", c.claimNumber).
				Mark(ierr.ErrAlreadyExists)
		}
		return dbError(err, "create claim")
	}
	return nil
}

func (r *claimRepoPG) get(ctx context.Context, where string, key uuid.UUID) (*Claim, error) {
	c, err := r.scanClaim(r.conn(ctx).QueryRow(ctx, `SELECT `+claimCols+` FROM claims WHERE `+where+` = $1`, key))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, notFound("claim", key)
		}
		return nil, dbError(err, "get claim")
	}
	return c, nil
}

func (r *claimRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Claim, error) {
	return r.get(ctx, "id", id)
}

func (r *claimRepoPG) GetByInvoiceID(ctx context.Context, invoiceID uuid.UUID) (*Claim, error) {
	return r.get(ctx, "invoice_id", invoiceID)
}

func (r *claimRepoPG) Update(ctx context.Context, c *Claim) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE claims SET allowed_amount=$3, paid_amount=$4, patient_responsibility=$5, copay_amount=$6,
			deductible_amount=$7, coinsurance_amount=$8, status=$9, submitted_at=$10, processed_at=$11,
			denial_code=$12, denial_reason=$13, adjudication_notes=$14, eob_reference=$15, updated_at=$16,
			version_id = version_id + 1
		WHERE id = $1 AND version_id = $2`,
		c.id, c.versionID, nullDecimal(c.allowedAmount), c.paidAmount.Amount(), nullDecimal(c.patientResponsibility),
		nullDecimal(c.copayAmount), nullDecimal(c.deductibleAmount), nullDecimal(c.coinsuranceAmount), c.status,
		c.submittedAt, c.processedAt, c.denialCode, c.denialReason, c.adjudicationNotes, c.eobReference, c.updatedAt)
	if err != nil {
		return dbError(err, "update claim")
	}
	if tag.RowsAffected() == 0 {
		return versionConflict("claim", c.id, c.versionID)
	}
	c.versionID++
	return nil
}

func (r *claimRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Claim, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM claims WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, dbError(err, "count claims")
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+claimCols+` FROM claims WHERE patient_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, dbError(err, "list claims")
	}
	defer rows.Close()
	var out []*Claim
	for rows.Next() {
		c, err := r.scanClaim(rows)
		if err != nil {
			return nil, 0, dbError(err, "list claims")
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, dbError(err, "list claims")
	}
	return out, total, nil
}

// =========== Insurance Ledger ===========

type insuranceLedgerPG struct{ pgRepo }

func NewInsuranceLedgerPG(pool *pgxpool.Pool) InsuranceLedger {
	return &insuranceLedgerPG{pgRepo{pool: pool}}
}

func (r *insuranceLedgerPG) AppliedAmount(ctx context.Context, claimID uuid.UUID, currency string) (Money, error) {
	var applied decimal.Decimal
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM insurance_ledger WHERE claim_id = $1`, claimID).Scan(&applied)
	if err != nil {
		return Money{}, dbError(err, "read insurance ledger")
	}
	return money(applied, currency), nil
}

func (r *insuranceLedgerPG) Record(ctx context.Context, e *LedgerEntry) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO insurance_ledger (id, claim_id, invoice_id, amount, cumulative, currency, idempotency_key, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.ID, e.ClaimID, e.InvoiceID, e.Amount.Amount(), e.Cumulative.Amount(), e.Amount.Currency(), e.IdempotencyKey, e.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, "") {
			return ierr.WithError(err).
				WithHint("This insurance payment has already been applied").
				Mark(ierr.ErrVersionConflict)
		}
		return dbError(err, "record insurance ledger entry")
	}
	return nil
}
