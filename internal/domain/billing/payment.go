package billing

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	ierr "github.com/medpractice/billing/internal/errors"
)

type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "PENDING"
	PaymentStatusProcessing PaymentStatus = "PROCESSING"
	PaymentStatusCompleted  PaymentStatus = "COMPLETED"
	PaymentStatusFailed     PaymentStatus = "FAILED"
	PaymentStatusCancelled  PaymentStatus = "CANCELLED"
	PaymentStatusRefunded   PaymentStatus = "REFUNDED"
)

type PaymentMethod string

const (
	PaymentMethodCash         PaymentMethod = "CASH"
	PaymentMethodCreditCard   PaymentMethod = "CREDIT_CARD"
	PaymentMethodDebitCard    PaymentMethod = "DEBIT_CARD"
	PaymentMethodCheck        PaymentMethod = "CHECK"
	PaymentMethodBankTransfer PaymentMethod = "BANK_TRANSFER"
	PaymentMethodInsurance    PaymentMethod = "INSURANCE"
	PaymentMethodOther        PaymentMethod = "OTHER"
)

var paymentMethods = []PaymentMethod{
	PaymentMethodCash, PaymentMethodCreditCard, PaymentMethodDebitCard, PaymentMethodCheck,
	PaymentMethodBankTransfer, PaymentMethodInsurance, PaymentMethodOther,
}

func (m PaymentMethod) Valid() bool { return lo.Contains(paymentMethods, m) }

var cardLastFourPattern = regexp.MustCompile(`^[0-9]{4}$`)

// Payment is a single payment transaction against one invoice.
type Payment struct {
	eventLog

	id                uuid.UUID
	referenceNumber   string
	invoiceID         uuid.UUID
	patientID         uuid.UUID
	amount            Money
	method            PaymentMethod
	status            PaymentStatus
	transactionID     *string
	authorizationCode *string
	cardLastFour      *string
	failureReason     *string
	refundAmount      *Money
	refundedTotal     Money
	paymentDate       time.Time
	processedAt       *time.Time
	refundedAt        *time.Time
	versionID         int
	createdAt         time.Time
	updatedAt         time.Time
}

type NewPaymentParams struct {
	ReferenceNumber string
	InvoiceID       uuid.UUID
	PatientID       uuid.UUID
	Amount          Money
	Method          PaymentMethod
	CardLastFour    *string
	PaymentDate     time.Time
}

// NewPayment validates p and returns a PENDING payment.
func NewPayment(p NewPaymentParams) (*Payment, error) {
	switch {
	case strings.TrimSpace(p.ReferenceNumber) == "":
		return nil, ierr.NewError("payment reference number is required").
			WithHint("A reference number must be generated before creating the payment").
			Mark(ierr.ErrValidation)
	case p.InvoiceID == uuid.Nil:
		return nil, ierr.NewError("invoice id is required").
			WithHint("Provide the invoice being paid").
			Mark(ierr.ErrValidation)
	case p.PatientID == uuid.Nil:
		return nil, ierr.NewError("patient id is required").
			WithHint("Provide the paying patient").
			Mark(ierr.ErrValidation)
	case !p.Method.Valid():
		return nil, ierr.NewErrorf("unknown payment method %q", p.Method).
			WithHint("Use a supported payment method").
			Mark(ierr.ErrValidation)
	}
	if p.CardLastFour != nil && !cardLastFourPattern.MatchString(*p.CardLastFour) {
		return nil, ierr.NewError("card last four must be four digits").
			WithHint("Provide only the last four digits of the card").
			Mark(ierr.ErrValidation)
	}
	if !p.Amount.IsPositive() {
		return nil, ierr.NewErrorf("payment amount must be positive, got %s", p.Amount).
			WithHint("Payment amount must be greater than zero").
			Mark(ierr.ErrInvalidArgument)
	}

	now := timeNow().UTC()
	paymentDate := now
	if !p.PaymentDate.IsZero() {
		paymentDate = p.PaymentDate.UTC()
	}
	return &Payment{
		id:              uuid.New(),
		referenceNumber: strings.TrimSpace(p.ReferenceNumber),
		invoiceID:       p.InvoiceID,
		patientID:       p.PatientID,
		amount:          p.Amount,
		method:          p.Method,
		status:          PaymentStatusPending,
		cardLastFour:    p.CardLastFour,
		refundedTotal:   ZeroMoney(p.Amount.Currency()),
		paymentDate:     paymentDate,
		versionID:       1,
		createdAt:       now,
		updatedAt:       now,
	}, nil
}

func (p *Payment) ID() uuid.UUID              { return p.id }
func (p *Payment) ReferenceNumber() string    { return p.referenceNumber }
func (p *Payment) InvoiceID() uuid.UUID       { return p.invoiceID }
func (p *Payment) PatientID() uuid.UUID       { return p.patientID }
func (p *Payment) Amount() Money              { return p.amount }
func (p *Payment) Method() PaymentMethod      { return p.method }
func (p *Payment) Status() PaymentStatus      { return p.status }
func (p *Payment) TransactionID() *string     { return p.transactionID }
func (p *Payment) AuthorizationCode() *string { return p.authorizationCode }
func (p *Payment) CardLastFour() *string      { return p.cardLastFour }
func (p *Payment) FailureReason() *string     { return p.failureReason }
func (p *Payment) RefundAmount() *Money       { return p.refundAmount }
func (p *Payment) RefundedTotal() Money       { return p.refundedTotal }
func (p *Payment) PaymentDate() time.Time     { return p.paymentDate }
func (p *Payment) ProcessedAt() *time.Time    { return p.processedAt }
func (p *Payment) RefundedAt() *time.Time     { return p.refundedAt }
func (p *Payment) CreatedAt() time.Time       { return p.createdAt }
func (p *Payment) UpdatedAt() time.Time       { return p.updatedAt }

func (p *Payment) GetVersionID() int  { return p.versionID }
func (p *Payment) SetVersionID(v int) { p.versionID = v }

func (p *Payment) MarkProcessing() error {
	if p.status != PaymentStatusPending {
		return ierr.NewErrorf("cannot process payment %s in status %s", p.referenceNumber, p.status).
			WithHint("Only pending payments can be processed").
			Mark(ierr.ErrInvalidState)
	}
	p.transition(PaymentStatusProcessing, "")
	return nil
}

// Complete marks the payment as settled. It carries no status guard; callers
// that must not reopen a settled payment check the status themselves.
func (p *Payment) Complete(transactionID, authorizationCode string) {
	if transactionID != "" {
		p.transactionID = &transactionID
	}
	if authorizationCode != "" {
		p.authorizationCode = &authorizationCode
	}
	now := timeNow().UTC()
	p.processedAt = &now
	p.transition(PaymentStatusCompleted, "")
	p.record(PaymentReceived{
		PaymentID:       p.id,
		ReferenceNumber: p.referenceNumber,
		InvoiceID:       p.invoiceID,
		PatientID:       p.patientID,
		Amount:          p.amount,
		Method:          p.method,
		OccurredAt:      now,
	})
}

// Fail marks the payment as failed regardless of its current status.
func (p *Payment) Fail(reason string) {
	p.failureReason = &reason
	p.transition(PaymentStatusFailed, reason)
}

func (p *Payment) Cancel() error {
	if p.status != PaymentStatusPending && p.status != PaymentStatusProcessing {
		return ierr.NewErrorf("cannot cancel payment %s in status %s", p.referenceNumber, p.status).
			WithHint("Only pending or processing payments can be cancelled").
			Mark(ierr.ErrInvalidState)
	}
	p.transition(PaymentStatusCancelled, "")
	return nil
}

// Refund records a refund against a completed payment. Only the latest refund
// amount is kept; the status moves to REFUNDED only when that amount equals
// the full payment. RefundedTotal accumulates every refund so callers can
// bound repeated partial refunds.
func (p *Payment) Refund(amount Money) error {
	if p.status != PaymentStatusCompleted {
		return ierr.NewErrorf("cannot refund payment %s in status %s", p.referenceNumber, p.status).
			WithHint("Only completed payments can be refunded").
			Mark(ierr.ErrInvalidState)
	}
	if err := p.amount.sameCurrency(amount, "refund"); err != nil {
		return err
	}
	if !amount.IsPositive() {
		return ierr.NewErrorf("refund amount must be positive, got %s", amount).
			WithHint("Refund amount must be greater than zero").
			Mark(ierr.ErrInvalidArgument)
	}
	if amount.Amount().GreaterThan(p.amount.Amount()) {
		return ierr.NewErrorf("refund %s exceeds payment amount %s", amount, p.amount).
			WithHintf("At most %s can be refunded", p.amount).
			Mark(ierr.ErrInvalidArgument)
	}

	now := timeNow().UTC()
	p.refundAmount = &amount
	p.refundedTotal = p.refundedTotal.plus(amount)
	p.refundedAt = &now
	full := amount.Equal(p.amount)
	if full {
		p.transition(PaymentStatusRefunded, "")
	} else {
		p.updatedAt = now
	}
	p.record(PaymentRefunded{
		PaymentID:  p.id,
		InvoiceID:  p.invoiceID,
		Amount:     amount,
		Full:       full,
		OccurredAt: now,
	})
	return nil
}

func (p *Payment) transition(to PaymentStatus, reason string) {
	from := p.status
	p.status = to
	p.updatedAt = timeNow().UTC()
	if from == to {
		return
	}
	p.record(PaymentStatusChanged{
		PaymentID:  p.id,
		From:       from,
		To:         to,
		Reason:     reason,
		OccurredAt: p.updatedAt,
	})
}

type paymentJSON struct {
	ID                uuid.UUID     `json:"id"`
	ReferenceNumber   string        `json:"reference_number"`
	InvoiceID         uuid.UUID     `json:"invoice_id"`
	PatientID         uuid.UUID     `json:"patient_id"`
	Amount            Money         `json:"amount"`
	Method            PaymentMethod `json:"method"`
	Status            PaymentStatus `json:"status"`
	TransactionID     *string       `json:"transaction_id,omitempty"`
	AuthorizationCode *string       `json:"authorization_code,omitempty"`
	CardLastFour      *string       `json:"card_last_four,omitempty"`
	FailureReason     *string       `json:"failure_reason,omitempty"`
	RefundAmount      *Money        `json:"refund_amount,omitempty"`
	RefundedTotal     Money         `json:"refunded_total"`
	PaymentDate       time.Time     `json:"payment_date"`
	ProcessedAt       *time.Time    `json:"processed_at,omitempty"`
	RefundedAt        *time.Time    `json:"refunded_at,omitempty"`
	VersionID         int           `json:"version_id"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

func (p *Payment) MarshalJSON() ([]byte, error) {
	return json.Marshal(paymentJSON{
		ID:                p.id,
		ReferenceNumber:   p.referenceNumber,
		InvoiceID:         p.invoiceID,
		PatientID:         p.patientID,
		Amount:            p.amount,
		Method:            p.method,
		Status:            p.status,
		TransactionID:     p.transactionID,
		AuthorizationCode: p.authorizationCode,
		CardLastFour:      p.cardLastFour,
		FailureReason:     p.failureReason,
		RefundAmount:      p.refundAmount,
		RefundedTotal:     p.refundedTotal,
		PaymentDate:       p.paymentDate,
		ProcessedAt:       p.processedAt,
		RefundedAt:        p.refundedAt,
		VersionID:         p.versionID,
		CreatedAt:         p.createdAt,
		UpdatedAt:         p.updatedAt,
	})
}
