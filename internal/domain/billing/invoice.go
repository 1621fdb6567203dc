package billing

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	ierr "github.com/medpractice/billing/internal/errors"
)

// timeNow is the package clock; tests replace it.
var timeNow = time.Now

// dateOf truncates t to its UTC calendar day.
func dateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func today() time.Time { return dateOf(timeNow()) }

// DefaultInvoiceDueDays is used when an invoice is created without a due date.
const DefaultInvoiceDueDays = 30

type InvoiceStatus string

const (
	InvoiceStatusDraft         InvoiceStatus = "DRAFT"
	InvoiceStatusPending       InvoiceStatus = "PENDING"
	InvoiceStatusPartiallyPaid InvoiceStatus = "PARTIALLY_PAID"
	InvoiceStatusPaid          InvoiceStatus = "PAID"
	InvoiceStatusOverdue       InvoiceStatus = "OVERDUE"
	InvoiceStatusCancelled     InvoiceStatus = "CANCELLED"
	InvoiceStatusRefunded      InvoiceStatus = "REFUNDED"
	InvoiceStatusWriteOff      InvoiceStatus = "WRITE_OFF"
)

// AcceptsPayment reports whether payments may be applied in this status.
func (s InvoiceStatus) AcceptsPayment() bool {
	return s == InvoiceStatusPending || s == InvoiceStatusPartiallyPaid || s == InvoiceStatusOverdue
}

// InvoiceItem is a priced line owned by exactly one invoice.
type InvoiceItem struct {
	id            uuid.UUID
	invoiceID     uuid.UUID
	description   string
	procedureCode *string
	quantity      int
	unitPrice     Money
	totalPrice    Money
}

func (it *InvoiceItem) ID() uuid.UUID          { return it.id }
func (it *InvoiceItem) InvoiceID() uuid.UUID   { return it.invoiceID }
func (it *InvoiceItem) Description() string    { return it.description }
func (it *InvoiceItem) ProcedureCode() *string { return it.procedureCode }
func (it *InvoiceItem) Quantity() int          { return it.quantity }
func (it *InvoiceItem) UnitPrice() Money       { return it.unitPrice }
func (it *InvoiceItem) TotalPrice() Money      { return it.totalPrice }

// NewItemParams describes a line item to add to a draft invoice.
type NewItemParams struct {
	Description   string
	ProcedureCode *string
	Quantity      int
	UnitPrice     Money
}

func newInvoiceItem(invoiceID uuid.UUID, p NewItemParams) (*InvoiceItem, error) {
	desc := strings.TrimSpace(p.Description)
	if desc == "" {
		return nil, ierr.NewError("item description is required").
			WithHint("Provide a description for the line item").
			Mark(ierr.ErrValidation)
	}
	if p.Quantity <= 0 {
		return nil, ierr.NewErrorf("item quantity must be positive, got %d", p.Quantity).
			WithHint("Quantity must be at least 1").
			Mark(ierr.ErrInvalidArgument)
	}
	if p.UnitPrice.IsNegative() {
		return nil, ierr.NewError("item unit price cannot be negative").
			WithHint("Unit price must be zero or greater").
			Mark(ierr.ErrInvalidArgument)
	}
	return &InvoiceItem{
		id:            uuid.New(),
		invoiceID:     invoiceID,
		description:   desc,
		procedureCode: p.ProcedureCode,
		quantity:      p.Quantity,
		unitPrice:     p.UnitPrice,
		totalPrice:    p.UnitPrice.Multiply(int64(p.Quantity)),
	}, nil
}

// Invoice is the aggregate root for a patient statement. Monetary totals are
// derived and only recalculateTotals writes them.
type Invoice struct {
	eventLog

	id                   uuid.UUID
	invoiceNumber        string
	patientID            uuid.UUID
	appointmentID        *uuid.UUID
	currency             string
	items                []*InvoiceItem
	subtotal             Money
	taxAmount            Money
	discountAmount       Money
	totalAmount          Money
	paidAmount           Money
	balanceDue           Money
	insuranceAmount      Money
	invoiceDate          time.Time
	dueDate              time.Time
	paidDate             *time.Time
	status               InvoiceStatus
	insuranceClaimNumber *string
	notes                *string
	versionID            int
	createdAt            time.Time
	updatedAt            time.Time
}

// NewInvoiceParams holds the required and optional fields of a new invoice.
type NewInvoiceParams struct {
	InvoiceNumber string
	PatientID     uuid.UUID
	AppointmentID *uuid.UUID
	Currency      string
	InvoiceDate   time.Time
	DueDate       time.Time
	Notes         *string
}

// NewInvoice builds a DRAFT invoice. A zero InvoiceDate defaults to today and a
// zero DueDate to InvoiceDate plus DefaultInvoiceDueDays.
func NewInvoice(p NewInvoiceParams) (*Invoice, error) {
	if strings.TrimSpace(p.InvoiceNumber) == "" {
		return nil, ierr.NewError("invoice number is required").
			WithHint("An invoice number must be generated before creating the invoice").
			Mark(ierr.ErrValidation)
	}
	if p.PatientID == uuid.Nil {
		return nil, ierr.NewError("patient id is required").
			WithHint("Provide the patient the invoice is billed to").
			Mark(ierr.ErrValidation)
	}
	zero, err := NewMoney(decimal.Zero, p.Currency)
	if err != nil {
		return nil, err
	}

	invoiceDate := today()
	if !p.InvoiceDate.IsZero() {
		invoiceDate = dateOf(p.InvoiceDate)
	}
	dueDate := invoiceDate.AddDate(0, 0, DefaultInvoiceDueDays)
	if !p.DueDate.IsZero() {
		dueDate = dateOf(p.DueDate)
	}
	if dueDate.Before(invoiceDate) {
		return nil, ierr.NewError("due date precedes invoice date").
			WithHint("Due date must be on or after the invoice date").
			Mark(ierr.ErrValidation)
	}

	now := timeNow().UTC()
	inv := &Invoice{
		id:              uuid.New(),
		invoiceNumber:   strings.TrimSpace(p.InvoiceNumber),
		patientID:       p.PatientID,
		appointmentID:   p.AppointmentID,
		currency:        zero.Currency(),
		subtotal:        zero,
		taxAmount:       zero,
		discountAmount:  zero,
		totalAmount:     zero,
		paidAmount:      zero,
		balanceDue:      zero,
		insuranceAmount: zero,
		invoiceDate:     invoiceDate,
		dueDate:         dueDate,
		status:          InvoiceStatusDraft,
		notes:           p.Notes,
		versionID:       1,
		createdAt:       now,
		updatedAt:       now,
	}
	inv.recalculateTotals()
	return inv, nil
}

func (i *Invoice) ID() uuid.UUID                 { return i.id }
func (i *Invoice) InvoiceNumber() string         { return i.invoiceNumber }
func (i *Invoice) PatientID() uuid.UUID          { return i.patientID }
func (i *Invoice) AppointmentID() *uuid.UUID     { return i.appointmentID }
func (i *Invoice) Currency() string              { return i.currency }
func (i *Invoice) Subtotal() Money               { return i.subtotal }
func (i *Invoice) TaxAmount() Money              { return i.taxAmount }
func (i *Invoice) DiscountAmount() Money         { return i.discountAmount }
func (i *Invoice) TotalAmount() Money            { return i.totalAmount }
func (i *Invoice) PaidAmount() Money             { return i.paidAmount }
func (i *Invoice) BalanceDue() Money             { return i.balanceDue }
func (i *Invoice) InsuranceAmount() Money        { return i.insuranceAmount }
func (i *Invoice) InvoiceDate() time.Time        { return i.invoiceDate }
func (i *Invoice) DueDate() time.Time            { return i.dueDate }
func (i *Invoice) PaidDate() *time.Time          { return i.paidDate }
func (i *Invoice) Status() InvoiceStatus         { return i.status }
func (i *Invoice) InsuranceClaimNumber() *string { return i.insuranceClaimNumber }
func (i *Invoice) Notes() *string                { return i.notes }
func (i *Invoice) CreatedAt() time.Time          { return i.createdAt }
func (i *Invoice) UpdatedAt() time.Time          { return i.updatedAt }

func (i *Invoice) GetVersionID() int  { return i.versionID }
func (i *Invoice) SetVersionID(v int) { i.versionID = v }

// Items returns a copy of the item list in insertion order.
func (i *Invoice) Items() []*InvoiceItem {
	return append([]*InvoiceItem(nil), i.items...)
}

func (i *Invoice) requireDraft(op string) error {
	if i.status != InvoiceStatusDraft {
		return ierr.NewErrorf("cannot %s invoice %s in status %s", op, i.invoiceNumber, i.status).
			WithHintf("Only draft invoices can be changed; invoice is %s", i.status).
			WithReportableDetails(map[string]any{"invoice_id": i.id, "status": i.status}).
			Mark(ierr.ErrInvalidState)
	}
	return nil
}

func (i *Invoice) requireCurrency(m Money) error {
	if m.Currency() != i.currency {
		return ierr.NewErrorf("amount in %s does not match invoice currency %s", m.Currency(), i.currency).
			WithHintf("Amounts for this invoice must be in %s", i.currency).
			Mark(ierr.ErrCurrencyMismatch)
	}
	return nil
}

// AddItem appends a line item to a draft invoice.
func (i *Invoice) AddItem(p NewItemParams) (*InvoiceItem, error) {
	if err := i.requireDraft("add item to"); err != nil {
		return nil, err
	}
	if err := i.requireCurrency(p.UnitPrice); err != nil {
		return nil, err
	}
	item, err := newInvoiceItem(i.id, p)
	if err != nil {
		return nil, err
	}
	i.items = append(i.items, item)
	i.recalculateTotals()
	return item, nil
}

// RemoveItem deletes a line item from a draft invoice. The removal is refused
// when the applied discount would then exceed the remaining subtotal.
func (i *Invoice) RemoveItem(itemID uuid.UUID) error {
	if err := i.requireDraft("remove item from"); err != nil {
		return err
	}
	item, idx, found := lo.FindIndexOf(i.items, func(it *InvoiceItem) bool { return it.id == itemID })
	if !found {
		return ierr.NewErrorf("item %s not found on invoice %s", itemID, i.invoiceNumber).
			WithHint("The line item does not exist on this invoice").
			Mark(ierr.ErrNotFound)
	}
	if remaining := i.subtotal.minus(item.totalPrice); i.discountAmount.Amount().GreaterThan(remaining.Amount()) {
		return ierr.NewErrorf("removing item %s leaves subtotal %s below discount %s", itemID, remaining, i.discountAmount).
			WithHint("Reduce the discount before removing this item").
			Mark(ierr.ErrInvalidArgument)
	}
	i.items = append(i.items[:idx], i.items[idx+1:]...)
	i.recalculateTotals()
	return nil
}

// ApplyDiscount sets a fixed discount. It may not exceed the subtotal.
func (i *Invoice) ApplyDiscount(amount Money) error {
	if err := i.requireDraft("discount"); err != nil {
		return err
	}
	if err := i.requireCurrency(amount); err != nil {
		return err
	}
	if amount.IsNegative() {
		return ierr.NewError("discount cannot be negative").
			WithHint("Discount must be zero or greater").
			Mark(ierr.ErrInvalidArgument)
	}
	if amount.Amount().GreaterThan(i.subtotal.Amount()) {
		return ierr.NewErrorf("discount %s exceeds subtotal %s", amount, i.subtotal).
			WithHint("Discount cannot be larger than the invoice subtotal").
			Mark(ierr.ErrInvalidArgument)
	}
	i.discountAmount = amount
	i.recalculateTotals()
	return nil
}

// ApplyPercentageDiscount sets the discount to percent% of the current subtotal.
func (i *Invoice) ApplyPercentageDiscount(percent decimal.Decimal) error {
	if err := i.requireDraft("discount"); err != nil {
		return err
	}
	if percent.IsNegative() || percent.GreaterThan(hundred) {
		return ierr.NewErrorf("discount percentage %s out of range", percent).
			WithHint("Discount percentage must be between 0 and 100").
			Mark(ierr.ErrInvalidArgument)
	}
	i.discountAmount = i.subtotal.Percentage(percent)
	i.recalculateTotals()
	return nil
}

// ApplyTax sets the tax to rate% of the discounted subtotal.
func (i *Invoice) ApplyTax(rate decimal.Decimal) error {
	if err := i.requireDraft("tax"); err != nil {
		return err
	}
	if rate.IsNegative() {
		return ierr.NewErrorf("tax rate %s is negative", rate).
			WithHint("Tax rate must be zero or greater").
			Mark(ierr.ErrInvalidArgument)
	}
	i.taxAmount = i.subtotal.minus(i.discountAmount).Percentage(rate)
	i.recalculateTotals()
	return nil
}

// Finalize moves a non-empty draft to PENDING.
func (i *Invoice) Finalize() error {
	if err := i.requireDraft("finalize"); err != nil {
		return err
	}
	if len(i.items) == 0 {
		return ierr.NewErrorf("invoice %s has no items", i.invoiceNumber).
			WithHint("Add at least one line item before finalizing").
			Mark(ierr.ErrInvalidState)
	}
	i.transition(InvoiceStatusPending)
	i.record(InvoiceFinalized{
		InvoiceID:   i.id,
		TotalAmount: i.totalAmount,
		BalanceDue:  i.balanceDue,
		OccurredAt:  timeNow().UTC(),
	})
	return nil
}

func (i *Invoice) checkPayable(amount Money) error {
	if !i.status.AcceptsPayment() {
		return ierr.NewErrorf("cannot record payment on invoice %s in status %s", i.invoiceNumber, i.status).
			WithHintf("Payments are accepted only on pending, partially paid or overdue invoices; invoice is %s", i.status).
			WithReportableDetails(map[string]any{"invoice_id": i.id, "status": i.status}).
			Mark(ierr.ErrInvalidState)
	}
	if err := i.requireCurrency(amount); err != nil {
		return err
	}
	if !amount.IsPositive() {
		return ierr.NewErrorf("payment amount must be positive, got %s", amount).
			WithHint("Payment amount must be greater than zero").
			Mark(ierr.ErrInvalidArgument)
	}
	return nil
}

// RecordPayment applies a patient payment.
func (i *Invoice) RecordPayment(amount Money) error {
	if err := i.checkPayable(amount); err != nil {
		return err
	}
	i.applyPayment(amount, false)
	return nil
}

// RecordInsurancePayment applies an insurer payment and tracks it separately
// in insuranceAmount.
func (i *Invoice) RecordInsurancePayment(amount Money) error {
	if err := i.checkPayable(amount); err != nil {
		return err
	}
	i.insuranceAmount = i.insuranceAmount.plus(amount)
	i.applyPayment(amount, true)
	return nil
}

func (i *Invoice) applyPayment(amount Money, insurance bool) {
	i.paidAmount = i.paidAmount.plus(amount)
	if !i.totalAmount.minus(i.paidAmount).IsPositive() {
		i.transition(InvoiceStatusPaid)
		paid := today()
		i.paidDate = &paid
	} else {
		i.transition(InvoiceStatusPartiallyPaid)
	}
	i.record(InvoicePaymentApplied{
		InvoiceID:  i.id,
		Amount:     amount,
		Insurance:  insurance,
		PaidAmount: i.paidAmount,
		BalanceDue: i.balanceDue,
		OccurredAt: timeNow().UTC(),
	})
}

// Cancel closes a draft or pending invoice.
func (i *Invoice) Cancel() error {
	if i.status != InvoiceStatusDraft && i.status != InvoiceStatusPending {
		return ierr.NewErrorf("cannot cancel invoice %s in status %s", i.invoiceNumber, i.status).
			WithHint("Only draft or pending invoices can be cancelled").
			Mark(ierr.ErrInvalidState)
	}
	i.transition(InvoiceStatusCancelled)
	return nil
}

// Refund reverses part or all of the paid amount. paidDate is kept as a
// record of when the invoice was first settled.
func (i *Invoice) Refund(amount Money) error {
	if i.status != InvoiceStatusPaid && i.status != InvoiceStatusPartiallyPaid {
		return ierr.NewErrorf("cannot refund invoice %s in status %s", i.invoiceNumber, i.status).
			WithHint("Only paid or partially paid invoices can be refunded").
			Mark(ierr.ErrInvalidState)
	}
	if err := i.requireCurrency(amount); err != nil {
		return err
	}
	if !amount.IsPositive() {
		return ierr.NewErrorf("refund amount must be positive, got %s", amount).
			WithHint("Refund amount must be greater than zero").
			Mark(ierr.ErrInvalidArgument)
	}
	if amount.Amount().GreaterThan(i.paidAmount.Amount()) {
		return ierr.NewErrorf("refund %s exceeds paid amount %s", amount, i.paidAmount).
			WithHintf("At most %s can be refunded", i.paidAmount).
			Mark(ierr.ErrInvalidArgument)
	}

	i.paidAmount = i.paidAmount.minus(amount)
	if i.paidAmount.IsZero() {
		i.transition(InvoiceStatusRefunded)
	} else {
		i.transition(InvoiceStatusPartiallyPaid)
	}
	i.record(InvoiceRefunded{
		InvoiceID:  i.id,
		Amount:     amount,
		PaidAmount: i.paidAmount,
		BalanceDue: i.balanceDue,
		OccurredAt: timeNow().UTC(),
	})
	return nil
}

// WriteOff closes the outstanding balance as uncollectable.
func (i *Invoice) WriteOff() error {
	if i.balanceDue.IsZero() {
		return ierr.NewErrorf("invoice %s has no balance to write off", i.invoiceNumber).
			WithHint("Only invoices with an outstanding balance can be written off").
			Mark(ierr.ErrInvalidState)
	}
	i.transition(InvoiceStatusWriteOff)
	return nil
}

// MarkOverdue flags a pending or partially paid invoice whose due date is
// before asOf. It reports whether the status changed.
func (i *Invoice) MarkOverdue(asOf time.Time) bool {
	if i.status != InvoiceStatusPending && i.status != InvoiceStatusPartiallyPaid {
		return false
	}
	if !i.dueDate.Before(dateOf(asOf)) {
		return false
	}
	i.transition(InvoiceStatusOverdue)
	return true
}

// AttachClaim stores the number of the insurance claim filed for this invoice.
func (i *Invoice) AttachClaim(claimNumber string) error {
	claimNumber = strings.TrimSpace(claimNumber)
	if claimNumber == "" {
		return ierr.NewError("claim number is required").
			WithHint("Provide the claim number to attach").
			Mark(ierr.ErrValidation)
	}
	i.insuranceClaimNumber = &claimNumber
	i.updatedAt = timeNow().UTC()
	return nil
}

// transition sets the status, recalculates totals and records the change.
func (i *Invoice) transition(to InvoiceStatus) {
	from := i.status
	i.status = to
	i.recalculateTotals()
	if from == to {
		return
	}
	i.record(InvoiceStatusChanged{
		InvoiceID:  i.id,
		From:       from,
		To:         to,
		BalanceDue: i.balanceDue,
		OccurredAt: timeNow().UTC(),
	})
}

// recalculateTotals derives subtotal, total and balance from items, discount,
// tax and payments. Balance is floored at zero and pinned to zero once the
// invoice is PAID or written off.
func (i *Invoice) recalculateTotals() {
	i.subtotal = lo.Reduce(i.items, func(acc Money, it *InvoiceItem, _ int) Money {
		return acc.plus(it.totalPrice)
	}, ZeroMoney(i.currency))
	i.totalAmount = i.subtotal.minus(i.discountAmount).plus(i.taxAmount)
	i.balanceDue = clampZero(i.totalAmount.minus(i.paidAmount))
	if i.status == InvoiceStatusPaid || i.status == InvoiceStatusWriteOff {
		i.balanceDue = ZeroMoney(i.currency)
	}
	i.updatedAt = timeNow().UTC()
}

type invoiceItemJSON struct {
	ID            uuid.UUID `json:"id"`
	Description   string    `json:"description"`
	ProcedureCode *string   `json:"procedure_code,omitempty"`
	Quantity      int       `json:"quantity"`
	UnitPrice     Money     `json:"unit_price"`
	TotalPrice    Money     `json:"total_price"`
}

type invoiceJSON struct {
	ID                   uuid.UUID         `json:"id"`
	InvoiceNumber        string            `json:"invoice_number"`
	PatientID            uuid.UUID         `json:"patient_id"`
	AppointmentID        *uuid.UUID        `json:"appointment_id,omitempty"`
	Currency             string            `json:"currency"`
	Items                []invoiceItemJSON `json:"items"`
	Subtotal             Money             `json:"subtotal"`
	TaxAmount            Money             `json:"tax_amount"`
	DiscountAmount       Money             `json:"discount_amount"`
	TotalAmount          Money             `json:"total_amount"`
	PaidAmount           Money             `json:"paid_amount"`
	BalanceDue           Money             `json:"balance_due"`
	InsuranceAmount      Money             `json:"insurance_amount"`
	InvoiceDate          string            `json:"invoice_date"`
	DueDate              string            `json:"due_date"`
	PaidDate             *string           `json:"paid_date,omitempty"`
	Status               InvoiceStatus     `json:"status"`
	InsuranceClaimNumber *string           `json:"insurance_claim_number,omitempty"`
	Notes                *string           `json:"notes,omitempty"`
	VersionID            int               `json:"version_id"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

const dateLayout = "2006-01-02"

func (i *Invoice) MarshalJSON() ([]byte, error) {
	var paidDate *string
	if i.paidDate != nil {
		paidDate = lo.ToPtr(i.paidDate.Format(dateLayout))
	}
	return json.Marshal(invoiceJSON{
		ID:            i.id,
		InvoiceNumber: i.invoiceNumber,
		PatientID:     i.patientID,
		AppointmentID: i.appointmentID,
		Currency:      i.currency,
		Items: lo.Map(i.items, func(it *InvoiceItem, _ int) invoiceItemJSON {
			return invoiceItemJSON{
				ID:            it.id,
				Description:   it.description,
				ProcedureCode: it.procedureCode,
				Quantity:      it.quantity,
				UnitPrice:     it.unitPrice,
				TotalPrice:    it.totalPrice,
			}
		}),
		Subtotal:             i.subtotal,
		TaxAmount:            i.taxAmount,
		DiscountAmount:       i.discountAmount,
		TotalAmount:          i.totalAmount,
		PaidAmount:           i.paidAmount,
		BalanceDue:           i.balanceDue,
		InsuranceAmount:      i.insuranceAmount,
		InvoiceDate:          i.invoiceDate.Format(dateLayout),
		DueDate:              i.dueDate.Format(dateLayout),
		PaidDate:             paidDate,
		Status:               i.status,
		InsuranceClaimNumber: i.insuranceClaimNumber,
		Notes:                i.notes,
		VersionID:            i.versionID,
		CreatedAt:            i.createdAt,
		UpdatedAt:            i.updatedAt,
	})
}
