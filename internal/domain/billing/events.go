package billing

import (
	"time"

	"github.com/google/uuid"

	"github.com/medpractice/billing/internal/platform/events"
)

// Event names as published on the event topic.
const (
	EventInvoiceFinalized      = "billing.invoice.finalized"
	EventInvoiceStatusChanged  = "billing.invoice.status_changed"
	EventInvoicePaymentApplied = "billing.invoice.payment_applied"
	EventInvoiceRefunded       = "billing.invoice.refunded"
	EventPaymentReceived       = "billing.payment.received"
	EventPaymentStatusChanged  = "billing.payment.status_changed"
	EventPaymentRefunded       = "billing.payment.refunded"
	EventClaimStatusChanged    = "billing.claim.status_changed"
)

// Event is a fact produced by an aggregate mutation. Aggregates only collect
// events; the service publishes them after the unit of work commits.
type Event = events.Event

type InvoiceFinalized struct {
	InvoiceID   uuid.UUID `json:"invoice_id"`
	TotalAmount Money     `json:"total_amount"`
	BalanceDue  Money     `json:"balance_due"`
	OccurredAt  time.Time `json:"occurred_at"`
}

func (e InvoiceFinalized) EventName() string      { return EventInvoiceFinalized }
func (e InvoiceFinalized) AggregateID() uuid.UUID { return e.InvoiceID }
func (e InvoiceFinalized) OccurredOn() time.Time  { return e.OccurredAt }

type InvoiceStatusChanged struct {
	InvoiceID  uuid.UUID     `json:"invoice_id"`
	From       InvoiceStatus `json:"from"`
	To         InvoiceStatus `json:"to"`
	BalanceDue Money         `json:"balance_due"`
	OccurredAt time.Time     `json:"occurred_at"`
}

func (e InvoiceStatusChanged) EventName() string      { return EventInvoiceStatusChanged }
func (e InvoiceStatusChanged) AggregateID() uuid.UUID { return e.InvoiceID }
func (e InvoiceStatusChanged) OccurredOn() time.Time  { return e.OccurredAt }

// InvoicePaymentApplied is raised for patient and insurance payments alike.
type InvoicePaymentApplied struct {
	InvoiceID  uuid.UUID `json:"invoice_id"`
	Amount     Money     `json:"amount"`
	Insurance  bool      `json:"insurance"`
	PaidAmount Money     `json:"paid_amount"`
	BalanceDue Money     `json:"balance_due"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (e InvoicePaymentApplied) EventName() string      { return EventInvoicePaymentApplied }
func (e InvoicePaymentApplied) AggregateID() uuid.UUID { return e.InvoiceID }
func (e InvoicePaymentApplied) OccurredOn() time.Time  { return e.OccurredAt }

type InvoiceRefunded struct {
	InvoiceID  uuid.UUID `json:"invoice_id"`
	Amount     Money     `json:"amount"`
	PaidAmount Money     `json:"paid_amount"`
	BalanceDue Money     `json:"balance_due"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (e InvoiceRefunded) EventName() string      { return EventInvoiceRefunded }
func (e InvoiceRefunded) AggregateID() uuid.UUID { return e.InvoiceID }
func (e InvoiceRefunded) OccurredOn() time.Time  { return e.OccurredAt }

type PaymentReceived struct {
	PaymentID       uuid.UUID     `json:"payment_id"`
	ReferenceNumber string        `json:"reference_number"`
	InvoiceID       uuid.UUID     `json:"invoice_id"`
	PatientID       uuid.UUID     `json:"patient_id"`
	Amount          Money         `json:"amount"`
	Method          PaymentMethod `json:"method"`
	OccurredAt      time.Time     `json:"occurred_at"`
}

func (e PaymentReceived) EventName() string      { return EventPaymentReceived }
func (e PaymentReceived) AggregateID() uuid.UUID { return e.PaymentID }
func (e PaymentReceived) OccurredOn() time.Time  { return e.OccurredAt }

type PaymentStatusChanged struct {
	PaymentID  uuid.UUID     `json:"payment_id"`
	From       PaymentStatus `json:"from"`
	To         PaymentStatus `json:"to"`
	Reason     string        `json:"reason,omitempty"`
	OccurredAt time.Time     `json:"occurred_at"`
}

func (e PaymentStatusChanged) EventName() string      { return EventPaymentStatusChanged }
func (e PaymentStatusChanged) AggregateID() uuid.UUID { return e.PaymentID }
func (e PaymentStatusChanged) OccurredOn() time.Time  { return e.OccurredAt }

type PaymentRefunded struct {
	PaymentID  uuid.UUID `json:"payment_id"`
	InvoiceID  uuid.UUID `json:"invoice_id"`
	Amount     Money     `json:"amount"`
	Full       bool      `json:"full"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (e PaymentRefunded) EventName() string      { return EventPaymentRefunded }
func (e PaymentRefunded) AggregateID() uuid.UUID { return e.PaymentID }
func (e PaymentRefunded) OccurredOn() time.Time  { return e.OccurredAt }

type ClaimStatusChanged struct {
	ClaimID    uuid.UUID   `json:"claim_id"`
	InvoiceID  uuid.UUID   `json:"invoice_id"`
	From       ClaimStatus `json:"from"`
	To         ClaimStatus `json:"to"`
	PaidAmount Money       `json:"paid_amount"`
	OccurredAt time.Time   `json:"occurred_at"`
}

func (e ClaimStatusChanged) EventName() string      { return EventClaimStatusChanged }
func (e ClaimStatusChanged) AggregateID() uuid.UUID { return e.ClaimID }
func (e ClaimStatusChanged) OccurredOn() time.Time  { return e.OccurredAt }

// eventLog is embedded by aggregates to collect pending events.
type eventLog struct {
	pending []Event
}

func (e *eventLog) record(ev Event) {
	e.pending = append(e.pending, ev)
}

// PullEvents returns the pending events and clears them.
func (e *eventLog) PullEvents() []Event {
	out := e.pending
	e.pending = nil
	return out
}
