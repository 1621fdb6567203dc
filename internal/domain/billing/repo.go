package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repositories return ierr.ErrNotFound for unknown ids and
// ierr.ErrVersionConflict when an Update loses an optimistic-lock race.
// A successful Update bumps the aggregate's version id.

type InvoiceRepository interface {
	Create(ctx context.Context, inv *Invoice) error
	GetByID(ctx context.Context, id uuid.UUID) (*Invoice, error)
	GetByNumber(ctx context.Context, number string) (*Invoice, error)
	// Update persists header fields and replaces the item set.
	Update(ctx context.Context, inv *Invoice) error
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Invoice, int, error)
	// ListOverdueCandidates returns PENDING and PARTIALLY_PAID invoices due before asOf.
	ListOverdueCandidates(ctx context.Context, asOf time.Time, limit int) ([]*Invoice, error)
}

type PaymentRepository interface {
	Create(ctx context.Context, p *Payment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Payment, error)
	Update(ctx context.Context, p *Payment) error
	ListByInvoice(ctx context.Context, invoiceID uuid.UUID, limit, offset int) ([]*Payment, int, error)
}

type ClaimRepository interface {
	Create(ctx context.Context, c *Claim) error
	GetByID(ctx context.Context, id uuid.UUID) (*Claim, error)
	// GetByInvoiceID returns ierr.ErrNotFound when the invoice has no claim.
	GetByInvoiceID(ctx context.Context, invoiceID uuid.UUID) (*Claim, error)
	Update(ctx context.Context, c *Claim) error
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Claim, int, error)
}

// InsuranceLedger tracks how much of each claim's paid amount has already
// been applied to its invoice.
type InsuranceLedger interface {
	// AppliedAmount returns the cumulative amount applied for claimID, zero
	// in currency when nothing has been applied yet.
	AppliedAmount(ctx context.Context, claimID uuid.UUID, currency string) (Money, error)
	// Record stores entry. A duplicate idempotency key yields ierr.ErrVersionConflict.
	Record(ctx context.Context, entry *LedgerEntry) error
}
