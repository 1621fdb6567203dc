package billing

import (
	"time"

	"github.com/google/uuid"

	ierr "github.com/medpractice/billing/internal/errors"
	"github.com/medpractice/billing/internal/idempotency"
)

// ApplyInsurancePayment asks for a claim's paid amount to be reflected on its
// invoice. Amount is the claim's cumulative paid amount, not a delta.
type ApplyInsurancePayment struct {
	InvoiceID     uuid.UUID
	Amount        Money
	SourceClaimID uuid.UUID
}

// checkSource verifies the command against the claim it names: the claim must
// have been paid out, belong to the invoice, and carry exactly this amount.
func (cmd ApplyInsurancePayment) checkSource(c *Claim) error {
	switch c.Status() {
	case ClaimStatusApproved, ClaimStatusPartiallyApproved, ClaimStatusPaid:
	default:
		return ierr.NewErrorf("claim %s in status %s has no insurance payment to apply", c.ClaimNumber(), c.Status()).
			WithHint("Only approved, partially approved or paid claims can be applied to an invoice").
			Mark(ierr.ErrInvalidState)
	}
	if c.InvoiceID() != cmd.InvoiceID {
		return ierr.NewErrorf("claim %s belongs to invoice %s, not %s", c.ClaimNumber(), c.InvoiceID(), cmd.InvoiceID).
			WithHint("Apply the claim to the invoice it was submitted for").
			Mark(ierr.ErrInvalidArgument)
	}
	if !cmd.Amount.Equal(c.PaidAmount()) {
		return ierr.NewErrorf("amount %s does not match claim %s paid amount %s", cmd.Amount, c.ClaimNumber(), c.PaidAmount()).
			WithHintf("Claim %s was adjudicated to pay %s", c.ClaimNumber(), c.PaidAmount()).
			Mark(ierr.ErrInvalidArgument)
	}
	return nil
}

// LedgerEntry is one application of insurance money to an invoice.
type LedgerEntry struct {
	ID             uuid.UUID `json:"id"`
	ClaimID        uuid.UUID `json:"claim_id"`
	InvoiceID      uuid.UUID `json:"invoice_id"`
	Amount         Money     `json:"amount"`
	Cumulative     Money     `json:"cumulative"`
	IdempotencyKey string    `json:"idempotency_key"`
	CreatedAt      time.Time `json:"created_at"`
}

var keyGenerator = idempotency.NewGenerator()

// NewLedgerEntry builds the entry for applying delta so that claimID's applied
// total reaches cumulative. The key is derived from the claim and the
// cumulative total, so replaying the same adjudication collides.
func NewLedgerEntry(cmd ApplyInsurancePayment, delta Money) *LedgerEntry {
	return &LedgerEntry{
		ID:             uuid.New(),
		ClaimID:        cmd.SourceClaimID,
		InvoiceID:      cmd.InvoiceID,
		Amount:         delta,
		Cumulative:     cmd.Amount,
		IdempotencyKey: insurancePaymentKey(cmd.SourceClaimID, cmd.Amount),
		CreatedAt:      timeNow().UTC(),
	}
}

func insurancePaymentKey(claimID uuid.UUID, cumulative Money) string {
	return keyGenerator.GenerateKey(idempotency.ScopeInsurancePayment, map[string]any{
		"claim_id":   claimID.String(),
		"cumulative": cumulative.Amount().StringFixed(MoneyScale),
		"currency":   cumulative.Currency(),
	})
}
