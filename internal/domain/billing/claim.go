package billing

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	ierr "github.com/medpractice/billing/internal/errors"
)

type ClaimStatus string

const (
	ClaimStatusDraft             ClaimStatus = "DRAFT"
	ClaimStatusSubmitted         ClaimStatus = "SUBMITTED"
	ClaimStatusAcknowledged      ClaimStatus = "ACKNOWLEDGED"
	ClaimStatusInReview          ClaimStatus = "IN_REVIEW"
	ClaimStatusPendingInfo       ClaimStatus = "PENDING_INFO"
	ClaimStatusApproved          ClaimStatus = "APPROVED"
	ClaimStatusPartiallyApproved ClaimStatus = "PARTIALLY_APPROVED"
	ClaimStatusDenied            ClaimStatus = "DENIED"
	ClaimStatusAppealed          ClaimStatus = "APPEALED"
	ClaimStatusPaid              ClaimStatus = "PAID"
	ClaimStatusClosed            ClaimStatus = "CLOSED"
)

// CanAppeal reports whether a claim in this status may be appealed.
func (s ClaimStatus) CanAppeal() bool {
	return s == ClaimStatusDenied || s == ClaimStatusPartiallyApproved
}

// Claim is an insurance reimbursement request for exactly one invoice.
type Claim struct {
	eventLog

	id                    uuid.UUID
	claimNumber           string
	invoiceID             uuid.UUID
	patientID             uuid.UUID
	providerID            *uuid.UUID
	insuranceProvider     string
	policyNumber          string
	groupNumber           *string
	subscriberName        *string
	subscriberID          *string
	billedAmount          Money
	allowedAmount         *Money
	paidAmount            Money
	patientResponsibility *Money
	copayAmount           *Money
	deductibleAmount      *Money
	coinsuranceAmount     *Money
	status                ClaimStatus
	submittedAt           *time.Time
	processedAt           *time.Time
	serviceDate           time.Time
	denialCode            *string
	denialReason          *string
	adjudicationNotes     *string
	eobReference          *string
	versionID             int
	createdAt             time.Time
	updatedAt             time.Time
}

type NewClaimParams struct {
	ClaimNumber       string
	InvoiceID         uuid.UUID
	PatientID         uuid.UUID
	ProviderID        *uuid.UUID
	InsuranceProvider string
	PolicyNumber      string
	GroupNumber       *string
	SubscriberName    *string
	SubscriberID      *string
	BilledAmount      Money
	ServiceDate       time.Time
}

// NewClaim validates p and returns a DRAFT claim.
func NewClaim(p NewClaimParams) (*Claim, error) {
	var missing []string
	if strings.TrimSpace(p.ClaimNumber) == "" {
		missing = append(missing, "claim_number")
	}
	if p.InvoiceID == uuid.Nil {
		missing = append(missing, "invoice_id")
	}
	if p.PatientID == uuid.Nil {
		missing = append(missing, "patient_id")
	}
	if strings.TrimSpace(p.InsuranceProvider) == "" {
		missing = append(missing, "insurance_provider")
	}
	if strings.TrimSpace(p.PolicyNumber) == "" {
		missing = append(missing, "policy_number")
	}
	if p.ServiceDate.IsZero() {
		missing = append(missing, "service_date")
	}
	if len(missing) > 0 {
		return nil, ierr.NewErrorf("claim is missing required fields: %s", strings.Join(missing, ", ")).
			WithHint("Provide all required claim fields").
			WithReportableDetails(map[string]any{"missing": missing}).
			Mark(ierr.ErrValidation)
	}
	if p.BilledAmount.IsNegative() {
		return nil, ierr.NewError("billed amount cannot be negative").
			WithHint("Billed amount must be zero or greater").
			Mark(ierr.ErrInvalidArgument)
	}

	now := timeNow().UTC()
	return &Claim{
		id:                uuid.New(),
		claimNumber:       strings.TrimSpace(p.ClaimNumber),
		invoiceID:         p.InvoiceID,
		patientID:         p.PatientID,
		providerID:        p.ProviderID,
		insuranceProvider: strings.TrimSpace(p.InsuranceProvider),
		policyNumber:      strings.TrimSpace(p.PolicyNumber),
		groupNumber:       p.GroupNumber,
		subscriberName:    p.SubscriberName,
		subscriberID:      p.SubscriberID,
		billedAmount:      p.BilledAmount,
		paidAmount:        ZeroMoney(p.BilledAmount.Currency()),
		status:            ClaimStatusDraft,
		serviceDate:       dateOf(p.ServiceDate),
		versionID:         1,
		createdAt:         now,
		updatedAt:         now,
	}, nil
}

func (c *Claim) ID() uuid.UUID                 { return c.id }
func (c *Claim) ClaimNumber() string           { return c.claimNumber }
func (c *Claim) InvoiceID() uuid.UUID          { return c.invoiceID }
func (c *Claim) PatientID() uuid.UUID          { return c.patientID }
func (c *Claim) ProviderID() *uuid.UUID        { return c.providerID }
func (c *Claim) InsuranceProvider() string     { return c.insuranceProvider }
func (c *Claim) PolicyNumber() string          { return c.policyNumber }
func (c *Claim) GroupNumber() *string          { return c.groupNumber }
func (c *Claim) SubscriberName() *string       { return c.subscriberName }
func (c *Claim) SubscriberID() *string         { return c.subscriberID }
func (c *Claim) BilledAmount() Money           { return c.billedAmount }
func (c *Claim) AllowedAmount() *Money         { return c.allowedAmount }
func (c *Claim) PaidAmount() Money             { return c.paidAmount }
func (c *Claim) PatientResponsibility() *Money { return c.patientResponsibility }
func (c *Claim) CopayAmount() *Money           { return c.copayAmount }
func (c *Claim) DeductibleAmount() *Money      { return c.deductibleAmount }
func (c *Claim) CoinsuranceAmount() *Money     { return c.coinsuranceAmount }
func (c *Claim) Status() ClaimStatus           { return c.status }
func (c *Claim) SubmittedAt() *time.Time       { return c.submittedAt }
func (c *Claim) ProcessedAt() *time.Time       { return c.processedAt }
func (c *Claim) ServiceDate() time.Time        { return c.serviceDate }
func (c *Claim) DenialCode() *string           { return c.denialCode }
func (c *Claim) DenialReason() *string         { return c.denialReason }
func (c *Claim) AdjudicationNotes() *string    { return c.adjudicationNotes }
func (c *Claim) EOBReference() *string         { return c.eobReference }
func (c *Claim) CreatedAt() time.Time          { return c.createdAt }
func (c *Claim) UpdatedAt() time.Time          { return c.updatedAt }

func (c *Claim) GetVersionID() int  { return c.versionID }
func (c *Claim) SetVersionID(v int) { c.versionID = v }

func (c *Claim) invalidTransition(op string, allowed string) error {
	return ierr.NewErrorf("cannot %s claim %s in status %s", op, c.claimNumber, c.status).
		WithHintf("Claim must be %s", allowed).
		WithReportableDetails(map[string]any{"claim_id": c.id, "status": c.status}).
		Mark(ierr.ErrInvalidState)
}

func (c *Claim) Submit() error {
	if c.status != ClaimStatusDraft {
		return c.invalidTransition("submit", "in draft to be submitted")
	}
	now := timeNow().UTC()
	c.submittedAt = &now
	c.transition(ClaimStatusSubmitted)
	return nil
}

func (c *Claim) Acknowledge() error {
	if c.status != ClaimStatusSubmitted {
		return c.invalidTransition("acknowledge", "submitted to be acknowledged")
	}
	c.transition(ClaimStatusAcknowledged)
	return nil
}

func (c *Claim) MarkInReview() {
	c.transition(ClaimStatusInReview)
}

// RequestInfo moves the claim to PENDING_INFO with the payer's request notes.
func (c *Claim) RequestInfo(notes string) {
	c.adjudicationNotes = optionalString(notes)
	c.transition(ClaimStatusPendingInfo)
}

// Approve records a full approval.
func (c *Claim) Approve(allowed, paid, patientResponsibility Money) error {
	return c.adjudicate(ClaimStatusApproved, allowed, paid, patientResponsibility)
}

// PartiallyApprove records an approval for less than the billed amount.
func (c *Claim) PartiallyApprove(allowed, paid, patientResponsibility Money) error {
	return c.adjudicate(ClaimStatusPartiallyApproved, allowed, paid, patientResponsibility)
}

func (c *Claim) adjudicate(to ClaimStatus, allowed, paid, patientResponsibility Money) error {
	for _, m := range []Money{allowed, paid, patientResponsibility} {
		if err := c.billedAmount.sameCurrency(m, "adjudicate"); err != nil {
			return err
		}
		if m.IsNegative() {
			return ierr.NewErrorf("adjudicated amount %s is negative", m).
				WithHint("Adjudicated amounts must be zero or greater").
				Mark(ierr.ErrInvalidArgument)
		}
	}
	now := timeNow().UTC()
	c.allowedAmount = &allowed
	c.paidAmount = paid
	c.patientResponsibility = &patientResponsibility
	c.processedAt = &now
	c.transition(to)
	return nil
}

// Deny records a denial and clears any paid amount.
func (c *Claim) Deny(code, reason string) {
	now := timeNow().UTC()
	c.denialCode = optionalString(code)
	c.denialReason = optionalString(reason)
	c.paidAmount = ZeroMoney(c.billedAmount.Currency())
	c.processedAt = &now
	c.transition(ClaimStatusDenied)
}

func (c *Claim) Appeal(notes string) error {
	if !c.status.CanAppeal() {
		return c.invalidTransition("appeal", "denied or partially approved to be appealed")
	}
	c.adjudicationNotes = optionalString(notes)
	c.transition(ClaimStatusAppealed)
	return nil
}

// MarkPaid records the payer's remittance for an approved claim.
func (c *Claim) MarkPaid(eobReference string) error {
	if c.status != ClaimStatusApproved && c.status != ClaimStatusPartiallyApproved {
		return c.invalidTransition("mark paid", "approved or partially approved to be paid")
	}
	c.eobReference = optionalString(eobReference)
	c.transition(ClaimStatusPaid)
	return nil
}

func (c *Claim) Close() {
	c.transition(ClaimStatusClosed)
}

// RecordPatientBreakdown stores the patient's share split into copay,
// deductible and coinsurance. It is allowed in any status.
func (c *Claim) RecordPatientBreakdown(copay, deductible, coinsurance Money) error {
	for _, m := range []Money{copay, deductible, coinsurance} {
		if err := c.billedAmount.sameCurrency(m, "record breakdown for"); err != nil {
			return err
		}
		if m.IsNegative() {
			return ierr.NewErrorf("patient breakdown amount %s is negative", m).
				WithHint("Copay, deductible and coinsurance must be zero or greater").
				Mark(ierr.ErrInvalidArgument)
		}
	}
	total := copay.plus(deductible).plus(coinsurance)
	c.copayAmount = &copay
	c.deductibleAmount = &deductible
	c.coinsuranceAmount = &coinsurance
	c.patientResponsibility = &total
	c.updatedAt = timeNow().UTC()
	return nil
}

func (c *Claim) transition(to ClaimStatus) {
	from := c.status
	c.status = to
	c.updatedAt = timeNow().UTC()
	if from == to {
		return
	}
	c.record(ClaimStatusChanged{
		ClaimID:    c.id,
		InvoiceID:  c.invoiceID,
		From:       from,
		To:         to,
		PaidAmount: c.paidAmount,
		OccurredAt: c.updatedAt,
	})
}

func optionalString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

type claimJSON struct {
	ID                    uuid.UUID   `json:"id"`
	ClaimNumber           string      `json:"claim_number"`
	InvoiceID             uuid.UUID   `json:"invoice_id"`
	PatientID             uuid.UUID   `json:"patient_id"`
	ProviderID            *uuid.UUID  `json:"provider_id,omitempty"`
	InsuranceProvider     string      `json:"insurance_provider"`
	PolicyNumber          string      `json:"policy_number"`
	GroupNumber           *string     `json:"group_number,omitempty"`
	SubscriberName        *string     `json:"subscriber_name,omitempty"`
	SubscriberID          *string     `json:"subscriber_id,omitempty"`
	BilledAmount          Money       `json:"billed_amount"`
	AllowedAmount         *Money      `json:"allowed_amount,omitempty"`
	PaidAmount            Money       `json:"paid_amount"`
	PatientResponsibility *Money      `json:"patient_responsibility,omitempty"`
	CopayAmount           *Money      `json:"copay_amount,omitempty"`
	DeductibleAmount      *Money      `json:"deductible_amount,omitempty"`
	CoinsuranceAmount     *Money      `json:"coinsurance_amount,omitempty"`
	Status                ClaimStatus `json:"status"`
	SubmittedAt           *time.Time  `json:"submitted_at,omitempty"`
	ProcessedAt           *time.Time  `json:"processed_at,omitempty"`
	ServiceDate           string      `json:"service_date"`
	DenialCode            *string     `json:"denial_code,omitempty"`
	DenialReason          *string     `json:"denial_reason,omitempty"`
	AdjudicationNotes     *string     `json:"adjudication_notes,omitempty"`
	EOBReference          *string     `json:"eob_reference,omitempty"`
	VersionID             int         `json:"version_id"`
	CreatedAt             time.Time   `json:"created_at"`
	UpdatedAt             time.Time   `json:"updated_at"`
}

func (c *Claim) MarshalJSON() ([]byte, error) {
	return json.Marshal(claimJSON{
		ID:                    c.id,
		ClaimNumber:           c.claimNumber,
		InvoiceID:             c.invoiceID,
		PatientID:             c.patientID,
		ProviderID:            c.providerID,
		InsuranceProvider:     c.insuranceProvider,
		PolicyNumber:          c.policyNumber,
		GroupNumber:           c.groupNumber,
		SubscriberName:        c.subscriberName,
		SubscriberID:          c.subscriberID,
		BilledAmount:          c.billedAmount,
		AllowedAmount:         c.allowedAmount,
		PaidAmount:            c.paidAmount,
		PatientResponsibility: c.patientResponsibility,
		CopayAmount:           c.copayAmount,
		DeductibleAmount:      c.deductibleAmount,
		CoinsuranceAmount:     c.coinsuranceAmount,
		Status:                c.status,
		SubmittedAt:           c.submittedAt,
		ProcessedAt:           c.processedAt,
		ServiceDate:           c.serviceDate.Format(dateLayout),
		DenialCode:            c.denialCode,
		DenialReason:          c.denialReason,
		AdjudicationNotes:     c.adjudicationNotes,
		EOBReference:          c.eobReference,
		VersionID:             c.versionID,
		CreatedAt:             c.createdAt,
		UpdatedAt:             c.updatedAt,
	})
}
