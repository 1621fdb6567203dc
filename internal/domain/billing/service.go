package billing

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	ierr "github.com/medpractice/billing/internal/errors"
	"github.com/medpractice/billing/internal/platform/db"
	"github.com/medpractice/billing/internal/platform/events"
	"github.com/medpractice/billing/internal/platform/refgen"
)

// defaultOverdueBatchSize bounds how many invoices one sweep batch loads.
const defaultOverdueBatchSize = 500

// Options tune the service's business defaults and retry behaviour.
type Options struct {
	DefaultCurrency string
	InvoiceDueDays  int
	// LedgerEnabled makes insurance application idempotent per claim. When
	// false every adjudication applies the full paid amount again.
	LedgerEnabled        bool
	MaxConflictRetries   int
	RetryInitialInterval time.Duration
	OverdueBatchSize     int
}

func DefaultOptions() Options {
	return Options{
		DefaultCurrency:      "USD",
		InvoiceDueDays:       DefaultInvoiceDueDays,
		LedgerEnabled:        true,
		MaxConflictRetries:   3,
		RetryInitialInterval: 50 * time.Millisecond,
		OverdueBatchSize:     defaultOverdueBatchSize,
	}
}

// Deps are the collaborators of the service.
type Deps struct {
	Invoices  InvoiceRepository
	Payments  PaymentRepository
	Claims    ClaimRepository
	Ledger    InsuranceLedger
	Tx        db.TxManager
	Publisher events.Publisher
	Refs      refgen.Set
	Logger    zerolog.Logger
}

// Service orchestrates invoices, payments and claims. Every command runs as
// one unit of work: load, mutate, persist, then publish the collected events
// once the transaction has committed.
type Service struct {
	invoices  InvoiceRepository
	payments  PaymentRepository
	claims    ClaimRepository
	ledger    InsuranceLedger
	tx        db.TxManager
	publisher events.Publisher
	refs      refgen.Set
	logger    zerolog.Logger
	opts      Options
}

func NewService(d Deps, opts Options) *Service {
	if opts.DefaultCurrency == "" {
		opts.DefaultCurrency = "USD"
	}
	if opts.InvoiceDueDays <= 0 {
		opts.InvoiceDueDays = DefaultInvoiceDueDays
	}
	if opts.RetryInitialInterval <= 0 {
		opts.RetryInitialInterval = 50 * time.Millisecond
	}
	if opts.OverdueBatchSize <= 0 {
		opts.OverdueBatchSize = defaultOverdueBatchSize
	}
	return &Service{
		invoices:  d.Invoices,
		payments:  d.Payments,
		claims:    d.Claims,
		ledger:    d.Ledger,
		tx:        d.Tx,
		publisher: d.Publisher,
		refs:      d.Refs,
		logger:    d.Logger.With().Str("component", "billing").Logger(),
		opts:      opts,
	}
}

// unitOfWork collects the events of the aggregates a command persisted.
type unitOfWork struct {
	events []Event
}

func (u *unitOfWork) collect(aggs ...interface{ PullEvents() []Event }) {
	for _, a := range aggs {
		u.events = append(u.events, a.PullEvents()...)
	}
}

// run executes fn in a transaction. Version conflicts restart the whole unit
// of work with exponential backoff; every other error aborts immediately.
func (s *Service) run(ctx context.Context, op string, fn func(ctx context.Context, uow *unitOfWork) error) error {
	var committed []Event
	attempt := 0
	operation := func() error {
		attempt++
		uow := &unitOfWork{}
		err := s.tx.WithinTx(ctx, func(ctx context.Context) error { return fn(ctx, uow) })
		if err == nil {
			committed = uow.events
			return nil
		}
		if ierr.IsVersionConflict(err) {
			s.logger.Warn().Err(err).Str("op", op).Int("attempt", attempt).Msg("version conflict, retrying")
			return err
		}
		return backoff.Permanent(err)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.opts.RetryInitialInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(max(s.opts.MaxConflictRetries, 0))), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		if ierr.IsVersionConflict(err) {
			s.logger.Error().Err(err).Str("op", op).Int("attempts", attempt).Msg("giving up after version conflicts")
		}
		return err
	}

	s.publish(ctx, committed)
	return nil
}

// publish delivers events after commit. Delivery failures are logged and do
// not undo the committed change.
func (s *Service) publish(ctx context.Context, evs []Event) {
	if s.publisher == nil {
		return
	}
	for _, e := range evs {
		if err := s.publisher.Publish(ctx, e); err != nil {
			s.logger.Error().Err(err).
				Str("event", e.EventName()).
				Str("aggregate_id", e.AggregateID().String()).
				Msg("failed to publish event")
		}
	}
}

// =========== Invoices ===========

type CreateInvoiceInput struct {
	PatientID     uuid.UUID
	AppointmentID *uuid.UUID
	Currency      string
	InvoiceDate   time.Time
	DueDate       time.Time
	Notes         *string
	Items         []NewItemParams
}

func (s *Service) CreateInvoice(ctx context.Context, in CreateInvoiceInput) (*Invoice, error) {
	currency := in.Currency
	if currency == "" {
		currency = s.opts.DefaultCurrency
	}
	invoiceDate := in.InvoiceDate
	if invoiceDate.IsZero() {
		invoiceDate = today()
	}
	dueDate := in.DueDate
	if dueDate.IsZero() {
		dueDate = dateOf(invoiceDate).AddDate(0, 0, s.opts.InvoiceDueDays)
	}

	var inv *Invoice
	err := s.run(ctx, "create_invoice", func(ctx context.Context, uow *unitOfWork) error {
		var err error
		inv, err = NewInvoice(NewInvoiceParams{
			InvoiceNumber: s.refs.Invoice.Generate(),
			PatientID:     in.PatientID,
			AppointmentID: in.AppointmentID,
			Currency:      currency,
			InvoiceDate:   invoiceDate,
			DueDate:       dueDate,
			Notes:         in.Notes,
		})
		if err != nil {
			return err
		}
		for _, item := range in.Items {
			if _, err := inv.AddItem(item); err != nil {
				return err
			}
		}
		if err := s.invoices.Create(ctx, inv); err != nil {
			return err
		}
		uow.collect(inv)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("invoice_id", inv.ID().String()).
		Str("invoice_number", inv.InvoiceNumber()).
		Str("total", inv.TotalAmount().String()).
		Msg("invoice created")
	return inv, nil
}

// mutateInvoice loads an invoice, applies fn and persists the result.
func (s *Service) mutateInvoice(ctx context.Context, op string, id uuid.UUID, fn func(inv *Invoice) error) (*Invoice, error) {
	var inv *Invoice
	err := s.run(ctx, op, func(ctx context.Context, uow *unitOfWork) error {
		var err error
		if inv, err = s.invoices.GetByID(ctx, id); err != nil {
			return err
		}
		from := inv.Status()
		if err := fn(inv); err != nil {
			return err
		}
		if err := s.invoices.Update(ctx, inv); err != nil {
			return err
		}
		if from != inv.Status() {
			s.logger.Info().
				Str("invoice_id", id.String()).
				Str("from", string(from)).
				Str("to", string(inv.Status())).
				Str("balance_due", inv.BalanceDue().String()).
				Msg("invoice status changed")
		}
		uow.collect(inv)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

func (s *Service) AddInvoiceItem(ctx context.Context, invoiceID uuid.UUID, item NewItemParams) (*Invoice, error) {
	return s.mutateInvoice(ctx, "add_invoice_item", invoiceID, func(inv *Invoice) error {
		_, err := inv.AddItem(item)
		return err
	})
}

func (s *Service) RemoveInvoiceItem(ctx context.Context, invoiceID, itemID uuid.UUID) (*Invoice, error) {
	return s.mutateInvoice(ctx, "remove_invoice_item", invoiceID, func(inv *Invoice) error {
		return inv.RemoveItem(itemID)
	})
}

func (s *Service) ApplyDiscount(ctx context.Context, invoiceID uuid.UUID, amount Money) (*Invoice, error) {
	return s.mutateInvoice(ctx, "apply_discount", invoiceID, func(inv *Invoice) error {
		return inv.ApplyDiscount(amount)
	})
}

func (s *Service) ApplyPercentageDiscount(ctx context.Context, invoiceID uuid.UUID, percent decimal.Decimal) (*Invoice, error) {
	return s.mutateInvoice(ctx, "apply_percentage_discount", invoiceID, func(inv *Invoice) error {
		return inv.ApplyPercentageDiscount(percent)
	})
}

func (s *Service) ApplyTax(ctx context.Context, invoiceID uuid.UUID, rate decimal.Decimal) (*Invoice, error) {
	return s.mutateInvoice(ctx, "apply_tax", invoiceID, func(inv *Invoice) error {
		return inv.ApplyTax(rate)
	})
}

func (s *Service) FinalizeInvoice(ctx context.Context, invoiceID uuid.UUID) (*Invoice, error) {
	return s.mutateInvoice(ctx, "finalize_invoice", invoiceID, func(inv *Invoice) error {
		return inv.Finalize()
	})
}

func (s *Service) CancelInvoice(ctx context.Context, invoiceID uuid.UUID) (*Invoice, error) {
	return s.mutateInvoice(ctx, "cancel_invoice", invoiceID, func(inv *Invoice) error {
		return inv.Cancel()
	})
}

func (s *Service) WriteOffInvoice(ctx context.Context, invoiceID uuid.UUID) (*Invoice, error) {
	return s.mutateInvoice(ctx, "write_off_invoice", invoiceID, func(inv *Invoice) error {
		return inv.WriteOff()
	})
}

// MarkInvoiceOverdue flags one invoice if it is past due as of asOf. The
// returned bool reports whether its status changed.
func (s *Service) MarkInvoiceOverdue(ctx context.Context, invoiceID uuid.UUID, asOf time.Time) (*Invoice, bool, error) {
	var (
		inv     *Invoice
		changed bool
	)
	err := s.run(ctx, "mark_invoice_overdue", func(ctx context.Context, uow *unitOfWork) error {
		var err error
		if inv, err = s.invoices.GetByID(ctx, invoiceID); err != nil {
			return err
		}
		if changed = inv.MarkOverdue(asOf); !changed {
			return nil
		}
		if err := s.invoices.Update(ctx, inv); err != nil {
			return err
		}
		uow.collect(inv)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return inv, changed, nil
}

// MarkOverdueInvoices sweeps pending and partially paid invoices due before
// asOf, batch by batch until none are left. Failures on individual invoices
// are combined and do not stop the sweep. An invoice is tried at most once;
// ones that failed stay eligible, so each listing is widened to look past them.
func (s *Service) MarkOverdueInvoices(ctx context.Context, asOf time.Time) (int, error) {
	var (
		marked, failed, batches int
		errs                    error
		seen                    = map[uuid.UUID]struct{}{}
	)
	for {
		limit := s.opts.OverdueBatchSize + len(seen)
		candidates, err := s.invoices.ListOverdueCandidates(ctx, asOf, limit)
		if err != nil {
			return marked, errors.CombineErrors(errs, err)
		}
		batches++

		fresh := 0
		for _, c := range candidates {
			if _, ok := seen[c.ID()]; ok {
				continue
			}
			if ctx.Err() != nil {
				return marked, errors.CombineErrors(errs, ctx.Err())
			}
			seen[c.ID()] = struct{}{}
			fresh++
			_, changed, err := s.MarkInvoiceOverdue(ctx, c.ID(), asOf)
			if err != nil {
				s.logger.Error().Err(err).Str("invoice_id", c.ID().String()).Msg("failed to mark invoice overdue")
				errs = errors.CombineErrors(errs, errors.Wrapf(err, "invoice %s", c.InvoiceNumber()))
				failed++
				continue
			}
			if changed {
				marked++
			}
		}
		if fresh == 0 || len(candidates) < limit {
			break
		}
	}
	s.logger.Info().
		Time("as_of", dateOf(asOf)).
		Int("batches", batches).
		Int("candidates", len(seen)).
		Int("marked", marked).
		Int("failed", failed).
		Msg("overdue sweep finished")
	return marked, errs
}

func (s *Service) GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return s.invoices.GetByID(ctx, id)
}

func (s *Service) GetInvoiceByNumber(ctx context.Context, number string) (*Invoice, error) {
	return s.invoices.GetByNumber(ctx, number)
}

func (s *Service) ListInvoicesByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Invoice, int, error) {
	return s.invoices.ListByPatient(ctx, patientID, limit, offset)
}

// =========== Payments ===========

type PaymentInput struct {
	InvoiceID         uuid.UUID
	Amount            Money
	Method            PaymentMethod
	TransactionID     string
	AuthorizationCode string
	CardLastFour      *string
	PaymentDate       time.Time
}

// PaymentResult pairs a payment with the invoice it affected.
type PaymentResult struct {
	Payment *Payment `json:"payment"`
	Invoice *Invoice `json:"invoice"`
}

func (s *Service) newPayment(inv *Invoice, in PaymentInput) (*Payment, error) {
	if err := inv.checkPayable(in.Amount); err != nil {
		return nil, err
	}
	return NewPayment(NewPaymentParams{
		ReferenceNumber: s.refs.Payment.Generate(),
		InvoiceID:       inv.ID(),
		PatientID:       inv.PatientID(),
		Amount:          in.Amount,
		Method:          in.Method,
		CardLastFour:    in.CardLastFour,
		PaymentDate:     in.PaymentDate,
	})
}

// RecordPayment captures a payment and applies it to its invoice in one step.
func (s *Service) RecordPayment(ctx context.Context, in PaymentInput) (*PaymentResult, error) {
	var res PaymentResult
	err := s.run(ctx, "record_payment", func(ctx context.Context, uow *unitOfWork) error {
		inv, err := s.invoices.GetByID(ctx, in.InvoiceID)
		if err != nil {
			return err
		}
		p, err := s.newPayment(inv, in)
		if err != nil {
			return err
		}
		if err := p.MarkProcessing(); err != nil {
			return err
		}
		if err := inv.RecordPayment(p.Amount()); err != nil {
			return err
		}
		p.Complete(in.TransactionID, in.AuthorizationCode)

		if err := s.payments.Create(ctx, p); err != nil {
			return err
		}
		if err := s.invoices.Update(ctx, inv); err != nil {
			return err
		}
		uow.collect(p, inv)
		res = PaymentResult{Payment: p, Invoice: inv}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("payment_id", res.Payment.ID().String()).
		Str("invoice_id", res.Invoice.ID().String()).
		Str("amount", res.Payment.Amount().String()).
		Str("invoice_status", string(res.Invoice.Status())).
		Str("balance_due", res.Invoice.BalanceDue().String()).
		Msg("payment recorded")
	return &res, nil
}

// InitiatePayment registers a PENDING payment, e.g. a card authorisation that
// settles later through CompletePayment. The invoice is not changed yet.
func (s *Service) InitiatePayment(ctx context.Context, in PaymentInput) (*Payment, error) {
	var p *Payment
	err := s.run(ctx, "initiate_payment", func(ctx context.Context, uow *unitOfWork) error {
		inv, err := s.invoices.GetByID(ctx, in.InvoiceID)
		if err != nil {
			return err
		}
		if p, err = s.newPayment(inv, in); err != nil {
			return err
		}
		if err := s.payments.Create(ctx, p); err != nil {
			return err
		}
		uow.collect(p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ProcessPayment moves a pending payment to PROCESSING.
func (s *Service) ProcessPayment(ctx context.Context, paymentID uuid.UUID) (*Payment, error) {
	return s.mutatePayment(ctx, "process_payment", paymentID, func(p *Payment) error {
		return p.MarkProcessing()
	})
}

// CompletePayment settles a pending or processing payment and applies it to
// the invoice. Settled payments are immutable, so completing one again fails.
func (s *Service) CompletePayment(ctx context.Context, paymentID uuid.UUID, transactionID, authorizationCode string) (*PaymentResult, error) {
	var res PaymentResult
	err := s.run(ctx, "complete_payment", func(ctx context.Context, uow *unitOfWork) error {
		p, err := s.payments.GetByID(ctx, paymentID)
		if err != nil {
			return err
		}
		if p.Status() != PaymentStatusPending && p.Status() != PaymentStatusProcessing {
			return ierr.NewErrorf("cannot complete payment %s in status %s", p.ReferenceNumber(), p.Status()).
				WithHint("Only pending or processing payments can be completed").
				Mark(ierr.ErrInvalidState)
		}
		inv, err := s.invoices.GetByID(ctx, p.InvoiceID())
		if err != nil {
			return err
		}
		if p.Status() == PaymentStatusPending {
			if err := p.MarkProcessing(); err != nil {
				return err
			}
		}
		if err := inv.RecordPayment(p.Amount()); err != nil {
			return err
		}
		p.Complete(transactionID, authorizationCode)

		if err := s.payments.Update(ctx, p); err != nil {
			return err
		}
		if err := s.invoices.Update(ctx, inv); err != nil {
			return err
		}
		uow.collect(p, inv)
		res = PaymentResult{Payment: p, Invoice: inv}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *Service) mutatePayment(ctx context.Context, op string, id uuid.UUID, fn func(p *Payment) error) (*Payment, error) {
	var p *Payment
	err := s.run(ctx, op, func(ctx context.Context, uow *unitOfWork) error {
		var err error
		if p, err = s.payments.GetByID(ctx, id); err != nil {
			return err
		}
		if err := fn(p); err != nil {
			return err
		}
		if err := s.payments.Update(ctx, p); err != nil {
			return err
		}
		uow.collect(p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("payment_id", id.String()).Str("status", string(p.Status())).Msg("payment updated")
	return p, nil
}

// FailPayment records a gateway failure. Completed and refunded payments
// already moved money and cannot fail afterwards.
func (s *Service) FailPayment(ctx context.Context, paymentID uuid.UUID, reason string) (*Payment, error) {
	return s.mutatePayment(ctx, "fail_payment", paymentID, func(p *Payment) error {
		if p.Status() == PaymentStatusCompleted || p.Status() == PaymentStatusRefunded {
			return ierr.NewErrorf("cannot fail payment %s in status %s", p.ReferenceNumber(), p.Status()).
				WithHint("Settled payments must be refunded instead").
				Mark(ierr.ErrInvalidState)
		}
		p.Fail(reason)
		return nil
	})
}

func (s *Service) CancelPayment(ctx context.Context, paymentID uuid.UUID) (*Payment, error) {
	return s.mutatePayment(ctx, "cancel_payment", paymentID, func(p *Payment) error {
		return p.Cancel()
	})
}

// RefundPayment refunds amount of a completed payment and reverses the same
// amount on its invoice.
func (s *Service) RefundPayment(ctx context.Context, paymentID uuid.UUID, amount Money) (*PaymentResult, error) {
	var res PaymentResult
	err := s.run(ctx, "refund_payment", func(ctx context.Context, uow *unitOfWork) error {
		p, err := s.payments.GetByID(ctx, paymentID)
		if err != nil {
			return err
		}
		inv, err := s.invoices.GetByID(ctx, p.InvoiceID())
		if err != nil {
			return err
		}
		if err := checkRefundable(p, amount); err != nil {
			return err
		}
		if err := p.Refund(amount); err != nil {
			return err
		}
		if err := inv.Refund(amount); err != nil {
			return err
		}
		if err := s.payments.Update(ctx, p); err != nil {
			return err
		}
		if err := s.invoices.Update(ctx, inv); err != nil {
			return err
		}
		uow.collect(p, inv)
		res = PaymentResult{Payment: p, Invoice: inv}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("payment_id", paymentID.String()).
		Str("invoice_id", res.Invoice.ID().String()).
		Str("amount", amount.String()).
		Str("payment_status", string(res.Payment.Status())).
		Str("invoice_status", string(res.Invoice.Status())).
		Msg("payment refunded")
	return &res, nil
}

// checkRefundable bounds the sum of all refunds against a payment by the
// payment amount. The aggregate itself only compares each refund to the amount.
func checkRefundable(p *Payment, amount Money) error {
	remaining := clampZero(p.Amount().minus(p.RefundedTotal()))
	over, err := amount.IsGreaterThan(remaining)
	if err != nil {
		return err
	}
	if over {
		return ierr.NewErrorf("refund %s exceeds remaining refundable %s on payment %s",
			amount, remaining, p.ReferenceNumber()).
			WithHintf("%s of %s has already been refunded", p.RefundedTotal(), p.Amount()).
			Mark(ierr.ErrInvalidArgument)
	}
	return nil
}

func (s *Service) GetPayment(ctx context.Context, id uuid.UUID) (*Payment, error) {
	return s.payments.GetByID(ctx, id)
}

func (s *Service) ListPaymentsByInvoice(ctx context.Context, invoiceID uuid.UUID, limit, offset int) ([]*Payment, int, error) {
	return s.payments.ListByInvoice(ctx, invoiceID, limit, offset)
}

// =========== Claims ===========

type SubmitClaimInput struct {
	InvoiceID         uuid.UUID
	ProviderID        *uuid.UUID
	InsuranceProvider string
	PolicyNumber      string
	GroupNumber       *string
	SubscriberName    *string
	SubscriberID      *string
	// BilledAmount defaults to the invoice total.
	BilledAmount *Money
	// ServiceDate defaults to the invoice date.
	ServiceDate time.Time
}

// SubmitClaim files the single insurance claim an invoice may have.
func (s *Service) SubmitClaim(ctx context.Context, in SubmitClaimInput) (*Claim, error) {
	var c *Claim
	err := s.run(ctx, "submit_claim", func(ctx context.Context, uow *unitOfWork) error {
		inv, err := s.invoices.GetByID(ctx, in.InvoiceID)
		if err != nil {
			return err
		}
		existing, err := s.claims.GetByInvoiceID(ctx, in.InvoiceID)
		switch {
		case err == nil:
			return ierr.NewErrorf("invoice %s already has claim %s", inv.InvoiceNumber(), existing.ClaimNumber()).
				WithHint("Only one insurance claim can be submitted per invoice").
				WithReportableDetails(map[string]any{"invoice_id": inv.ID(), "claim_id": existing.ID()}).
				Mark(ierr.ErrDuplicateClaim)
		case !ierr.IsNotFound(err):
			return err
		}

		billed := inv.TotalAmount()
		if in.BilledAmount != nil {
			billed = *in.BilledAmount
		}
		if err := inv.requireCurrency(billed); err != nil {
			return err
		}
		serviceDate := in.ServiceDate
		if serviceDate.IsZero() {
			serviceDate = inv.InvoiceDate()
		}

		c, err = NewClaim(NewClaimParams{
			ClaimNumber:       s.refs.Claim.Generate(),
			InvoiceID:         inv.ID(),
			PatientID:         inv.PatientID(),
			ProviderID:        in.ProviderID,
			InsuranceProvider: in.InsuranceProvider,
			PolicyNumber:      in.PolicyNumber,
			GroupNumber:       in.GroupNumber,
			SubscriberName:    in.SubscriberName,
			SubscriberID:      in.SubscriberID,
			BilledAmount:      billed,
			ServiceDate:       serviceDate,
		})
		if err != nil {
			return err
		}
		if err := c.Submit(); err != nil {
			return err
		}
		if err := inv.AttachClaim(c.ClaimNumber()); err != nil {
			return err
		}
		if err := s.claims.Create(ctx, c); err != nil {
			return err
		}
		if err := s.invoices.Update(ctx, inv); err != nil {
			return err
		}
		uow.collect(c, inv)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("claim_id", c.ID().String()).
		Str("claim_number", c.ClaimNumber()).
		Str("invoice_id", c.InvoiceID().String()).
		Str("billed", c.BilledAmount().String()).
		Msg("claim submitted")
	return c, nil
}

func (s *Service) mutateClaim(ctx context.Context, op string, id uuid.UUID, fn func(c *Claim) error) (*Claim, error) {
	var c *Claim
	err := s.run(ctx, op, func(ctx context.Context, uow *unitOfWork) error {
		var err error
		if c, err = s.claims.GetByID(ctx, id); err != nil {
			return err
		}
		from := c.Status()
		if err := fn(c); err != nil {
			return err
		}
		if err := s.claims.Update(ctx, c); err != nil {
			return err
		}
		s.logClaimTransition(c, from)
		uow.collect(c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Service) logClaimTransition(c *Claim, from ClaimStatus) {
	if from == c.Status() {
		return
	}
	s.logger.Info().
		Str("claim_id", c.ID().String()).
		Str("from", string(from)).
		Str("to", string(c.Status())).
		Str("paid", c.PaidAmount().String()).
		Msg("claim status changed")
}

func (s *Service) AcknowledgeClaim(ctx context.Context, id uuid.UUID) (*Claim, error) {
	return s.mutateClaim(ctx, "acknowledge_claim", id, func(c *Claim) error { return c.Acknowledge() })
}

func (s *Service) MarkClaimInReview(ctx context.Context, id uuid.UUID) (*Claim, error) {
	return s.mutateClaim(ctx, "review_claim", id, func(c *Claim) error {
		c.MarkInReview()
		return nil
	})
}

func (s *Service) RequestClaimInfo(ctx context.Context, id uuid.UUID, notes string) (*Claim, error) {
	return s.mutateClaim(ctx, "request_claim_info", id, func(c *Claim) error {
		c.RequestInfo(notes)
		return nil
	})
}

func (s *Service) AppealClaim(ctx context.Context, id uuid.UUID, notes string) (*Claim, error) {
	return s.mutateClaim(ctx, "appeal_claim", id, func(c *Claim) error { return c.Appeal(notes) })
}

func (s *Service) MarkClaimPaid(ctx context.Context, id uuid.UUID, eobReference string) (*Claim, error) {
	return s.mutateClaim(ctx, "mark_claim_paid", id, func(c *Claim) error { return c.MarkPaid(eobReference) })
}

func (s *Service) CloseClaim(ctx context.Context, id uuid.UUID) (*Claim, error) {
	return s.mutateClaim(ctx, "close_claim", id, func(c *Claim) error {
		c.Close()
		return nil
	})
}

func (s *Service) RecordPatientBreakdown(ctx context.Context, id uuid.UUID, copay, deductible, coinsurance Money) (*Claim, error) {
	return s.mutateClaim(ctx, "record_patient_breakdown", id, func(c *Claim) error {
		return c.RecordPatientBreakdown(copay, deductible, coinsurance)
	})
}

type Decision string

const (
	DecisionApprove        Decision = "APPROVE"
	DecisionPartialApprove Decision = "PARTIALLY_APPROVE"
	DecisionDeny           Decision = "DENY"
)

// Adjudication is the payer's decision on a claim. Amounts are ignored for a
// denial; the denial fields are ignored otherwise.
type Adjudication struct {
	Decision              Decision
	AllowedAmount         Money
	PaidAmount            Money
	PatientResponsibility Money
	DenialCode            string
	DenialReason          string
}

// ClaimResult pairs a claim with its invoice after adjudication.
type ClaimResult struct {
	Claim   *Claim   `json:"claim"`
	Invoice *Invoice `json:"invoice,omitempty"`
}

// AdjudicateClaim records the payer decision. A positive paid amount on an
// approval is applied to the invoice in the same unit of work.
func (s *Service) AdjudicateClaim(ctx context.Context, id uuid.UUID, adj Adjudication) (*ClaimResult, error) {
	var res ClaimResult
	err := s.run(ctx, "adjudicate_claim", func(ctx context.Context, uow *unitOfWork) error {
		c, err := s.claims.GetByID(ctx, id)
		if err != nil {
			return err
		}
		from := c.Status()
		switch adj.Decision {
		case DecisionApprove:
			err = c.Approve(adj.AllowedAmount, adj.PaidAmount, adj.PatientResponsibility)
		case DecisionPartialApprove:
			err = c.PartiallyApprove(adj.AllowedAmount, adj.PaidAmount, adj.PatientResponsibility)
		case DecisionDeny:
			c.Deny(adj.DenialCode, adj.DenialReason)
		default:
			err = ierr.NewErrorf("unknown adjudication decision %q", adj.Decision).
				WithHint("Decision must be APPROVE, PARTIALLY_APPROVE or DENY").
				Mark(ierr.ErrValidation)
		}
		if err != nil {
			return err
		}
		if err := s.claims.Update(ctx, c); err != nil {
			return err
		}
		s.logClaimTransition(c, from)
		uow.collect(c)
		res.Claim = c

		if adj.Decision == DecisionDeny || !c.PaidAmount().IsPositive() {
			return nil
		}
		inv, err := s.applyInsurancePayment(ctx, uow, ApplyInsurancePayment{
			InvoiceID:     c.InvoiceID(),
			Amount:        c.PaidAmount(),
			SourceClaimID: c.ID(),
		})
		if err != nil {
			return err
		}
		res.Invoice = inv
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// ApplyInsurancePayment reflects a claim's cumulative paid amount on its
// invoice. The source claim must be approved or paid, belong to the invoice
// and have been adjudicated to pay exactly cmd.Amount. With the ledger
// enabled, replaying the same command is a no-op.
func (s *Service) ApplyInsurancePayment(ctx context.Context, cmd ApplyInsurancePayment) (*Invoice, error) {
	var inv *Invoice
	err := s.run(ctx, "apply_insurance_payment", func(ctx context.Context, uow *unitOfWork) error {
		c, err := s.claims.GetByID(ctx, cmd.SourceClaimID)
		if err != nil {
			return err
		}
		if err := cmd.checkSource(c); err != nil {
			return err
		}
		inv, err = s.applyInsurancePayment(ctx, uow, cmd)
		return err
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

func (s *Service) applyInsurancePayment(ctx context.Context, uow *unitOfWork, cmd ApplyInsurancePayment) (*Invoice, error) {
	inv, err := s.invoices.GetByID(ctx, cmd.InvoiceID)
	if err != nil {
		return nil, err
	}
	log := s.logger.With().
		Str("invoice_id", cmd.InvoiceID.String()).
		Str("claim_id", cmd.SourceClaimID.String()).
		Str("claim_paid", cmd.Amount.String()).
		Logger()

	if !s.opts.LedgerEnabled || s.ledger == nil {
		if err := inv.RecordInsurancePayment(cmd.Amount); err != nil {
			return nil, err
		}
		if err := s.invoices.Update(ctx, inv); err != nil {
			return nil, err
		}
		uow.collect(inv)
		log.Info().Str("balance_due", inv.BalanceDue().String()).Msg("insurance payment applied")
		return inv, nil
	}

	applied, err := s.ledger.AppliedAmount(ctx, cmd.SourceClaimID, cmd.Amount.Currency())
	if err != nil {
		return nil, err
	}
	delta, err := cmd.Amount.Subtract(applied)
	if err != nil {
		return nil, err
	}
	if !delta.IsPositive() {
		log.Info().Str("already_applied", applied.String()).Msg("insurance payment already applied, skipping")
		return inv, nil
	}

	entry := NewLedgerEntry(cmd, delta)
	if err := inv.RecordInsurancePayment(delta); err != nil {
		return nil, err
	}
	if err := s.invoices.Update(ctx, inv); err != nil {
		return nil, err
	}
	if err := s.ledger.Record(ctx, entry); err != nil {
		return nil, err
	}
	uow.collect(inv)
	log.Info().
		Str("applied", delta.String()).
		Str("balance_due", inv.BalanceDue().String()).
		Str("idempotency_key", entry.IdempotencyKey).
		Msg("insurance payment applied")
	return inv, nil
}

func (s *Service) GetClaim(ctx context.Context, id uuid.UUID) (*Claim, error) {
	return s.claims.GetByID(ctx, id)
}

func (s *Service) GetClaimByInvoice(ctx context.Context, invoiceID uuid.UUID) (*Claim, error) {
	return s.claims.GetByInvoiceID(ctx, invoiceID)
}

func (s *Service) ListClaimsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Claim, int, error) {
	return s.claims.ListByPatient(ctx, patientID, limit, offset)
}
