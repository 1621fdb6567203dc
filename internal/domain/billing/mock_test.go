package billing

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	ierr "github.com/medpractice/billing/internal/errors"
)

// memStore is an in-memory stand-in for the billing schema. It stores copies
// of aggregates, enforces version ids like the pg repositories and rolls back
// every map when a transaction function fails.
type memStore struct {
	mu       sync.Mutex
	invoices map[uuid.UUID]*Invoice
	payments map[uuid.UUID]*Payment
	claims   map[uuid.UUID]*Claim
	ledger   map[string]*LedgerEntry

	// failInvoiceUpdates makes the next n invoice updates lose the version race.
	failInvoiceUpdates int
	txCount            int
}

func newMemStore() *memStore {
	return &memStore{
		invoices: make(map[uuid.UUID]*Invoice),
		payments: make(map[uuid.UUID]*Payment),
		claims:   make(map[uuid.UUID]*Claim),
		ledger:   make(map[string]*LedgerEntry),
	}
}

func (s *memStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	s.txCount++
	invoices, payments, claims, ledger := maps.Clone(s.invoices), maps.Clone(s.payments), maps.Clone(s.claims), maps.Clone(s.ledger)
	s.mu.Unlock()

	if err := fn(ctx); err != nil {
		s.mu.Lock()
		s.invoices, s.payments, s.claims, s.ledger = invoices, payments, claims, ledger
		s.mu.Unlock()
		return err
	}
	return nil
}

func cloneInvoice(inv *Invoice) *Invoice {
	cp := *inv
	cp.eventLog = eventLog{}
	cp.items = append([]*InvoiceItem(nil), inv.items...)
	return &cp
}

func clonePayment(p *Payment) *Payment {
	cp := *p
	cp.eventLog = eventLog{}
	return &cp
}

func cloneClaim(c *Claim) *Claim {
	cp := *c
	cp.eventLog = eventLog{}
	return &cp
}

func notFoundErr(kind string, id any) error {
	return ierr.NewErrorf("%s %v not found", kind, id).Mark(ierr.ErrNotFound)
}

func conflictErr(kind string, id uuid.UUID) error {
	return ierr.NewErrorf("%s %s was modified concurrently", kind, id).Mark(ierr.ErrVersionConflict)
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}

// -- invoices --

type memInvoiceRepo struct{ s *memStore }

func (r memInvoiceRepo) Create(_ context.Context, inv *Invoice) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.invoices {
		if existing.invoiceNumber == inv.invoiceNumber {
			return ierr.NewErrorf("invoice number %s taken", inv.invoiceNumber).Mark(ierr.ErrAlreadyExists)
		}
	}
	r.s.invoices[inv.id] = cloneInvoice(inv)
	return nil
}

func (r memInvoiceRepo) GetByID(_ context.Context, id uuid.UUID) (*Invoice, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	inv, ok := r.s.invoices[id]
	if !ok {
		return nil, notFoundErr("invoice", id)
	}
	return cloneInvoice(inv), nil
}

func (r memInvoiceRepo) GetByNumber(_ context.Context, number string) (*Invoice, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, inv := range r.s.invoices {
		if inv.invoiceNumber == number {
			return cloneInvoice(inv), nil
		}
	}
	return nil, notFoundErr("invoice", number)
}

func (r memInvoiceRepo) Update(_ context.Context, inv *Invoice) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, ok := r.s.invoices[inv.id]
	if !ok {
		return notFoundErr("invoice", inv.id)
	}
	if r.s.failInvoiceUpdates > 0 {
		r.s.failInvoiceUpdates--
		return conflictErr("invoice", inv.id)
	}
	if stored.versionID != inv.versionID {
		return conflictErr("invoice", inv.id)
	}
	inv.versionID++
	r.s.invoices[inv.id] = cloneInvoice(inv)
	return nil
}

func (r memInvoiceRepo) sorted(keep func(*Invoice) bool) []*Invoice {
	out := make([]*Invoice, 0)
	for _, inv := range r.s.invoices {
		if keep(inv) {
			out = append(out, cloneInvoice(inv))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].invoiceNumber < out[b].invoiceNumber })
	return out
}

func (r memInvoiceRepo) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*Invoice, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	all := r.sorted(func(inv *Invoice) bool { return inv.patientID == patientID })
	return page(all, limit, offset), len(all), nil
}

func (r memInvoiceRepo) ListOverdueCandidates(_ context.Context, asOf time.Time, limit int) ([]*Invoice, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cutoff := dateOf(asOf)
	all := r.sorted(func(inv *Invoice) bool {
		return (inv.status == InvoiceStatusPending || inv.status == InvoiceStatusPartiallyPaid) && inv.dueDate.Before(cutoff)
	})
	return page(all, limit, 0), nil
}

// -- payments --

type memPaymentRepo struct{ s *memStore }

func (r memPaymentRepo) Create(_ context.Context, p *Payment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.payments[p.id] = clonePayment(p)
	return nil
}

func (r memPaymentRepo) GetByID(_ context.Context, id uuid.UUID) (*Payment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.payments[id]
	if !ok {
		return nil, notFoundErr("payment", id)
	}
	return clonePayment(p), nil
}

func (r memPaymentRepo) Update(_ context.Context, p *Payment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, ok := r.s.payments[p.id]
	if !ok {
		return notFoundErr("payment", p.id)
	}
	if stored.versionID != p.versionID {
		return conflictErr("payment", p.id)
	}
	p.versionID++
	r.s.payments[p.id] = clonePayment(p)
	return nil
}

func (r memPaymentRepo) ListByInvoice(_ context.Context, invoiceID uuid.UUID, limit, offset int) ([]*Payment, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]*Payment, 0)
	for _, p := range r.s.payments {
		if p.invoiceID == invoiceID {
			out = append(out, clonePayment(p))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].referenceNumber < out[b].referenceNumber })
	return page(out, limit, offset), len(out), nil
}

// -- claims --

type memClaimRepo struct{ s *memStore }

func (r memClaimRepo) Create(_ context.Context, c *Claim) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.claims {
		if existing.invoiceID == c.invoiceID {
			return ierr.NewError("claim exists").Mark(ierr.ErrDuplicateClaim)
		}
	}
	r.s.claims[c.id] = cloneClaim(c)
	return nil
}

func (r memClaimRepo) GetByID(_ context.Context, id uuid.UUID) (*Claim, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.claims[id]
	if !ok {
		return nil, notFoundErr("claim", id)
	}
	return cloneClaim(c), nil
}

func (r memClaimRepo) GetByInvoiceID(_ context.Context, invoiceID uuid.UUID) (*Claim, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, c := range r.s.claims {
		if c.invoiceID == invoiceID {
			return cloneClaim(c), nil
		}
	}
	return nil, notFoundErr("claim for invoice", invoiceID)
}

func (r memClaimRepo) Update(_ context.Context, c *Claim) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, ok := r.s.claims[c.id]
	if !ok {
		return notFoundErr("claim", c.id)
	}
	if stored.versionID != c.versionID {
		return conflictErr("claim", c.id)
	}
	c.versionID++
	r.s.claims[c.id] = cloneClaim(c)
	return nil
}

func (r memClaimRepo) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*Claim, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]*Claim, 0)
	for _, c := range r.s.claims {
		if c.patientID == patientID {
			out = append(out, cloneClaim(c))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].claimNumber < out[b].claimNumber })
	return page(out, limit, offset), len(out), nil
}

// -- ledger --

type memLedger struct{ s *memStore }

func (l memLedger) AppliedAmount(_ context.Context, claimID uuid.UUID, currency string) (Money, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	total := ZeroMoney(currency)
	for _, e := range l.s.ledger {
		if e.ClaimID == claimID {
			total = total.plus(e.Amount)
		}
	}
	return total, nil
}

func (l memLedger) Record(_ context.Context, entry *LedgerEntry) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	if _, dup := l.s.ledger[entry.IdempotencyKey]; dup {
		return ierr.NewErrorf("ledger entry %s already recorded", entry.IdempotencyKey).Mark(ierr.ErrVersionConflict)
	}
	cp := *entry
	l.s.ledger[entry.IdempotencyKey] = &cp
	return nil
}

func (s *memStore) ledgerEntries() []*LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.Values(s.ledger)
}
