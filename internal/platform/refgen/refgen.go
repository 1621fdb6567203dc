// Package refgen issues human-readable reference numbers for invoices,
// payments and claims.
package refgen

import (
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/oklog/ulid/v2"
	"github.com/teris-io/shortid"
)

const (
	PrefixInvoice = "INV"
	PrefixPayment = "PAY"
	PrefixClaim   = "CLM"
)

// Generator returns a new unique reference on every call.
type Generator interface {
	Generate() string
}

// ShortID formats references as PREFIX-YYMM-<shortid>, e.g. INV-2610-dppUr4bT.
type ShortID struct {
	prefix string
	sid    *shortid.Shortid
	now    func() time.Time
}

// NewShortID builds a generator for prefix. worker must differ between
// processes sharing a database so their sequences cannot collide.
func NewShortID(prefix string, worker uint8, seed uint64) (*ShortID, error) {
	if worker > 31 {
		return nil, errors.Newf("shortid worker must be in [0,31], got %d", worker)
	}
	sid, err := shortid.New(worker, shortid.DefaultABC, seed)
	if err != nil {
		return nil, errors.Wrap(err, "init shortid")
	}
	return &ShortID{prefix: prefix, sid: sid, now: time.Now}, nil
}

func (g *ShortID) Generate() string {
	id, err := g.sid.Generate()
	if err != nil {
		// shortid only fails when its internal clock runs backwards.
		id = ulid.Make().String()
	}
	return fmt.Sprintf("%s-%s-%s", g.prefix, g.now().UTC().Format("0601"), id)
}

// Set bundles the three reference generators the billing service needs.
type Set struct {
	Invoice Generator
	Payment Generator
	Claim   Generator
}

// NewSet builds shortid generators for invoices, payments and claims.
func NewSet(worker uint8) (Set, error) {
	seed := uint64(time.Now().UnixNano())
	var s Set
	for _, g := range []struct {
		prefix string
		dst    *Generator
	}{
		{PrefixInvoice, &s.Invoice},
		{PrefixPayment, &s.Payment},
		{PrefixClaim, &s.Claim},
	} {
		gen, err := NewShortID(g.prefix, worker, seed)
		if err != nil {
			return Set{}, err
		}
		*g.dst = gen
	}
	return s, nil
}

// Sequence yields PREFIX-000001, PREFIX-000002, ...; used in tests and fixtures.
type Sequence struct {
	mu     sync.Mutex
	prefix string
	n      int
}

func NewSequence(prefix string) *Sequence {
	return &Sequence{prefix: prefix}
}

func (s *Sequence) Generate() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("%s-%06d", s.prefix, s.n)
}
