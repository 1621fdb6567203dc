package refgen

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShortIDFormatAndUniqueness(t *testing.T) {
	g, err := NewShortID(PrefixInvoice, 1, 2342)
	require.NoError(t, err)
	g.now = func() time.Time { return time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC) }

	seen := make(map[string]bool)
	for i := 0; i < 500; i++ {
		ref := g.Generate()
		require.True(t, strings.HasPrefix(ref, "INV-2610-"), ref)
		require.False(t, seen[ref], "duplicate reference %s", ref)
		seen[ref] = true
	}
}

func TestNewShortIDRejectsWorkerOutOfRange(t *testing.T) {
	_, err := NewShortID(PrefixClaim, 32, 1)
	assert.Error(t, err)
}

func TestNewSet(t *testing.T) {
	s, err := NewSet(0)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(s.Invoice.Generate(), "INV-"))
	assert.True(t, strings.HasPrefix(s.Payment.Generate(), "PAY-"))
	assert.True(t, strings.HasPrefix(s.Claim.Generate(), "CLM-"))
}

func TestSequence(t *testing.T) {
	s := NewSequence("PAY")
	assert.Equal(t, "PAY-000001", s.Generate())
	assert.Equal(t, "PAY-000002", s.Generate())
}
