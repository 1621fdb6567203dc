package idempotency

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateKeyIsOrderIndependent(t *testing.T) {
	g := NewGenerator()
	a := g.GenerateKey(ScopeInsurancePayment, map[string]any{"claim_id": "c1", "cumulative": "80.00"})
	b := g.GenerateKey(ScopeInsurancePayment, map[string]any{"cumulative": "80.00", "claim_id": "c1"})

	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, "insurance_payment-"))
	assert.Len(t, strings.TrimPrefix(a, "insurance_payment-"), 32)
}

func TestGenerateKeyChangesWithParams(t *testing.T) {
	g := NewGenerator()
	a := g.GenerateKey(ScopeInsurancePayment, map[string]any{"claim_id": "c1", "cumulative": "80.00"})
	b := g.GenerateKey(ScopeInsurancePayment, map[string]any{"claim_id": "c1", "cumulative": "100.00"})

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, g.GenerateKey(ScopeInsurancePayment, map[string]any{"claim_id": "c2", "cumulative": "80.00"}))
}
