package billing

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTenants struct {
	ids     []string
	listErr error
	broken  map[string]error
	visited []string
}

func (f *fakeTenants) List(context.Context) ([]string, error) {
	return f.ids, f.listErr
}

func (f *fakeTenants) Run(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error {
	f.visited = append(f.visited, tenantID)
	if err := f.broken[tenantID]; err != nil {
		return err
	}
	return fn(ctx)
}

func TestOverdueSweeper_Sweep(t *testing.T) {
	freezeClock(t, clinicDay)
	f := newServiceFixture(t)
	first := f.pendingInvoice(t)
	f.pendingInvoice(t)

	tenants := &fakeTenants{
		ids:    []string{"clinic_a", "clinic_b", "clinic_c"},
		broken: map[string]error{"clinic_c": errors.New("schema missing")},
	}
	// one worker keeps the tenants in list order against the shared store
	sweeper := NewOverdueSweeper(f.svc, tenants, 1, zerolog.Nop())

	results, err := sweeper.Sweep(context.Background(), first.DueDate().AddDate(0, 0, 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "clinic_c")
	assert.Equal(t, []string{"clinic_a", "clinic_b", "clinic_c"}, tenants.visited)

	require.Len(t, results, 3)
	assert.Equal(t, TenantSweep{TenantID: "clinic_a", Marked: 2}, results[0])
	assert.Equal(t, TenantSweep{TenantID: "clinic_b", Marked: 0}, results[1])
	assert.Equal(t, TenantSweep{TenantID: "clinic_c", Marked: 0}, results[2])

	inv, err := f.svc.GetInvoice(context.Background(), first.ID())
	require.NoError(t, err)
	assert.Equal(t, InvoiceStatusOverdue, inv.Status())
}

func TestOverdueSweeper_ListFailure(t *testing.T) {
	f := newServiceFixture(t)
	tenants := &fakeTenants{listErr: errors.New("connection refused")}

	results, err := NewOverdueSweeper(f.svc, tenants, 4, zerolog.Nop()).Sweep(context.Background(), timeNow())
	require.Error(t, err)
	assert.Nil(t, results)
	assert.Empty(t, tenants.visited)
}

func TestOverdueSweeper_Schedule(t *testing.T) {
	f := newServiceFixture(t)
	sweeper := NewOverdueSweeper(f.svc, &fakeTenants{}, 0, zerolog.Nop())

	_, err := sweeper.Schedule("whenever")
	require.Error(t, err)

	c, err := sweeper.Schedule("@daily")
	require.NoError(t, err)
	assert.Len(t, c.Entries(), 1)
	<-c.Stop().Done()
}
