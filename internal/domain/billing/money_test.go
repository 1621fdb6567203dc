package billing

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ierr "github.com/medpractice/billing/internal/errors"
)

func usd(amount string) Money { return MustMoney(amount, "USD") }

func TestNewMoney_RoundsHalfUp(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"100", "100.00"},
		{"10.005", "10.01"},
		{"10.004", "10.00"},
		{"0.125", "0.13"},
		{"-1.005", "-1.01"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			m := usd(tt.in)
			assert.Equal(t, tt.want, m.Amount().StringFixed(MoneyScale))
		})
	}
}

func TestNewMoney_InvalidCurrency(t *testing.T) {
	for _, cur := range []string{"", "US", "USDX", "12A"} {
		_, err := NewMoney(decimal.NewFromInt(1), cur)
		require.Error(t, err, cur)
		assert.True(t, ierr.IsInvalidArgument(err), cur)
	}

	m, err := NewMoney(decimal.NewFromInt(1), " eur ")
	require.NoError(t, err)
	assert.Equal(t, "EUR", m.Currency())
}

func TestMoneyFromString_NotANumber(t *testing.T) {
	_, err := MoneyFromString("ten", "USD")
	require.Error(t, err)
	assert.True(t, ierr.IsInvalidArgument(err))
}

func TestMoney_Arithmetic(t *testing.T) {
	sum, err := usd("100.10").Add(usd("0.95"))
	require.NoError(t, err)
	assert.True(t, sum.Equal(usd("101.05")))

	diff, err := usd("50").Subtract(usd("80"))
	require.NoError(t, err)
	assert.True(t, diff.IsNegative())
	assert.True(t, diff.Equal(usd("-30")))

	assert.True(t, usd("50.00").Multiply(2).Equal(usd("100")))
	assert.True(t, usd("10.00").MultiplyBy(decimal.RequireFromString("0.3333")).Equal(usd("3.33")))
}

func TestMoney_CurrencyMismatch(t *testing.T) {
	eur := MustMoney("1", "EUR")

	_, err := usd("1").Add(eur)
	assert.True(t, ierr.IsCurrencyMismatch(err))

	_, err = usd("1").Subtract(eur)
	assert.True(t, ierr.IsCurrencyMismatch(err))

	_, err = usd("1").IsGreaterThan(eur)
	assert.True(t, ierr.IsCurrencyMismatch(err))

	_, err = usd("1").IsLessThan(eur)
	assert.True(t, ierr.IsCurrencyMismatch(err))
}

func TestMoney_Percentage(t *testing.T) {
	assert.True(t, usd("200.00").Percentage(decimal.NewFromInt(10)).Equal(usd("20.00")))
	// 33.335% rounds to a 0.3334 factor before it is applied.
	assert.True(t, usd("100.00").Percentage(decimal.RequireFromString("33.335")).Equal(usd("33.34")))
	assert.True(t, usd("0.05").Percentage(decimal.NewFromInt(50)).Equal(usd("0.03")))
}

func TestMoney_Comparisons(t *testing.T) {
	gt, err := usd("2").IsGreaterThan(usd("1.99"))
	require.NoError(t, err)
	assert.True(t, gt)

	lt, err := usd("2").IsLessThan(usd("2.00"))
	require.NoError(t, err)
	assert.False(t, lt)

	assert.True(t, ZeroMoney("USD").IsZero())
	assert.False(t, ZeroMoney("USD").IsPositive())
	assert.True(t, usd("2").Equal(usd("2.00")))
	assert.False(t, usd("2").Equal(MustMoney("2", "EUR")))
}

func TestMoney_JSON(t *testing.T) {
	b, err := json.Marshal(usd("180"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":"180.00","currency":"USD"}`, string(b))

	var m Money
	require.NoError(t, json.Unmarshal([]byte(`{"amount":"12.345","currency":"usd"}`), &m))
	assert.True(t, m.Equal(usd("12.35")))

	assert.Error(t, json.Unmarshal([]byte(`{"amount":"x","currency":"USD"}`), &m))
}

func TestMoney_String(t *testing.T) {
	assert.Equal(t, "USD 180.00", usd("180").String())
}
