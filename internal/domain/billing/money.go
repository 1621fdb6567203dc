package billing

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	ierr "github.com/medpractice/billing/internal/errors"
)

// MoneyScale is the number of fractional digits every Money amount carries.
const MoneyScale = 2

// percentageScale is the intermediate precision of a percentage factor.
const percentageScale = 4

var (
	currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)
	hundred         = decimal.NewFromInt(100)
)

// Money is an immutable fixed-point amount tagged with an ISO 4217 currency code.
// Amounts are always normalized to two fractional digits, rounding half up.
type Money struct {
	amount   decimal.Decimal
	currency string
}

// NewMoney normalizes amount to two decimals and validates the currency code.
func NewMoney(amount decimal.Decimal, currency string) (Money, error) {
	cur := strings.ToUpper(strings.TrimSpace(currency))
	if !currencyPattern.MatchString(cur) {
		return Money{}, ierr.NewErrorf("invalid currency code %q", currency).
			WithHint("Currency must be a three-letter ISO code").
			Mark(ierr.ErrInvalidArgument)
	}
	return Money{amount: amount.Round(MoneyScale), currency: cur}, nil
}

// MoneyFromString parses a decimal string such as "100.005".
func MoneyFromString(amount, currency string) (Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return Money{}, ierr.WithError(err).
			WithHintf("Amount %q is not a decimal number", amount).
			Mark(ierr.ErrInvalidArgument)
	}
	return NewMoney(d, currency)
}

// MustMoney is MoneyFromString for literals known to be valid.
func MustMoney(amount, currency string) Money {
	m, err := MoneyFromString(amount, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// ZeroMoney returns 0.00 in currency. The code is assumed to be validated already.
func ZeroMoney(currency string) Money {
	return Money{amount: decimal.Zero.Round(MoneyScale), currency: strings.ToUpper(currency)}
}

func (m Money) Amount() decimal.Decimal { return m.amount }

func (m Money) Currency() string { return m.currency }

func (m Money) sameCurrency(other Money, op string) error {
	if m.currency != other.currency {
		return ierr.NewErrorf("cannot %s %s and %s", op, m.currency, other.currency).
			WithHint("Monetary amounts must share a currency").
			WithReportableDetails(map[string]any{"left": m.currency, "right": other.currency}).
			Mark(ierr.ErrCurrencyMismatch)
	}
	return nil
}

func (m Money) Add(other Money) (Money, error) {
	if err := m.sameCurrency(other, "add"); err != nil {
		return Money{}, err
	}
	return Money{amount: m.amount.Add(other.amount).Round(MoneyScale), currency: m.currency}, nil
}

func (m Money) Subtract(other Money) (Money, error) {
	if err := m.sameCurrency(other, "subtract"); err != nil {
		return Money{}, err
	}
	return Money{amount: m.amount.Sub(other.amount).Round(MoneyScale), currency: m.currency}, nil
}

// Multiply scales the amount by an integer quantity.
func (m Money) Multiply(quantity int64) Money {
	return m.MultiplyBy(decimal.NewFromInt(quantity))
}

// MultiplyBy scales the amount by an arbitrary factor and re-rounds.
func (m Money) MultiplyBy(factor decimal.Decimal) Money {
	return Money{amount: m.amount.Mul(factor).Round(MoneyScale), currency: m.currency}
}

// Percentage returns percent% of m. The factor percent/100 is rounded to four
// digits before it is applied so chained discount and tax steps stay stable.
func (m Money) Percentage(percent decimal.Decimal) Money {
	factor := percent.DivRound(hundred, percentageScale)
	return Money{amount: m.amount.Mul(factor).Round(MoneyScale), currency: m.currency}
}

func (m Money) IsZero() bool { return m.amount.IsZero() }

func (m Money) IsPositive() bool { return m.amount.IsPositive() }

func (m Money) IsNegative() bool { return m.amount.IsNegative() }

func (m Money) IsGreaterThan(other Money) (bool, error) {
	if err := m.sameCurrency(other, "compare"); err != nil {
		return false, err
	}
	return m.amount.GreaterThan(other.amount), nil
}

func (m Money) IsLessThan(other Money) (bool, error) {
	if err := m.sameCurrency(other, "compare"); err != nil {
		return false, err
	}
	return m.amount.LessThan(other.amount), nil
}

// Equal reports value equality; amounts compare numerically.
func (m Money) Equal(other Money) bool {
	return m.currency == other.currency && m.amount.Equal(other.amount)
}

// String renders e.g. "USD 180.00".
func (m Money) String() string {
	return fmt.Sprintf("%s %s", m.currency, m.amount.StringFixed(MoneyScale))
}

type moneyJSON struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(moneyJSON{Amount: m.amount.StringFixed(MoneyScale), Currency: m.currency})
}

func (m *Money) UnmarshalJSON(data []byte) error {
	var raw moneyJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := MoneyFromString(raw.Amount, raw.Currency)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// clampZero returns m, or zero in the same currency when m is negative.
func clampZero(m Money) Money {
	if m.amount.IsNegative() {
		return ZeroMoney(m.currency)
	}
	return m
}

// plus and minus skip the currency check; callers have already validated it.
func (m Money) plus(other Money) Money {
	return Money{amount: m.amount.Add(other.amount).Round(MoneyScale), currency: m.currency}
}

func (m Money) minus(other Money) Money {
	return Money{amount: m.amount.Sub(other.amount).Round(MoneyScale), currency: m.currency}
}
