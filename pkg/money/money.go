package money

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits every amount is stored with.
// Balances are kept as integer minor units of 10^-Scale.
const Scale = 8

// DefaultCurrency is used when a request does not name one.
const DefaultCurrency = "ETB"

var (
	// ErrInvalidAmount is returned for zero, negative or malformed amounts.
	ErrInvalidAmount = errors.New("money: invalid amount")

	// ErrTooPrecise is returned when an amount has more than Scale fractional digits.
	ErrTooPrecise = errors.New("money: amount exceeds supported precision")

	// ErrOverflow is returned when an amount does not fit in minor units.
	ErrOverflow = errors.New("money: amount overflows minor units")

	// ErrUnsupportedCurrency is returned for currencies outside SupportedCurrencies.
	ErrUnsupportedCurrency = errors.New("money: unsupported currency")
)

// SupportedCurrencies lists the currencies wallets can hold.
var SupportedCurrencies = []string{"ETB", "USD", "USDT", "BTC", "ETH"}

var maxUnits = decimal.NewFromInt(math.MaxInt64)

// ParseAmount parses a decimal string and checks it is a positive amount
// representable in minor units.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if err := ValidateAmount(d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// ValidateAmount checks that d is strictly positive and fits in minor units.
func ValidateAmount(d decimal.Decimal) error {
	if !d.IsPositive() {
		return fmt.Errorf("%w: %s must be greater than zero", ErrInvalidAmount, d.String())
	}
	_, err := ToUnits(d)
	return err
}

// ToUnits converts an amount to integer minor units.
// Negative amounts are allowed so deltas can be converted too.
func ToUnits(d decimal.Decimal) (int64, error) {
	shifted := d.Shift(Scale)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s", ErrTooPrecise, d.String())
	}
	if shifted.Abs().GreaterThan(maxUnits) {
		return 0, fmt.Errorf("%w: %s", ErrOverflow, d.String())
	}
	return shifted.IntPart(), nil
}

// FromUnits converts integer minor units back to a decimal amount.
func FromUnits(units int64) decimal.Decimal {
	return decimal.New(units, -Scale)
}

// NormalizeCurrency upper-cases and validates a currency code.
// An empty code resolves to DefaultCurrency.
func NormalizeCurrency(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return DefaultCurrency, nil
	}
	for _, c := range SupportedCurrencies {
		if c == code {
			return code, nil
		}
	}
	return "", fmt.Errorf("%w: %s (supported: %s)", ErrUnsupportedCurrency, code, strings.Join(SupportedCurrencies, ", "))
}
