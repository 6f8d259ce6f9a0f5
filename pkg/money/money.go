// Package money holds the decimal helpers shared by the billing engine.
//
// Amounts are decimal with two fractional digits, non-negative and in a
// single implicit currency. Values are never recomputed after they are
// stored: helpers here are only used at write time and for display.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"

	apperrors "github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/errors"
)

// Places is the number of fractional digits every stored amount carries.
const Places = 2

// Zero is 0.00.
var Zero = decimal.Zero

// Parse reads a decimal string. It rejects negatives, non-numeric input and
// values with more than two fractional digits.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q is not a number", apperrors.ErrInvalidAmount, s)
	}
	if err := Validate(d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Validate checks that d is a non-negative amount representable with two
// fractional digits.
func Validate(d decimal.Decimal) error {
	if d.IsNegative() {
		return fmt.Errorf("%w: %s is negative", apperrors.ErrInvalidAmount, d.String())
	}
	if !d.Equal(d.Truncate(Places)) {
		return fmt.Errorf("%w: %s has more than %d decimal places", apperrors.ErrInvalidAmount, d.String(), Places)
	}
	return nil
}

// Sum adds amounts exactly.
func Sum(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

// Format renders d with exactly two fractional digits.
func Format(d decimal.Decimal) string {
	return d.StringFixed(Places)
}

// Percent returns part/whole*100 rounded to two places. whole must be positive.
func Percent(part, whole decimal.Decimal) float64 {
	if !whole.IsPositive() {
		return 0
	}
	p, _ := part.Div(whole).Mul(decimal.NewFromInt(100)).Round(Places).Float64()
	return p
}
