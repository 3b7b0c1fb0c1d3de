// Package money holds the single rounding point for all marketplace prices
// and the weight-specification conversion used by spot-linked pricing.
//
// All monetary values use shopspring/decimal — never float64 for money.
package money

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrInvalidWeight is returned when a category weight specification cannot
// be parsed into a troy-ounce multiplier.
var ErrInvalidWeight = errors.New("money: invalid weight specification")

// gramsPerTroyOz converts gram-denominated weights to troy ounces.
var gramsPerTroyOz = decimal.NewFromFloat(31.1035)

// weightRegex matches: {amount}[/{denominator}] {unit}
// Examples: "1 oz", "1/2 oz", "10 g", "1 kg", "100 gram", "5 ozt"
var weightRegex = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)(?:\s*/\s*([0-9]+))?\s*([a-z]+)$`)

// RoundCents rounds a computed price to two decimal places using
// round-half-away-from-zero on the third decimal. Every effective price and
// order total passes through here exactly once; nothing else in the engine
// rounds money.
func RoundCents(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// WeightFactor converts a category weight specification to its
// troy-ounce-equivalent multiplier: "1 oz" → 1, "1/2 oz" → 0.5,
// "10 g" → 10/31.1035.
func WeightFactor(spec string) (decimal.Decimal, error) {
	m := weightRegex.FindStringSubmatch(strings.ToLower(strings.TrimSpace(spec)))
	if m == nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidWeight, spec)
	}

	amount, err := decimal.NewFromString(m[1])
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidWeight, spec)
	}
	if m[2] != "" {
		denom, err := decimal.NewFromString(m[2])
		if err != nil || denom.IsZero() {
			return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidWeight, spec)
		}
		amount = amount.Div(denom)
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidWeight, spec)
	}

	switch m[3] {
	case "oz", "ozt", "toz", "ounce", "ounces":
		return amount, nil
	case "g", "gr", "gram", "grams":
		return amount.Div(gramsPerTroyOz), nil
	case "kg", "kilo", "kilogram", "kilograms":
		return amount.Mul(decimal.NewFromInt(1000)).Div(gramsPerTroyOz), nil
	default:
		return decimal.Zero, fmt.Errorf("%w: unknown unit in %q", ErrInvalidWeight, spec)
	}
}
