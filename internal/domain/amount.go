package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// MinorUnitsPerMajor is the currency scale: amounts are stored as cents.
const MinorUnitsPerMajor = 100

var hundred = decimal.NewFromInt(MinorUnitsPerMajor)

// ParseAmount converts a user-entered major-unit amount ("150", "R150.50") into minor units.
func ParseAmount(raw string) (int64, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "R"), "r")
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, Validation("Please enter a valid amount.")
	}
	if d.IsNegative() {
		return 0, Validation("The amount cannot be negative.")
	}
	return d.Mul(hundred).Round(0).IntPart(), nil
}

// FormatRand renders minor units as "R123.45".
func FormatRand(minor int64) string {
	return "R" + decimal.New(minor, -2).StringFixed(2)
}
