package domain

import "github.com/shopspring/decimal"

// MaxAmount bounds every transfer amount, opening balance and account limit,
// in minor units. A handful of such terms always fits in an int64.
const MaxAmount int64 = 1_000_000_000_000_000

// FormatMinor renders minor units as a two-decimal amount, e.g. 50250 -> "502.50".
func FormatMinor(minor int64) string {
	return decimal.New(minor, -2).StringFixed(2)
}

// ParseMajor converts a decimal string like "502.50" into minor units,
// rounding half-up to the cent.
func ParseMajor(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	return d.Shift(2).Round(0).IntPart(), nil
}
