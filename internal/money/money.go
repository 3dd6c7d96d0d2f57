// Package money converts integer cents to the decimal amounts shown to buyers and sent to partners.
package money

import "github.com/shopspring/decimal"

// Reais returns cents as a decimal amount in BRL.
func Reais(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// Format renders cents with two decimals, e.g. 1990 -> "19.90".
func Format(cents int64) string {
	return Reais(cents).StringFixed(2)
}

// FormatBRL renders cents with the currency prefix, e.g. 1990 -> "R$ 19.90".
func FormatBRL(cents int64) string {
	return "R$ " + Format(cents)
}

// Float returns the amount in reais as a float64 for JSON payloads that require numbers.
func Float(cents int64) float64 {
	f, _ := Reais(cents).Float64()
	return f
}
