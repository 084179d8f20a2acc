package engine

import "github.com/shopspring/decimal"

// All prices, quantities and cash amounts are decimal.Decimal. Nothing in the
// fill path converts through float64.

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// D parses a decimal literal and panics on malformed input. Intended for
// constants and tests.
func D(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func minDec(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

func maxDec(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// clampDec limits v to [lo, hi].
func clampDec(v, lo, hi decimal.Decimal) decimal.Decimal {
	return minDec(maxDec(v, lo), hi)
}

func isWhole(v decimal.Decimal) bool {
	return v.Equal(v.Truncate(0))
}
