// Package money holds the won-denominated arithmetic shared by fee capture,
// aggregation and PG fee reconciliation.
package money

import "github.com/shopspring/decimal"

// CalculateFeeInWon returns amount*rate rounded half-up to a whole won.
// It must be applied to each individual fee, never to a summed total.
// Non-positive amounts or rates yield zero.
func CalculateFeeInWon(amount, rate decimal.Decimal) decimal.Decimal {
	if !amount.IsPositive() || !rate.IsPositive() {
		return decimal.Zero
	}
	return amount.Mul(rate).Round(0)
}

// NonNegative clamps d at zero.
func NonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// Sum adds already-rounded amounts.
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}
