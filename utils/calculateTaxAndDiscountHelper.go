package utils

import (
	"github.com/shopspring/decimal"
)

var decimalOneHundred = decimal.NewFromInt(100)

// CalculateDiscountAmount returns the discount for subTotal. discountType
// "P" treats discount as a percentage, anything else as a flat amount.
func CalculateDiscountAmount(subTotal decimal.Decimal, discount decimal.Decimal, discountType string) decimal.Decimal {

	var discountAmount decimal.Decimal

	if discount.GreaterThan(decimal.Zero) {
		if discountType == "P" {
			discountAmount = subTotal.Mul(discount).DivRound(decimalOneHundred, 4)
		} else {
			discountAmount = discount
		}
	} else {
		discountAmount = decimal.Zero
	}

	return discountAmount
}

// CalculateMarginPercentage is profit / revenue * 100, zero when there is no revenue.
// The result is not rounded; round only when presenting it.
func CalculateMarginPercentage(profit decimal.Decimal, revenue decimal.Decimal) decimal.Decimal {
	if revenue.IsZero() {
		return decimal.Zero
	}
	return profit.Mul(decimalOneHundred).Div(revenue)
}

// CalculateMarkupPercentage is (price - cost) / cost * 100, zero when cost is zero.
// It is rounded to the 4 places the column stores so recomputing it from
// unchanged prices compares equal.
func CalculateMarkupPercentage(price decimal.Decimal, cost decimal.Decimal) decimal.Decimal {
	if cost.IsZero() {
		return decimal.Zero
	}
	return price.Sub(cost).Mul(decimalOneHundred).DivRound(cost, 4)
}

// RoundPercentage rounds a percentage for display (2 places).
func RoundPercentage(p decimal.Decimal) decimal.Decimal {
	return p.Round(2)
}
