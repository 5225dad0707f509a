// Package money holds the rounding rules shared by every monetary calculation:
// amounts are kept at two decimal places and purchase unit costs are rounded up.
package money

import "github.com/shopspring/decimal"

const Places = 2

var hundred = decimal.NewFromInt(100)

func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Places)
}

// CeilUnitCost rounds a unit cost up to the next cent.
func CeilUnitCost(d decimal.Decimal) decimal.Decimal {
	return d.RoundCeil(Places)
}

func IsPositive(d decimal.Decimal) bool {
	return d.GreaterThan(decimal.Zero)
}

// WeightedAverageCost blends the cost of stock on hand with an incoming batch.
// When nothing (or a deficit) is on hand the incoming cost becomes the new cost.
func WeightedAverageCost(oldCost decimal.Decimal, oldStock int, incomingCost decimal.Decimal, incomingQty int) decimal.Decimal {
	if incomingQty <= 0 {
		return Round(oldCost)
	}
	if oldStock <= 0 {
		return Round(incomingCost)
	}
	totalQty := decimal.NewFromInt(int64(oldStock + incomingQty))
	totalValue := oldCost.Mul(decimal.NewFromInt(int64(oldStock))).
		Add(incomingCost.Mul(decimal.NewFromInt(int64(incomingQty))))
	return Round(totalValue.Div(totalQty))
}

// WithPercent returns amount * (1 + percent/100), rounded to cents.
func WithPercent(amount decimal.Decimal, percent decimal.Decimal) decimal.Decimal {
	return Round(amount.Mul(decimal.NewFromInt(1).Add(percent.Div(hundred))))
}

// CostWithTax applies a purchase tax percentage to a unit cost and rounds up.
func CostWithTax(unitCost decimal.Decimal, taxPercent decimal.Decimal) decimal.Decimal {
	return CeilUnitCost(unitCost.Mul(decimal.NewFromInt(1).Add(taxPercent.Div(hundred))))
}

// Prorate returns total * part / whole rounded to cents. whole must be positive.
func Prorate(total decimal.Decimal, part int, whole int) decimal.Decimal {
	if whole <= 0 {
		return decimal.Zero
	}
	return Round(total.Mul(decimal.NewFromInt(int64(part))).Div(decimal.NewFromInt(int64(whole))))
}
