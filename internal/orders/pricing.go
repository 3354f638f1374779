package orders

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Totals is the immutable money breakdown of an order, in minor units.
type Totals struct {
	SubtotalCents   int64
	ShippingCents   int64
	CommissionCents int64
	CommissionRate  decimal.Decimal
	TaxCents        int64
	TotalCents      int64
}

// ComputeTotals derives commission and tax from subtotal and shipping.
// Commission is charged on subtotal+shipping; tax on subtotal+shipping+commission.
// Both round half-up to the minor unit.
func ComputeTotals(subtotalCents, shippingCents int64, commissionRate, taxRate decimal.Decimal) Totals {
	base := decimal.NewFromInt(subtotalCents + shippingCents)
	commission := base.Mul(commissionRate).Round(0).IntPart()
	taxable := base.Add(decimal.NewFromInt(commission))
	tax := taxable.Mul(taxRate).Round(0).IntPart()

	return Totals{
		SubtotalCents:   subtotalCents,
		ShippingCents:   shippingCents,
		CommissionCents: commission,
		CommissionRate:  commissionRate,
		TaxCents:        tax,
		TotalCents:      subtotalCents + shippingCents + commission + tax,
	}
}

// CentsFromAmount converts a major-unit amount (e.g. 30.5) to minor units.
func CentsFromAmount(amount decimal.Decimal) int64 {
	return amount.Mul(hundred).Round(0).IntPart()
}

// AmountFromCents renders minor units as a major-unit decimal.
func AmountFromCents(cents int64) decimal.Decimal {
	return decimal.NewFromInt(cents).Shift(-2)
}
