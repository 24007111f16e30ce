package pricing

import (
	"github.com/shopspring/decimal"

	"kasirinaja/pos/internal/domain"
)

var (
	hundred = decimal.NewFromInt(100)
	ten     = decimal.NewFromInt(10)
	five    = decimal.NewFromInt(5)
)

// Selection is the order-level input to Compute.
type Selection struct {
	Discount   *domain.DiscountSelection
	Tax        *domain.TaxSelection
	Adjustment decimal.Decimal
}

type Engine struct{}

func NewEngine() Engine {
	return Engine{}
}

// Compute derives the totals of a cart. Line tax is a per-unit rate applied to
// the unit price and extended by quantity when summed into the subtotal.
// Magnitude inputs (line discounts, fixed and manual order discounts) take
// the sign of the amount they reduce, so return carts mirror sales without
// any branching on orientation. Intermediate values are not rounded.
func (Engine) Compute(lines []domain.CartLine, sel Selection) domain.Totals {
	totals := domain.Totals{
		Lines: make([]domain.LineTotals, 0, len(lines)),
	}

	for _, line := range lines {
		lt := lineTotals(line)
		totals.Lines = append(totals.Lines, lt)
		totals.Subtotal = totals.Subtotal.Add(lt.Net)
		totals.LineDiscountTotal = totals.LineDiscountTotal.Add(lt.Discount)
		totals.LineTaxTotal = totals.LineTaxTotal.Add(lt.Tax)
	}

	totals.OrderDiscountAmount = orderDiscount(totals.Subtotal, sel.Discount)
	if sel.Tax != nil {
		totals.OrderTaxAmount = totals.Subtotal.Sub(totals.OrderDiscountAmount).Mul(sel.Tax.Rate).Div(hundred)
	}

	totals.TaxTotal = totals.LineTaxTotal.Add(totals.OrderTaxAmount)
	totals.RoundingBase = totals.Subtotal.Sub(totals.OrderDiscountAmount).Add(totals.OrderTaxAmount)
	totals.Adjustment = sel.Adjustment
	totals.FinalTotal = totals.RoundingBase.Add(sel.Adjustment)
	totals.SuggestedAdjustment = SuggestAdjustment(totals.RoundingBase)
	return totals
}

func lineTotals(line domain.CartLine) domain.LineTotals {
	unitTax := decimal.Zero
	for _, tax := range line.Taxes {
		unitTax = unitTax.Add(tax.Rate.Mul(line.UnitPrice).Div(hundred))
	}

	gross := line.Gross()
	tax := unitTax.Mul(line.Quantity)
	discount := orient(line.Discount, line.Quantity)
	return domain.LineTotals{
		Gross:    gross,
		UnitTax:  unitTax,
		Tax:      tax,
		Discount: discount,
		Net:      gross.Add(tax).Sub(discount),
	}
}

func orderDiscount(subtotal decimal.Decimal, sel *domain.DiscountSelection) decimal.Decimal {
	if sel == nil || subtotal.IsZero() {
		return decimal.Zero
	}

	var amount decimal.Decimal
	switch {
	case sel.ManualAmount != nil:
		amount = *sel.ManualAmount
	case sel.RateType == domain.DiscountFixed:
		amount = sel.Rate
	default:
		amount = subtotal.Abs().Mul(sel.Rate).Div(hundred)
	}

	if amount.IsNegative() {
		return decimal.Zero
	}
	if amount.GreaterThan(subtotal.Abs()) {
		return subtotal
	}
	return orient(amount, subtotal)
}

// SuggestAdjustment returns the correction that brings total to the nearest
// multiple of 10. A remainder below 5 rounds down, anything else rounds up.
// Negative totals round by magnitude.
func SuggestAdjustment(total decimal.Decimal) decimal.Decimal {
	remainder := total.Abs().Mod(ten)
	if remainder.IsZero() {
		return decimal.Zero
	}

	var adjustment decimal.Decimal
	if remainder.LessThan(five) {
		adjustment = remainder.Neg()
	} else {
		adjustment = ten.Sub(remainder)
	}
	if total.IsNegative() {
		return adjustment.Neg()
	}
	return adjustment
}

// orient gives |amount| the sign of ref.
func orient(amount decimal.Decimal, ref decimal.Decimal) decimal.Decimal {
	if ref.IsNegative() {
		return amount.Abs().Neg()
	}
	return amount.Abs()
}
