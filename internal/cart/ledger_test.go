package cart

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/pos/internal/domain"
	"kasirinaja/pos/internal/stock"
	"kasirinaja/pos/internal/store"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func dp(v string) *decimal.Decimal {
	x := d(v)
	return &x
}

func stocked(id string, qty string) domain.Product {
	return domain.Product{
		ID:              id,
		Name:            id,
		BasePrice:       d("100"),
		MinPrice:        dp("80"),
		Taxes:           []domain.TaxRate{{Name: "VAT", Rate: d("10")}},
		ManageInventory: true,
		Stocks:          []domain.StoreStock{{StoreID: "main-store", Quantity: d(qty)}},
		Active:          true,
	}
}

func newLedger() *Ledger {
	return NewLedger(stock.NewResolver(), "main-store")
}

func totalDemand(l *Ledger, productID string) decimal.Decimal {
	sum := decimal.Zero
	for _, line := range l.Lines() {
		if line.Product.ID == productID {
			sum = sum.Add(line.Quantity)
		}
	}
	return sum
}

func TestAddLineAppendsWithSnapshotDefaults(t *testing.T) {
	l := newLedger()
	p := stocked("mie", "10")

	idx, err := l.AddLine(p, d("2"), nil)
	require.NoError(t, err)
	require.Equal(t, 0, idx)

	line, err := l.Line(0)
	require.NoError(t, err)
	assert.True(t, line.Quantity.Equal(d("2")))
	assert.True(t, line.UnitPrice.Equal(d("100")))
	assert.True(t, line.Discount.IsZero())
	assert.True(t, line.TaxIncluded)
	require.Len(t, line.Taxes, 1)

	p.Taxes[0].Rate = d("99")
	line, _ = l.Line(0)
	assert.True(t, line.Taxes[0].Rate.Equal(d("10")), "taxes are a snapshot")
}

func TestAddLineIncrementsExistingLine(t *testing.T) {
	l := newLedger()
	p := stocked("mie", "10")

	_, err := l.AddLine(p, d("2"), nil)
	require.NoError(t, err)
	idx, err := l.AddLine(p, d("3"), nil)
	require.NoError(t, err)

	assert.Equal(t, 0, idx)
	assert.Equal(t, 1, l.Len())
	assert.True(t, totalDemand(l, "mie").Equal(d("5")))
}

func TestAddLineWithPriceRepricesMergedLine(t *testing.T) {
	l := newLedger()
	p := stocked("mie", "10")

	_, err := l.AddLine(p, d("2"), nil)
	require.NoError(t, err)
	idx, err := l.AddLine(p, d("3"), dp("90"))
	require.NoError(t, err)
	require.Equal(t, 0, idx)
	line, err := l.Line(0)
	require.NoError(t, err)
	assert.True(t, line.UnitPrice.Equal(d("90")))
	assert.True(t, line.Quantity.Equal(d("5")))

	var rangeErr *PriceOutOfRangeError
	_, err = l.AddLine(p, d("1"), dp("70"))
	require.ErrorAs(t, err, &rangeErr)
	line, _ = l.Line(0)
	assert.True(t, line.UnitPrice.Equal(d("90")))
	assert.True(t, line.Quantity.Equal(d("5")))

	_, err = l.AddLine(p, d("1"), nil)
	require.NoError(t, err)
	line, _ = l.Line(0)
	assert.True(t, line.UnitPrice.Equal(d("90")), "no price keeps the line's price")
}

func TestAddLineWithVariantsAsksForChoice(t *testing.T) {
	l := newLedger()
	p := stocked("kaos", "10")
	p.Variants = []domain.Variant{{ID: "m", Name: "M", Price: d("120"), Quantity: d("4")}}

	_, err := l.AddLine(p, d("1"), nil)

	var choice *VariantChoiceError
	require.True(t, errors.As(err, &choice))
	assert.ErrorIs(t, err, ErrVariantRequired)
	require.Len(t, choice.Options, 2)
	assert.Nil(t, choice.Options[0].Variant, "base product is selectable")
	assert.True(t, choice.Options[1].Price.Equal(d("120")))
	assert.Equal(t, 0, l.Len())
}

func TestAddVariantLineUsesVariantIdentityAndPrice(t *testing.T) {
	l := newLedger()
	p := stocked("kaos", "10")
	p.Variants = []domain.Variant{{ID: "m", Name: "M", Price: d("120"), Quantity: d("4")}}
	m := p.Variants[0]

	_, err := l.AddVariantLine(p, &m, d("1"), nil)
	require.NoError(t, err)
	_, err = l.AddVariantLine(p, nil, d("1"), nil)
	require.NoError(t, err)

	require.Equal(t, 2, l.Len())
	first, _ := l.Line(0)
	assert.True(t, first.UnitPrice.Equal(d("120")))
	assert.Equal(t, "m", first.VariantID())

	_, err = l.AddVariantLine(p, &m, d("4"), nil)
	assert.ErrorIs(t, err, store.ErrInsufficientStock, "variant stock is 4 and 1 is already in the cart")
}

func TestStockDemandIsSummedAcrossLines(t *testing.T) {
	l := newLedger()
	p := stocked("telur", "5")

	_, err := l.AddLine(p, d("3"), nil)
	require.NoError(t, err)
	_, err = l.DuplicateLast()
	require.Error(t, err, "duplicate would need 6 of 5")

	var insufficient *stock.InsufficientStockError
	require.True(t, errors.As(err, &insufficient))
	assert.True(t, insufficient.Requested.Equal(d("6")))
	assert.Equal(t, 1, l.Len())

	require.NoError(t, l.ChangeQuantity(0, d("2")))
	_, err = l.DuplicateLast()
	require.NoError(t, err)
	assert.True(t, totalDemand(l, "telur").Equal(d("4")))

	err = l.ChangeQuantity(1, d("4"))
	require.Error(t, err)
	assert.True(t, totalDemand(l, "telur").Equal(d("4")), "rejected change leaves quantities untouched")
}

func TestChangeQuantityRejectsZeroAndWrongSign(t *testing.T) {
	l := newLedger()
	_, err := l.AddLine(stocked("mie", "10"), d("1"), nil)
	require.NoError(t, err)

	assert.ErrorIs(t, l.ChangeQuantity(0, d("0")), ErrZeroQuantity)
	assert.ErrorIs(t, l.ChangeQuantity(0, d("-1")), ErrWrongOrientation)
	assert.ErrorIs(t, l.ChangeQuantity(3, d("1")), ErrLineNotFound)

	line, _ := l.Line(0)
	assert.True(t, line.Quantity.Equal(d("1")))
}

func TestReturnLedgerNormalizesSignAndSkipsStock(t *testing.T) {
	l := newLedger()
	p := stocked("mie", "0")
	l.Seed(domain.OrientationReturn, nil)

	_, err := l.AddLine(p, d("2"), nil)
	require.NoError(t, err)

	line, _ := l.Line(0)
	assert.True(t, line.Quantity.Equal(d("-2")))
	assert.ErrorIs(t, l.ChangeQuantity(0, d("3")), ErrWrongOrientation)
	assert.NoError(t, l.ChangeQuantity(0, d("-3")))
}

func TestChangePriceBounds(t *testing.T) {
	l := newLedger()
	_, err := l.AddLine(stocked("mie", "10"), d("1"), nil)
	require.NoError(t, err)

	require.NoError(t, l.ChangePrice(0, d("90")))

	var rangeErr *PriceOutOfRangeError
	require.True(t, errors.As(l.ChangePrice(0, d("79")), &rangeErr))
	assert.True(t, rangeErr.Min.Equal(d("80")))
	require.True(t, errors.As(l.ChangePrice(0, d("101")), &rangeErr))

	line, _ := l.Line(0)
	assert.True(t, line.UnitPrice.Equal(d("90")))
}

func TestChangePriceFixedWithoutMinPrice(t *testing.T) {
	l := newLedger()
	p := stocked("mie", "10")
	p.MinPrice = nil
	_, err := l.AddLine(p, d("1"), nil)
	require.NoError(t, err)

	assert.ErrorIs(t, l.ChangePrice(0, d("90")), ErrFixedPrice)

	_, err = l.AddLine(p, d("1"), dp("90"))
	assert.ErrorIs(t, err, ErrFixedPrice)
}

func TestChangeDiscountClamps(t *testing.T) {
	l := newLedger()
	_, err := l.AddLine(stocked("mie", "10"), d("2"), nil)
	require.NoError(t, err)

	got, err := l.ChangeDiscount(0, d("500"))
	require.NoError(t, err)
	assert.True(t, got.Equal(d("200")))

	got, err = l.ChangeDiscount(0, d("-3"))
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	_, err = l.ChangeDiscount(0, d("150"))
	require.NoError(t, err)
	require.NoError(t, l.ChangeQuantity(0, d("1")))
	line, _ := l.Line(0)
	assert.True(t, line.Discount.Equal(d("100")), "quantity decrease re-clamps the discount")
}

func TestRemoveLineAndClear(t *testing.T) {
	l := newLedger()
	_, _ = l.AddLine(stocked("a", "10"), d("1"), nil)
	_, _ = l.AddLine(stocked("b", "10"), d("1"), nil)

	require.NoError(t, l.RemoveLine(0))
	line, _ := l.Line(0)
	assert.Equal(t, "b", line.Product.ID)
	assert.ErrorIs(t, l.RemoveLine(5), ErrLineNotFound)

	l.Seed(domain.OrientationReturn, l.Lines())
	l.Clear()
	assert.Equal(t, 0, l.Len())
	assert.Equal(t, domain.OrientationSale, l.Orientation())
	_, err := l.DuplicateLast()
	assert.ErrorIs(t, err, ErrEmptyCart)
}
