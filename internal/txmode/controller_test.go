package txmode

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/pos/internal/domain"
	"kasirinaja/pos/internal/pricing"
	"kasirinaja/pos/internal/store"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

type fakeCatalog map[string]domain.Product

func (f fakeCatalog) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	p, ok := f[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

type brokenCatalog struct{}

func (brokenCatalog) GetProduct(context.Context, string) (*domain.Product, error) {
	return nil, errors.New("catalog offline")
}

func completedOrder() domain.Order {
	return domain.Order{
		ID:           "ord-1",
		Status:       domain.OrderCompleted,
		Orientation:  domain.OrientationSale,
		CustomerID:   "cust-1",
		CustomerName: "Bu Sari",
		Lines: []domain.OrderLine{
			{ProductID: "mie", Name: "Mie", Quantity: d("2"), UnitPrice: d("90"), Discount: d("5"), Taxes: []domain.TaxRate{{Name: "VAT", Rate: d("10")}}, TaxIncluded: true},
			{ProductID: "kaos", VariantID: "m", Name: "Kaos M", Quantity: d("1"), UnitPrice: d("120")},
		},
		Discount: &domain.DiscountSelection{RateType: domain.DiscountFixed, Rate: d("10")},
		Tax:      &domain.TaxSelection{Rate: d("11")},
	}
}

func catalog() fakeCatalog {
	return fakeCatalog{
		"mie":  {ID: "mie", Name: "Mie", BasePrice: d("100"), ManageInventory: true, Quantity: d("0")},
		"kaos": {ID: "kaos", Name: "Kaos", BasePrice: d("100"), Variants: []domain.Variant{{ID: "m", Name: "M", Price: d("130")}}},
	}
}

func TestReturnFromInvertsSignAndKeepsChargedValues(t *testing.T) {
	c := NewController(catalog())
	order := completedOrder()

	derived, err := c.ReturnFrom(context.Background(), order)
	require.NoError(t, err)

	assert.Equal(t, domain.OrientationReturn, derived.Orientation)
	assert.Equal(t, "ord-1", derived.ReturnOf)
	assert.Equal(t, "cust-1", derived.CustomerID)
	require.Len(t, derived.Lines, 2)
	for i, line := range derived.Lines {
		assert.Equal(t, order.Lines[i].Quantity.Neg().String(), line.Quantity.String())
	}
	assert.True(t, derived.Lines[0].UnitPrice.Equal(d("90")), "charged price, not catalog price")
	assert.True(t, derived.Lines[0].Discount.Equal(d("5")))
	assert.True(t, derived.Lines[1].UnitPrice.Equal(d("120")))
	require.NotNil(t, derived.Lines[1].Variant)
	assert.Equal(t, "m", derived.Lines[1].Variant.ID)
	require.NotNil(t, derived.Discount)
	assert.True(t, derived.Discount.Rate.Equal(d("10")))
}

func TestReturnTotalMirrorsOriginal(t *testing.T) {
	c := NewController(catalog())
	order := completedOrder()
	engine := pricing.NewEngine()

	sale, err := c.ReorderFrom(context.Background(), order)
	require.NoError(t, err)
	ret, err := c.ReturnFrom(context.Background(), order)
	require.NoError(t, err)

	saleTotals := engine.Compute(sale.Lines, pricing.Selection{Discount: sale.Discount, Tax: sale.Tax})
	returnTotals := engine.Compute(ret.Lines, pricing.Selection{Discount: ret.Discount, Tax: ret.Tax})

	assert.True(t, saleTotals.FinalTotal.IsPositive())
	assert.True(t, returnTotals.FinalTotal.Equal(saleTotals.FinalTotal.Neg()))
}

func TestReorderFromKeepsPositiveQuantitiesWithoutBackReference(t *testing.T) {
	derived, err := NewController(catalog()).ReorderFrom(context.Background(), completedOrder())
	require.NoError(t, err)

	assert.Equal(t, domain.OrientationSale, derived.Orientation)
	assert.Empty(t, derived.ReturnOf)
	assert.Equal(t, "Bu Sari", derived.CustomerName)
	assert.True(t, derived.Lines[0].Quantity.Equal(d("2")))
}

func TestReorderFromResumesHeldRefundAsRefund(t *testing.T) {
	held := completedOrder()
	held.ID = "ord-2"
	held.Status = domain.OrderOnHold
	held.Orientation = domain.OrientationReturn
	held.ReturnOf = "ord-1"
	held.Notes = "customer comes back tomorrow"
	for i := range held.Lines {
		held.Lines[i].Quantity = held.Lines[i].Quantity.Neg()
	}

	derived, err := NewController(catalog()).ReorderFrom(context.Background(), held)
	require.NoError(t, err)

	assert.Equal(t, domain.OrientationReturn, derived.Orientation)
	assert.Equal(t, "ord-1", derived.ReturnOf)
	assert.Equal(t, "customer comes back tomorrow", derived.Notes)
	for _, line := range derived.Lines {
		assert.True(t, line.Quantity.IsNegative(), "line %s", line.Product.ID)
	}

	completedRefund := held
	completedRefund.Status = domain.OrderCompleted
	again, err := NewController(catalog()).ReorderFrom(context.Background(), completedRefund)
	require.NoError(t, err)
	assert.Equal(t, domain.OrientationSale, again.Orientation)
	assert.Empty(t, again.ReturnOf)
	assert.True(t, again.Lines[0].Quantity.Equal(d("2")))
}

func TestDeriveLinesFallsBackForMissingProducts(t *testing.T) {
	lines, err := NewController(fakeCatalog{}).DeriveLines(context.Background(), completedOrder(), domain.OrientationReturn)
	require.NoError(t, err)

	assert.Equal(t, "mie", lines[0].Product.ID)
	assert.False(t, lines[0].Product.ManageInventory)
	assert.True(t, lines[0].Product.BasePrice.Equal(d("90")))
	require.NotNil(t, lines[1].Variant)
	assert.Equal(t, "m", lines[1].Variant.ID)
}

func TestDeriveLinesPropagatesCatalogFailures(t *testing.T) {
	_, err := NewController(brokenCatalog{}).DeriveLines(context.Background(), completedOrder(), domain.OrientationSale)
	assert.EqualError(t, err, "catalog offline")
}

func TestReturnFromRejectsNonCompletedOrders(t *testing.T) {
	c := NewController(catalog())

	held := completedOrder()
	held.Status = domain.OrderOnHold
	_, err := c.ReturnFrom(context.Background(), held)
	assert.ErrorIs(t, err, ErrNotReturnable)

	refund := completedOrder()
	refund.Orientation = domain.OrientationReturn
	_, err = c.ReturnFrom(context.Background(), refund)
	assert.ErrorIs(t, err, ErrNotReturnable)

	_, err = c.ReorderFrom(context.Background(), domain.Order{ID: "empty"})
	assert.ErrorIs(t, err, ErrEmptyOrder)
}
