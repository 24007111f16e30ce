package txmode

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"kasirinaja/pos/internal/domain"
	"kasirinaja/pos/internal/store"
)

var (
	ErrEmptyOrder    = errors.New("order has no lines")
	ErrNotReturnable = errors.New("only completed sales can be returned")
)

type ProductLookup interface {
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
}

// Derivation is a cart seeded from a prior order.
type Derivation struct {
	Orientation  domain.Orientation
	ReturnOf     string
	CustomerID   string
	CustomerName string
	Notes        string
	Lines        []domain.CartLine
	Discount     *domain.DiscountSelection
	Tax          *domain.TaxSelection
}

type Controller struct {
	catalog ProductLookup
}

func NewController(catalog ProductLookup) *Controller {
	return &Controller{catalog: catalog}
}

// ReturnFrom derives a refund cart: every quantity becomes -|q| and the
// original order is kept as back reference.
func (c *Controller) ReturnFrom(ctx context.Context, order domain.Order) (Derivation, error) {
	if order.Status != domain.OrderCompleted || order.Orientation == domain.OrientationReturn {
		return Derivation{}, ErrNotReturnable
	}
	lines, err := c.DeriveLines(ctx, order, domain.OrientationReturn)
	if err != nil {
		return Derivation{}, err
	}
	derived := carried(order, domain.OrientationReturn, lines)
	derived.ReturnOf = order.ID
	return derived, nil
}

// ReorderFrom derives a cart with the same lines. A completed order is sold
// again. A held or pending order is resumed as it was left, so a parked
// refund keeps its orientation and back reference.
func (c *Controller) ReorderFrom(ctx context.Context, order domain.Order) (Derivation, error) {
	orientation := domain.OrientationSale
	resumed := order.Status == domain.OrderOnHold || order.Status == domain.OrderPending
	if resumed && order.Orientation == domain.OrientationReturn {
		orientation = domain.OrientationReturn
	}

	lines, err := c.DeriveLines(ctx, order, orientation)
	if err != nil {
		return Derivation{}, err
	}
	derived := carried(order, orientation, lines)
	if resumed {
		derived.Notes = order.Notes
		if orientation == domain.OrientationReturn {
			derived.ReturnOf = order.ReturnOf
		}
	}
	return derived, nil
}

// DeriveLines rebuilds cart lines from order with quantities oriented by
// sign. Captured price, discount and tax snapshot are reused as charged; the
// catalog only supplies the product reference. Products no longer in the
// catalog are rebuilt from the order line without inventory tracking.
func (c *Controller) DeriveLines(ctx context.Context, order domain.Order, sign domain.Orientation) ([]domain.CartLine, error) {
	if len(order.Lines) == 0 {
		return nil, ErrEmptyOrder
	}

	lines := make([]domain.CartLine, 0, len(order.Lines))
	for i, ol := range order.Lines {
		if ol.Quantity.IsZero() {
			return nil, fmt.Errorf("%w: line %d has zero quantity", store.ErrInvalidTransaction, i)
		}
		product, err := c.product(ctx, ol)
		if err != nil {
			return nil, err
		}

		line := domain.CartLine{
			Product:     product,
			Quantity:    sign.Orient(ol.Quantity),
			UnitPrice:   ol.UnitPrice,
			Discount:    ol.Discount.Abs(),
			Taxes:       append([]domain.TaxRate(nil), ol.Taxes...),
			TaxIncluded: ol.TaxIncluded,
		}
		if ol.VariantID != "" {
			variant, ok := product.FindVariant(ol.VariantID)
			if !ok {
				variant = &domain.Variant{ID: ol.VariantID, Name: ol.Name, Price: ol.UnitPrice}
			}
			line.Variant = variant
		}
		lines = append(lines, line)
	}
	return lines, nil
}

func (c *Controller) product(ctx context.Context, ol domain.OrderLine) (domain.Product, error) {
	if c.catalog != nil {
		product, err := c.catalog.GetProduct(ctx, ol.ProductID)
		if err == nil {
			return *product, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return domain.Product{}, err
		}
	}
	return domain.Product{
		ID:        ol.ProductID,
		Name:      ol.Name,
		BasePrice: ol.UnitPrice,
		Quantity:  decimal.Zero,
		Active:    true,
	}, nil
}

func carried(order domain.Order, orientation domain.Orientation, lines []domain.CartLine) Derivation {
	derived := Derivation{
		Orientation:  orientation,
		CustomerID:   order.CustomerID,
		CustomerName: order.CustomerName,
		Lines:        lines,
	}
	if order.Discount != nil {
		sel := *order.Discount
		if sel.ManualAmount != nil {
			amount := *sel.ManualAmount
			sel.ManualAmount = &amount
		}
		derived.Discount = &sel
	}
	if order.Tax != nil {
		tax := *order.Tax
		derived.Tax = &tax
	}
	return derived
}
