package stock

import (
	"fmt"

	"github.com/shopspring/decimal"

	"kasirinaja/pos/internal/domain"
	"kasirinaja/pos/internal/store"
)

// Availability is the quantity a product can still supply. Unbounded is set
// for products that do not manage inventory.
type Availability struct {
	Unbounded bool
	Quantity  decimal.Decimal
}

func (a Availability) Covers(requested decimal.Decimal) bool {
	return a.Unbounded || requested.LessThanOrEqual(a.Quantity)
}

func (a Availability) String() string {
	if a.Unbounded {
		return "unbounded"
	}
	return a.Quantity.String()
}

type InsufficientStockError struct {
	ProductID string
	VariantID string
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: available %s, requested %s", e.item(), e.Available, e.Requested)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == store.ErrInsufficientStock
}

func (e *InsufficientStockError) item() string {
	if e.VariantID == "" {
		return e.ProductID
	}
	return e.ProductID + "/" + e.VariantID
}

type Resolver struct{}

func NewResolver() Resolver {
	return Resolver{}
}

// Available resolves the quantity on hand for product (or the given variant)
// in storeID. Variant stock never falls back to the parent product.
func (Resolver) Available(product domain.Product, variant *domain.Variant, storeID string) Availability {
	if !product.ManageInventory {
		return Availability{Unbounded: true}
	}

	stocks, flat := product.Stocks, product.Quantity
	if variant != nil {
		stocks, flat = variant.Stocks, variant.Quantity
	}

	if len(stocks) == 0 {
		return Availability{Quantity: flat}
	}

	if storeID != "" {
		for _, entry := range stocks {
			if entry.StoreID == storeID {
				return Availability{Quantity: entry.Quantity}
			}
		}
		return Availability{Quantity: decimal.Zero}
	}

	sum := decimal.Zero
	for _, entry := range stocks {
		sum = sum.Add(entry.Quantity)
	}
	return Availability{Quantity: sum}
}

// Validate checks a proposed total demand. Non-positive demand (returns)
// puts goods back and always passes.
func (r Resolver) Validate(product domain.Product, variant *domain.Variant, proposedTotal decimal.Decimal, storeID string) error {
	if !proposedTotal.IsPositive() {
		return nil
	}
	available := r.Available(product, variant, storeID)
	if available.Covers(proposedTotal) {
		return nil
	}
	variantID := ""
	if variant != nil {
		variantID = variant.ID
	}
	return &InsufficientStockError{
		ProductID: product.ID,
		VariantID: variantID,
		Available: available.Quantity,
		Requested: proposedTotal,
	}
}
