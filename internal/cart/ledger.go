package cart

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"kasirinaja/pos/internal/domain"
)

var (
	ErrZeroQuantity     = errors.New("quantity must not be zero")
	ErrWrongOrientation = errors.New("quantity sign does not match the transaction")
	ErrFixedPrice       = errors.New("product price is fixed")
	ErrLineNotFound     = errors.New("cart line not found")
	ErrEmptyCart        = errors.New("cart is empty")
	ErrVariantRequired  = errors.New("variant selection required")
)

// VariantOption is one selectable option of a product with variants. A nil
// Variant is the base product.
type VariantOption struct {
	Variant *domain.Variant `json:"variant,omitempty"`
	Name    string          `json:"name"`
	Price   decimal.Decimal `json:"price"`
}

// VariantChoiceError is returned by AddLine for products with variants; no
// line is created until the caller picks one of Options.
type VariantChoiceError struct {
	Product domain.Product
	Options []VariantOption
}

func (e *VariantChoiceError) Error() string {
	return fmt.Sprintf("product %s has %d options, choose one", e.Product.ID, len(e.Options))
}

func (e *VariantChoiceError) Is(target error) bool {
	return target == ErrVariantRequired
}

type PriceOutOfRangeError struct {
	Price decimal.Decimal
	Min   decimal.Decimal
	Max   decimal.Decimal
}

func (e *PriceOutOfRangeError) Error() string {
	return fmt.Sprintf("price %s outside allowed range [%s, %s]", e.Price, e.Min, e.Max)
}

type StockValidator interface {
	Validate(product domain.Product, variant *domain.Variant, proposedTotal decimal.Decimal, storeID string) error
}

// Ledger holds the ordered lines of one in-progress transaction. Quantities
// entered through the ledger take the sign of its orientation. A rejected
// mutation leaves the lines untouched.
type Ledger struct {
	stock       StockValidator
	storeID     string
	orientation domain.Orientation
	lines       []domain.CartLine
}

func NewLedger(stock StockValidator, storeID string) *Ledger {
	return &Ledger{
		stock:       stock,
		storeID:     storeID,
		orientation: domain.OrientationSale,
	}
}

func (l *Ledger) Orientation() domain.Orientation {
	return l.orientation
}

func (l *Ledger) Len() int {
	return len(l.lines)
}

func (l *Ledger) Lines() []domain.CartLine {
	out := make([]domain.CartLine, 0, len(l.lines))
	for _, line := range l.lines {
		out = append(out, line.Clone())
	}
	return out
}

func (l *Ledger) Line(index int) (domain.CartLine, error) {
	if index < 0 || index >= len(l.lines) {
		return domain.CartLine{}, ErrLineNotFound
	}
	return l.lines[index].Clone(), nil
}

func (l *Ledger) Clear() {
	l.lines = nil
	l.orientation = domain.OrientationSale
}

// Seed replaces the ledger content with lines derived from a prior order.
// Stock is not re-validated: the goods were already accounted for.
func (l *Ledger) Seed(orientation domain.Orientation, lines []domain.CartLine) {
	l.orientation = orientation
	l.lines = make([]domain.CartLine, 0, len(lines))
	for _, line := range lines {
		l.lines = append(l.lines, line.Clone())
	}
}

func (l *Ledger) AddLine(product domain.Product, quantity decimal.Decimal, unitPrice *decimal.Decimal) (int, error) {
	if product.HasVariants() {
		options := make([]VariantOption, 0, len(product.Variants)+1)
		options = append(options, VariantOption{Name: product.Name, Price: product.BasePrice})
		for i := range product.Variants {
			v := product.Variants[i]
			options = append(options, VariantOption{Variant: &v, Name: v.Name, Price: variantPrice(product, &v)})
		}
		return -1, &VariantChoiceError{Product: product, Options: options}
	}
	return l.AddVariantLine(product, nil, quantity, unitPrice)
}

// AddVariantLine adds (product, variant) or increments the existing line with
// that identity. An explicit unitPrice also reprices a merged line. It returns
// the index of the affected line.
func (l *Ledger) AddVariantLine(product domain.Product, variant *domain.Variant, quantity decimal.Decimal, unitPrice *decimal.Decimal) (int, error) {
	if quantity.IsZero() {
		return -1, ErrZeroQuantity
	}
	qty := l.orientation.Orient(quantity)

	price := variantPrice(product, variant)
	if unitPrice != nil && !unitPrice.Equal(price) {
		if err := checkPrice(product, variant, *unitPrice); err != nil {
			return -1, err
		}
		price = *unitPrice
	}

	variantID := ""
	if variant != nil {
		variantID = variant.ID
	}
	index := l.find(product.ID, variantID)

	demand := l.demand(product.ID+"/"+variantID, -1).Add(qty)
	if err := l.stock.Validate(product, variant, demand, l.storeID); err != nil {
		return -1, err
	}

	if index >= 0 {
		l.lines[index].Quantity = l.lines[index].Quantity.Add(qty)
		if unitPrice != nil {
			l.lines[index].UnitPrice = price
		}
		l.lines[index].Discount = clampDiscount(l.lines[index].Discount, l.lines[index].Gross())
		return index, nil
	}

	line := domain.CartLine{
		Product:     product,
		Quantity:    qty,
		UnitPrice:   price,
		Discount:    decimal.Zero,
		Taxes:       append([]domain.TaxRate(nil), product.Taxes...),
		TaxIncluded: true,
	}
	if variant != nil {
		v := *variant
		line.Variant = &v
	}
	l.lines = append(l.lines, line)
	return len(l.lines) - 1, nil
}

func (l *Ledger) ChangeQuantity(index int, quantity decimal.Decimal) error {
	if index < 0 || index >= len(l.lines) {
		return ErrLineNotFound
	}
	if quantity.IsZero() {
		return ErrZeroQuantity
	}
	if quantity.Sign() != l.orientation.Sign().Sign() {
		return ErrWrongOrientation
	}

	line := l.lines[index]
	demand := l.demand(line.StockKey(), index).Add(quantity)
	if err := l.stock.Validate(line.Product, line.Variant, demand, l.storeID); err != nil {
		return err
	}

	l.lines[index].Quantity = quantity
	l.lines[index].Discount = clampDiscount(l.lines[index].Discount, l.lines[index].Gross())
	return nil
}

func (l *Ledger) ChangePrice(index int, price decimal.Decimal) error {
	if index < 0 || index >= len(l.lines) {
		return ErrLineNotFound
	}
	line := l.lines[index]
	if err := checkPrice(line.Product, line.Variant, price); err != nil {
		return err
	}

	l.lines[index].UnitPrice = price
	l.lines[index].Discount = clampDiscount(l.lines[index].Discount, l.lines[index].Gross())
	return nil
}

// ChangeDiscount stores the discount clamped into [0, |unit price x quantity|].
func (l *Ledger) ChangeDiscount(index int, discount decimal.Decimal) (decimal.Decimal, error) {
	if index < 0 || index >= len(l.lines) {
		return decimal.Zero, ErrLineNotFound
	}
	clamped := clampDiscount(discount, l.lines[index].Gross())
	l.lines[index].Discount = clamped
	return clamped, nil
}

func (l *Ledger) SetChecked(index int, checked bool) error {
	if index < 0 || index >= len(l.lines) {
		return ErrLineNotFound
	}
	l.lines[index].Checked = checked
	return nil
}

func (l *Ledger) RemoveLine(index int) error {
	if index < 0 || index >= len(l.lines) {
		return ErrLineNotFound
	}
	l.lines = append(l.lines[:index], l.lines[index+1:]...)
	return nil
}

// DuplicateLast appends a copy of the last line after checking stock for the
// extra quantity.
func (l *Ledger) DuplicateLast() (int, error) {
	if len(l.lines) == 0 {
		return -1, ErrEmptyCart
	}
	last := l.lines[len(l.lines)-1].Clone()

	demand := l.demand(last.StockKey(), -1).Add(last.Quantity)
	if err := l.stock.Validate(last.Product, last.Variant, demand, l.storeID); err != nil {
		return -1, err
	}

	l.lines = append(l.lines, last)
	return len(l.lines) - 1, nil
}

func (l *Ledger) find(productID string, variantID string) int {
	for i, line := range l.lines {
		if line.Product.ID == productID && line.VariantID() == variantID {
			return i
		}
	}
	return -1
}

// demand sums the quantity of every line drawing from key, skipping the line
// at index skip.
func (l *Ledger) demand(key string, skip int) decimal.Decimal {
	total := decimal.Zero
	for i, line := range l.lines {
		if i == skip || line.StockKey() != key {
			continue
		}
		total = total.Add(line.Quantity)
	}
	return total
}

func variantPrice(product domain.Product, variant *domain.Variant) decimal.Decimal {
	if variant != nil && variant.Price.IsPositive() {
		return variant.Price
	}
	return product.BasePrice
}

func checkPrice(product domain.Product, variant *domain.Variant, price decimal.Decimal) error {
	minPrice := product.MinPrice
	if variant != nil && variant.MinPrice != nil {
		minPrice = variant.MinPrice
	}
	if minPrice == nil {
		return ErrFixedPrice
	}
	maxPrice := variantPrice(product, variant)
	if price.LessThan(*minPrice) || price.GreaterThan(maxPrice) {
		return &PriceOutOfRangeError{Price: price, Min: *minPrice, Max: maxPrice}
	}
	return nil
}

func clampDiscount(discount decimal.Decimal, gross decimal.Decimal) decimal.Decimal {
	if discount.IsNegative() {
		return decimal.Zero
	}
	limit := gross.Abs()
	if discount.GreaterThan(limit) {
		return limit
	}
	return discount
}
