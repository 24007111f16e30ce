package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type TaxRate struct {
	Name string          `json:"name"`
	Rate decimal.Decimal `json:"rate"`
}

type StoreStock struct {
	StoreID  string          `json:"store_id"`
	Quantity decimal.Decimal `json:"quantity"`
}

type Variant struct {
	ID       string           `json:"id"`
	SKU      string           `json:"sku"`
	Name     string           `json:"name"`
	Price    decimal.Decimal  `json:"price"`
	MinPrice *decimal.Decimal `json:"min_price,omitempty"`
	Cost     decimal.Decimal  `json:"cost"`
	Stocks   []StoreStock     `json:"stocks,omitempty"`
	Quantity decimal.Decimal  `json:"quantity"`
}

type Product struct {
	ID              string           `json:"id"`
	SKU             string           `json:"sku"`
	Name            string           `json:"name"`
	BasePrice       decimal.Decimal  `json:"base_price"`
	MinPrice        *decimal.Decimal `json:"min_price,omitempty"`
	Cost            decimal.Decimal  `json:"cost"`
	Taxes           []TaxRate        `json:"taxes,omitempty"`
	Variants        []Variant        `json:"variants,omitempty"`
	Stocks          []StoreStock     `json:"stocks,omitempty"`
	Quantity        decimal.Decimal  `json:"quantity"`
	ManageInventory bool             `json:"manage_inventory"`
	Active          bool             `json:"active"`
}

func (p Product) HasVariants() bool {
	return len(p.Variants) > 0
}

func (p Product) FindVariant(id string) (*Variant, bool) {
	for i := range p.Variants {
		if p.Variants[i].ID == id {
			v := p.Variants[i]
			return &v, true
		}
	}
	return nil, false
}

// Orientation is the sign convention of a transaction: sale lines are
// positive, return lines are negative.
type Orientation int

const (
	OrientationSale   Orientation = 1
	OrientationReturn Orientation = -1
)

func (o Orientation) Sign() decimal.Decimal {
	if o == OrientationReturn {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// Orient returns |amount| carrying the orientation's sign.
func (o Orientation) Orient(amount decimal.Decimal) decimal.Decimal {
	return amount.Abs().Mul(o.Sign())
}

func (o Orientation) String() string {
	if o == OrientationReturn {
		return "return"
	}
	return "sale"
}

func (o Orientation) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Orientation) UnmarshalText(text []byte) error {
	switch string(text) {
	case "", "sale":
		*o = OrientationSale
	case "return":
		*o = OrientationReturn
	default:
		return fmt.Errorf("unknown orientation %q", string(text))
	}
	return nil
}

type CartLine struct {
	Product     Product         `json:"product"`
	Variant     *Variant        `json:"variant,omitempty"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Discount    decimal.Decimal `json:"discount"`
	Taxes       []TaxRate       `json:"taxes,omitempty"`
	TaxIncluded bool            `json:"tax_included"`
	Checked     bool            `json:"checked"`
}

func (l CartLine) VariantID() string {
	if l.Variant == nil {
		return ""
	}
	return l.Variant.ID
}

// StockKey identifies the stock pool a line draws from.
func (l CartLine) StockKey() string {
	return l.Product.ID + "/" + l.VariantID()
}

func (l CartLine) Gross() decimal.Decimal {
	return l.UnitPrice.Mul(l.Quantity)
}

func (l CartLine) Clone() CartLine {
	out := l
	if l.Variant != nil {
		v := *l.Variant
		out.Variant = &v
	}
	out.Taxes = append([]TaxRate(nil), l.Taxes...)
	return out
}

type PaymentCategory string

const (
	PaymentCash   PaymentCategory = "cash"
	PaymentMobile PaymentCategory = "mobile"
	PaymentCredit PaymentCategory = "credit"
	PaymentCard   PaymentCategory = "card"
)

type PaymentType struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Category         PaymentCategory `json:"category"`
	CanHaveChangeDue bool            `json:"can_have_change_due"`
}

type PaymentTender struct {
	Type     PaymentType     `json:"type"`
	Total    decimal.Decimal `json:"total"`
	Received decimal.Decimal `json:"received"`
	Due      decimal.Decimal `json:"due"`
}

type DiscountRateType string

const (
	DiscountPercent DiscountRateType = "percent"
	DiscountFixed   DiscountRateType = "fixed"
)

type DiscountSelection struct {
	RateType     DiscountRateType `json:"rate_type"`
	Rate         decimal.Decimal  `json:"rate"`
	ManualAmount *decimal.Decimal `json:"manual_amount,omitempty"`
}

type TaxSelection struct {
	Name string          `json:"name,omitempty"`
	Rate decimal.Decimal `json:"rate"`
}

type LineTotals struct {
	Gross    decimal.Decimal `json:"gross"`
	UnitTax  decimal.Decimal `json:"unit_tax"`
	Tax      decimal.Decimal `json:"tax"`
	Discount decimal.Decimal `json:"discount"`
	Net      decimal.Decimal `json:"net"`
}

// Totals is derived from cart state and never mutated directly.
type Totals struct {
	Subtotal            decimal.Decimal `json:"subtotal"`
	LineDiscountTotal   decimal.Decimal `json:"line_discount_total"`
	LineTaxTotal        decimal.Decimal `json:"line_tax_total"`
	OrderDiscountAmount decimal.Decimal `json:"order_discount_amount"`
	OrderTaxAmount      decimal.Decimal `json:"order_tax_amount"`
	TaxTotal            decimal.Decimal `json:"tax_total"`
	RoundingBase        decimal.Decimal `json:"rounding_base"`
	Adjustment          decimal.Decimal `json:"adjustment"`
	SuggestedAdjustment decimal.Decimal `json:"suggested_adjustment"`
	FinalTotal          decimal.Decimal `json:"final_total"`
	Lines               []LineTotals    `json:"lines,omitempty"`
}

type Customer struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	Outstanding     decimal.Decimal  `json:"outstanding"`
	CreditLimit     *decimal.Decimal `json:"credit_limit,omitempty"`
	AllowCreditSale bool             `json:"allow_credit_sale"`
}

type OrderStatus string

const (
	OrderCompleted OrderStatus = "completed"
	OrderOnHold    OrderStatus = "on-hold"
	OrderPending   OrderStatus = "pending"
)

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderCompleted, OrderOnHold, OrderPending:
		return true
	default:
		return false
	}
}

type OrderLine struct {
	ProductID   string          `json:"product_id"`
	VariantID   string          `json:"variant_id,omitempty"`
	Name        string          `json:"name"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Discount    decimal.Decimal `json:"discount"`
	Taxes       []TaxRate       `json:"taxes,omitempty"`
	TaxIncluded bool            `json:"tax_included"`
}

// Order is a persisted transaction as read back from the order API.
type Order struct {
	ID           string             `json:"id"`
	ReceiptNo    string             `json:"receipt_no"`
	StoreID      string             `json:"store_id"`
	TerminalID   string             `json:"terminal_id"`
	CustomerID   string             `json:"customer_id,omitempty"`
	CustomerName string             `json:"customer_name,omitempty"`
	Status       OrderStatus        `json:"status"`
	Orientation  Orientation        `json:"orientation"`
	ReturnOf     string             `json:"return_of,omitempty"`
	Notes        string             `json:"notes,omitempty"`
	Lines        []OrderLine        `json:"lines"`
	Discount     *DiscountSelection `json:"discount,omitempty"`
	Tax          *TaxSelection      `json:"tax,omitempty"`
	Totals       Totals             `json:"totals"`
	Tenders      []PaymentTender    `json:"tenders,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
}

// TransactionPayload is the finalized transaction handed to the order API.
type TransactionPayload struct {
	IdempotencyKey string             `json:"idempotency_key"`
	StoreID        string             `json:"store_id"`
	TerminalID     string             `json:"terminal_id"`
	Status         OrderStatus        `json:"status"`
	Orientation    Orientation        `json:"orientation"`
	ReturnOf       string             `json:"return_of,omitempty"`
	CustomerID     string             `json:"customer_id,omitempty"`
	CustomerName   string             `json:"customer_name,omitempty"`
	Notes          string             `json:"notes,omitempty"`
	Lines          []OrderLine        `json:"lines"`
	Discount       *DiscountSelection `json:"discount,omitempty"`
	Tax            *TaxSelection      `json:"tax,omitempty"`
	Totals         Totals             `json:"totals"`
	Tenders        []PaymentTender    `json:"tenders"`
	ChangeDue      decimal.Decimal    `json:"change_due"`
	CreatedAt      time.Time          `json:"created_at"`
}

type OrderReceipt struct {
	OrderID   string          `json:"order_id"`
	ReceiptNo string          `json:"receipt_no"`
	Status    OrderStatus     `json:"status"`
	Totals    Totals          `json:"totals"`
	ChangeDue decimal.Decimal `json:"change_due"`
	Duplicate bool            `json:"duplicate"`
	CreatedAt time.Time       `json:"created_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	StoreID       string    `json:"store_id"`
	TerminalID    string    `json:"terminal_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}
