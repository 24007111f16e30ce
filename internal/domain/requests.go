package domain

import "github.com/shopspring/decimal"

type AddLineRequest struct {
	ProductID string           `json:"product_id"`
	VariantID string           `json:"variant_id,omitempty"`
	Base      bool             `json:"base,omitempty"`
	Quantity  decimal.Decimal  `json:"quantity"`
	UnitPrice *decimal.Decimal `json:"unit_price,omitempty"`
}

type LineUpdateRequest struct {
	Quantity  *decimal.Decimal `json:"quantity,omitempty"`
	UnitPrice *decimal.Decimal `json:"unit_price,omitempty"`
	Discount  *decimal.Decimal `json:"discount,omitempty"`
	Checked   *bool            `json:"checked,omitempty"`
}

type AdjustmentRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type CustomerAttachRequest struct {
	CustomerID string `json:"customer_id,omitempty"`
	Name       string `json:"name,omitempty"`
}

type NotesRequest struct {
	Notes string `json:"notes"`
}

type TenderRequest struct {
	PaymentTypeID string          `json:"payment_type_id"`
	Amount        decimal.Decimal `json:"amount"`
}

type SubmitRequest struct {
	Status OrderStatus `json:"status"`
}

type SessionSnapshot struct {
	StoreID      string             `json:"store_id"`
	TerminalID   string             `json:"terminal_id"`
	Orientation  Orientation        `json:"orientation"`
	ReturnOf     string             `json:"return_of,omitempty"`
	Customer     *Customer          `json:"customer,omitempty"`
	CustomerName string             `json:"customer_name,omitempty"`
	Notes        string             `json:"notes,omitempty"`
	Lines        []CartLine         `json:"lines"`
	Discount     *DiscountSelection `json:"discount,omitempty"`
	Tax          *TaxSelection      `json:"tax,omitempty"`
	Totals       Totals             `json:"totals"`
	Tenders      []PaymentTender    `json:"tenders"`
	ChangeDue    decimal.Decimal    `json:"change_due"`
	CanSettle    bool               `json:"can_settle"`
	Submitting   bool               `json:"submitting"`
}

type SubmitResponse struct {
	Receipt       OrderReceipt       `json:"receipt"`
	Transaction   TransactionPayload `json:"transaction"`
	ReceiptIssued bool               `json:"receipt_issued"`
}

type PaymentTypeListResponse struct {
	PaymentTypes []PaymentType `json:"payment_types"`
}

type AuditLogListResponse struct {
	AuditLogs []AuditLog `json:"audit_logs"`
}
