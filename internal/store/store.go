package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"kasirinaja/pos/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInvalidTransaction = errors.New("invalid transaction")
)

// FieldError is one field-level rejection reported by order persistence.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is returned by Orders.SubmitOrder when the payload is
// structurally valid but fails business validation.
type ValidationError struct {
	Fields []FieldError
}

func NewValidationError(field string, message string) *ValidationError {
	return &ValidationError{Fields: []FieldError{{Field: field, Message: message}}}
}

func (e *ValidationError) Add(field string, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Field, f.Message))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidTransaction
}

type Catalog interface {
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
}

type Customers interface {
	GetCustomer(ctx context.Context, id string) (*domain.Customer, error)
}

type PaymentTypes interface {
	ListPaymentTypes(ctx context.Context) ([]domain.PaymentType, error)
	GetPaymentType(ctx context.Context, id string) (*domain.PaymentType, error)
}

type Orders interface {
	SubmitOrder(ctx context.Context, payload domain.TransactionPayload) (*domain.OrderReceipt, error)
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
}

type Users interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type AuditLog interface {
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, storeID string, limit int) ([]domain.AuditLog, error)
}

type Repository interface {
	Catalog
	Customers
	PaymentTypes
	Orders
	Users
	AuditLog
}
