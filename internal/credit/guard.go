package credit

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"kasirinaja/pos/internal/domain"
)

var (
	ErrCustomerRequired    = errors.New("credit sale requires a registered customer")
	ErrCreditNotAllowed    = errors.New("customer is not allowed credit sales")
	ErrCreditLimitExceeded = errors.New("credit limit exceeded")
)

type LimitExceededError struct {
	CustomerID  string
	Outstanding decimal.Decimal
	Requested   decimal.Decimal
	Limit       decimal.Decimal
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("credit limit exceeded for customer %s: outstanding %s + requested %s > limit %s",
		e.CustomerID, e.Outstanding, e.Requested, e.Limit)
}

func (e *LimitExceededError) Is(target error) bool {
	return target == ErrCreditLimitExceeded
}

// Guard decides whether a customer may take on more credit. Tender selection
// and final submission both go through CanAllocateCredit.
type Guard struct{}

func NewGuard() Guard {
	return Guard{}
}

// CanSettleCredit checks a signed credit total. A refund to the customer's
// account lowers the debt, so it only needs an identified customer; positive
// amounts go through CanAllocateCredit.
func (g Guard) CanSettleCredit(customer *domain.Customer, amount decimal.Decimal) error {
	if amount.IsPositive() {
		return g.CanAllocateCredit(customer, amount)
	}
	if customer == nil || customer.ID == "" {
		return ErrCustomerRequired
	}
	return nil
}

// CanAllocateCredit checks amount against the customer's gate and limit. A
// nil or non-positive limit means unlimited.
func (Guard) CanAllocateCredit(customer *domain.Customer, amount decimal.Decimal) error {
	if customer == nil || customer.ID == "" {
		return ErrCustomerRequired
	}
	if !customer.AllowCreditSale {
		return ErrCreditNotAllowed
	}
	if customer.CreditLimit == nil || !customer.CreditLimit.IsPositive() {
		return nil
	}
	if customer.Outstanding.Add(amount).GreaterThan(*customer.CreditLimit) {
		return &LimitExceededError{
			CustomerID:  customer.ID,
			Outstanding: customer.Outstanding,
			Requested:   amount,
			Limit:       *customer.CreditLimit,
		}
	}
	return nil
}
