package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"kasirinaja/pos/internal/domain"
	"kasirinaja/pos/internal/store"
)

var (
	ErrZeroAmount          = errors.New("tender amount must not be zero")
	ErrExactAmountRequired = errors.New("payment type requires an exact amount")
	ErrTenderNotFound      = errors.New("tender not found")
	ErrSubmitInProgress    = errors.New("submission already in progress")
	ErrNotSettled          = errors.New("tenders do not cover the total")
	ErrEmptyTransaction    = errors.New("transaction has no lines")
	ErrInvalidStatus       = errors.New("invalid transaction status")
)

// ValidationRejectedError carries the field errors order persistence
// reported. Session state is left as it was so the cashier can correct it.
type ValidationRejectedError struct {
	Fields []store.FieldError
	Err    error
}

func (e *ValidationRejectedError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Field, f.Message))
	}
	return "transaction rejected: " + strings.Join(parts, "; ")
}

func (e *ValidationRejectedError) Unwrap() error {
	return e.Err
}

// SubmissionFailedError wraps any other persistence failure. It is safe to
// retry with the same payload.
type SubmissionFailedError struct {
	Err error
}

func (e *SubmissionFailedError) Error() string {
	return fmt.Sprintf("transaction submission failed: %v", e.Err)
}

func (e *SubmissionFailedError) Unwrap() error {
	return e.Err
}

type Persister interface {
	SubmitOrder(ctx context.Context, payload domain.TransactionPayload) (*domain.OrderReceipt, error)
}

type CreditChecker interface {
	CanSettleCredit(customer *domain.Customer, amount decimal.Decimal) error
}

// Submission is the transaction to persist. Tenders and change due are
// filled in by the session.
type Submission struct {
	Payload  domain.TransactionPayload
	Customer *domain.Customer
}

type Result struct {
	Receipt domain.OrderReceipt
	Payload domain.TransactionPayload
}

// Session accumulates tenders against a target total. The target is passed
// in on every call so the tender list is the only state kept here.
type Session struct {
	mu       sync.Mutex
	tenders  []domain.PaymentTender
	inFlight atomic.Bool
	credit   CreditChecker
}

func NewSession(credit CreditChecker) *Session {
	return &Session{credit: credit}
}

// AddTender records amount paid with paymentType. The amount takes the sign
// of target; the constraints are checked on magnitudes.
func (s *Session) AddTender(target decimal.Decimal, amount decimal.Decimal, paymentType domain.PaymentType) (domain.PaymentTender, error) {
	if s.inFlight.Load() {
		return domain.PaymentTender{}, ErrSubmitInProgress
	}
	if amount.IsZero() {
		return domain.PaymentTender{}, ErrZeroAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mag := amount.Abs()
	goal := target.Abs()
	paid, received := sums(s.tenders)
	paid, received = paid.Abs(), received.Abs()

	if !paymentType.CanHaveChangeDue && received.Add(mag).GreaterThan(goal) {
		return domain.PaymentTender{}, ErrExactAmountRequired
	}

	remaining := decimal.Max(goal.Sub(paid), decimal.Zero)
	total := decimal.Min(mag, remaining)

	sign := decimal.NewFromInt(1)
	if target.IsNegative() {
		sign = sign.Neg()
	}
	tender := domain.PaymentTender{
		Type:     paymentType,
		Total:    total.Mul(sign),
		Received: mag.Mul(sign),
		Due:      mag.Sub(total).Mul(sign),
	}
	s.tenders = append(s.tenders, tender)
	return tender, nil
}

func (s *Session) RemoveTender(index int) error {
	if s.inFlight.Load() {
		return ErrSubmitInProgress
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.tenders) {
		return ErrTenderNotFound
	}
	s.tenders = append(s.tenders[:index], s.tenders[index+1:]...)
	return nil
}

func (s *Session) Tenders() []domain.PaymentTender {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.PaymentTender(nil), s.tenders...)
}

func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tenders)
}

// Paid is the portion of the tenders counted toward the total.
func (s *Session) Paid() decimal.Decimal {
	paid, _ := sums(s.Tenders())
	return paid
}

func (s *Session) Received() decimal.Decimal {
	_, received := sums(s.Tenders())
	return received
}

// ChangeDue is received minus target, or entered minus target before any
// tender exists. Negative means the customer still owes the difference.
func (s *Session) ChangeDue(target decimal.Decimal, entered decimal.Decimal) decimal.Decimal {
	return changeDue(s.Tenders(), target, entered)
}

func (s *Session) CanSettle(target decimal.Decimal) bool {
	return !s.inFlight.Load() && covers(s.Tenders(), target)
}

func (s *Session) Submitting() bool {
	return s.inFlight.Load()
}

func (s *Session) Clear() {
	s.mu.Lock()
	s.tenders = nil
	s.mu.Unlock()
}

// Submit persists the transaction built by prepare. Only one submission runs
// at a time; a concurrent call returns ErrSubmitInProgress and changes
// nothing. finish, when set, runs before the guard is released whatever the
// outcome. Tenders are cleared only after persistence succeeds.
func (s *Session) Submit(ctx context.Context, orders Persister, prepare func() (Submission, error), finish func(*Result, error)) (result *Result, err error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		return nil, ErrSubmitInProgress
	}
	defer func() {
		if finish != nil {
			finish(result, err)
		}
		s.inFlight.Store(false)
	}()

	sub, err := prepare()
	if err != nil {
		return nil, err
	}
	return s.submit(ctx, orders, sub)
}

func (s *Session) submit(ctx context.Context, orders Persister, sub Submission) (*Result, error) {
	payload := sub.Payload
	if !payload.Status.Valid() {
		return nil, ErrInvalidStatus
	}
	if len(payload.Lines) == 0 {
		return nil, ErrEmptyTransaction
	}

	tenders := s.Tenders()
	target := payload.Totals.FinalTotal
	if payload.Status == domain.OrderCompleted && !covers(tenders, target) {
		return nil, ErrNotSettled
	}

	if amount, ok := creditTotal(tenders); ok && s.credit != nil {
		if err := s.credit.CanSettleCredit(sub.Customer, amount); err != nil {
			return nil, err
		}
	}

	payload.Tenders = tenders
	payload.ChangeDue = changeDue(tenders, target, decimal.Zero)

	receipt, err := orders.SubmitOrder(ctx, payload)
	if err != nil {
		return nil, classify(err)
	}

	s.Clear()
	return &Result{Receipt: *receipt, Payload: payload}, nil
}

func classify(err error) error {
	var validation *store.ValidationError
	if errors.As(err, &validation) {
		return &ValidationRejectedError{Fields: append([]store.FieldError(nil), validation.Fields...), Err: err}
	}
	return &SubmissionFailedError{Err: err}
}

func sums(tenders []domain.PaymentTender) (paid decimal.Decimal, received decimal.Decimal) {
	for _, t := range tenders {
		paid = paid.Add(t.Total)
		received = received.Add(t.Received)
	}
	return paid, received
}

func changeDue(tenders []domain.PaymentTender, target decimal.Decimal, entered decimal.Decimal) decimal.Decimal {
	if len(tenders) == 0 {
		return entered.Sub(target)
	}
	_, received := sums(tenders)
	return received.Sub(target)
}

func covers(tenders []domain.PaymentTender, target decimal.Decimal) bool {
	return len(tenders) > 0 && !changeDue(tenders, target, decimal.Zero).IsNegative()
}

// creditTotal sums every credit-category tender; the limit is checked
// against the whole amount, not tender by tender.
func creditTotal(tenders []domain.PaymentTender) (decimal.Decimal, bool) {
	total := decimal.Zero
	found := false
	for _, t := range tenders {
		if t.Type.Category != domain.PaymentCredit {
			continue
		}
		total = total.Add(t.Total)
		found = true
	}
	return total, found
}
