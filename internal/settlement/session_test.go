package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/pos/internal/credit"
	"kasirinaja/pos/internal/domain"
	"kasirinaja/pos/internal/store"
)

var (
	cash   = domain.PaymentType{ID: "cash", Name: "Tunai", Category: domain.PaymentCash, CanHaveChangeDue: true}
	mobile = domain.PaymentType{ID: "qris", Name: "QRIS", Category: domain.PaymentMobile}
	onTab  = domain.PaymentType{ID: "tab", Name: "Kasbon", Category: domain.PaymentCredit}
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

type fakeOrders struct {
	err      error
	payloads []domain.TransactionPayload
	block    chan struct{}
	started  chan struct{}
}

func (f *fakeOrders) SubmitOrder(_ context.Context, payload domain.TransactionPayload) (*domain.OrderReceipt, error) {
	if f.started != nil {
		close(f.started)
	}
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return nil, f.err
	}
	f.payloads = append(f.payloads, payload)
	return &domain.OrderReceipt{OrderID: "ord-1", ReceiptNo: "R-0001", Status: payload.Status, Totals: payload.Totals}, nil
}

func submission(total string, status domain.OrderStatus, customer *domain.Customer) func() (Submission, error) {
	return func() (Submission, error) {
		return Submission{
			Payload: domain.TransactionPayload{
				IdempotencyKey: "idem-1",
				Status:         status,
				Lines:          []domain.OrderLine{{ProductID: "p1", Quantity: d("1"), UnitPrice: d(total)}},
				Totals:         domain.Totals{FinalTotal: d(total)},
			},
			Customer: customer,
		}, nil
	}
}

func TestAddTenderCashWithChange(t *testing.T) {
	s := NewSession(credit.NewGuard())

	tender, err := s.AddTender(d("198"), d("200"), cash)
	require.NoError(t, err)

	assert.True(t, tender.Total.Equal(d("198")))
	assert.True(t, tender.Received.Equal(d("200")))
	assert.True(t, tender.Due.Equal(d("2")))
	assert.True(t, s.ChangeDue(d("198"), decimal.Zero).Equal(d("2")))
	assert.True(t, s.CanSettle(d("198")))
}

func TestAddTenderExactTypeRejectsOverpay(t *testing.T) {
	s := NewSession(credit.NewGuard())

	_, err := s.AddTender(d("198"), d("200"), mobile)

	assert.ErrorIs(t, err, ErrExactAmountRequired)
	assert.Equal(t, 0, s.Len())
}

func TestAddTenderZeroAmount(t *testing.T) {
	s := NewSession(nil)
	_, err := s.AddTender(d("198"), decimal.Zero, cash)
	assert.ErrorIs(t, err, ErrZeroAmount)
}

func TestSplitTenders(t *testing.T) {
	s := NewSession(nil)

	_, err := s.AddTender(d("198"), d("100"), mobile)
	require.NoError(t, err)
	assert.True(t, s.ChangeDue(d("198"), decimal.Zero).Equal(d("-98")))
	assert.False(t, s.CanSettle(d("198")))

	_, err = s.AddTender(d("198"), d("99"), mobile)
	assert.ErrorIs(t, err, ErrExactAmountRequired, "100 already received plus 99 exceeds 198")

	tender, err := s.AddTender(d("198"), d("100"), cash)
	require.NoError(t, err)
	assert.True(t, tender.Total.Equal(d("98")))
	assert.True(t, tender.Due.Equal(d("2")))
	assert.True(t, s.Paid().Equal(d("198")))
	assert.True(t, s.Received().Equal(d("200")))

	require.NoError(t, s.RemoveTender(1))
	assert.False(t, s.CanSettle(d("198")))
	assert.ErrorIs(t, s.RemoveTender(4), ErrTenderNotFound)
}

func TestChangeDueBeforeAnyTender(t *testing.T) {
	s := NewSession(nil)
	assert.True(t, s.ChangeDue(d("198"), d("250")).Equal(d("52")))
	assert.False(t, s.CanSettle(d("198")), "no tenders yet")
}

func TestReturnTendersTakeTargetSign(t *testing.T) {
	s := NewSession(nil)

	tender, err := s.AddTender(d("-198"), d("198"), cash)
	require.NoError(t, err)

	assert.True(t, tender.Total.Equal(d("-198")))
	assert.True(t, s.ChangeDue(d("-198"), decimal.Zero).IsZero())
	assert.True(t, s.CanSettle(d("-198")))
}

func TestSubmitCompletedClearsTenders(t *testing.T) {
	s := NewSession(credit.NewGuard())
	orders := &fakeOrders{}
	_, err := s.AddTender(d("198"), d("200"), cash)
	require.NoError(t, err)

	var finished bool
	result, err := s.Submit(context.Background(), orders, submission("198", domain.OrderCompleted, nil), func(r *Result, err error) {
		finished = true
		assert.NoError(t, err)
		assert.True(t, s.Submitting(), "finish runs while the guard is held")
	})
	require.NoError(t, err)

	assert.True(t, finished)
	assert.Equal(t, "R-0001", result.Receipt.ReceiptNo)
	require.Len(t, orders.payloads, 1)
	assert.True(t, orders.payloads[0].ChangeDue.Equal(d("2")))
	assert.Len(t, orders.payloads[0].Tenders, 1)
	assert.Equal(t, 0, s.Len())
	assert.False(t, s.Submitting())
}

func TestSubmitCompletedRequiresSettlement(t *testing.T) {
	s := NewSession(nil)
	orders := &fakeOrders{}
	_, err := s.AddTender(d("198"), d("100"), cash)
	require.NoError(t, err)

	_, err = s.Submit(context.Background(), orders, submission("198", domain.OrderCompleted, nil), nil)

	assert.ErrorIs(t, err, ErrNotSettled)
	assert.Empty(t, orders.payloads)
	assert.Equal(t, 1, s.Len())
}

func TestSubmitHoldDoesNotNeedTenders(t *testing.T) {
	s := NewSession(nil)
	orders := &fakeOrders{}

	result, err := s.Submit(context.Background(), orders, submission("198", domain.OrderOnHold, nil), nil)

	require.NoError(t, err)
	assert.Equal(t, domain.OrderOnHold, result.Receipt.Status)
}

func TestSubmitRechecksCreditAcrossAllCreditTenders(t *testing.T) {
	limit := d("1000")
	customer := &domain.Customer{ID: "c1", AllowCreditSale: true, Outstanding: d("500"), CreditLimit: &limit}
	s := NewSession(credit.NewGuard())
	orders := &fakeOrders{}

	_, err := s.AddTender(d("1100"), d("400"), onTab)
	require.NoError(t, err)
	_, err = s.AddTender(d("1100"), d("400"), onTab)
	require.NoError(t, err)
	_, err = s.AddTender(d("1100"), d("300"), cash)
	require.NoError(t, err)

	_, err = s.Submit(context.Background(), orders, submission("1100", domain.OrderCompleted, customer), nil)

	assert.ErrorIs(t, err, credit.ErrCreditLimitExceeded, "400 and 400 pass alone but not together")
	assert.Empty(t, orders.payloads)
	assert.Equal(t, 3, s.Len())
}

func TestSubmitClassifiesPersistenceErrors(t *testing.T) {
	s := NewSession(nil)
	_, err := s.AddTender(d("198"), d("198"), cash)
	require.NoError(t, err)

	rejected := &fakeOrders{err: store.NewValidationError("lines[0].quantity", "exceeds stock")}
	_, err = s.Submit(context.Background(), rejected, submission("198", domain.OrderCompleted, nil), nil)
	var validation *ValidationRejectedError
	require.True(t, errors.As(err, &validation))
	require.Len(t, validation.Fields, 1)
	assert.Equal(t, "lines[0].quantity", validation.Fields[0].Field)
	assert.ErrorIs(t, err, store.ErrInvalidTransaction)
	assert.Equal(t, 1, s.Len(), "tenders survive a rejection")

	failing := &fakeOrders{err: errors.New("connection reset")}
	_, err = s.Submit(context.Background(), failing, submission("198", domain.OrderCompleted, nil), nil)
	var failed *SubmissionFailedError
	require.True(t, errors.As(err, &failed))
	assert.Equal(t, 1, s.Len())
	assert.False(t, s.Submitting())
}

func TestSubmitIsSingleFlight(t *testing.T) {
	s := NewSession(nil)
	_, err := s.AddTender(d("198"), d("198"), cash)
	require.NoError(t, err)
	orders := &fakeOrders{block: make(chan struct{}), started: make(chan struct{})}

	done := make(chan error, 1)
	go func() {
		_, err := s.Submit(context.Background(), orders, submission("198", domain.OrderCompleted, nil), nil)
		done <- err
	}()

	select {
	case <-orders.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first submit never reached persistence")
	}

	prepared := false
	_, err = s.Submit(context.Background(), orders, func() (Submission, error) {
		prepared = true
		return Submission{}, nil
	}, nil)
	assert.ErrorIs(t, err, ErrSubmitInProgress)
	assert.False(t, prepared, "second submit is a no-op")
	assert.False(t, s.CanSettle(d("198")))

	_, err = s.AddTender(d("198"), d("1"), cash)
	assert.ErrorIs(t, err, ErrSubmitInProgress)

	close(orders.block)
	require.NoError(t, <-done)
	assert.Len(t, orders.payloads, 1)
}
