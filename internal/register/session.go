package register

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"kasirinaja/pos/internal/cart"
	"kasirinaja/pos/internal/credit"
	"kasirinaja/pos/internal/domain"
	"kasirinaja/pos/internal/pricing"
	"kasirinaja/pos/internal/settlement"
	"kasirinaja/pos/internal/stock"
	"kasirinaja/pos/internal/store"
	"kasirinaja/pos/internal/txmode"
	"kasirinaja/pos/internal/xid"
)

var (
	ErrInvalidDiscount = errors.New("invalid order discount")
	ErrInvalidTax      = errors.New("invalid order tax")
	ErrSessionBusy     = errors.New("finish or clear the current transaction first")
	ErrInactiveProduct = errors.New("product is not active")
)

var hundred = decimal.NewFromInt(100)

// Auditor records notable session events. A nil Auditor disables auditing.
type Auditor interface {
	Record(ctx context.Context, entry domain.AuditLog)
}

type Options struct {
	StoreID      string
	TerminalID   string
	Catalog      store.Catalog
	Customers    store.Customers
	PaymentTypes store.PaymentTypes
	Orders       store.Orders
	Auditor      Auditor
	Logger       *zap.Logger
}

// Session is the in-progress transaction of one terminal. All operations are
// serialized; Submit releases the lock while persistence runs and relies on
// the settlement guard to keep a second submit out.
type Session struct {
	mu sync.Mutex

	storeID      string
	terminalID   string
	catalog      store.Catalog
	customers    store.Customers
	paymentTypes store.PaymentTypes
	orders       store.Orders
	auditor      Auditor
	logger       *zap.Logger

	ledger     *cart.Ledger
	engine     pricing.Engine
	guard      credit.Guard
	settlement *settlement.Session
	modes      *txmode.Controller

	discount       *domain.DiscountSelection
	tax            *domain.TaxSelection
	adjustment     decimal.Decimal
	customer       *domain.Customer
	customerName   string
	notes          string
	returnOf       string
	idempotencyKey string
}

func New(opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	guard := credit.NewGuard()
	return &Session{
		storeID:      opts.StoreID,
		terminalID:   opts.TerminalID,
		catalog:      opts.Catalog,
		customers:    opts.Customers,
		paymentTypes: opts.PaymentTypes,
		orders:       opts.Orders,
		auditor:      opts.Auditor,
		logger:       logger.Named("register").With(zap.String("terminal", opts.TerminalID)),
		ledger:       cart.NewLedger(stock.NewResolver(), opts.StoreID),
		engine:       pricing.NewEngine(),
		guard:        guard,
		settlement:   settlement.NewSession(guard),
		modes:        txmode.NewController(opts.Catalog),
	}
}

func (s *Session) TerminalID() string {
	return s.terminalID
}

// AddLine looks the product up and adds it. A product with variants yields a
// *cart.VariantChoiceError unless the request names a variant or the base.
func (s *Session) AddLine(ctx context.Context, req domain.AddLineRequest) (int, error) {
	product, err := s.catalog.GetProduct(ctx, strings.TrimSpace(req.ProductID))
	if err != nil {
		return -1, err
	}
	if !product.Active {
		return -1, fmt.Errorf("%w: %s", ErrInactiveProduct, product.ID)
	}

	var variant *domain.Variant
	if req.VariantID != "" {
		v, ok := product.FindVariant(req.VariantID)
		if !ok {
			return -1, fmt.Errorf("%w: variant %s of %s", store.ErrNotFound, req.VariantID, product.ID)
		}
		variant = v
	}

	quantity := req.Quantity
	if quantity.IsZero() {
		quantity = decimal.NewFromInt(1)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mutable(); err != nil {
		return -1, err
	}

	if variant != nil || req.Base {
		return s.ledger.AddVariantLine(*product, variant, quantity, req.UnitPrice)
	}
	return s.ledger.AddLine(*product, quantity, req.UnitPrice)
}

func (s *Session) ChangeQuantity(index int, quantity decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mutable(); err != nil {
		return err
	}
	return s.ledger.ChangeQuantity(index, quantity)
}

func (s *Session) ChangePrice(index int, price decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mutable(); err != nil {
		return err
	}
	return s.ledger.ChangePrice(index, price)
}

func (s *Session) ChangeDiscount(index int, discount decimal.Decimal) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mutable(); err != nil {
		return decimal.Zero, err
	}
	return s.ledger.ChangeDiscount(index, discount)
}

// UpdateLine applies every field of req or none of them.
func (s *Session) UpdateLine(index int, req domain.LineUpdateRequest) (domain.CartLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mutable(); err != nil {
		return domain.CartLine{}, err
	}

	before := s.ledger.Lines()
	orientation := s.ledger.Orientation()
	rollback := func(err error) (domain.CartLine, error) {
		s.ledger.Seed(orientation, before)
		return domain.CartLine{}, err
	}

	if req.Quantity != nil {
		if err := s.ledger.ChangeQuantity(index, *req.Quantity); err != nil {
			return rollback(err)
		}
	}
	if req.UnitPrice != nil {
		if err := s.ledger.ChangePrice(index, *req.UnitPrice); err != nil {
			return rollback(err)
		}
	}
	if req.Discount != nil {
		if _, err := s.ledger.ChangeDiscount(index, *req.Discount); err != nil {
			return rollback(err)
		}
	}
	if req.Checked != nil {
		if err := s.ledger.SetChecked(index, *req.Checked); err != nil {
			return rollback(err)
		}
	}
	return s.ledger.Line(index)
}

func (s *Session) RemoveLine(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mutable(); err != nil {
		return err
	}
	if err := s.ledger.RemoveLine(index); err != nil {
		return err
	}
	if s.ledger.Len() == 0 {
		s.ledger.Clear()
		s.returnOf = ""
	}
	return nil
}

func (s *Session) DuplicateLast() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mutable(); err != nil {
		return -1, err
	}
	return s.ledger.DuplicateLast()
}

// SetOrderDiscount replaces the order-level discount; nil removes it.
func (s *Session) SetOrderDiscount(sel *domain.DiscountSelection) error {
	if sel != nil {
		if sel.RateType != domain.DiscountPercent && sel.RateType != domain.DiscountFixed {
			return fmt.Errorf("%w: unknown rate type %q", ErrInvalidDiscount, sel.RateType)
		}
		if sel.Rate.IsNegative() || (sel.RateType == domain.DiscountPercent && sel.Rate.GreaterThan(hundred)) {
			return fmt.Errorf("%w: rate %s out of range", ErrInvalidDiscount, sel.Rate)
		}
		if sel.ManualAmount != nil && sel.ManualAmount.IsNegative() {
			return fmt.Errorf("%w: manual amount must not be negative", ErrInvalidDiscount)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mutable(); err != nil {
		return err
	}
	s.discount = cloneDiscount(sel)
	return nil
}

func (s *Session) SetOrderTax(sel *domain.TaxSelection) error {
	if sel != nil && (sel.Rate.IsNegative() || sel.Rate.GreaterThan(hundred)) {
		return fmt.Errorf("%w: rate %s out of range", ErrInvalidTax, sel.Rate)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mutable(); err != nil {
		return err
	}
	if sel == nil {
		s.tax = nil
		return nil
	}
	tax := *sel
	s.tax = &tax
	return nil
}

func (s *Session) SetAdjustment(amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mutable(); err != nil {
		return err
	}
	s.adjustment = amount
	return nil
}

// ApplySuggestedAdjustment sets the adjustment to the current suggestion and
// returns it.
func (s *Session) ApplySuggestedAdjustment() (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mutable(); err != nil {
		return decimal.Zero, err
	}
	s.adjustment = s.totalsLocked().SuggestedAdjustment
	return s.adjustment, nil
}

func (s *Session) ClearAdjustment() error {
	return s.SetAdjustment(decimal.Zero)
}

// AttachCustomer links a registered customer, or records a free-form name
// when no id is given.
func (s *Session) AttachCustomer(ctx context.Context, req domain.CustomerAttachRequest) (*domain.Customer, error) {
	var customer *domain.Customer
	name := strings.TrimSpace(req.Name)
	if id := strings.TrimSpace(req.CustomerID); id != "" {
		found, err := s.customers.GetCustomer(ctx, id)
		if err != nil {
			return nil, err
		}
		customer = found
		name = found.Name
	} else if name == "" {
		return nil, fmt.Errorf("%w: customer id or name required", store.ErrInvalidTransaction)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mutable(); err != nil {
		return nil, err
	}
	s.customer = customer
	s.customerName = name
	return customer, nil
}

func (s *Session) DetachCustomer() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mutable(); err != nil {
		return err
	}
	s.customer = nil
	s.customerName = ""
	return nil
}

func (s *Session) SetNotes(notes string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mutable(); err != nil {
		return err
	}
	s.notes = strings.TrimSpace(notes)
	return nil
}

// AddTender adds a payment against the current final total. Credit tenders
// are checked against the customer's limit together with the credit already
// tendered.
func (s *Session) AddTender(ctx context.Context, req domain.TenderRequest) (domain.PaymentTender, error) {
	paymentType, err := s.paymentTypes.GetPaymentType(ctx, strings.TrimSpace(req.PaymentTypeID))
	if err != nil {
		return domain.PaymentTender{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mutable(); err != nil {
		return domain.PaymentTender{}, err
	}

	target := s.totalsLocked().FinalTotal
	if paymentType.Category == domain.PaymentCredit && !req.Amount.IsZero() {
		amount := req.Amount.Abs()
		if target.IsNegative() {
			amount = amount.Neg()
		}
		for _, t := range s.settlement.Tenders() {
			if t.Type.Category == domain.PaymentCredit {
				amount = amount.Add(t.Total)
			}
		}
		if err := s.guard.CanSettleCredit(s.customer, amount); err != nil {
			return domain.PaymentTender{}, err
		}
	}
	return s.settlement.AddTender(target, req.Amount, *paymentType)
}

func (s *Session) RemoveTender(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settlement.RemoveTender(index)
}

func (s *Session) Totals() domain.Totals {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalsLocked()
}

func (s *Session) ChangeDue(entered decimal.Decimal) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settlement.ChangeDue(s.totalsLocked().FinalTotal, entered)
}

func (s *Session) CanSettle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settlement.CanSettle(s.totalsLocked().FinalTotal)
}

// StartReturn seeds an empty session with a refund of orderID.
func (s *Session) StartReturn(ctx context.Context, orderID string) (domain.SessionSnapshot, error) {
	return s.seedFrom(ctx, orderID, "return.start", s.modes.ReturnFrom)
}

// StartReorder seeds an empty session with the lines of orderID. Completed
// orders are sold again; held orders, refunds included, are resumed as they
// were left.
func (s *Session) StartReorder(ctx context.Context, orderID string) (domain.SessionSnapshot, error) {
	return s.seedFrom(ctx, orderID, "reorder.start", s.modes.ReorderFrom)
}

func (s *Session) seedFrom(ctx context.Context, orderID string, action string, derive func(context.Context, domain.Order) (txmode.Derivation, error)) (domain.SessionSnapshot, error) {
	order, err := s.orders.GetOrder(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.SessionSnapshot{}, err
	}
	derived, err := derive(ctx, *order)
	if err != nil {
		return domain.SessionSnapshot{}, err
	}

	var customer *domain.Customer
	if derived.CustomerID != "" && s.customers != nil {
		customer, err = s.customers.GetCustomer(ctx, derived.CustomerID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return domain.SessionSnapshot{}, err
		}
	}

	s.mu.Lock()
	if err := s.mutable(); err != nil {
		s.mu.Unlock()
		return domain.SessionSnapshot{}, err
	}
	if s.ledger.Len() > 0 || s.settlement.Len() > 0 {
		s.mu.Unlock()
		return domain.SessionSnapshot{}, ErrSessionBusy
	}

	s.resetLocked()
	s.ledger.Seed(derived.Orientation, derived.Lines)
	s.returnOf = derived.ReturnOf
	s.discount = cloneDiscount(derived.Discount)
	s.tax = derived.Tax
	s.customer = customer
	s.customerName = derived.CustomerName
	s.notes = derived.Notes
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.audit(ctx, action, "order", order.ID, fmt.Sprintf("lines=%d orientation=%s", len(derived.Lines), derived.Orientation))
	return snapshot, nil
}

// Submit persists the transaction with the given status. On success the
// session is reset; a receipt is issued only for completed transactions. On
// failure the cart, tenders and customer are kept. The return back reference
// is dropped either way.
func (s *Session) Submit(ctx context.Context, status domain.OrderStatus) (*domain.SubmitResponse, error) {
	result, err := s.settlement.Submit(ctx, s.orders, func() (settlement.Submission, error) {
		return s.prepare(status)
	}, s.finish)
	if err != nil {
		s.logger.Warn("submit failed", zap.String("status", string(status)), zap.Error(err))
		return nil, err
	}

	s.audit(ctx, "transaction.submit", "order", result.Receipt.OrderID,
		fmt.Sprintf("status=%s total=%s orientation=%s", result.Receipt.Status, result.Payload.Totals.FinalTotal, result.Payload.Orientation))
	s.logger.Info("transaction submitted",
		zap.String("order_id", result.Receipt.OrderID),
		zap.String("status", string(result.Receipt.Status)),
		zap.Bool("duplicate", result.Receipt.Duplicate),
	)

	return &domain.SubmitResponse{
		Receipt:       result.Receipt,
		Transaction:   result.Payload,
		ReceiptIssued: result.Receipt.Status == domain.OrderCompleted,
	}, nil
}

func (s *Session) prepare(status domain.OrderStatus) (settlement.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.idempotencyKey == "" {
		s.idempotencyKey = xid.New("idem")
	}
	customerID := ""
	if s.customer != nil {
		customerID = s.customer.ID
	}

	payload := domain.TransactionPayload{
		IdempotencyKey: s.idempotencyKey,
		StoreID:        s.storeID,
		TerminalID:     s.terminalID,
		Status:         status,
		Orientation:    s.ledger.Orientation(),
		ReturnOf:       s.returnOf,
		CustomerID:     customerID,
		CustomerName:   s.customerName,
		Notes:          s.notes,
		Lines:          orderLines(s.ledger.Lines()),
		Discount:       cloneDiscount(s.discount),
		Tax:            s.tax,
		Totals:         s.totalsLocked(),
		CreatedAt:      time.Now().UTC(),
	}
	var customer *domain.Customer
	if s.customer != nil {
		c := *s.customer
		customer = &c
	}
	return settlement.Submission{Payload: payload, Customer: customer}, nil
}

func (s *Session) finish(result *settlement.Result, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.returnOf = ""
	if err == nil && result != nil {
		s.resetLocked()
	}
}

// Clear drops the whole transaction. It is always allowed; an in-flight
// submit still completes with what it already captured.
func (s *Session) Clear(ctx context.Context) {
	s.mu.Lock()
	lines := s.ledger.Len()
	s.resetLocked()
	s.mu.Unlock()

	if lines > 0 {
		s.audit(ctx, "session.clear", "terminal", s.terminalID, fmt.Sprintf("lines=%d", lines))
	}
}

func (s *Session) Snapshot() domain.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() domain.SessionSnapshot {
	totals := s.totalsLocked()
	var customer *domain.Customer
	if s.customer != nil {
		c := *s.customer
		customer = &c
	}
	return domain.SessionSnapshot{
		StoreID:      s.storeID,
		TerminalID:   s.terminalID,
		Orientation:  s.ledger.Orientation(),
		ReturnOf:     s.returnOf,
		Customer:     customer,
		CustomerName: s.customerName,
		Notes:        s.notes,
		Lines:        s.ledger.Lines(),
		Discount:     cloneDiscount(s.discount),
		Tax:          s.tax,
		Totals:       totals,
		Tenders:      s.settlement.Tenders(),
		ChangeDue:    s.settlement.ChangeDue(totals.FinalTotal, decimal.Zero),
		CanSettle:    s.settlement.CanSettle(totals.FinalTotal),
		Submitting:   s.settlement.Submitting(),
	}
}

func (s *Session) totalsLocked() domain.Totals {
	return s.engine.Compute(s.ledger.Lines(), pricing.Selection{
		Discount:   s.discount,
		Tax:        s.tax,
		Adjustment: s.adjustment,
	})
}

func (s *Session) resetLocked() {
	s.ledger.Clear()
	s.settlement.Clear()
	s.discount = nil
	s.tax = nil
	s.adjustment = decimal.Zero
	s.customer = nil
	s.customerName = ""
	s.notes = ""
	s.returnOf = ""
	s.idempotencyKey = ""
}

func (s *Session) mutable() error {
	if s.settlement.Submitting() {
		return settlement.ErrSubmitInProgress
	}
	return nil
}

func (s *Session) audit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	if s.auditor == nil {
		return
	}
	s.auditor.Record(ctx, domain.AuditLog{
		StoreID:    s.storeID,
		TerminalID: s.terminalID,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
	})
}

func orderLines(lines []domain.CartLine) []domain.OrderLine {
	out := make([]domain.OrderLine, 0, len(lines))
	for _, line := range lines {
		name := line.Product.Name
		if line.Variant != nil && line.Variant.Name != "" {
			name = name + " " + line.Variant.Name
		}
		out = append(out, domain.OrderLine{
			ProductID:   line.Product.ID,
			VariantID:   line.VariantID(),
			Name:        name,
			Quantity:    line.Quantity,
			UnitPrice:   line.UnitPrice,
			Discount:    line.Discount,
			Taxes:       append([]domain.TaxRate(nil), line.Taxes...),
			TaxIncluded: line.TaxIncluded,
		})
	}
	return out
}

func cloneDiscount(sel *domain.DiscountSelection) *domain.DiscountSelection {
	if sel == nil {
		return nil
	}
	out := *sel
	if sel.ManualAmount != nil {
		amount := *sel.ManualAmount
		out.ManualAmount = &amount
	}
	return &out
}
