package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"kasirinaja/pos/internal/credit"
	"kasirinaja/pos/internal/domain"
	"kasirinaja/pos/internal/stock"
	"kasirinaja/pos/internal/store"
	"kasirinaja/pos/internal/xid"
)

type Store struct {
	mu              sync.RWMutex
	products        map[string]domain.Product
	customers       map[string]domain.Customer
	paymentTypes    map[string]domain.PaymentType
	ordersByID      map[string]*domain.Order
	ordersByIdem    map[string]*domain.Order
	returnedQty     map[string]map[string]decimal.Decimal
	receiptSeq      map[string]int64
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD
// environment variables, falling back to dev defaults with a warning.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func New() *Store {
	return &Store{
		products:        make(map[string]domain.Product),
		customers:       make(map[string]domain.Customer),
		paymentTypes:    make(map[string]domain.PaymentType),
		ordersByID:      make(map[string]*domain.Order),
		ordersByIdem:    make(map[string]*domain.Order),
		returnedQty:     make(map[string]map[string]decimal.Decimal),
		receiptSeq:      make(map[string]int64),
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store with a small grocery catalog stocked in
// main-store, two customers, the default payment types and dev users.
func NewSeeded() *Store {
	s := New()
	s.usersByUsername = seedUsers()

	vat := []domain.TaxRate{{Name: "PPN", Rate: dec("11")}}
	stocked := func(qty int64) []domain.StoreStock {
		return []domain.StoreStock{{StoreID: "main-store", Quantity: decimal.NewFromInt(qty)}}
	}

	for _, p := range []domain.Product{
		{ID: "SKU-MIE-01", SKU: "SKU-MIE-01", Name: "Mie Goreng Instan", BasePrice: dec("3500"), Cost: dec("2700"), ManageInventory: true, Stocks: stocked(120), Active: true},
		{ID: "SKU-TELUR-01", SKU: "SKU-TELUR-01", Name: "Telur 10 Butir", BasePrice: dec("26500"), MinPrice: decPtr("25000"), Cost: dec("23000"), ManageInventory: true, Stocks: stocked(40), Active: true},
		{ID: "SKU-SUSU-01", SKU: "SKU-SUSU-01", Name: "Susu UHT 1L", BasePrice: dec("18900"), Cost: dec("13600"), Taxes: vat, ManageInventory: true, Stocks: stocked(60), Active: true},
		{ID: "SKU-KOPI-01", SKU: "SKU-KOPI-01", Name: "Kopi Sachet", BasePrice: dec("2600"), Cost: dec("1700"), Taxes: vat, ManageInventory: true, Stocks: stocked(200), Active: true},
		{ID: "SKU-GULA-01", SKU: "SKU-GULA-01", Name: "Gula Curah", BasePrice: dec("17400"), MinPrice: decPtr("16000"), Cost: dec("15300"), ManageInventory: true, Quantity: dec("25.5"), Active: true},
		{
			ID: "SKU-KAOS-01", SKU: "SKU-KAOS-01", Name: "Kaos Polos", BasePrice: dec("45000"), Cost: dec("30000"), Taxes: vat, ManageInventory: true, Stocks: stocked(5), Active: true,
			Variants: []domain.Variant{
				{ID: "SKU-KAOS-01-M", SKU: "SKU-KAOS-01-M", Name: "M", Price: dec("45000"), MinPrice: decPtr("40000"), Cost: dec("30000"), Stocks: stocked(10)},
				{ID: "SKU-KAOS-01-XL", SKU: "SKU-KAOS-01-XL", Name: "XL", Price: dec("49000"), Cost: dec("32000"), Stocks: stocked(2)},
			},
		},
		{ID: "SVC-BUNGKUS-01", SKU: "SVC-BUNGKUS-01", Name: "Jasa Bungkus Kado", BasePrice: dec("5000"), Active: true},
	} {
		s.products[p.ID] = p
	}

	for _, c := range []domain.Customer{
		{ID: "cust-sari", Name: "Bu Sari", Outstanding: dec("250000"), CreditLimit: decPtr("1000000"), AllowCreditSale: true},
		{ID: "cust-budi", Name: "Pak Budi", Outstanding: decimal.Zero, AllowCreditSale: false},
	} {
		s.customers[c.ID] = c
	}

	for _, pt := range []domain.PaymentType{
		{ID: "cash", Name: "Tunai", Category: domain.PaymentCash, CanHaveChangeDue: true},
		{ID: "qris", Name: "QRIS", Category: domain.PaymentMobile},
		{ID: "debit", Name: "Kartu Debit", Category: domain.PaymentCard},
		{ID: "kasbon", Name: "Kasbon", Category: domain.PaymentCredit},
	} {
		s.paymentTypes[pt.ID] = pt
	}

	return s
}

// PutProduct inserts or replaces a catalog entry.
func (s *Store) PutProduct(product domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[product.ID] = cloneProduct(product)
}

func (s *Store) PutCustomer(customer domain.Customer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customers[customer.ID] = cloneCustomer(customer)
}

func (s *Store) PutPaymentType(paymentType domain.PaymentType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paymentTypes[paymentType.ID] = paymentType
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.products[id]
	if !ok {
		return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, id)
	}
	out := cloneProduct(product)
	return &out, nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Product, 0, len(s.products))
	for _, product := range s.products {
		result = append(result, cloneProduct(product))
	}
	slices.SortFunc(result, func(a, b domain.Product) int {
		return strings.Compare(a.ID, b.ID)
	})
	return result, nil
}

func (s *Store) GetCustomer(_ context.Context, id string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customer, ok := s.customers[id]
	if !ok {
		return nil, fmt.Errorf("%w: customer %s", store.ErrNotFound, id)
	}
	out := cloneCustomer(customer)
	return &out, nil
}

func (s *Store) ListPaymentTypes(_ context.Context) ([]domain.PaymentType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.PaymentType, 0, len(s.paymentTypes))
	for _, pt := range s.paymentTypes {
		result = append(result, pt)
	}
	slices.SortFunc(result, func(a, b domain.PaymentType) int {
		return strings.Compare(a.ID, b.ID)
	})
	return result, nil
}

func (s *Store) GetPaymentType(_ context.Context, id string) (*domain.PaymentType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pt, ok := s.paymentTypes[id]
	if !ok {
		return nil, fmt.Errorf("%w: payment type %s", store.ErrNotFound, id)
	}
	return &pt, nil
}

// SubmitOrder persists payload. A repeated idempotency key returns the
// receipt of the first submission. Completed transactions move stock, record
// returned quantities and add credit tenders to the customer's outstanding.
func (s *Store) SubmitOrder(_ context.Context, payload domain.TransactionPayload) (*domain.OrderReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if payload.IdempotencyKey == "" {
		return nil, fmt.Errorf("%w: idempotency key required", store.ErrInvalidTransaction)
	}
	if existing, ok := s.ordersByIdem[payload.IdempotencyKey]; ok {
		receipt := receiptOf(existing)
		receipt.Duplicate = true
		return &receipt, nil
	}

	if err := s.validateLocked(payload); err != nil {
		return nil, err
	}

	order := &domain.Order{
		ID:           xid.New("ord"),
		StoreID:      payload.StoreID,
		TerminalID:   payload.TerminalID,
		CustomerID:   payload.CustomerID,
		CustomerName: payload.CustomerName,
		Status:       payload.Status,
		Orientation:  payload.Orientation,
		ReturnOf:     payload.ReturnOf,
		Notes:        payload.Notes,
		Lines:        cloneOrderLines(payload.Lines),
		Discount:     payload.Discount,
		Tax:          payload.Tax,
		Totals:       payload.Totals,
		Tenders:      append([]domain.PaymentTender(nil), payload.Tenders...),
		CreatedAt:    payload.CreatedAt,
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	s.receiptSeq[payload.StoreID]++
	order.ReceiptNo = xid.Receipt(payload.StoreID, s.receiptSeq[payload.StoreID])

	if order.Status == domain.OrderCompleted {
		s.applyLocked(order)
	}

	s.ordersByID[order.ID] = order
	s.ordersByIdem[payload.IdempotencyKey] = order

	receipt := receiptOf(order)
	receipt.ChangeDue = payload.ChangeDue
	return &receipt, nil
}

func (s *Store) validateLocked(payload domain.TransactionPayload) error {
	verr := &store.ValidationError{}
	if strings.TrimSpace(payload.StoreID) == "" {
		verr.Add("store_id", "required")
	}
	if !payload.Status.Valid() {
		verr.Add("status", "must be completed, on-hold or pending")
	}
	if len(payload.Lines) == 0 {
		verr.Add("lines", "at least one line is required")
	}

	var customer *domain.Customer
	if payload.CustomerID != "" {
		c, ok := s.customers[payload.CustomerID]
		if !ok {
			verr.Add("customer_id", "unknown customer")
		} else {
			customer = &c
		}
	}

	var original *domain.Order
	if payload.ReturnOf != "" {
		o, ok := s.ordersByID[payload.ReturnOf]
		if !ok || o.Status != domain.OrderCompleted {
			verr.Add("return_of", "original order is not a completed sale")
		} else {
			original = o
		}
	}

	sign := payload.Orientation.Sign()
	resolver := stock.NewResolver()
	demand := map[string]decimal.Decimal{}
	for i, line := range payload.Lines {
		field := fmt.Sprintf("lines[%d]", i)
		if line.Quantity.IsZero() || line.Quantity.Sign() != sign.Sign() {
			verr.Add(field+".quantity", "sign does not match the transaction")
			continue
		}
		key := line.ProductID + "/" + line.VariantID
		demand[key] = demand[key].Add(line.Quantity)

		product, ok := s.products[line.ProductID]
		if !ok {
			if payload.Orientation == domain.OrientationSale {
				verr.Add(field+".product_id", "unknown product")
			}
			continue
		}
		if payload.Status != domain.OrderCompleted {
			continue
		}
		variant, _ := product.FindVariant(line.VariantID)
		if err := resolver.Validate(product, variant, demand[key], payload.StoreID); err != nil {
			verr.Add(field+".quantity", err.Error())
		}
	}

	if original != nil && payload.Status == domain.OrderCompleted {
		sold := map[string]decimal.Decimal{}
		for _, line := range original.Lines {
			key := line.ProductID + "/" + line.VariantID
			sold[key] = sold[key].Add(line.Quantity.Abs())
		}
		already := s.returnedQty[original.ID]
		for key, qty := range demand {
			if qty.Abs().Add(already[key]).GreaterThan(sold[key]) {
				verr.Add("lines", fmt.Sprintf("return of %s exceeds quantity sold", key))
			}
		}
	}

	if creditAmount, ok := creditTotal(payload.Tenders); ok && payload.Status == domain.OrderCompleted {
		if err := credit.NewGuard().CanSettleCredit(customer, creditAmount); err != nil {
			verr.Add("tenders", err.Error())
		}
	}

	if len(verr.Fields) > 0 {
		return verr
	}
	return nil
}

func (s *Store) applyLocked(order *domain.Order) {
	for _, line := range order.Lines {
		product, ok := s.products[line.ProductID]
		if !ok || !product.ManageInventory {
			continue
		}
		adjustStock(&product, line.VariantID, order.StoreID, line.Quantity.Neg())
		s.products[product.ID] = product
	}

	if order.ReturnOf != "" {
		returned, ok := s.returnedQty[order.ReturnOf]
		if !ok {
			returned = map[string]decimal.Decimal{}
			s.returnedQty[order.ReturnOf] = returned
		}
		for _, line := range order.Lines {
			key := line.ProductID + "/" + line.VariantID
			returned[key] = returned[key].Add(line.Quantity.Abs())
		}
	}

	if amount, ok := creditTotal(order.Tenders); ok && order.CustomerID != "" {
		customer := s.customers[order.CustomerID]
		customer.Outstanding = customer.Outstanding.Add(amount)
		s.customers[customer.ID] = customer
	}
}

func (s *Store) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.ordersByID[id]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", store.ErrNotFound, id)
	}
	return cloneOrder(order), nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, storeID string, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, len(s.auditLogs))
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		entry := s.auditLogs[i]
		if storeID != "" && entry.StoreID != storeID {
			continue
		}
		result = append(result, entry)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrInvalidTransaction
	}
	user.Username = username
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

// adjustStock adds delta to the stock pool a line draws from: the matching
// store record when the item keeps per-store records, else the flat quantity.
func adjustStock(product *domain.Product, variantID string, storeID string, delta decimal.Decimal) {
	stocks, flat := &product.Stocks, &product.Quantity
	if variantID != "" {
		found := false
		for i := range product.Variants {
			if product.Variants[i].ID == variantID {
				stocks, flat = &product.Variants[i].Stocks, &product.Variants[i].Quantity
				found = true
				break
			}
		}
		if !found {
			return
		}
	}

	if len(*stocks) == 0 {
		*flat = flat.Add(delta)
		return
	}
	for i := range *stocks {
		if (*stocks)[i].StoreID == storeID {
			(*stocks)[i].Quantity = (*stocks)[i].Quantity.Add(delta)
			return
		}
	}
	*stocks = append(*stocks, domain.StoreStock{StoreID: storeID, Quantity: delta})
}

func creditTotal(tenders []domain.PaymentTender) (decimal.Decimal, bool) {
	total := decimal.Zero
	found := false
	for _, t := range tenders {
		if t.Type.Category == domain.PaymentCredit {
			total = total.Add(t.Total)
			found = true
		}
	}
	return total, found
}

func receiptOf(order *domain.Order) domain.OrderReceipt {
	return domain.OrderReceipt{
		OrderID:   order.ID,
		ReceiptNo: order.ReceiptNo,
		Status:    order.Status,
		Totals:    order.Totals,
		CreatedAt: order.CreatedAt,
	}
}

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func decPtr(v string) *decimal.Decimal {
	d := dec(v)
	return &d
}

func cloneProduct(src domain.Product) domain.Product {
	out := src
	out.Taxes = append([]domain.TaxRate(nil), src.Taxes...)
	out.Stocks = append([]domain.StoreStock(nil), src.Stocks...)
	out.Variants = make([]domain.Variant, 0, len(src.Variants))
	for _, v := range src.Variants {
		v.Stocks = append([]domain.StoreStock(nil), v.Stocks...)
		out.Variants = append(out.Variants, v)
	}
	if len(out.Variants) == 0 {
		out.Variants = nil
	}
	return out
}

func cloneCustomer(src domain.Customer) domain.Customer {
	out := src
	if src.CreditLimit != nil {
		limit := *src.CreditLimit
		out.CreditLimit = &limit
	}
	return out
}

func cloneOrderLines(src []domain.OrderLine) []domain.OrderLine {
	out := make([]domain.OrderLine, 0, len(src))
	for _, line := range src {
		line.Taxes = append([]domain.TaxRate(nil), line.Taxes...)
		out = append(out, line)
	}
	return out
}

func cloneOrder(src *domain.Order) *domain.Order {
	out := *src
	out.Lines = cloneOrderLines(src.Lines)
	out.Tenders = append([]domain.PaymentTender(nil), src.Tenders...)
	return &out
}
