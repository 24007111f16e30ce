package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"kasirinaja/pos/internal/credit"
	"kasirinaja/pos/internal/domain"
	"kasirinaja/pos/internal/stock"
	"kasirinaja/pos/internal/store"
	"kasirinaja/pos/internal/xid"
)

// SubmitOrder persists payload in one serializable transaction. A repeated
// idempotency key returns the receipt of the first submission. Completed
// transactions move stock, count returned quantities against the original
// sale and add credit tenders to the customer's outstanding.
func (s *Store) SubmitOrder(ctx context.Context, payload domain.TransactionPayload) (*domain.OrderReceipt, error) {
	if strings.TrimSpace(payload.IdempotencyKey) == "" {
		return nil, fmt.Errorf("%w: idempotency key required", store.ErrInvalidTransaction)
	}
	if existing, err := s.findReceiptByIdempotency(ctx, s.db, payload.IdempotencyKey); err == nil {
		existing.Duplicate = true
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	receipt, err := s.submitOrder(ctx, payload)
	if err != nil && isUniqueViolation(err) {
		// A concurrent submit with the same key won the race.
		existing, lookupErr := s.findReceiptByIdempotency(ctx, s.db, payload.IdempotencyKey)
		if lookupErr == nil {
			existing.Duplicate = true
			return existing, nil
		}
	}
	return receipt, err
}

func (s *Store) submitOrder(ctx context.Context, payload domain.TransactionPayload) (*domain.OrderReceipt, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	products, err := loadProducts(ctx, pgTx, productIDs(payload.Lines), true)
	if err != nil {
		return nil, err
	}

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
		customer, err = getCustomer(ctx, pgTx, payload.CustomerID, true)
		if errors.Is(err, store.ErrNotFound) {
			verr.Add("customer_id", "unknown customer")
		} else if err != nil {
			return nil, err
		}
	}

	var original *domain.Order
	if payload.ReturnOf != "" {
		original, err = s.loadOrder(ctx, pgTx, payload.ReturnOf, true)
		if errors.Is(err, store.ErrNotFound) || (err == nil && original.Status != domain.OrderCompleted) {
			verr.Add("return_of", "original order is not a completed sale")
			original = nil
		} else if err != nil {
			return nil, err
		}
	}

	demand := validateLines(payload, products, verr)

	if original != nil && payload.Status == domain.OrderCompleted {
		already, err := returnedQuantities(ctx, pgTx, original.ID)
		if err != nil {
			return nil, err
		}
		sold := map[string]decimal.Decimal{}
		for _, line := range original.Lines {
			key := line.ProductID + "/" + line.VariantID
			sold[key] = sold[key].Add(line.Quantity.Abs())
		}
		for _, key := range sortedKeys(demand) {
			if demand[key].Abs().Add(already[key]).GreaterThan(sold[key]) {
				verr.Add("lines", fmt.Sprintf("return of %s exceeds quantity sold", key))
			}
		}
	}

	creditAmount, hasCredit := creditTotal(payload.Tenders)
	if hasCredit && payload.Status == domain.OrderCompleted {
		if err := credit.NewGuard().CanSettleCredit(customer, creditAmount); err != nil {
			verr.Add("tenders", err.Error())
		}
	}

	if len(verr.Fields) > 0 {
		return nil, verr
	}

	order := domain.Order{
		ID:           xid.New("ord"),
		StoreID:      payload.StoreID,
		TerminalID:   payload.TerminalID,
		CustomerID:   payload.CustomerID,
		CustomerName: payload.CustomerName,
		Status:       payload.Status,
		Orientation:  payload.Orientation,
		ReturnOf:     payload.ReturnOf,
		Notes:        payload.Notes,
		Lines:        payload.Lines,
		Discount:     payload.Discount,
		Tax:          payload.Tax,
		Totals:       payload.Totals,
		Tenders:      payload.Tenders,
		CreatedAt:    payload.CreatedAt,
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}

	var seq int64
	if err := pgTx.QueryRowContext(ctx, `
		INSERT INTO receipt_sequences (store_id, last_value)
		VALUES ($1, 1)
		ON CONFLICT (store_id) DO UPDATE SET last_value = receipt_sequences.last_value + 1
		RETURNING last_value
	`, order.StoreID).Scan(&seq); err != nil {
		return nil, err
	}
	order.ReceiptNo = xid.Receipt(order.StoreID, seq)

	if err := insertOrder(ctx, pgTx, order, payload.IdempotencyKey, payload.ChangeDue); err != nil {
		return nil, err
	}

	if order.Status == domain.OrderCompleted {
		for _, line := range order.Lines {
			product, ok := products[line.ProductID]
			if !ok || !product.ManageInventory {
				continue
			}
			if err := adjustStock(ctx, pgTx, product, line.VariantID, order.StoreID, line.Quantity.Neg()); err != nil {
				return nil, err
			}
		}
		if hasCredit && order.CustomerID != "" {
			if _, err := pgTx.ExecContext(ctx, `
				UPDATE customers SET outstanding = outstanding + $2 WHERE id = $1
			`, order.CustomerID, creditAmount); err != nil {
				return nil, err
			}
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	s.logger.Debug("order stored",
		zap.String("order_id", order.ID),
		zap.String("receipt_no", order.ReceiptNo),
		zap.String("status", string(order.Status)),
	)

	return &domain.OrderReceipt{
		OrderID:   order.ID,
		ReceiptNo: order.ReceiptNo,
		Status:    order.Status,
		Totals:    order.Totals,
		ChangeDue: payload.ChangeDue,
		CreatedAt: order.CreatedAt,
	}, nil
}

// validateLines checks line signs, product existence and, for completed
// transactions, stock. It returns the summed demand per stock pool.
func validateLines(payload domain.TransactionPayload, products map[string]domain.Product, verr *store.ValidationError) map[string]decimal.Decimal {
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

		product, ok := products[line.ProductID]
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
	return demand
}

func insertOrder(ctx context.Context, q queryer, order domain.Order, idempotencyKey string, changeDue decimal.Decimal) error {
	discount, err := marshalNullable(order.Discount)
	if err != nil {
		return err
	}
	tax, err := marshalNullable(order.Tax)
	if err != nil {
		return err
	}
	totals, err := marshalNullable(&order.Totals)
	if err != nil {
		return err
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO orders (
			id, receipt_no, store_id, terminal_id, idempotency_key, status, orientation,
			return_of, customer_id, customer_name, notes, discount, tax, totals, change_due, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, order.ID, order.ReceiptNo, order.StoreID, order.TerminalID, idempotencyKey, string(order.Status), int(order.Orientation),
		nullIfEmpty(order.ReturnOf), nullIfEmpty(order.CustomerID), order.CustomerName, order.Notes,
		discount, tax, totals, changeDue, order.CreatedAt)
	if err != nil {
		return err
	}

	for i, line := range order.Lines {
		taxes, err := json.Marshal(nonNilTaxes(line.Taxes))
		if err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, `
			INSERT INTO order_lines (order_id, position, product_id, variant_id, name, quantity, unit_price, discount, taxes, tax_included)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, order.ID, i, line.ProductID, line.VariantID, line.Name, line.Quantity, line.UnitPrice, line.Discount, string(taxes), line.TaxIncluded); err != nil {
			return err
		}
	}

	for i, tender := range order.Tenders {
		if _, err := q.ExecContext(ctx, `
			INSERT INTO order_tenders (order_id, position, payment_type_id, payment_type_name, category, can_have_change_due, total, received, due)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, order.ID, i, tender.Type.ID, tender.Type.Name, string(tender.Type.Category), tender.Type.CanHaveChangeDue,
			tender.Total, tender.Received, tender.Due); err != nil {
			return err
		}
	}
	return nil
}

// adjustStock adds delta to the stock pool a line draws from: the store's
// record when the item keeps per-store records, else the flat quantity.
func adjustStock(ctx context.Context, q queryer, product domain.Product, variantID string, storeID string, delta decimal.Decimal) error {
	perStore := len(product.Stocks) > 0
	if variantID != "" {
		variant, ok := product.FindVariant(variantID)
		if !ok {
			return nil
		}
		perStore = len(variant.Stocks) > 0
	}

	if perStore {
		_, err := q.ExecContext(ctx, `
			INSERT INTO product_stocks (product_id, variant_id, store_id, quantity, updated_at)
			VALUES ($1,$2,$3,$4,now())
			ON CONFLICT (product_id, variant_id, store_id)
			DO UPDATE SET quantity = product_stocks.quantity + EXCLUDED.quantity, updated_at = now()
		`, product.ID, variantID, storeID, delta)
		return err
	}
	if variantID != "" {
		_, err := q.ExecContext(ctx, `UPDATE product_variants SET quantity = quantity + $2 WHERE id = $1`, variantID, delta)
		return err
	}
	_, err := q.ExecContext(ctx, `UPDATE products SET quantity = quantity + $2, updated_at = now() WHERE id = $1`, product.ID, delta)
	return err
}

// returnedQuantities sums what completed returns have already taken back
// from the original order, keyed by stock pool.
func returnedQuantities(ctx context.Context, q queryer, originalID string) (map[string]decimal.Decimal, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT l.product_id, l.variant_id, l.quantity
		FROM order_lines l
		JOIN orders o ON o.id = l.order_id
		WHERE o.return_of = $1 AND o.status = $2
	`, originalID, string(domain.OrderCompleted))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	returned := map[string]decimal.Decimal{}
	for rows.Next() {
		var (
			productID string
			variantID string
			qty       decimal.Decimal
		)
		if err := rows.Scan(&productID, &variantID, &qty); err != nil {
			return nil, err
		}
		key := productID + "/" + variantID
		returned[key] = returned[key].Add(qty.Abs())
	}
	return returned, rows.Err()
}

func (s *Store) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	return s.loadOrder(ctx, s.db, id, false)
}

func (s *Store) loadOrder(ctx context.Context, q queryer, id string, lock bool) (*domain.Order, error) {
	query := `
		SELECT id, receipt_no, store_id, terminal_id, status, orientation, return_of,
			customer_id, customer_name, notes, discount, tax, totals, created_at
		FROM orders
		WHERE id = $1
	`
	if lock {
		query += ` FOR UPDATE`
	}

	var (
		order       domain.Order
		orientation int
		returnOf    sql.NullString
		customerID  sql.NullString
		discount    []byte
		tax         []byte
		totals      []byte
	)
	err := q.QueryRowContext(ctx, query, id).Scan(
		&order.ID,
		&order.ReceiptNo,
		&order.StoreID,
		&order.TerminalID,
		&order.Status,
		&orientation,
		&returnOf,
		&customerID,
		&order.CustomerName,
		&order.Notes,
		&discount,
		&tax,
		&totals,
		&order.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: order %s", store.ErrNotFound, id)
		}
		return nil, err
	}
	order.Orientation = domain.Orientation(orientation)
	order.ReturnOf = returnOf.String
	order.CustomerID = customerID.String
	order.CreatedAt = order.CreatedAt.UTC()
	if len(discount) > 0 {
		order.Discount = &domain.DiscountSelection{}
		if err := unmarshalJSON(discount, order.Discount); err != nil {
			return nil, err
		}
	}
	if len(tax) > 0 {
		order.Tax = &domain.TaxSelection{}
		if err := unmarshalJSON(tax, order.Tax); err != nil {
			return nil, err
		}
	}
	if err := unmarshalJSON(totals, &order.Totals); err != nil {
		return nil, err
	}

	lineRows, err := q.QueryContext(ctx, `
		SELECT product_id, variant_id, name, quantity, unit_price, discount, taxes, tax_included
		FROM order_lines
		WHERE order_id = $1
		ORDER BY position ASC
	`, order.ID)
	if err != nil {
		return nil, err
	}
	order.Lines = make([]domain.OrderLine, 0, 8)
	for lineRows.Next() {
		var (
			line  domain.OrderLine
			taxes []byte
		)
		if err := lineRows.Scan(&line.ProductID, &line.VariantID, &line.Name, &line.Quantity, &line.UnitPrice, &line.Discount, &taxes, &line.TaxIncluded); err != nil {
			_ = lineRows.Close()
			return nil, err
		}
		if err := unmarshalJSON(taxes, &line.Taxes); err != nil {
			_ = lineRows.Close()
			return nil, err
		}
		if len(line.Taxes) == 0 {
			line.Taxes = nil
		}
		order.Lines = append(order.Lines, line)
	}
	if err := lineRows.Err(); err != nil {
		_ = lineRows.Close()
		return nil, err
	}
	_ = lineRows.Close()

	tenderRows, err := q.QueryContext(ctx, `
		SELECT payment_type_id, payment_type_name, category, can_have_change_due, total, received, due
		FROM order_tenders
		WHERE order_id = $1
		ORDER BY position ASC
	`, order.ID)
	if err != nil {
		return nil, err
	}
	defer tenderRows.Close()
	for tenderRows.Next() {
		var tender domain.PaymentTender
		if err := tenderRows.Scan(&tender.Type.ID, &tender.Type.Name, &tender.Type.Category, &tender.Type.CanHaveChangeDue, &tender.Total, &tender.Received, &tender.Due); err != nil {
			return nil, err
		}
		order.Tenders = append(order.Tenders, tender)
	}
	if err := tenderRows.Err(); err != nil {
		return nil, err
	}

	return &order, nil
}

func (s *Store) findReceiptByIdempotency(ctx context.Context, q queryer, key string) (*domain.OrderReceipt, error) {
	var (
		receipt domain.OrderReceipt
		totals  []byte
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, receipt_no, status, totals, change_due, created_at
		FROM orders
		WHERE idempotency_key = $1
	`, key).Scan(&receipt.OrderID, &receipt.ReceiptNo, &receipt.Status, &totals, &receipt.ChangeDue, &receipt.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	receipt.CreatedAt = receipt.CreatedAt.UTC()
	if err := unmarshalJSON(totals, &receipt.Totals); err != nil {
		return nil, err
	}
	return &receipt, nil
}

func productIDs(lines []domain.OrderLine) []string {
	set := make(map[string]struct{}, len(lines))
	for _, line := range lines {
		if line.ProductID == "" {
			continue
		}
		set[line.ProductID] = struct{}{}
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sortedKeys(m map[string]decimal.Decimal) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
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
