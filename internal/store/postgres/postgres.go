package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"kasirinaja/pos/internal/domain"
	"kasirinaja/pos/internal/store"
	"kasirinaja/pos/internal/xid"
)

//go:embed schema.sql
var schema string

type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func New(ctx context.Context, databaseURL string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, logger: logger.Named("postgres")}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSchema creates missing tables. Every statement is idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	products, err := loadProducts(ctx, s.db, []string{id}, false)
	if err != nil {
		return nil, err
	}
	product, ok := products[id]
	if !ok {
		return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, id)
	}
	return &product, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM products ORDER BY id`)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, 128)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	byID, err := loadProducts(ctx, s.db, ids, false)
	if err != nil {
		return nil, err
	}
	products := make([]domain.Product, 0, len(ids))
	for _, id := range ids {
		if p, ok := byID[id]; ok {
			products = append(products, p)
		}
	}
	return products, nil
}

// loadProducts reads products with their variants and per-store stock. With
// lock set the product rows are locked for the rest of the transaction.
func loadProducts(ctx context.Context, q queryer, ids []string, lock bool) (map[string]domain.Product, error) {
	products := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return products, nil
	}

	query := `
		SELECT id, sku, name, base_price, min_price, cost, taxes, manage_inventory, quantity, active
		FROM products
		WHERE id = ANY($1)
	`
	if lock {
		query += ` ORDER BY id FOR UPDATE`
	}
	rows, err := q.QueryContext(ctx, query, ids)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var (
			p        domain.Product
			minPrice decimal.NullDecimal
			taxes    []byte
		)
		if err := rows.Scan(&p.ID, &p.SKU, &p.Name, &p.BasePrice, &minPrice, &p.Cost, &taxes, &p.ManageInventory, &p.Quantity, &p.Active); err != nil {
			_ = rows.Close()
			return nil, err
		}
		p.MinPrice = nullDecimalPtr(minPrice)
		if err := unmarshalJSON(taxes, &p.Taxes); err != nil {
			_ = rows.Close()
			return nil, err
		}
		products[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	variantRows, err := q.QueryContext(ctx, `
		SELECT id, product_id, sku, name, price, min_price, cost, quantity
		FROM product_variants
		WHERE product_id = ANY($1)
		ORDER BY product_id, position, id
	`, ids)
	if err != nil {
		return nil, err
	}
	for variantRows.Next() {
		var (
			v         domain.Variant
			productID string
			minPrice  decimal.NullDecimal
		)
		if err := variantRows.Scan(&v.ID, &productID, &v.SKU, &v.Name, &v.Price, &minPrice, &v.Cost, &v.Quantity); err != nil {
			_ = variantRows.Close()
			return nil, err
		}
		v.MinPrice = nullDecimalPtr(minPrice)
		if p, ok := products[productID]; ok {
			p.Variants = append(p.Variants, v)
			products[productID] = p
		}
	}
	if err := variantRows.Err(); err != nil {
		_ = variantRows.Close()
		return nil, err
	}
	_ = variantRows.Close()

	stockRows, err := q.QueryContext(ctx, `
		SELECT product_id, variant_id, store_id, quantity
		FROM product_stocks
		WHERE product_id = ANY($1)
		ORDER BY product_id, variant_id, store_id
	`, ids)
	if err != nil {
		return nil, err
	}
	defer stockRows.Close()
	for stockRows.Next() {
		var (
			productID string
			variantID string
			entry     domain.StoreStock
		)
		if err := stockRows.Scan(&productID, &variantID, &entry.StoreID, &entry.Quantity); err != nil {
			return nil, err
		}
		p, ok := products[productID]
		if !ok {
			continue
		}
		if variantID == "" {
			p.Stocks = append(p.Stocks, entry)
		} else {
			for i := range p.Variants {
				if p.Variants[i].ID == variantID {
					p.Variants[i].Stocks = append(p.Variants[i].Stocks, entry)
					break
				}
			}
		}
		products[productID] = p
	}
	return products, stockRows.Err()
}

// UpsertProduct writes a catalog entry and replaces its variants and stock
// records.
func (s *Store) UpsertProduct(ctx context.Context, product domain.Product) error {
	if strings.TrimSpace(product.ID) == "" || strings.TrimSpace(product.Name) == "" || product.BasePrice.IsNegative() {
		return store.ErrInvalidTransaction
	}
	taxes, err := json.Marshal(nonNilTaxes(product.Taxes))
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO products (id, sku, name, base_price, min_price, cost, taxes, manage_inventory, quantity, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,now(),now())
		ON CONFLICT (id) DO UPDATE SET
			sku = EXCLUDED.sku, name = EXCLUDED.name, base_price = EXCLUDED.base_price,
			min_price = EXCLUDED.min_price, cost = EXCLUDED.cost, taxes = EXCLUDED.taxes,
			manage_inventory = EXCLUDED.manage_inventory, quantity = EXCLUDED.quantity,
			active = EXCLUDED.active, updated_at = now()
	`, product.ID, product.SKU, product.Name, product.BasePrice, decimalPtrArg(product.MinPrice), product.Cost,
		string(taxes), product.ManageInventory, product.Quantity, product.Active)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM product_variants WHERE product_id = $1`, product.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM product_stocks WHERE product_id = $1`, product.ID); err != nil {
		return err
	}

	for _, entry := range product.Stocks {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO product_stocks (product_id, variant_id, store_id, quantity, updated_at)
			VALUES ($1,'',$2,$3,now())
		`, product.ID, entry.StoreID, entry.Quantity); err != nil {
			return err
		}
	}
	for i, v := range product.Variants {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO product_variants (id, product_id, position, sku, name, price, min_price, cost, quantity)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, v.ID, product.ID, i, v.SKU, v.Name, v.Price, decimalPtrArg(v.MinPrice), v.Cost, v.Quantity); err != nil {
			if isUniqueViolation(err) {
				return store.ErrInvalidTransaction
			}
			return err
		}
		for _, entry := range v.Stocks {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO product_stocks (product_id, variant_id, store_id, quantity, updated_at)
				VALUES ($1,$2,$3,$4,now())
			`, product.ID, v.ID, entry.StoreID, entry.Quantity); err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

func (s *Store) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	return getCustomer(ctx, s.db, id, false)
}

func getCustomer(ctx context.Context, q queryer, id string, lock bool) (*domain.Customer, error) {
	query := `
		SELECT id, name, outstanding, credit_limit, allow_credit_sale
		FROM customers
		WHERE id = $1
	`
	if lock {
		query += ` FOR UPDATE`
	}

	var (
		customer domain.Customer
		limit    decimal.NullDecimal
	)
	err := q.QueryRowContext(ctx, query, id).Scan(&customer.ID, &customer.Name, &customer.Outstanding, &limit, &customer.AllowCreditSale)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: customer %s", store.ErrNotFound, id)
		}
		return nil, err
	}
	customer.CreditLimit = nullDecimalPtr(limit)
	return &customer, nil
}

func (s *Store) UpsertCustomer(ctx context.Context, customer domain.Customer) error {
	if strings.TrimSpace(customer.ID) == "" || strings.TrimSpace(customer.Name) == "" {
		return store.ErrInvalidTransaction
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, name, outstanding, credit_limit, allow_credit_sale)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, outstanding = EXCLUDED.outstanding,
			credit_limit = EXCLUDED.credit_limit, allow_credit_sale = EXCLUDED.allow_credit_sale
	`, customer.ID, customer.Name, customer.Outstanding, decimalPtrArg(customer.CreditLimit), customer.AllowCreditSale)
	return err
}

func (s *Store) ListPaymentTypes(ctx context.Context) ([]domain.PaymentType, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, category, can_have_change_due
		FROM payment_types
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.PaymentType, 0, 8)
	for rows.Next() {
		var pt domain.PaymentType
		if err := rows.Scan(&pt.ID, &pt.Name, &pt.Category, &pt.CanHaveChangeDue); err != nil {
			return nil, err
		}
		result = append(result, pt)
	}
	return result, rows.Err()
}

func (s *Store) GetPaymentType(ctx context.Context, id string) (*domain.PaymentType, error) {
	var pt domain.PaymentType
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, category, can_have_change_due
		FROM payment_types
		WHERE id = $1
	`, id).Scan(&pt.ID, &pt.Name, &pt.Category, &pt.CanHaveChangeDue)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: payment type %s", store.ErrNotFound, id)
		}
		return nil, err
	}
	return &pt, nil
}

func (s *Store) UpsertPaymentType(ctx context.Context, pt domain.PaymentType) error {
	if strings.TrimSpace(pt.ID) == "" || strings.TrimSpace(pt.Name) == "" || pt.Category == "" {
		return store.ErrInvalidTransaction
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_types (id, name, category, can_have_change_due)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, category = EXCLUDED.category, can_have_change_due = EXCLUDED.can_have_change_due
	`, pt.ID, pt.Name, string(pt.Category), pt.CanHaveChangeDue)
	return err
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, store_id, terminal_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, entry.ID, entry.StoreID, entry.TerminalID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

// ListAuditLogs returns the newest entries first. An empty storeID lists
// every store.
func (s *Store) ListAuditLogs(ctx context.Context, storeID string, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, store_id, terminal_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE $1 = '' OR store_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, storeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.StoreID, &entry.TerminalID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidTransaction
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func decimalPtrArg(val *decimal.Decimal) any {
	if val == nil {
		return nil
	}
	return *val
}

func nullDecimalPtr(val decimal.NullDecimal) *decimal.Decimal {
	if !val.Valid {
		return nil
	}
	d := val.Decimal
	return &d
}

func nonNilTaxes(taxes []domain.TaxRate) []domain.TaxRate {
	if taxes == nil {
		return []domain.TaxRate{}
	}
	return taxes
}

// marshalNullable encodes v as JSON, or SQL NULL when v is a nil pointer.
func marshalNullable[T any](v *T) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func unmarshalJSON(raw []byte, dest any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dest)
}
