package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"kasirinaja/pos/internal/cache"
	"kasirinaja/pos/internal/domain"
	"kasirinaja/pos/internal/register"
	"kasirinaja/pos/internal/store"
	"kasirinaja/pos/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Service owns one register session per terminal and the read-only lookups
// the HTTP surface needs around them.
type Service struct {
	repo           store.Repository
	catalog        *cache.CachedCatalog
	orders         store.Orders
	defaultStoreID string
	logger         *zap.Logger

	mu       sync.Mutex
	sessions map[string]*register.Session
}

// New wires the service. A nil catalog reads products straight from repo.
func New(repo store.Repository, catalog *cache.CachedCatalog, defaultStoreID string, logger *zap.Logger) *Service {
	if defaultStoreID == "" {
		defaultStoreID = "main-store"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if catalog == nil {
		catalog = cache.NewCachedCatalog(repo, cache.NoopProductCache{}, 0, logger)
	}

	return &Service{
		repo:           repo,
		catalog:        catalog,
		orders:         invalidatingOrders{Orders: repo, catalog: catalog},
		defaultStoreID: defaultStoreID,
		logger:         logger.Named("service"),
		sessions:       make(map[string]*register.Session),
	}
}

func (s *Service) StoreID() string {
	return s.defaultStoreID
}

// Session returns the terminal's session, creating it on first use.
func (s *Service) Session(terminalID string) (*register.Session, error) {
	terminalID = strings.TrimSpace(terminalID)
	if err := ValidateTerminalID(terminalID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if session, ok := s.sessions[terminalID]; ok {
		return session, nil
	}
	session := register.New(register.Options{
		StoreID:      s.defaultStoreID,
		TerminalID:   terminalID,
		Catalog:      s.catalog,
		Customers:    s.repo,
		PaymentTypes: s.repo,
		Orders:       s.orders,
		Auditor:      s,
		Logger:       s.logger,
	})
	s.sessions[terminalID] = session
	s.logger.Info("terminal session opened", zap.String("terminal", terminalID))
	return session, nil
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.catalog.ListProducts(ctx)
}

func (s *Service) ListPaymentTypes(ctx context.Context) (domain.PaymentTypeListResponse, error) {
	types, err := s.repo.ListPaymentTypes(ctx)
	if err != nil {
		return domain.PaymentTypeListResponse{}, err
	}
	return domain.PaymentTypeListResponse{PaymentTypes: types}, nil
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, fmt.Errorf("%w: order id is required", store.ErrInvalidTransaction)
	}
	return s.repo.GetOrder(ctx, orderID)
}

// ListAuditLogs returns the newest entries for storeID, or for every store
// when storeID is empty.
func (s *Service) ListAuditLogs(ctx context.Context, storeID string, limit int) (domain.AuditLogListResponse, error) {
	storeID = strings.TrimSpace(storeID)
	if limit < 1 || limit > 500 {
		limit = 100
	}

	logs, err := s.repo.ListAuditLogs(ctx, storeID, limit)
	if err != nil {
		return domain.AuditLogListResponse{}, err
	}
	return domain.AuditLogListResponse{AuditLogs: logs}, nil
}

// Record implements register.Auditor.
func (s *Service) Record(ctx context.Context, entry domain.AuditLog) {
	s.logAudit(ctx, entry)
}

func (s *Service) logAudit(ctx context.Context, entry domain.AuditLog) {
	if entry.StoreID == "" {
		entry.StoreID = s.defaultStoreID
	}

	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}
	entry.ID = xid.New("audit")
	entry.ActorUsername = actor.Username
	entry.ActorRole = actor.Role
	entry.CreatedAt = time.Now().UTC()

	if err := s.repo.CreateAuditLog(ctx, entry); err != nil {
		s.logger.Warn("failed to write audit log",
			zap.String("action", entry.Action),
			zap.String("entity", entry.EntityType+"/"+entry.EntityID),
			zap.Error(err),
		)
	}
}

// invalidatingOrders drops cached catalog entries for every product a
// persisted transaction touched, so the next lookup sees the moved stock.
type invalidatingOrders struct {
	store.Orders
	catalog *cache.CachedCatalog
}

func (o invalidatingOrders) SubmitOrder(ctx context.Context, payload domain.TransactionPayload) (*domain.OrderReceipt, error) {
	receipt, err := o.Orders.SubmitOrder(ctx, payload)
	if err != nil {
		return nil, err
	}
	if payload.Status == domain.OrderCompleted {
		ids := make([]string, 0, len(payload.Lines))
		for _, line := range payload.Lines {
			ids = append(ids, line.ProductID)
		}
		o.catalog.Invalidate(ctx, ids...)
	}
	return receipt, nil
}

func ValidateTerminalID(terminalID string) error {
	if terminalID == "" {
		return fmt.Errorf("%w: terminal_id is required", store.ErrInvalidTransaction)
	}
	if len(terminalID) > 64 || strings.ContainsAny(terminalID, " /\t\r\n") {
		return fmt.Errorf("%w: terminal_id is malformed", store.ErrInvalidTransaction)
	}
	return nil
}
