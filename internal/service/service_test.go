package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"kasirinaja/pos/internal/cache"
	"kasirinaja/pos/internal/domain"
	"kasirinaja/pos/internal/store"
	"kasirinaja/pos/internal/store/memory"
)

func newTestService() (*Service, *memory.Store) {
	repo := memory.NewSeeded()
	return New(repo, nil, "main-store", nil), repo
}

type countingCache struct {
	mu      sync.Mutex
	entries map[string]domain.Product
	deletes []string
}

func (c *countingCache) Get(_ context.Context, key string) (*domain.Product, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	return &p, true, nil
}

func (c *countingCache) Set(_ context.Context, key string, value *domain.Product, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = *value
	return nil
}

func (c *countingCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
	}
	c.deletes = append(c.deletes, keys...)
	return nil
}

func TestSessionIsPerTerminal(t *testing.T) {
	svc, _ := newTestService()

	a, err := svc.Session("terminal-a1")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	again, _ := svc.Session(" terminal-a1 ")
	other, _ := svc.Session("terminal-b1")
	if a != again {
		t.Fatalf("expected the same session for the same terminal")
	}
	if a == other {
		t.Fatalf("expected separate sessions per terminal")
	}

	if _, err := svc.Session(""); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected invalid terminal error, got %v", err)
	}
	if _, err := svc.Session("a/b"); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected malformed terminal error, got %v", err)
	}
}

func TestSubmitWritesAuditWithActor(t *testing.T) {
	svc, _ := newTestService()
	ctx := WithActor(context.Background(), domain.Actor{Username: "cashier", Role: "cashier"})

	session, _ := svc.Session("terminal-a1")
	if _, err := session.AddLine(ctx, domain.AddLineRequest{ProductID: "SKU-MIE-01", Quantity: decimal.NewFromInt(2)}); err != nil {
		t.Fatalf("add line: %v", err)
	}
	if _, err := session.AddTender(ctx, domain.TenderRequest{PaymentTypeID: "cash", Amount: decimal.NewFromInt(10000)}); err != nil {
		t.Fatalf("tender: %v", err)
	}
	resp, err := session.Submit(ctx, domain.OrderCompleted)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	logs, err := svc.ListAuditLogs(ctx, "", 10)
	if err != nil {
		t.Fatalf("audit logs: %v", err)
	}
	if len(logs.AuditLogs) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(logs.AuditLogs))
	}
	entry := logs.AuditLogs[0]
	if entry.Action != "transaction.submit" || entry.ActorUsername != "cashier" || entry.TerminalID != "terminal-a1" {
		t.Fatalf("unexpected audit entry %+v", entry)
	}
	if entry.EntityID != resp.Receipt.OrderID {
		t.Fatalf("expected audit entity %s, got %s", resp.Receipt.OrderID, entry.EntityID)
	}

	order, err := svc.GetOrder(ctx, resp.Receipt.OrderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if !order.Totals.FinalTotal.Equal(decimal.NewFromInt(7000)) {
		t.Fatalf("unexpected order total %s", order.Totals.FinalTotal)
	}
}

func TestAuditWithoutActorIsSystem(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	svc.Record(ctx, domain.AuditLog{Action: "session.clear", EntityType: "terminal", EntityID: "t1"})

	logs, _ := svc.ListAuditLogs(ctx, "main-store", 0)
	if len(logs.AuditLogs) != 1 || logs.AuditLogs[0].ActorUsername != "system" {
		t.Fatalf("expected a system audit entry, got %+v", logs.AuditLogs)
	}
}

func TestListAuditLogsEmptyStoreListsAllStores(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	svc.Record(ctx, domain.AuditLog{Action: "session.clear", EntityType: "terminal", EntityID: "t1"})
	svc.Record(ctx, domain.AuditLog{StoreID: "branch-2", Action: "session.clear", EntityType: "terminal", EntityID: "t9"})

	all, err := svc.ListAuditLogs(ctx, "", 0)
	if err != nil {
		t.Fatalf("audit logs: %v", err)
	}
	if len(all.AuditLogs) != 2 {
		t.Fatalf("expected entries from both stores, got %+v", all.AuditLogs)
	}

	branch, err := svc.ListAuditLogs(ctx, "branch-2", 0)
	if err != nil {
		t.Fatalf("audit logs: %v", err)
	}
	if len(branch.AuditLogs) != 1 || branch.AuditLogs[0].EntityID != "t9" {
		t.Fatalf("expected only the branch-2 entry, got %+v", branch.AuditLogs)
	}
}

func TestCompletedSubmitInvalidatesCachedProducts(t *testing.T) {
	repo := memory.NewSeeded()
	entries := &countingCache{entries: map[string]domain.Product{}}
	catalog := cache.NewCachedCatalog(repo, entries, time.Minute, nil)
	svc := New(repo, catalog, "main-store", nil)
	ctx := context.Background()

	session, _ := svc.Session("terminal-a1")
	if _, err := session.AddLine(ctx, domain.AddLineRequest{ProductID: "SKU-KOPI-01", Quantity: decimal.NewFromInt(3)}); err != nil {
		t.Fatalf("add line: %v", err)
	}
	if _, ok := entries.entries["SKU-KOPI-01"]; !ok {
		t.Fatalf("expected product to be cached after lookup")
	}

	if _, err := session.Submit(ctx, domain.OrderOnHold); err != nil {
		t.Fatalf("hold: %v", err)
	}
	if len(entries.deletes) != 0 {
		t.Fatalf("held orders must not invalidate the cache")
	}

	if _, err := session.AddLine(ctx, domain.AddLineRequest{ProductID: "SKU-KOPI-01", Quantity: decimal.NewFromInt(3)}); err != nil {
		t.Fatalf("add line: %v", err)
	}
	if _, err := session.AddTender(ctx, domain.TenderRequest{PaymentTypeID: "cash", Amount: decimal.NewFromInt(10000)}); err != nil {
		t.Fatalf("tender: %v", err)
	}
	if _, err := session.Submit(ctx, domain.OrderCompleted); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(entries.deletes) != 1 || entries.deletes[0] != "SKU-KOPI-01" {
		t.Fatalf("expected SKU-KOPI-01 invalidated, got %v", entries.deletes)
	}

	product, err := catalog.GetProduct(ctx, "SKU-KOPI-01")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if !product.Stocks[0].Quantity.Equal(decimal.NewFromInt(197)) {
		t.Fatalf("expected fresh stock 197, got %s", product.Stocks[0].Quantity)
	}
}

func TestListPaymentTypes(t *testing.T) {
	svc, _ := newTestService()

	resp, err := svc.ListPaymentTypes(context.Background())
	if err != nil {
		t.Fatalf("payment types: %v", err)
	}
	if len(resp.PaymentTypes) != 4 {
		t.Fatalf("expected 4 seeded payment types, got %d", len(resp.PaymentTypes))
	}
}
