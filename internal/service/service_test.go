package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"pdvledger/backend/internal/domain"
	"pdvledger/backend/internal/store"
	"pdvledger/backend/internal/store/memory"
)

var (
	operatorCtx = WithActor(context.Background(), domain.Actor{Username: "ana", Role: domain.RoleOperator})
	adminCtx    = WithActor(context.Background(), domain.Actor{Username: "gerente", Role: domain.RoleAdmin})
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// memCounts is a CountStore that copies on every read and write, like a disk.
type memCounts struct {
	mu      sync.Mutex
	data    map[string]domain.StockCountSession
	saveErr error
}

func newMemCounts() *memCounts {
	return &memCounts{data: map[string]domain.StockCountSession{}}
}

func (m *memCounts) Load(_ context.Context, owner string) (domain.StockCountSession, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.data[owner]
	return copyCount(sess), ok, nil
}

func (m *memCounts) Save(_ context.Context, sess domain.StockCountSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.data[sess.Owner] = copyCount(sess)
	return nil
}

func (m *memCounts) Delete(_ context.Context, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, owner)
	return nil
}

func copyCount(sess domain.StockCountSession) domain.StockCountSession {
	out := sess
	out.CurrentBatchItems = copyItems(sess.CurrentBatchItems)
	out.Batches = make([]domain.StockBatch, len(sess.Batches))
	for i, b := range sess.Batches {
		b.Items = copyItems(b.Items)
		out.Batches[i] = b
	}
	return out
}

func copyItems(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// plainRepo hides the optional atomic stock methods of the wrapped store.
type plainRepo struct {
	store.Repository
}

type failingTxRepo struct {
	*memory.Store
}

func (failingTxRepo) UpsertTransaction(context.Context, domain.SaleTransaction) error {
	return errors.New("connection reset by peer")
}

type fixture struct {
	svc    *Service
	repo   *memory.Store
	counts *memCounts
	clock  *testClock
}

func seedCatalog(t *testing.T, repo *memory.Store) {
	t.Helper()
	products := []domain.Product{
		{ID: "P1", SKU: "CAFE-500", Barcode: "7891000100103", Name: "Café", CostPrice: decimal.RequireFromString("6.00"), SalePrice: decimal.RequireFromString("10.00"), Stock: 10},
		{ID: "P2", SKU: "LEITE-1", Barcode: "7891025101123", Name: "Leite", CostPrice: decimal.RequireFromString("3.00"), SalePrice: decimal.RequireFromString("5.00"), Stock: 7},
		{ID: "S1", SKU: "SERV-ENTREGA", Name: "Entrega", SalePrice: decimal.RequireFromString("8.00"), IsService: true},
	}
	for _, p := range products {
		if err := repo.UpsertProduct(context.Background(), p); err != nil {
			t.Fatalf("seed product %s: %v", p.ID, err)
		}
	}
}

func newFixture(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()
	repo := memory.New()
	seedCatalog(t, repo)
	return newFixtureWithRepo(t, repo, repo, mutate...)
}

func newFixtureWithRepo(t *testing.T, repo store.Repository, mem *memory.Store, mutate ...func(*Options)) *fixture {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)}
	opts := Options{
		DefaultStoreID:          "loja-1",
		CashMethod:              "Dinheiro",
		Location:                time.UTC,
		AllowAdminMultipleDaily: true,
		AllowNegativeStock:      true,
		DeviceID:                "terminal-1",
	}
	for _, m := range mutate {
		m(&opts)
	}
	counts := newMemCounts()
	svc := New(repo, counts, nil, opts, WithClock(clock.Now))
	return &fixture{svc: svc, repo: mem, counts: counts, clock: clock}
}

func (f *fixture) stock(t *testing.T, id string) int {
	t.Helper()
	products, err := f.repo.ListProducts(context.Background())
	if err != nil {
		t.Fatalf("list products: %v", err)
	}
	for _, p := range products {
		if p.ID == id {
			return p.Stock
		}
	}
	t.Fatalf("product %s not found", id)
	return 0
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func cashSale(productID string, qty int, unit string, paid string) domain.SettleRequest {
	return domain.SettleRequest{
		StoreID:  "loja-1",
		VendorID: "vend-1",
		Cart:     []domain.CartLine{{ProductID: productID, Quantity: qty, UnitPrice: dec(unit)}},
		Tenders:  []domain.Tender{{Method: "Dinheiro", Value: dec(paid)}},
	}
}

func assertKind(t *testing.T, err error, want error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}
