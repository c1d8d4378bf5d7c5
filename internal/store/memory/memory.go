package memory

import (
	"context"
	"errors"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"pdvledger/backend/internal/domain"
	"pdvledger/backend/internal/store"
)

var errEmptyID = errors.New("record id is required")

type Store struct {
	mu           sync.RWMutex
	products     map[string]domain.Product
	transactions map[string]domain.SaleTransaction
	sessions     map[string]domain.CashSession
	entries      map[string]domain.CashEntry
	users        map[string]domain.UserAccount
}

var (
	_ store.Repository       = (*Store)(nil)
	_ store.StockDecrementer = (*Store)(nil)
	_ store.StockSetter      = (*Store)(nil)
	_ store.UserStore        = (*Store)(nil)
)

func New() *Store {
	return &Store{
		products:     make(map[string]domain.Product),
		transactions: make(map[string]domain.SaleTransaction),
		sessions:     make(map[string]domain.CashSession),
		entries:      make(map[string]domain.CashEntry),
		users:        make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store with a small demo catalog and two operator accounts
// for local development. Passwords come from SEED_ADMIN_PASSWORD and
// SEED_OPERATOR_PASSWORD, with dev defaults when unset.
func NewSeeded(log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	s := New()
	for _, p := range []domain.Product{
		{ID: "prd-cafe-500", SKU: "CAFE-500", Barcode: "7891000100103", Name: "Café torrado 500g", CostPrice: decimal.RequireFromString("9.80"), SalePrice: decimal.RequireFromString("16.90"), Stock: 40, MinStock: 10},
		{ID: "prd-arroz-5", SKU: "ARROZ-5", Barcode: "7896006716112", Name: "Arroz tipo 1 5kg", CostPrice: decimal.RequireFromString("18.50"), SalePrice: decimal.RequireFromString("27.90"), Stock: 25, MinStock: 8},
		{ID: "prd-leite-1", SKU: "LEITE-1", Barcode: "7891025101123", Name: "Leite integral 1L", CostPrice: decimal.RequireFromString("3.60"), SalePrice: decimal.RequireFromString("5.49"), Stock: 120, MinStock: 24},
		{ID: "prd-entrega", SKU: "SERV-ENTREGA", Name: "Taxa de entrega", SalePrice: decimal.RequireFromString("8.00"), IsService: true},
	} {
		s.products[p.ID] = p
	}

	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	operatorPwd := envOr("SEED_OPERATOR_PASSWORD", "operador123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_OPERATOR_PASSWORD") == "" {
		log.Warn("using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_OPERATOR_PASSWORD to override")
	}
	now := time.Now().UTC()
	for _, u := range []struct{ username, password, role string }{
		{"admin", adminPwd, domain.RoleAdmin},
		{"operador", operatorPwd, domain.RoleOperator},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Error("hash seed password", zap.String("username", u.username), zap.Error(err))
			continue
		}
		s.users[u.username] = domain.UserAccount{Username: u.username, Password: string(hash), Role: u.role, Active: true, CreatedAt: now}
	}
	return s
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func (s *Store) EnsureSchema(context.Context) error {
	return nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return products, nil
}

func (s *Store) UpsertProduct(_ context.Context, product domain.Product) error {
	if product.ID == "" {
		return errEmptyID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[product.ID] = product
	return nil
}

func (s *Store) DeleteProduct(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.products[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.products, id)
	return nil
}

func (s *Store) DecrementStock(_ context.Context, productID string, qty int, allowNegative bool) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	product, ok := s.products[productID]
	if !ok {
		return 0, 0, store.ErrNotFound
	}
	prior := product.Stock
	next := prior - qty
	if next < 0 && !allowNegative {
		return prior, prior, store.ErrInsufficientStock
	}
	product.Stock = next
	s.products[productID] = product
	return prior, next, nil
}

func (s *Store) SetStock(_ context.Context, productID string, qty int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	product, ok := s.products[productID]
	if !ok {
		return store.ErrNotFound
	}
	product.Stock = qty
	s.products[productID] = product
	return nil
}

func (s *Store) ListTransactions(_ context.Context) ([]domain.SaleTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	txs := make([]domain.SaleTransaction, 0, len(s.transactions))
	for _, tx := range s.transactions {
		txs = append(txs, cloneTransaction(tx))
	}
	slices.SortFunc(txs, func(a, b domain.SaleTransaction) int {
		if c := a.Date.Compare(b.Date); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return txs, nil
}

func (s *Store) UpsertTransaction(_ context.Context, tx domain.SaleTransaction) error {
	if tx.ID == "" {
		return errEmptyID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transactions[tx.ID] = cloneTransaction(tx)
	return nil
}

func (s *Store) DeleteTransaction(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.transactions[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.transactions, id)
	return nil
}

func (s *Store) ListCashSessions(_ context.Context) ([]domain.CashSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]domain.CashSession, 0, len(s.sessions))
	for _, cs := range s.sessions {
		sessions = append(sessions, cloneSession(cs))
	}
	slices.SortFunc(sessions, func(a, b domain.CashSession) int {
		if c := a.OpeningTime.Compare(b.OpeningTime); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return sessions, nil
}

func (s *Store) UpsertCashSession(_ context.Context, session domain.CashSession) error {
	if session.ID == "" {
		return errEmptyID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if session.Status == domain.SessionOpen {
		for id, other := range s.sessions {
			if id != session.ID && other.StoreID == session.StoreID && other.Status == domain.SessionOpen {
				return domain.ErrSessionAlreadyOpen
			}
		}
	}
	s.sessions[session.ID] = cloneSession(session)
	return nil
}

func (s *Store) DeleteCashSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.sessions, id)
	return nil
}

func (s *Store) ListCashEntries(_ context.Context) ([]domain.CashEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]domain.CashEntry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	slices.SortFunc(entries, func(a, b domain.CashEntry) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return entries, nil
}

func (s *Store) UpsertCashEntry(_ context.Context, entry domain.CashEntry) error {
	if entry.ID == "" {
		return errEmptyID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.ID] = entry
	return nil
}

func (s *Store) DeleteCashEntry(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.entries, id)
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) PutUser(user domain.UserAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.Username] = user
}

func cloneTransaction(tx domain.SaleTransaction) domain.SaleTransaction {
	tx.Items = slices.Clone(tx.Items)
	tx.Tenders = slices.Clone(tx.Tenders)
	return tx
}

func cloneSession(cs domain.CashSession) domain.CashSession {
	if cs.ClosingTime != nil {
		closedAt := *cs.ClosingTime
		cs.ClosingTime = &closedAt
	}
	if cs.ClosingValue != nil {
		value := *cs.ClosingValue
		cs.ClosingValue = &value
	}
	return cs
}
