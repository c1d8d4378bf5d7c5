package store

import (
	"context"

	"pdvledger/backend/internal/domain"
)

var (
	ErrNotFound          = domain.ErrNotFound
	ErrInsufficientStock = domain.ErrInsufficientStock
)

// Each entity store is insert-or-replace keyed by identifier; the last write wins.

type ProductStore interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	UpsertProduct(ctx context.Context, product domain.Product) error
	DeleteProduct(ctx context.Context, id string) error
}

type TransactionStore interface {
	ListTransactions(ctx context.Context) ([]domain.SaleTransaction, error)
	UpsertTransaction(ctx context.Context, tx domain.SaleTransaction) error
	DeleteTransaction(ctx context.Context, id string) error
}

type CashSessionStore interface {
	ListCashSessions(ctx context.Context) ([]domain.CashSession, error)
	UpsertCashSession(ctx context.Context, session domain.CashSession) error
	DeleteCashSession(ctx context.Context, id string) error
}

type CashEntryStore interface {
	ListCashEntries(ctx context.Context) ([]domain.CashEntry, error)
	UpsertCashEntry(ctx context.Context, entry domain.CashEntry) error
	DeleteCashEntry(ctx context.Context, id string) error
}

type SchemaManager interface {
	EnsureSchema(ctx context.Context) error
}

type Repository interface {
	ProductStore
	TransactionStore
	CashSessionStore
	CashEntryStore
	SchemaManager
}

// StockDecrementer is implemented by stores that can subtract stock in a
// single server-side step. Unless allowNegative is set, a decrement that would
// leave the stock below zero fails with ErrInsufficientStock and changes nothing.
type StockDecrementer interface {
	DecrementStock(ctx context.Context, productID string, qty int, allowNegative bool) (prior int, next int, err error)
}

// StockSetter overwrites only the stock field of a product.
type StockSetter interface {
	SetStock(ctx context.Context, productID string, qty int) error
}

// UserStore exposes operator accounts for login.
type UserStore interface {
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
}
