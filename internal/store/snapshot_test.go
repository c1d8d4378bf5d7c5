package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdvledger/backend/internal/domain"
	"pdvledger/backend/internal/store"
	"pdvledger/backend/internal/store/memory"
)

type flakyTransactions struct {
	*memory.Store
}

func (flakyTransactions) ListTransactions(context.Context) ([]domain.SaleTransaction, error) {
	return nil, errors.New("connection reset")
}

func TestLoadDegradesPerCollection(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	require.NoError(t, mem.UpsertProduct(ctx, domain.Product{ID: "P1", Name: "Café"}))
	require.NoError(t, mem.UpsertCashSession(ctx, domain.CashSession{ID: "cs-1", StoreID: "loja-1"}))

	loader := store.NewLoader(flakyTransactions{mem}, nil)
	snap := loader.Load(ctx, store.AllCollections)

	assert.Len(t, snap.Products, 1)
	assert.Len(t, snap.Sessions, 1)
	assert.Empty(t, snap.Transactions)
	assert.Contains(t, snap.Failed, store.Transactions)

	assert.NoError(t, snap.Require(store.Products|store.CashSessions))
	err := snap.Require(store.Transactions)
	assert.ErrorIs(t, err, domain.ErrOperationFailed)
}

func TestLoadOnlySelected(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	require.NoError(t, mem.UpsertProduct(ctx, domain.Product{ID: "P1"}))

	snap := store.NewLoader(flakyTransactions{mem}, nil).Load(ctx, store.Products)

	assert.Empty(t, snap.Failed)
	p, ok := snap.Product("P1")
	require.True(t, ok)
	assert.Equal(t, "P1", p.ID)
	_, ok = snap.Product("P2")
	assert.False(t, ok)
}
