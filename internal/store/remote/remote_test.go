package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdvledger/backend/internal/domain"
	"pdvledger/backend/internal/store"
)

type fakeBackOffice struct {
	mu       sync.Mutex
	products map[string]domain.Product
	auth     []string
}

func newFakeBackOffice(t *testing.T) (*fakeBackOffice, *Store) {
	t.Helper()
	f := &fakeBackOffice{products: map[string]domain.Product{}}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /products", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		f.mu.Lock()
		defer f.mu.Unlock()
		out := make([]domain.Product, 0, len(f.products))
		for _, p := range f.products {
			out = append(out, p)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("PUT /products/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		var p domain.Product
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.ID != r.PathValue("id") {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"bad product"}`))
			return
		}
		f.mu.Lock()
		f.products[p.ID] = p
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("DELETE /products/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.products[r.PathValue("id")]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(f.products, r.PathValue("id"))
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("PUT /cash-sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"store already has an open session"}`))
	})
	mux.HandleFunc("GET /transactions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"maintenance"}`))
	})
	mux.HandleFunc("POST /schema", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, New(Config{BaseURL: srv.URL + "/", Token: "secret", Timeout: 2 * time.Second})
}

func (f *fakeBackOffice) record(r *http.Request) {
	f.mu.Lock()
	f.auth = append(f.auth, r.Header.Get("Authorization"))
	f.mu.Unlock()
}

func TestProductRoundTrip(t *testing.T) {
	f, s := newFakeBackOffice(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureSchema(ctx))
	require.NoError(t, s.UpsertProduct(ctx, domain.Product{
		ID: "P1", Name: "Café", SalePrice: decimal.RequireFromString("12.90"), Stock: 4,
	}))

	products, err := s.ListProducts(ctx)
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, "Café", products[0].Name)
	assert.True(t, products[0].SalePrice.Equal(decimal.RequireFromString("12.90")))

	require.NoError(t, s.DeleteProduct(ctx, "P1"))
	assert.ErrorIs(t, s.DeleteProduct(ctx, "P1"), store.ErrNotFound)

	for _, header := range f.auth {
		assert.Equal(t, "Bearer secret", header)
	}
}

func TestUpsertWithoutIDIsRejectedLocally(t *testing.T) {
	_, s := newFakeBackOffice(t)
	assert.Error(t, s.UpsertProduct(context.Background(), domain.Product{Name: "sem id"}))
}

func TestOpenSessionConflict(t *testing.T) {
	_, s := newFakeBackOffice(t)
	err := s.UpsertCashSession(context.Background(), domain.CashSession{ID: "cs-2", StoreID: "loja-1", Status: domain.SessionOpen})
	assert.ErrorIs(t, err, domain.ErrSessionAlreadyOpen)
}

func TestStatusErrorCarriesMessage(t *testing.T) {
	_, s := newFakeBackOffice(t)
	_, err := s.ListTransactions(context.Background())

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)
	assert.Equal(t, "maintenance", se.Message)
}
