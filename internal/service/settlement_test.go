package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdvledger/backend/internal/domain"
	"pdvledger/backend/internal/store/memory"
)

func TestSettleExactCashSale(t *testing.T) {
	f := newFixture(t)

	resp, err := f.svc.Settle(operatorCtx, cashSale("P1", 2, "10.00", "20.00"))
	if err != nil {
		t.Fatalf("settle failed: %v", err)
	}

	assert.True(t, resp.Totals.Total.Equal(dec("20")))
	assert.True(t, resp.Totals.Remaining.IsZero())
	assert.True(t, resp.Totals.Change.IsZero())
	assert.Equal(t, []domain.StockInstruction{{ProductID: "P1", PriorStock: 10, Quantity: 2, NewStock: 8}}, resp.Instructions)
	assert.Equal(t, 8, f.stock(t, "P1"))
	require.Len(t, resp.Products, 1)
	assert.Equal(t, 8, resp.Products[0].Stock)

	tx := resp.Transaction
	assert.Equal(t, domain.TxStatusPaid, tx.Status)
	assert.Equal(t, domain.TxTypeIncome, tx.Type)
	assert.Equal(t, "Dinheiro", tx.Method)
	assert.Equal(t, "ana", tx.CashierID)
	require.Len(t, tx.Items, 1)
	assert.True(t, tx.Items[0].UnitCostPriceSnapshot.Equal(dec("6.00")))

	stored, err := f.repo.ListTransactions(context.Background())
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, tx.ID, stored[0].ID)
}

func TestSettleBlockedWhenTenderShort(t *testing.T) {
	f := newFixture(t)

	totals, err := f.svc.Quote(domain.QuoteRequest{
		Cart:    []domain.CartLine{{ProductID: "P1", Quantity: 2, UnitPrice: dec("10.00")}},
		Tenders: []domain.Tender{{Method: "Dinheiro", Value: dec("15.00")}},
	})
	require.NoError(t, err)
	assert.True(t, totals.Remaining.Equal(dec("5.00")))

	_, err = f.svc.Settle(operatorCtx, cashSale("P1", 2, "10.00", "15.00"))
	assertKind(t, err, domain.ErrInsufficientTender)
	assert.Equal(t, 10, f.stock(t, "P1"))

	txs, _ := f.repo.ListTransactions(context.Background())
	assert.Empty(t, txs)
}

func TestQuote(t *testing.T) {
	svc := newFixture(t).svc

	tests := []struct {
		name      string
		req       domain.QuoteRequest
		total     string
		remaining string
		change    string
	}{
		{
			name: "percent discount and change",
			req: domain.QuoteRequest{
				Cart:     []domain.CartLine{{ProductID: "P1", Quantity: 3, UnitPrice: dec("10.00")}},
				Discount: domain.Discount{IsPercent: true, Value: dec("10")},
				Shipping: dec("5.00"),
				Tenders:  []domain.Tender{{Method: "Dinheiro", Value: dec("50.00")}},
			},
			total: "32.00", remaining: "0", change: "18.00",
		},
		{
			name: "flat discount larger than cart clamps to zero",
			req: domain.QuoteRequest{
				Cart:     []domain.CartLine{{ProductID: "P1", Quantity: 1, UnitPrice: dec("10.00")}},
				Discount: domain.Discount{Value: dec("25.00")},
			},
			total: "0", remaining: "0", change: "0",
		},
		{
			name: "split tenders accumulate",
			req: domain.QuoteRequest{
				Cart: []domain.CartLine{{ProductID: "P1", Quantity: 4, UnitPrice: dec("10.00")}},
				Tenders: []domain.Tender{
					{Method: "Pix", Value: dec("15.00")},
					{Method: "Dinheiro", Value: dec("10.00")},
				},
			},
			total: "40.00", remaining: "15.00", change: "0",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			totals, err := svc.Quote(tt.req)
			require.NoError(t, err)
			assert.True(t, totals.Total.Equal(dec(tt.total)), "total %s", totals.Total)
			assert.True(t, totals.Remaining.Equal(dec(tt.remaining)), "remaining %s", totals.Remaining)
			assert.True(t, totals.Change.Equal(dec(tt.change)), "change %s", totals.Change)
		})
	}

	_, err := svc.Quote(domain.QuoteRequest{Cart: []domain.CartLine{{ProductID: "P1", Quantity: 0, UnitPrice: dec("1")}}})
	assertKind(t, err, domain.ErrInvalidQuantity)
	_, err = svc.Quote(domain.QuoteRequest{Tenders: []domain.Tender{{Method: "Pix", Value: dec("0")}}})
	assertKind(t, err, domain.ErrInvalidValue)
}

func TestMethodLabel(t *testing.T) {
	assert.Equal(t, "Dinheiro", MethodLabel(nil, "Dinheiro"))
	assert.Equal(t, "Pix", MethodLabel([]domain.Tender{{Method: "Pix"}, {Method: "Pix"}}, "Dinheiro"))
	assert.Equal(t, "Múltiplo (Pix, Dinheiro)", MethodLabel([]domain.Tender{
		{Method: "Pix"}, {Method: "Dinheiro"}, {Method: "Pix"},
	}, "Dinheiro"))
}

func TestSettleMixedCartAndTenders(t *testing.T) {
	f := newFixture(t)

	resp, err := f.svc.Settle(operatorCtx, domain.SettleRequest{
		VendorID: "vend-1",
		ClientID: "cli-9",
		Cart: []domain.CartLine{
			{ProductID: "P1", Quantity: 1, UnitPrice: dec("10.00")},
			{ProductID: "S1", Quantity: 1, UnitPrice: dec("8.00")},
			{ProductID: "P2", Quantity: 3, UnitPrice: dec("5.00")},
		},
		Tenders: []domain.Tender{
			{Method: "Crédito", Value: dec("20.00"), Installments: 2, AuthNumber: "A1B2", CardBrandID: "visa"},
			{Method: "Dinheiro", Value: dec("20.00")},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "Múltiplo (Crédito, Dinheiro)", resp.Transaction.Method)
	assert.True(t, resp.Totals.Change.Equal(dec("7.00")))
	assert.True(t, resp.Transaction.Change.Equal(dec("7.00")))
	assert.Equal(t, 2, resp.Transaction.Installments)
	assert.Equal(t, "A1B2", resp.Transaction.AuthNumber)
	assert.Len(t, resp.Transaction.Tenders, 2)

	// The service line never produces a stock instruction.
	require.Len(t, resp.Instructions, 2)
	assert.Equal(t, "P1", resp.Instructions[0].ProductID)
	assert.Equal(t, "P2", resp.Instructions[1].ProductID)
	assert.Equal(t, 4, resp.Instructions[1].NewStock)
	assert.Equal(t, 9, f.stock(t, "P1"))
	assert.Equal(t, 4, f.stock(t, "P2"))
}

func TestSettleValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Settle(operatorCtx, domain.SettleRequest{VendorID: "vend-1"})
	assertKind(t, err, domain.ErrEmptyCart)

	req := cashSale("P1", 1, "10.00", "10.00")
	req.VendorID = " "
	_, err = f.svc.Settle(operatorCtx, req)
	assertKind(t, err, domain.ErrVendorRequired)

	_, err = f.svc.Settle(operatorCtx, cashSale("NOPE", 1, "10.00", "10.00"))
	assertKind(t, err, domain.ErrUnknownProduct)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	txs, _ := f.repo.ListTransactions(context.Background())
	assert.Empty(t, txs)
}

func TestSettleBlockedByStaleSessionForOperators(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.Open(operatorCtx, domain.OpenSessionRequest{OpeningValue: ptr(dec("100"))}); err != nil {
		t.Fatalf("open: %v", err)
	}
	f.clock.Advance(24 * time.Hour)

	_, err := f.svc.Settle(operatorCtx, cashSale("P1", 1, "10.00", "10.00"))
	assertKind(t, err, domain.ErrStaleSession)

	if _, err := f.svc.Settle(adminCtx, cashSale("P1", 1, "10.00", "10.00")); err != nil {
		t.Fatalf("admin should bypass stale guard: %v", err)
	}
}

func TestSettleSerialisesStockWithoutAtomicStore(t *testing.T) {
	mem := memory.New()
	seedCatalog(t, mem)
	require.NoError(t, mem.UpsertProduct(context.Background(), domain.Product{ID: "P9", SKU: "P9", Stock: 50}))
	f := newFixtureWithRepo(t, plainRepo{mem}, mem)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Settle(operatorCtx, cashSale("P9", 1, "1.00", "1.00"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 30, f.stock(t, "P9"))
}

func TestSettleRefusesNegativeStockWhenDisabled(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.AllowNegativeStock = false })

	_, err := f.svc.Settle(operatorCtx, cashSale("P2", 8, "5.00", "40.00"))
	assertKind(t, err, domain.ErrInsufficientStock)
	assert.Equal(t, 7, f.stock(t, "P2"))
	txs, _ := f.repo.ListTransactions(context.Background())
	assert.Empty(t, txs)

	split := cashSale("P2", 4, "5.00", "40.00")
	split.Cart = append(split.Cart, split.Cart[0])
	_, err = f.svc.Settle(operatorCtx, split)
	assertKind(t, err, domain.ErrInsufficientStock)
	txs, _ = f.repo.ListTransactions(context.Background())
	assert.Empty(t, txs)

	_, err = f.svc.Settle(operatorCtx, cashSale("P2", 7, "5.00", "35.00"))
	require.NoError(t, err)
	assert.Equal(t, 0, f.stock(t, "P2"))
	txs, _ = f.repo.ListTransactions(context.Background())
	assert.Len(t, txs, 1)
}

func TestSettleWriteFailureIsGenericAndNotCompensated(t *testing.T) {
	mem := memory.New()
	seedCatalog(t, mem)
	f := newFixtureWithRepo(t, failingTxRepo{mem}, mem)

	_, err := f.svc.Settle(operatorCtx, cashSale("P1", 2, "10.00", "20.00"))
	assertKind(t, err, domain.ErrOperationFailed)
	assert.Equal(t, domain.KindFailure, domain.KindOf(err))
	assert.Contains(t, err.Error(), "operation failed")
	assert.NotNil(t, errors.Unwrap(err))

	assert.Equal(t, 8, f.stock(t, "P1"))
}

func TestReassignSale(t *testing.T) {
	f := newFixture(t)
	resp, err := f.svc.Settle(operatorCtx, cashSale("P1", 1, "10.00", "10.00"))
	require.NoError(t, err)

	updated, err := f.svc.ReassignSale(adminCtx, resp.Transaction.ID, domain.ReassignSaleRequest{VendorID: "vend-2", ClientID: "cli-1"})
	require.NoError(t, err)
	assert.Equal(t, "vend-2", updated.VendorID)
	assert.Equal(t, "cli-1", updated.ClientID)
	assert.Equal(t, resp.Transaction.Items, updated.Items)

	txs, _ := f.repo.ListTransactions(context.Background())
	require.Len(t, txs, 1)
	assert.Equal(t, "vend-2", txs[0].VendorID)

	_, err = f.svc.ReassignSale(adminCtx, "tx-missing", domain.ReassignSaleRequest{VendorID: "vend-2"})
	assertKind(t, err, domain.ErrNotFound)
	_, err = f.svc.ReassignSale(adminCtx, resp.Transaction.ID, domain.ReassignSaleRequest{})
	assertKind(t, err, domain.ErrVendorRequired)
}

func ptr[T any](v T) *T {
	return &v
}
