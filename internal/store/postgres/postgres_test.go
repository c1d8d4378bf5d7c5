package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdvledger/backend/internal/domain"
	"pdvledger/backend/internal/store"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db), mock
}

func TestDecrementStock(t *testing.T) {
	ctx := context.Background()
	decrement := regexp.QuoteMeta("UPDATE products SET stock = stock - $2")
	lookup := regexp.QuoteMeta("SELECT stock FROM products WHERE id = $1")

	t.Run("applies in one statement", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(decrement).
			WithArgs("P1", 2, false).
			WillReturnRows(sqlmock.NewRows([]string{"stock"}).AddRow(8))

		prior, next, err := s.DecrementStock(ctx, "P1", 2, false)
		require.NoError(t, err)
		assert.Equal(t, 10, prior)
		assert.Equal(t, 8, next)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient stock leaves row untouched", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(decrement).
			WithArgs("P1", 5, false).
			WillReturnRows(sqlmock.NewRows([]string{"stock"}))
		mock.ExpectQuery(lookup).
			WithArgs("P1").
			WillReturnRows(sqlmock.NewRows([]string{"stock"}).AddRow(3))

		prior, next, err := s.DecrementStock(ctx, "P1", 5, false)
		assert.ErrorIs(t, err, store.ErrInsufficientStock)
		assert.Equal(t, 3, prior)
		assert.Equal(t, 3, next)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown product", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(decrement).
			WithArgs("P9", 1, true).
			WillReturnRows(sqlmock.NewRows([]string{"stock"}))
		mock.ExpectQuery(lookup).
			WithArgs("P9").
			WillReturnError(sql.ErrNoRows)

		_, _, err := s.DecrementStock(ctx, "P9", 1, true)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestSetStockMissingProduct(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE products SET stock = $2")).
		WithArgs("P1", 7).
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, s.SetStock(context.Background(), "P1", 7), store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListTransactionsDecodesJSONColumns(t *testing.T) {
	s, mock := newMockStore(t)
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"id", "store_id", "date", "value", "shipping_value", "discount_value", "status", "type", "method", "change_value",
		"client_id", "vendor_id", "cashier_id", "description", "items", "tenders",
		"installments", "auth_number", "card_operator_id", "card_brand_id",
	}).AddRow(
		"tx-1", "loja-1", at, "20.00", "0", "0", "PAID", "INCOME", "Dinheiro", "0",
		"", "v1", "ana", "", []byte(`[{"product_id":"P1","quantity":2,"unit_sale_price":"10","unit_cost_price_snapshot":"6"}]`),
		[]byte(`[{"method":"Dinheiro","value":"20"}]`),
		0, "", "", "",
	)
	mock.ExpectQuery("FROM sale_transactions").WillReturnRows(rows)

	txs, err := s.ListTransactions(context.Background())
	require.NoError(t, err)
	require.Len(t, txs, 1)
	tx := txs[0]
	assert.Equal(t, domain.TxStatusPaid, tx.Status)
	assert.True(t, tx.Value.Equal(decimal.NewFromInt(20)))
	require.Len(t, tx.Items, 1)
	assert.Equal(t, 2, tx.Items[0].Quantity)
	assert.True(t, tx.Items[0].UnitCostPriceSnapshot.Equal(decimal.NewFromInt(6)))
	require.Len(t, tx.Tenders, 1)
	assert.Equal(t, "Dinheiro", tx.Tenders[0].Method)
}

func TestListCashSessionsNullableClose(t *testing.T) {
	s, mock := newMockStore(t)
	opened := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	closed := opened.Add(10 * time.Hour)
	rows := sqlmock.NewRows([]string{
		"id", "store_id", "register_name", "opening_time", "opening_operator_id", "opening_value",
		"closing_time", "closing_operator_id", "closing_value", "status",
	}).
		AddRow("cs-1", "loja-1", "Caixa 1", opened, "ana", "100.00", closed, "ana", "150.00", "CLOSED").
		AddRow("cs-2", "loja-1", "Caixa 1", closed, "ana", "150.00", nil, "", nil, "OPEN")
	mock.ExpectQuery("FROM cash_sessions").WillReturnRows(rows)

	sessions, err := s.ListCashSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	require.NotNil(t, sessions[0].ClosingValue)
	assert.True(t, sessions[0].ClosingValue.Equal(decimal.NewFromInt(150)))
	assert.Nil(t, sessions[1].ClosingTime)
	assert.Nil(t, sessions[1].ClosingValue)
	assert.Equal(t, domain.SessionOpen, sessions[1].Status)
}

func TestUpsertCashSessionMapsOpenSessionIndex(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO cash_sessions").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "cash_sessions_one_open_idx"})

	err := s.UpsertCashSession(context.Background(), domain.CashSession{ID: "cs-3", StoreID: "loja-1", Status: domain.SessionOpen})
	assert.ErrorIs(t, err, domain.ErrSessionAlreadyOpen)
}

func TestUpsertTransactionEncodesEmptyItems(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO sale_transactions").
		WithArgs(
			"tx-9", "loja-1", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "PAID", "EXPENSE", "Pix", sqlmock.AnyArg(),
			"", "", "", "aluguel", "[]", "[]", 0, "", "", "",
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.UpsertTransaction(context.Background(), domain.SaleTransaction{
		ID: "tx-9", StoreID: "loja-1", Date: time.Now(), Status: domain.TxStatusPaid, Type: domain.TxTypeExpense,
		Method: "Pix", Description: "aluguel", Value: decimal.NewFromInt(900),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeletePropagatesDriverErrors(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM cash_entries").WithArgs("ce-1").WillReturnError(errors.New("conn closed"))

	err := s.DeleteCashEntry(context.Background(), "ce-1")
	assert.EqualError(t, err, "conn closed")
}
