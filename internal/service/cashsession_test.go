package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdvledger/backend/internal/domain"
	"pdvledger/backend/internal/ledger"
)

type staticPIN string

func (p staticPIN) VerifyManagerPIN(pin string) bool {
	return pin == string(p)
}

func TestCloseDerivesClosingValue(t *testing.T) {
	f := newFixture(t)

	session, err := f.svc.Open(operatorCtx, domain.OpenSessionRequest{RegisterName: "Caixa 1", OpeningValue: ptr(dec("100.00"))})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if session.Status != domain.SessionOpen || session.OpeningOperatorID != "ana" {
		t.Fatalf("unexpected session %+v", session)
	}

	if _, err := f.svc.Settle(operatorCtx, cashSale("P1", 5, "10.00", "50.00")); err != nil {
		t.Fatalf("settle: %v", err)
	}
	// Card sales never reach the drawer.
	card := cashSale("P2", 1, "5.00", "5.00")
	card.Tenders[0].Method = "Débito"
	if _, err := f.svc.Settle(operatorCtx, card); err != nil {
		t.Fatalf("settle card: %v", err)
	}

	preview, err := f.svc.PreviewClose(operatorCtx, session.ID)
	require.NoError(t, err)
	assert.True(t, preview.CashSales.Equal(dec("50")))
	assert.True(t, preview.ClosingValue.Equal(dec("150")))

	closed, err := f.svc.Close(operatorCtx, domain.CloseSessionRequest{SessionID: session.ID})
	require.NoError(t, err)
	assert.True(t, closed.ClosingValue.Equal(dec("150")))
	assert.Equal(t, domain.SessionClosed, closed.Session.Status)

	sessions, err := f.svc.ListSessions(operatorCtx, "loja-1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	stored := sessions[0]
	require.NotNil(t, stored.ClosingValue)
	assert.True(t, stored.ClosingValue.Equal(dec("150")))
	assert.Equal(t, "ana", stored.ClosingOperatorID)

	// Recomputing from the same history gives the persisted value again.
	txs, _ := f.repo.ListTransactions(context.Background())
	entries, _ := f.repo.ListCashEntries(context.Background())
	again := ledger.SessionClosingValue(stored, txs, entries, "Dinheiro", time.UTC)
	assert.True(t, again.ClosingValue.Equal(*stored.ClosingValue))

	_, err = f.svc.Close(operatorCtx, domain.CloseSessionRequest{SessionID: session.ID})
	assertKind(t, err, domain.ErrInvalidTransition)
	_, err = f.svc.PreviewClose(operatorCtx, session.ID)
	assertKind(t, err, domain.ErrSessionNotOpen)
}

func TestOpenSuggestsLastClosingValue(t *testing.T) {
	f := newFixture(t)

	suggested, err := f.svc.SuggestOpening(operatorCtx, "loja-1")
	require.NoError(t, err)
	assert.True(t, suggested.IsZero())

	first, err := f.svc.Open(operatorCtx, domain.OpenSessionRequest{OpeningValue: ptr(dec("80"))})
	require.NoError(t, err)
	_, err = f.svc.Settle(operatorCtx, cashSale("P1", 2, "10.00", "20.00"))
	require.NoError(t, err)
	_, err = f.svc.Close(operatorCtx, domain.CloseSessionRequest{SessionID: first.ID})
	require.NoError(t, err)

	f.clock.Advance(20 * time.Hour)
	suggested, err = f.svc.SuggestOpening(operatorCtx, "loja-1")
	require.NoError(t, err)
	assert.True(t, suggested.Equal(dec("100")))

	next, err := f.svc.Open(operatorCtx, domain.OpenSessionRequest{})
	require.NoError(t, err)
	assert.True(t, next.OpeningValue.Equal(dec("100")))
}

func TestOpenRejectsSecondOpenSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Open(operatorCtx, domain.OpenSessionRequest{})
	require.NoError(t, err)

	_, err = f.svc.Open(adminCtx, domain.OpenSessionRequest{AllowSameDay: true})
	assertKind(t, err, domain.ErrSessionAlreadyOpen)

	_, err = f.svc.Open(operatorCtx, domain.OpenSessionRequest{StoreID: "loja-2"})
	assert.NoError(t, err)
}

func TestConcurrentOpensLeaveOneOpenSession(t *testing.T) {
	f := newFixture(t)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.Open(operatorCtx, domain.OpenSessionRequest{}); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, successes)

	sessions, err := f.svc.ListSessions(operatorCtx, "loja-1")
	require.NoError(t, err)
	open := 0
	for _, cs := range sessions {
		if cs.Status == domain.SessionOpen {
			open++
		}
	}
	assert.Equal(t, 1, open)
}

func TestSameDayReopenNeedsOverride(t *testing.T) {
	setup := func(t *testing.T, mutate ...func(*Options)) *fixture {
		f := newFixture(t, mutate...)
		cs, err := f.svc.Open(operatorCtx, domain.OpenSessionRequest{})
		require.NoError(t, err)
		_, err = f.svc.Close(operatorCtx, domain.CloseSessionRequest{SessionID: cs.ID})
		require.NoError(t, err)
		return f
	}

	t.Run("operator without override", func(t *testing.T) {
		f := setup(t)
		_, err := f.svc.Open(operatorCtx, domain.OpenSessionRequest{})
		assertKind(t, err, domain.ErrSameDaySession)
	})
	t.Run("operator asking for override", func(t *testing.T) {
		f := setup(t)
		_, err := f.svc.Open(operatorCtx, domain.OpenSessionRequest{AllowSameDay: true})
		assertKind(t, err, domain.ErrForbidden)
	})
	t.Run("admin override", func(t *testing.T) {
		f := setup(t)
		_, err := f.svc.Open(adminCtx, domain.OpenSessionRequest{AllowSameDay: true})
		assert.NoError(t, err)
	})
	t.Run("manager pin override", func(t *testing.T) {
		f := setup(t)
		WithPINVerifier(staticPIN("482913"))(f.svc)
		_, err := f.svc.Open(operatorCtx, domain.OpenSessionRequest{AllowSameDay: true, ManagerPIN: "000000"})
		assertKind(t, err, domain.ErrForbidden)
		_, err = f.svc.Open(operatorCtx, domain.OpenSessionRequest{AllowSameDay: true, ManagerPIN: "482913"})
		assert.NoError(t, err)
	})
	t.Run("policy off", func(t *testing.T) {
		f := setup(t, func(o *Options) { o.AllowAdminMultipleDaily = false })
		_, err := f.svc.Open(adminCtx, domain.OpenSessionRequest{AllowSameDay: true})
		assertKind(t, err, domain.ErrSameDaySession)
	})
}

func TestSessionScopeFollowsOpeningOperator(t *testing.T) {
	f := newFixture(t)
	cs, err := f.svc.Open(operatorCtx, domain.OpenSessionRequest{OpeningValue: ptr(dec("10"))})
	require.NoError(t, err)

	other := WithActor(context.Background(), domain.Actor{Username: "bruno", Role: domain.RoleOperator})
	_, err = f.svc.Settle(other, cashSale("P1", 1, "10.00", "10.00"))
	require.NoError(t, err)
	_, err = f.svc.Settle(operatorCtx, cashSale("P1", 1, "10.00", "10.00"))
	require.NoError(t, err)

	preview, err := f.svc.PreviewClose(operatorCtx, cs.ID)
	require.NoError(t, err)
	assert.True(t, preview.ClosingValue.Equal(dec("20")))
}

func TestCashEntriesMoveTheDrawer(t *testing.T) {
	f := newFixture(t)
	cs, err := f.svc.Open(operatorCtx, domain.OpenSessionRequest{OpeningValue: ptr(dec("50"))})
	require.NoError(t, err)

	_, err = f.svc.AddEntry(operatorCtx, domain.CashEntryRequest{SessionID: cs.ID, Kind: domain.EntryExpense, Value: dec("60"), Category: "sangria"})
	assertKind(t, err, domain.ErrInsufficientBalance)
	assert.Equal(t, domain.KindInsufficientBalance, domain.KindOf(err))

	_, err = f.svc.AddEntry(operatorCtx, domain.CashEntryRequest{SessionID: cs.ID, Kind: domain.EntryIncome, Value: dec("30"), Category: "suprimento"})
	require.NoError(t, err)
	_, err = f.svc.AddEntry(operatorCtx, domain.CashEntryRequest{SessionID: cs.ID, Kind: domain.EntryExpense, Value: dec("60"), Category: "sangria"})
	require.NoError(t, err)
	_, err = f.svc.AddEntry(operatorCtx, domain.CashEntryRequest{SessionID: cs.ID, Kind: domain.EntryTransfer, Value: dec("500")})
	require.NoError(t, err)
	// A non-cash expense is not limited by the drawer.
	_, err = f.svc.AddEntry(operatorCtx, domain.CashEntryRequest{SessionID: cs.ID, Kind: domain.EntryExpense, Value: dec("900"), Method: "Pix"})
	require.NoError(t, err)

	_, err = f.svc.AddEntry(operatorCtx, domain.CashEntryRequest{SessionID: cs.ID, Kind: "LOAN", Value: dec("1")})
	assertKind(t, err, domain.ErrInvalidEntryKind)
	_, err = f.svc.AddEntry(operatorCtx, domain.CashEntryRequest{SessionID: cs.ID, Kind: domain.EntryIncome, Value: dec("-1")})
	assertKind(t, err, domain.ErrInvalidValue)

	entries, err := f.svc.ListEntries(operatorCtx, cs.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 4)

	drawer, err := f.svc.DrawerBalance(operatorCtx, "loja-1")
	require.NoError(t, err)
	assert.True(t, drawer.ClosingValue.Equal(dec("20")), "drawer %s", drawer.ClosingValue)

	closed, err := f.svc.Close(operatorCtx, domain.CloseSessionRequest{SessionID: cs.ID})
	require.NoError(t, err)
	assert.True(t, closed.ClosingValue.Equal(dec("20")))

	_, err = f.svc.AddEntry(operatorCtx, domain.CashEntryRequest{SessionID: cs.ID, Kind: domain.EntryIncome, Value: dec("1")})
	assertKind(t, err, domain.ErrSessionNotOpen)
	_, err = f.svc.DrawerBalance(operatorCtx, "loja-1")
	assertKind(t, err, domain.ErrSessionNotOpen)
}

func TestExpensesRespectDrawerBalance(t *testing.T) {
	f := newFixture(t)
	cs, err := f.svc.Open(operatorCtx, domain.OpenSessionRequest{OpeningValue: ptr(dec("40"))})
	require.NoError(t, err)

	_, err = f.svc.RecordExpense(operatorCtx, domain.ExpenseRequest{Value: dec("45"), Description: "frete"})
	assertKind(t, err, domain.ErrInsufficientBalance)

	pending, err := f.svc.RecordExpense(operatorCtx, domain.ExpenseRequest{Value: dec("45"), Status: domain.TxStatusPending, Description: "frete"})
	require.NoError(t, err)
	assert.Equal(t, domain.TxStatusPending, pending.Status)
	assert.Equal(t, "Dinheiro", pending.Method)

	_, err = f.svc.MarkPaid(operatorCtx, pending.ID)
	assertKind(t, err, domain.ErrInsufficientBalance)

	_, err = f.svc.AddEntry(operatorCtx, domain.CashEntryRequest{SessionID: cs.ID, Kind: domain.EntryIncome, Value: dec("10")})
	require.NoError(t, err)
	paid, err := f.svc.MarkPaid(operatorCtx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxStatusPaid, paid.Status)

	_, err = f.svc.MarkPaid(operatorCtx, pending.ID)
	assertKind(t, err, domain.ErrInvalidStatus)

	pix, err := f.svc.RecordExpense(operatorCtx, domain.ExpenseRequest{Value: dec("1000"), Method: "Pix"})
	require.NoError(t, err)
	assert.Equal(t, domain.TxTypeExpense, pix.Type)

	_, err = f.svc.RecordExpense(operatorCtx, domain.ExpenseRequest{Value: dec("1"), Status: domain.TxStatusCancelled})
	assertKind(t, err, domain.ErrInvalidStatus)

	preview, err := f.svc.PreviewClose(operatorCtx, cs.ID)
	require.NoError(t, err)
	assert.True(t, preview.CashExpenseTxs.Equal(dec("45")))
	assert.True(t, preview.ClosingValue.Equal(dec("5")))
}

func TestPayingAnOldExpenseLeavesTodaysDrawer(t *testing.T) {
	f := newFixture(t)
	pending, err := f.svc.RecordExpense(operatorCtx, domain.ExpenseRequest{Value: dec("80"), Status: domain.TxStatusPending, Description: "aluguel"})
	require.NoError(t, err)

	f.clock.Advance(24 * time.Hour)
	cs, err := f.svc.Open(operatorCtx, domain.OpenSessionRequest{OpeningValue: ptr(dec("100"))})
	require.NoError(t, err)

	paid, err := f.svc.MarkPaid(operatorCtx, pending.ID)
	require.NoError(t, err)
	assert.True(t, paid.Date.Equal(f.clock.Now()))

	closed, err := f.svc.Close(operatorCtx, domain.CloseSessionRequest{SessionID: cs.ID})
	require.NoError(t, err)
	assert.True(t, closed.CashExpenseTxs.Equal(dec("80")), closed.CashExpenseTxs.String())
	assert.True(t, closed.ClosingValue.Equal(dec("20")), closed.ClosingValue.String())
}

func TestCumulativeBalance(t *testing.T) {
	f := newFixture(t)
	cs, err := f.svc.Open(operatorCtx, domain.OpenSessionRequest{OpeningValue: ptr(dec("100"))})
	require.NoError(t, err)
	_, err = f.svc.Settle(operatorCtx, cashSale("P1", 3, "10.00", "30.00"))
	require.NoError(t, err)
	_, err = f.svc.AddEntry(operatorCtx, domain.CashEntryRequest{SessionID: cs.ID, Kind: domain.EntryExpense, Value: dec("20")})
	require.NoError(t, err)

	balance, err := f.svc.CumulativeBalance(operatorCtx, "")
	require.NoError(t, err)
	assert.Equal(t, "loja-1", balance.StoreID)
	assert.True(t, balance.Balance.Equal(dec("110")), "balance %s", balance.Balance)
}

func TestStaleSessions(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Open(operatorCtx, domain.OpenSessionRequest{StoreID: "loja-1"})
	require.NoError(t, err)

	_, stale, err := f.svc.StaleSession(operatorCtx, "loja-1")
	require.NoError(t, err)
	assert.False(t, stale)

	f.clock.Advance(26 * time.Hour)
	_, err = f.svc.Open(operatorCtx, domain.OpenSessionRequest{StoreID: "loja-2"})
	require.NoError(t, err)

	cs, stale, err := f.svc.StaleSession(operatorCtx, "loja-1")
	require.NoError(t, err)
	assert.True(t, stale)
	assert.Equal(t, "loja-1", cs.StoreID)

	all, err := f.svc.StaleSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "loja-1", all[0].StoreID)
}
