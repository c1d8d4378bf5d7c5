package service

import (
	"context"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"pdvledger/backend/internal/domain"
	"pdvledger/backend/internal/ledger"
	"pdvledger/backend/internal/store"
	"pdvledger/backend/internal/xid"
)

// AddEntry records a manual drawer movement on an OPEN session. A cash
// withdrawal larger than the running drawer balance is refused.
func (s *Service) AddEntry(ctx context.Context, req domain.CashEntryRequest) (domain.CashEntry, error) {
	if !req.Kind.IsValid() {
		return domain.CashEntry{}, domain.ErrInvalidEntryKind
	}
	if !req.Value.IsPositive() {
		return domain.CashEntry{}, domain.ErrInvalidValue
	}

	first := s.loader.Load(ctx, store.CashSessions)
	if err := first.Require(store.CashSessions); err != nil {
		return domain.CashEntry{}, s.fail(ctx, "entry.load", err)
	}
	target, ok := first.Session(req.SessionID)
	if !ok {
		return domain.CashEntry{}, domain.ErrNotFound.WithDetail("session %s", req.SessionID)
	}

	release, err := s.locker.Acquire(ctx, drawerLockKey(target.StoreID))
	if err != nil {
		return domain.CashEntry{}, s.fail(ctx, "entry.lock", err)
	}
	defer release()

	snap := s.loader.Load(ctx, drawerCollections)
	if err := snap.Require(drawerCollections); err != nil {
		return domain.CashEntry{}, s.fail(ctx, "entry.load", err)
	}
	session, ok := snap.Session(req.SessionID)
	if !ok {
		return domain.CashEntry{}, domain.ErrNotFound.WithDetail("session %s", req.SessionID)
	}
	if session.Status != domain.SessionOpen {
		return domain.CashEntry{}, domain.ErrSessionNotOpen
	}

	method := strings.TrimSpace(req.Method)
	isCash := method == "" || ledger.IsCashMethod(method, s.opts.CashMethod)
	if req.Kind == domain.EntryExpense && isCash {
		balance := s.preview(session, snap).ClosingValue
		if req.Value.GreaterThan(balance) {
			return domain.CashEntry{}, domain.ErrInsufficientBalance.WithDetail("drawer holds %s", balance.StringFixed(2))
		}
	}

	entry := domain.CashEntry{
		ID:          xid.New("ce"),
		SessionID:   session.ID,
		Kind:        req.Kind,
		Category:    strings.TrimSpace(req.Category),
		Description: strings.TrimSpace(req.Description),
		Value:       req.Value,
		Timestamp:   s.clock(),
		Method:      method,
	}
	if err := s.repo.UpsertCashEntry(ctx, entry); err != nil {
		return domain.CashEntry{}, s.fail(ctx, "entry.upsert", err)
	}

	s.logAudit(ctx, session.StoreID, "cash_entry_add", "cash_entry", entry.ID,
		zap.String("session_id", session.ID),
		zap.String("kind", string(entry.Kind)),
		zap.String("value", entry.Value.StringFixed(2)),
	)
	return entry, nil
}

// RecordExpense creates an EXPENSE transaction, either PAID now or PENDING.
func (s *Service) RecordExpense(ctx context.Context, req domain.ExpenseRequest) (domain.SaleTransaction, error) {
	storeID := s.storeOrDefault(req.StoreID)
	if !req.Value.IsPositive() {
		return domain.SaleTransaction{}, domain.ErrInvalidValue
	}
	status := req.Status
	if status == "" {
		status = domain.TxStatusPaid
	}
	if status != domain.TxStatusPaid && status != domain.TxStatusPending {
		return domain.SaleTransaction{}, domain.ErrInvalidStatus.WithDetail("%s", status)
	}
	method := strings.TrimSpace(req.Method)
	if method == "" {
		method = s.opts.CashMethod
	}

	tx := domain.SaleTransaction{
		ID:          xid.New("tx"),
		StoreID:     storeID,
		Date:        s.clock(),
		Value:       req.Value,
		Status:      status,
		Type:        domain.TxTypeExpense,
		Method:      method,
		VendorID:    strings.TrimSpace(req.VendorID),
		CashierID:   actorOrSystem(ctx).Username,
		Description: strings.TrimSpace(req.Description),
		Items:       []domain.SaleLine{},
	}

	if status == domain.TxStatusPaid && ledger.IsCashMethod(method, s.opts.CashMethod) {
		release, err := s.locker.Acquire(ctx, drawerLockKey(storeID))
		if err != nil {
			return domain.SaleTransaction{}, s.fail(ctx, "expense.lock", err)
		}
		defer release()
		if err := s.checkCashAvailable(ctx, storeID, tx.Value); err != nil {
			return domain.SaleTransaction{}, err
		}
	}

	if err := s.repo.UpsertTransaction(ctx, tx); err != nil {
		return domain.SaleTransaction{}, s.fail(ctx, "expense.upsert", err)
	}
	s.logAudit(ctx, storeID, "expense_record", "transaction", tx.ID,
		zap.String("status", string(tx.Status)),
		zap.String("method", tx.Method),
		zap.String("value", tx.Value.StringFixed(2)),
	)
	return tx, nil
}

// MarkPaid settles a PENDING or OVERDUE transaction, applying the same cash
// check as a new paid expense. The transaction is re-dated to the payment so
// the drawer session that pays it accounts for it.
func (s *Service) MarkPaid(ctx context.Context, txID string) (domain.SaleTransaction, error) {
	snap := s.loader.Load(ctx, store.Transactions)
	if err := snap.Require(store.Transactions); err != nil {
		return domain.SaleTransaction{}, s.fail(ctx, "mark_paid.load", err)
	}
	tx, ok := snap.Transaction(txID)
	if !ok {
		return domain.SaleTransaction{}, domain.ErrNotFound.WithDetail("transaction %s", txID)
	}
	if tx.Status != domain.TxStatusPending && tx.Status != domain.TxStatusOverdue {
		return domain.SaleTransaction{}, domain.ErrInvalidStatus.WithDetail("%s cannot be marked paid", tx.Status)
	}

	if cash := ledger.CashPortion(tx, s.opts.CashMethod); tx.Type == domain.TxTypeExpense && cash.IsPositive() {
		release, err := s.locker.Acquire(ctx, drawerLockKey(tx.StoreID))
		if err != nil {
			return domain.SaleTransaction{}, s.fail(ctx, "mark_paid.lock", err)
		}
		defer release()
		if err := s.checkCashAvailable(ctx, tx.StoreID, cash); err != nil {
			return domain.SaleTransaction{}, err
		}
	}

	previous, dueDate := tx.Status, tx.Date
	tx.Status = domain.TxStatusPaid
	tx.Date = s.clock()
	if err := s.repo.UpsertTransaction(ctx, tx); err != nil {
		return domain.SaleTransaction{}, s.fail(ctx, "mark_paid.upsert", err)
	}
	s.logAudit(ctx, tx.StoreID, "transaction_mark_paid", "transaction", tx.ID,
		zap.String("status_from", string(previous)),
		zap.Time("due_date", dueDate),
	)
	return tx, nil
}

func (s *Service) checkCashAvailable(ctx context.Context, storeID string, value decimal.Decimal) error {
	snap := s.loader.Load(ctx, drawerCollections)
	if err := snap.Require(drawerCollections); err != nil {
		return s.fail(ctx, "cash_check.load", err)
	}
	available := s.availableCash(storeID, snap)
	if value.GreaterThan(available) {
		return domain.ErrInsufficientBalance.WithDetail("drawer holds %s", available.StringFixed(2))
	}
	return nil
}

// ListEntries returns a session's manual movements in time order.
func (s *Service) ListEntries(ctx context.Context, sessionID string) ([]domain.CashEntry, error) {
	snap := s.loader.Load(ctx, store.CashEntries)
	if err := snap.Require(store.CashEntries); err != nil {
		return nil, s.fail(ctx, "entry.list", err)
	}
	out := make([]domain.CashEntry, 0)
	for _, e := range snap.Entries {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}
