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

const drawerCollections = store.Transactions | store.CashSessions | store.CashEntries

// SuggestOpening returns the closing value of the store's last closed
// session, or zero.
func (s *Service) SuggestOpening(ctx context.Context, storeID string) (decimal.Decimal, error) {
	storeID = s.storeOrDefault(storeID)
	snap := s.loader.Load(ctx, store.CashSessions)
	if err := snap.Require(store.CashSessions); err != nil {
		return decimal.Zero, s.fail(ctx, "session.suggest", err)
	}
	return ledger.SuggestedOpeningValue(storeID, snap.Sessions), nil
}

// Open starts a drawer session for a store. Opens of the same store are
// serialised, and the store's own uniqueness check is the final word.
func (s *Service) Open(ctx context.Context, req domain.OpenSessionRequest) (domain.CashSession, error) {
	storeID := s.storeOrDefault(req.StoreID)
	operator := strings.TrimSpace(req.OperatorID)
	if operator == "" {
		operator = actorOrSystem(ctx).Username
	}
	if req.OpeningValue != nil && req.OpeningValue.IsNegative() {
		return domain.CashSession{}, domain.ErrInvalidValue.WithDetail("opening value")
	}

	release, err := s.locker.Acquire(ctx, drawerLockKey(storeID))
	if err != nil {
		return domain.CashSession{}, s.fail(ctx, "session.open.lock", err)
	}
	defer release()

	snap := s.loader.Load(ctx, store.CashSessions)
	if err := snap.Require(store.CashSessions); err != nil {
		return domain.CashSession{}, s.fail(ctx, "session.open.load", err)
	}

	if open, ok := ledger.OpenSession(storeID, snap.Sessions); ok {
		return domain.CashSession{}, domain.ErrSessionAlreadyOpen.WithDetail("session %s", open.ID)
	}
	if s.openedToday(storeID, snap.Sessions) {
		if err := s.authorizeSameDay(ctx, req); err != nil {
			return domain.CashSession{}, err
		}
	}

	opening := ledger.SuggestedOpeningValue(storeID, snap.Sessions)
	if req.OpeningValue != nil {
		opening = *req.OpeningValue
	}

	session := domain.CashSession{
		ID:                xid.New("cs"),
		StoreID:           storeID,
		RegisterName:      strings.TrimSpace(req.RegisterName),
		OpeningTime:       s.clock(),
		OpeningOperatorID: operator,
		OpeningValue:      opening,
		Status:            domain.SessionPendingOpen,
	}
	if !session.Status.CanTransitionTo(domain.SessionOpen) {
		return domain.CashSession{}, domain.ErrInvalidTransition
	}
	session.Status = domain.SessionOpen

	if err := s.repo.UpsertCashSession(ctx, session); err != nil {
		return domain.CashSession{}, s.fail(ctx, "session.open.upsert", err)
	}

	s.obs.SessionOpened(storeID)
	s.logAudit(ctx, storeID, "session_open", "cash_session", session.ID,
		zap.String("operator", operator),
		zap.String("opening_value", opening.StringFixed(2)),
		zap.Bool("same_day_override", req.AllowSameDay),
	)
	return session, nil
}

func (s *Service) openedToday(storeID string, sessions []domain.CashSession) bool {
	for _, cs := range sessions {
		if cs.StoreID == storeID && s.isToday(cs.OpeningTime) {
			return true
		}
	}
	return false
}

// authorizeSameDay allows a second session on the same day only when asked
// for explicitly, permitted by policy and backed by an admin or a manager PIN.
func (s *Service) authorizeSameDay(ctx context.Context, req domain.OpenSessionRequest) error {
	if !req.AllowSameDay || !s.opts.AllowAdminMultipleDaily {
		return domain.ErrSameDaySession
	}
	if isAdmin(ctx) {
		return nil
	}
	if s.pins != nil && req.ManagerPIN != "" && s.pins.VerifyManagerPIN(req.ManagerPIN) {
		return nil
	}
	return domain.ErrForbidden.WithDetail("same-day session override")
}

// PreviewClose computes what Close would persist without writing.
func (s *Service) PreviewClose(ctx context.Context, sessionID string) (domain.ClosePreview, error) {
	snap := s.loader.Load(ctx, drawerCollections)
	if err := snap.Require(drawerCollections); err != nil {
		return domain.ClosePreview{}, s.fail(ctx, "session.preview.load", err)
	}
	session, ok := snap.Session(sessionID)
	if !ok {
		return domain.ClosePreview{}, domain.ErrNotFound.WithDetail("session %s", sessionID)
	}
	if session.Status != domain.SessionOpen {
		return domain.ClosePreview{}, domain.ErrSessionNotOpen
	}
	return s.preview(session, snap), nil
}

func (s *Service) preview(session domain.CashSession, snap store.Snapshot) domain.ClosePreview {
	totals := ledger.SessionClosingValue(session, snap.Transactions, snap.Entries, s.opts.CashMethod, s.opts.Location)
	return domain.ClosePreview{
		Session:        session,
		CashSales:      totals.CashSales,
		ManualIncomes:  totals.ManualIncomes,
		ManualExpenses: totals.ManualExpenses,
		CashExpenseTxs: totals.CashExpenseTxs,
		ClosingValue:   totals.ClosingValue,
	}
}

// Close derives the closing value from the session's history and persists
// it; callers cannot supply one.
func (s *Service) Close(ctx context.Context, req domain.CloseSessionRequest) (domain.ClosePreview, error) {
	first := s.loader.Load(ctx, store.CashSessions)
	if err := first.Require(store.CashSessions); err != nil {
		return domain.ClosePreview{}, s.fail(ctx, "session.close.load", err)
	}
	target, ok := first.Session(req.SessionID)
	if !ok {
		return domain.ClosePreview{}, domain.ErrNotFound.WithDetail("session %s", req.SessionID)
	}

	release, err := s.locker.Acquire(ctx, drawerLockKey(target.StoreID))
	if err != nil {
		return domain.ClosePreview{}, s.fail(ctx, "session.close.lock", err)
	}
	defer release()

	snap := s.loader.Load(ctx, drawerCollections)
	if err := snap.Require(drawerCollections); err != nil {
		return domain.ClosePreview{}, s.fail(ctx, "session.close.load", err)
	}
	session, ok := snap.Session(req.SessionID)
	if !ok {
		return domain.ClosePreview{}, domain.ErrNotFound.WithDetail("session %s", req.SessionID)
	}
	if !session.Status.CanTransitionTo(domain.SessionClosed) {
		return domain.ClosePreview{}, domain.ErrInvalidTransition.WithDetail("%s -> %s", session.Status, domain.SessionClosed)
	}

	preview := s.preview(session, snap)
	operator := strings.TrimSpace(req.OperatorID)
	if operator == "" {
		operator = actorOrSystem(ctx).Username
	}
	closedAt := s.clock()
	closing := preview.ClosingValue
	session.ClosingTime = &closedAt
	session.ClosingOperatorID = operator
	session.ClosingValue = &closing
	session.Status = domain.SessionClosed

	if err := s.repo.UpsertCashSession(ctx, session); err != nil {
		return domain.ClosePreview{}, s.fail(ctx, "session.close.upsert", err)
	}
	preview.Session = session

	s.obs.SessionClosed(session.StoreID)
	s.logAudit(ctx, session.StoreID, "session_close", "cash_session", session.ID,
		zap.String("operator", operator),
		zap.String("closing_value", closing.StringFixed(2)),
	)
	return preview, nil
}

// CumulativeBalance is informational and never used as an authoritative
// drawer figure.
func (s *Service) CumulativeBalance(ctx context.Context, storeID string) (domain.BalanceResponse, error) {
	storeID = s.storeOrDefault(storeID)
	snap := s.loader.Load(ctx, drawerCollections)
	if err := snap.Require(drawerCollections); err != nil {
		return domain.BalanceResponse{}, s.fail(ctx, "balance.cumulative", err)
	}
	balance := ledger.CumulativeBalance(storeID, snap.Sessions, snap.Transactions, snap.Entries, s.opts.CashMethod)
	return domain.BalanceResponse{StoreID: storeID, Balance: balance}, nil
}

// DrawerBalance is the running expected cash of the store's OPEN session.
func (s *Service) DrawerBalance(ctx context.Context, storeID string) (domain.ClosePreview, error) {
	storeID = s.storeOrDefault(storeID)
	snap := s.loader.Load(ctx, drawerCollections)
	if err := snap.Require(drawerCollections); err != nil {
		return domain.ClosePreview{}, s.fail(ctx, "balance.drawer", err)
	}
	open, ok := ledger.OpenSession(storeID, snap.Sessions)
	if !ok {
		return domain.ClosePreview{}, domain.ErrSessionNotOpen
	}
	return s.preview(open, snap), nil
}

// availableCash is the cash a drawer expense may take: the open session's
// running balance, or the store's cumulative balance when no session is open.
func (s *Service) availableCash(storeID string, snap store.Snapshot) decimal.Decimal {
	if open, ok := ledger.OpenSession(storeID, snap.Sessions); ok {
		return s.preview(open, snap).ClosingValue
	}
	return ledger.CumulativeBalance(storeID, snap.Sessions, snap.Transactions, snap.Entries, s.opts.CashMethod)
}

// StaleSession returns the store's OPEN session when it was opened before today.
func (s *Service) StaleSession(ctx context.Context, storeID string) (domain.CashSession, bool, error) {
	storeID = s.storeOrDefault(storeID)
	snap := s.loader.Load(ctx, store.CashSessions)
	if err := snap.Require(store.CashSessions); err != nil {
		return domain.CashSession{}, false, s.fail(ctx, "session.stale", err)
	}
	open, ok := ledger.OpenSession(storeID, snap.Sessions)
	if !ok || s.isToday(open.OpeningTime) {
		return domain.CashSession{}, false, nil
	}
	return open, true, nil
}

// StaleSessions lists every OPEN session, across stores, opened before today.
func (s *Service) StaleSessions(ctx context.Context) ([]domain.CashSession, error) {
	snap := s.loader.Load(ctx, store.CashSessions)
	if err := snap.Require(store.CashSessions); err != nil {
		return nil, s.fail(ctx, "session.stale_all", err)
	}
	var stale []domain.CashSession
	for _, cs := range snap.Sessions {
		if cs.Status == domain.SessionOpen && !s.isToday(cs.OpeningTime) {
			stale = append(stale, cs)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].OpeningTime.Before(stale[j].OpeningTime) })
	return stale, nil
}

// ListSessions returns the store's sessions, newest first. An empty storeID
// lists every store.
func (s *Service) ListSessions(ctx context.Context, storeID string) ([]domain.CashSession, error) {
	snap := s.loader.Load(ctx, store.CashSessions)
	if err := snap.Require(store.CashSessions); err != nil {
		return nil, s.fail(ctx, "session.list", err)
	}
	storeID = strings.TrimSpace(storeID)
	out := make([]domain.CashSession, 0, len(snap.Sessions))
	for _, cs := range snap.Sessions {
		if storeID == "" || cs.StoreID == storeID {
			out = append(out, cs)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpeningTime.After(out[j].OpeningTime) })
	return out, nil
}
