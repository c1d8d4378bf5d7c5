// Package ledger derives drawer balances, margins and report groupings from
// already-loaded record sets. Nothing here performs I/O or keeps state between
// calls, so every figure can be recomputed from a fresh reload.
package ledger

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"pdvledger/backend/internal/domain"
)

// SessionTotals is the breakdown of a session's expected drawer cash.
type SessionTotals struct {
	CashSales      decimal.Decimal
	ManualIncomes  decimal.Decimal
	ManualExpenses decimal.Decimal
	CashExpenseTxs decimal.Decimal
	ClosingValue   decimal.Decimal
}

// IsCashMethod reports whether method names the drawer-cash tender.
func IsCashMethod(method, cashMethod string) bool {
	return strings.EqualFold(strings.TrimSpace(method), strings.TrimSpace(cashMethod))
}

// entryIsCash treats a manual entry without a method as a drawer movement.
func entryIsCash(entry domain.CashEntry, cashMethod string) bool {
	return strings.TrimSpace(entry.Method) == "" || IsCashMethod(entry.Method, cashMethod)
}

// CashPortion is the cash that physically entered (income) or left (expense)
// the drawer for tx. With individual tenders it is the cash tenders minus the
// change handed back; otherwise the full value when the method is cash.
func CashPortion(tx domain.SaleTransaction, cashMethod string) decimal.Decimal {
	if len(tx.Tenders) == 0 {
		if IsCashMethod(tx.Method, cashMethod) {
			return tx.Value
		}
		return decimal.Zero
	}

	cash := decimal.Zero
	for _, tender := range tx.Tenders {
		if IsCashMethod(tender.Method, cashMethod) {
			cash = cash.Add(tender.Value)
		}
	}
	cash = cash.Sub(tx.Change)
	if cash.IsNegative() {
		return decimal.Zero
	}
	return cash
}

// SameDay compares calendar dates in loc.
func SameDay(a, b time.Time, loc *time.Location) bool {
	if loc == nil {
		loc = time.UTC
	}
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}

// InSession reports whether a paid sale belongs to the session: same store,
// same calendar date as the opening and, when the session records an opening
// operator, rung up by that operator.
func InSession(tx domain.SaleTransaction, session domain.CashSession, loc *time.Location) bool {
	if tx.Type != domain.TxTypeIncome || tx.Status != domain.TxStatusPaid {
		return false
	}
	if tx.StoreID != session.StoreID || !SameDay(tx.Date, session.OpeningTime, loc) {
		return false
	}
	if session.OpeningOperatorID != "" && tx.CashierID != session.OpeningOperatorID {
		return false
	}
	return true
}

func expenseInSession(tx domain.SaleTransaction, session domain.CashSession, loc *time.Location) bool {
	return tx.Type == domain.TxTypeExpense &&
		tx.Status == domain.TxStatusPaid &&
		tx.StoreID == session.StoreID &&
		SameDay(tx.Date, session.OpeningTime, loc)
}

// SessionClosingValue evaluates
//
//	opening + cash sales + manual cash incomes - manual cash expenses - paid cash expense transactions
//
// over the session's store, date and operator scope. Transfers never move the
// drawer balance.
func SessionClosingValue(session domain.CashSession, txs []domain.SaleTransaction, entries []domain.CashEntry, cashMethod string, loc *time.Location) SessionTotals {
	totals := SessionTotals{
		CashSales:      decimal.Zero,
		ManualIncomes:  decimal.Zero,
		ManualExpenses: decimal.Zero,
		CashExpenseTxs: decimal.Zero,
	}

	for _, tx := range txs {
		switch {
		case InSession(tx, session, loc):
			totals.CashSales = totals.CashSales.Add(CashPortion(tx, cashMethod))
		case expenseInSession(tx, session, loc):
			totals.CashExpenseTxs = totals.CashExpenseTxs.Add(CashPortion(tx, cashMethod))
		}
	}

	for _, entry := range entries {
		if entry.SessionID != session.ID || !entryIsCash(entry, cashMethod) {
			continue
		}
		switch entry.Kind {
		case domain.EntryIncome:
			totals.ManualIncomes = totals.ManualIncomes.Add(entry.Value)
		case domain.EntryExpense:
			totals.ManualExpenses = totals.ManualExpenses.Add(entry.Value)
		}
	}

	totals.ClosingValue = session.OpeningValue.
		Add(totals.CashSales).
		Add(totals.ManualIncomes).
		Sub(totals.ManualExpenses).
		Sub(totals.CashExpenseTxs)
	return totals
}

// CumulativeBalance is the all-time cash position of one store: paid cash
// incomes and manual cash incomes, minus paid cash expenses and manual cash
// expenses, plus the opening value of the store's earliest session.
// It is informational only.
func CumulativeBalance(storeID string, sessions []domain.CashSession, txs []domain.SaleTransaction, entries []domain.CashEntry, cashMethod string) decimal.Decimal {
	balance := decimal.Zero

	storeSessions := make(map[string]struct{})
	var earliest *domain.CashSession
	for i := range sessions {
		if sessions[i].StoreID != storeID {
			continue
		}
		storeSessions[sessions[i].ID] = struct{}{}
		if earliest == nil || sessions[i].OpeningTime.Before(earliest.OpeningTime) {
			earliest = &sessions[i]
		}
	}
	if earliest != nil {
		balance = balance.Add(earliest.OpeningValue)
	}

	for _, tx := range txs {
		if tx.StoreID != storeID || tx.Status != domain.TxStatusPaid {
			continue
		}
		switch tx.Type {
		case domain.TxTypeIncome:
			balance = balance.Add(CashPortion(tx, cashMethod))
		case domain.TxTypeExpense:
			balance = balance.Sub(CashPortion(tx, cashMethod))
		}
	}

	for _, entry := range entries {
		if _, ok := storeSessions[entry.SessionID]; !ok || !entryIsCash(entry, cashMethod) {
			continue
		}
		switch entry.Kind {
		case domain.EntryIncome:
			balance = balance.Add(entry.Value)
		case domain.EntryExpense:
			balance = balance.Sub(entry.Value)
		}
	}

	return balance
}

// SuggestedOpeningValue returns the closing value of the store's most recently
// closed session, or zero.
func SuggestedOpeningValue(storeID string, sessions []domain.CashSession) decimal.Decimal {
	var latest *domain.CashSession
	for i := range sessions {
		s := &sessions[i]
		if s.StoreID != storeID || s.Status != domain.SessionClosed || s.ClosingValue == nil {
			continue
		}
		if latest == nil || closedAt(*s).After(closedAt(*latest)) {
			latest = s
		}
	}
	if latest == nil {
		return decimal.Zero
	}
	return *latest.ClosingValue
}

func closedAt(s domain.CashSession) time.Time {
	if s.ClosingTime != nil {
		return *s.ClosingTime
	}
	return s.OpeningTime
}

// OpenSession returns the store's OPEN session, if any.
func OpenSession(storeID string, sessions []domain.CashSession) (domain.CashSession, bool) {
	for _, s := range sessions {
		if s.StoreID == storeID && s.Status == domain.SessionOpen {
			return s, true
		}
	}
	return domain.CashSession{}, false
}

// Sales keeps the non-cancelled income transactions.
func Sales(txs []domain.SaleTransaction) []domain.SaleTransaction {
	out := make([]domain.SaleTransaction, 0, len(txs))
	for _, tx := range txs {
		if tx.Type == domain.TxTypeIncome && tx.Status != domain.TxStatusCancelled {
			out = append(out, tx)
		}
	}
	return out
}

// CostOfGoods sums quantity times the cost snapshot recorded on each line.
func CostOfGoods(txs []domain.SaleTransaction) decimal.Decimal {
	cost := decimal.Zero
	for _, tx := range txs {
		for _, line := range tx.Items {
			cost = cost.Add(line.UnitCostPriceSnapshot.Mul(decimal.NewFromInt(int64(line.Quantity))))
		}
	}
	return cost
}

func Revenue(txs []domain.SaleTransaction) decimal.Decimal {
	revenue := decimal.Zero
	for _, tx := range txs {
		revenue = revenue.Add(tx.Value)
	}
	return revenue
}

func GrossMargin(txs []domain.SaleTransaction) decimal.Decimal {
	return Revenue(txs).Sub(CostOfGoods(txs))
}

type Grouping string

const (
	GroupHour   Grouping = "hour"
	GroupDay    Grouping = "day"
	GroupVendor Grouping = "vendor"
	GroupStore  Grouping = "store"
)

func (g Grouping) IsValid() bool {
	switch g {
	case GroupHour, GroupDay, GroupVendor, GroupStore:
		return true
	}
	return false
}

const unassignedKey = "(none)"

// GroupBy buckets txs and returns the groups ordered by key.
func GroupBy(txs []domain.SaleTransaction, by Grouping, loc *time.Location) []domain.ReportGroup {
	if loc == nil {
		loc = time.UTC
	}

	buckets := make(map[string][]domain.SaleTransaction)
	for _, tx := range txs {
		key := groupKey(tx, by, loc)
		buckets[key] = append(buckets[key], tx)
	}

	keys := make([]string, 0, len(buckets))
	for key := range buckets {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	groups := make([]domain.ReportGroup, 0, len(keys))
	for _, key := range keys {
		set := buckets[key]
		revenue := Revenue(set)
		cost := CostOfGoods(set)
		groups = append(groups, domain.ReportGroup{
			Key:     key,
			Count:   len(set),
			Revenue: revenue,
			Cost:    cost,
			Margin:  revenue.Sub(cost),
		})
	}
	return groups
}

func groupKey(tx domain.SaleTransaction, by Grouping, loc *time.Location) string {
	switch by {
	case GroupHour:
		return tx.Date.In(loc).Format("15")
	case GroupVendor:
		if tx.VendorID == "" {
			return unassignedKey
		}
		return tx.VendorID
	case GroupStore:
		if tx.StoreID == "" {
			return unassignedKey
		}
		return tx.StoreID
	default:
		return tx.Date.In(loc).Format("2006-01-02")
	}
}
