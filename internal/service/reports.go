package service

import (
	"context"
	"strings"
	"time"

	"pdvledger/backend/internal/domain"
	"pdvledger/backend/internal/ledger"
	"pdvledger/backend/internal/store"
)

// SalesReport summarises non-cancelled sales dated in [from, to), optionally
// for one store, grouped by hour, day, vendor or store.
func (s *Service) SalesReport(ctx context.Context, storeID string, from time.Time, to time.Time, groupBy string) (domain.SalesReport, error) {
	grouping := ledger.Grouping(strings.ToLower(strings.TrimSpace(groupBy)))
	if grouping == "" {
		grouping = ledger.GroupDay
	}
	if !grouping.IsValid() {
		return domain.SalesReport{}, domain.ErrInvalidValue.WithDetail("group_by %q", groupBy)
	}
	if !to.IsZero() && !from.IsZero() && !to.After(from) {
		return domain.SalesReport{}, domain.ErrInvalidValue.WithDetail("empty period")
	}

	snap := s.loader.Load(ctx, store.Transactions)
	if err := snap.Require(store.Transactions); err != nil {
		return domain.SalesReport{}, s.fail(ctx, "report.sales", err)
	}

	storeID = strings.TrimSpace(storeID)
	sales := make([]domain.SaleTransaction, 0, len(snap.Transactions))
	for _, tx := range ledger.Sales(snap.Transactions) {
		if storeID != "" && tx.StoreID != storeID {
			continue
		}
		if !from.IsZero() && tx.Date.Before(from) {
			continue
		}
		if !to.IsZero() && !tx.Date.Before(to) {
			continue
		}
		sales = append(sales, tx)
	}

	return domain.SalesReport{
		StoreID: storeID,
		From:    from,
		To:      to,
		GroupBy: string(grouping),
		Revenue: ledger.Revenue(sales),
		Cost:    ledger.CostOfGoods(sales),
		Margin:  ledger.GrossMargin(sales),
		Groups:  ledger.GroupBy(sales, grouping, s.opts.Location),
	}, nil
}

// Location is the business timezone used for calendar-day decisions.
func (s *Service) Location() *time.Location {
	return s.opts.Location
}
