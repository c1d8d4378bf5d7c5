package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pdvledger/backend/internal/domain"
	"pdvledger/backend/internal/ledger"
	"pdvledger/backend/internal/store"
	"pdvledger/backend/internal/xid"
)

var hundred = decimal.NewFromInt(100)

// Quote reconciles tenders against the cart total without touching the store.
func (s *Service) Quote(req domain.QuoteRequest) (domain.Totals, error) {
	return computeTotals(req.Cart, req.Tenders, req.Discount, req.Shipping)
}

func computeTotals(cart []domain.CartLine, tenders []domain.Tender, discount domain.Discount, shipping decimal.Decimal) (domain.Totals, error) {
	subtotal := decimal.Zero
	for _, line := range cart {
		if line.Quantity <= 0 {
			return domain.Totals{}, domain.ErrInvalidQuantity.WithDetail("product %s", line.ProductID)
		}
		if line.UnitPrice.IsNegative() {
			return domain.Totals{}, domain.ErrInvalidValue.WithDetail("unit price of %s", line.ProductID)
		}
		subtotal = subtotal.Add(line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity))))
	}
	if discount.Value.IsNegative() || shipping.IsNegative() {
		return domain.Totals{}, domain.ErrInvalidValue.WithDetail("discount and shipping cannot be negative")
	}

	discountValue := discount.Value
	if discount.IsPercent {
		discountValue = subtotal.Mul(discount.Value).Div(hundred).Round(2)
	}

	total := subtotal.Add(shipping).Sub(discountValue)
	if total.IsNegative() {
		total = decimal.Zero
	}

	paid := decimal.Zero
	for _, tender := range tenders {
		if !tender.Value.IsPositive() {
			return domain.Totals{}, domain.ErrInvalidValue.WithDetail("tender %s", tender.Method)
		}
		paid = paid.Add(tender.Value)
	}

	totals := domain.Totals{
		Subtotal:  subtotal,
		Discount:  discountValue,
		Shipping:  shipping,
		Total:     total,
		TotalPaid: paid,
		Remaining: decimal.Zero,
		Change:    decimal.Zero,
	}
	if paid.LessThan(total) {
		totals.Remaining = total.Sub(paid)
	} else {
		totals.Change = paid.Sub(total)
	}
	return totals, nil
}

// MethodLabel is the summary method of a sale: the single method used, or
// "Múltiplo (a, b)" listing distinct methods in tender order.
func MethodLabel(tenders []domain.Tender, fallback string) string {
	seen := make(map[string]struct{}, len(tenders))
	methods := make([]string, 0, len(tenders))
	for _, tender := range tenders {
		method := strings.TrimSpace(tender.Method)
		if method == "" {
			continue
		}
		if _, ok := seen[method]; ok {
			continue
		}
		seen[method] = struct{}{}
		methods = append(methods, method)
	}
	switch len(methods) {
	case 0:
		return fallback
	case 1:
		return methods[0]
	}
	return fmt.Sprintf("%s (%s)", domain.MultiMethodPrefix, strings.Join(methods, ", "))
}

// Settle commits one sale: the transaction upsert and one stock decrement per
// physical line are dispatched together. A failed write does not cancel or
// undo its siblings.
func (s *Service) Settle(ctx context.Context, req domain.SettleRequest) (domain.SettleResponse, error) {
	req.StoreID = s.storeOrDefault(req.StoreID)
	resp, err := s.settle(ctx, req)
	if err != nil {
		s.obs.SettlementFailed(req.StoreID, domain.KindOf(err))
		return domain.SettleResponse{}, err
	}
	total, _ := resp.Totals.Total.Float64()
	s.obs.SaleSettled(req.StoreID, total)
	return resp, nil
}

func (s *Service) settle(ctx context.Context, req domain.SettleRequest) (domain.SettleResponse, error) {
	if len(req.Cart) == 0 {
		return domain.SettleResponse{}, domain.ErrEmptyCart
	}
	if strings.TrimSpace(req.VendorID) == "" {
		return domain.SettleResponse{}, domain.ErrVendorRequired
	}

	totals, err := computeTotals(req.Cart, req.Tenders, req.Discount, req.Shipping)
	if err != nil {
		return domain.SettleResponse{}, err
	}
	if totals.Remaining.IsPositive() {
		return domain.SettleResponse{}, domain.ErrInsufficientTender.WithDetail("remaining %s", totals.Remaining.StringFixed(2))
	}

	snap := s.loader.Load(ctx, store.Products|store.CashSessions)
	if err := snap.Require(store.Products | store.CashSessions); err != nil {
		return domain.SettleResponse{}, s.fail(ctx, "settle.load", err)
	}

	if open, ok := ledger.OpenSession(req.StoreID, snap.Sessions); ok && !s.isToday(open.OpeningTime) && !isAdmin(ctx) {
		return domain.SettleResponse{}, domain.ErrStaleSession.WithDetail("session %s", open.ID)
	}

	items := make([]domain.SaleLine, 0, len(req.Cart))
	physical := make([]domain.SaleLine, 0, len(req.Cart))
	demand := make(map[string]int, len(req.Cart))
	for _, line := range req.Cart {
		product, ok := snap.Product(line.ProductID)
		if !ok {
			return domain.SettleResponse{}, domain.ErrUnknownProduct.WithDetail("%s", line.ProductID)
		}
		item := domain.SaleLine{
			ProductID:             product.ID,
			Quantity:              line.Quantity,
			UnitSalePrice:         line.UnitPrice,
			UnitCostPriceSnapshot: product.CostPrice,
		}
		items = append(items, item)
		if !product.IsService {
			physical = append(physical, item)
			demand[product.ID] += line.Quantity
		}
	}
	if !s.opts.AllowNegativeStock {
		for id, qty := range demand {
			if p, _ := snap.Product(id); p.Stock-qty < 0 {
				return domain.SettleResponse{}, domain.ErrInsufficientStock.WithDetail("%s has %d, cart needs %d", id, p.Stock, qty)
			}
		}
	}

	cashierID := strings.TrimSpace(req.CashierID)
	if cashierID == "" {
		cashierID = actorOrSystem(ctx).Username
	}

	tx := domain.SaleTransaction{
		ID:            xid.New("tx"),
		StoreID:       req.StoreID,
		Date:          s.clock(),
		Value:         totals.Total,
		ShippingValue: totals.Shipping,
		DiscountValue: totals.Discount,
		Status:        domain.TxStatusPaid,
		Type:          domain.TxTypeIncome,
		Method:        MethodLabel(req.Tenders, s.opts.CashMethod),
		Tenders:       req.Tenders,
		Change:        totals.Change,
		ClientID:      strings.TrimSpace(req.ClientID),
		VendorID:      strings.TrimSpace(req.VendorID),
		CashierID:     cashierID,
		Items:         items,
	}
	if card, ok := singleCardTender(req.Tenders); ok {
		tx.Installments = card.Installments
		tx.AuthNumber = card.AuthNumber
		tx.CardOperatorID = card.CardOperatorID
		tx.CardBrandID = card.CardBrandID
	}

	var (
		g            errgroup.Group
		mu           sync.Mutex
		instructions = make([]domain.StockInstruction, 0, len(physical))
	)
	g.Go(func() error {
		return s.repo.UpsertTransaction(ctx, tx)
	})
	for _, line := range physical {
		g.Go(func() error {
			prior, next, err := s.decrementStock(ctx, line.ProductID, line.Quantity)
			if err != nil {
				return fmt.Errorf("decrement %s: %w", line.ProductID, err)
			}
			mu.Lock()
			instructions = append(instructions, domain.StockInstruction{
				ProductID:  line.ProductID,
				PriorStock: prior,
				Quantity:   line.Quantity,
				NewStock:   next,
			})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logFields := []zap.Field{zap.String("transaction_id", tx.ID), zap.Int("stock_writes_done", len(instructions))}
		s.log.Warn("settlement left partial writes", append(logFields, zap.Error(err))...)
		return domain.SettleResponse{}, s.fail(ctx, "settle.dispatch", err)
	}
	sort.Slice(instructions, func(i, j int) bool { return instructions[i].ProductID < instructions[j].ProductID })

	s.logAudit(ctx, req.StoreID, "sale_settle", "transaction", tx.ID,
		zap.String("total", tx.Value.StringFixed(2)),
		zap.String("method", tx.Method),
		zap.String("vendor_id", tx.VendorID),
		zap.Int("lines", len(items)),
	)

	resp := domain.SettleResponse{Transaction: tx, Totals: totals, Instructions: instructions}
	reloaded := s.loader.Load(ctx, store.Products|store.Transactions)
	for _, ins := range instructions {
		if p, ok := reloaded.Product(ins.ProductID); ok {
			resp.Products = append(resp.Products, p)
		}
	}
	if _, ok := reloaded.Transaction(tx.ID); !ok && len(reloaded.Failed) == 0 {
		s.log.Warn("settled transaction missing after reload", zap.String("transaction_id", tx.ID))
	}
	return resp, nil
}

func singleCardTender(tenders []domain.Tender) (domain.Tender, bool) {
	var found *domain.Tender
	for i := range tenders {
		if !tenders[i].HasCardData() {
			continue
		}
		if found != nil {
			return domain.Tender{}, false
		}
		found = &tenders[i]
	}
	if found == nil {
		return domain.Tender{}, false
	}
	return *found, true
}

// decrementStock uses the store's atomic decrement when it has one and
// otherwise serialises the read-then-write per product through the locker.
func (s *Service) decrementStock(ctx context.Context, productID string, qty int) (int, int, error) {
	if dec, ok := s.repo.(store.StockDecrementer); ok {
		return dec.DecrementStock(ctx, productID, qty, s.opts.AllowNegativeStock)
	}

	release, err := s.locker.Acquire(ctx, stockLockKey(productID))
	if err != nil {
		return 0, 0, err
	}
	defer release()

	products, err := s.repo.ListProducts(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, p := range products {
		if p.ID != productID {
			continue
		}
		next := p.Stock - qty
		if next < 0 && !s.opts.AllowNegativeStock {
			return p.Stock, p.Stock, store.ErrInsufficientStock
		}
		prior := p.Stock
		p.Stock = next
		if err := s.repo.UpsertProduct(ctx, p); err != nil {
			return 0, 0, err
		}
		return prior, next, nil
	}
	return 0, 0, store.ErrNotFound
}

func stockLockKey(productID string) string {
	return "stock:" + productID
}

func drawerLockKey(storeID string) string {
	return "drawer:" + storeID
}

// ReassignSale re-points a sale's vendor and customer by re-upserting the
// whole record; the previous references survive only in the audit log.
func (s *Service) ReassignSale(ctx context.Context, txID string, req domain.ReassignSaleRequest) (domain.SaleTransaction, error) {
	vendorID := strings.TrimSpace(req.VendorID)
	if vendorID == "" {
		return domain.SaleTransaction{}, domain.ErrVendorRequired
	}

	snap := s.loader.Load(ctx, store.Transactions)
	if err := snap.Require(store.Transactions); err != nil {
		return domain.SaleTransaction{}, s.fail(ctx, "reassign.load", err)
	}
	tx, ok := snap.Transaction(txID)
	if !ok {
		return domain.SaleTransaction{}, domain.ErrNotFound.WithDetail("transaction %s", txID)
	}

	previousVendor, previousClient := tx.VendorID, tx.ClientID
	tx.VendorID = vendorID
	tx.ClientID = strings.TrimSpace(req.ClientID)
	if err := s.repo.UpsertTransaction(ctx, tx); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.SaleTransaction{}, domain.ErrNotFound
		}
		return domain.SaleTransaction{}, s.fail(ctx, "reassign.upsert", err)
	}

	s.logAudit(ctx, tx.StoreID, "sale_reassign", "transaction", tx.ID,
		zap.String("vendor_from", previousVendor),
		zap.String("vendor_to", tx.VendorID),
		zap.String("client_from", previousClient),
		zap.String("client_to", tx.ClientID),
	)
	return tx, nil
}
