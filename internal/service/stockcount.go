package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pdvledger/backend/internal/domain"
	"pdvledger/backend/internal/store"
	"pdvledger/backend/internal/xid"
)

func (s *Service) loadCount(ctx context.Context) (domain.StockCountSession, error) {
	if s.counts == nil {
		return domain.StockCountSession{}, domain.Failure(fmt.Errorf("count store not configured"))
	}
	sess, ok, err := s.counts.Load(ctx, s.opts.DeviceID)
	if err != nil {
		return domain.StockCountSession{}, s.fail(ctx, "count.load", err)
	}
	if !ok {
		return domain.StockCountSession{Owner: s.opts.DeviceID, CurrentBatchItems: map[string]int{}}, nil
	}
	if sess.CurrentBatchItems == nil {
		sess.CurrentBatchItems = map[string]int{}
	}
	return sess, nil
}

func (s *Service) activeCount(ctx context.Context) (domain.StockCountSession, error) {
	sess, err := s.loadCount(ctx)
	if err != nil {
		return domain.StockCountSession{}, err
	}
	if !sess.Active {
		return domain.StockCountSession{}, domain.ErrNoCountSession
	}
	return sess, nil
}

func (s *Service) saveCount(ctx context.Context, sess domain.StockCountSession) error {
	if err := s.counts.Save(ctx, sess); err != nil {
		return s.fail(ctx, "count.save", err)
	}
	return nil
}

// StartCount begins a count, or returns the active one unchanged so an
// interrupted walk can resume.
func (s *Service) StartCount(ctx context.Context, label string) (domain.StockCountSession, error) {
	s.countMu.Lock()
	defer s.countMu.Unlock()

	sess, err := s.loadCount(ctx)
	if err != nil {
		return domain.StockCountSession{}, err
	}
	if sess.Active {
		return sess, nil
	}

	sess = domain.StockCountSession{
		Owner:             s.opts.DeviceID,
		Label:             strings.TrimSpace(label),
		Active:            true,
		Batches:           []domain.StockBatch{},
		CurrentBatchItems: map[string]int{},
	}
	if err := s.saveCount(ctx, sess); err != nil {
		return domain.StockCountSession{}, err
	}
	s.logAudit(ctx, "", "count_start", "stock_count", sess.Owner, zap.String("label", sess.Label))
	return sess, nil
}

// Scan adds one unit of the product whose SKU or barcode matches code to the
// current batch. An unmatched code changes nothing.
func (s *Service) Scan(ctx context.Context, code string) (domain.StockCountSession, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return domain.StockCountSession{}, domain.ErrUnknownCode
	}

	snap := s.loader.Load(ctx, store.Products)
	if err := snap.Require(store.Products); err != nil {
		return domain.StockCountSession{}, s.fail(ctx, "count.scan.load", err)
	}
	product, ok := matchCode(snap.Products, code)
	if !ok {
		return domain.StockCountSession{}, domain.ErrUnknownCode.WithDetail("%s", code)
	}

	s.countMu.Lock()
	defer s.countMu.Unlock()

	sess, err := s.activeCount(ctx)
	if err != nil {
		return domain.StockCountSession{}, err
	}
	sess.CurrentBatchItems[product.ID]++
	if err := s.saveCount(ctx, sess); err != nil {
		return domain.StockCountSession{}, err
	}
	return sess, nil
}

func matchCode(products []domain.Product, code string) (domain.Product, bool) {
	for _, p := range products {
		if strings.EqualFold(strings.TrimSpace(p.SKU), code) {
			return p, true
		}
	}
	for _, p := range products {
		if p.Barcode != "" && strings.TrimSpace(p.Barcode) == code {
			return p, true
		}
	}
	return domain.Product{}, false
}

// LabelBatch names the in-progress batch. CommitBatch uses the name when it is
// called without one.
func (s *Service) LabelBatch(ctx context.Context, label string) (domain.StockCountSession, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return domain.StockCountSession{}, domain.ErrBatchLabelRequired
	}

	s.countMu.Lock()
	defer s.countMu.Unlock()

	sess, err := s.activeCount(ctx)
	if err != nil {
		return domain.StockCountSession{}, err
	}
	sess.CurrentBatchLabel = label
	if err := s.saveCount(ctx, sess); err != nil {
		return domain.StockCountSession{}, err
	}
	return sess, nil
}

// CommitBatch freezes the current batch under label and starts an empty one.
func (s *Service) CommitBatch(ctx context.Context, label string) (domain.StockCountSession, error) {
	s.countMu.Lock()
	defer s.countMu.Unlock()

	sess, err := s.activeCount(ctx)
	if err != nil {
		return domain.StockCountSession{}, err
	}
	if len(sess.CurrentBatchItems) == 0 {
		return domain.StockCountSession{}, domain.ErrEmptyBatch
	}

	label = strings.TrimSpace(label)
	if label == "" {
		label = sess.CurrentBatchLabel
	}
	if label == "" {
		label = fmt.Sprintf("Lote %d", len(sess.Batches)+1)
	}

	items := make(map[string]int, len(sess.CurrentBatchItems))
	for id, qty := range sess.CurrentBatchItems {
		items[id] = qty
	}
	batch := domain.StockBatch{
		ID:        xid.New("bt"),
		Label:     label,
		Items:     items,
		Timestamp: s.clock(),
	}
	sess.Batches = append(sess.Batches, batch)
	sess.CurrentBatchItems = map[string]int{}
	sess.CurrentBatchLabel = ""

	if err := s.saveCount(ctx, sess); err != nil {
		return domain.StockCountSession{}, err
	}
	return sess, nil
}

// DeleteBatch drops a committed batch; its counts leave the consolidated view.
func (s *Service) DeleteBatch(ctx context.Context, batchID string) (domain.StockCountSession, error) {
	s.countMu.Lock()
	defer s.countMu.Unlock()

	sess, err := s.activeCount(ctx)
	if err != nil {
		return domain.StockCountSession{}, err
	}
	kept := make([]domain.StockBatch, 0, len(sess.Batches))
	for _, b := range sess.Batches {
		if b.ID != batchID {
			kept = append(kept, b)
		}
	}
	if len(kept) == len(sess.Batches) {
		return domain.StockCountSession{}, domain.ErrNotFound.WithDetail("batch %s", batchID)
	}
	sess.Batches = kept

	if err := s.saveCount(ctx, sess); err != nil {
		return domain.StockCountSession{}, err
	}
	return sess, nil
}

// CountSession returns the stored count; Active is false when none is running.
func (s *Service) CountSession(ctx context.Context) (domain.StockCountSession, error) {
	return s.loadCount(ctx)
}

// Consolidate sums every committed batch and the in-progress batch.
func Consolidate(sess domain.StockCountSession) map[string]int {
	out := make(map[string]int)
	for _, b := range sess.Batches {
		for id, qty := range b.Items {
			out[id] += qty
		}
	}
	for id, qty := range sess.CurrentBatchItems {
		out[id] += qty
	}
	return out
}

func (s *Service) Consolidated(ctx context.Context) (map[string]int, error) {
	sess, err := s.activeCount(ctx)
	if err != nil {
		return nil, err
	}
	return Consolidate(sess), nil
}

// CompareCount diffs the consolidated count against recorded stock for every
// physical product; unscanned products count as zero.
func CompareCount(products []domain.Product, consolidated map[string]int) []domain.StockDiff {
	diffs := make([]domain.StockDiff, 0, len(products))
	for _, p := range products {
		if p.IsService {
			continue
		}
		counted := consolidated[p.ID]
		diff := counted - p.Stock
		status := domain.DiffOK
		switch {
		case diff > 0:
			status = domain.DiffOverage
		case diff < 0:
			status = domain.DiffShortage
		}
		diffs = append(diffs, domain.StockDiff{
			ProductID: p.ID,
			SKU:       p.SKU,
			Name:      p.Name,
			Counted:   counted,
			Recorded:  p.Stock,
			Diff:      diff,
			Status:    status,
		})
	}
	sort.Slice(diffs, func(i, j int) bool {
		if diffs[i].SKU != diffs[j].SKU {
			return diffs[i].SKU < diffs[j].SKU
		}
		return diffs[i].ProductID < diffs[j].ProductID
	})
	return diffs
}

func (s *Service) Compare(ctx context.Context) ([]domain.StockDiff, error) {
	sess, err := s.activeCount(ctx)
	if err != nil {
		return nil, err
	}
	snap := s.loader.Load(ctx, store.Products)
	if err := snap.Require(store.Products); err != nil {
		return nil, s.fail(ctx, "count.compare.load", err)
	}
	return CompareCount(snap.Products, Consolidate(sess)), nil
}

// Finalize overwrites the stock of every physical product with its counted
// quantity, zero when never scanned, and then discards the count. When any
// overwrite fails the count is kept so Finalize can be retried; rerunning it
// writes the same absolute values again.
func (s *Service) Finalize(ctx context.Context) ([]domain.StockInstruction, error) {
	s.countMu.Lock()
	defer s.countMu.Unlock()

	sess, err := s.activeCount(ctx)
	if err != nil {
		return nil, err
	}
	snap := s.loader.Load(ctx, store.Products)
	if err := snap.Require(store.Products); err != nil {
		return nil, s.fail(ctx, "count.finalize.load", err)
	}

	consolidated := Consolidate(sess)
	instructions := make([]domain.StockInstruction, 0, len(snap.Products))
	byID := make(map[string]domain.Product, len(snap.Products))
	for _, p := range snap.Products {
		if p.IsService {
			continue
		}
		byID[p.ID] = p
		counted := consolidated[p.ID]
		instructions = append(instructions, domain.StockInstruction{
			ProductID:  p.ID,
			PriorStock: p.Stock,
			Quantity:   counted,
			NewStock:   counted,
		})
	}

	var (
		g      errgroup.Group
		mu     sync.Mutex
		failed int
	)
	g.SetLimit(s.opts.FinalizeConcurrency)
	for _, ins := range instructions {
		g.Go(func() error {
			if err := s.overwriteStock(ctx, byID[ins.ProductID], ins.NewStock); err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
				return fmt.Errorf("overwrite %s: %w", ins.ProductID, err)
			}
			return nil
		})
	}
	err = g.Wait()
	s.obs.CountFinalized(len(instructions), failed)
	if err != nil {
		s.log.Warn("finalize incomplete, count kept for retry", zap.Int("failed", failed), zap.Error(err))
		return nil, s.fail(ctx, "count.finalize.write", err)
	}

	if err := s.counts.Delete(ctx, sess.Owner); err != nil {
		return nil, s.fail(ctx, "count.finalize.discard", err)
	}
	s.logAudit(ctx, "", "count_finalize", "stock_count", sess.Owner,
		zap.String("label", sess.Label),
		zap.Int("products", len(instructions)),
		zap.Int("batches", len(sess.Batches)),
	)
	return instructions, nil
}

func (s *Service) overwriteStock(ctx context.Context, product domain.Product, qty int) error {
	if setter, ok := s.repo.(store.StockSetter); ok {
		return setter.SetStock(ctx, product.ID, qty)
	}
	release, err := s.locker.Acquire(ctx, stockLockKey(product.ID))
	if err != nil {
		return err
	}
	defer release()
	product.Stock = qty
	return s.repo.UpsertProduct(ctx, product)
}

// ResetCount discards the count without touching stock.
func (s *Service) ResetCount(ctx context.Context) error {
	s.countMu.Lock()
	defer s.countMu.Unlock()

	if s.counts == nil {
		return domain.Failure(fmt.Errorf("count store not configured"))
	}
	if err := s.counts.Delete(ctx, s.opts.DeviceID); err != nil {
		return s.fail(ctx, "count.reset", err)
	}
	s.logAudit(ctx, "", "count_reset", "stock_count", s.opts.DeviceID)
	return nil
}
