package store

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"pdvledger/backend/internal/domain"
)

// Collection selects which record sets a Loader fetches.
type Collection uint8

const (
	Products Collection = 1 << iota
	Transactions
	CashSessions
	CashEntries

	AllCollections = Products | Transactions | CashSessions | CashEntries
)

func (c Collection) String() string {
	switch c {
	case Products:
		return "products"
	case Transactions:
		return "transactions"
	case CashSessions:
		return "cash_sessions"
	case CashEntries:
		return "cash_entries"
	}
	return "collections"
}

// Snapshot is one reload of the shared record sets. A collection that failed to
// load is empty and listed in Failed.
type Snapshot struct {
	Products     []domain.Product
	Transactions []domain.SaleTransaction
	Sessions     []domain.CashSession
	Entries      []domain.CashEntry
	Failed       map[Collection]error
}

// Require returns an operation failure when any of the wanted collections did
// not load. Money-moving operations call it before trusting derived figures.
func (s Snapshot) Require(wanted Collection) error {
	for c, err := range s.Failed {
		if wanted&c != 0 {
			return domain.Failure(err)
		}
	}
	return nil
}

func (s Snapshot) Product(id string) (domain.Product, bool) {
	for _, p := range s.Products {
		if p.ID == id {
			return p, true
		}
	}
	return domain.Product{}, false
}

func (s Snapshot) Transaction(id string) (domain.SaleTransaction, bool) {
	for _, tx := range s.Transactions {
		if tx.ID == id {
			return tx, true
		}
	}
	return domain.SaleTransaction{}, false
}

func (s Snapshot) Session(id string) (domain.CashSession, bool) {
	for _, cs := range s.Sessions {
		if cs.ID == id {
			return cs, true
		}
	}
	return domain.CashSession{}, false
}

type Loader struct {
	repo Repository
	log  *zap.Logger
}

func NewLoader(repo Repository, log *zap.Logger) *Loader {
	if log == nil {
		log = zap.NewNop()
	}
	return &Loader{repo: repo, log: log.Named("snapshot")}
}

// Load fetches the selected collections concurrently. A failed collection is
// logged and left empty; the others are still returned.
func (l *Loader) Load(ctx context.Context, which Collection) Snapshot {
	snap := Snapshot{Failed: make(map[Collection]error)}
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)

	fail := func(c Collection, err error) {
		l.log.Warn("collection load failed", zap.Stringer("collection", c), zap.Error(err))
		mu.Lock()
		snap.Failed[c] = err
		mu.Unlock()
	}

	if which&Products != 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			products, err := l.repo.ListProducts(ctx)
			if err != nil {
				fail(Products, err)
				return
			}
			mu.Lock()
			snap.Products = products
			mu.Unlock()
		}()
	}
	if which&Transactions != 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			txs, err := l.repo.ListTransactions(ctx)
			if err != nil {
				fail(Transactions, err)
				return
			}
			mu.Lock()
			snap.Transactions = txs
			mu.Unlock()
		}()
	}
	if which&CashSessions != 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sessions, err := l.repo.ListCashSessions(ctx)
			if err != nil {
				fail(CashSessions, err)
				return
			}
			mu.Lock()
			snap.Sessions = sessions
			mu.Unlock()
		}()
	}
	if which&CashEntries != 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entries, err := l.repo.ListCashEntries(ctx)
			if err != nil {
				fail(CashEntries, err)
				return
			}
			mu.Lock()
			snap.Entries = entries
			mu.Unlock()
		}()
	}

	wg.Wait()
	return snap
}
