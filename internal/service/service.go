package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"pdvledger/backend/internal/domain"
	"pdvledger/backend/internal/lock"
	"pdvledger/backend/internal/logger"
	"pdvledger/backend/internal/store"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// CountStore persists the terminal-local stock count.
type CountStore interface {
	Load(ctx context.Context, owner string) (domain.StockCountSession, bool, error)
	Save(ctx context.Context, session domain.StockCountSession) error
	Delete(ctx context.Context, owner string) error
}

// PINVerifier checks a manager PIN presented to authorise an override.
type PINVerifier interface {
	VerifyManagerPIN(pin string) bool
}

// Observer receives business events for metrics.
type Observer interface {
	SaleSettled(storeID string, total float64)
	SettlementFailed(storeID string, kind domain.ErrorKind)
	SessionOpened(storeID string)
	SessionClosed(storeID string)
	CountFinalized(products int, failed int)
}

type noopObserver struct{}

func (noopObserver) SaleSettled(string, float64) {}
func (noopObserver) SettlementFailed(string, domain.ErrorKind) {}
func (noopObserver) SessionOpened(string) {}
func (noopObserver) SessionClosed(string) {}
func (noopObserver) CountFinalized(int, int) {}

type Options struct {
	DefaultStoreID          string
	CashMethod              string
	Location                *time.Location
	AllowAdminMultipleDaily bool
	AllowNegativeStock      bool
	FinalizeConcurrency     int
	DeviceID                string
}

type Option func(*Service)

func WithLocker(l lock.Locker) Option {
	return func(s *Service) {
		if l != nil {
			s.locker = l
		}
	}
}

func WithObserver(o Observer) Option {
	return func(s *Service) {
		if o != nil {
			s.obs = o
		}
	}
}

func WithPINVerifier(v PINVerifier) Option {
	return func(s *Service) { s.pins = v }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

type Service struct {
	repo   store.Repository
	loader *store.Loader
	counts CountStore
	locker lock.Locker
	pins   PINVerifier
	obs    Observer
	log    *zap.Logger
	audit  *zap.Logger
	opts   Options
	now    func() time.Time

	// countMu serialises changes to the terminal-local count.
	countMu sync.Mutex
}

func New(repo store.Repository, counts CountStore, log *zap.Logger, opts Options, options ...Option) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.DefaultStoreID == "" {
		opts.DefaultStoreID = "loja-1"
	}
	if strings.TrimSpace(opts.CashMethod) == "" {
		opts.CashMethod = domain.DefaultCashMethod
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.FinalizeConcurrency < 1 {
		opts.FinalizeConcurrency = 8
	}
	if opts.DeviceID == "" {
		opts.DeviceID = "terminal-1"
	}

	s := &Service{
		repo:   repo,
		loader: store.NewLoader(repo, log),
		counts: counts,
		locker: lock.NewLocalLocker(),
		obs:    noopObserver{},
		log:    log.Named("service"),
		audit:  log.Named("audit"),
		opts:   opts,
		now:    time.Now,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

func (s *Service) DefaultStoreID() string {
	return s.opts.DefaultStoreID
}

func (s *Service) storeOrDefault(storeID string) string {
	if storeID = strings.TrimSpace(storeID); storeID != "" {
		return storeID
	}
	return s.opts.DefaultStoreID
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

func (s *Service) isToday(t time.Time) bool {
	y, m, d := t.In(s.opts.Location).Date()
	ny, nm, nd := s.clock().In(s.opts.Location).Date()
	return y == ny && m == nm && d == nd
}

func actorOrSystem(ctx context.Context) domain.Actor {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Actor{Username: "system", Role: "system"}
	}
	return actor
}

func isAdmin(ctx context.Context) bool {
	actor, ok := ActorFromContext(ctx)
	return ok && actor.IsAdmin()
}

// fail logs a collaborator error and hides it behind the generic failure.
// Ledger errors other than failures pass through unchanged.
func (s *Service) fail(ctx context.Context, op string, err error) error {
	wrapped := domain.Failure(err)
	if domain.KindOf(wrapped) == domain.KindFailure {
		logger.FromContext(ctx, s.log).Error("operation failed", zap.String("op", op), zap.Error(err))
	}
	return wrapped
}

func (s *Service) logAudit(ctx context.Context, storeID string, action string, entityType string, entityID string, fields ...zap.Field) {
	actor := actorOrSystem(ctx)
	base := []zap.Field{
		zap.String("store_id", s.storeOrDefault(storeID)),
		zap.String("actor", actor.Username),
		zap.String("role", actor.Role),
		zap.String("action", action),
		zap.String("entity_type", entityType),
		zap.String("entity_id", entityID),
	}
	s.audit.Info("audit", append(base, fields...)...)
}
