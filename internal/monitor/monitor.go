// Package monitor runs periodic checks over the drawer ledger.
package monitor

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"pdvledger/backend/internal/domain"
)

// DefaultSpec runs the stale-session check every fifteen minutes.
const DefaultSpec = "*/15 * * * *"

type StaleFinder interface {
	StaleSessions(ctx context.Context) ([]domain.CashSession, error)
}

type Gauge interface {
	SetStaleSessions(n int)
}

// Monitor warns about OPEN cash sessions left over from a previous day.
type Monitor struct {
	cron   *cron.Cron
	finder StaleFinder
	gauge  Gauge
	log    *zap.Logger
	spec   string
}

func New(finder StaleFinder, gauge Gauge, spec string, loc *time.Location, log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	if spec == "" {
		spec = DefaultSpec
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Monitor{
		cron:   cron.New(cron.WithLocation(loc)),
		finder: finder,
		gauge:  gauge,
		log:    log.Named("monitor"),
		spec:   spec,
	}
}

func (m *Monitor) Start() error {
	if _, err := m.cron.AddFunc(m.spec, m.run); err != nil {
		return err
	}
	m.log.Info("starting stale session monitor", zap.String("spec", m.spec))
	m.cron.Start()
	return nil
}

// Stop waits for a running check to finish.
func (m *Monitor) Stop() {
	<-m.cron.Stop().Done()
	m.log.Info("stale session monitor stopped")
}

func (m *Monitor) run() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, _ = m.Check(ctx)
}

// Check runs one pass and returns the number of stale sessions found.
func (m *Monitor) Check(ctx context.Context) (int, error) {
	stale, err := m.finder.StaleSessions(ctx)
	if err != nil {
		m.log.Error("stale session check failed", zap.Error(err))
		return 0, err
	}
	if m.gauge != nil {
		m.gauge.SetStaleSessions(len(stale))
	}
	for _, cs := range stale {
		m.log.Warn("cash session left open from a previous day",
			zap.String("store_id", cs.StoreID),
			zap.String("session_id", cs.ID),
			zap.String("operator", cs.OpeningOperatorID),
			zap.Time("opened_at", cs.OpeningTime),
		)
	}
	return len(stale), nil
}
