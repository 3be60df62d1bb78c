package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/VeilonTrading/veilon-trading/internal/model"
	"github.com/VeilonTrading/veilon-trading/internal/storage"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var ErrNoActivePeriod = errors.New("no active trading period")

// MetricsStore backs the equity monitor.
type MetricsStore interface {
	ActivePeriodStart(ctx context.Context, externalID string) (time.Time, error)
	FirstEquitySince(ctx context.Context, externalID string, since time.Time) (decimal.Decimal, error)
	UpsertMetrics(ctx context.Context, m model.MetricsSnapshot) error
}

// EquityMonitor keeps running gain/peak/trough/drawdown figures per account
// for the active period and writes them to the display cache on every tick.
type EquityMonitor struct {
	store   MetricsStore
	logger  *zap.Logger
	mu      sync.Mutex
	metrics map[string]*model.MetricsSnapshot
	now     func() time.Time
}

func NewEquityMonitor(store MetricsStore, logger *zap.Logger) *EquityMonitor {
	return &EquityMonitor{
		store:   store,
		logger:  logger,
		metrics: make(map[string]*model.MetricsSnapshot),
		now:     time.Now,
	}
}

// InitializeAccount seeds state from the first tick of the active period.
// With no tick yet the account is left to initialize on its first tick.
func (m *EquityMonitor) InitializeAccount(ctx context.Context, externalID string) error {
	start, err := m.store.ActivePeriodStart(ctx, externalID)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w for %s", ErrNoActivePeriod, externalID)
	}
	if err != nil {
		return err
	}

	first, err := m.store.FirstEquitySince(ctx, externalID, start)
	if errors.Is(err, storage.ErrNotFound) {
		m.logger.Info("no equity yet for period, waiting for first tick",
			zap.String("account", externalID), zap.Time("period_start", start))
		return nil
	}
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.metrics[externalID] = m.seed(externalID, start, first)
	m.mu.Unlock()

	m.logger.Info("initialized account metrics",
		zap.String("account", externalID), zap.String("first_equity", first.String()))
	return nil
}

// Forget drops in-memory state so the next period starts fresh.
func (m *EquityMonitor) Forget(externalID string) {
	m.mu.Lock()
	delete(m.metrics, externalID)
	m.mu.Unlock()
}

func (m *EquityMonitor) seed(externalID string, start time.Time, equity decimal.Decimal) *model.MetricsSnapshot {
	return &model.MetricsSnapshot{
		ExternalID:    externalID,
		PeriodStart:   start,
		FirstEquity:   equity,
		CurrentEquity: equity,
		PeakEquity:    equity,
		TroughEquity:  equity,
		LastUpdated:   m.now(),
	}
}

func (m *EquityMonitor) HandleTick(ctx context.Context, tick model.EquityTick) error {
	m.mu.Lock()
	_, ok := m.metrics[tick.ExternalID]
	m.mu.Unlock()

	if !ok {
		start, err := m.store.ActivePeriodStart(ctx, tick.ExternalID)
		if errors.Is(err, storage.ErrNotFound) {
			m.logger.Debug("skipping tick, no active period", zap.String("account", tick.ExternalID))
			return nil
		}
		if err != nil {
			return err
		}
		m.mu.Lock()
		if _, ok := m.metrics[tick.ExternalID]; !ok {
			m.metrics[tick.ExternalID] = m.seed(tick.ExternalID, start, tick.Equity)
			m.logger.Info("initialized account metrics on first tick",
				zap.String("account", tick.ExternalID), zap.String("first_equity", tick.Equity.String()))
		}
		m.mu.Unlock()
	}

	m.mu.Lock()
	s := m.metrics[tick.ExternalID]
	apply(s, tick.Equity)
	s.LastUpdated = m.now()
	snap := *s
	m.mu.Unlock()

	return m.store.UpsertMetrics(ctx, snap)
}

// Snapshot returns a copy of the in-memory figures.
func (m *EquityMonitor) Snapshot(externalID string) (model.MetricsSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.metrics[externalID]
	if !ok {
		return model.MetricsSnapshot{}, false
	}
	return *s, true
}

func apply(s *model.MetricsSnapshot, equity decimal.Decimal) {
	s.CurrentEquity = equity
	s.CurrentGainPct = gain(equity, s.FirstEquity)

	if equity.GreaterThan(s.PeakEquity) {
		s.PeakEquity = equity
		s.PeakGainPct = s.CurrentGainPct
	}
	if equity.LessThan(s.TroughEquity) {
		s.TroughEquity = equity
		s.TroughGainPct = s.CurrentGainPct
	}

	// drawdown is only reported on the loss side
	if s.CurrentGainPct < 0 {
		s.CurrentDrawdownPct = -s.CurrentGainPct
	} else {
		s.CurrentDrawdownPct = 0
	}
}

func gain(equity, first decimal.Decimal) float64 {
	if !first.IsPositive() {
		return 0
	}
	return equity.Sub(first).Div(first).InexactFloat64()
}
