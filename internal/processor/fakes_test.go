package processor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/VeilonTrading/veilon-trading/internal/model"
	"github.com/VeilonTrading/veilon-trading/internal/storage"
	"github.com/shopspring/decimal"
)

// memStore mimics the upsert semantics of the relational tables.
type memStore struct {
	mu          sync.Mutex
	bars        map[string]model.Bar
	upserts     int
	profitCalls int
	ticks       []model.EquityTick
	metrics     map[string]model.MetricsSnapshot
	metricsRows int
	periodStart map[string]time.Time
	firstEquity map[string]decimal.Decimal
	failUpsert  bool
}

func newMemStore() *memStore {
	return &memStore{
		bars:        make(map[string]model.Bar),
		metrics:     make(map[string]model.MetricsSnapshot),
		periodStart: make(map[string]time.Time),
		firstEquity: make(map[string]decimal.Decimal),
	}
}

func (s *memStore) UpsertBar(_ context.Context, bar model.Bar) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpsert {
		return errors.New("db down")
	}
	s.upserts++
	key := barKey(bar.ExternalID, bar.BarTime)
	if stored, ok := s.bars[key]; ok {
		s.bars[key] = mergeBar(stored, bar)
		return nil
	}
	s.bars[key] = bar
	return nil
}

// mergeBar mirrors the bar upsert: high and low only widen, close is
// replaced, open stays as first written.
func mergeBar(stored, bar model.Bar) model.Bar {
	out := stored
	out.High = decimal.Max(stored.High, bar.High)
	out.Low = decimal.Min(stored.Low, bar.Low)
	out.Close = bar.Close
	return out
}

func (s *memStore) RefreshDisplayProfit(context.Context, string) error {
	s.mu.Lock()
	s.profitCalls++
	s.mu.Unlock()
	return nil
}

func (s *memStore) InsertTick(_ context.Context, tick model.EquityTick) error {
	s.mu.Lock()
	s.ticks = append(s.ticks, tick)
	s.mu.Unlock()
	return nil
}

func (s *memStore) ActivePeriodStart(_ context.Context, externalID string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start, ok := s.periodStart[externalID]
	if !ok {
		return time.Time{}, storage.ErrNotFound
	}
	return start, nil
}

func (s *memStore) FirstEquitySince(_ context.Context, externalID string, _ time.Time) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	eq, ok := s.firstEquity[externalID]
	if !ok {
		return decimal.Zero, storage.ErrNotFound
	}
	return eq, nil
}

func (s *memStore) UpsertMetrics(_ context.Context, m model.MetricsSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metricsRows++
	if existing, ok := s.metrics[m.ExternalID]; ok {
		m.PeriodStart = existing.PeriodStart
		m.FirstEquity = existing.FirstEquity
	}
	s.metrics[m.ExternalID] = m
	return nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }
