package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/VeilonTrading/veilon-trading/internal/model"
	"github.com/VeilonTrading/veilon-trading/internal/storage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type extrema struct {
	baseline, high, low, close decimal.Decimal
}

type closedPeriod struct {
	reason string
	status model.PeriodStatus
}

// fakeStore keeps account state in memory and only reports accounts that are
// still active, like the real join.
type fakeStore struct {
	mu       sync.Mutex
	evals    []model.ActiveEvaluation
	bars     map[string]extrema
	status   map[int64]model.AccountStatus
	closed   map[int64]closedPeriod
	events   []model.AccountEvent
	failHigh map[string]bool
	writes   int
}

func newFakeStore(evals ...model.ActiveEvaluation) *fakeStore {
	s := &fakeStore{
		evals:    evals,
		bars:     map[string]extrema{},
		status:   map[int64]model.AccountStatus{},
		closed:   map[int64]closedPeriod{},
		failHigh: map[string]bool{},
	}
	for _, ev := range evals {
		s.status[ev.AccountID] = model.StatusActive
	}
	return s
}

func (s *fakeStore) ActiveEvaluations(ctx context.Context) ([]model.ActiveEvaluation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ActiveEvaluation
	for _, ev := range s.evals {
		if s.status[ev.AccountID] != model.StatusActive {
			continue
		}
		if _, ok := s.closed[ev.PeriodID]; ok {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *fakeStore) PeriodBaseline(ctx context.Context, ext string, start time.Time) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bars[ext]
	if !ok {
		return decimal.Zero, storage.ErrNotFound
	}
	return b.baseline, nil
}

func (s *fakeStore) PeriodHighLow(ctx context.Context, ext string, start time.Time) (decimal.Decimal, decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failHigh[ext] {
		return decimal.Zero, decimal.Zero, errors.New("connection reset")
	}
	b, ok := s.bars[ext]
	if !ok {
		return decimal.Zero, decimal.Zero, storage.ErrNotFound
	}
	return b.high, b.low, nil
}

func (s *fakeStore) LatestBar(ctx context.Context, ext string, start time.Time) (model.Bar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bars[ext]
	if !ok {
		return model.Bar{}, storage.ErrNotFound
	}
	return model.Bar{ExternalID: ext, Close: b.close}, nil
}

func (s *fakeStore) setStatus(id int64, st model.AccountStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[id] = st
	s.writes++
	return nil
}

func (s *fakeStore) MarkPassed(ctx context.Context, id int64) error {
	return s.setStatus(id, model.StatusPassed)
}

func (s *fakeStore) MarkAwaitingWithdrawal(ctx context.Context, id int64) error {
	return s.setStatus(id, model.StatusAwaitingWithdrawal)
}

func (s *fakeStore) MarkFailed(ctx context.Context, id int64) error {
	return s.setStatus(id, model.StatusFailed)
}

func (s *fakeStore) ClosePeriod(ctx context.Context, periodID int64, reason string, status model.PeriodStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed[periodID] = closedPeriod{reason: reason, status: status}
	s.writes++
	return nil
}

func (s *fakeStore) LogEvent(ctx context.Context, ev model.AccountEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

type fakeStopper struct {
	mu      sync.Mutex
	stopped []string
}

func (f *fakeStopper) StopStream(ctx context.Context, ext string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, ext)
	return true, nil
}

func evaluation(id int64, ext string, period model.PeriodType) model.ActiveEvaluation {
	return model.ActiveEvaluation{
		AccountID:  id,
		ExternalID: ext,
		Status:     model.StatusActive,
		PeriodID:   id * 100,
		PeriodType: period,
		StartTime:  time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Plan: model.PlanThresholds{
			Name:            "10K Challenge",
			ProfitTargetPct: 0.10,
			MaxDrawdownPct:  0.10,
		},
	}
}

func bars(baseline, high, low, close int64) extrema {
	return extrema{
		baseline: decimal.NewFromInt(baseline),
		high:     decimal.NewFromInt(high),
		low:      decimal.NewFromInt(low),
		close:    decimal.NewFromInt(close),
	}
}

func TestRunCycle_Phase1TargetPasses(t *testing.T) {
	store := newFakeStore(evaluation(1, "ext-1", model.PeriodPhase1))
	// the spike reversed, current close is back below target
	store.bars["ext-1"] = bars(10000, 11050, 9900, 10200)
	stopper := &fakeStopper{}
	e := NewEvaluator(store, stopper, zap.NewNop(), time.Minute, 2)

	require.NoError(t, e.RunCycle(context.Background()))

	assert.Equal(t, model.StatusPassed, store.status[1])
	assert.Equal(t, closedPeriod{reason: model.EndProfitTargetHit, status: model.PeriodCompleted}, store.closed[100])
	assert.Equal(t, []string{"ext-1"}, stopper.stopped)
	require.Len(t, store.events, 1)
	ev := store.events[0]
	assert.Equal(t, model.EventEvaluationPassed, ev.EventType)
	assert.Equal(t, model.ActorSystem, ev.ActorType)
	assert.Equal(t, "profit_target_hit", ev.Payload["reason"])
	assert.Equal(t, "phase_1", ev.Payload["period_type"])
	assert.Equal(t, int64(100), ev.Payload["trading_period_id"])
	assert.Equal(t, "10K Challenge", ev.Payload["plan_name"])
	assert.Equal(t, 10.0, ev.Payload["profit_target_pct"])
}

func TestRunCycle_FundedTargetAwaitsWithdrawal(t *testing.T) {
	store := newFakeStore(evaluation(2, "ext-2", model.PeriodFunded))
	store.bars["ext-2"] = bars(10000, 11000, 10000, 11000)
	e := NewEvaluator(store, &fakeStopper{}, zap.NewNop(), time.Minute, 2)

	require.NoError(t, e.RunCycle(context.Background()))

	assert.Equal(t, model.StatusAwaitingWithdrawal, store.status[2])
	assert.Equal(t, model.EndProfitCapHit, store.closed[200].reason)
	require.Len(t, store.events, 1)
	assert.Equal(t, model.EventProfitCapHit, store.events[0].EventType)
}

func TestRunCycle_BreachFailsOnce(t *testing.T) {
	store := newFakeStore(evaluation(3, "ext-3", model.PeriodPhase1))
	store.bars["ext-3"] = bars(10000, 10100, 8900, 9500)
	stopper := &fakeStopper{}
	e := NewEvaluator(store, stopper, zap.NewNop(), time.Minute, 2)

	require.NoError(t, e.RunCycle(context.Background()))
	require.NoError(t, e.RunCycle(context.Background()))

	assert.Equal(t, model.StatusFailed, store.status[3])
	assert.Equal(t, closedPeriod{reason: model.EndDrawdownBreach, status: model.PeriodFailed}, store.closed[300])
	require.Len(t, store.events, 1)
	assert.Equal(t, model.EventEvaluationFailed, store.events[0].EventType)
	assert.Equal(t, 10.0, store.events[0].Payload["max_drawdown_pct"])
	assert.Equal(t, []string{"ext-3"}, stopper.stopped)
}

func TestRunCycle_NoDecisionIsIdempotent(t *testing.T) {
	store := newFakeStore(evaluation(4, "ext-4", model.PeriodPhase1))
	store.bars["ext-4"] = bars(10000, 10500, 9500, 10100)
	e := NewEvaluator(store, &fakeStopper{}, zap.NewNop(), time.Minute, 2)

	for i := 0; i < 3; i++ {
		require.NoError(t, e.RunCycle(context.Background()))
	}

	assert.Equal(t, 0, store.writes)
	assert.Empty(t, store.events)
	assert.Equal(t, model.StatusActive, store.status[4])
}

func TestRunCycle_IsolatesAccountFailures(t *testing.T) {
	store := newFakeStore(
		evaluation(5, "no-bars", model.PeriodPhase1),
		evaluation(6, "broken", model.PeriodPhase1),
		evaluation(7, "ext-7", model.PeriodPhase1),
	)
	store.bars["broken"] = bars(10000, 12000, 10000, 10000)
	store.failHigh["broken"] = true
	store.bars["ext-7"] = bars(10000, 10000, 8000, 8000)
	e := NewEvaluator(store, nil, zap.NewNop(), time.Minute, 1)

	require.NoError(t, e.RunCycle(context.Background()))

	assert.Equal(t, model.StatusActive, store.status[5])
	assert.Equal(t, model.StatusActive, store.status[6])
	assert.Equal(t, model.StatusFailed, store.status[7])
}
