package processor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/VeilonTrading/veilon-trading/internal/model"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type handlerFunc func(context.Context, model.EquityTick) error

func (f handlerFunc) HandleTick(ctx context.Context, t model.EquityTick) error { return f(ctx, t) }

func TestPipeline_IsolatesFailingStages(t *testing.T) {
	var calls []string
	p := &Pipeline{
		logger: zap.NewNop(),
		stages: []stage{
			{name: "a", handler: handlerFunc(func(context.Context, model.EquityTick) error {
				calls = append(calls, "a")
				return errors.New("boom")
			})},
			{name: "b", handler: handlerFunc(func(context.Context, model.EquityTick) error {
				calls = append(calls, "b")
				panic("bad tick")
			})},
			{name: "c", handler: handlerFunc(func(context.Context, model.EquityTick) error {
				calls = append(calls, "c")
				return nil
			})},
		},
	}

	assert.NotPanics(t, func() {
		p.Dispatch(context.Background(), tick("acc-1", time.Now(), 100))
	})
	assert.Equal(t, []string{"a", "b", "c"}, calls)
}

func TestPipeline_FansOutToAllComponents(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.periodStart["acc-1"] = time.Now().Add(-time.Hour)

	sink := NewTickSink(store, nil, zap.NewNop())
	agg := NewOHLCAggregator(store, nil, zap.NewNop(), time.Minute)
	mon := NewEquityMonitor(store, zap.NewNop())
	p := NewPipeline(zap.NewNop(), sink, agg, mon)

	p.Dispatch(ctx, tick("acc-1", time.Now(), 10000))

	assert.Len(t, store.ticks, 1)
	assert.Equal(t, 1, agg.Pending())
	assert.Equal(t, 1, store.metricsRows)
}
