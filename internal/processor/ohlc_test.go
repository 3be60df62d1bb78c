package processor

import (
	"context"
	"testing"
	"time"

	"github.com/VeilonTrading/veilon-trading/internal/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func tick(account string, ts time.Time, equity int64) model.EquityTick {
	return model.EquityTick{
		ExternalID: account,
		Equity:     decimal.NewFromInt(equity),
		Balance:    decimal.NewFromInt(equity),
		Timestamp:  ts,
	}
}

func TestOHLCAggregator_FoldAndFlush(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	agg := NewOHLCAggregator(store, nil, zap.NewNop(), time.Minute)

	minute := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	clk := &clock{t: minute.Add(5 * time.Second)}
	agg.now = clk.now

	for i, v := range []int64{10000, 10040, 9970, 10010} {
		require.NoError(t, agg.HandleTick(ctx, tick("acc-1", minute.Add(time.Duration(5+i*10)*time.Second), v)))
	}
	assert.Equal(t, 1, agg.Pending())

	// minute not complete yet
	clk.advance(50 * time.Second)
	assert.Equal(t, 0, agg.Flush(ctx))

	clk.advance(10 * time.Second)
	assert.Equal(t, 1, agg.Flush(ctx))
	assert.Equal(t, 0, agg.Pending())

	bar := store.bars[barKey("acc-1", minute)]
	assert.True(t, bar.Open.Equal(decimal.NewFromInt(10000)))
	assert.True(t, bar.High.Equal(decimal.NewFromInt(10040)))
	assert.True(t, bar.Low.Equal(decimal.NewFromInt(9970)))
	assert.True(t, bar.Close.Equal(decimal.NewFromInt(10010)))
	assert.Equal(t, 1, store.profitCalls)
}

func TestOHLCAggregator_SeparatesAccountsAndMinutes(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	agg := NewOHLCAggregator(store, nil, zap.NewNop(), time.Minute)

	minute := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	clk := &clock{t: minute}
	agg.now = clk.now

	require.NoError(t, agg.HandleTick(ctx, tick("acc-1", minute.Add(10*time.Second), 100)))
	require.NoError(t, agg.HandleTick(ctx, tick("acc-2", minute.Add(10*time.Second), 200)))
	clk.advance(time.Minute)
	require.NoError(t, agg.HandleTick(ctx, tick("acc-1", minute.Add(70*time.Second), 101)))
	assert.Equal(t, 3, agg.Pending())

	// only the first minute is complete
	assert.Equal(t, 2, agg.Flush(ctx))
	assert.Equal(t, 1, agg.Pending())
}

func TestOHLCAggregator_LateTickFlushesImmediately(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	agg := NewOHLCAggregator(store, nil, zap.NewNop(), time.Minute)

	minute := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	clk := &clock{t: minute.Add(3 * time.Minute)}
	agg.now = clk.now

	require.NoError(t, agg.HandleTick(ctx, tick("acc-1", minute.Add(20*time.Second), 5000)))

	assert.Equal(t, 0, agg.Pending())
	assert.Equal(t, 1, store.upserts)
	_, ok := store.bars[barKey("acc-1", minute)]
	assert.True(t, ok)
}

func TestOHLCAggregator_ReflushNeverNarrowsStoredBar(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	agg := NewOHLCAggregator(store, nil, zap.NewNop(), time.Minute)

	minute := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	clk := &clock{t: minute.Add(2 * time.Minute)}
	agg.now = clk.now

	// two late writes for the same minute, the second one narrower
	require.NoError(t, agg.HandleTick(ctx, tick("acc-1", minute.Add(5*time.Second), 100)))
	require.NoError(t, agg.HandleTick(ctx, tick("acc-1", minute.Add(6*time.Second), 90)))
	require.NoError(t, agg.HandleTick(ctx, tick("acc-1", minute.Add(7*time.Second), 120)))
	require.NoError(t, agg.HandleTick(ctx, tick("acc-1", minute.Add(8*time.Second), 105)))

	bar := store.bars[barKey("acc-1", minute)]
	assert.True(t, bar.Open.Equal(decimal.NewFromInt(100)))
	assert.True(t, bar.High.Equal(decimal.NewFromInt(120)))
	assert.True(t, bar.Low.Equal(decimal.NewFromInt(90)))
	assert.True(t, bar.Close.Equal(decimal.NewFromInt(105)))
}

func TestOHLCAggregator_FailedFlushIsLogged(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.failUpsert = true
	agg := NewOHLCAggregator(store, nil, zap.NewNop(), time.Minute)

	minute := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	clk := &clock{t: minute}
	agg.now = clk.now

	require.NoError(t, agg.HandleTick(ctx, tick("acc-1", minute, 100)))
	clk.advance(2 * time.Minute)
	assert.Equal(t, 0, agg.Flush(ctx))
	assert.Equal(t, 0, store.profitCalls)
}
