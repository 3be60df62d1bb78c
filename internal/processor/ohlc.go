package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/VeilonTrading/veilon-trading/internal/infrastructure"
	"github.com/VeilonTrading/veilon-trading/internal/model"
	"go.uber.org/zap"
)

// BarStore persists flushed bars.
type BarStore interface {
	UpsertBar(ctx context.Context, bar model.Bar) error
	RefreshDisplayProfit(ctx context.Context, externalID string) error
}

// OHLCAggregator folds equity ticks into 1-minute bars per account and
// flushes each bar once its minute is complete.
type OHLCAggregator struct {
	store    BarStore
	js       infrastructure.Publisher
	logger   *zap.Logger
	bars     map[string]*model.Bar
	mu       sync.Mutex
	interval time.Duration
	now      func() time.Time
	done     chan struct{}
}

func NewOHLCAggregator(store BarStore, js infrastructure.Publisher, logger *zap.Logger, interval time.Duration) *OHLCAggregator {
	if interval <= 0 {
		interval = time.Minute
	}
	return &OHLCAggregator{
		store:    store,
		js:       js,
		logger:   logger,
		bars:     make(map[string]*model.Bar),
		interval: interval,
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// Start launches the periodic sweep. Pending bars are flushed when ctx ends,
// after which Done is closed.
func (a *OHLCAggregator) Start(ctx context.Context) {
	go func() {
		defer close(a.done)
		a.flushLoop(ctx)
	}()
	a.logger.Info("ohlc aggregator started", zap.Duration("interval", a.interval))
}

func (a *OHLCAggregator) Done() <-chan struct{} {
	return a.done
}

func barKey(externalID string, barTime time.Time) string {
	return fmt.Sprintf("%s:%s", externalID, barTime.Format(time.RFC3339))
}

func (a *OHLCAggregator) HandleTick(ctx context.Context, tick model.EquityTick) error {
	barTime := tick.Timestamp.Truncate(time.Minute)
	key := barKey(tick.ExternalID, barTime)

	a.mu.Lock()
	bar, ok := a.bars[key]
	if !ok {
		bar = model.NewBar(tick.ExternalID, tick.Timestamp, tick.Equity)
		a.bars[key] = bar
	} else {
		bar.Fold(tick.Equity)
	}

	// late tick for a finished minute: write through instead of waiting
	var late *model.Bar
	if a.now().Sub(bar.BarTime) >= time.Minute {
		cp := *bar
		late = &cp
		delete(a.bars, key)
	}
	a.mu.Unlock()

	if late != nil {
		return a.persist(ctx, *late)
	}
	return nil
}

func (a *OHLCAggregator) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			a.flushAll(shutdownCtx)
			cancel()
			return
		case <-ticker.C:
			a.Flush(ctx)
		}
	}
}

// Flush writes every bar whose minute ended at least a minute ago.
func (a *OHLCAggregator) Flush(ctx context.Context) int {
	return a.flushWhere(ctx, func(bar *model.Bar, now time.Time) bool {
		return now.Sub(bar.BarTime) >= time.Minute
	})
}

func (a *OHLCAggregator) flushAll(ctx context.Context) int {
	return a.flushWhere(ctx, func(*model.Bar, time.Time) bool { return true })
}

func (a *OHLCAggregator) flushWhere(ctx context.Context, done func(*model.Bar, time.Time) bool) int {
	a.mu.Lock()
	now := a.now()
	toFlush := make([]model.Bar, 0)
	for key, bar := range a.bars {
		if done(bar, now) {
			toFlush = append(toFlush, *bar)
			delete(a.bars, key)
		}
	}
	a.mu.Unlock()

	flushed := 0
	for _, bar := range toFlush {
		if err := a.persist(ctx, bar); err != nil {
			a.logger.Error("failed to persist bar",
				zap.String("account", bar.ExternalID),
				zap.Time("bar_time", bar.BarTime),
				zap.Error(err))
			continue
		}
		flushed++
	}
	if flushed > 0 {
		a.logger.Debug("flushed completed bars", zap.Int("count", flushed))
	}
	return flushed
}

func (a *OHLCAggregator) persist(ctx context.Context, bar model.Bar) error {
	if err := a.store.UpsertBar(ctx, bar); err != nil {
		return err
	}
	infrastructure.BarsFlushed.Inc()

	if err := a.store.RefreshDisplayProfit(ctx, bar.ExternalID); err != nil {
		a.logger.Warn("failed to refresh current profit", zap.String("account", bar.ExternalID), zap.Error(err))
	}

	if a.js != nil {
		data, _ := json.Marshal(bar)
		if _, err := a.js.Publish(infrastructure.BarSubject(bar.ExternalID), data); err != nil {
			a.logger.Warn("failed to publish bar", zap.String("account", bar.ExternalID), zap.Error(err))
		}
	}
	return nil
}

// Pending returns the number of bars held in memory.
func (a *OHLCAggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.bars)
}
