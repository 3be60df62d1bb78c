package stream

import (
	"context"
	"sync"
	"time"

	"github.com/VeilonTrading/veilon-trading/internal/model"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TickDispatcher forwards one sample to the processing pipeline. It must
// handle its own failures.
type TickDispatcher interface {
	Dispatch(ctx context.Context, tick model.EquityTick)
}

// listener receives vendor callbacks for one attach attempt.
type listener struct {
	ctx        context.Context
	externalID string
	dispatch   TickDispatcher
	logger     *zap.Logger
	now        func() time.Time

	mu       sync.Mutex
	lastTick time.Time
	ticked   bool

	connectedOnce    sync.Once
	disconnectedOnce sync.Once
	connected        chan struct{}
	disconnected     chan struct{}
}

func newListener(ctx context.Context, externalID string, dispatch TickDispatcher, logger *zap.Logger, now func() time.Time) *listener {
	return &listener{
		ctx:          ctx,
		externalID:   externalID,
		dispatch:     dispatch,
		logger:       logger,
		now:          now,
		connected:    make(chan struct{}),
		disconnected: make(chan struct{}),
	}
}

// OnEquityOrBalanceUpdated processes the sample before returning so ticks
// for one account stay ordered.
func (l *listener) OnEquityOrBalanceUpdated(equity, balance decimal.Decimal) {
	ts := l.now().UTC()
	l.mu.Lock()
	l.lastTick = ts
	l.ticked = true
	l.mu.Unlock()

	l.dispatch.Dispatch(l.ctx, model.EquityTick{
		ExternalID: l.externalID,
		Equity:     equity,
		Balance:    balance,
		Timestamp:  ts,
	})
}

func (l *listener) OnConnected() {
	l.logger.Info("stream connected", zap.String("account", l.externalID))
	l.connectedOnce.Do(func() { close(l.connected) })
}

func (l *listener) OnDisconnected() {
	l.logger.Warn("stream disconnected", zap.String("account", l.externalID))
	l.disconnectedOnce.Do(func() { close(l.disconnected) })
}

func (l *listener) OnError(err error) {
	l.logger.Error("stream error", zap.String("account", l.externalID), zap.Error(err))
}

// touch resets the staleness clock without counting as a tick.
func (l *listener) touch() {
	l.mu.Lock()
	l.lastTick = l.now()
	l.mu.Unlock()
}

func (l *listener) sinceLastTick() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.now().Sub(l.lastTick)
}

func (l *listener) receivedTick() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ticked
}
