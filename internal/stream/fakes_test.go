package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/VeilonTrading/veilon-trading/internal/connector"
	"github.com/VeilonTrading/veilon-trading/internal/model"
	"github.com/shopspring/decimal"
)

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (e *eventLog) add(format string, args ...interface{}) {
	e.mu.Lock()
	e.events = append(e.events, fmt.Sprintf(format, args...))
	e.mu.Unlock()
}

func (e *eventLog) snapshot() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.events...)
}

func (e *eventLog) count(prefix string) int {
	n := 0
	for _, ev := range e.snapshot() {
		if strings.HasPrefix(ev, prefix) {
			n++
		}
	}
	return n
}

// behaviour decides what an Attach does with the listener.
type behaviour func(l connector.EquityListener) error

func failAttach(connector.EquityListener) error { return errors.New("vendor unavailable") }

func connectOnly(l connector.EquityListener) error {
	l.OnConnected()
	return nil
}

func connectAndTick(l connector.EquityListener) error {
	l.OnConnected()
	go l.OnEquityOrBalanceUpdated(decimal.NewFromInt(10050), decimal.NewFromInt(10000))
	return nil
}

type fakeConn struct {
	gen    int
	log    *eventLog
	attach behaviour

	mu   sync.Mutex
	next int
}

func (c *fakeConn) Attach(ctx context.Context, l connector.EquityListener, externalID string) (string, error) {
	c.mu.Lock()
	c.next++
	id := fmt.Sprintf("%d-%d", c.gen, c.next)
	c.mu.Unlock()

	c.log.add("attach %s gen=%d", externalID, c.gen)
	if err := c.attach(l); err != nil {
		return "", err
	}
	return id, nil
}

func (c *fakeConn) Detach(ctx context.Context, listenerID string) error {
	c.log.add("detach %s", listenerID)
	return nil
}

func (c *fakeConn) Close() error {
	c.log.add("close gen=%d", c.gen)
	return nil
}

func fakeFactory(log *eventLog, attach behaviour) ConnectionFactory {
	var mu sync.Mutex
	gen := 0
	return func() (Connection, error) {
		mu.Lock()
		defer mu.Unlock()
		gen++
		log.add("build gen=%d", gen)
		return &fakeConn{gen: gen, log: log, attach: attach}, nil
	}
}

type recordingDispatcher struct {
	mu    sync.Mutex
	ticks []model.EquityTick
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, tick model.EquityTick) {
	d.mu.Lock()
	d.ticks = append(d.ticks, tick)
	d.mu.Unlock()
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.ticks)
}

func fastOptions() Options {
	return Options{
		AttachTimeout:  50 * time.Millisecond,
		ConnectTimeout: 50 * time.Millisecond,
		StaleAfter:     time.Hour,
		WatchdogEvery:  5 * time.Millisecond,
		BackoffInitial: time.Millisecond,
		BackoffMax:     5 * time.Millisecond,
		RebuildPause:   time.Millisecond,
		DetachTimeout:  50 * time.Millisecond,
		StartTimeout:   time.Second,
		StopTimeout:    time.Second,
		StopGrace:      500 * time.Millisecond,
	}
}
