package connector

import (
	"errors"
	"sync"

	"github.com/VeilonTrading/veilon-trading/internal/infrastructure"
	"go.uber.org/zap"
)

// maxQueuedFrames bounds how far one listener may fall behind before its
// equity frames are dropped. Connectivity frames are always queued.
const maxQueuedFrames = 4096

// frameDone is queued after a final disconnect; it never goes on the wire.
const frameDone = "done"

// subscriber delivers frames to one listener, in arrival order, from its
// own goroutine so a slow listener never holds up the shared read loop.
type subscriber struct {
	id       string
	listener EquityListener
	logger   *zap.Logger

	mu    sync.Mutex
	queue []frame
	wake  chan struct{}
	quit  chan struct{}
	once  sync.Once
}

func newSubscriber(id string, l EquityListener, logger *zap.Logger) *subscriber {
	s := &subscriber{
		id:       id,
		listener: l,
		logger:   logger,
		wake:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *subscriber) push(f frame) {
	s.mu.Lock()
	if f.Type == frameEquity && len(s.queue) >= maxQueuedFrames {
		s.mu.Unlock()
		infrastructure.EquityFramesDropped.Inc()
		s.logger.Warn("listener queue full, dropping equity frame", zap.String("listener", s.id))
		return
	}
	s.queue = append(s.queue, f)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// finish delivers a disconnect after everything already queued, then exits.
func (s *subscriber) finish() {
	s.push(frame{Type: frameDisconnected})
	s.push(frame{Type: frameDone})
}

// stop discards anything still queued.
func (s *subscriber) stop() {
	s.once.Do(func() { close(s.quit) })
}

func (s *subscriber) next() (frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return frame{}, false
	}
	f := s.queue[0]
	s.queue[0] = frame{}
	s.queue = s.queue[1:]
	return f, true
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.quit:
			return
		case <-s.wake:
		}
		for {
			f, ok := s.next()
			if !ok {
				break
			}
			if f.Type == frameDone {
				return
			}
			select {
			case <-s.quit:
				return
			default:
			}
			s.deliver(f)
		}
	}
}

func (s *subscriber) deliver(f frame) {
	switch f.Type {
	case frameEquity:
		s.listener.OnEquityOrBalanceUpdated(*f.Equity, *f.Balance)
	case frameConnected:
		s.listener.OnConnected()
	case frameDisconnected:
		s.listener.OnDisconnected()
	case frameError:
		s.listener.OnError(errors.New(f.Error))
	}
}
