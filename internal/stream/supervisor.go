package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/VeilonTrading/veilon-trading/internal/infrastructure"
	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// State is the phase a stream task is in.
type State string

const (
	StateIdle      State = "idle"
	StateAttaching State = "attaching"
	StateConnected State = "connected"
	StateBackoff   State = "backoff"
)

var (
	errConnectTimeout = errors.New("no connected event")
	errStale          = errors.New("stream went stale")
	errDisconnected   = errors.New("stream disconnected")
)

// StreamStatus describes one supervised stream. Seq identifies the task, so
// a stream that was stopped and started again reports a new Seq.
type StreamStatus struct {
	ExternalID string        `json:"external_id"`
	Seq        uint64        `json:"seq"`
	State      State         `json:"state"`
	Failures   int           `json:"failures"`
	Backoff    time.Duration `json:"backoff"`
	StartedAt  time.Time     `json:"started_at"`
}

type task struct {
	externalID string
	seq        uint64
	cancel     context.CancelFunc
	done       chan struct{}

	// previous task for the same id, still exiting
	prev      <-chan struct{}
	startedAt time.Time

	mu       sync.Mutex
	state    State
	failures int
	backoff  time.Duration
}

func (t *task) set(state State, failures int) {
	t.mu.Lock()
	t.state = state
	t.failures = failures
	t.mu.Unlock()
}

func (t *task) backingOff(failures int, wait time.Duration) {
	t.mu.Lock()
	t.state = StateBackoff
	t.failures = failures
	t.backoff = wait
	t.mu.Unlock()
}

func (t *task) status() StreamStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return StreamStatus{
		ExternalID: t.externalID,
		Seq:        t.seq,
		State:      t.state,
		Failures:   t.failures,
		Backoff:    t.backoff,
		StartedAt:  t.startedAt,
	}
}

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdStop
	cmdList
)

type command struct {
	kind       cmdKind
	externalID string
	reply      chan bool
	list       chan []StreamStatus
}

// Supervisor keeps one stream task per external account id. Only its control
// goroutine touches the task table; everything else goes through commands.
type Supervisor struct {
	conns    *connHolder
	dispatch TickDispatcher
	logger   *zap.Logger
	opts     Options
	now      func() time.Time

	cmds    chan command
	tasks   map[string]*task
	exiting map[string]chan struct{}
	seq     uint64
	wg      sync.WaitGroup
}

func newSupervisor(conns *connHolder, dispatch TickDispatcher, logger *zap.Logger, opts Options) *Supervisor {
	return &Supervisor{
		conns:    conns,
		dispatch: dispatch,
		logger:   logger,
		opts:     opts,
		now:      time.Now,
		cmds:     make(chan command),
		tasks:    make(map[string]*task),
		exiting:  make(map[string]chan struct{}),
	}
}

func (s *Supervisor) loop(ctx context.Context, ready chan<- struct{}) {
	close(ready)
	for {
		select {
		case <-ctx.Done():
			for id, t := range s.tasks {
				t.cancel()
				delete(s.tasks, id)
				infrastructure.ActiveStreams.Dec()
			}
			return
		case cmd := <-s.cmds:
			switch cmd.kind {
			case cmdStart:
				cmd.reply <- s.start(ctx, cmd.externalID)
			case cmdStop:
				s.stop(cmd.externalID, cmd.reply)
			case cmdList:
				out := make([]StreamStatus, 0, len(s.tasks))
				for _, t := range s.tasks {
					out = append(out, t.status())
				}
				sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
				cmd.list <- out
			}
		}
	}
}

func (s *Supervisor) start(ctx context.Context, externalID string) bool {
	if _, ok := s.tasks[externalID]; ok {
		s.logger.Info("stream already running", zap.String("account", externalID))
		return false
	}

	taskCtx, cancel := context.WithCancel(ctx)
	s.seq++
	t := &task{
		externalID: externalID,
		seq:        s.seq,
		cancel:     cancel,
		done:       make(chan struct{}),
		prev:       s.exiting[externalID],
		startedAt:  s.now(),
		state:      StateIdle,
	}
	delete(s.exiting, externalID)
	s.tasks[externalID] = t
	infrastructure.ActiveStreams.Inc()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(t.done)
		s.run(taskCtx, t)
		if s.opts.OnStop != nil {
			s.opts.OnStop(externalID)
		}
	}()

	s.logger.Info("started stream", zap.String("account", externalID))
	return true
}

// stop cancels the task and replies once it has detached, or after the
// grace period.
func (s *Supervisor) stop(externalID string, reply chan bool) {
	t, ok := s.tasks[externalID]
	if !ok {
		s.logger.Info("no running stream", zap.String("account", externalID))
		reply <- false
		return
	}
	delete(s.tasks, externalID)
	infrastructure.ActiveStreams.Dec()
	t.cancel()

	for id, done := range s.exiting {
		select {
		case <-done:
			delete(s.exiting, id)
		default:
		}
	}
	s.exiting[externalID] = t.done

	go func() {
		select {
		case <-t.done:
		case <-time.After(s.opts.StopGrace):
			s.logger.Warn("stream task slow to exit", zap.String("account", externalID))
		}
		s.logger.Info("stream stopped", zap.String("account", externalID))
		reply <- true
	}()
}

func (s *Supervisor) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.BackoffInitial
	b.MaxInterval = s.opts.BackoffMax
	b.Multiplier = 2
	b.RandomizationFactor = s.opts.BackoffJitter
	b.Reset()
	return b
}

// run is the per-account loop: attach, watch, back off, and rebuild the
// shared connection after repeated failures. It returns only on cancel.
func (s *Supervisor) run(ctx context.Context, t *task) {
	log := s.logger.With(zap.String("account", t.externalID))

	// the previous task's OnStop must not land after this task's OnStart
	if t.prev != nil {
		select {
		case <-t.prev:
		case <-ctx.Done():
			return
		}
	}

	if s.opts.OnStart != nil {
		s.opts.OnStart(ctx, t.externalID)
	}

	bo := s.newBackoff()
	failures := 0

	for ctx.Err() == nil {
		conn, gen := s.conns.current()

		if failures >= s.opts.MaxFailures {
			log.Warn("consecutive stream failures, recreating connection", zap.Int("failures", failures))
			if err := s.conns.rebuild(gen); err != nil {
				log.Error("failed to recreate connection", zap.Error(err))
			}
			failures = 0
			bo.Reset()
			t.set(StateBackoff, failures)
			if !sleep(ctx, s.opts.RebuildPause) {
				return
			}
			conn, _ = s.conns.current()
		}

		t.set(StateAttaching, failures)
		healthy, err := s.session(ctx, t, conn, failures)
		if ctx.Err() != nil {
			return
		}
		if healthy {
			failures = 0
			bo.Reset()
		}
		failures++

		cause := causeOf(err)
		infrastructure.StreamFailures.WithLabelValues(cause).Inc()

		wait := bo.NextBackOff()
		log.Warn("stream failure, backing off",
			zap.String("cause", cause),
			zap.Int("failures", failures),
			zap.Duration("backoff", wait),
			zap.Error(err))

		t.backingOff(failures, wait)
		if !sleep(ctx, wait) {
			return
		}
	}
}

// session runs one attach and watchdog cycle. It reports whether any tick
// arrived, and why the cycle ended. The listener is always detached.
func (s *Supervisor) session(ctx context.Context, t *task, conn Connection, failures int) (healthy bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stream runner panic: %v", r)
		}
	}()

	l := newListener(ctx, t.externalID, s.dispatch, s.logger, s.now)

	attachCtx, cancel := context.WithTimeout(ctx, s.opts.AttachTimeout)
	listenerID, err := conn.Attach(attachCtx, l, t.externalID)
	cancel()
	if err != nil {
		return false, fmt.Errorf("attach: %w", err)
	}
	defer s.detach(conn, listenerID, t.externalID)

	s.logger.Info("listener attached", zap.String("account", t.externalID), zap.String("listener", listenerID))

	connectTimer := time.NewTimer(s.opts.ConnectTimeout)
	defer connectTimer.Stop()
	select {
	case <-l.connected:
	case <-l.disconnected:
		return false, errDisconnected
	case <-connectTimer.C:
		return false, errConnectTimeout
	case <-ctx.Done():
		return false, ctx.Err()
	}

	// grace period before the first tick is due
	l.touch()
	t.set(StateConnected, failures)

	watchdog := time.NewTicker(s.opts.WatchdogEvery)
	defer watchdog.Stop()
	for {
		select {
		case <-ctx.Done():
			return l.receivedTick(), ctx.Err()
		case <-l.disconnected:
			return l.receivedTick(), errDisconnected
		case <-watchdog.C:
			if since := l.sinceLastTick(); since > s.opts.StaleAfter {
				return l.receivedTick(), fmt.Errorf("%w: no tick for %s", errStale, since.Round(time.Second))
			}
		}
	}
}

// detach runs on every session exit, including cancellation, so the vendor
// never keeps a dangling listener.
func (s *Supervisor) detach(conn Connection, listenerID, externalID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.DetachTimeout)
	defer cancel()
	if err := conn.Detach(ctx, listenerID); err != nil {
		s.logger.Warn("failed to detach listener",
			zap.String("account", externalID), zap.String("listener", listenerID), zap.Error(err))
		return
	}
	s.logger.Debug("listener detached", zap.String("account", externalID), zap.String("listener", listenerID))
}

func causeOf(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "attach_timeout"
	case errors.Is(err, errConnectTimeout):
		return "connect_timeout"
	case errors.Is(err, errStale):
		return "stale"
	case errors.Is(err, errDisconnected):
		return "disconnected"
	default:
		return "error"
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
