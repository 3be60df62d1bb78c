package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrTimeout means the control loop did not answer in time.
	ErrTimeout = errors.New("stream control timed out")
	// ErrClosed means the service has shut down.
	ErrClosed = errors.New("stream service closed")
)

// Service is the facade the rest of the platform uses to start and stop
// account streams. It is safe for concurrent use.
type Service struct {
	sup    *Supervisor
	conns  *connHolder
	opts   Options
	logger *zap.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
}

// NewService builds the shared connection and starts the control loop.
func NewService(factory ConnectionFactory, dispatch TickDispatcher, logger *zap.Logger, opts Options) (*Service, error) {
	opts = opts.withDefaults()

	conns, err := newConnHolder(factory, logger)
	if err != nil {
		return nil, fmt.Errorf("create stream connection: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		sup:      newSupervisor(conns, dispatch, logger, opts),
		conns:    conns,
		opts:     opts,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		loopDone: make(chan struct{}),
	}

	ready := make(chan struct{})
	go func() {
		defer close(s.loopDone)
		s.sup.loop(ctx, ready)
	}()

	select {
	case <-ready:
	case <-time.After(opts.ReadyTimeout):
		cancel()
		_ = conns.close()
		return nil, fmt.Errorf("stream control loop: %w", ErrTimeout)
	}

	logger.Info("stream service ready")
	return s, nil
}

// StartStream begins supervising externalID. It returns false when a stream
// for that account is already running.
func (s *Service) StartStream(ctx context.Context, externalID string) (bool, error) {
	return s.send(ctx, cmdStart, externalID, s.opts.StartTimeout)
}

// StopStream cancels the stream for externalID and waits for it to detach.
// It returns false when no such stream exists.
func (s *Service) StopStream(ctx context.Context, externalID string) (bool, error) {
	return s.send(ctx, cmdStop, externalID, s.opts.StopTimeout)
}

func (s *Service) send(ctx context.Context, kind cmdKind, externalID string, timeout time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reply := make(chan bool, 1)
	select {
	case s.sup.cmds <- command{kind: kind, externalID: externalID, reply: reply}:
	case <-s.ctx.Done():
		return false, ErrClosed
	case <-ctx.Done():
		return false, ErrTimeout
	}

	select {
	case ok := <-reply:
		return ok, nil
	case <-ctx.Done():
		return false, ErrTimeout
	}
}

// Streams lists the supervised streams and their current state.
func (s *Service) Streams(ctx context.Context) ([]StreamStatus, error) {
	list := make(chan []StreamStatus, 1)
	select {
	case s.sup.cmds <- command{kind: cmdList, list: list}:
	case <-s.ctx.Done():
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ErrTimeout
	}
	select {
	case out := <-list:
		return out, nil
	case <-ctx.Done():
		return nil, ErrTimeout
	}
}

// StreamIDs returns the external ids currently supervised.
func (s *Service) StreamIDs(ctx context.Context) ([]string, error) {
	streams, err := s.Streams(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(streams))
	for _, st := range streams {
		ids = append(ids, st.ExternalID)
	}
	return ids, nil
}

// Close cancels every stream, waits for them to detach and releases the
// vendor connection.
func (s *Service) Close() error {
	s.cancel()
	<-s.loopDone

	done := make(chan struct{})
	go func() {
		s.sup.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.opts.StopGrace):
		s.logger.Warn("stream tasks still running at shutdown")
	}

	s.logger.Info("stream service closed")
	return s.conns.close()
}
