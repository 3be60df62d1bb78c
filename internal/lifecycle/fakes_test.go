package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/VeilonTrading/veilon-trading/internal/connector"
	"github.com/VeilonTrading/veilon-trading/internal/model"
	"github.com/VeilonTrading/veilon-trading/internal/storage"
)

type fakeStore struct {
	mu sync.Mutex

	accounts     map[int64]model.Account
	statusByExt  map[string]model.AccountStatus
	tick         *model.EquityTick
	tickAfter    int // HasTickSince turns true on this call
	tickCalls    int
	periods      []model.PeriodType
	endedReasons []string
	events       []model.AccountEvent
	loginTaken   bool
	deployments  map[int64]model.DeploymentInfo
	createErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		accounts: map[int64]model.Account{
			1: {ID: 1, UserID: 7, Status: model.StatusPendingStart},
		},
		statusByExt: map[string]model.AccountStatus{},
		deployments: map[int64]model.DeploymentInfo{},
	}
}

func (s *fakeStore) GetAccount(ctx context.Context, id int64) (model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return model.Account{}, storage.ErrNotFound
	}
	return a, nil
}

func (s *fakeStore) SetStatus(ctx context.Context, id int64, status model.AccountStatus, phase string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.accounts[id]
	a.Status = status
	if phase != "" {
		a.Phase = phase
	}
	s.accounts[id] = a
	return nil
}

func (s *fakeStore) SetStatusByExternalID(ctx context.Context, ext string, status model.AccountStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusByExt[ext] = status
	return nil
}

func (s *fakeStore) HasTickSince(ctx context.Context, ext string, since time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickCalls++
	return s.tick != nil && s.tickCalls >= s.tickAfter, nil
}

func (s *fakeStore) LatestTickSince(ctx context.Context, ext string, since time.Time) (model.EquityTick, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tick == nil {
		return model.EquityTick{}, storage.ErrNotFound
	}
	return *s.tick, nil
}

func (s *fakeStore) CreatePeriod(ctx context.Context, accountID int64, ext string, pt model.PeriodType) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return 0, s.createErr
	}
	s.periods = append(s.periods, pt)
	return int64(len(s.periods)), nil
}

func (s *fakeStore) EndActivePeriod(ctx context.Context, ext, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endedReasons = append(s.endedReasons, reason)
	return nil
}

func (s *fakeStore) LoginOwnedByOtherUser(ctx context.Context, login string, userID int64) (bool, error) {
	return s.loginTaken, nil
}

func (s *fakeStore) SaveDeployment(ctx context.Context, id int64, info model.DeploymentInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deployments[id] = info
	return nil
}

func (s *fakeStore) LogEvent(ctx context.Context, ev model.AccountEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *fakeStore) eventTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.EventType)
	}
	return out
}

type fakeStreams struct {
	mu       sync.Mutex
	running  map[string]bool
	startErr error
	stops    int
}

func newFakeStreams() *fakeStreams { return &fakeStreams{running: map[string]bool{}} }

func (f *fakeStreams) StartStream(ctx context.Context, ext string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return false, f.startErr
	}
	if f.running[ext] {
		return false, nil
	}
	f.running[ext] = true
	return true, nil
}

func (f *fakeStreams) StopStream(ctx context.Context, ext string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	was := f.running[ext]
	delete(f.running, ext)
	return was, nil
}

type fakeBroker struct {
	result    connector.DeployResult
	deployErr error
	close     connector.CloseResult
	closeErr  error
	deployed  []connector.DeployRequest
}

func (b *fakeBroker) Deploy(ctx context.Context, req connector.DeployRequest) (connector.DeployResult, error) {
	b.deployed = append(b.deployed, req)
	return b.result, b.deployErr
}

func (b *fakeBroker) CloseAllPositions(ctx context.Context, ext string) (connector.CloseResult, error) {
	return b.close, b.closeErr
}

var errBoom = errors.New("boom")

func noSleep(ctx context.Context, d time.Duration) bool { return ctx.Err() == nil }

func newTestManager(store *fakeStore, streams *fakeStreams, broker *fakeBroker) *Manager {
	m := NewManager(store, streams, broker, zapNop(), Options{PollAttempts: 5})
	m.sleep = noSleep
	return m
}
