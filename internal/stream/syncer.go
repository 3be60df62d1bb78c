package stream

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/VeilonTrading/veilon-trading/internal/infrastructure"
	"github.com/VeilonTrading/veilon-trading/internal/storage"
	"go.uber.org/zap"
)

// SyncStore is the slice of storage the syncer reads.
type SyncStore interface {
	ExternalIDsNeedingStream(ctx context.Context) ([]string, error)
	ExternalIDsNotNeedingStream(ctx context.Context, ids []string) ([]string, error)
	LastTickAt(ctx context.Context, externalID string) (time.Time, error)
}

// Controller is what the syncer drives; *Service satisfies it.
type Controller interface {
	StartStream(ctx context.Context, externalID string) (bool, error)
	StopStream(ctx context.Context, externalID string) (bool, error)
	StreamIDs(ctx context.Context) ([]string, error)
	Streams(ctx context.Context) ([]StreamStatus, error)
}

// Syncer reconciles running streams with what the store says is needed.
// Sync is not safe for concurrent use; Run calls it from one goroutine.
type Syncer struct {
	store          SyncStore
	streams        Controller
	logger         *zap.Logger
	interval       time.Duration
	healthInterval time.Duration
	staleWindow    time.Duration
	now            func() time.Time

	// stream seq per external id this syncer is responsible for stopping
	owned map[string]uint64
}

func NewSyncer(store SyncStore, streams Controller, logger *zap.Logger, interval, healthInterval time.Duration) *Syncer {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if healthInterval <= 0 {
		healthInterval = 60 * time.Second
	}
	return &Syncer{
		store:          store,
		streams:        streams,
		logger:         logger,
		interval:       interval,
		healthInterval: healthInterval,
		staleWindow:    5 * time.Minute,
		now:            time.Now,
		owned:          make(map[string]uint64),
	}
}

// Run blocks until ctx is cancelled, then stops every tracked stream.
func (s *Syncer) Run(ctx context.Context) {
	s.logger.Info("stream syncer started",
		zap.Duration("interval", s.interval), zap.Duration("health_interval", s.healthInterval))

	s.Sync(ctx)

	syncTicker := time.NewTicker(s.interval)
	defer syncTicker.Stop()
	healthTicker := time.NewTicker(s.healthInterval)
	defer healthTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			return
		case <-syncTicker.C:
			s.Sync(ctx)
		case <-healthTicker.C:
			s.HealthCheck(ctx)
		}
	}
}

// Sync runs one reconciliation pass. It only stops streams it owns: the
// ones it started, plus running streams a needed account adopted. Streams
// opened elsewhere, such as a pre-start data check, are left alone until an
// account needs them.
func (s *Syncer) Sync(ctx context.Context) {
	needed, err := s.store.ExternalIDsNeedingStream(ctx)
	if err != nil {
		s.logger.Error("failed to load accounts needing streams", zap.Error(err))
		return
	}
	running, err := s.runningSeqs(ctx)
	if err != nil {
		s.logger.Error("failed to list streams", zap.Error(err))
		return
	}

	neededSet := make(map[string]struct{}, len(needed))
	for _, id := range needed {
		neededSet[id] = struct{}{}
	}

	started := 0
	for _, id := range needed {
		if _, ok := running[id]; ok {
			continue
		}
		if _, err := s.streams.StartStream(ctx, id); err != nil {
			s.logger.Error("failed to start stream", zap.String("account", id), zap.Error(err))
			continue
		}
		started++
		s.logger.Info("sync started stream", zap.String("account", id))
	}
	if started > 0 {
		if running, err = s.runningSeqs(ctx); err != nil {
			s.logger.Error("failed to list streams", zap.Error(err))
			return
		}
	}

	for id, seq := range running {
		if _, ok := neededSet[id]; ok {
			s.owned[id] = seq
		}
	}

	var surplus []string
	for id, seq := range s.owned {
		// stopped or restarted by someone else since we took it
		if cur, ok := running[id]; !ok || cur != seq {
			delete(s.owned, id)
			continue
		}
		if _, ok := neededSet[id]; !ok {
			surplus = append(surplus, id)
		}
	}
	if len(surplus) == 0 {
		return
	}
	sort.Strings(surplus)

	// known ids whose accounts all went inactive; anything else is orphaned
	inactive := map[string]struct{}{}
	if ids, err := s.store.ExternalIDsNotNeedingStream(ctx, surplus); err != nil {
		s.logger.Warn("failed to classify surplus streams", zap.Error(err))
	} else {
		for _, id := range ids {
			inactive[id] = struct{}{}
		}
	}

	for _, id := range surplus {
		reason := "orphaned"
		if _, ok := inactive[id]; ok {
			reason = "no longer needed"
		}
		if _, err := s.streams.StopStream(ctx, id); err != nil {
			s.logger.Error("failed to stop stream", zap.String("account", id), zap.Error(err))
			continue
		}
		delete(s.owned, id)
		s.logger.Info("sync stopped stream", zap.String("account", id), zap.String("reason", reason))
	}
}

func (s *Syncer) runningSeqs(ctx context.Context) (map[string]uint64, error) {
	streams, err := s.streams.Streams(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]uint64, len(streams))
	for _, st := range streams {
		out[st.ExternalID] = st.Seq
	}
	return out, nil
}

// HealthCheck warns about tracked streams with no recent tick.
func (s *Syncer) HealthCheck(ctx context.Context) int {
	tracked, err := s.streams.StreamIDs(ctx)
	if err != nil {
		s.logger.Error("failed to list streams", zap.Error(err))
		return 0
	}

	stale := 0
	cutoff := s.now().Add(-s.staleWindow)
	for _, id := range tracked {
		last, err := s.store.LastTickAt(ctx, id)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("failed to read last tick", zap.String("account", id), zap.Error(err))
			continue
		}
		if last.IsZero() || last.Before(cutoff) {
			stale++
			s.logger.Warn("no recent ticks",
				zap.String("account", id), zap.Time("last_tick", last), zap.Duration("window", s.staleWindow))
		}
	}
	infrastructure.StaleStreams.Set(float64(stale))
	return stale
}

func (s *Syncer) stopAll() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tracked, err := s.streams.StreamIDs(ctx)
	if err != nil {
		if !errors.Is(err, ErrClosed) {
			s.logger.Error("failed to list streams at shutdown", zap.Error(err))
		}
		return
	}
	for _, id := range tracked {
		if _, err := s.streams.StopStream(ctx, id); err != nil {
			s.logger.Warn("failed to stop stream at shutdown", zap.String("account", id), zap.Error(err))
		}
	}
	s.logger.Info("stream syncer stopped", zap.Int("streams", len(tracked)))
}
