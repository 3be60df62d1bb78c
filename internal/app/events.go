package app

import (
	"context"
	"encoding/json"
	"time"

	"github.com/VeilonTrading/veilon-trading/internal/infrastructure"
	"github.com/VeilonTrading/veilon-trading/internal/model"
	"github.com/VeilonTrading/veilon-trading/internal/storage"
	"go.uber.org/zap"
)

// eventStore is the storage layer with account events mirrored onto NATS
// after they are written, so dashboards can react without polling.
type eventStore struct {
	*storage.Store
	js     infrastructure.Publisher
	logger *zap.Logger
	now    func() time.Time
}

func newEventStore(store *storage.Store, js infrastructure.Publisher, logger *zap.Logger) *eventStore {
	return &eventStore{Store: store, js: js, logger: logger, now: time.Now}
}

func (s *eventStore) LogEvent(ctx context.Context, ev model.AccountEvent) error {
	if err := s.Store.LogEvent(ctx, ev); err != nil {
		return err
	}
	if s.js == nil {
		return nil
	}

	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("failed to marshal account event", zap.Error(err))
		return nil
	}
	// the row is the record; a failed publish only costs a live update
	if _, err := s.js.Publish(infrastructure.EventSubject(ev.AccountID), data); err != nil {
		s.logger.Warn("failed to publish account event",
			zap.Int64("account_id", ev.AccountID),
			zap.String("event_type", ev.EventType),
			zap.Error(err))
	}
	return nil
}
