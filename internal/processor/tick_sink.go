package processor

import (
	"context"
	"encoding/json"

	"github.com/VeilonTrading/veilon-trading/internal/infrastructure"
	"github.com/VeilonTrading/veilon-trading/internal/model"
	"go.uber.org/zap"
)

type TickStore interface {
	InsertTick(ctx context.Context, tick model.EquityTick) error
}

// TickSink appends raw samples and mirrors them onto NATS.
type TickSink struct {
	store  TickStore
	js     infrastructure.Publisher
	logger *zap.Logger
}

func NewTickSink(store TickStore, js infrastructure.Publisher, logger *zap.Logger) *TickSink {
	return &TickSink{store: store, js: js, logger: logger}
}

func (s *TickSink) HandleTick(ctx context.Context, tick model.EquityTick) error {
	if err := s.store.InsertTick(ctx, tick); err != nil {
		return err
	}
	if s.js != nil {
		data, _ := json.Marshal(tick)
		if _, err := s.js.Publish(infrastructure.TickSubject(tick.ExternalID), data); err != nil {
			s.logger.Warn("failed to publish tick", zap.String("account", tick.ExternalID), zap.Error(err))
		}
	}
	return nil
}
