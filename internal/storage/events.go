package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/VeilonTrading/veilon-trading/internal/model"
)

func (s *Store) LogEvent(ctx context.Context, ev model.AccountEvent) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	var actorID *string
	if ev.ActorID != "" {
		actorID = &ev.ActorID
	}
	err = s.exec(ctx, "account_events", `
		INSERT INTO account_events (account_id, event_type, event_status, actor_type, actor_id, payload)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.AccountID, ev.EventType, ev.EventStatus, ev.ActorType, actorID, payload)
	if err != nil {
		return fmt.Errorf("log account event: %w", err)
	}
	return nil
}
