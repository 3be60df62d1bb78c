package model

import "time"

const (
	EventEvaluationPassed   = "evaluation_passed"
	EventProfitCapHit       = "profit_cap_hit"
	EventEvaluationFailed   = "evaluation_failed"
	EventEvaluationStarted  = "evaluation_started"
	EventFundedStarted      = "funded_stage_started"
	EventPositionsClosed    = "positions_closed"
	EventDeploymentBlocked  = "deployment_blocked"
	EventAccountDeployed    = "account_deployed"
	EventAccountConnected   = "account_connected"
	EventDeploymentFailed   = "deployment_failed"
	EventWithdrawalComplete = "withdrawal_processed"
)

const (
	EventStatusCompleted = "completed"
	EventStatusFailed    = "failed"

	ActorSystem = "system"
	ActorUser   = "user"
)

// AccountEvent is an append-only audit row.
type AccountEvent struct {
	AccountID   int64                  `json:"account_id" db:"account_id"`
	EventType   string                 `json:"event_type" db:"event_type"`
	EventStatus string                 `json:"event_status" db:"event_status"`
	ActorType   string                 `json:"actor_type" db:"actor_type"`
	ActorID     string                 `json:"actor_id,omitempty" db:"actor_id"`
	Payload     map[string]interface{} `json:"payload" db:"payload"`
	CreatedAt   time.Time              `json:"created_at" db:"created_at"`
}

// SystemEvent builds a completed event attributed to the system actor.
func SystemEvent(accountID int64, eventType string, payload map[string]interface{}) AccountEvent {
	return AccountEvent{
		AccountID:   accountID,
		EventType:   eventType,
		EventStatus: EventStatusCompleted,
		ActorType:   ActorSystem,
		Payload:     payload,
	}
}
