package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type AccountStatus string

const (
	StatusPendingSetup       AccountStatus = "pending_setup"
	StatusPendingStart       AccountStatus = "pending_start"
	StatusActive             AccountStatus = "active"
	StatusPassed             AccountStatus = "passed"
	StatusAwaitingWithdrawal AccountStatus = "awaiting_withdrawal"
	StatusFailed             AccountStatus = "failed"
)

type PeriodType string

const (
	PeriodPhase1 PeriodType = "phase_1"
	PeriodFunded PeriodType = "funded"
)

type PeriodStatus string

const (
	PeriodActive    PeriodStatus = "active"
	PeriodCompleted PeriodStatus = "completed"
	PeriodFailed    PeriodStatus = "failed"
)

// End reasons written to trading_periods.end_reason.
const (
	EndProfitTargetHit = "profit_target_hit"
	EndProfitCapHit    = "profit_cap_hit"
	EndDrawdownBreach  = "drawdown_breach"
)

// Account is a brokerage-connected evaluation slot.
type Account struct {
	ID            int64           `json:"id" db:"id"`
	ExternalID    string          `json:"metaapi_account_id" db:"metaapi_account_id"`
	UserID        int64           `json:"user_id" db:"user_id"`
	PlanID        int64           `json:"plan_id" db:"plan_id"`
	Balance       decimal.Decimal `json:"balance" db:"balance"`
	Status        AccountStatus   `json:"status" db:"status"`
	Phase         string          `json:"phase" db:"phase"`
	IsEnabled     bool            `json:"is_enabled" db:"is_enabled"`
	InReview      bool            `json:"in_review" db:"in_review"`
	Login         string          `json:"login" db:"login"`
	Server        string          `json:"server" db:"server"`
	Platform      string          `json:"platform" db:"platform"`
	CurrentProfit decimal.Decimal `json:"current_profit" db:"current_profit"`
	PassedAt      *time.Time      `json:"passed_at,omitempty" db:"passed_at"`
	FundedAt      *time.Time      `json:"funded_at,omitempty" db:"funded_at"`
	ClosedAt      *time.Time      `json:"closed_at,omitempty" db:"closed_at"`
}

// TradingPeriod is one evaluation or funded attempt.
type TradingPeriod struct {
	ID         int64        `json:"trading_period_id" db:"trading_period_id"`
	AccountID  int64        `json:"account_id" db:"account_id"`
	ExternalID string       `json:"metaapi_account_id" db:"metaapi_account_id"`
	Type       PeriodType   `json:"period_type" db:"period_type"`
	StartTime  time.Time    `json:"start_time" db:"start_time"`
	EndTime    *time.Time   `json:"end_time,omitempty" db:"end_time"`
	Status     PeriodStatus `json:"status" db:"status"`
	EndReason  string       `json:"end_reason,omitempty" db:"end_reason"`
}

// PlanThresholds holds the rule limits of one plan phase. Percentages are
// fractions (0.10 means 10%).
type PlanThresholds struct {
	PlanID           int64   `json:"plan_id" db:"plan_id"`
	Name             string  `json:"name" db:"name"`
	PhaseType        string  `json:"phase_type" db:"phase_type"`
	ProfitTargetPct  float64 `json:"profit_target_pct" db:"profit_target_pct"`
	MaxDrawdownPct   float64 `json:"max_drawdown_pct" db:"max_drawdown_pct"`
	DailyDrawdownPct float64 `json:"daily_drawdown_pct" db:"daily_drawdown_pct"`
	TimeLimitDays    int     `json:"time_limit_days" db:"time_limit_days"`
	MinTradingDays   int     `json:"min_trading_days" db:"min_trading_days"`
	ProfitSplitPct   float64 `json:"profit_split_pct" db:"profit_split_pct"`
}

// ActiveEvaluation is an enabled active account joined with its open period
// and the thresholds of the matching plan phase.
type ActiveEvaluation struct {
	AccountID  int64
	ExternalID string
	Status     AccountStatus
	Phase      string
	PeriodID   int64
	PeriodType PeriodType
	StartTime  time.Time
	Plan       PlanThresholds
}

// DeploymentInfo is written to the account row after a successful deploy.
type DeploymentInfo struct {
	ExternalID string
	Platform   string
	Broker     string
	Login      string
	Server     string
	Leverage   int
}
