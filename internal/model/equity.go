package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// EquityTick is one equity/balance sample pushed by the brokerage stream.
type EquityTick struct {
	ExternalID string          `json:"account" db:"metaapi_account_id"`
	Equity     decimal.Decimal `json:"equity" db:"equity"`
	Balance    decimal.Decimal `json:"balance" db:"balance"`
	Timestamp  time.Time       `json:"ts" db:"ts"`
}

// Bar is a 1-minute equity OHLC candle keyed by (account, bar_time).
type Bar struct {
	ExternalID string          `json:"account" db:"metaapi_account_id"`
	BarTime    time.Time       `json:"t" db:"bar_time"`
	Open       decimal.Decimal `json:"o" db:"open"`
	High       decimal.Decimal `json:"h" db:"high"`
	Low        decimal.Decimal `json:"l" db:"low"`
	Close      decimal.Decimal `json:"c" db:"close"`
}

// NewBar opens a bar at the minute floor of ts.
func NewBar(externalID string, ts time.Time, v decimal.Decimal) *Bar {
	return &Bar{
		ExternalID: externalID,
		BarTime:    ts.Truncate(time.Minute),
		Open:       v,
		High:       v,
		Low:        v,
		Close:      v,
	}
}

// Fold applies a later tick value to the bar.
func (b *Bar) Fold(v decimal.Decimal) {
	if v.GreaterThan(b.High) {
		b.High = v
	}
	if v.LessThan(b.Low) {
		b.Low = v
	}
	b.Close = v
}

// MetricsSnapshot is the per-account display cache maintained from ticks.
// It is best-effort and may lag or diverge from the bar-derived figures the
// rule engine decides on.
type MetricsSnapshot struct {
	ExternalID         string          `json:"account" db:"metaapi_account_id"`
	PeriodStart        time.Time       `json:"period_start" db:"period_start"`
	FirstEquity        decimal.Decimal `json:"first_equity" db:"first_equity"`
	CurrentEquity      decimal.Decimal `json:"current_equity" db:"current_equity"`
	PeakEquity         decimal.Decimal `json:"peak_equity" db:"peak_equity"`
	TroughEquity       decimal.Decimal `json:"trough_equity" db:"trough_equity"`
	CurrentGainPct     float64         `json:"current_gain_pct" db:"current_gain_pct"`
	PeakGainPct        float64         `json:"peak_gain_pct" db:"peak_gain_pct"`
	TroughGainPct      float64         `json:"trough_gain_pct" db:"trough_gain_pct"`
	CurrentDrawdownPct float64         `json:"current_drawdown_pct" db:"current_drawdown_pct"`
	LastUpdated        time.Time       `json:"last_updated" db:"last_updated"`
}

// Position is an open trade reported by the brokerage.
type Position struct {
	ID        string          `json:"id"`
	Symbol    string          `json:"symbol"`
	Type      string          `json:"type"`
	Volume    float64         `json:"volume"`
	OpenPrice decimal.Decimal `json:"openPrice"`
	Profit    decimal.Decimal `json:"profit"`
}
