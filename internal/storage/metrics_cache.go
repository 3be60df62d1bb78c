package storage

import (
	"context"
	"fmt"

	"github.com/VeilonTrading/veilon-trading/internal/model"
)

// UpsertMetrics overwrites the display cache row. period_start and
// first_equity are only written when the row is created.
func (s *Store) UpsertMetrics(ctx context.Context, m model.MetricsSnapshot) error {
	err := s.exec(ctx, "account_metrics_cache", `
		INSERT INTO account_metrics_cache (
			metaapi_account_id, period_start, first_equity, current_equity,
			peak_equity, trough_equity, current_gain_pct, peak_gain_pct,
			trough_gain_pct, current_drawdown_pct, last_updated
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (metaapi_account_id) DO UPDATE SET
			current_equity = EXCLUDED.current_equity,
			peak_equity = EXCLUDED.peak_equity,
			trough_equity = EXCLUDED.trough_equity,
			current_gain_pct = EXCLUDED.current_gain_pct,
			peak_gain_pct = EXCLUDED.peak_gain_pct,
			trough_gain_pct = EXCLUDED.trough_gain_pct,
			current_drawdown_pct = EXCLUDED.current_drawdown_pct,
			last_updated = EXCLUDED.last_updated`,
		m.ExternalID, m.PeriodStart, m.FirstEquity, m.CurrentEquity,
		m.PeakEquity, m.TroughEquity, m.CurrentGainPct, m.PeakGainPct,
		m.TroughGainPct, m.CurrentDrawdownPct, m.LastUpdated)
	if err != nil {
		return fmt.Errorf("upsert metrics cache: %w", err)
	}
	return nil
}

func (s *Store) GetMetrics(ctx context.Context, externalID string) (model.MetricsSnapshot, error) {
	m := model.MetricsSnapshot{ExternalID: externalID}
	err := s.db.QueryRow(ctx, `
		SELECT period_start, first_equity, current_equity, peak_equity, trough_equity,
			current_gain_pct, peak_gain_pct, trough_gain_pct, current_drawdown_pct, last_updated
		FROM account_metrics_cache
		WHERE metaapi_account_id = $1`,
		externalID).Scan(&m.PeriodStart, &m.FirstEquity, &m.CurrentEquity, &m.PeakEquity, &m.TroughEquity,
		&m.CurrentGainPct, &m.PeakGainPct, &m.TroughGainPct, &m.CurrentDrawdownPct, &m.LastUpdated)
	if err != nil {
		return model.MetricsSnapshot{}, notFound(err)
	}
	return m, nil
}
