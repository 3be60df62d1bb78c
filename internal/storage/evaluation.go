package storage

import (
	"context"
	"fmt"

	"github.com/VeilonTrading/veilon-trading/internal/model"
)

// ActiveEvaluations lists every enabled, active account with an open period,
// joined to the plan row of the matching phase.
func (s *Store) ActiveEvaluations(ctx context.Context) ([]model.ActiveEvaluation, error) {
	rows, err := s.db.Query(ctx, `
		SELECT
			a.id, a.metaapi_account_id, a.status, COALESCE(a.phase, ''), a.plan_id,
			tp.trading_period_id, tp.period_type, tp.start_time,
			COALESCE(ps.name, ''), COALESCE(ps.phase_type, ''),
			ps.profit_target_pct::float8, ps.max_drawdown_pct::float8,
			COALESCE(ps.daily_drawdown_pct, 0)::float8,
			COALESCE(ps.time_limit_days, 0), COALESCE(ps.min_trading_days, 0),
			COALESCE(ps.profit_split_pct, 0)::float8
		FROM accounts a
		JOIN trading_periods tp ON tp.metaapi_account_id = a.metaapi_account_id
		JOIN plan_specifications ps ON ps.plan_id = a.plan_id
			AND (
				(tp.period_type = 'phase_1' AND ps.phase_number = 1)
				OR (tp.period_type = 'funded' AND ps.phase_type = 'funded')
			)
		WHERE a.status = 'active'
		AND a.is_enabled = TRUE
		AND tp.status = 'active'
		AND tp.end_time IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("query active evaluations: %w", err)
	}
	defer rows.Close()

	out := make([]model.ActiveEvaluation, 0)
	for rows.Next() {
		var e model.ActiveEvaluation
		if err := rows.Scan(
			&e.AccountID, &e.ExternalID, &e.Status, &e.Phase, &e.Plan.PlanID,
			&e.PeriodID, &e.PeriodType, &e.StartTime,
			&e.Plan.Name, &e.Plan.PhaseType,
			&e.Plan.ProfitTargetPct, &e.Plan.MaxDrawdownPct, &e.Plan.DailyDrawdownPct,
			&e.Plan.TimeLimitDays, &e.Plan.MinTradingDays, &e.Plan.ProfitSplitPct,
		); err != nil {
			return nil, err
		}
		e.Plan.ProfitTargetPct = fromPercent(e.Plan.ProfitTargetPct)
		e.Plan.MaxDrawdownPct = fromPercent(e.Plan.MaxDrawdownPct)
		e.Plan.DailyDrawdownPct = fromPercent(e.Plan.DailyDrawdownPct)
		e.Plan.ProfitSplitPct = fromPercent(e.Plan.ProfitSplitPct)
		out = append(out, e)
	}
	return out, rows.Err()
}
