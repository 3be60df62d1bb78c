package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/VeilonTrading/veilon-trading/internal/model"
	"github.com/shopspring/decimal"
)

// UpsertBar writes a flushed bar. A re-flush of the same minute widens
// high/low, replaces close and leaves open untouched.
func (s *Store) UpsertBar(ctx context.Context, bar model.Bar) error {
	err := s.exec(ctx, "equity_ohlc_1min", `
		INSERT INTO equity_ohlc_1min (metaapi_account_id, bar_time, open, high, low, close)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (metaapi_account_id, bar_time) DO UPDATE SET
			high = GREATEST(equity_ohlc_1min.high, EXCLUDED.high),
			low = LEAST(equity_ohlc_1min.low, EXCLUDED.low),
			close = EXCLUDED.close`,
		bar.ExternalID, bar.BarTime, bar.Open, bar.High, bar.Low, bar.Close)
	if err != nil {
		return fmt.Errorf("upsert bar: %w", err)
	}
	return nil
}

// RefreshDisplayProfit recomputes accounts.current_profit as the latest close
// minus the first open of the active period. Dashboard only.
func (s *Store) RefreshDisplayProfit(ctx context.Context, externalID string) error {
	err := s.exec(ctx, "accounts", `
		WITH period_data AS (
			SELECT
				(SELECT open FROM equity_ohlc_1min
				 WHERE metaapi_account_id = $1 AND bar_time >= tp.start_time
				 ORDER BY bar_time ASC LIMIT 1) AS first_equity,
				(SELECT close FROM equity_ohlc_1min
				 WHERE metaapi_account_id = $1
				 ORDER BY bar_time DESC LIMIT 1) AS latest_equity
			FROM trading_periods tp
			WHERE tp.metaapi_account_id = $1
			AND tp.status = 'active'
			AND tp.end_time IS NULL
			LIMIT 1
		)
		UPDATE accounts
		SET current_profit = COALESCE((SELECT latest_equity - first_equity FROM period_data), 0),
			updated_at = NOW()
		WHERE metaapi_account_id = $1`,
		externalID)
	if err != nil {
		return fmt.Errorf("refresh current profit: %w", err)
	}
	return nil
}

// PeriodBaseline returns the open of the first bar at or after start.
func (s *Store) PeriodBaseline(ctx context.Context, externalID string, start time.Time) (decimal.Decimal, error) {
	var open decimal.Decimal
	err := s.db.QueryRow(ctx, `
		SELECT open FROM equity_ohlc_1min
		WHERE metaapi_account_id = $1 AND bar_time >= $2
		ORDER BY bar_time ASC
		LIMIT 1`,
		externalID, start).Scan(&open)
	if err != nil {
		return decimal.Zero, notFound(err)
	}
	return open, nil
}

// PeriodHighLow returns the extrema over every bar since start.
func (s *Store) PeriodHighLow(ctx context.Context, externalID string, start time.Time) (high, low decimal.Decimal, err error) {
	var h, l decimal.NullDecimal
	err = s.db.QueryRow(ctx, `
		SELECT MAX(high), MIN(low) FROM equity_ohlc_1min
		WHERE metaapi_account_id = $1 AND bar_time >= $2`,
		externalID, start).Scan(&h, &l)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("period high/low: %w", err)
	}
	if !h.Valid || !l.Valid {
		return decimal.Zero, decimal.Zero, ErrNotFound
	}
	return h.Decimal, l.Decimal, nil
}

// LatestBar returns the newest bar since start.
func (s *Store) LatestBar(ctx context.Context, externalID string, start time.Time) (model.Bar, error) {
	bar := model.Bar{ExternalID: externalID}
	err := s.db.QueryRow(ctx, `
		SELECT bar_time, open, high, low, close FROM equity_ohlc_1min
		WHERE metaapi_account_id = $1 AND bar_time >= $2
		ORDER BY bar_time DESC
		LIMIT 1`,
		externalID, start).Scan(&bar.BarTime, &bar.Open, &bar.High, &bar.Low, &bar.Close)
	if err != nil {
		return model.Bar{}, notFound(err)
	}
	return bar, nil
}

// BarsSince lists bars at or after since in time order, capped at limit.
func (s *Store) BarsSince(ctx context.Context, externalID string, since time.Time, limit int) ([]model.Bar, error) {
	rows, err := s.db.Query(ctx, `
		SELECT bar_time, open, high, low, close FROM equity_ohlc_1min
		WHERE metaapi_account_id = $1 AND bar_time >= $2
		ORDER BY bar_time ASC
		LIMIT $3`,
		externalID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("query bars: %w", err)
	}
	defer rows.Close()

	bars := make([]model.Bar, 0)
	for rows.Next() {
		b := model.Bar{ExternalID: externalID}
		if err := rows.Scan(&b.BarTime, &b.Open, &b.High, &b.Low, &b.Close); err != nil {
			return nil, err
		}
		bars = append(bars, b)
	}
	return bars, rows.Err()
}
