package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/VeilonTrading/veilon-trading/internal/model"
	"github.com/jackc/pgx/v4"
	"github.com/shopspring/decimal"
)

func (s *Store) InsertTick(ctx context.Context, tick model.EquityTick) error {
	err := s.exec(ctx, "equity_balance_ticks", `
		INSERT INTO equity_balance_ticks (ts, metaapi_account_id, equity, balance)
		VALUES ($1, $2, $3, $4)`,
		tick.Timestamp, tick.ExternalID, tick.Equity, tick.Balance)
	if err != nil {
		return fmt.Errorf("insert tick: %w", err)
	}
	return nil
}

// HasTickSince reports whether any sample for the account is at or after since.
func (s *Store) HasTickSince(ctx context.Context, externalID string, since time.Time) (bool, error) {
	var one int
	err := s.db.QueryRow(ctx, `
		SELECT 1 FROM equity_balance_ticks
		WHERE metaapi_account_id = $1 AND ts >= $2
		LIMIT 1`,
		externalID, since).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check recent tick: %w", err)
	}
	return true, nil
}

// LatestTickSince returns the newest sample at or after since.
func (s *Store) LatestTickSince(ctx context.Context, externalID string, since time.Time) (model.EquityTick, error) {
	tick := model.EquityTick{ExternalID: externalID}
	err := s.db.QueryRow(ctx, `
		SELECT ts, equity, balance FROM equity_balance_ticks
		WHERE metaapi_account_id = $1 AND ts >= $2
		ORDER BY ts DESC
		LIMIT 1`,
		externalID, since).Scan(&tick.Timestamp, &tick.Equity, &tick.Balance)
	if err != nil {
		return model.EquityTick{}, notFound(err)
	}
	return tick, nil
}

// FirstEquitySince returns the equity of the oldest sample at or after since.
func (s *Store) FirstEquitySince(ctx context.Context, externalID string, since time.Time) (decimal.Decimal, error) {
	var equity decimal.Decimal
	err := s.db.QueryRow(ctx, `
		SELECT equity FROM equity_balance_ticks
		WHERE metaapi_account_id = $1 AND ts >= $2
		ORDER BY ts ASC
		LIMIT 1`,
		externalID, since).Scan(&equity)
	if err != nil {
		return decimal.Zero, notFound(err)
	}
	return equity, nil
}

// LastTickAt returns the timestamp of the newest sample for the account.
func (s *Store) LastTickAt(ctx context.Context, externalID string) (time.Time, error) {
	var last *time.Time
	err := s.db.QueryRow(ctx, `
		SELECT MAX(ts) FROM equity_balance_ticks WHERE metaapi_account_id = $1`,
		externalID).Scan(&last)
	if err != nil {
		return time.Time{}, fmt.Errorf("last tick: %w", err)
	}
	if last == nil {
		return time.Time{}, ErrNotFound
	}
	return *last, nil
}
