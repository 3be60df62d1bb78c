package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/VeilonTrading/veilon-trading/internal/model"
)

// ActivePeriodStart returns the start of the open period for the account.
func (s *Store) ActivePeriodStart(ctx context.Context, externalID string) (time.Time, error) {
	var start time.Time
	err := s.db.QueryRow(ctx, `
		SELECT start_time FROM trading_periods
		WHERE metaapi_account_id = $1 AND end_time IS NULL
		ORDER BY start_time DESC
		LIMIT 1`, externalID).Scan(&start)
	if err != nil {
		return time.Time{}, notFound(err)
	}
	return start, nil
}

// CreatePeriod opens a new active period starting now.
func (s *Store) CreatePeriod(ctx context.Context, accountID int64, externalID string, periodType model.PeriodType) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx, `
		INSERT INTO trading_periods (account_id, metaapi_account_id, period_type, start_time, status)
		VALUES ($1, $2, $3, NOW(), 'active')
		RETURNING trading_period_id`,
		accountID, externalID, periodType).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create trading period: %w", err)
	}
	return id, nil
}

// ClosePeriod ends one period by id.
func (s *Store) ClosePeriod(ctx context.Context, periodID int64, reason string, status model.PeriodStatus) error {
	err := s.exec(ctx, "trading_periods", `
		UPDATE trading_periods
		SET end_time = NOW(), end_reason = $1, status = $2
		WHERE trading_period_id = $3`,
		reason, status, periodID)
	if err != nil {
		return fmt.Errorf("close trading period: %w", err)
	}
	return nil
}

// EndActivePeriod completes whatever period is open for the external id.
func (s *Store) EndActivePeriod(ctx context.Context, externalID, reason string) error {
	err := s.exec(ctx, "trading_periods", `
		UPDATE trading_periods
		SET end_time = NOW(), end_reason = $1, status = 'completed'
		WHERE metaapi_account_id = $2 AND end_time IS NULL AND status = 'active'`,
		reason, externalID)
	if err != nil {
		return fmt.Errorf("end active period: %w", err)
	}
	return nil
}
