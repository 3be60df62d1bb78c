package storage

import (
	"context"
	"fmt"
)

// ExternalIDsNeedingStream lists external ids backing at least one enabled,
// active account with an open period.
func (s *Store) ExternalIDsNeedingStream(ctx context.Context) ([]string, error) {
	return s.queryIDs(ctx, `
		SELECT DISTINCT a.metaapi_account_id
		FROM accounts a
		JOIN trading_periods tp ON tp.metaapi_account_id = a.metaapi_account_id
		WHERE a.is_enabled = TRUE
		AND a.status = 'active'
		AND a.metaapi_account_id IS NOT NULL
		AND tp.status = 'active'
		AND tp.end_time IS NULL`)
}

// ExternalIDsNotNeedingStream filters ids down to those no account needs a
// stream for. Several accounts of one user may share an external id.
func (s *Store) ExternalIDsNotNeedingStream(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.queryIDs(ctx, `
		SELECT DISTINCT a.metaapi_account_id
		FROM accounts a
		WHERE a.metaapi_account_id = ANY($1)
		AND NOT EXISTS (
			SELECT 1 FROM accounts a2
			JOIN trading_periods tp ON tp.metaapi_account_id = a2.metaapi_account_id
			WHERE a2.metaapi_account_id = a.metaapi_account_id
			AND a2.is_enabled = TRUE
			AND a2.status = 'active'
			AND tp.status = 'active'
			AND tp.end_time IS NULL
		)`, ids)
}

func (s *Store) queryIDs(ctx context.Context, sql string, args ...interface{}) ([]string, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query stream ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
