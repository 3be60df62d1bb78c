package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/VeilonTrading/veilon-trading/internal/model"
	"github.com/jackc/pgx/v4"
)

func (s *Store) GetAccount(ctx context.Context, id int64) (model.Account, error) {
	var (
		a                         model.Account
		externalID, login, server *string
		platform, phase           *string
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, metaapi_account_id, user_id, plan_id, balance, status, phase,
			is_enabled, in_review, login, server, platform, current_profit,
			passed_at, funded_at, closed_at
		FROM accounts WHERE id = $1`, id).Scan(
		&a.ID, &externalID, &a.UserID, &a.PlanID, &a.Balance, &a.Status, &phase,
		&a.IsEnabled, &a.InReview, &login, &server, &platform, &a.CurrentProfit,
		&a.PassedAt, &a.FundedAt, &a.ClosedAt)
	if err != nil {
		return model.Account{}, notFound(err)
	}
	a.ExternalID = deref(externalID)
	a.Login = deref(login)
	a.Server = deref(server)
	a.Platform = deref(platform)
	a.Phase = deref(phase)
	return a, nil
}

// SetStatus updates status, and phase when non-empty.
func (s *Store) SetStatus(ctx context.Context, accountID int64, status model.AccountStatus, phase string) error {
	var err error
	if phase != "" {
		err = s.exec(ctx, "accounts",
			`UPDATE accounts SET status = $1, phase = $2, updated_at = NOW() WHERE id = $3`,
			status, phase, accountID)
	} else {
		err = s.exec(ctx, "accounts",
			`UPDATE accounts SET status = $1, updated_at = NOW() WHERE id = $2`,
			status, accountID)
	}
	if err != nil {
		return fmt.Errorf("set account status: %w", err)
	}
	return nil
}

// SetStatusByExternalID updates every account backed by the external id.
func (s *Store) SetStatusByExternalID(ctx context.Context, externalID string, status model.AccountStatus) error {
	err := s.exec(ctx, "accounts",
		`UPDATE accounts SET status = $1, updated_at = NOW() WHERE metaapi_account_id = $2`,
		status, externalID)
	if err != nil {
		return fmt.Errorf("set account status: %w", err)
	}
	return nil
}

func (s *Store) MarkPassed(ctx context.Context, accountID int64) error {
	err := s.exec(ctx, "accounts", `
		UPDATE accounts
		SET status = 'passed', in_review = TRUE, passed_at = NOW(), updated_at = NOW()
		WHERE id = $1`, accountID)
	if err != nil {
		return fmt.Errorf("mark passed: %w", err)
	}
	return nil
}

func (s *Store) MarkAwaitingWithdrawal(ctx context.Context, accountID int64) error {
	err := s.exec(ctx, "accounts", `
		UPDATE accounts SET status = 'awaiting_withdrawal', updated_at = NOW()
		WHERE id = $1`, accountID)
	if err != nil {
		return fmt.Errorf("mark awaiting withdrawal: %w", err)
	}
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, accountID int64) error {
	err := s.exec(ctx, "accounts", `
		UPDATE accounts
		SET status = 'failed', is_enabled = FALSE, closed_at = NOW(), updated_at = NOW()
		WHERE id = $1`, accountID)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// LoginOwnedByOtherUser reports whether a deployed account of a different
// user already uses the login.
func (s *Store) LoginOwnedByOtherUser(ctx context.Context, login string, userID int64) (bool, error) {
	var id int64
	err := s.db.QueryRow(ctx, `
		SELECT a.id FROM accounts a
		WHERE a.login = $1
		AND a.metaapi_account_id IS NOT NULL
		AND a.user_id != $2
		LIMIT 1`, login, userID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check login ownership: %w", err)
	}
	return true, nil
}

func (s *Store) SaveDeployment(ctx context.Context, accountID int64, info model.DeploymentInfo) error {
	err := s.exec(ctx, "accounts", `
		UPDATE accounts
		SET metaapi_account_id = $1, platform = $2, broker = $3, login = $4,
			server = $5, leverage = $6, is_enabled = TRUE, updated_at = NOW()
		WHERE id = $7`,
		info.ExternalID, info.Platform, info.Broker, info.Login, info.Server, info.Leverage, accountID)
	if err != nil {
		return fmt.Errorf("save deployment: %w", err)
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
