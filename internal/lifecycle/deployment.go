package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/VeilonTrading/veilon-trading/internal/connector"
	"github.com/VeilonTrading/veilon-trading/internal/model"
	"go.uber.org/zap"
)

const msgLoginTaken = "This MT5 login is already registered to another user."

// DeployInput is what the trader submits when connecting an account.
type DeployInput struct {
	AccountID int64  `json:"-"`
	Login     string `json:"login" binding:"required"`
	Password  string `json:"password" binding:"required"`
	Server    string `json:"server" binding:"required"`
	Platform  string `json:"platform" binding:"required"`
	Name      string `json:"name"`
}

// DeployAccount connects a brokerage login to an account slot. Rejections
// the trader can act on come back as an unsuccessful result; the error is
// reserved for faults on our side.
func (m *Manager) DeployAccount(ctx context.Context, in DeployInput) (DeploymentResult, error) {
	log := m.logger.With(zap.Int64("account_id", in.AccountID), zap.String("login", in.Login))

	acct, err := m.store.GetAccount(ctx, in.AccountID)
	if err != nil {
		return DeploymentResult{}, fmt.Errorf("load account: %w", err)
	}

	taken, err := m.store.LoginOwnedByOtherUser(ctx, in.Login, acct.UserID)
	if err != nil {
		return DeploymentResult{}, err
	}
	if taken {
		log.Warn("login belongs to another user")
		m.logEvent(ctx, model.AccountEvent{
			AccountID:   in.AccountID,
			EventType:   model.EventDeploymentBlocked,
			EventStatus: model.EventStatusFailed,
			ActorType:   model.ActorSystem,
			Payload: map[string]interface{}{
				"login":  in.Login,
				"reason": "login_belongs_to_another_user",
			},
		})
		return DeploymentResult{Message: msgLoginTaken}, nil
	}

	platform, err := connector.NormalizePlatform(in.Platform)
	if err != nil {
		return m.deployFailed(ctx, in.AccountID, err), nil
	}

	res, err := m.broker.Deploy(ctx, connector.DeployRequest{
		Login:    in.Login,
		Password: in.Password,
		Server:   in.Server,
		Platform: platform,
		Name:     in.Name,
	})
	if err != nil {
		var de *connector.DeploymentError
		if errors.As(err, &de) {
			log.Warn("deployment rejected", zap.Error(err))
			return m.deployFailed(ctx, in.AccountID, de), nil
		}
		return DeploymentResult{}, err
	}

	info := model.DeploymentInfo{
		ExternalID: res.ExternalID,
		Platform:   platform,
		Broker:     res.Info.Broker,
		Login:      in.Login,
		Server:     in.Server,
		Leverage:   res.Info.Leverage,
	}
	if err := m.store.SaveDeployment(ctx, in.AccountID, info); err != nil {
		return DeploymentResult{}, err
	}
	m.logEvent(ctx, model.SystemEvent(in.AccountID, model.EventAccountDeployed, map[string]interface{}{
		"metaapi_account_id": res.ExternalID,
		"login":              in.Login,
		"server":             in.Server,
		"platform":           platform,
		"broker":             res.Info.Broker,
		"leverage":           res.Info.Leverage,
		"has_open_positions": res.HasOpenPositions,
		"positions_count":    len(res.Positions),
	}))

	out, err := m.HandleInitialDeployment(ctx, res.ExternalID, res.HasOpenPositions, res.Positions)
	if err != nil {
		return out, err
	}

	m.logEvent(ctx, model.SystemEvent(in.AccountID, model.EventAccountConnected, map[string]interface{}{
		"metaapi_account_id": res.ExternalID,
		"has_open_positions": out.HasOpenPositions,
		"positions_count":    out.PositionsCount,
	}))

	log.Info("account connected", zap.String("account", res.ExternalID))
	return out, nil
}

func (m *Manager) deployFailed(ctx context.Context, accountID int64, err error) DeploymentResult {
	msg := err.Error()
	var de *connector.DeploymentError
	if errors.As(err, &de) {
		msg = de.Message
	}
	m.logEvent(ctx, model.AccountEvent{
		AccountID:   accountID,
		EventType:   model.EventDeploymentFailed,
		EventStatus: model.EventStatusFailed,
		ActorType:   model.ActorSystem,
		Payload:     map[string]interface{}{"error": msg},
	})
	return DeploymentResult{Message: "Deployment failed: " + msg}
}
