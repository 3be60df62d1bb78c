package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/VeilonTrading/veilon-trading/internal/infrastructure"
	"github.com/VeilonTrading/veilon-trading/internal/model"
	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type BrokerConfig struct {
	BaseURL        string
	Token          string
	RatePerSecond  float64
	RequestTimeout time.Duration
	ConnectTimeout time.Duration
	PollInterval   time.Duration
}

type DeployRequest struct {
	Login    string
	Password string
	Server   string
	Platform string
	Name     string
	Magic    int
}

type AccountInfo struct {
	Balance  decimal.Decimal `json:"balance"`
	Equity   decimal.Decimal `json:"equity"`
	Currency string          `json:"currency"`
	Leverage int             `json:"leverage"`
	Broker   string          `json:"broker"`
	Name     string          `json:"name"`
	Server   string          `json:"server"`
}

type DeployResult struct {
	ExternalID       string
	Connected        bool
	HasOpenPositions bool
	Positions        []model.Position
	Info             AccountInfo
}

type remoteAccount struct {
	ID               string `json:"_id"`
	Login            string `json:"login"`
	Type             string `json:"type"`
	State            string `json:"state"`
	ConnectionStatus string `json:"connectionStatus"`
}

// BrokerClient talks to the brokerage provisioning and trading REST API.
// Calls are rate limited and guarded by a circuit breaker.
type BrokerClient struct {
	http    *resty.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
	cfg     BrokerConfig
}

func NewBrokerClient(cfg BrokerConfig, logger *zap.Logger) *BrokerClient {
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 5
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("auth-token", cfg.Token).
		SetHeader("Accept", "application/json").
		SetTimeout(cfg.RequestTimeout)

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "broker-api",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || clientFault(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})

	return &BrokerClient{
		http:    client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
		breaker: breaker,
		logger:  logger,
		cfg:     cfg,
	}
}

func (c *BrokerClient) call(ctx context.Context, op string, fn func(*resty.Request) (*resty.Response, error)) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := fn(c.http.R().SetContext(ctx).SetError(&APIError{}))
		if err != nil {
			return nil, err
		}
		if resp.IsError() {
			apiErr, _ := resp.Error().(*APIError)
			if apiErr == nil {
				apiErr = &APIError{}
			}
			apiErr.Status = resp.StatusCode()
			if apiErr.Message == "" {
				apiErr.Message = http.StatusText(resp.StatusCode())
			}
			return nil, apiErr
		}
		return nil, nil
	})

	result := "ok"
	if err != nil {
		result = "error"
	}
	infrastructure.BrokerRequests.WithLabelValues(op, result).Inc()
	return err
}

// Deploy finds or creates the cloud account for the login, deploys it, waits
// for the broker connection and reads the terminal state. An account created
// by this call is undeployed again if a later step fails.
func (c *BrokerClient) Deploy(ctx context.Context, req DeployRequest) (DeployResult, error) {
	platform, err := NormalizePlatform(req.Platform)
	if err != nil {
		return DeployResult{}, err
	}
	if req.Name == "" {
		req.Name = "account_" + req.Login
	}
	if req.Magic == 0 {
		req.Magic = 1000
	}

	id, created, err := c.findOrCreate(ctx, req, platform)
	if err != nil {
		return DeployResult{}, ClassifyDeployError(err, req.Server)
	}

	result, err := c.deployAndInspect(ctx, id)
	if err != nil {
		if created {
			c.rollback(id)
		}
		return DeployResult{}, ClassifyDeployError(err, req.Server)
	}
	return result, nil
}

func (c *BrokerClient) findOrCreate(ctx context.Context, req DeployRequest, platform string) (string, bool, error) {
	var existing []remoteAccount
	err := c.call(ctx, "list_accounts", func(r *resty.Request) (*resty.Response, error) {
		return r.SetQueryParam("login", req.Login).SetResult(&existing).Get("/users/current/accounts")
	})
	if err != nil {
		return "", false, err
	}
	for _, acc := range existing {
		if acc.Login == req.Login && strings.HasPrefix(acc.Type, "cloud") {
			c.logger.Info("found existing broker account", zap.String("account", acc.ID))
			return acc.ID, false, nil
		}
	}

	var created struct {
		ID string `json:"id"`
	}
	err = c.call(ctx, "create_account", func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(map[string]interface{}{
			"name":        req.Name,
			"type":        "cloud",
			"login":       req.Login,
			"password":    req.Password,
			"server":      req.Server,
			"platform":    platform,
			"application": "MetaApi",
			"magic":       req.Magic,
		}).SetResult(&created).Post("/users/current/accounts")
	})
	if err != nil {
		return "", false, err
	}
	c.logger.Info("created broker account", zap.String("account", created.ID))
	return created.ID, true, nil
}

func (c *BrokerClient) deployAndInspect(ctx context.Context, id string) (DeployResult, error) {
	err := c.call(ctx, "deploy", func(r *resty.Request) (*resty.Response, error) {
		return r.SetPathParam("id", id).Post("/users/current/accounts/{id}/deploy")
	})
	if err != nil {
		return DeployResult{}, err
	}

	if err := c.waitConnected(ctx, id); err != nil {
		return DeployResult{}, err
	}

	var info AccountInfo
	err = c.call(ctx, "account_information", func(r *resty.Request) (*resty.Response, error) {
		return r.SetPathParam("id", id).SetResult(&info).Get("/users/current/accounts/{id}/account-information")
	})
	if err != nil {
		return DeployResult{}, err
	}
	if info.Broker == "" {
		info.Broker = info.Name
	}

	positions, err := c.GetPositions(ctx, id)
	if err != nil {
		return DeployResult{}, err
	}

	return DeployResult{
		ExternalID:       id,
		Connected:        true,
		HasOpenPositions: len(positions) > 0,
		Positions:        positions,
		Info:             info,
	}, nil
}

func (c *BrokerClient) waitConnected(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		var acc remoteAccount
		err := c.call(ctx, "get_account", func(r *resty.Request) (*resty.Response, error) {
			return r.SetPathParam("id", id).SetResult(&acc).Get("/users/current/accounts/{id}")
		})
		if err != nil && clientFault(err) {
			return err
		}
		if err == nil && acc.ConnectionStatus == "CONNECTED" {
			return nil
		}

		select {
		case <-ctx.Done():
			if err != nil {
				return fmt.Errorf("wait for broker connection: %w", err)
			}
			return fmt.Errorf("wait for broker connection: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *BrokerClient) rollback(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()

	err := c.call(ctx, "undeploy", func(r *resty.Request) (*resty.Response, error) {
		return r.SetPathParam("id", id).Post("/users/current/accounts/{id}/undeploy")
	})
	if err != nil {
		c.logger.Warn("failed to roll back new broker account", zap.String("account", id), zap.Error(err))
		return
	}
	c.logger.Info("rolled back new broker account", zap.String("account", id))
}

func (c *BrokerClient) GetPositions(ctx context.Context, externalID string) ([]model.Position, error) {
	positions := make([]model.Position, 0)
	err := c.call(ctx, "get_positions", func(r *resty.Request) (*resty.Response, error) {
		return r.SetPathParam("id", externalID).SetResult(&positions).Get("/users/current/accounts/{id}/positions")
	})
	if err != nil {
		return nil, err
	}
	return positions, nil
}

func (c *BrokerClient) ClosePosition(ctx context.Context, externalID, positionID string) error {
	return c.call(ctx, "close_position", func(r *resty.Request) (*resty.Response, error) {
		return r.SetPathParam("id", externalID).
			SetBody(map[string]string{"actionType": "POSITION_CLOSE_ID", "positionId": positionID}).
			Post("/users/current/accounts/{id}/trade")
	})
}

// CloseResult summarises a close-all run.
type CloseResult struct {
	Closed []string
	Failed map[string]error
}

// CloseAllPositions closes every open position. Individual failures are
// collected rather than aborting the run.
func (c *BrokerClient) CloseAllPositions(ctx context.Context, externalID string) (CloseResult, error) {
	res := CloseResult{Failed: make(map[string]error)}

	positions, err := c.GetPositions(ctx, externalID)
	if err != nil {
		return res, err
	}
	for _, p := range positions {
		if err := c.ClosePosition(ctx, externalID, p.ID); err != nil {
			c.logger.Error("failed to close position",
				zap.String("account", externalID), zap.String("position", p.ID), zap.Error(err))
			res.Failed[p.ID] = err
			continue
		}
		c.logger.Info("closed position", zap.String("account", externalID), zap.String("position", p.ID))
		res.Closed = append(res.Closed, p.ID)
	}
	if len(res.Failed) > 0 {
		return res, errors.New("some positions could not be closed")
	}
	return res, nil
}
