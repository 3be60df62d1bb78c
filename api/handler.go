package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/VeilonTrading/veilon-trading/internal/lifecycle"
	"github.com/VeilonTrading/veilon-trading/internal/model"
	"github.com/VeilonTrading/veilon-trading/internal/storage"
	"github.com/VeilonTrading/veilon-trading/internal/stream"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxBars = 10000

type StreamService interface {
	StartStream(ctx context.Context, externalID string) (bool, error)
	StopStream(ctx context.Context, externalID string) (bool, error)
	Streams(ctx context.Context) ([]stream.StreamStatus, error)
}

type Lifecycle interface {
	DeployAccount(ctx context.Context, in lifecycle.DeployInput) (lifecycle.DeploymentResult, error)
	AttemptStartEvaluation(ctx context.Context, accountID int64, externalID string) lifecycle.StartResult
	AttemptStartFundedStage(ctx context.Context, accountID int64, externalID string) lifecycle.StartResult
	HandleProfitCapHit(ctx context.Context, accountID int64, externalID string, gainPct float64) error
	HandleWithdrawalProcessed(ctx context.Context, accountID int64, externalID string) lifecycle.StartResult
}

type ReadStore interface {
	GetAccount(ctx context.Context, id int64) (model.Account, error)
	ActivePeriodStart(ctx context.Context, externalID string) (time.Time, error)
	BarsSince(ctx context.Context, externalID string, since time.Time, limit int) ([]model.Bar, error)
	GetMetrics(ctx context.Context, externalID string) (model.MetricsSnapshot, error)
}

// LiveMetrics exposes the in-process monitor, when this process runs one.
type LiveMetrics interface {
	Snapshot(externalID string) (model.MetricsSnapshot, bool)
}

type Handler struct {
	streams   StreamService
	lifecycle Lifecycle
	store     ReadStore
	live      LiveMetrics
	logger    *zap.Logger
}

func NewHandler(streams StreamService, lc Lifecycle, store ReadStore, live LiveMetrics, logger *zap.Logger) *Handler {
	return &Handler{
		streams:   streams,
		lifecycle: lc,
		store:     store,
		live:      live,
		logger:    logger,
	}
}

func (h *Handler) RegisterRoutes(r gin.IRouter) {
	v1 := r.Group("/api/v1")
	{
		v1.GET("/streams", h.ListStreams)
		v1.POST("/streams/:external_id/start", h.StartStream)
		v1.POST("/streams/:external_id/stop", h.StopStream)

		v1.POST("/accounts/:id/deploy", h.DeployAccount)
		v1.POST("/accounts/:id/start-evaluation", h.StartEvaluation)
		v1.POST("/accounts/:id/start-funded", h.StartFunded)
		v1.POST("/accounts/:id/profit-cap", h.ProfitCap)
		v1.POST("/accounts/:id/withdrawal-processed", h.WithdrawalProcessed)

		v1.GET("/equity/:external_id/bars", h.GetBars)
		v1.GET("/equity/:external_id/metrics", h.GetMetrics)
	}
}

// Stream control

func (h *Handler) ListStreams(c *gin.Context) {
	streams, err := h.streams.Streams(c.Request.Context())
	if err != nil {
		h.streamError(c, err)
		return
	}
	c.JSON(http.StatusOK, streams)
}

func (h *Handler) StartStream(c *gin.Context) {
	id := c.Param("external_id")
	started, err := h.streams.StartStream(c.Request.Context(), id)
	if err != nil {
		h.streamError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"external_id": id, "started": started})
}

func (h *Handler) StopStream(c *gin.Context) {
	id := c.Param("external_id")
	stopped, err := h.streams.StopStream(c.Request.Context(), id)
	if err != nil {
		h.streamError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"external_id": id, "stopped": stopped})
}

func (h *Handler) streamError(c *gin.Context, err error) {
	h.logger.Error("stream control failed", zap.Error(err))
	switch {
	case errors.Is(err, stream.ErrTimeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "stream control timed out"})
	case errors.Is(err, stream.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stream service unavailable"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// Account lifecycle

func (h *Handler) DeployAccount(c *gin.Context) {
	id, ok := h.accountID(c)
	if !ok {
		return
	}
	var req lifecycle.DeployInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.AccountID = id

	res, err := h.lifecycle.DeployAccount(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
			return
		}
		h.logger.Error("deployment failed", zap.Int64("account_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if !res.Success {
		c.JSON(http.StatusUnprocessableEntity, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) StartEvaluation(c *gin.Context) {
	acct, ok := h.deployedAccount(c)
	if !ok {
		return
	}
	h.startResult(c, h.lifecycle.AttemptStartEvaluation(c.Request.Context(), acct.ID, acct.ExternalID))
}

func (h *Handler) StartFunded(c *gin.Context) {
	acct, ok := h.deployedAccount(c)
	if !ok {
		return
	}
	h.startResult(c, h.lifecycle.AttemptStartFundedStage(c.Request.Context(), acct.ID, acct.ExternalID))
}

func (h *Handler) WithdrawalProcessed(c *gin.Context) {
	acct, ok := h.deployedAccount(c)
	if !ok {
		return
	}
	h.startResult(c, h.lifecycle.HandleWithdrawalProcessed(c.Request.Context(), acct.ID, acct.ExternalID))
}

func (h *Handler) ProfitCap(c *gin.Context) {
	acct, ok := h.deployedAccount(c)
	if !ok {
		return
	}
	var req struct {
		GainPct float64 `json:"gain_pct"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.lifecycle.HandleProfitCapHit(c.Request.Context(), acct.ID, acct.ExternalID, req.GainPct); err != nil {
		h.logger.Error("profit cap handling failed", zap.Int64("account_id", acct.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "status": model.StatusAwaitingWithdrawal})
}

func (h *Handler) startResult(c *gin.Context, res lifecycle.StartResult) {
	if !res.Success {
		c.JSON(http.StatusUnprocessableEntity, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) accountID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account id"})
		return 0, false
	}
	return id, true
}

func (h *Handler) deployedAccount(c *gin.Context) (model.Account, bool) {
	id, ok := h.accountID(c)
	if !ok {
		return model.Account{}, false
	}
	acct, err := h.store.GetAccount(c.Request.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return model.Account{}, false
	}
	if err != nil {
		h.logger.Error("failed to load account", zap.Int64("account_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return model.Account{}, false
	}
	if acct.ExternalID == "" {
		c.JSON(http.StatusConflict, gin.H{"error": "account is not deployed"})
		return model.Account{}, false
	}
	return acct, true
}

// Dashboard reads

func (h *Handler) GetBars(c *gin.Context) {
	id := c.Param("external_id")
	ctx := c.Request.Context()

	var since time.Time
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
		since = t
	} else {
		start, err := h.store.ActivePeriodStart(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no active trading period"})
			return
		}
		if err != nil {
			h.logger.Error("failed to load period start", zap.String("account", id), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		since = start
	}

	bars, err := h.store.BarsSince(ctx, id, since, maxBars)
	if err != nil {
		h.logger.Error("failed to query bars", zap.String("account", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, bars)
}

// GetMetrics prefers the live monitor and falls back to the cached row.
// Either way the figures are for display only.
func (h *Handler) GetMetrics(c *gin.Context) {
	id := c.Param("external_id")
	if h.live != nil {
		if snap, ok := h.live.Snapshot(id); ok {
			c.JSON(http.StatusOK, gin.H{"source": "live", "metrics": snap})
			return
		}
	}

	snap, err := h.store.GetMetrics(c.Request.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no metrics for account"})
		return
	}
	if err != nil {
		h.logger.Error("failed to load metrics", zap.String("account", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"source": "cache", "metrics": snap})
}
