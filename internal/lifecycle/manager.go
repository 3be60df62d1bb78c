package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/VeilonTrading/veilon-trading/internal/connector"
	"github.com/VeilonTrading/veilon-trading/internal/model"
	"github.com/VeilonTrading/veilon-trading/internal/storage"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const (
	msgStreamFailed   = "Failed to start equity stream. Please try again."
	msgManualStart    = `Click "Start Evaluation" when ready to begin.`
	msgStartFailed    = "Could not start. Please try again or contact support."
	msgEvalStarted    = "Evaluation started successfully!"
	msgFundedStarted  = "Funded stage started successfully!"
	msgEvalTimeout    = "Could not connect to account. Please check your MT4/5 terminal is running and connected."
	msgFundedTimeout  = "Could not connect to account. Please check MT terminal is running."
	msgEvalNotFlat    = "Account has open positions (Equity: $%.2f, Balance: $%.2f). Please close all positions before starting."
	msgFundedNotFlat  = "Trader has open positions (Equity: $%.2f, Balance: $%.2f). Cannot start funded stage until all positions are closed."
	msgPositionsFound = "%d open position(s) detected. Close them before starting your evaluation."
)

// StreamController starts and stops account equity streams.
type StreamController interface {
	StartStream(ctx context.Context, externalID string) (bool, error)
	StopStream(ctx context.Context, externalID string) (bool, error)
}

// Store is the persistence the lifecycle flows need.
type Store interface {
	GetAccount(ctx context.Context, id int64) (model.Account, error)
	SetStatus(ctx context.Context, accountID int64, status model.AccountStatus, phase string) error
	SetStatusByExternalID(ctx context.Context, externalID string, status model.AccountStatus) error
	HasTickSince(ctx context.Context, externalID string, since time.Time) (bool, error)
	LatestTickSince(ctx context.Context, externalID string, since time.Time) (model.EquityTick, error)
	CreatePeriod(ctx context.Context, accountID int64, externalID string, periodType model.PeriodType) (int64, error)
	EndActivePeriod(ctx context.Context, externalID, reason string) error
	LoginOwnedByOtherUser(ctx context.Context, login string, userID int64) (bool, error)
	SaveDeployment(ctx context.Context, accountID int64, info model.DeploymentInfo) error
	LogEvent(ctx context.Context, ev model.AccountEvent) error
}

// Broker is the brokerage REST surface used for deploys and closing out.
type Broker interface {
	Deploy(ctx context.Context, req connector.DeployRequest) (connector.DeployResult, error)
	CloseAllPositions(ctx context.Context, externalID string) (connector.CloseResult, error)
}

type Options struct {
	PollAttempts  int
	PollInterval  time.Duration
	FreshWindow   time.Duration
	FlatTolerance decimal.Decimal
}

func (o Options) withDefaults() Options {
	if o.PollAttempts <= 0 {
		o.PollAttempts = 30
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.FreshWindow <= 0 {
		o.FreshWindow = 60 * time.Second
	}
	if !o.FlatTolerance.IsPositive() {
		o.FlatTolerance = decimal.NewFromFloat(0.01)
	}
	return o
}

// StartResult is what a start request reports back to the user.
type StartResult struct {
	Success        bool   `json:"success"`
	PeriodID       int64  `json:"period_id,omitempty"`
	SuccessMessage string `json:"success_message,omitempty"`
	ErrorMessage   string `json:"error_message,omitempty"`
}

// DeploymentResult tells the UI what to show after an account connects.
type DeploymentResult struct {
	Success          bool             `json:"success"`
	NeedsManualStart bool             `json:"needs_manual_start"`
	HasOpenPositions bool             `json:"has_open_positions"`
	PositionsCount   int              `json:"positions_count"`
	Positions        []model.Position `json:"positions,omitempty"`
	ExternalID       string           `json:"metaapi_account_id,omitempty"`
	Message          string           `json:"message"`
	Warning          string           `json:"warning,omitempty"`
}

type stage struct {
	name       string
	periodType model.PeriodType
	event      string
	started    string
	timeout    string
	notFlat    string
}

var (
	evaluationStage = stage{
		name:       "evaluation",
		periodType: model.PeriodPhase1,
		event:      model.EventEvaluationStarted,
		started:    msgEvalStarted,
		timeout:    msgEvalTimeout,
		notFlat:    msgEvalNotFlat,
	}
	fundedStage = stage{
		name:       "funded stage",
		periodType: model.PeriodFunded,
		event:      model.EventFundedStarted,
		started:    msgFundedStarted,
		timeout:    msgFundedTimeout,
		notFlat:    msgFundedNotFlat,
	}
)

// Manager drives an account from deployment into an active period and
// through the funded cycle.
type Manager struct {
	store   Store
	streams StreamController
	broker  Broker
	logger  *zap.Logger
	opts    Options
	printer *message.Printer
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) bool
}

func NewManager(store Store, streams StreamController, broker Broker, logger *zap.Logger, opts Options) *Manager {
	return &Manager{
		store:   store,
		streams: streams,
		broker:  broker,
		logger:  logger,
		opts:    opts.withDefaults(),
		printer: message.NewPrinter(language.English),
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

// HandleInitialDeployment parks a freshly connected account until the user
// asks to start. Open positions only change the note shown alongside.
func (m *Manager) HandleInitialDeployment(ctx context.Context, externalID string, hasOpenPositions bool, positions []model.Position) (DeploymentResult, error) {
	m.logger.Info("account deployed",
		zap.String("account", externalID),
		zap.Bool("has_open_positions", hasOpenPositions),
		zap.Int("positions", len(positions)))

	if err := m.store.SetStatusByExternalID(ctx, externalID, model.StatusPendingStart); err != nil {
		return DeploymentResult{Success: false, Message: msgStartFailed}, err
	}

	res := DeploymentResult{
		Success:          true,
		NeedsManualStart: true,
		HasOpenPositions: hasOpenPositions,
		PositionsCount:   len(positions),
		Positions:        positions,
		ExternalID:       externalID,
		Message:          msgManualStart,
	}
	if hasOpenPositions {
		res.Warning = fmt.Sprintf(msgPositionsFound, len(positions))
	}
	return res, nil
}

// AttemptStartEvaluation opens a phase_1 period once the account is flat.
func (m *Manager) AttemptStartEvaluation(ctx context.Context, accountID int64, externalID string) StartResult {
	return m.attemptStart(ctx, accountID, externalID, evaluationStage)
}

// AttemptStartFundedStage opens a funded period once the account is flat.
func (m *Manager) AttemptStartFundedStage(ctx context.Context, accountID int64, externalID string) StartResult {
	return m.attemptStart(ctx, accountID, externalID, fundedStage)
}

func (m *Manager) attemptStart(ctx context.Context, accountID int64, externalID string, st stage) StartResult {
	log := m.logger.With(zap.Int64("account_id", accountID), zap.String("account", externalID), zap.String("stage", st.name))
	log.Info("attempting start")

	// already running is fine
	if _, err := m.streams.StartStream(ctx, externalID); err != nil {
		log.Error("failed to start stream", zap.Error(err))
		return StartResult{ErrorMessage: msgStreamFailed}
	}

	if !m.waitForData(ctx, externalID) {
		log.Warn("timed out waiting for equity data")
		m.stopStream(ctx, externalID)
		return StartResult{ErrorMessage: st.timeout}
	}

	tick, err := m.store.LatestTickSince(ctx, externalID, m.now().Add(-m.opts.FreshWindow))
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Error("failed to read latest tick", zap.Error(err))
		}
		m.stopStream(ctx, externalID)
		return StartResult{ErrorMessage: st.timeout}
	}

	if !m.isFlat(tick) {
		log.Warn("account has open positions",
			zap.String("equity", tick.Equity.StringFixed(2)),
			zap.String("balance", tick.Balance.StringFixed(2)))
		m.stopStream(ctx, externalID)
		return StartResult{ErrorMessage: m.printer.Sprintf(st.notFlat, tick.Equity.InexactFloat64(), tick.Balance.InexactFloat64())}
	}

	periodID, err := m.store.CreatePeriod(ctx, accountID, externalID, st.periodType)
	if err != nil {
		log.Error("failed to create trading period", zap.Error(err))
		m.stopStream(ctx, externalID)
		return StartResult{ErrorMessage: msgStartFailed}
	}
	if err := m.store.SetStatus(ctx, accountID, model.StatusActive, string(st.periodType)); err != nil {
		log.Error("failed to activate account", zap.Int64("period_id", periodID), zap.Error(err))
		m.stopStream(ctx, externalID)
		return StartResult{ErrorMessage: msgStartFailed}
	}

	m.logEvent(ctx, model.AccountEvent{
		AccountID:   accountID,
		EventType:   st.event,
		EventStatus: model.EventStatusCompleted,
		ActorType:   model.ActorUser,
		Payload: map[string]interface{}{
			"metaapi_account_id": externalID,
			"trading_period_id":  periodID,
			"period_type":        string(st.periodType),
			"equity":             tick.Equity.StringFixed(2),
			"balance":            tick.Balance.StringFixed(2),
		},
	})

	log.Info("account is flat, period started", zap.Int64("period_id", periodID))
	return StartResult{Success: true, PeriodID: periodID, SuccessMessage: st.started}
}

// waitForData polls for a sample inside the freshness window.
func (m *Manager) waitForData(ctx context.Context, externalID string) bool {
	for i := 0; i < m.opts.PollAttempts; i++ {
		if !m.sleep(ctx, m.opts.PollInterval) {
			return false
		}
		ok, err := m.store.HasTickSince(ctx, externalID, m.now().Add(-m.opts.FreshWindow))
		if err != nil {
			m.logger.Warn("failed to check for equity data", zap.String("account", externalID), zap.Error(err))
			continue
		}
		if ok {
			return true
		}
	}
	return false
}

func (m *Manager) isFlat(tick model.EquityTick) bool {
	return tick.Equity.Sub(tick.Balance).Abs().LessThan(m.opts.FlatTolerance)
}

// HandleProfitCapHit closes out a funded account that reached its cap. A
// partial close still ends the period; the failure is recorded as an event.
func (m *Manager) HandleProfitCapHit(ctx context.Context, accountID int64, externalID string, gainPct float64) error {
	log := m.logger.With(zap.Int64("account_id", accountID), zap.String("account", externalID))
	log.Info("profit cap hit", zap.Float64("gain_pct", gainPct))

	res, err := m.broker.CloseAllPositions(ctx, externalID)
	payload := map[string]interface{}{
		"metaapi_account_id": externalID,
		"closed":             len(res.Closed),
	}
	ev := model.SystemEvent(accountID, model.EventPositionsClosed, payload)
	if err != nil {
		failed := make([]string, 0, len(res.Failed))
		for id := range res.Failed {
			failed = append(failed, id)
		}
		payload["failed"] = failed
		payload["error"] = err.Error()
		ev.EventStatus = model.EventStatusFailed
		log.Error("positions left open after profit cap", zap.Strings("failed", failed), zap.Error(err))
	}
	m.logEvent(ctx, ev)

	reason := fmt.Sprintf("Profit cap reached: %.2f%%", gainPct*100)
	if err := m.store.EndActivePeriod(ctx, externalID, reason); err != nil {
		return err
	}
	m.stopStream(ctx, externalID)
	if err := m.store.SetStatus(ctx, accountID, model.StatusAwaitingWithdrawal, ""); err != nil {
		return err
	}

	log.Info("account stopped, awaiting withdrawal")
	return nil
}

// HandleWithdrawalProcessed restarts the funded cycle after a payout.
func (m *Manager) HandleWithdrawalProcessed(ctx context.Context, accountID int64, externalID string) StartResult {
	m.logger.Info("withdrawal processed, restarting funded cycle",
		zap.Int64("account_id", accountID), zap.String("account", externalID))
	m.logEvent(ctx, model.SystemEvent(accountID, model.EventWithdrawalComplete, map[string]interface{}{
		"metaapi_account_id": externalID,
	}))
	return m.AttemptStartFundedStage(ctx, accountID, externalID)
}

func (m *Manager) stopStream(ctx context.Context, externalID string) {
	if _, err := m.streams.StopStream(ctx, externalID); err != nil {
		m.logger.Error("failed to stop stream", zap.String("account", externalID), zap.Error(err))
	}
}

func (m *Manager) logEvent(ctx context.Context, ev model.AccountEvent) {
	if err := m.store.LogEvent(ctx, ev); err != nil {
		m.logger.Error("failed to log event", zap.String("event", ev.EventType), zap.Error(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
