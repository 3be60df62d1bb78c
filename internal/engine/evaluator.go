package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/VeilonTrading/veilon-trading/internal/infrastructure"
	"github.com/VeilonTrading/veilon-trading/internal/model"
	"github.com/VeilonTrading/veilon-trading/internal/storage"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Store is everything the rule engine reads and writes.
type Store interface {
	ActiveEvaluations(ctx context.Context) ([]model.ActiveEvaluation, error)
	PeriodBaseline(ctx context.Context, externalID string, start time.Time) (decimal.Decimal, error)
	PeriodHighLow(ctx context.Context, externalID string, start time.Time) (high, low decimal.Decimal, err error)
	LatestBar(ctx context.Context, externalID string, start time.Time) (model.Bar, error)

	MarkPassed(ctx context.Context, accountID int64) error
	MarkAwaitingWithdrawal(ctx context.Context, accountID int64) error
	MarkFailed(ctx context.Context, accountID int64) error
	ClosePeriod(ctx context.Context, periodID int64, reason string, status model.PeriodStatus) error
	LogEvent(ctx context.Context, ev model.AccountEvent) error
}

// StreamStopper stops the equity stream of a decided account.
type StreamStopper interface {
	StopStream(ctx context.Context, externalID string) (bool, error)
}

// Evaluator is the authoritative pass/fail check over stored bars.
type Evaluator struct {
	store    Store
	streams  StreamStopper
	logger   *zap.Logger
	interval time.Duration
	workers  int
}

// NewEvaluator builds the engine. streams may be nil, in which case the
// stream syncer stops decided accounts on its next pass.
func NewEvaluator(store Store, streams StreamStopper, logger *zap.Logger, interval time.Duration, workers int) *Evaluator {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Evaluator{
		store:    store,
		streams:  streams,
		logger:   logger,
		interval: interval,
		workers:  workers,
	}
}

// Run checks every active account on a fixed interval until ctx ends.
func (e *Evaluator) Run(ctx context.Context) {
	e.logger.Info("evaluation engine started", zap.Duration("interval", e.interval), zap.Int("workers", e.workers))

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		if err := e.RunCycle(ctx); err != nil {
			e.logger.Error("evaluation cycle failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			e.logger.Info("evaluation engine stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunCycle evaluates every active account once. Failures are contained to
// the account they happen on.
func (e *Evaluator) RunCycle(ctx context.Context) error {
	start := time.Now()
	defer func() {
		infrastructure.EvaluationCycleDuration.Observe(time.Since(start).Seconds())
	}()

	evals, err := e.store.ActiveEvaluations(ctx)
	if err != nil {
		return fmt.Errorf("load active accounts: %w", err)
	}
	e.logger.Debug("starting check cycle", zap.Int("accounts", len(evals)))

	cycleCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pool := NewWorkerPool(e.workers, e.CheckAccount, e.logger)
	pool.Start(cycleCtx)

	var wg sync.WaitGroup
	for _, ev := range evals {
		if !pool.Submit(cycleCtx, ev, &wg) {
			break
		}
	}
	wg.Wait()

	e.logger.Debug("check cycle complete", zap.Duration("took", time.Since(start)))
	return nil
}

// CheckAccount evaluates one account and applies the resulting transition.
func (e *Evaluator) CheckAccount(ctx context.Context, ev model.ActiveEvaluation) error {
	log := e.logger.With(
		zap.Int64("account_id", ev.AccountID),
		zap.String("account", ev.ExternalID),
		zap.String("plan", ev.Plan.Name))

	baseline, err := e.store.PeriodBaseline(ctx, ev.ExternalID, ev.StartTime)
	if errors.Is(err, storage.ErrNotFound) {
		log.Debug("no baseline data yet")
		infrastructure.EvaluationDecisions.WithLabelValues("skipped").Inc()
		return nil
	}
	if err != nil {
		return err
	}

	high, low, err := e.store.PeriodHighLow(ctx, ev.ExternalID, ev.StartTime)
	if errors.Is(err, storage.ErrNotFound) {
		log.Debug("no bar data yet")
		infrastructure.EvaluationDecisions.WithLabelValues("skipped").Inc()
		return nil
	}
	if err != nil {
		return err
	}

	res := Evaluate(baseline, high, low, ev.Plan)

	current := baseline
	if bar, err := e.store.LatestBar(ctx, ev.ExternalID, ev.StartTime); err == nil {
		current = bar.Close
	}
	log.Debug("account checked",
		zap.String("baseline", baseline.StringFixed(2)),
		zap.String("current", current.StringFixed(2)),
		zap.String("high", high.StringFixed(2)),
		zap.String("low", low.StringFixed(2)),
		zap.String("high_gain", res.HighGain.StringFixed(4)),
		zap.String("low_gain", res.LowGain.StringFixed(4)),
		zap.Float64("profit_target", ev.Plan.ProfitTargetPct),
		zap.Float64("max_drawdown", ev.Plan.MaxDrawdownPct))

	infrastructure.EvaluationDecisions.WithLabelValues(string(res.Decision)).Inc()

	switch res.Decision {
	case DecisionProfitTarget:
		log.Info("profit target hit", zap.String("high_gain", res.HighGain.StringFixed(4)))
		return e.handleProfitTarget(ctx, ev)
	case DecisionDrawdownBreach:
		log.Info("drawdown breach", zap.String("low_gain", res.LowGain.StringFixed(4)))
		return e.handleDrawdownBreach(ctx, ev)
	}
	return nil
}

func (e *Evaluator) handleProfitTarget(ctx context.Context, ev model.ActiveEvaluation) error {
	switch ev.PeriodType {
	case model.PeriodPhase1:
		if err := e.store.MarkPassed(ctx, ev.AccountID); err != nil {
			return err
		}
		if err := e.store.ClosePeriod(ctx, ev.PeriodID, model.EndProfitTargetHit, model.PeriodCompleted); err != nil {
			return err
		}
		e.stopStream(ctx, ev.ExternalID)
		e.logEvent(ctx, ev, model.EventEvaluationPassed, model.EndProfitTargetHit,
			"profit_target_pct", ev.Plan.ProfitTargetPct)
		e.logger.Info("account passed evaluation, now in review", zap.Int64("account_id", ev.AccountID))

	case model.PeriodFunded:
		if err := e.store.MarkAwaitingWithdrawal(ctx, ev.AccountID); err != nil {
			return err
		}
		if err := e.store.ClosePeriod(ctx, ev.PeriodID, model.EndProfitCapHit, model.PeriodCompleted); err != nil {
			return err
		}
		e.stopStream(ctx, ev.ExternalID)
		e.logEvent(ctx, ev, model.EventProfitCapHit, model.EndProfitCapHit,
			"profit_target_pct", ev.Plan.ProfitTargetPct)
		e.logger.Info("account hit profit cap, awaiting withdrawal", zap.Int64("account_id", ev.AccountID))

	default:
		return fmt.Errorf("unknown period type %q", ev.PeriodType)
	}
	return nil
}

func (e *Evaluator) handleDrawdownBreach(ctx context.Context, ev model.ActiveEvaluation) error {
	if err := e.store.MarkFailed(ctx, ev.AccountID); err != nil {
		return err
	}
	if err := e.store.ClosePeriod(ctx, ev.PeriodID, model.EndDrawdownBreach, model.PeriodFailed); err != nil {
		return err
	}
	e.stopStream(ctx, ev.ExternalID)
	e.logEvent(ctx, ev, model.EventEvaluationFailed, model.EndDrawdownBreach,
		"max_drawdown_pct", ev.Plan.MaxDrawdownPct)
	e.logger.Info("account failed, drawdown breach", zap.Int64("account_id", ev.AccountID))
	return nil
}

func (e *Evaluator) stopStream(ctx context.Context, externalID string) {
	if e.streams == nil {
		return
	}
	if _, err := e.streams.StopStream(ctx, externalID); err != nil {
		e.logger.Error("failed to stop stream", zap.String("account", externalID), zap.Error(err))
		return
	}
	e.logger.Info("stream stopped", zap.String("account", externalID))
}

// logEvent records the transition. Thresholds go out in percent form, the
// way plans are stored.
func (e *Evaluator) logEvent(ctx context.Context, ev model.ActiveEvaluation, eventType, reason, thresholdKey string, threshold float64) {
	payload := map[string]interface{}{
		"reason":            reason,
		"period_type":       string(ev.PeriodType),
		"trading_period_id": ev.PeriodID,
		"plan_name":         ev.Plan.Name,
		thresholdKey:        decimal.NewFromFloat(threshold).Shift(2).InexactFloat64(),
	}
	if err := e.store.LogEvent(ctx, model.SystemEvent(ev.AccountID, eventType, payload)); err != nil {
		e.logger.Error("failed to log event", zap.String("event", eventType), zap.Error(err))
	}
}
