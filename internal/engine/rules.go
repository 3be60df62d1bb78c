package engine

import (
	"github.com/VeilonTrading/veilon-trading/internal/model"
	"github.com/shopspring/decimal"
)

type Decision string

const (
	DecisionNone           Decision = "none"
	DecisionProfitTarget   Decision = "profit_target"
	DecisionDrawdownBreach Decision = "drawdown_breach"
)

// Result carries a decision and the gains it was derived from.
type Result struct {
	Decision Decision
	HighGain decimal.Decimal
	LowGain  decimal.Decimal
}

// Evaluate applies the plan limits to the period-wide extrema. The target is
// checked first, so a period that touched both reports profit_target.
func Evaluate(baseline, high, low decimal.Decimal, plan model.PlanThresholds) Result {
	if !baseline.IsPositive() {
		return Result{Decision: DecisionNone}
	}

	res := Result{
		Decision: DecisionNone,
		HighGain: high.Sub(baseline).Div(baseline),
		LowGain:  low.Sub(baseline).Div(baseline),
	}

	target := decimal.NewFromFloat(plan.ProfitTargetPct)
	maxDrawdown := decimal.NewFromFloat(plan.MaxDrawdownPct)

	switch {
	case plan.ProfitTargetPct > 0 && res.HighGain.GreaterThanOrEqual(target):
		res.Decision = DecisionProfitTarget
	case plan.MaxDrawdownPct > 0 && res.LowGain.LessThanOrEqual(maxDrawdown.Neg()):
		res.Decision = DecisionDrawdownBreach
	}
	return res
}
