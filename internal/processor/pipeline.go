package processor

import (
	"context"
	"fmt"

	"github.com/VeilonTrading/veilon-trading/internal/infrastructure"
	"github.com/VeilonTrading/veilon-trading/internal/model"
	"go.uber.org/zap"
)

type TickHandler interface {
	HandleTick(ctx context.Context, tick model.EquityTick) error
}

type stage struct {
	name    string
	handler TickHandler
}

// Pipeline fans a tick out to the sink, the bar aggregator and the monitor in
// that order. A failing stage is logged and does not stop the others.
type Pipeline struct {
	logger *zap.Logger
	stages []stage
}

func NewPipeline(logger *zap.Logger, sink *TickSink, bars *OHLCAggregator, monitor *EquityMonitor) *Pipeline {
	return &Pipeline{
		logger: logger,
		stages: []stage{
			{name: "tick_sink", handler: sink},
			{name: "ohlc", handler: bars},
			{name: "monitor", handler: monitor},
		},
	}
}

func (p *Pipeline) Dispatch(ctx context.Context, tick model.EquityTick) {
	infrastructure.TicksProcessed.Inc()
	for _, st := range p.stages {
		if err := p.run(ctx, st, tick); err != nil {
			infrastructure.TickHandlerErrors.WithLabelValues(st.name).Inc()
			p.logger.Error("tick handler failed",
				zap.String("handler", st.name),
				zap.String("account", tick.ExternalID),
				zap.Error(err))
		}
	}
}

func (p *Pipeline) run(ctx context.Context, st stage, tick model.EquityTick) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return st.handler.HandleTick(ctx, tick)
}
