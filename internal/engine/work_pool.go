package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/VeilonTrading/veilon-trading/internal/model"
	"go.uber.org/zap"
)

type job struct {
	eval model.ActiveEvaluation
	wg   *sync.WaitGroup
}

// WorkerPool bounds how many accounts are checked at once during a cycle.
// The queue is unbuffered so a submitted job is always picked up.
type WorkerPool struct {
	jobQueue    chan job
	workerCount int
	handle      func(ctx context.Context, eval model.ActiveEvaluation) error
	logger      *zap.Logger
}

func NewWorkerPool(workerCount int, handle func(ctx context.Context, eval model.ActiveEvaluation) error, logger *zap.Logger) *WorkerPool {
	if workerCount <= 0 {
		workerCount = 1
	}
	return &WorkerPool{
		jobQueue:    make(chan job),
		workerCount: workerCount,
		handle:      handle,
		logger:      logger,
	}
}

func (p *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < p.workerCount; i++ {
		go p.worker(ctx, i)
	}
	p.logger.Debug("started worker pool", zap.Int("workers", p.workerCount))
}

// Submit hands eval to a worker, or returns false when ctx ends first.
func (p *WorkerPool) Submit(ctx context.Context, eval model.ActiveEvaluation, wg *sync.WaitGroup) bool {
	wg.Add(1)
	select {
	case p.jobQueue <- job{eval: eval, wg: wg}:
		return true
	case <-ctx.Done():
		wg.Done()
		return false
	}
}

func (p *WorkerPool) worker(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-p.jobQueue:
			p.process(ctx, id, j)
		}
	}
}

func (p *WorkerPool) process(ctx context.Context, workerID int, j job) {
	defer j.wg.Done()
	if err := p.safeHandle(ctx, j.eval); err != nil {
		p.logger.Error("account check failed",
			zap.Int("worker_id", workerID),
			zap.Int64("account_id", j.eval.AccountID),
			zap.String("account", j.eval.ExternalID),
			zap.Error(err))
	}
}

func (p *WorkerPool) safeHandle(ctx context.Context, eval model.ActiveEvaluation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.handle(ctx, eval)
}
