package worker

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Pool runs independent runners side by side. If one gives up on the job
// store the others are stopped too and Run returns its error.
type Pool struct {
	runners []*Runner
	logger  *zap.Logger
}

func NewPool(logger *zap.Logger, runners ...*Runner) *Pool {
	return &Pool{runners: runners, logger: logger}
}

func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool started", zap.Int("runners", len(p.runners)))

	g, ctx := errgroup.WithContext(ctx)
	for _, r := range p.runners {
		r := r
		g.Go(func() error { return r.Run(ctx) })
	}

	err := g.Wait()
	if err != nil {
		p.logger.Error("worker pool stopped", zap.Error(err))
		return err
	}
	p.logger.Info("worker pool stopped")
	return nil
}
