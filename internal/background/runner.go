// Package background runs fire-and-forget side effects off the caller's critical path.
package background

import (
	"context"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"
)

// Runner starts tasks whose errors and panics are logged and never propagated.
type Runner struct {
	ctx    context.Context
	wg     conc.WaitGroup
	logger *zap.Logger
}

// NewRunner binds every task to ctx; cancelling it cancels running tasks.
func NewRunner(ctx context.Context, logger *zap.Logger) *Runner {
	return &Runner{ctx: ctx, logger: logger}
}

// Go runs fn in its own goroutine. name identifies the task in logs.
func (r *Runner) Go(name string, fn func(ctx context.Context) error) {
	r.wg.Go(func() {
		var pc panics.Catcher
		pc.Try(func() {
			if err := fn(r.ctx); err != nil {
				r.logger.Error("Background task failed",
					zap.String("task", name),
					zap.Error(err))
			}
		})
		if recovered := pc.Recovered(); recovered != nil {
			r.logger.Error("Background task panicked",
				zap.String("task", name),
				zap.Error(recovered.AsError()))
		}
	})
}

// Wait blocks until every started task has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}
