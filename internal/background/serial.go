package background

import (
	"context"
	"sync"

	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"
)

// Serial runs tasks on a Runner one at a time, in the order they were pushed.
// Push never blocks; tasks queue up while an earlier one is running.
type Serial struct {
	runner *Runner

	mu      sync.Mutex
	pending []func(ctx context.Context) error
	running bool
}

func NewSerial(runner *Runner) *Serial {
	return &Serial{runner: runner}
}

// Push queues fn behind every task pushed before it. name identifies the task in logs.
func (s *Serial) Push(name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, func(ctx context.Context) error {
		var pc panics.Catcher
		var err error
		pc.Try(func() { err = fn(ctx) })
		if recovered := pc.Recovered(); recovered != nil {
			s.runner.logger.Error("Serial task panicked",
				zap.String("task", name),
				zap.Error(recovered.AsError()))
		}
		return err
	})
	if s.running {
		return
	}
	s.running = true
	s.runner.Go(name, s.drain)
}

func (s *Serial) drain(ctx context.Context) error {
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.running = false
			s.mu.Unlock()
			return nil
		}
		task := s.pending[0]
		s.pending[0] = nil
		s.pending = s.pending[1:]
		s.mu.Unlock()

		if err := task(ctx); err != nil {
			s.runner.logger.Error("Serial task failed", zap.Error(err))
		}
	}
}
