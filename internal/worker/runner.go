package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Runner supervises a set of workers. The first failure cancels the
// shared context and the rest are expected to drain and return.
type Runner struct {
	workers []Worker
}

// NewRunner creates a Runner over the given workers.
func NewRunner(workers ...Worker) *Runner {
	return &Runner{workers: workers}
}

// Run starts every worker and blocks until all have finished. A plain
// context cancellation is a clean stop; anything else comes back wrapped
// with the worker's name.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range r.workers {
		slog.Info("worker started", "name", w.Name())
		g.Go(func() error {
			err := w.Run(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("worker failed", "name", w.Name(), "error", err)
				return fmt.Errorf("worker %s: %w", w.Name(), err)
			}
			slog.Debug("worker stopped", "name", w.Name())
			return nil
		})
	}
	return g.Wait()
}
