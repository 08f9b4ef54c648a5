// Package worker runs the relay's periodic background tasks: provider
// catalog refresh, expired-session sweeping and DNS cache refresh.
package worker

import "context"

// Worker is a long-running background task.
type Worker interface {
	// Name identifies the worker in logs.
	Name() string
	// Run blocks until ctx is cancelled or the task cannot continue.
	Run(ctx context.Context) error
}
