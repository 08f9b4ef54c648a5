package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const defaultSweepInterval = time.Minute

// SessionStore is the in-process tracker slice the sweeper drives. Shared
// trackers expire entries by TTL on the store side and need no sweeping.
type SessionStore interface {
	Sweep() int
	Len() int
}

// SessionSweeper evicts expired session state from the in-process tracker
// and keeps the live-session gauge current.
type SessionSweeper struct {
	sessions SessionStore
	interval time.Duration
	live     prometheus.Gauge // may be nil
}

// NewSessionSweeper creates a SessionSweeper. A non-positive interval falls
// back to the default; live may be nil when metrics are disabled.
func NewSessionSweeper(sessions SessionStore, interval time.Duration, live prometheus.Gauge) *SessionSweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &SessionSweeper{sessions: sessions, interval: interval, live: live}
}

// Name returns the worker identifier.
func (w *SessionSweeper) Name() string { return "session_sweeper" }

// Run sweeps on every tick until ctx is cancelled.
func (w *SessionSweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			swept := w.sessions.Sweep()
			if w.live != nil {
				w.live.Set(float64(w.sessions.Len()))
			}
			if swept > 0 {
				slog.LogAttrs(ctx, slog.LevelDebug, "sessions swept",
					slog.Int("count", swept),
				)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
