package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type fakeSessions struct {
	sweeps atomic.Int32
	tick   chan struct{}
}

func (f *fakeSessions) Sweep() int {
	n := 0
	if f.sweeps.Add(1) == 1 {
		n = 3
	}
	select {
	case f.tick <- struct{}{}:
	default:
	}
	return n
}

func (f *fakeSessions) Len() int { return 5 }

func TestSessionSweeper_SweepsAndUpdatesGauge(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	live := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_sessions_live"})
	reg.MustRegister(live)

	sessions := &fakeSessions{tick: make(chan struct{}, 8)}
	w := NewSessionSweeper(sessions, 5*time.Millisecond, live)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case <-sessions.tick:
		case <-time.After(2 * time.Second):
			t.Fatal("sweep never happened")
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	fams, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(fams) != 1 {
		t.Fatalf("families = %d, want 1", len(fams))
	}
	if got := fams[0].GetMetric()[0].GetGauge().GetValue(); got != 5 {
		t.Errorf("live gauge = %v, want 5", got)
	}
}

func TestSessionSweeper_NilGauge(t *testing.T) {
	t.Parallel()

	sessions := &fakeSessions{tick: make(chan struct{}, 8)}
	w := NewSessionSweeper(sessions, 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case <-sessions.tick:
	case <-time.After(2 * time.Second):
		t.Fatal("sweep never happened")
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
