package worker

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type fakeWorker struct {
	name  string
	runFn func(ctx context.Context) error
}

func (f *fakeWorker) Name() string {
	if f.name == "" {
		return "fake"
	}
	return f.name
}

func (f *fakeWorker) Run(ctx context.Context) error {
	if f.runFn != nil {
		return f.runFn(ctx)
	}
	<-ctx.Done()
	return nil
}

func TestRunner_StopOnCancel(t *testing.T) {
	t.Parallel()
	w := &fakeWorker{}
	r := NewRunner(w)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop after cancel")
	}
}

func TestRunner_PropagateError(t *testing.T) {
	t.Parallel()
	testErr := errors.New("boom")
	w := &fakeWorker{name: "flaky", runFn: func(context.Context) error { return testErr }}
	r := NewRunner(w)

	err := r.Run(t.Context())
	if !errors.Is(err, testErr) {
		t.Fatalf("err = %v, want %v", err, testErr)
	}
	if !strings.Contains(err.Error(), "flaky") {
		t.Errorf("err = %q, want the worker name in it", err)
	}
}

func TestRunner_CancelErrorIsClean(t *testing.T) {
	t.Parallel()
	// A worker surfacing its context error on shutdown is a clean stop,
	// not a failure.
	w := &fakeWorker{runFn: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	r := NewRunner(w)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil on cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop after cancel")
	}
}

func TestRunner_ErrorCancelsSiblings(t *testing.T) {
	t.Parallel()
	testErr := errors.New("worker failed")
	sibDone := make(chan struct{})
	bad := &fakeWorker{name: "bad", runFn: func(context.Context) error { return testErr }}
	sib := &fakeWorker{name: "sibling", runFn: func(ctx context.Context) error {
		<-ctx.Done()
		close(sibDone)
		return nil
	}}
	r := NewRunner(bad, sib)

	if err := r.Run(t.Context()); !errors.Is(err, testErr) {
		t.Errorf("err = %v, want %v", err, testErr)
	}
	// Run returns only after every worker exits, so the sibling must have
	// seen the cancellation by now.
	select {
	case <-sibDone:
	default:
		t.Error("sibling was not cancelled")
	}
}

func TestRunner_MultipleWorkers(t *testing.T) {
	t.Parallel()
	var count atomic.Int32
	w1 := &fakeWorker{name: "one", runFn: func(ctx context.Context) error { count.Add(1); <-ctx.Done(); return nil }}
	w2 := &fakeWorker{name: "two", runFn: func(ctx context.Context) error { count.Add(1); <-ctx.Done(); return nil }}
	r := NewRunner(w1, w2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if count.Load() != 2 {
			t.Errorf("count = %d, want 2", count.Load())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
}
