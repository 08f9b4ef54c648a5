package circuit

import (
	"context"
	"testing"
	"time"

	relay "github.com/eugener/switchyard/internal"
)

func testProvider(threshold int, openMs int64, halfOpen int) *relay.Provider {
	return &relay.Provider{
		ID:                       "p1",
		FailureThreshold:         threshold,
		OpenDurationMs:           openMs,
		HalfOpenSuccessThreshold: halfOpen,
	}
}

func newTestBreaker(t *testing.T) *Breaker {
	t.Helper()
	b, err := New(NewMemoryStore(), DefaultConfig(), 0, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func TestBreaker_TripsAtThreshold(t *testing.T) {
	t.Parallel()

	b := newTestBreaker(t)
	ctx := context.Background()
	p := testProvider(3, 30_000, 1)

	for i := 1; i <= 2; i++ {
		rec, err := b.RecordFailure(ctx, p)
		if err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
		if rec.State != StateClosed {
			t.Fatalf("state after %d failures = %v, want closed", i, rec.State)
		}
		if rec.FailureCount != i {
			t.Fatalf("failureCount = %d, want %d", rec.FailureCount, i)
		}
	}

	rec, err := b.RecordFailure(ctx, p)
	if err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if rec.State != StateOpen {
		t.Fatalf("state after third failure = %v, want open", rec.State)
	}
	if rec.FailureCount != 3 {
		t.Fatalf("failureCount at trip = %d, want 3", rec.FailureCount)
	}
	if rec.OpenUntil.IsZero() {
		t.Fatal("openUntil not armed")
	}
}

func TestBreaker_OpenIgnoresOutcomes(t *testing.T) {
	t.Parallel()

	b := newTestBreaker(t)
	ctx := context.Background()
	p := testProvider(1, 60_000, 1)

	if _, err := b.RecordFailure(ctx, p); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}

	rec, err := b.RecordFailure(ctx, p)
	if err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if rec.State != StateOpen || rec.FailureCount != 1 {
		t.Fatalf("open record mutated: state=%v failures=%d", rec.State, rec.FailureCount)
	}

	rec, err = b.RecordSuccess(ctx, p)
	if err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}
	if rec.State != StateOpen {
		t.Fatalf("success in open moved state to %v", rec.State)
	}
}

func TestBreaker_LazyHalfOpenAndClose(t *testing.T) {
	t.Parallel()

	b := newTestBreaker(t)
	ctx := context.Background()
	p := testProvider(1, 10, 2) // 10ms open window, 2 successes to close

	base := time.Now()
	b.now = func() time.Time { return base }

	if _, err := b.RecordFailure(ctx, p); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	rec, err := b.State(ctx, p)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if rec.State != StateOpen {
		t.Fatalf("state = %v, want open", rec.State)
	}

	// First read after openUntil transitions to half_open.
	b.now = func() time.Time { return base.Add(20 * time.Millisecond) }
	rec, err = b.State(ctx, p)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if rec.State != StateHalfOpen {
		t.Fatalf("state after open window = %v, want half_open", rec.State)
	}

	// Two successes close it and clear the failure counter.
	if rec, err = b.RecordSuccess(ctx, p); err != nil || rec.State != StateHalfOpen {
		t.Fatalf("first probe success: state=%v err=%v, want half_open", rec.State, err)
	}
	if rec.HalfOpenSuccesses != 1 {
		t.Fatalf("halfOpenSuccesses = %d, want 1", rec.HalfOpenSuccesses)
	}
	if rec, err = b.RecordSuccess(ctx, p); err != nil || rec.State != StateClosed {
		t.Fatalf("second probe success: state=%v err=%v, want closed", rec.State, err)
	}
	if rec.FailureCount != 0 || rec.HalfOpenSuccesses != 0 {
		t.Fatalf("counters not reset on close: %+v", rec)
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	b := newTestBreaker(t)
	ctx := context.Background()
	p := testProvider(1, 10, 2)

	base := time.Now()
	b.now = func() time.Time { return base }
	if _, err := b.RecordFailure(ctx, p); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}

	b.now = func() time.Time { return base.Add(20 * time.Millisecond) }
	rec, err := b.RecordFailure(ctx, p)
	if err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if rec.State != StateOpen {
		t.Fatalf("state after half-open failure = %v, want open", rec.State)
	}
	// Timer re-armed from the new failure time.
	if want := base.Add(20*time.Millisecond + 10*time.Millisecond); !rec.OpenUntil.Equal(want) {
		t.Fatalf("openUntil = %v, want %v", rec.OpenUntil, want)
	}
}

func TestBreaker_Reset(t *testing.T) {
	t.Parallel()

	b := newTestBreaker(t)
	ctx := context.Background()
	p := testProvider(1, 60_000, 1)

	if _, err := b.RecordFailure(ctx, p); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if err := b.Reset(ctx, p.ID); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	rec, err := b.State(ctx, p)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if rec.State != StateClosed || rec.FailureCount != 0 {
		t.Fatalf("after reset: %+v, want closed/0", rec)
	}
}

func TestBreaker_MemoServesFreshOpens(t *testing.T) {
	t.Parallel()

	b, err := New(NewMemoryStore(), DefaultConfig(), time.Minute, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	p := testProvider(1, 10, 1)

	base := time.Now()
	b.now = func() time.Time { return base }
	if _, err := b.RecordFailure(ctx, p); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	// Prime the memo with the open record.
	rec, err := b.State(ctx, p)
	if err != nil || rec.State != StateOpen {
		t.Fatalf("State: rec=%+v err=%v, want open", rec, err)
	}

	// Once openUntil passes, the memoized open record must not keep
	// rejecting: State falls through to the store and sees half_open.
	b.now = func() time.Time { return base.Add(time.Second) }
	rec, err = b.State(ctx, p)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if rec.State != StateHalfOpen {
		t.Fatalf("state via memo after window = %v, want half_open", rec.State)
	}
}

func TestBreaker_TransitionHook(t *testing.T) {
	t.Parallel()

	var transitions []string
	hook := func(id string, from, to State) {
		transitions = append(transitions, id+":"+from.String()+">"+to.String())
	}
	b, err := New(NewMemoryStore(), DefaultConfig(), 0, hook)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	p := testProvider(1, 10, 1)

	base := time.Now()
	b.now = func() time.Time { return base }
	if _, err := b.RecordFailure(ctx, p); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	b.now = func() time.Time { return base.Add(time.Second) }
	if _, err := b.RecordSuccess(ctx, p); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}

	want := []string{"p1:closed>open", "p1:half_open>closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transition[%d] = %q, want %q", i, transitions[i], want[i])
		}
	}
}

func TestBreaker_ProviderConfigOverride(t *testing.T) {
	t.Parallel()

	b := newTestBreaker(t) // defaults: threshold 5
	ctx := context.Background()

	// Provider with threshold 2 trips on the second failure.
	p := testProvider(2, 30_000, 1)
	if _, err := b.RecordFailure(ctx, p); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	rec, err := b.RecordFailure(ctx, p)
	if err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if rec.State != StateOpen {
		t.Fatalf("state = %v, want open at provider threshold", rec.State)
	}

	// Provider with zero config uses the defaults (threshold 5).
	p2 := &relay.Provider{ID: "p2"}
	for range 4 {
		if _, err := b.RecordFailure(ctx, p2); err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
	}
	rec, err = b.State(ctx, p2)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if rec.State != StateClosed {
		t.Fatalf("state at 4/5 failures = %v, want closed", rec.State)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
		if tt.want != "unknown" && ParseState(tt.want) != tt.state {
			t.Errorf("ParseState(%q) = %v, want %v", tt.want, ParseState(tt.want), tt.state)
		}
	}
}
