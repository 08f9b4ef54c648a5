package cache

import (
	"context"
	"testing"
	"time"
)

func newByteCache(t *testing.T, ttl time.Duration) *Memory {
	t.Helper()
	m, err := NewMemory(64, ttl)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	return m
}

func TestMemoryRoundTrip(t *testing.T) {
	t.Parallel()
	m := newByteCache(t, time.Minute)
	ctx := context.Background()

	if _, ok := m.Get(ctx, "instr:prov-a:gpt-5"); ok {
		t.Fatal("empty cache returned a value")
	}

	m.Set(ctx, "instr:prov-a:gpt-5", []byte("be terse"), time.Minute)
	// Writes land asynchronously in otter.
	time.Sleep(50 * time.Millisecond)

	got, ok := m.Get(ctx, "instr:prov-a:gpt-5")
	if !ok {
		t.Fatal("value missing after Set")
	}
	if string(got) != "be terse" {
		t.Errorf("Get = %q, want %q", got, "be terse")
	}

	// Last write wins.
	m.Set(ctx, "instr:prov-a:gpt-5", []byte("be thorough"), time.Minute)
	time.Sleep(50 * time.Millisecond)
	if got, _ := m.Get(ctx, "instr:prov-a:gpt-5"); string(got) != "be thorough" {
		t.Errorf("Get after overwrite = %q, want %q", got, "be thorough")
	}
}

func TestMemoryDeadline(t *testing.T) {
	t.Parallel()
	m := newByteCache(t, time.Hour)
	ctx := context.Background()

	m.Set(ctx, "short-lived", []byte("x"), 30*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	if _, ok := m.Get(ctx, "short-lived"); ok {
		t.Fatal("entry survived its deadline")
	}
}

func TestMemoryDelete(t *testing.T) {
	t.Parallel()
	m := newByteCache(t, time.Minute)
	ctx := context.Background()

	m.Set(ctx, "instr:prov-b:gpt-5", []byte("y"), time.Minute)
	time.Sleep(50 * time.Millisecond)

	m.Delete(ctx, "instr:prov-b:gpt-5")
	if _, ok := m.Get(ctx, "instr:prov-b:gpt-5"); ok {
		t.Fatal("deleted entry still readable")
	}
}

func TestMemoryPurge(t *testing.T) {
	t.Parallel()
	m := newByteCache(t, time.Minute)
	ctx := context.Background()

	m.Set(ctx, "a", []byte("1"), time.Minute)
	m.Set(ctx, "b", []byte("2"), time.Minute)
	time.Sleep(50 * time.Millisecond)

	m.Purge(ctx)

	for _, key := range []string{"a", "b"} {
		if _, ok := m.Get(ctx, key); ok {
			t.Errorf("key %q survived purge", key)
		}
	}
}
