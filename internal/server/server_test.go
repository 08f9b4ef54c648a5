package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	relay "github.com/eugener/switchyard/internal"
	"github.com/eugener/switchyard/internal/auth"
	"github.com/eugener/switchyard/internal/cache"
	"github.com/eugener/switchyard/internal/circuit"
	"github.com/eugener/switchyard/internal/counter"
	"github.com/eugener/switchyard/internal/forward"
	"github.com/eugener/switchyard/internal/metering"
	"github.com/eugener/switchyard/internal/pricing"
	"github.com/eugener/switchyard/internal/quota"
	"github.com/eugener/switchyard/internal/selector"
	"github.com/eugener/switchyard/internal/session"
	"github.com/eugener/switchyard/internal/telemetry"
	"github.com/eugener/switchyard/internal/testutil"
)

const testSecret = "server-test-hashing-secret"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// rig assembles the full proxy pipeline over in-memory backends, wired the
// same way main wires production.
type rig struct {
	store   *testutil.Store
	tracker *session.MemoryTracker
	tasks   *session.Manager
	breaker *circuit.Breaker
	instr   *cache.Memory
	handler http.Handler
}

func newRig(t *testing.T, store *testutil.Store, mutate ...func(*Deps)) *rig {
	t.Helper()
	logger := discardLogger()

	keyAuth, err := auth.New(store, testSecret)
	if err != nil {
		t.Fatalf("auth: %v", err)
	}

	counters := counter.NewMemory()
	guard := quota.New(counters, store, store, quota.Config{})
	gate := quota.NewProviderGate(counters, store, quota.Config{})

	breaker, err := circuit.New(circuit.NewMemoryStore(), circuit.DefaultConfig(), 0, nil)
	if err != nil {
		t.Fatalf("circuit: %v", err)
	}

	catalog := cache.NewCatalog(store, time.Minute)
	sel := selector.New(catalog, breaker, gate, logger)

	instr, err := cache.NewMemory(128, time.Hour)
	if err != nil {
		t.Fatalf("instructions cache: %v", err)
	}
	fwd := forward.New(sel, breaker, catalog, forward.NewTransports(nil), nil, instr,
		forward.Config{SystemRetryDelay: time.Millisecond}, logger)

	prices, err := pricing.NewTable(store)
	if err != nil {
		t.Fatalf("pricing: %v", err)
	}

	tracker := session.NewMemoryTracker()
	tasks := session.NewManager(logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tasks.Shutdown(ctx)
	})

	meter := metering.New(guard, gate, prices, store, tracker, tasks, metering.Config{}, logger)

	deps := Deps{
		Auth:      keyAuth,
		Guard:     guard,
		Forwarder: fwd,
		Metering:  meter,
		Tracker:   tracker,
		Breaker:   breaker,
		Providers: store,
		Logger:    logger,
	}
	for _, m := range mutate {
		m(&deps)
	}

	return &rig{
		store:   store,
		tracker: tracker,
		tasks:   tasks,
		breaker: breaker,
		instr:   instr,
		handler: New(deps),
	}
}

// settle blocks until the background finalization tasks drain, so billing
// and audit assertions see final state.
func (r *rig) settle(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if r.tasks.Len() == 0 {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("settlement tasks did not drain")
}

// waitSettledRow polls until an audit row reaches a terminal status.
func waitSettledRow(t *testing.T, store *testutil.Store) *relay.MessageRequest {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, row := range store.Requests() {
			if row.StatusCode != 0 {
				return row
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("no audit row settled")
	return nil
}

func testUser(id string) *relay.User {
	return &relay.User{ID: id, Name: id, Role: relay.RoleUser, Enabled: true}
}

// seedKey mints a key for the user and loads both into the store, returning
// the plaintext bearer.
func seedKey(t *testing.T, store *testutil.Store, u *relay.User) string {
	t.Helper()
	m, err := auth.NewMinter(testSecret)
	if err != nil {
		t.Fatalf("minter: %v", err)
	}
	bearer, key, err := m.Mint(u.ID, u.Name)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	store.AddUser(u)
	store.AddKey(key)
	return bearer
}

func testProvider(id, url string, priority int) *relay.Provider {
	return &relay.Provider{
		ID:             id,
		Name:           id,
		URL:            url,
		Key:            "upstream-key",
		Type:           relay.ProviderClaude,
		Priority:       priority,
		Weight:         1,
		CostMultiplier: 1,
		Enabled:        true,
	}
}

// perTokenPrice prices every token kind of a model at the same USD rate.
func perTokenPrice(model string, usd float64) *relay.ModelPrice {
	return &relay.ModelPrice{
		Model:       model,
		InputUSD:    usd,
		OutputUSD:   usd,
		EffectiveAt: time.Now().Add(-time.Hour),
	}
}

func conversationBody(model string) string {
	return `{"model":"` + model + `","max_tokens":64,"messages":[{"role":"user","content":"hello there"}]}`
}

func streamingBody(model string) string {
	return `{"model":"` + model + `","max_tokens":64,"stream":true,"messages":[{"role":"user","content":"hello there"}]}`
}

func proxyRequest(bearer, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// claudeUpstream answers every request with a fixed Claude-dialect message
// carrying the given token counts.
func claudeUpstream(input, output int64) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		body := map[string]any{
			"id":          "msg_ok",
			"type":        "message",
			"role":        "assistant",
			"model":       "m1",
			"content":     []any{map[string]any{"type": "text", "text": "hi"}},
			"stop_reason": "end_turn",
			"usage":       map[string]int64{"input_tokens": input, "output_tokens": output},
		}
		json.NewEncoder(w).Encode(body)
	}
}

// decodeError unpacks the proxy error envelope.
func decodeError(t *testing.T, body []byte) (kind, message string) {
	t.Helper()
	var e struct {
		Type  string `json:"type"`
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err != nil {
		t.Fatalf("decode error envelope: %v (body %q)", err, body)
	}
	if e.Type != "error" {
		t.Fatalf("envelope type = %q, want error", e.Type)
	}
	return e.Error.Type, e.Error.Message
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	h := New(Deps{Logger: discardLogger()})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != "ok" {
		t.Fatalf("body = %q, want %q", rec.Body.String(), "ok")
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	t.Run("no check configured", func(t *testing.T) {
		t.Parallel()
		h := New(Deps{Logger: discardLogger()})
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
		}
	})

	t.Run("check fails", func(t *testing.T) {
		t.Parallel()
		h := New(Deps{
			Logger:     discardLogger(),
			ReadyCheck: func(context.Context) error { return errors.New("store down") },
		})
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
		}
	})
}

func TestRequestIDHeader(t *testing.T) {
	t.Parallel()
	h := New(Deps{Logger: discardLogger()})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	id := rec.Header().Get("X-Request-Id")
	if id == "" {
		t.Fatal("X-Request-Id header missing")
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("X-Request-Id %q is not a uuid: %v", id, err)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	h := New(Deps{
		Logger:   discardLogger(),
		Metrics:  telemetry.NewMetrics(reg),
		Gatherer: reg,
	})

	// One observed request, then scrape.
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	want := `switchyard_requests_total{method="GET",path="/healthz",status="200"} 1`
	if !strings.Contains(rec.Body.String(), want) {
		t.Fatalf("scrape missing %q:\n%s", want, rec.Body.String())
	}
}

func TestMetricsEndpointDisabled(t *testing.T) {
	t.Parallel()
	h := New(Deps{Logger: discardLogger()})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}
