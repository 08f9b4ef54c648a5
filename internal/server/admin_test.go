package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	relay "github.com/eugener/switchyard/internal"
	"github.com/eugener/switchyard/internal/circuit"
	"github.com/eugener/switchyard/internal/testutil"
)

// adminRig seeds an admin principal and returns its bearer alongside the rig.
func adminRig(t *testing.T, store *testutil.Store) (*rig, string) {
	t.Helper()
	admin := testUser("root")
	admin.Role = relay.RoleAdmin
	bearer := seedKey(t, store, admin)
	return newRig(t, store), bearer
}

func adminGet(t *testing.T, r *rig, bearer, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", "Bearer "+bearer)
	rec := httptest.NewRecorder()
	r.handler.ServeHTTP(rec, req)
	return rec
}

func TestAdminListSessions(t *testing.T) {
	t.Parallel()
	rig, bearer := adminRig(t, testutil.NewStore())

	base := time.Now()
	for i, id := range []string{"sess-old", "sess-mid", "sess-new"} {
		st := &relay.SessionState{
			ID:        id,
			Requests:  int64(i + 1),
			UpdatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := rig.tracker.Save(context.Background(), st, time.Hour); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}

	rec := adminGet(t, rig, bearer, "/admin/sessions")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	var out struct {
		Data       []*relay.SessionState `json:"data"`
		Pagination pagination            `json:"pagination"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Pagination.Total != 3 {
		t.Fatalf("total = %d, want 3", out.Pagination.Total)
	}
	if len(out.Data) != 3 {
		t.Fatalf("data = %d entries, want 3", len(out.Data))
	}
	// Most recently updated first.
	for i, want := range []string{"sess-new", "sess-mid", "sess-old"} {
		if out.Data[i].ID != want {
			t.Fatalf("data[%d] = %s, want %s", i, out.Data[i].ID, want)
		}
	}

	rec = adminGet(t, rig, bearer, "/admin/sessions?offset=1&limit=1")
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if len(out.Data) != 1 || out.Data[0].ID != "sess-mid" {
		t.Fatalf("page = %+v, want [sess-mid]", out.Data)
	}
	if out.Pagination.Total != 3 || out.Pagination.Offset != 1 || out.Pagination.Limit != 1 {
		t.Fatalf("pagination = %+v", out.Pagination)
	}
}

func TestAdminGetSession(t *testing.T) {
	t.Parallel()
	rig, bearer := adminRig(t, testutil.NewStore())

	st := &relay.SessionState{
		ID:              "sess-1",
		BoundProviderID: "prov-a",
		Requests:        4,
		CostUSD:         1.25,
		UpdatedAt:       time.Now(),
	}
	if err := rig.tracker.Save(context.Background(), st, time.Hour); err != nil {
		t.Fatalf("save: %v", err)
	}

	rec := adminGet(t, rig, bearer, "/admin/sessions/sess-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var got relay.SessionState
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "sess-1" || got.BoundProviderID != "prov-a" || got.Requests != 4 {
		t.Fatalf("session = %+v", got)
	}

	rec = adminGet(t, rig, bearer, "/admin/sessions/nope")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing session status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestAdminCircuitReset(t *testing.T) {
	t.Parallel()
	store := testutil.NewStore()
	prov := testProvider("prov-a", "http://unused.invalid", 1)
	store.AddProvider(prov)
	rig, bearer := adminRig(t, store)

	ctx := context.Background()
	cfg := circuit.DefaultConfig()
	for i := 0; i < cfg.FailureThreshold; i++ {
		if _, err := rig.breaker.RecordFailure(ctx, prov); err != nil {
			t.Fatalf("record failure: %v", err)
		}
	}
	rec, err := rig.breaker.State(ctx, prov)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if rec.State != circuit.StateOpen {
		t.Fatalf("state = %s, want open", rec.State)
	}

	req := httptest.NewRequest(http.MethodPost, "/admin/providers/prov-a/circuit/reset", nil)
	req.Header.Set("Authorization", "Bearer "+bearer)
	w := httptest.NewRecorder()
	rig.handler.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("reset status = %d, want %d; body = %s", w.Code, http.StatusNoContent, w.Body.String())
	}

	rec, err = rig.breaker.State(ctx, prov)
	if err != nil {
		t.Fatalf("state after reset: %v", err)
	}
	if rec.State != circuit.StateClosed || rec.FailureCount != 0 {
		t.Fatalf("after reset state = %s failures = %d, want closed 0", rec.State, rec.FailureCount)
	}
}

func TestAdminCircuitResetUnknownProvider(t *testing.T) {
	t.Parallel()
	rig, bearer := adminRig(t, testutil.NewStore())

	req := httptest.NewRequest(http.MethodPost, "/admin/providers/ghost/circuit/reset", nil)
	req.Header.Set("Authorization", "Bearer "+bearer)
	w := httptest.NewRecorder()
	rig.handler.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}
