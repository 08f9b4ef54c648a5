package upstreamauth

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	relay "github.com/eugener/switchyard/internal"
)

// tokenEndpoint fakes the OAuth token exchange. Each grant returns a fresh
// access token numbered by call order.
func tokenEndpoint(t *testing.T, hits *atomic.Int32) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.Form.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q, want refresh_token", got)
		}
		if r.Form.Get("refresh_token") == "" {
			t.Error("refresh_token missing from grant")
		}
		if got := r.Form.Get("client_id"); got != "test-client" {
			t.Errorf("client_id = %q, want test-client", got)
		}
		n := hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"at-%d","token_type":"Bearer","expires_in":3600}`, n)
	}
}

func TestBearerStaticKey(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(tokenEndpoint(t, &hits))
	defer srv.Close()

	src := New(srv.URL, "test-client")
	for _, typ := range []relay.ProviderType{relay.ProviderClaude, relay.ProviderCodex, relay.ProviderOpenAI} {
		p := &relay.Provider{ID: "prov-" + string(typ), Type: typ, Key: "sk-static"}
		got, err := src.Bearer(context.Background(), p)
		if err != nil {
			t.Fatalf("%s: %v", typ, err)
		}
		if got != "sk-static" {
			t.Errorf("%s bearer = %q, want stored key", typ, got)
		}
	}
	if hits.Load() != 0 {
		t.Errorf("token endpoint hit %d times for static providers", hits.Load())
	}
}

func TestBearerExchangesRefreshToken(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(tokenEndpoint(t, &hits))
	defer srv.Close()

	src := New(srv.URL, "test-client")
	p := &relay.Provider{ID: "prov-oauth", Type: relay.ProviderClaudeAuth, Key: "rt-1"}

	got, err := src.Bearer(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if got != "at-1" {
		t.Errorf("bearer = %q, want at-1", got)
	}

	// The access token is cached: a second call must not re-exchange.
	got, err = src.Bearer(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if got != "at-1" {
		t.Errorf("cached bearer = %q, want at-1", got)
	}
	if hits.Load() != 1 {
		t.Errorf("token endpoint hits = %d, want 1", hits.Load())
	}
}

func TestBearerRotatedRefreshToken(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(tokenEndpoint(t, &hits))
	defer srv.Close()

	src := New(srv.URL, "test-client")
	p := &relay.Provider{ID: "prov-oauth", Type: relay.ProviderClaudeAuth, Key: "rt-1"}

	if _, err := src.Bearer(context.Background(), p); err != nil {
		t.Fatal(err)
	}

	// Rotating the stored refresh token invalidates the cached source.
	p.Key = "rt-2"
	got, err := src.Bearer(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if got != "at-2" {
		t.Errorf("bearer after rotation = %q, want at-2", got)
	}
	if hits.Load() != 2 {
		t.Errorf("token endpoint hits = %d, want 2", hits.Load())
	}
}

func TestBearerExchangeFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	src := New(srv.URL, "test-client")
	p := &relay.Provider{ID: "prov-oauth", Type: relay.ProviderClaudeAuth, Key: "rt-revoked"}

	if _, err := src.Bearer(context.Background(), p); err == nil {
		t.Fatal("expected error for rejected grant")
	}
}

func TestDefaults(t *testing.T) {
	t.Parallel()

	src := New("", "")
	if src.tokenURL != DefaultTokenURL {
		t.Errorf("token url = %q, want default", src.tokenURL)
	}
	if src.clientID != DefaultClientID {
		t.Errorf("client id = %q, want default", src.clientID)
	}
}
