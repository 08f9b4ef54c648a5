// Package upstreamauth resolves the credential each outbound provider
// request presents. Static-key providers pass their stored key through
// unchanged; claude-auth providers store a long-lived OAuth refresh token
// instead, which is exchanged here for short-lived access tokens.
package upstreamauth

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/oauth2"

	relay "github.com/eugener/switchyard/internal"
)

// Defaults for the token endpoint used by claude-auth providers. Both can
// be overridden in configuration.
const (
	DefaultTokenURL = "https://console.anthropic.com/v1/oauth/token"
	DefaultClientID = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
)

// Source produces bearer credentials for outbound provider requests. Token
// sources are cached per provider, so an access token is fetched once and
// reused until it expires; the oauth2 client refreshes it transparently.
type Source struct {
	tokenURL string
	clientID string

	mu      sync.Mutex
	sources map[string]*providerSource
}

type providerSource struct {
	refreshToken string
	ts           oauth2.TokenSource
}

// New returns a Source exchanging refresh tokens at the given endpoint.
// Empty arguments fall back to the Anthropic defaults.
func New(tokenURL, clientID string) *Source {
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	if clientID == "" {
		clientID = DefaultClientID
	}
	return &Source{
		tokenURL: tokenURL,
		clientID: clientID,
		sources:  make(map[string]*providerSource),
	}
}

// Bearer returns the credential to present for p.
func (s *Source) Bearer(ctx context.Context, p *relay.Provider) (string, error) {
	if p.Type != relay.ProviderClaudeAuth {
		return p.Key, nil
	}
	tok, err := s.tokenSource(ctx, p).Token()
	if err != nil {
		return "", fmt.Errorf("upstreamauth: obtain token for provider %s: %w", p.ID, err)
	}
	return tok.AccessToken, nil
}

// tokenSource returns the cached source for p, rebuilding it when the
// stored refresh token has been rotated since the source was created.
func (s *Source) tokenSource(ctx context.Context, p *relay.Provider) oauth2.TokenSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ps, ok := s.sources[p.ID]; ok && ps.refreshToken == p.Key {
		return ps.ts
	}
	cfg := &oauth2.Config{
		ClientID: s.clientID,
		Endpoint: oauth2.Endpoint{TokenURL: s.tokenURL, AuthStyle: oauth2.AuthStyleInParams},
	}
	// The source outlives the request that created it, so it must not
	// inherit that request's cancellation.
	ts := cfg.TokenSource(context.WithoutCancel(ctx), &oauth2.Token{RefreshToken: p.Key})
	s.sources[p.ID] = &providerSource{refreshToken: p.Key, ts: ts}
	return ts
}
