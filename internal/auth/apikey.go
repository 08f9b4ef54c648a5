// Package auth implements bearer authentication for the relay. Keys are
// resolved through an indexed hash prefix, verified in constant time, and
// cached together with their owning user in a W-TinyLFU cache.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"

	relay "github.com/eugener/switchyard/internal"
	"github.com/eugener/switchyard/internal/storage"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up key revocations promptly
	cacheMaxLen = 10_000           // max concurrent active keys expected per deployment
)

// Store is the slice of storage the authenticator needs.
type Store interface {
	GetKeysByHashPrefix(ctx context.Context, prefix string) ([]*relay.APIKey, error)
	GetUser(ctx context.Context, id string) (*relay.User, error)
	TouchKeyUsed(ctx context.Context, id string) error
}

var _ Store = (storage.Store)(nil)

// KeyAuth authenticates bearers with the "sy_" prefix. The bearer is hashed
// with a server-side secret; the hash prefix narrows the store scan and the
// full hash is compared in constant time.
type KeyAuth struct {
	store       Store
	secret      string
	cache       *otter.Cache[string, *relay.Principal]
	keyIDToHash sync.Map // keyID -> hash for cache invalidation by key ID
}

// New returns a KeyAuth hashing bearers under secret and resolving them
// through store.
func New(store Store, secret string) (*KeyAuth, error) {
	if secret == "" {
		return nil, errors.New("auth: hashing secret must not be empty")
	}
	c, err := otter.New(&otter.Options[string, *relay.Principal]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *relay.Principal](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	return &KeyAuth{store: store, secret: secret, cache: c}, nil
}

// Authenticate resolves a raw bearer to its principal. Unknown or malformed
// bearers return ErrUnauthorized; disabled or expired keys and users return
// their specific sentinel (all 403-class); store failures surface as
// ErrStoreUnavailable so the caller answers 5xx instead of 401.
func (a *KeyAuth) Authenticate(ctx context.Context, bearer string) (*relay.Principal, error) {
	if len(bearer) <= len(relay.KeyDisplayPrefix) || bearer[:len(relay.KeyDisplayPrefix)] != relay.KeyDisplayPrefix {
		return nil, relay.ErrUnauthorized
	}

	hash := relay.HashKey(a.secret, bearer)

	if p, ok := a.cache.GetIfPresent(hash); ok {
		if err := checkStatus(p, time.Now()); err != nil {
			a.cache.Invalidate(hash)
			return nil, err
		}
		return p, nil
	}

	candidates, err := a.store.GetKeysByHashPrefix(ctx, relay.HashPrefix(hash))
	if err != nil {
		return nil, fmt.Errorf("%w: key lookup: %w", relay.ErrStoreUnavailable, err)
	}

	var key *relay.APIKey
	for _, c := range candidates {
		if subtle.ConstantTimeCompare([]byte(c.KeyHash), []byte(hash)) == 1 {
			key = c
			// No break: scan the whole candidate set so lookup time does not
			// depend on the match position.
		}
	}
	if key == nil {
		return nil, relay.ErrUnauthorized
	}

	user, err := a.store.GetUser(ctx, key.UserID)
	if err != nil {
		if errors.Is(err, relay.ErrNotFound) {
			return nil, relay.ErrUnauthorized
		}
		return nil, fmt.Errorf("%w: user lookup: %w", relay.ErrStoreUnavailable, err)
	}

	p := &relay.Principal{User: user, Key: key}
	if err := checkStatus(p, time.Now()); err != nil {
		return nil, err
	}

	a.cache.Set(hash, p)
	a.keyIDToHash.Store(key.ID, hash)

	// Touch last-used timestamp asynchronously.
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		a.store.TouchKeyUsed(ctx, key.ID) //nolint:errcheck
	}()

	return p, nil
}

// InvalidateByKeyID removes a cached principal by its key ID. Used when
// admin operations (disable, update, delete) modify a key or its user.
func (a *KeyAuth) InvalidateByKeyID(keyID string) {
	if hash, ok := a.keyIDToHash.LoadAndDelete(keyID); ok {
		a.cache.Invalidate(hash.(string))
	}
}

// checkStatus enforces effective status: the key and its owning user must
// both be enabled and unexpired.
func checkStatus(p *relay.Principal, now time.Time) error {
	switch {
	case !p.Key.Enabled:
		return relay.ErrKeyDisabled
	case p.Key.Expired(now):
		return relay.ErrKeyExpired
	case !p.User.Enabled:
		return relay.ErrUserDisabled
	case p.User.Expired(now):
		return relay.ErrUserExpired
	}
	return nil
}
