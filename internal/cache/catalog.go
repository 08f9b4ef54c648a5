package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	relay "github.com/eugener/switchyard/internal"
	"github.com/eugener/switchyard/internal/storage"
)

// defaultCatalogTTL bounds how stale the provider set may get between
// refreshes. Admin edits call Invalidate so they apply immediately on the
// instance that took the edit; other replicas converge within the TTL or on
// the next refresh worker tick.
const defaultCatalogTTL = 30 * time.Second

// Catalog serves the enabled provider set from memory, reloading from the
// durable store when the snapshot expires. It implements relay.Catalog.
type Catalog struct {
	store storage.ProviderStore
	ttl   time.Duration

	mu        sync.RWMutex
	providers []*relay.Provider
	loadedAt  time.Time

	now func() time.Time
}

// NewCatalog returns a catalog over the given provider store. ttl <= 0 uses
// the default refresh window.
func NewCatalog(store storage.ProviderStore, ttl time.Duration) *Catalog {
	if ttl <= 0 {
		ttl = defaultCatalogTTL
	}
	return &Catalog{store: store, ttl: ttl, now: time.Now}
}

// Providers returns the enabled provider set, serving the cached snapshot
// while it is fresh. A failed reload keeps serving the stale snapshot when
// one exists: selection degrading to slightly old providers beats a full
// outage.
func (c *Catalog) Providers(ctx context.Context) ([]*relay.Provider, error) {
	c.mu.RLock()
	providers, loadedAt := c.providers, c.loadedAt
	c.mu.RUnlock()

	if providers != nil && c.now().Sub(loadedAt) < c.ttl {
		return providers, nil
	}

	fresh, err := c.Refresh(ctx)
	if err != nil {
		if providers != nil {
			return providers, nil
		}
		return nil, err
	}
	return fresh, nil
}

// Refresh reloads the snapshot from the store unconditionally. The catalog
// refresh worker calls this on its tick.
func (c *Catalog) Refresh(ctx context.Context) ([]*relay.Provider, error) {
	providers, err := c.store.ListEnabledProviders(ctx)
	if err != nil {
		return nil, fmt.Errorf("load provider catalog: %w", err)
	}
	c.mu.Lock()
	c.providers = providers
	c.loadedAt = c.now()
	c.mu.Unlock()
	return providers, nil
}

// Invalidate drops the snapshot so the next read reloads. Called after
// provider edits.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	c.providers = nil
	c.loadedAt = time.Time{}
	c.mu.Unlock()
}

var _ relay.Catalog = (*Catalog)(nil)
