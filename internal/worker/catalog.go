package worker

import (
	"context"
	"log/slog"
	"time"

	relay "github.com/eugener/switchyard/internal"
)

const defaultCatalogRefreshInterval = time.Minute

// Catalog is the slice of the provider catalog the refresher drives.
type Catalog interface {
	Refresh(ctx context.Context) ([]*relay.Provider, error)
}

// CatalogRefresher reloads the provider catalog on a fixed interval so
// provider edits reach the selector without waiting for cache expiry or
// a restart.
type CatalogRefresher struct {
	catalog  Catalog
	interval time.Duration
}

// NewCatalogRefresher creates a CatalogRefresher. A non-positive interval
// falls back to the default.
func NewCatalogRefresher(catalog Catalog, interval time.Duration) *CatalogRefresher {
	if interval <= 0 {
		interval = defaultCatalogRefreshInterval
	}
	return &CatalogRefresher{catalog: catalog, interval: interval}
}

// Name returns the worker identifier.
func (w *CatalogRefresher) Name() string { return "catalog_refresh" }

// Run reloads the catalog immediately, then on every tick, until ctx is
// cancelled. Refresh failures are logged and retried on the next tick;
// the catalog keeps serving its last good snapshot in between.
func (w *CatalogRefresher) Run(ctx context.Context) error {
	w.refresh(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.refresh(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *CatalogRefresher) refresh(ctx context.Context) {
	providers, err := w.catalog.Refresh(ctx)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "catalog refresh failed",
			slog.String("error", err.Error()),
		)
		return
	}
	slog.LogAttrs(ctx, slog.LevelDebug, "catalog refreshed",
		slog.Int("providers", len(providers)),
	)
}
