package worker

import (
	"context"
	"time"

	"github.com/rs/dnscache"
)

const defaultDNSRefreshInterval = 5 * time.Minute

// DNSRefresher re-resolves cached upstream hostnames in the background so
// provider IP changes propagate before stale entries cause dial errors.
type DNSRefresher struct {
	resolver *dnscache.Resolver
	interval time.Duration
}

// NewDNSRefresher creates a DNSRefresher. A non-positive interval falls
// back to the default.
func NewDNSRefresher(resolver *dnscache.Resolver, interval time.Duration) *DNSRefresher {
	if interval <= 0 {
		interval = defaultDNSRefreshInterval
	}
	return &DNSRefresher{resolver: resolver, interval: interval}
}

// Name returns the worker identifier.
func (w *DNSRefresher) Name() string { return "dns_refresh" }

// Run refreshes the cache on every tick until ctx is cancelled, clearing
// entries no upstream has used since the previous pass.
func (w *DNSRefresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.resolver.Refresh(true)
		case <-ctx.Done():
			return nil
		}
	}
}
