package forward

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/dnscache"

	relay "github.com/eugener/switchyard/internal"
)

// defaultDispatchTimeout bounds the wait for upstream response headers. The
// response body has its own, longer bound (Config.BodyTimeout).
const defaultDispatchTimeout = 2 * time.Minute

// Transports builds and caches the HTTP transports used for dispatch: one
// direct transport with cached DNS shared by every provider, plus one
// transport per distinct egress proxy URL. Proxy transports skip the DNS
// cache; name resolution is the proxy's job.
type Transports struct {
	resolver *dnscache.Resolver
	direct   *http.Transport

	mu      sync.Mutex
	proxied map[string]*http.Transport
}

// NewTransports returns a transport pool. resolver may be nil to use the
// system resolver on every dial.
func NewTransports(resolver *dnscache.Resolver) *Transports {
	return &Transports{
		resolver: resolver,
		direct:   newTransport(resolver, nil),
		proxied:  make(map[string]*http.Transport),
	}
}

// Direct returns the shared direct transport.
func (t *Transports) Direct() http.RoundTripper { return t.direct }

// For returns the transport a provider dispatches through: its proxy
// transport when proxyUrl is set, the shared direct one otherwise.
func (t *Transports) For(p *relay.Provider) (http.RoundTripper, error) {
	if p.ProxyURL == "" {
		return t.direct, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if tr, ok := t.proxied[p.ProxyURL]; ok {
		return tr, nil
	}
	u, err := url.Parse(p.ProxyURL)
	if err != nil {
		return nil, fmt.Errorf("proxy url %q: %w", p.ProxyURL, err)
	}
	tr := newTransport(nil, u)
	t.proxied[p.ProxyURL] = tr
	return tr, nil
}

func newTransport(resolver *dnscache.Resolver, proxy *url.URL) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost:   100,
		MaxConnsPerHost:       200,
		IdleConnTimeout:       90 * time.Second,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: defaultDispatchTimeout,
	}
	if proxy != nil {
		t.Proxy = http.ProxyURL(proxy)
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}

// isProxyError reports whether a dispatch failure came from the egress
// proxy itself rather than the upstream. net/http prefixes proxy dial
// failures with "proxyconnect"; SOCKS dialers report "socks connect".
func isProxyError(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "proxyconnect") || strings.Contains(s, "socks connect")
}
