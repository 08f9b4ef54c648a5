package circuit

import (
	"context"
	"errors"
	"net"
	"os"

	relay "github.com/eugener/switchyard/internal"
)

// Countable reports whether an attempt error should count against a
// provider's circuit.
//
//   - client cancellation: never counted
//   - upstream 4xx/5xx: always counted
//   - network-level errors (DNS, connect, reset) and timeouts not triggered
//     by the client: counted only when countNetwork is set
func Countable(err error, countNetwork bool) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, relay.ErrClientAbort) {
		return false
	}
	var ue *relay.UpstreamError
	if errors.As(err, &ue) {
		return true
	}
	// Everything else on the dispatch path is transport-level: deadline,
	// dial, DNS, reset.
	return countNetwork
}

// IsNetworkError reports whether err is a transport-level failure rather
// than an upstream HTTP reply. Only these earn the forwarder's delayed
// same-provider retry; deterministic dispatch failures do not.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}
