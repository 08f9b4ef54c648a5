package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	relay "github.com/eugener/switchyard/internal"
	"github.com/eugener/switchyard/internal/session"
)

// defaultMaxProxyBody bounds the buffered request body. Conversation
// histories grow large, so this is far above typical API payload caps.
const defaultMaxProxyBody int64 = 32 << 20

// releaseTimeout bounds the detached contexts used to return concurrency
// slots after the request context is gone.
const releaseTimeout = 5 * time.Second

// handleProxy runs the forward pipeline: ingest, adopt tracked conversation
// state, quota check, open the audit row, dispatch, deliver. Every exit path
// after the audit row opens settles it.
func (s *server) handleProxy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := relay.PrincipalFromContext(ctx)

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.deps.MaxBodyBytes))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "request body could not be read")
		return
	}

	sess := session.New(r, raw, principal)
	if st, terr := s.deps.Tracker.Load(ctx, sess.ID); terr != nil {
		// Degraded: the conversation starts fresh but the request proceeds.
		s.logger.LogAttrs(ctx, slog.LevelWarn, "session lookup failed",
			slog.String("session_id", sess.ID),
			slog.String("error", terr.Error()),
		)
	} else {
		sess.Adopt(st)
	}

	// Propagate client disconnects to the session so relays and settlement
	// can tell an abort from an upstream failure.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			sess.Abort()
		case <-watchDone:
		}
	}()

	grant, err := s.deps.Guard.Check(ctx, principal)
	if err != nil {
		s.denyProxy(w, r, sess, err)
		return
	}
	sess.Plan = grant.Plan
	defer func() {
		// The request context is often already canceled here (client gone,
		// stream done); the slot still has to go back.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		grant.Release(rctx)
	}()

	if err := s.deps.Metering.Begin(ctx, sess); err != nil {
		s.logger.LogAttrs(ctx, slog.LevelError, "audit row open failed",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusServiceUnavailable, "temporarily unable to accept requests")
		return
	}

	res, err := s.deps.Forwarder.Forward(ctx, sess)
	if err != nil {
		s.failProxy(w, r, sess, err)
		return
	}

	s.deps.Metering.Deliver(ctx, sess, res, w)
}

// denyProxy answers a guard denial. No audit row exists yet: rows open when
// forwarding starts, and denied requests never reach that point.
func (s *server) denyProxy(w http.ResponseWriter, r *http.Request, sess *session.Session, err error) {
	var rle *relay.RateLimitError
	switch {
	case errors.As(err, &rle):
		s.writeRateLimited(w, rle)
	case errors.Is(err, relay.ErrStoreUnavailable):
		s.logger.LogAttrs(r.Context(), slog.LevelError, "quota check unavailable",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusServiceUnavailable, "temporarily unable to accept requests")
	default:
		s.logger.LogAttrs(r.Context(), slog.LevelError, "quota check failed",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// failProxy settles the audit row for a failed dispatch and answers the
// client. Provider identities never appear in the response body; they are on
// the audit row for operators.
func (s *server) failProxy(w http.ResponseWriter, r *http.Request, sess *session.Session, err error) {
	ctx := r.Context()
	var rle *relay.RateLimitError
	switch {
	case errors.Is(err, relay.ErrClientAbort):
		// The client is gone; settle the row and skip the response write.
		s.deps.Metering.Settle(ctx, sess, relay.StatusClientClosed, "client closed request")
	case errors.As(err, &rle):
		s.deps.Metering.Settle(ctx, sess, http.StatusTooManyRequests, rle.Error())
		s.writeRateLimited(w, rle)
	case errors.Is(err, relay.ErrNoProvider):
		s.deps.Metering.Settle(ctx, sess, http.StatusServiceUnavailable, err.Error())
		writeError(w, http.StatusServiceUnavailable, "no provider available for this request")
	case errors.Is(err, relay.ErrAllProvidersFailed):
		s.deps.Metering.Settle(ctx, sess, http.StatusServiceUnavailable, err.Error())
		writeError(w, http.StatusServiceUnavailable, "all providers failed")
	default:
		s.logger.LogAttrs(ctx, slog.LevelError, "forward failed",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()),
		)
		s.deps.Metering.Settle(ctx, sess, http.StatusInternalServerError, err.Error())
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// retryAfterSecs is fixed: quota windows are long and the exact reset time
// is not worth computing per denial.
var retryAfterSecs = []string{"3600"}

// writeRateLimited renders a guard denial: 429, a Retry-After hint and the
// denied scope in X-RateLimit-Type.
func (s *server) writeRateLimited(w http.ResponseWriter, rle *relay.RateLimitError) {
	if m := s.deps.Metrics; m != nil {
		m.RateLimitRejects.WithLabelValues(rle.Scope).Inc()
	}
	h := w.Header()
	h["Retry-After"] = retryAfterSecs
	h["X-Ratelimit-Type"] = []string{rle.Scope}
	writeError(w, http.StatusTooManyRequests, rle.Error())
}

// jsonCT is assigned to the header map directly; Header.Set would build
// a fresh []string per call.
var jsonCT = []string{"application/json"}

// writeError renders the relay error envelope for a proxy-generated status.
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	w.Write(relay.ErrorBody(relay.ErrorKindForStatus(status), message))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
