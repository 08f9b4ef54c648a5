package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	relay "github.com/eugener/switchyard/internal"
)

// statusWriter wrappers are pooled; one heap allocation per request per
// middleware is visible in profiles at relay rates.
var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

func getStatusWriter(w http.ResponseWriter) *statusWriter {
	sw := statusWriterPool.Get().(*statusWriter)
	sw.ResponseWriter = w
	sw.status = http.StatusOK
	sw.wroteHeader = false
	return sw
}

// putStatusWriter clears the wrapped writer so the pool does not retain
// the response.
func putStatusWriter(sw *statusWriter) {
	sw.ResponseWriter = nil
	statusWriterPool.Put(sw)
}

// recovery turns a panic anywhere below into a 500 instead of killing the
// connection with no response.
func (s *server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.LogAttrs(r.Context(), slog.LevelError, "panic recovered",
					slog.Any("error", rec),
					slog.String("path", r.URL.Path),
					slog.String("request_id", relay.RequestIDFromContext(r.Context())),
				)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestIDHeader is kept in canonical MIME form so direct map access on
// r.Header and w.Header() skips textproto canonicalization.
const requestIDHeader = "X-Request-Id"

// requestID propagates the caller's request ID, or mints a UUID v7, and
// echoes it on the response.
func (s *server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var id string
		if vals := r.Header[requestIDHeader]; len(vals) > 0 {
			id = vals[0]
		} else {
			id = uuid.Must(uuid.NewV7()).String()
		}
		w.Header()[requestIDHeader] = []string{id}
		ctx := relay.ContextWithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// observe wraps each request in a trace span and an access log line. With
// tracing disabled the span comes from the no-op provider.
func (s *server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		// The route pattern is only known after routing; the span is
		// renamed once the handler returns.
		ctx, span := s.tracer.Start(r.Context(), "HTTP "+r.Method)
		sw := getStatusWriter(w)

		next.ServeHTTP(sw, r.WithContext(ctx))

		status := sw.status
		putStatusWriter(sw)

		route := routePattern(r)
		span.SetName(r.Method + " " + route)
		span.SetAttributes(
			attribute.String("http.request.method", r.Method),
			attribute.String("http.route", route),
			attribute.Int("http.response.status_code", status),
		)
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
		span.End()

		// LogAttrs with typed attrs keeps the access log off the
		// interface-boxing path.
		s.logger.LogAttrs(r.Context(), slog.LevelInfo, "request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("request_id", relay.RequestIDFromContext(r.Context())),
		)
	})
}

// authenticate resolves the bearer credential and stores the principal in
// the request metadata minted by requestID, so the hot path needs no
// second context allocation.
func (s *server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bearer := bearerFromRequest(r)
		if bearer == "" {
			writeError(w, http.StatusUnauthorized, "missing credentials")
			return
		}
		principal, err := s.deps.Auth.Authenticate(r.Context(), bearer)
		if err != nil {
			if errors.Is(err, relay.ErrStoreUnavailable) {
				s.logger.LogAttrs(r.Context(), slog.LevelError, "auth store unavailable",
					slog.String("error", err.Error()),
				)
				writeError(w, http.StatusServiceUnavailable, "authentication temporarily unavailable")
				return
			}
			writeError(w, authStatus(err), err.Error())
			return
		}
		ctx := relay.ContextWithPrincipal(r.Context(), principal)
		if ctx == r.Context() {
			// Stored by mutation; skip the Request copy.
			next.ServeHTTP(w, r)
		} else {
			next.ServeHTTP(w, r.WithContext(ctx))
		}
	})
}

// bearerFromRequest pulls the credential from Authorization: Bearer or,
// failing that, the x-api-key header Claude clients send.
func bearerFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return tok
		}
	}
	return r.Header.Get("X-Api-Key")
}

// authStatus maps authentication failures to a status: a valid key or user
// in a denied state is 403, everything else 401.
func authStatus(err error) int {
	switch {
	case errors.Is(err, relay.ErrKeyDisabled),
		errors.Is(err, relay.ErrKeyExpired),
		errors.Is(err, relay.ErrUserDisabled),
		errors.Is(err, relay.ErrUserExpired):
		return http.StatusForbidden
	}
	return http.StatusUnauthorized
}

// requireAdmin gates the operator surface on the admin role.
func (s *server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := relay.PrincipalFromContext(r.Context())
		if p == nil || p.User.Role != relay.RoleAdmin {
			writeError(w, http.StatusForbidden, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusWriter captures the status code a handler writes. Only the first
// WriteHeader is recorded, matching net/http, where later calls are
// no-ops on the wire.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.status = code
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.wroteHeader {
		sw.wroteHeader = true
	}
	return sw.ResponseWriter.Write(b)
}

// Flush forwards to the wrapped writer so SSE keeps streaming through the
// middleware stack.
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the real writer.
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}
