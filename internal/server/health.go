package server

import (
	"log/slog"
	"net/http"
)

// Health endpoints are polled constantly; canned bodies and header values
// keep them off the allocator.
var (
	okBody       = []byte("ok")
	notReadyBody = []byte("not ready")
	plainCT      = []string{"text/plain"}
)

func writePlain(w http.ResponseWriter, code int, body []byte) {
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(code)
	w.Write(body)
}

// handleHealthz reports liveness only; it must not touch any backend.
func (s *server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writePlain(w, http.StatusOK, okBody)
}

// handleReadyz answers 200 only while the stores behind auth, quota and
// billing do.
func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.ReadyCheck != nil {
		if err := s.deps.ReadyCheck(r.Context()); err != nil {
			s.logger.LogAttrs(r.Context(), slog.LevelWarn, "not ready",
				slog.String("error", err.Error()),
			)
			writePlain(w, http.StatusServiceUnavailable, notReadyBody)
			return
		}
	}
	writePlain(w, http.StatusOK, okBody)
}
