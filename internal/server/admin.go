package server

import (
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"

	"github.com/go-chi/chi/v5"

	relay "github.com/eugener/switchyard/internal"
)

// --- Pagination helpers ---

type pagination struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
	Total  int `json:"total"`
}

type listResponse struct {
	Data       any        `json:"data"`
	Pagination pagination `json:"pagination"`
}

func parsePagination(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return
}

// --- Live sessions ---

// handleListSessions serves the tracked conversations, most recently updated
// first.
func (s *server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	states, err := s.deps.Tracker.List(r.Context())
	if err != nil {
		s.logger.LogAttrs(r.Context(), slog.LevelError, "session list failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	slices.SortFunc(states, func(a, b *relay.SessionState) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})

	offset, limit := parsePagination(r)
	total := len(states)
	switch {
	case offset >= total:
		states = nil
	default:
		states = states[offset:]
		if limit < len(states) {
			states = states[:limit]
		}
	}
	if states == nil {
		states = []*relay.SessionState{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       states,
		Pagination: pagination{Offset: offset, Limit: limit, Total: total},
	})
}

func (s *server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, err := s.deps.Tracker.Load(r.Context(), id)
	if err != nil {
		s.logger.LogAttrs(r.Context(), slog.LevelError, "session load failed",
			slog.String("session_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if st == nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// --- Circuit reset ---

// handleCircuitReset force-closes a provider's breaker, the operator lever
// for "the upstream is fixed, stop waiting out the open window".
func (s *server) handleCircuitReset(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Providers.GetProvider(r.Context(), id); err != nil {
		if errors.Is(err, relay.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		s.logger.LogAttrs(r.Context(), slog.LevelError, "provider lookup failed",
			slog.String("provider_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := s.deps.Breaker.Reset(r.Context(), id); err != nil {
		s.logger.LogAttrs(r.Context(), slog.LevelError, "circuit reset failed",
			slog.String("provider_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "circuit reset failed")
		return
	}
	s.logger.LogAttrs(r.Context(), slog.LevelInfo, "circuit reset",
		slog.String("provider_id", id),
	)
	w.WriteHeader(http.StatusNoContent)
}
