// Package api serves a read-mostly HTTP view of stored sessions for
// dashboards and operators. Session mutations stay with the MCP transport;
// the only write is breaking an abandoned lock.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/joescharf/tdd/internal/errs"
	"github.com/joescharf/tdd/internal/log"
	"github.com/joescharf/tdd/internal/session"
)

// Server provides the REST API handlers.
type Server struct {
	registry *session.Registry
	logger   zerolog.Logger
}

// NewServer creates a new API server over reg.
func NewServer(reg *session.Registry) *Server {
	return &Server{
		registry: reg,
		logger:   log.WithComponent("api"),
	}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(corsMiddleware)
	r.Use(metricsMiddleware)
	r.Use(s.logMiddleware)

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1/sessions", func(r chi.Router) {
		r.Get("/", s.listSessions)
		r.Get("/{id}", s.getSession)
		r.Get("/{id}/history", s.sessionHistory)
		r.Delete("/{id}/lock", s.breakLock)
	})

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeEngineError maps an error kind to an HTTP status and writes the
// kind and hint alongside the message.
func writeEngineError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case errs.KindValidation:
		status = http.StatusBadRequest
	case errs.KindSessionNotFound:
		status = http.StatusNotFound
	case errs.KindSessionLocked, errs.KindSessionEnded, errs.KindInvalidTransition, errs.KindNoRollback:
		status = http.StatusConflict
	case errs.KindCorruptedData:
		status = http.StatusUnprocessableEntity
	}
	if kind == "" {
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  string(kind),
		"hint":  errs.HintOf(err),
	})
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Sessions ---

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	out, err := s.registry.Overviews(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := out[:0]
		for _, ov := range out {
			if ov.Status == status {
				filtered = append(filtered, ov)
			}
		}
		out = filtered
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	ov, err := s.registry.Inspect(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ov)
}

func (s *Server) sessionHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	events, err := s.registry.Store().LoadEvents(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"history":    session.History(events),
	})
}

func (s *Server) breakLock(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	force := false
	if v := r.URL.Query().Get("force"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "force must be a boolean")
			return
		}
		force = parsed
	}

	removed, err := s.registry.BreakLock(r.Context(), id, force)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if removed == nil {
		writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "removed": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "removed": true, "lock": removed})
}
