package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lvonguyen/alertforge/internal/storage"
)

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", storage.DefaultAlertLimit)
	if limit > storage.MaxAlertLimit {
		limit = storage.MaxAlertLimit
	}

	alerts, err := s.store.ListRecentAlerts(r.Context(), r.URL.Query().Get("tenant"), limit)
	if err != nil {
		s.logger.Error("Failed to list alerts", zap.Error(err))
		writeError(w, http.StatusInternalServerError, CodeInternal, "Failed to list alerts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"alerts":  nonNil(alerts),
		"count":   len(alerts),
	})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "queue")
	q, ok := s.queues[name]
	if !ok {
		writeError(w, http.StatusNotFound, CodeUnknownQueue, "Unknown queue: "+name)
		return
	}

	jobs, err := q.DeadLetters(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		s.logger.Error("Failed to list dead letters", zap.String("queue", name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, CodeInternal, "Failed to list dead letters")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"queue":   name,
		"jobs":    nonNil(jobs),
		"count":   len(jobs),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "version": s.version})
}

// handleReady reports 503 when the store or any registered dependency is
// unreachable.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	failures := map[string]string{}
	if err := s.store.Ping(r.Context()); err != nil {
		failures["store"] = err.Error()
	}
	for name, check := range s.checks {
		if err := check(r.Context()); err != nil {
			failures[name] = err.Error()
		}
	}

	if len(failures) > 0 {
		s.logger.Warn("Readiness check failed", zap.Any("failures", failures))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":   "unavailable",
			"code":     CodeUnavailable,
			"failures": failures,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
