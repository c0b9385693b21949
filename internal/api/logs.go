package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lvonguyen/alertforge/internal/cache"
	"github.com/lvonguyen/alertforge/internal/storage"
	"github.com/lvonguyen/alertforge/internal/telemetry"
)

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.EventFilter{
		Tenant:        q.Get("tenant"),
		Source:        q.Get("source"),
		Action:        q.Get("action"),
		SeverityLevel: q.Get("severityLevel"),
		Limit:         queryInt(r, "limit", storage.DefaultListLimit),
	}
	if filter.Limit <= 0 || filter.Limit > storage.MaxListLimit {
		filter.Limit = storage.MaxListLimit
	}

	events, err := cachedList(r.Context(), s, cache.Key(cache.PrefixLogs, filter), func(ctx context.Context) ([]*telemetry.Event, error) {
		return s.store.ListEvents(ctx, filter)
	})
	if err != nil {
		s.logger.Error("Failed to list events", zap.Error(err))
		writeError(w, http.StatusInternalServerError, CodeInternal, "Failed to list logs")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"logs":    nonNil(events),
		"count":   len(events),
	})
}

func (s *Server) handleGetLog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	event, err := s.store.FindEvent(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, CodeNotFound, "Log not found")
			return
		}
		s.logger.Error("Failed to load event", zap.String("event_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, CodeInternal, "Failed to load log")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "log": event})
}

func (s *Server) handleDeleteLog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.DeleteEvent(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, CodeNotFound, "Log not found")
			return
		}
		s.logger.Error("Failed to delete event", zap.String("event_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, CodeInternal, "Failed to delete log")
		return
	}

	s.invalidate(r.Context(), cache.PatternLogs)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": id})
}
