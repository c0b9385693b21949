package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lvonguyen/alertforge/internal/cache"
	"github.com/lvonguyen/alertforge/internal/detection"
	"github.com/lvonguyen/alertforge/internal/storage"
)

type ruleRequest struct {
	Tenant      string                    `json:"tenant"`
	Name        string                    `json:"name"`
	Description string                    `json:"description"`
	Conditions  []detection.ConditionSpec `json:"conditions"`
}

type ruleQuery struct {
	Tenant string `json:"tenant,omitempty"`
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	q := ruleQuery{Tenant: r.URL.Query().Get("tenant")}

	rules, err := cachedList(r.Context(), s, cache.Key(cache.PrefixRules, q), func(ctx context.Context) ([]*detection.Rule, error) {
		return s.store.ListRules(ctx, q.Tenant)
	})
	if err != nil {
		s.logger.Error("Failed to list rules", zap.Error(err))
		writeError(w, http.StatusInternalServerError, CodeInternal, "Failed to list rules")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"rules":   nonNil(rules),
		"count":   len(rules),
	})
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIngestBody))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidBody, "Request body must be a rule object")
		return
	}

	rule := &detection.Rule{
		Tenant:      req.Tenant,
		Name:        req.Name,
		Description: req.Description,
		Conditions:  req.Conditions,
	}
	if err := rule.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}

	if err := s.store.CreateRule(r.Context(), rule); err != nil {
		if errors.Is(err, storage.ErrDuplicateRule) {
			writeError(w, http.StatusConflict, CodeConflict, err.Error())
			return
		}
		s.logger.Error("Failed to create rule", zap.String("tenant", rule.Tenant), zap.Error(err))
		writeError(w, http.StatusInternalServerError, CodeInternal, "Failed to create rule")
		return
	}

	s.logger.Info("Rule created",
		zap.String("rule_id", rule.ID),
		zap.String("tenant", rule.Tenant),
		zap.String("condition", string(rule.Condition().Kind())),
	)
	s.invalidate(r.Context(), cache.PatternRules)
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "rule": rule})
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.DeleteRule(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, CodeNotFound, "Rule not found")
			return
		}
		s.logger.Error("Failed to delete rule", zap.String("rule_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, CodeInternal, "Failed to delete rule")
		return
	}

	s.invalidate(r.Context(), cache.PatternRules)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": id})
}
