package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"github.com/okian/rota/internal/domain/model"
	"github.com/okian/rota/pkg/logger"
)

// RulesHandler serves /assignment-rules. Its GET response has the shape the
// rule config client consumes, so one deployment can feed another.
type RulesHandler struct {
	rules  RuleManager
	logger logger.Logger
}

// NewRulesHandler creates a new rules handler.
func NewRulesHandler(rules RuleManager, log logger.Logger) *RulesHandler {
	return &RulesHandler{rules: rules, logger: log}
}

type rulesResponse struct {
	Rules []model.AssignmentRule `json:"rules"`
}

// HandleRules handles GET, PUT and DELETE /assignment-rules.
func (h *RulesHandler) HandleRules(w http.ResponseWriter, r *http.Request) {
	const op = "api.assignment_rules"
	ctx := r.Context()
	eventID := r.URL.Query().Get("eventId")

	switch r.Method {
	case http.MethodGet:
		table, err := h.rules.Rules(ctx, eventID)
		if err != nil {
			writeFault(ctx, h.logger, w, op, err)
			return
		}
		out := make([]model.AssignmentRule, 0, len(table))
		for _, rule := range table {
			out = append(out, rule)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].IncidentType < out[j].IncidentType })
		writeJSON(w, http.StatusOK, rulesResponse{Rules: out})

	case http.MethodPut:
		var rule model.AssignmentRule
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&rule); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("%w: invalid JSON body", ErrBadRequest))
			return
		}
		if rule.EventID == "" {
			rule.EventID = eventID
		}
		if err := h.rules.UpdateRule(ctx, rule); err != nil {
			writeFault(ctx, h.logger, w, op, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Rule saved"})

	case http.MethodDelete:
		if err := h.rules.DeleteRule(ctx, eventID, r.URL.Query().Get("incidentType")); err != nil {
			writeFault(ctx, h.logger, w, op, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Rule deactivated"})

	default:
		http.NotFound(w, r)
	}
}
