// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/okian/rota/internal/domain/assign"
	"github.com/okian/rota/internal/domain/fault"
	"github.com/okian/rota/internal/domain/model"
	"github.com/okian/rota/internal/domain/tracker"
	"github.com/okian/rota/pkg/logger"
)

// Assigner runs assignments.
type Assigner interface {
	Assign(ctx context.Context, req assign.Request) (assign.Result, error)
	AssignManual(ctx context.Context, req assign.ManualRequest) (assign.ManualResult, error)
	AssignBulk(ctx context.Context, reqs []assign.ManualRequest) []assign.BulkResult
}

// RosterReader exposes incidents and live rosters.
type RosterReader interface {
	Incident(ctx context.Context, eventID, incidentID string) (model.Incident, error)
	Roster(ctx context.Context, eventID string) (tracker.Snapshot, error)
	Suggest(ctx context.Context, eventID, incidentID string, limit int) ([]tracker.Suggestion, error)
}

// RuleManager reads and edits assignment rules.
type RuleManager interface {
	Rules(ctx context.Context, eventID string) (model.RuleTable, error)
	UpdateRule(ctx context.Context, rule model.AssignmentRule) error
	DeleteRule(ctx context.Context, eventID, incidentType string) error
}

// Dependencies required by HTTP handlers.
type Dependencies interface {
	Assigner
	RosterReader
	RuleManager
}

// Server wires HTTP routes for the business API.
type Server struct {
	healthHandler     *HealthHandler
	statsHandler      *StatsHandler
	assignmentHandler *AssignmentHandler
	rulesHandler      *RulesHandler
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, statsProvider StatsProvider) *Server {
	log := logger.Get().Named("api")
	return &Server{
		healthHandler:     NewHealthHandler(),
		statsHandler:      NewStatsHandler(statsProvider),
		assignmentHandler: NewAssignmentHandler(deps, deps, log),
		rulesHandler:      NewRulesHandler(deps, log),
	}
}

// Register attaches all HTTP routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz"))
	mux.HandleFunc("/stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats"))
	mux.HandleFunc("/staff-assignment/suggestions", MetricsMiddleware(s.assignmentHandler.HandleSuggestions, "suggestions"))
	mux.HandleFunc("/staff-assignment", MetricsMiddleware(s.assignmentHandler.HandleAssignment, "staff_assignment"))
	mux.HandleFunc("/assignment-rules", MetricsMiddleware(s.rulesHandler.HandleRules, "assignment_rules"))
}

type errorResponse struct {
	Success          bool                 `json:"success"`
	Error            string               `json:"error"`
	Code             string               `json:"code"`
	Reasons          []string             `json:"reasons,omitempty"`
	UnavailableStaff []assign.Unavailable `json:"unavailableStaff,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Error: msg, Code: code, Reasons: []string{msg}})
}

// writeFault maps an engine error to its status. Server errors are redacted.
func writeFault(ctx context.Context, log logger.Logger, w http.ResponseWriter, op string, err error) {
	status := fault.HTTPStatus(err)
	code := codeOf(err)
	if status >= http.StatusInternalServerError {
		log.Error(ctx, "request failed", logger.String("op", op), logger.Error(err))
		writeJSON(w, status, errorResponse{Error: "internal server error", Code: code})
		return
	}

	resp := errorResponse{Error: publicMessage(err), Code: code}
	if u := assign.UnavailableStaff(err); len(u) > 0 {
		resp.UnavailableStaff = u
		for _, s := range u {
			resp.Reasons = append(resp.Reasons, s.StaffID+": "+s.Reason)
		}
	} else {
		resp.Reasons = []string{resp.Error}
	}
	writeJSON(w, status, resp)
}

// publicMessage returns the fault message without operation prefixes.
func publicMessage(err error) string {
	var fe *fault.Error
	if errors.As(err, &fe) && fe.Message != "" {
		if missing, ok := fe.Context["missing"].([]string); ok && len(missing) > 0 {
			return fe.Message + ": " + strings.Join(missing, ", ")
		}
		return fe.Message
	}
	return err.Error()
}

// queryInt parses an optional positive integer query parameter.
func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: %s must be a positive integer", ErrBadRequest, key)
	}
	return n, nil
}
