package assign

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/okian/rota/internal/domain/fault"
	"github.com/okian/rota/internal/domain/model"
	"github.com/okian/rota/internal/domain/rules"
	"github.com/okian/rota/pkg/logger"
	"github.com/okian/rota/pkg/metrics"
)

// DefaultManualNote is stored when the operator gives no note.
const DefaultManualNote = "Manually assigned"

// ManualRequest assigns operator-chosen staff. IncidentType defaults to the
// incident's own type. AllowSkillOverride turns rule skill failures into
// warnings instead of rejections.
type ManualRequest struct {
	IncidentID         string   `json:"incidentId"`
	EventID            string   `json:"eventId"`
	StaffIDs           []string `json:"staffIds"`
	IncidentType       string   `json:"incidentType,omitempty"`
	Notes              string   `json:"notes,omitempty"`
	AllowSkillOverride bool     `json:"allowSkillOverride,omitempty"`
}

// Unavailable explains why one staff member cannot be assigned.
type Unavailable struct {
	StaffID string `json:"staffId"`
	Reason  string `json:"reason"`
}

// ManualResult is the outcome of a manual assignment.
type ManualResult struct {
	IncidentID       string   `json:"incidentId"`
	AssignedStaffIDs []string `json:"assignedStaff"`
	Notes            string   `json:"assignmentNotes"`
	Warnings         []string `json:"warnings,omitempty"`
}

// BulkResult is one item of AssignBulk.
type BulkResult struct {
	IncidentID string        `json:"incidentId"`
	Result     *ManualResult `json:"result,omitempty"`
	Err        error         `json:"-"`
}

// unavailableKey carries []Unavailable in a fault context bag.
const unavailableKey = "unavailableStaff"

// UnavailableStaff extracts the per-staff rejections from a manual
// assignment error.
func UnavailableStaff(err error) []Unavailable {
	var fe *fault.Error
	if !errors.As(err, &fe) || fe.Context == nil {
		return nil
	}
	u, _ := fe.Context[unavailableKey].([]Unavailable)
	return u
}

// AssignManual checks every requested staff member against availability,
// workload and the rule's skills, then persists them all or none.
func (a *Assigner) AssignManual(ctx context.Context, req ManualRequest) (ManualResult, error) {
	const op = "assign.AssignManual"

	ids := uniqueIDs(req.StaffIDs)
	var missing []string
	if strings.TrimSpace(req.IncidentID) == "" {
		missing = append(missing, "incidentId")
	}
	if strings.TrimSpace(req.EventID) == "" {
		missing = append(missing, "eventId")
	}
	if len(ids) == 0 {
		missing = append(missing, "staffIds")
	}
	if len(missing) > 0 {
		return ManualResult{}, a.fail(ctx, modeManual, fault.New(fault.ValidationError, op, "missing required fields").With("missing", missing))
	}

	inc, err := a.incident(ctx, op, req.IncidentID, req.EventID)
	if err != nil {
		return ManualResult{}, a.fail(ctx, modeManual, err)
	}

	rule := rules.Permissive("")
	incidentType := req.IncidentType
	if incidentType == "" {
		incidentType = inc.Type
	}
	if model.NormalizeType(incidentType) != "" {
		if rule, err = a.rules.Resolve(ctx, incidentType, req.EventID); err != nil {
			return ManualResult{}, a.fail(ctx, modeManual, err)
		}
	}

	staff, unknown, err := a.directory.Lookup(ctx, req.EventID, ids)
	if err != nil {
		return ManualResult{}, a.fail(ctx, modeManual, err)
	}
	byID := make(map[string]model.StaffMember, len(staff))
	for _, s := range staff {
		byID[s.ID] = s
	}

	var rejected []Unavailable
	var warnings []string
	for _, id := range unknown {
		rejected = append(rejected, Unavailable{StaffID: id, Reason: "staff member not found"})
	}
	for _, id := range ids {
		s, ok := byID[id]
		if !ok {
			continue
		}
		reason, skillOnly := checkEligible(s, rule)
		switch {
		case reason == "":
		case skillOnly && req.AllowSkillOverride:
			warnings = append(warnings, fmt.Sprintf("%s: %s (overridden)", id, reason))
		default:
			rejected = append(rejected, Unavailable{StaffID: id, Reason: reason})
		}
	}
	if len(rejected) > 0 {
		err := fault.New(fault.ValidationError, op, "some staff cannot be assigned").
			With("incidentId", req.IncidentID).
			With(unavailableKey, rejected)
		return ManualResult{}, a.fail(ctx, modeManual, err)
	}

	notes := strings.TrimSpace(req.Notes)
	if notes == "" {
		notes = DefaultManualNote
	}
	if err := a.persist(ctx, req.IncidentID, model.AssignmentUpdate{StaffIDs: ids, Notes: notes}); err != nil {
		return ManualResult{}, a.fail(ctx, modeManual, err)
	}
	a.invalidate(ctx, req.EventID)

	metrics.RecordAssignment(modeManual, outcomeAssigned)
	a.logger.Info(ctx, "incident manually assigned",
		logger.String("incident_id", req.IncidentID),
		logger.String("event_id", req.EventID),
		logger.Strings("staff_ids", ids),
		logger.Int("warnings", len(warnings)),
	)
	return ManualResult{
		IncidentID:       req.IncidentID,
		AssignedStaffIDs: ids,
		Notes:            notes,
		Warnings:         warnings,
	}, nil
}

// AssignBulk applies each request independently. A failed item does not
// stop the others.
func (a *Assigner) AssignBulk(ctx context.Context, reqs []ManualRequest) []BulkResult {
	out := make([]BulkResult, 0, len(reqs))
	for _, req := range reqs {
		if ctx.Err() != nil {
			out = append(out, BulkResult{IncidentID: req.IncidentID, Err: fault.Wrap(fault.TimeoutError, "assign.AssignBulk", ctx.Err(), "cancelled")})
			continue
		}
		res, err := a.AssignManual(ctx, req)
		item := BulkResult{IncidentID: req.IncidentID, Err: err}
		if err == nil {
			item.Result = &res
		}
		out = append(out, item)
	}
	return out
}

// checkEligible returns why s cannot take an incident under rule, and
// whether the skill check was the only failure.
func checkEligible(s model.StaffMember, rule model.AssignmentRule) (string, bool) {
	switch {
	case !s.Active:
		return "staff member is inactive", false
	case s.Availability != model.Available:
		return "staff member is " + string(s.Availability), false
	case s.ActiveAssignments >= rule.MaxAssignments:
		return fmt.Sprintf("workload limit reached (%d/%d)", s.ActiveAssignments, rule.MaxAssignments), false
	}
	if len(rule.RequiredSkills) == 0 {
		return "", false
	}
	for _, sk := range rule.RequiredSkills {
		if s.HasSkill(sk) {
			return "", false
		}
	}
	return "missing required skills: " + strings.Join(rule.RequiredSkills, ", "), true
}

func uniqueIDs(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, id := range in {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
