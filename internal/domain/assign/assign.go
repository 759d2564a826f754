// Package assign persists staff assignments onto incidents, either chosen by
// the scoring engine or supplied by an operator.
package assign

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/okian/rota/internal/domain/cache"
	"github.com/okian/rota/internal/domain/fault"
	"github.com/okian/rota/internal/domain/geo"
	"github.com/okian/rota/internal/domain/model"
	"github.com/okian/rota/internal/domain/scoring"
	"github.com/okian/rota/pkg/logger"
	"github.com/okian/rota/pkg/metrics"
)

// NoStaffNote is the note returned when nobody is eligible.
const NoStaffNote = "No suitable staff available for assignment"

// DefaultTimeout bounds one data-store call.
const DefaultTimeout = 10 * time.Second

// Metric labels.
const (
	modeAuto   = "auto"
	modeManual = "manual"

	outcomeAssigned = "assigned"
	outcomeEmpty    = "empty"
	outcomeDisabled = "disabled"
	outcomeRejected = "rejected"
	outcomeFailed   = "failed"
)

// Incidents is the incident part of the data store.
type Incidents interface {
	GetIncident(ctx context.Context, incidentID string) (model.Incident, error)
	UpdateIncidentAssignment(ctx context.Context, incidentID string, u model.AssignmentUpdate) error
}

// Directory supplies rosters and staff lookups.
type Directory interface {
	ListAvailable(ctx context.Context, eventID string) ([]model.StaffMember, error)
	Lookup(ctx context.Context, eventID string, ids []string) ([]model.StaffMember, []string, error)
}

// Request asks for an automatic assignment.
type Request struct {
	IncidentID   string
	EventID      string
	IncidentType string
	Priority     model.Priority
	Location     *geo.Point
	ExtraSkills  []string
}

// Result is the outcome of an automatic assignment. An empty
// AssignedStaffIDs with a note is a valid business outcome.
type Result struct {
	IncidentID       string                  `json:"incidentId"`
	AssignedStaffIDs []string                `json:"assignedStaff"`
	Notes            string                  `json:"assignmentNotes"`
	AutoAssigned     bool                    `json:"autoAssigned"`
	Scores           []model.AssignmentScore `json:"scores,omitempty"`
}

// Assigner is the AutoAssigner.
type Assigner struct {
	incidents Incidents
	directory Directory
	rules     scoring.RuleResolver
	ranker    scoring.Ranker
	cache     *cache.Store
	locker    Locker
	timeout   time.Duration
	logger    logger.Logger
}

// New wires an Assigner.
func New(incidents Incidents, directory Directory, rules scoring.RuleResolver, ranker scoring.Ranker, c *cache.Store, opts ...Option) *Assigner {
	a := &Assigner{
		incidents: incidents,
		directory: directory,
		rules:     rules,
		ranker:    ranker,
		cache:     c,
		locker:    NoopLocker{},
		timeout:   DefaultTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = logger.Get().Named("assign")
	}
	return a
}

// Headcount returns how many staff an incident of priority p needs under a
// rule allowing limit concurrent assignments.
func Headcount(limit int, p model.Priority) int {
	switch p {
	case model.PriorityUrgent:
		return min(limit+1, 4)
	case model.PriorityHigh:
		return max(1, limit)
	case model.PriorityLow:
		return 1
	default:
		return max(1, limit-1)
	}
}

// Assign ranks the event's available staff and persists the top candidates.
func (a *Assigner) Assign(ctx context.Context, req Request) (Result, error) {
	const op = "assign.Assign"

	var missing []string
	for _, f := range []struct{ name, value string }{
		{"incidentId", req.IncidentID},
		{"eventId", req.EventID},
		{"incidentType", req.IncidentType},
		{"priority", string(req.Priority)},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return Result{}, fault.New(fault.ValidationError, op, "missing required fields").With("missing", missing)
	}
	priority := model.ParsePriority(string(req.Priority))

	unlock, err := a.locker.Lock(ctx, req.EventID)
	if err != nil {
		return Result{}, fault.Wrap(fault.TimeoutError, op, err, "could not acquire event lock")
	}
	defer unlock()

	inc, err := a.incident(ctx, op, req.IncidentID, req.EventID)
	if err != nil {
		return Result{}, a.fail(ctx, modeAuto, err)
	}

	rule, err := a.rules.Resolve(ctx, req.IncidentType, req.EventID)
	if err != nil {
		return Result{}, a.fail(ctx, modeAuto, err)
	}
	res := Result{IncidentID: req.IncidentID, AssignedStaffIDs: []string{}, AutoAssigned: true}
	if !rule.AutoAssign {
		metrics.RecordAssignment(modeAuto, outcomeDisabled)
		res.Notes = fmt.Sprintf("Auto-assignment is disabled for incident type %q", rule.IncidentType)
		return res, nil
	}

	loc := req.Location
	if loc == nil {
		loc = inc.Location
	}
	staff, err := a.directory.ListAvailable(ctx, req.EventID)
	if err != nil {
		return Result{}, a.fail(ctx, modeAuto, err)
	}
	scores, err := a.ranker.Rank(ctx, req.EventID, model.IncidentContext{
		Type:        req.IncidentType,
		Priority:    priority,
		Location:    loc,
		ExtraSkills: req.ExtraSkills,
	}, staff)
	if err != nil {
		return Result{}, a.fail(ctx, modeAuto, err)
	}
	if len(scores) == 0 {
		metrics.RecordAssignment(modeAuto, outcomeEmpty)
		a.logger.Info(ctx, "no eligible staff",
			logger.String("incident_id", req.IncidentID),
			logger.String("event_id", req.EventID),
			logger.Int("roster", len(staff)),
		)
		res.Notes = NoStaffNote
		return res, nil
	}

	n := Headcount(rule.MaxAssignments, priority)
	if n > len(scores) {
		n = len(scores)
	}
	top := scores[:n]
	for _, s := range top {
		res.AssignedStaffIDs = append(res.AssignedStaffIDs, s.StaffID)
	}
	res.Notes = scoring.Explain(top[0])
	res.Scores = top

	if err := a.persist(ctx, req.IncidentID, model.AssignmentUpdate{
		StaffIDs:     res.AssignedStaffIDs,
		AutoAssigned: true,
		Notes:        res.Notes,
	}); err != nil {
		return Result{}, a.fail(ctx, modeAuto, err)
	}
	a.invalidate(ctx, req.EventID)

	metrics.RecordAssignment(modeAuto, outcomeAssigned)
	a.logger.Info(ctx, "incident auto-assigned",
		logger.String("incident_id", req.IncidentID),
		logger.String("event_id", req.EventID),
		logger.Strings("staff_ids", res.AssignedStaffIDs),
		logger.Float64("top_score", top[0].Score),
	)
	return res, nil
}

// incident loads and checks the incident. A missing incident is a
// validation failure that still matches fault.ErrNotFound.
func (a *Assigner) incident(ctx context.Context, op, incidentID, eventID string) (model.Incident, error) {
	cctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	inc, err := a.incidents.GetIncident(cctx, incidentID)
	if err != nil {
		if fault.KindOf(fault.Classify(op, err)) == fault.StaffNotFound {
			return model.Incident{}, fault.Wrap(fault.ValidationError, op, err, "incident does not exist").
				With("incidentId", incidentID)
		}
		return model.Incident{}, fault.Classify(op, err)
	}
	if inc.EventID != "" && inc.EventID != eventID {
		return model.Incident{}, fault.New(fault.ValidationError, op, "incident belongs to another event").
			With("incidentId", incidentID)
	}
	return inc, nil
}

// persist writes u, mapping failures to ASSIGNMENT_FAILED unless a more
// specific kind applies.
func (a *Assigner) persist(ctx context.Context, incidentID string, u model.AssignmentUpdate) error {
	const op = "assign.persist"
	cctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	err := a.incidents.UpdateIncidentAssignment(cctx, incidentID, u)
	if err == nil {
		return nil
	}
	switch c := fault.Classify(op, err); fault.KindOf(c) {
	case fault.PermissionDenied, fault.TableNotFound:
		return c
	default:
		return fault.Wrap(fault.AssignmentFailed, op, err, "assignment was not saved").
			With("incidentId", incidentID)
	}
}

func (a *Assigner) invalidate(ctx context.Context, eventID string) {
	if a.cache != nil {
		a.cache.Invalidate(ctx, eventID)
	}
}

func (a *Assigner) fail(ctx context.Context, mode string, err error) error {
	kind := fault.KindOf(err)
	if kind == fault.ValidationError {
		metrics.RecordAssignment(mode, outcomeRejected)
	} else {
		metrics.RecordAssignment(mode, outcomeFailed)
		a.logger.Error(ctx, "assignment failed", logger.String("mode", mode), logger.Error(err))
	}
	metrics.RecordError("assign", string(kind))
	return err
}
