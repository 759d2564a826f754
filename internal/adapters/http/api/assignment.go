package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/okian/rota/internal/domain/assign"
	"github.com/okian/rota/internal/domain/fault"
	"github.com/okian/rota/internal/domain/geo"
	"github.com/okian/rota/internal/domain/model"
	"github.com/okian/rota/internal/domain/tracker"
	"github.com/okian/rota/pkg/logger"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// defaultSuggestions is the suggestion count when none is requested.
const defaultSuggestions = 5

// AssignmentHandler serves /staff-assignment.
type AssignmentHandler struct {
	assigner Assigner
	reader   RosterReader
	logger   logger.Logger
}

// NewAssignmentHandler creates a new assignment handler.
func NewAssignmentHandler(a Assigner, r RosterReader, log logger.Logger) *AssignmentHandler {
	return &AssignmentHandler{assigner: a, reader: r, logger: log}
}

// assignmentRequest is the POST /staff-assignment body. Exactly one of
// StaffIDs, AssignmentType "auto" or BulkAssignments selects the mode.
type assignmentRequest struct {
	IncidentID         string        `json:"incidentId"`
	EventID            string        `json:"eventId"`
	StaffIDs           []string      `json:"staffIds"`
	AssignmentType     string        `json:"assignmentType"`
	IncidentType       string        `json:"incidentType"`
	Priority           string        `json:"priority"`
	Location           *geo.Point    `json:"location"`
	RequiredSkills     []string      `json:"requiredSkills"`
	Notes              string        `json:"notes"`
	AllowSkillOverride bool          `json:"allowSkillOverride"`
	BulkAssignments    []bulkRequest `json:"bulkAssignments"`
}

type bulkRequest struct {
	IncidentID         string   `json:"incidentId"`
	StaffIDs           []string `json:"staffIds"`
	IncidentType       string   `json:"incidentType"`
	Notes              string   `json:"notes"`
	AllowSkillOverride bool     `json:"allowSkillOverride"`
}

type assignmentResponse struct {
	Success       bool     `json:"success"`
	Assignment    any      `json:"assignment,omitempty"`
	AssignedStaff []string `json:"assignedStaff"`
	Message       string   `json:"message"`
}

type bulkItemResponse struct {
	IncidentID    string   `json:"incidentId"`
	Success       bool     `json:"success"`
	AssignedStaff []string `json:"assignedStaff,omitempty"`
	Error         string   `json:"error,omitempty"`
	Code          string   `json:"code,omitempty"`
}

type bulkResponse struct {
	Success bool               `json:"success"`
	Results []bulkItemResponse `json:"results"`
	Message string             `json:"message"`
}

type incidentView struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Priority      model.Priority `json:"priority"`
	AssignedStaff []string       `json:"assignedStaff"`
	AutoAssigned  bool           `json:"autoAssigned"`
	Notes         string         `json:"assignmentNotes"`
}

type rosterResponse struct {
	Success   bool                `json:"success"`
	Incident  incidentView        `json:"incident"`
	Staff     []model.StaffMember `json:"availableStaff"`
	Stats     tracker.Stats       `json:"stats"`
	Page      int                 `json:"page"`
	PageSize  int                 `json:"pageSize"`
	Total     int                 `json:"total"`
	Partial   bool                `json:"partial"`
	UpdatedAt time.Time           `json:"updatedAt"`
}

// HandleAssignment handles GET and POST /staff-assignment.
func (h *AssignmentHandler) HandleAssignment(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		h.handleGet(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (h *AssignmentHandler) handlePost(w http.ResponseWriter, r *http.Request) {
	const op = "api.post_assignment"
	ctx := r.Context()

	var req assignmentRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("%w: invalid JSON body", ErrBadRequest))
		return
	}
	if strings.TrimSpace(req.EventID) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("%w: missing eventId", ErrBadRequest))
		return
	}

	switch {
	case len(req.BulkAssignments) > 0:
		h.bulk(w, r, req)
	case strings.EqualFold(req.AssignmentType, "auto"):
		res, err := h.assigner.Assign(ctx, assign.Request{
			IncidentID:   req.IncidentID,
			EventID:      req.EventID,
			IncidentType: req.IncidentType,
			Priority:     model.Priority(req.Priority),
			Location:     req.Location,
			ExtraSkills:  req.RequiredSkills,
		})
		if err != nil {
			writeFault(ctx, h.logger, w, op, err)
			return
		}
		writeJSON(w, http.StatusOK, assignmentResponse{
			Success:       true,
			Assignment:    res,
			AssignedStaff: res.AssignedStaffIDs,
			Message:       res.Notes,
		})
	case len(req.StaffIDs) > 0:
		res, err := h.assigner.AssignManual(ctx, assign.ManualRequest{
			IncidentID:         req.IncidentID,
			EventID:            req.EventID,
			StaffIDs:           req.StaffIDs,
			IncidentType:       req.IncidentType,
			Notes:              req.Notes,
			AllowSkillOverride: req.AllowSkillOverride,
		})
		if err != nil {
			writeFault(ctx, h.logger, w, op, err)
			return
		}
		writeJSON(w, http.StatusOK, assignmentResponse{
			Success:       true,
			Assignment:    res,
			AssignedStaff: res.AssignedStaffIDs,
			Message:       fmt.Sprintf("Assigned %d staff member(s)", len(res.AssignedStaffIDs)),
		})
	default:
		writeError(w, http.StatusBadRequest, "bad_request",
			fmt.Errorf("%w: staffIds, assignmentType \"auto\" or bulkAssignments is required", ErrBadRequest))
	}
}

func (h *AssignmentHandler) bulk(w http.ResponseWriter, r *http.Request, req assignmentRequest) {
	reqs := make([]assign.ManualRequest, len(req.BulkAssignments))
	for i, b := range req.BulkAssignments {
		reqs[i] = assign.ManualRequest{
			IncidentID:         b.IncidentID,
			EventID:            req.EventID,
			StaffIDs:           b.StaffIDs,
			IncidentType:       b.IncidentType,
			Notes:              b.Notes,
			AllowSkillOverride: b.AllowSkillOverride,
		}
	}
	out := h.assigner.AssignBulk(r.Context(), reqs)

	resp := bulkResponse{Success: true, Results: make([]bulkItemResponse, 0, len(out))}
	ok := 0
	for _, item := range out {
		ir := bulkItemResponse{IncidentID: item.IncidentID, Success: item.Err == nil}
		if item.Err != nil {
			resp.Success = false
			ir.Code = codeOf(item.Err)
			ir.Error = publicMessage(item.Err)
			if ir.Code == "INTERNAL_ERROR" {
				h.logger.Error(r.Context(), "bulk item failed", logger.String("incident_id", item.IncidentID), logger.Error(item.Err))
				ir.Error = "internal server error"
			}
		} else {
			ok++
			ir.AssignedStaff = item.Result.AssignedStaffIDs
		}
		resp.Results = append(resp.Results, ir)
	}
	resp.Message = fmt.Sprintf("%d of %d assignments applied", ok, len(out))
	writeJSON(w, http.StatusOK, resp)
}

func (h *AssignmentHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_assignment"
	ctx := r.Context()
	q := r.URL.Query()
	eventID, incidentID := q.Get("eventId"), q.Get("incidentId")
	if eventID == "" || incidentID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("%w: eventId and incidentId are required", ErrBadRequest))
		return
	}
	page, err := queryInt(r, "page", 1)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	size, err := queryInt(r, "pageSize", tracker.DefaultPageSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	size = min(size, tracker.MaxPageSize)

	inc, err := h.reader.Incident(ctx, eventID, incidentID)
	if err != nil {
		writeFault(ctx, h.logger, w, op, err)
		return
	}
	snap, err := h.reader.Roster(ctx, eventID)
	if err != nil {
		writeFault(ctx, h.logger, w, op, err)
		return
	}

	assigned := inc.AssignedStaffIDs
	if assigned == nil {
		assigned = []string{}
	}
	writeJSON(w, http.StatusOK, rosterResponse{
		Success: true,
		Incident: incidentView{
			ID:            inc.ID,
			Type:          inc.Type,
			Priority:      inc.Priority,
			AssignedStaff: assigned,
			AutoAssigned:  inc.AutoAssigned,
			Notes:         inc.Notes,
		},
		Staff:     paginate(snap.Staff, page, size),
		Stats:     snap.Stats,
		Page:      page,
		PageSize:  size,
		Total:     len(snap.Staff),
		Partial:   snap.Partial,
		UpdatedAt: snap.UpdatedAt,
	})
}

// HandleSuggestions handles GET /staff-assignment/suggestions.
func (h *AssignmentHandler) HandleSuggestions(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_suggestions"
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	q := r.URL.Query()
	eventID, incidentID := q.Get("eventId"), q.Get("incidentId")
	if eventID == "" || incidentID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("%w: eventId and incidentId are required", ErrBadRequest))
		return
	}
	limit, err := queryInt(r, "limit", defaultSuggestions)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	out, err := h.reader.Suggest(r.Context(), eventID, incidentID, limit)
	if err != nil {
		writeFault(r.Context(), h.logger, w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "suggestions": out})
}

func paginate(staff []model.StaffMember, page, size int) []model.StaffMember {
	start := (page - 1) * size
	if start >= len(staff) {
		return []model.StaffMember{}
	}
	return staff[start:min(start+size, len(staff))]
}

// codeOf returns the error code reported for one bulk item.
func codeOf(err error) string {
	if fault.HTTPStatus(err) >= http.StatusInternalServerError {
		return "INTERNAL_ERROR"
	}
	if k := fault.KindOf(err); k != "" {
		return string(k)
	}
	return "bad_request"
}
