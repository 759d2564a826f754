package model

import (
	"strings"

	"github.com/okian/rota/internal/domain/geo"
)

// Priority is an incident's urgency.
type Priority string

// Incident priorities.
const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ParsePriority normalizes p; unknown values map to medium.
func ParsePriority(p string) Priority {
	switch Priority(strings.ToLower(strings.TrimSpace(p))) {
	case PriorityLow:
		return PriorityLow
	case PriorityHigh:
		return PriorityHigh
	case PriorityUrgent:
		return PriorityUrgent
	default:
		return PriorityMedium
	}
}

// Incident is the subset of an incident log the engine reads and writes.
type Incident struct {
	ID               string     `json:"id"`
	EventID          string     `json:"eventId"`
	Type             string     `json:"type"`
	Priority         Priority   `json:"priority"`
	Location         *geo.Point `json:"location,omitempty"`
	AssignedStaffIDs []string   `json:"assignedStaffIds"`
	AutoAssigned     bool       `json:"autoAssigned"`
	Notes            string     `json:"assignmentNotes"`
	Open             bool       `json:"open"`
}

// IncidentContext is what the scoring engine needs to rank candidates.
type IncidentContext struct {
	Type        string
	Priority    Priority
	Location    *geo.Point
	ExtraSkills []string
}
