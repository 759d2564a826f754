// Package model contains domain models passed between layers.
package model

import (
	"time"

	"github.com/okian/rota/internal/domain/geo"
)

// Availability is a staff member's declared availability state.
type Availability string

// Availability states.
const (
	Available Availability = "available"
	Busy      Availability = "busy"
	Offline   Availability = "offline"
)

// Valid reports whether a is a known state.
func (a Availability) Valid() bool {
	switch a {
	case Available, Busy, Offline:
		return true
	}
	return false
}

// DefaultMaxAssignments is used when a staff record carries no explicit cap.
const DefaultMaxAssignments = 3

// StaffMember is one entry of an event roster.
// ActiveAssignments is derived from open incidents and never written by the engine.
type StaffMember struct {
	ID                string       `json:"id"`
	Name              string       `json:"name"`
	Skills            []string     `json:"skills"`
	Availability      Availability `json:"availability"`
	ActiveAssignments int          `json:"activeAssignments"`
	Location          *geo.Point   `json:"location,omitempty"`
	MaxAssignments    int          `json:"maxAssignments"`
	OrganizationID    string       `json:"organizationId"`
	Active            bool         `json:"active"`
	UpdatedAt         time.Time    `json:"updatedAt"`
}

// Cap returns the staff member's workload cap, defaulting when unset.
func (s StaffMember) Cap() int {
	if s.MaxAssignments <= 0 {
		return DefaultMaxAssignments
	}
	return s.MaxAssignments
}

// Headroom returns max(0, 1 - active/cap).
func (s StaffMember) Headroom() float64 {
	h := 1 - float64(s.ActiveAssignments)/float64(s.Cap())
	if h < 0 {
		return 0
	}
	return h
}

// HasSkill reports whether the staff member holds skill.
func (s StaffMember) HasSkill(skill string) bool {
	for _, sk := range s.Skills {
		if sk == skill {
			return true
		}
	}
	return false
}

// Eligible reports whether s belongs in the available roster.
func (s StaffMember) Eligible() bool {
	return s.Active && s.Availability == Available
}
