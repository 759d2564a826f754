package model

import (
	"encoding/json"
	"time"
)

// StaffRecord is a denormalized staff row as read from the data store,
// before boundary validation. Skills stays raw so malformed payloads can be
// detected and dropped instead of trusted.
type StaffRecord struct {
	ID                 string
	Name               string
	Skills             json.RawMessage
	AvailabilityStatus string
	Active             bool
	ActiveAssignments  int
	Lat                *float64
	Lng                *float64
	MaxAssignments     int
	OrganizationID     string
	EventID            string
	UpdatedAt          time.Time
}

// AssignmentUpdate is written onto an incident record.
type AssignmentUpdate struct {
	StaffIDs     []string
	AutoAssigned bool
	Notes        string
}
