// Package repository adapts the relational data store holding staff,
// incident_logs, callsign_assignments and assignment_rules.
package repository

import (
	"context"
	"time"

	"github.com/okian/rota/internal/domain/model"
)

// Store provides the reads and writes the assignment engine needs.
// Implementations report missing tables, privilege failures and missing rows
// by wrapping fault.ErrTableNotFound, fault.ErrPermissionDenied and
// fault.ErrNotFound.
type Store interface {
	// ListAvailableStaff returns active, available staff for the event with
	// open-incident counts and latest location folded in by one query.
	ListAvailableStaff(ctx context.Context, eventID string) ([]model.StaffRecord, error)
	// ListStaffChangedSince returns staff rows of any availability whose
	// record, assignments or location changed at or after since.
	ListStaffChangedSince(ctx context.Context, eventID string, since time.Time) ([]model.StaffRecord, error)
	// GetStaff returns the denormalized rows for ids; unknown ids are omitted.
	GetStaff(ctx context.Context, eventID string, ids []string) ([]model.StaffRecord, error)

	GetIncident(ctx context.Context, incidentID string) (model.Incident, error)
	UpdateIncidentAssignment(ctx context.Context, incidentID string, u model.AssignmentUpdate) error

	// ListRules returns active rules scoped to eventID ("" for global rules).
	ListRules(ctx context.Context, eventID string) ([]model.AssignmentRule, error)
	UpsertRule(ctx context.Context, rule model.AssignmentRule) error
	DeactivateRule(ctx context.Context, eventID, incidentType string) error
}

// Released returns the ids in prev that are absent from next, in prev order.
// These staff lose an open assignment when an incident is reassigned.
func Released(prev, next []string) []string {
	keep := make(map[string]struct{}, len(next))
	for _, id := range next {
		keep[id] = struct{}{}
	}
	var out []string
	for _, id := range prev {
		if _, ok := keep[id]; !ok {
			out = append(out, id)
			keep[id] = struct{}{}
		}
	}
	return out
}
