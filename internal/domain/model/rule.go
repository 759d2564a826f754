package model

import "strings"

// RulePriority is the priority class attached to an assignment rule.
type RulePriority string

// Rule priority classes.
const (
	RuleLow    RulePriority = "low"
	RuleMedium RulePriority = "medium"
	RuleHigh   RulePriority = "high"
)

// AssignmentRule constrains which staff may be considered for an incident type.
// EventID is empty for global rules.
type AssignmentRule struct {
	IncidentType   string       `json:"incidentType" koanf:"incident_type"`
	RequiredSkills []string     `json:"requiredSkills" koanf:"required_skills"`
	MaxDistanceKM  float64      `json:"maxDistance" koanf:"max_distance_km"`
	MaxAssignments int          `json:"maxAssignments" koanf:"max_assignments"`
	Priority       RulePriority `json:"priority" koanf:"priority"`
	AutoAssign     bool         `json:"autoAssign" koanf:"auto_assign"`
	EventID        string       `json:"eventId,omitempty" koanf:"-"`
	Active         bool         `json:"active" koanf:"-"`
	// Source names the resolution level that produced the rule.
	Source         string       `json:"source,omitempty" koanf:"-"`
}

// RuleTable maps normalized incident types to rules.
type RuleTable map[string]AssignmentRule

// NormalizeType lower-cases and trims an incident type for rule lookup.
func NormalizeType(incidentType string) string {
	return strings.ToLower(strings.TrimSpace(incidentType))
}

// Clone returns a deep copy of t.
func (t RuleTable) Clone() RuleTable {
	out := make(RuleTable, len(t))
	for k, r := range t {
		r.RequiredSkills = append([]string(nil), r.RequiredSkills...)
		out[k] = r
	}
	return out
}
