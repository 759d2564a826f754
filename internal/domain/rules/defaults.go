package rules

import "github.com/okian/rota/internal/domain/model"

// Permissive is returned for incident types no level knows about.
func Permissive(incidentType string) model.AssignmentRule {
	return model.AssignmentRule{
		IncidentType:   model.NormalizeType(incidentType),
		RequiredSkills: []string{},
		MaxDistanceKM:  20,
		MaxAssignments: 3,
		Priority:       model.RuleMedium,
		AutoAssign:     true,
		Active:         true,
		Source:         SourcePermissive,
	}
}

// Defaults returns the built-in rule table.
func Defaults() model.RuleTable {
	rule := func(t string, skills []string, km float64, max int, p model.RulePriority, auto bool) model.AssignmentRule {
		return model.AssignmentRule{
			IncidentType:   t,
			RequiredSkills: skills,
			MaxDistanceKM:  km,
			MaxAssignments: max,
			Priority:       p,
			AutoAssign:     auto,
			Active:         true,
			Source:         SourceDefault,
		}
	}
	return model.RuleTable{
		"medical":       rule("medical", []string{"medical", "first_aid"}, 10, 2, model.RuleHigh, true),
		"security":      rule("security", []string{"security"}, 15, 3, model.RuleHigh, true),
		"fire":          rule("fire", []string{"fire_safety"}, 10, 2, model.RuleHigh, true),
		"lost_property": rule("lost_property", []string{}, 20, 3, model.RuleLow, true),
		"lost_child":    rule("lost_child", []string{"safeguarding"}, 20, 2, model.RuleHigh, true),
		"crowd_control": rule("crowd_control", []string{"crowd_management"}, 15, 3, model.RuleMedium, true),
		"welfare":       rule("welfare", []string{"welfare"}, 15, 3, model.RuleMedium, true),
		"ejection":      rule("ejection", []string{"security"}, 10, 2, model.RuleHigh, false),
		"technical":     rule("technical", []string{"technical"}, 20, 3, model.RuleLow, true),
	}
}
