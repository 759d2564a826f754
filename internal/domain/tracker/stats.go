package tracker

import (
	"sort"

	"github.com/okian/rota/internal/domain/model"
)

// skillGapBelow is the number of available holders under which a skill is a gap.
const skillGapBelow = 2

// Stats summarizes a roster.
type Stats struct {
	Total           int            `json:"total"`
	Available       int            `json:"available"`
	Assigned        int            `json:"assigned"`
	AverageWorkload float64        `json:"averageWorkload"`
	SkillCounts     map[string]int `json:"skillCounts"`
	SkillGaps       []string       `json:"skillGaps"`
}

// Summarize computes Stats for staff.
func Summarize(staff []model.StaffMember) Stats {
	st := Stats{
		Total:       len(staff),
		SkillCounts: make(map[string]int),
		SkillGaps:   []string{},
	}
	var load float64
	for _, s := range staff {
		if s.ActiveAssignments > 0 {
			st.Assigned++
		}
		load += float64(s.ActiveAssignments) / float64(s.Cap())
		if !s.Eligible() {
			for _, sk := range s.Skills {
				if _, ok := st.SkillCounts[sk]; !ok {
					st.SkillCounts[sk] = 0
				}
			}
			continue
		}
		st.Available++
		for _, sk := range s.Skills {
			st.SkillCounts[sk]++
		}
	}
	if len(staff) > 0 {
		st.AverageWorkload = load / float64(len(staff))
	}
	for sk, n := range st.SkillCounts {
		if n < skillGapBelow {
			st.SkillGaps = append(st.SkillGaps, sk)
		}
	}
	sort.Strings(st.SkillGaps)
	return st
}
