package roster

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"github.com/okian/rota/internal/domain/geo"
	"github.com/okian/rota/internal/domain/model"
)

var (
	errMissingID    = errors.New("missing id")
	errMissingName  = errors.New("missing name")
	errSkillsType   = errors.New("skills is not an array of strings")
	errAvailability = errors.New("unknown availability status")
)

// Decode validates a raw store row and converts it into a StaffMember.
// A NULL skills column is read as no skills; any other non-array payload is
// rejected. Coordinates are kept only when both halves are present; range
// checks are left to the consumers that measure distance.
func Decode(rec model.StaffRecord) (model.StaffMember, error) {
	id := strings.TrimSpace(rec.ID)
	if id == "" {
		return model.StaffMember{}, errMissingID
	}
	if strings.TrimSpace(rec.Name) == "" {
		return model.StaffMember{}, errMissingName
	}

	skills := []string{}
	raw := bytes.TrimSpace(rec.Skills)
	if len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		if raw[0] != '[' {
			return model.StaffMember{}, errSkillsType
		}
		var decoded []string
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return model.StaffMember{}, errSkillsType
		}
		skills = dedupe(decoded)
	}

	avail := model.Availability(strings.ToLower(strings.TrimSpace(rec.AvailabilityStatus)))
	if !avail.Valid() {
		return model.StaffMember{}, errAvailability
	}

	m := model.StaffMember{
		ID:                id,
		Name:              rec.Name,
		Skills:            skills,
		Availability:      avail,
		ActiveAssignments: rec.ActiveAssignments,
		MaxAssignments:    rec.MaxAssignments,
		OrganizationID:    rec.OrganizationID,
		Active:            rec.Active,
		UpdatedAt:         rec.UpdatedAt,
	}
	if m.MaxAssignments <= 0 {
		m.MaxAssignments = model.DefaultMaxAssignments
	}
	if rec.Lat != nil && rec.Lng != nil {
		m.Location = &geo.Point{Lat: *rec.Lat, Lng: *rec.Lng}
	}
	return m, nil
}

// dedupe keeps the first occurrence of each non-blank skill, preserving order.
func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
