package model

// AssignmentScore is a transient ranking artifact; it is never persisted.
type AssignmentScore struct {
	StaffID      string   `json:"staffId"`
	Score        float64  `json:"score"`
	Reasons      []string `json:"reasons"`
	DistanceKM   *float64 `json:"distance,omitempty"`
	SkillMatch   float64  `json:"skillMatch"`
	Availability float64  `json:"availabilityScore"`
	Workload     float64  `json:"workloadScore"`
	Distance     float64  `json:"distanceScore"`
}
