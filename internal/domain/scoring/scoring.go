// Package scoring ranks staff candidates for an incident.
package scoring

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/okian/rota/internal/domain/cache"
	"github.com/okian/rota/internal/domain/fault"
	"github.com/okian/rota/internal/domain/geo"
	"github.com/okian/rota/internal/domain/model"
	"github.com/okian/rota/pkg/logger"
	"github.com/okian/rota/pkg/metrics"
)

// Composite weights.
const (
	WeightSkill        = 0.4
	WeightAvailability = 0.3
	WeightWorkload     = 0.2
	WeightDistance     = 0.1
)

// Scoring constants.
const (
	urgentMultiplier   = 1.2
	highMultiplier     = 1.1
	reasonThreshold    = 0.8
	closeProximityKM   = 5.0
	neutralDistanceSub = 1.0
)

// Justifications attached to scores.
const (
	ReasonSkill     = "Excellent skill match"
	ReasonAvailable = "Highly available"
	ReasonWorkload  = "Low current workload"
	ReasonProximity = "Close proximity"
)

// Skip reasons reported to metrics.
const (
	skipWorkload = "workload"
	skipSkills   = "skills"
	skipDistance = "distance"
	skipInvalid  = "invalid_location"
)

// RuleResolver returns the effective rule for an incident type.
type RuleResolver interface {
	Resolve(ctx context.Context, incidentType, eventID string) (model.AssignmentRule, error)
}

// Ranker ranks candidates for an incident.
type Ranker interface {
	Rank(ctx context.Context, eventID string, ic model.IncidentContext, candidates []model.StaffMember) ([]model.AssignmentScore, error)
}

// Option applies a configuration option to the Engine.
type Option func(*Engine)

// WithCache enables the score tier of c.
func WithCache(c *cache.Store) Option {
	return func(e *Engine) { e.cache = c }
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// Engine is the ScoringEngine.
type Engine struct {
	rules  RuleResolver
	cache  *cache.Store
	logger logger.Logger
}

// New creates an Engine resolving rules through rules.
func New(rules RuleResolver, opts ...Option) *Engine {
	e := &Engine{rules: rules}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logger.Get().Named("scoring")
	}
	return e
}

// Rank scores candidates and returns the survivors sorted by descending
// composite score. Ties keep input order.
func (e *Engine) Rank(ctx context.Context, eventID string, ic model.IncidentContext, candidates []model.StaffMember) ([]model.AssignmentScore, error) {
	const op = "scoring.Rank"
	if ic.Location != nil {
		if err := ic.Location.Validate(); err != nil {
			return nil, fault.Wrap(fault.ValidationError, op, err, "incident location is invalid")
		}
	}

	rule, err := e.rules.Resolve(ctx, ic.Type, eventID)
	if err != nil {
		return nil, err
	}

	var key string
	if e.cache != nil && eventID != "" {
		key = cache.ScoreKey(eventID, ic, cache.Fingerprint(candidates))
		if scores, ok := e.cache.Scores.Get(key); ok {
			return scores, nil
		}
	}

	start := time.Now()
	required := RequiredSkills(rule, ic.ExtraSkills)
	mult := multiplier(ic.Priority)

	out := make([]model.AssignmentScore, 0, len(candidates))
	for _, c := range candidates {
		s, reason, ok := e.score(ctx, c, rule, required, mult, ic.Location)
		if !ok {
			metrics.RecordCandidateSkipped(reason)
			continue
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })

	metrics.RecordScoringLatency(float64(time.Since(start).Microseconds()) / 1000)
	metrics.RecordCandidatesRanked(len(out))
	e.logger.Debug(ctx, "candidates ranked",
		logger.String("event_id", eventID),
		logger.String("incident_type", rule.IncidentType),
		logger.Int("candidates", len(candidates)),
		logger.Int("ranked", len(out)),
	)

	if key != "" {
		e.cache.Scores.Set(ctx, key, out)
	}
	return out, nil
}

func (e *Engine) score(ctx context.Context, c model.StaffMember, rule model.AssignmentRule, required []string, mult float64, target *geo.Point) (model.AssignmentScore, string, bool) {
	if c.ActiveAssignments >= rule.MaxAssignments {
		return model.AssignmentScore{}, skipWorkload, false
	}

	skill := 1.0
	if len(required) > 0 {
		held := 0
		for _, sk := range required {
			if c.HasSkill(sk) {
				held++
			}
		}
		if held == 0 {
			return model.AssignmentScore{}, skipSkills, false
		}
		skill = float64(held) / float64(len(required))
	}

	headroom := c.Headroom()
	avail := 0.0
	if c.Availability == model.Available {
		avail = math.Min(1, headroom*mult)
	}

	dist := neutralDistanceSub
	var km *float64
	if target != nil && c.Location != nil {
		d, err := geo.Distance(*target, *c.Location)
		if err != nil {
			metrics.RecordError("scoring", string(fault.InvalidData))
			e.logger.Warn(ctx, "skipping candidate with invalid location",
				logger.String("staff_id", c.ID),
				logger.Error(fault.Wrap(fault.InvalidData, "scoring.score", err, "candidate location out of range")),
			)
			return model.AssignmentScore{}, skipInvalid, false
		}
		if rule.MaxDistanceKM > 0 {
			if d > rule.MaxDistanceKM {
				return model.AssignmentScore{}, skipDistance, false
			}
			dist = math.Max(0, 1-d/rule.MaxDistanceKM)
		}
		km = &d
	}

	s := model.AssignmentScore{
		StaffID:      c.ID,
		Score:        WeightSkill*skill + WeightAvailability*avail + WeightWorkload*headroom + WeightDistance*dist,
		DistanceKM:   km,
		SkillMatch:   skill,
		Availability: avail,
		Workload:     headroom,
		Distance:     dist,
		Reasons:      []string{},
	}
	if skill > reasonThreshold {
		s.Reasons = append(s.Reasons, ReasonSkill)
	}
	if avail > reasonThreshold {
		s.Reasons = append(s.Reasons, ReasonAvailable)
	}
	if headroom > reasonThreshold {
		s.Reasons = append(s.Reasons, ReasonWorkload)
	}
	if km != nil && *km < closeProximityKM {
		s.Reasons = append(s.Reasons, ReasonProximity)
	}
	return s, "", true
}

// RequiredSkills unions the rule's skills with extra, keeping first-seen order.
func RequiredSkills(rule model.AssignmentRule, extra []string) []string {
	out := make([]string, 0, len(rule.RequiredSkills)+len(extra))
	seen := make(map[string]struct{}, cap(out))
	for _, list := range [][]string{rule.RequiredSkills, extra} {
		for _, sk := range list {
			sk = strings.TrimSpace(sk)
			if sk == "" {
				continue
			}
			if _, ok := seen[sk]; ok {
				continue
			}
			seen[sk] = struct{}{}
			out = append(out, sk)
		}
	}
	return out
}

func multiplier(p model.Priority) float64 {
	switch p {
	case model.PriorityUrgent:
		return urgentMultiplier
	case model.PriorityHigh:
		return highMultiplier
	default:
		return 1
	}
}

// Explain renders a score as an assignment note.
func Explain(s model.AssignmentScore) string {
	if len(s.Reasons) == 0 {
		return fmt.Sprintf("Best available match (score %.2f)", s.Score)
	}
	return fmt.Sprintf("%s (score %.2f)", strings.Join(s.Reasons, ", "), s.Score)
}
