// Package cache implements the three-tier TTL cache shared by the roster,
// scoring and rule components.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/okian/rota/internal/domain/model"
	"github.com/okian/rota/pkg/logger"
)

// Default TTLs.
const (
	DefaultRosterTTL = 30 * time.Second
	DefaultScoreTTL  = 30 * time.Second
	DefaultRuleTTL   = 5 * time.Minute
)

// GlobalScope is the rule tier key for rules not bound to an event.
const GlobalScope = "global"

// scoreKeySep separates the event id from the hashed part of a score key.
const scoreKeySep = "|"

// Tier labels.
const (
	TierRoster = "roster"
	TierScore  = "score"
	TierRule   = "rule"
)

// Store groups the three tiers. It is safe for concurrent use.
type Store struct {
	Rosters *Tier[[]model.StaffMember]
	Scores  *Tier[[]model.AssignmentScore]
	Rules   *Tier[model.RuleTable]

	rosterTTL  time.Duration
	scoreTTL   time.Duration
	ruleTTL    time.Duration
	maxEntries int
	now        func() time.Time
	version    atomic.Uint64
	logger     logger.Logger
}

// New builds a Store.
func New(opts ...Option) *Store {
	s := &Store{
		rosterTTL: DefaultRosterTTL,
		scoreTTL:  DefaultScoreTTL,
		ruleTTL:   DefaultRuleTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("cache")
	}

	s.Rosters = newTier(TierRoster, s.rosterTTL, s, cloneRoster)
	s.Scores = newTier(TierScore, s.scoreTTL, s, cloneScores)
	s.Rules = newTier(TierRule, s.ruleTTL, s, func(t model.RuleTable) model.RuleTable { return t.Clone() })
	return s
}

// Invalidate clears every entry belonging to eventID: exact key on the roster
// and rule tiers, prefix match on the score tier.
func (s *Store) Invalidate(ctx context.Context, eventID string) {
	if eventID == "" {
		return
	}
	r := s.Rosters.Delete(eventID)
	u := s.Rules.Delete(eventID)
	sc := s.Scores.DeletePrefix(eventID + scoreKeySep)
	s.logger.Debug(ctx, "cache invalidated",
		logger.String("event_id", eventID),
		logger.Int("rosters", r),
		logger.Int("rules", u),
		logger.Int("scores", sc),
	)
}

// InvalidateRules drops the rule table of a scope and the scores derived
// from it. The global scope feeds every event, so it clears both tiers.
func (s *Store) InvalidateRules(ctx context.Context, eventID string) {
	if eventID == "" || eventID == GlobalScope {
		s.Rules.Clear()
		s.Scores.Clear()
		s.logger.Debug(ctx, "global rules invalidated")
		return
	}
	s.Rules.Delete(eventID)
	s.Scores.DeletePrefix(eventID + scoreKeySep)
	s.logger.Debug(ctx, "event rules invalidated", logger.String("event_id", eventID))
}

// InvalidateAll clears every tier.
func (s *Store) InvalidateAll() {
	s.Rosters.Clear()
	s.Scores.Clear()
	s.Rules.Clear()
}

// RuleKey maps an event id to its rule tier key.
func RuleKey(eventID string) string {
	if eventID == "" {
		return GlobalScope
	}
	return eventID
}

// ScoreKey derives the score tier key. The hashed part covers incident type,
// priority, location, sorted required skills and a roster fingerprint.
func ScoreKey(eventID string, ic model.IncidentContext, rosterFingerprint string) string {
	skills := append([]string(nil), ic.ExtraSkills...)
	sort.Strings(skills)

	loc := "-"
	if ic.Location != nil {
		loc = fmt.Sprintf("%.6f,%.6f", ic.Location.Lat, ic.Location.Lng)
	}

	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00%s",
		model.NormalizeType(ic.Type), ic.Priority, loc, strings.Join(skills, ","), rosterFingerprint)
	return eventID + scoreKeySep + hex.EncodeToString(h.Sum(nil))[:32]
}

// Fingerprint summarizes the fields of a roster that influence scoring.
func Fingerprint(staff []model.StaffMember) string {
	h := sha256.New()
	for _, s := range staff {
		fmt.Fprintf(h, "%s:%s:%d:%d", s.ID, s.Availability, s.ActiveAssignments, s.Cap())
		if s.Location != nil {
			fmt.Fprintf(h, ":%.6f,%.6f", s.Location.Lat, s.Location.Lng)
		}
		fmt.Fprintf(h, ":%s;", strings.Join(s.Skills, ","))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func cloneRoster(in []model.StaffMember) []model.StaffMember {
	if in == nil {
		return nil
	}
	out := make([]model.StaffMember, len(in))
	for i, s := range in {
		s.Skills = append([]string(nil), s.Skills...)
		if s.Location != nil {
			loc := *s.Location
			s.Location = &loc
		}
		out[i] = s
	}
	return out
}

func cloneScores(in []model.AssignmentScore) []model.AssignmentScore {
	if in == nil {
		return nil
	}
	out := make([]model.AssignmentScore, len(in))
	for i, s := range in {
		s.Reasons = append([]string(nil), s.Reasons...)
		if s.DistanceKM != nil {
			d := *s.DistanceKM
			s.DistanceKM = &d
		}
		out[i] = s
	}
	return out
}

// CloneRoster returns a deep copy of a roster slice.
func CloneRoster(in []model.StaffMember) []model.StaffMember { return cloneRoster(in) }
