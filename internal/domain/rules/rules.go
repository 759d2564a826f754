// Package rules resolves per-incident-type eligibility rules. Tables are
// loaded whole per scope and layered: built-in defaults, then the external
// endpoint (only when the scope has no persisted rules of its own), then
// global and event persisted rules.
package rules

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/okian/rota/internal/domain/cache"
	"github.com/okian/rota/internal/domain/fault"
	"github.com/okian/rota/internal/domain/model"
	"github.com/okian/rota/pkg/logger"
	"github.com/okian/rota/pkg/metrics"
)

// Resolution sources.
const (
	SourcePersisted  = "persisted"
	SourceEndpoint   = "endpoint"
	SourceDefault    = "default"
	SourcePermissive = "permissive"
)

// DefaultTimeout bounds one table reload.
const DefaultTimeout = 10 * time.Second

// Persistence is the rule part of the data store.
type Persistence interface {
	ListRules(ctx context.Context, eventID string) ([]model.AssignmentRule, error)
	UpsertRule(ctx context.Context, rule model.AssignmentRule) error
	DeactivateRule(ctx context.Context, eventID, incidentType string) error
}

// Endpoint is the external configuration fallback.
type Endpoint interface {
	FetchRules(ctx context.Context) (model.RuleTable, error)
}

// Store is the RuleStore.
type Store struct {
	cache    *cache.Store
	persist  Persistence
	endpoint Endpoint
	defaults model.RuleTable
	timeout  time.Duration
	group    singleflight.Group
	logger   logger.Logger
}

// New builds a Store caching tables in c.
func New(c *cache.Store, opts ...Option) *Store {
	s := &Store{
		cache:    c,
		defaults: Defaults(),
		timeout:  DefaultTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("rules")
	}
	return s
}

// Resolve returns the effective rule for incidentType in eventID's scope.
func (s *Store) Resolve(ctx context.Context, incidentType, eventID string) (model.AssignmentRule, error) {
	key := model.NormalizeType(incidentType)
	if key == "" {
		return model.AssignmentRule{}, fault.New(fault.ValidationError, "rules.Resolve", "incident type is required")
	}
	table, err := s.Table(ctx, eventID)
	if err != nil {
		return model.AssignmentRule{}, err
	}
	r, ok := table[key]
	if !ok {
		r = Permissive(key)
	}
	metrics.RecordRuleResolution(r.Source)
	return r, nil
}

// Table returns the effective table for eventID ("" for the global scope).
// Upstream failures fall through to the next level, so only cancellation
// surfaces as an error. A table built around a failure is served but not cached.
func (s *Store) Table(ctx context.Context, eventID string) (model.RuleTable, error) {
	scope := cache.RuleKey(eventID)
	if t, ok := s.cache.Rules.Get(scope); ok {
		return t, nil
	}

	v, err, _ := s.group.Do(scope, func() (any, error) {
		if t, ok := s.cache.Rules.Get(scope); ok {
			return t, nil
		}
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		t, degraded := s.load(lctx, eventID)
		if !degraded {
			s.cache.Rules.Set(lctx, scope, t)
		}
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, fault.Wrap(fault.TimeoutError, "rules.Table", ctx.Err(), "rule lookup cancelled")
	}
	return v.(model.RuleTable).Clone(), nil
}

// load builds the table for eventID. Layers, lowest first: defaults, the
// endpoint (only when the scope itself has no persisted rules), global
// persisted rules, event persisted rules. degraded reports that some level
// could not be read.
func (s *Store) load(ctx context.Context, eventID string) (table model.RuleTable, degraded bool) {
	table = s.defaults.Clone()

	var global, scoped []model.AssignmentRule
	if s.persist != nil {
		var err error
		if eventID != "" {
			if scoped, err = s.persisted(ctx, eventID); err != nil {
				degraded = true
			}
		}
		if global, err = s.persisted(ctx, ""); err != nil {
			degraded = true
		}
	}
	if eventID == "" {
		scoped, global = global, nil
	}

	if len(scoped) == 0 && s.endpoint != nil {
		remote, err := s.endpoint.FetchRules(ctx)
		if err != nil {
			degraded = true
			s.logger.Warn(ctx, "rule endpoint unavailable, using defaults", logger.Error(err))
		}
		for k, r := range remote {
			r.Source = SourceEndpoint
			table[k] = r
		}
	}
	for _, r := range global {
		table[model.NormalizeType(r.IncidentType)] = r
	}
	for _, r := range scoped {
		table[model.NormalizeType(r.IncidentType)] = r
	}

	s.logger.Debug(ctx, "rule table loaded",
		logger.String("scope", cache.RuleKey(eventID)),
		logger.Int("global", len(global)),
		logger.Int("scoped", len(scoped)),
		logger.Int("rules", len(table)),
		logger.Bool("degraded", degraded),
	)
	return table, degraded
}

// persisted returns the active persisted rules of one scope.
func (s *Store) persisted(ctx context.Context, scope string) ([]model.AssignmentRule, error) {
	rs, err := s.persist.ListRules(ctx, scope)
	if err != nil {
		err = fault.Classify("rules.load", err)
		metrics.RecordError("rules", string(fault.KindOf(err)))
		s.logger.Warn(ctx, "persisted rules unavailable",
			logger.String("scope", cache.RuleKey(scope)), logger.Error(err))
		return nil, err
	}
	out := make([]model.AssignmentRule, 0, len(rs))
	for _, r := range rs {
		if !r.Active || model.NormalizeType(r.IncidentType) == "" {
			continue
		}
		r.Source = SourcePersisted
		if r.RequiredSkills == nil {
			r.RequiredSkills = []string{}
		}
		out = append(out, r)
	}
	return out, nil
}

// UpdateRule writes rule through and invalidates its scope.
func (s *Store) UpdateRule(ctx context.Context, rule model.AssignmentRule) error {
	const op = "rules.UpdateRule"
	rule.IncidentType = model.NormalizeType(rule.IncidentType)
	if rule.IncidentType == "" {
		return fault.New(fault.ValidationError, op, "incident type is required")
	}
	if rule.MaxDistanceKM <= 0 || rule.MaxAssignments <= 0 {
		return fault.New(fault.ValidationError, op, "max distance and max assignments must be positive").
			With("incidentType", rule.IncidentType)
	}
	switch rule.Priority {
	case model.RuleLow, model.RuleMedium, model.RuleHigh:
	case "":
		rule.Priority = model.RuleMedium
	default:
		return fault.Newf(fault.ValidationError, op, "unknown priority %q", rule.Priority)
	}
	if s.persist == nil {
		return fault.Wrap(fault.DatabaseConnection, op, ErrNoPersistence, "")
	}
	rule.Active = true
	defer s.cache.InvalidateRules(ctx, rule.EventID)
	if err := s.persist.UpsertRule(ctx, rule); err != nil {
		return fault.Classify(op, err)
	}
	return nil
}

// DeleteRule soft-deletes the rule and invalidates its scope.
func (s *Store) DeleteRule(ctx context.Context, eventID, incidentType string) error {
	const op = "rules.DeleteRule"
	key := model.NormalizeType(incidentType)
	if key == "" {
		return fault.New(fault.ValidationError, op, "incident type is required")
	}
	if s.persist == nil {
		return fault.Wrap(fault.DatabaseConnection, op, ErrNoPersistence, "")
	}
	defer s.cache.InvalidateRules(ctx, eventID)
	if err := s.persist.DeactivateRule(ctx, eventID, key); err != nil {
		return fault.Classify(op, err)
	}
	return nil
}
