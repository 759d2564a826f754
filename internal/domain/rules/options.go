package rules

import (
	"time"

	"github.com/okian/rota/internal/domain/model"
	"github.com/okian/rota/pkg/logger"
)

// Option configures a Store.
type Option func(*Store)

// WithPersistence sets the data store holding event-scoped rules.
func WithPersistence(p Persistence) Option {
	return func(s *Store) { s.persist = p }
}

// WithEndpoint sets the external configuration source.
func WithEndpoint(e Endpoint) Option {
	return func(s *Store) { s.endpoint = e }
}

// WithDefaults overlays table onto the built-in defaults.
func WithDefaults(table model.RuleTable) Option {
	return func(s *Store) {
		for k, r := range table {
			key := model.NormalizeType(k)
			if key == "" {
				continue
			}
			r.IncidentType = key
			r.Active = true
			r.Source = SourceDefault
			if r.RequiredSkills == nil {
				r.RequiredSkills = []string{}
			}
			s.defaults[key] = r
		}
	}
}

// WithTimeout bounds one reload.
func WithTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}
