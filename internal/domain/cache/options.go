package cache

import (
	"time"

	"github.com/okian/rota/pkg/logger"
)

// Option applies a configuration option to the Store.
type Option func(*Store)

// WithClock replaces time.Now, mostly for TTL tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRosterTTL sets the roster tier TTL.
func WithRosterTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.rosterTTL = ttl
		}
	}
}

// WithScoreTTL sets the score tier TTL.
func WithScoreTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.scoreTTL = ttl
		}
	}
}

// WithRuleTTL sets the rule tier TTL.
func WithRuleTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ruleTTL = ttl
		}
	}
}

// WithMaxEntries bounds every tier. Writes beyond the bound are rejected
// after expired entries are purged. Zero means unbounded.
func WithMaxEntries(n int) Option {
	return func(s *Store) {
		if n >= 0 {
			s.maxEntries = n
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
