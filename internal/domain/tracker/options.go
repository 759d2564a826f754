package tracker

import (
	"time"

	"github.com/okian/rota/internal/domain/cache"
	"github.com/okian/rota/internal/domain/scoring"
	"github.com/okian/rota/pkg/logger"
)

// Option configures a Tracker.
type Option func(*Tracker)

// WithRanker enables Suggested.
func WithRanker(r scoring.Ranker) Option {
	return func(t *Tracker) { t.ranker = r }
}

// WithCache lets incremental patches refresh the shared roster tier.
func WithCache(c *cache.Store) Option {
	return func(t *Tracker) { t.cache = c }
}

// WithIncrementalThreshold sets the roster size above which live refreshes
// patch changed rows instead of refetching everything.
func WithIncrementalThreshold(n int) Option {
	return func(t *Tracker) {
		if n >= 0 {
			t.threshold = n
		}
	}
}

// WithChangeWindow sets how far back an incremental fetch looks.
func WithChangeWindow(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.window = d
		}
	}
}

// WithPageSize sets the initial page size.
func WithPageSize(n int) Option {
	return func(t *Tracker) { t.pageSize = clampPageSize(n) }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}
