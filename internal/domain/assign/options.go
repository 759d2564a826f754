package assign

import (
	"time"

	"github.com/okian/rota/pkg/logger"
)

// Option applies a configuration option to the Assigner.
type Option func(*Assigner)

// WithLocker serializes auto-assignment per event.
func WithLocker(l Locker) Option {
	return func(a *Assigner) {
		if l != nil {
			a.locker = l
		}
	}
}

// WithTimeout bounds each data-store call made by the assigner.
func WithTimeout(d time.Duration) Option {
	return func(a *Assigner) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(a *Assigner) {
		if l != nil {
			a.logger = l
		}
	}
}
