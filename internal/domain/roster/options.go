package roster

import (
	"time"

	"github.com/okian/rota/pkg/logger"
)

// Option configures a Directory.
type Option func(*Directory)

// WithTimeout bounds every upstream call.
func WithTimeout(d time.Duration) Option {
	return func(dir *Directory) {
		if d > 0 {
			dir.timeout = d
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(dir *Directory) {
		if l != nil {
			dir.logger = l
		}
	}
}
