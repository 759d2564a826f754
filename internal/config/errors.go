package config

import "errors"

// Sentinel kinds for configuration errors.
var (
	ErrInvalidConfig = errors.New("invalid config")
	ErrLoadConfig    = errors.New("load config failed")
	// ErrInvalidRule marks a bad entry under rules.defaults; it is always
	// reported together with ErrInvalidConfig.
	ErrInvalidRule = errors.New("invalid default rule")
)
