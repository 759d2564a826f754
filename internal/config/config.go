// Package config defines service configuration and its loading.
package config

import (
	"time"

	"github.com/okian/rota/internal/domain/model"
)

// Lock modes for serializing auto-assignment per event.
const (
	LockNone  = "none"
	LockMutex = "mutex"
	LockRedis = "redis"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// LogFormat selects text or json output.
	LogFormat string `koanf:"log_format"`

	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr"`

	// DatabaseDSN selects the Postgres store. Empty runs on the in-memory store.
	DatabaseDSN string `koanf:"database_dsn"`

	// NotifyDSN is the LISTEN/NOTIFY connection; defaults to DatabaseDSN.
	NotifyDSN string `koanf:"notify_dsn"`

	// RulesEndpoint is the base URL of the rule config service. Empty disables it.
	RulesEndpoint string `koanf:"rules_endpoint"`

	RosterTTL time.Duration `koanf:"roster_ttl"`
	ScoreTTL  time.Duration `koanf:"score_ttl"`
	RuleTTL   time.Duration `koanf:"rule_ttl"`

	// Debounce is the quiet window before a burst of changes becomes one refresh.
	Debounce time.Duration `koanf:"debounce"`

	// IncrementalThreshold is the roster size above which live refreshes patch rows.
	IncrementalThreshold int `koanf:"incremental_threshold"`

	// PageSize is the default tracker page size.
	PageSize int `koanf:"page_size"`

	// FetchTimeout bounds each data store call.
	FetchTimeout time.Duration `koanf:"fetch_timeout"`

	// WorkerCount sets the number of refresh workers.
	WorkerCount int `koanf:"worker_count"`

	// QueueSize bounds the refresh queue.
	QueueSize int `koanf:"queue_size"`

	// LockMode is one of none, mutex or redis.
	LockMode string `koanf:"lock_mode"`

	// RedisAddr is required when LockMode is redis.
	RedisAddr string `koanf:"redis_addr"`

	// LockTTL bounds how long a redis assignment lock is held.
	LockTTL time.Duration `koanf:"lock_ttl"`

	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	Rules RulesConfig `koanf:"rules"`
}

// RulesConfig overrides the built-in rule table.
type RulesConfig struct {
	Defaults model.RuleTable `koanf:"defaults"`
}

// New creates a Config with defaults.
func New() *Config {
	return &Config{
		LogLevel:             "info",
		LogFormat:            "text",
		Addr:                 ":9080",
		RosterTTL:            30 * time.Second,
		ScoreTTL:             30 * time.Second,
		RuleTTL:              5 * time.Minute,
		Debounce:             500 * time.Millisecond,
		IncrementalThreshold: 100,
		PageSize:             50,
		FetchTimeout:         10 * time.Second,
		WorkerCount:          4,
		QueueSize:            1024,
		LockMode:             LockMutex,
		LockTTL:              15 * time.Second,
		ShutdownTimeout:      10 * time.Second,
	}
}

// NotifySource returns the DSN change notifications listen on.
func (c *Config) NotifySource() string {
	if c.NotifyDSN != "" {
		return c.NotifyDSN
	}
	return c.DatabaseDSN
}
