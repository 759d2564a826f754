package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/okian/rota/internal/domain/model"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ROTA_"

// Load builds a Config from the file named by ROTA_CONFIG, if any.
func Load(ctx context.Context) (*Config, error) {
	return LoadFile(ctx, os.Getenv(EnvPrefix+"CONFIG"))
}

// LoadFile builds a Config by layering defaults, an optional YAML file and env vars.
// Order of precedence (low -> high):
//  1. defaults (New())
//  2. file (YAML) at path, when non-empty
//  3. env (prefix ROTA_)
func LoadFile(_ context.Context, path string) (*Config, error) {
	base := New()

	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrLoadConfig, path, err)
		}
	}

	// ROTA_QUEUE_SIZE -> queue_size. Underscores are kept to match the flat koanf tags.
	envProvider := env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.TrimPrefix(strings.ToLower(s), strings.ToLower(EnvPrefix))
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("%w: env: %w", ErrLoadConfig, err)
	}

	cfg := *base
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
	}
	normalizeRules(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// normalizeRules keys rule overrides by normalized incident type.
func normalizeRules(cfg *Config) {
	if len(cfg.Rules.Defaults) == 0 {
		return
	}
	out := make(model.RuleTable, len(cfg.Rules.Defaults))
	for k, r := range cfg.Rules.Defaults {
		key := model.NormalizeType(k)
		if r.IncidentType == "" {
			r.IncidentType = key
		}
		if r.RequiredSkills == nil {
			r.RequiredSkills = []string{}
		}
		if r.Priority == "" {
			r.Priority = model.RuleMedium
		}
		r.Active = true
		out[key] = r
	}
	cfg.Rules.Defaults = out
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.Addr == "":
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	case c.WorkerCount <= 0:
		return fmt.Errorf("%w: worker_count must be positive", ErrInvalidConfig)
	case c.QueueSize <= 0:
		return fmt.Errorf("%w: queue_size must be positive", ErrInvalidConfig)
	case c.Debounce <= 0:
		return fmt.Errorf("%w: debounce must be positive", ErrInvalidConfig)
	case c.PageSize <= 0 || c.PageSize > 200:
		return fmt.Errorf("%w: page_size must be between 1 and 200", ErrInvalidConfig)
	case c.LogFormat != "text" && c.LogFormat != "json":
		return fmt.Errorf("%w: unknown log_format %q", ErrInvalidConfig, c.LogFormat)
	}
	switch c.LockMode {
	case LockNone, LockMutex:
	case LockRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("%w: redis_addr is required for lock_mode redis", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown lock_mode %q", ErrInvalidConfig, c.LockMode)
	}
	for k, r := range c.Rules.Defaults {
		if r.MaxAssignments <= 0 || r.MaxDistanceKM <= 0 {
			return fmt.Errorf("%w: %w: %q needs positive max_assignments and max_distance_km", ErrInvalidConfig, ErrInvalidRule, k)
		}
	}
	return nil
}
