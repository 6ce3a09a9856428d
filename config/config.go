package config

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/jonwraymond/dbshield/cache"
	"github.com/jonwraymond/dbshield/docdb"
	"github.com/jonwraymond/dbshield/observe"
	"github.com/jonwraymond/dbshield/perf"
	"github.com/jonwraymond/dbshield/pool"
	"github.com/jonwraymond/dbshield/resilience"
	"github.com/jonwraymond/dbshield/secret"
	"github.com/jonwraymond/dbshield/shield"
)

// Config is the root of the configuration file.
type Config struct {
	Server   ServerConfig           `yaml:"server"`
	Database DatabaseConfig         `yaml:"database"`
	Cache    cache.QueryCacheConfig `yaml:"cache"`
	Pool     pool.Config            `yaml:"pool"`
	Breaker  BreakerConfig          `yaml:"breaker"`
	Retry    RetryConfig            `yaml:"retry"`
	Monitor  perf.Config            `yaml:"monitor"`
	Observe  observe.Config         `yaml:"observe"`
	Secrets  SecretsConfig          `yaml:"secrets"`
}

// ServerConfig configures the HTTP listener of the dbshield binary.
type ServerConfig struct {
	// Addr is the listen address.
	// Default: ":8080"
	Addr string `yaml:"addr"`

	// ReportWindow is the window covered by /report and /stats.
	// Default: 1 hour
	ReportWindow time.Duration `yaml:"report_window"`

	// ShutdownTimeout bounds graceful HTTP shutdown.
	// Default: 10 seconds
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig identifies the database. Key may be a secret reference.
type DatabaseConfig struct {
	Endpoint       string `yaml:"endpoint"`
	Key            string `yaml:"key"`
	Database       string `yaml:"database"`
	Container      string `yaml:"container"`
	PartitionField string `yaml:"partition_field"`
}

// SecretsConfig selects the providers that resolve secretref values.
type SecretsConfig struct {
	// Providers maps a provider name ("env", "file") to its settings.
	// Default: env and file, both without settings
	Providers map[string]map[string]any `yaml:"providers"`

	// AllowEmpty accepts secrets that resolve to an empty string.
	AllowEmpty bool `yaml:"allow_empty"`
}

// BreakerConfig configures the pool's circuit breaker.
type BreakerConfig struct {
	// Default: 5
	FailureThreshold int `yaml:"failure_threshold"`
	// Default: 2
	SuccessThreshold int `yaml:"success_threshold"`
	// Default: 60 seconds
	Timeout time.Duration `yaml:"timeout"`
}

// RetryConfig configures retries when the pool opens a client.
type RetryConfig struct {
	// Default: 3
	MaxAttempts int `yaml:"max_attempts"`
	// Default: 100ms
	InitialDelay time.Duration `yaml:"initial_delay"`
	// Default: 5s
	MaxDelay time.Duration `yaml:"max_delay"`
	Jitter   bool          `yaml:"jitter"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReportWindow <= 0 {
		c.Server.ReportWindow = time.Hour
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Cache.Capacity == 0 {
		c.Cache.Capacity = 1000
	}
	if c.Cache.Policy == nil {
		p := cache.DefaultPolicy()
		c.Cache.Policy = &p
	}
	if c.Observe.ServiceName == "" {
		c.Observe.ServiceName = "dbshield"
	}
	if c.Observe.Logging.Level == "" {
		c.Observe.Logging.Level = "info"
	}
	if len(c.Secrets.Providers) == 0 {
		c.Secrets.Providers = map[string]map[string]any{"env": nil, "file": nil}
	}
}

// Validate reports the first invalid setting, wrapped in ErrInvalid.
func (c *Config) Validate() error {
	if c.Cache.Capacity < 0 {
		return fmt.Errorf("%w: cache capacity %d is negative", ErrInvalid, c.Cache.Capacity)
	}
	if p := c.Cache.Policy; p != nil && (p.DefaultTTL < 0 || p.MaxTTL < 0) {
		return fmt.Errorf("%w: cache TTLs must not be negative", ErrInvalid)
	}
	if c.Breaker.FailureThreshold < 0 || c.Breaker.SuccessThreshold < 0 {
		return fmt.Errorf("%w: breaker thresholds must not be negative", ErrInvalid)
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("%w: retry max attempts %d is negative", ErrInvalid, c.Retry.MaxAttempts)
	}

	if err := c.PoolConfig().WithDefaults().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if err := c.Monitor.Thresholds.WithDefaults().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	known := secret.NewRegistry().List()
	for name := range c.Secrets.Providers {
		if !slices.Contains(known, name) {
			return fmt.Errorf("%w: unknown secret provider %q", ErrInvalid, name)
		}
	}
	if c.Observe.Tracing.Enabled || c.Observe.Metrics.Enabled || c.Observe.Logging.Enabled {
		if err := c.Observe.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalid, err)
		}
	}
	return nil
}

// PoolConfig returns the pool configuration with the breaker and retry
// sections folded in.
func (c *Config) PoolConfig() pool.Config {
	pc := c.Pool
	pc.Breaker.FailureThreshold = c.Breaker.FailureThreshold
	pc.Breaker.SuccessThreshold = c.Breaker.SuccessThreshold
	pc.Breaker.Timeout = c.Breaker.Timeout
	pc.OpenRetry = resilience.RetryConfig{
		MaxAttempts:  c.Retry.MaxAttempts,
		InitialDelay: c.Retry.InitialDelay,
		MaxDelay:     c.Retry.MaxDelay,
		Jitter:       c.Retry.Jitter,
	}
	return pc
}

// ShieldConfig returns the service configuration.
func (c *Config) ShieldConfig() shield.Config {
	return shield.Config{
		Container: c.Database.Container,
		Cache:     c.Cache,
		Pool:      c.PoolConfig(),
		Monitor:   c.Monitor,
	}
}

// SecretResolver builds a resolver over the configured providers.
// The caller closes it.
func (c *Config) SecretResolver() (*secret.Resolver, error) {
	reg := secret.NewRegistry()
	names := make([]string, 0, len(c.Secrets.Providers))
	for name := range c.Secrets.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	r := secret.NewResolver(!c.Secrets.AllowEmpty)
	for _, name := range names {
		p, err := reg.Create(name, c.Secrets.Providers[name])
		if err != nil {
			_ = r.Close()
			return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
		}
		r.Register(p)
	}
	return r, nil
}

// ResolveCredentials resolves secret references in the database section.
// A nil resolver expands environment variables only.
func (c *Config) ResolveCredentials(ctx context.Context, r *secret.Resolver) (docdb.Credentials, error) {
	fields := map[string]string{
		"endpoint":  c.Database.Endpoint,
		"key":       c.Database.Key,
		"database":  c.Database.Database,
		"container": c.Database.Container,
	}
	resolved := make(map[string]string, len(fields))
	for name, v := range fields {
		out, err := r.ResolveValue(ctx, v)
		if err != nil {
			return docdb.Credentials{}, fmt.Errorf("config: resolve database %s: %w", name, err)
		}
		resolved[name] = out
	}
	return docdb.Credentials{
		Endpoint:  resolved["endpoint"],
		Key:       resolved["key"],
		Database:  resolved["database"],
		Container: resolved["container"],
	}, nil
}
