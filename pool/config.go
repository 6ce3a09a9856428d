package pool

import (
	"fmt"
	"time"

	"github.com/jonwraymond/dbshield/resilience"
)

// Config configures a Manager.
type Config struct {
	// MinSize is the number of connections the pool keeps open.
	// Default: 2
	MinSize int `yaml:"min_size"`

	// MaxSize caps the number of connections.
	// Default: 10
	MaxSize int `yaml:"max_size"`

	// AcquireTimeout is how long a checkout waits for a connection once the
	// pool is at MaxSize with every connection in use.
	// Default: 5 seconds
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`

	// HealthCheckInterval is the background maintenance period. A negative
	// value disables the loop; call CheckHealth directly.
	// Default: 30 seconds
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`

	// ProbeTimeout bounds each liveness probe.
	// Default: 5 seconds
	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	// ProbeConcurrency caps how many probes run at once.
	// Default: 4
	ProbeConcurrency int `yaml:"probe_concurrency"`

	// UnhealthyAfter is the number of consecutive failures that marks a
	// connection unhealthy.
	// Default: 3
	UnhealthyAfter int `yaml:"unhealthy_after"`

	// LatencyAlpha is the smoothing factor of the latency moving average.
	// Default: 0.3
	LatencyAlpha float64 `yaml:"latency_alpha"`

	// ShutdownTimeout bounds how long Shutdown waits for checked-out
	// connections to come back.
	// Default: 30 seconds
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Breaker configures the pool-wide circuit breaker.
	Breaker resilience.CircuitBreakerConfig `yaml:"-"`

	// OpenRetry configures retries when opening a client.
	// Default: resilience.RetryConfig defaults
	OpenRetry resilience.RetryConfig `yaml:"-"`
}

func (c *Config) applyDefaults() {
	if c.MinSize == 0 {
		c.MinSize = 2
	}
	if c.MaxSize == 0 {
		c.MaxSize = max(10, c.MinSize)
	}
	if c.AcquireTimeout == 0 {
		c.AcquireTimeout = 5 * time.Second
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.ProbeConcurrency <= 0 {
		c.ProbeConcurrency = 4
	}
	if c.UnhealthyAfter == 0 {
		c.UnhealthyAfter = 3
	}
	if c.LatencyAlpha == 0 {
		c.LatencyAlpha = 0.3
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.Breaker.Name == "" {
		c.Breaker.Name = "pool"
	}
}

// WithDefaults returns c with unset fields filled in.
func (c Config) WithDefaults() Config {
	c.applyDefaults()
	return c
}

// Validate checks the configuration after defaults are applied.
func (c Config) Validate() error {
	switch {
	case c.MinSize < 0:
		return fmt.Errorf("%w: min size %d is negative", ErrInvalidConfig, c.MinSize)
	case c.MaxSize < 1:
		return fmt.Errorf("%w: max size %d must be at least 1", ErrInvalidConfig, c.MaxSize)
	case c.MinSize > c.MaxSize:
		return fmt.Errorf("%w: min size %d exceeds max size %d", ErrInvalidConfig, c.MinSize, c.MaxSize)
	case c.UnhealthyAfter < 1:
		return fmt.Errorf("%w: unhealthy after %d must be at least 1", ErrInvalidConfig, c.UnhealthyAfter)
	case c.LatencyAlpha <= 0 || c.LatencyAlpha > 1:
		return fmt.Errorf("%w: latency alpha %g must be in (0, 1]", ErrInvalidConfig, c.LatencyAlpha)
	case c.AcquireTimeout < 0:
		return fmt.Errorf("%w: acquire timeout is negative", ErrInvalidConfig)
	}
	return nil
}
