package cache

import "time"

// Policy configures result lifetimes.
type Policy struct {
	// DefaultTTL is the TTL used when a Set supplies none.
	// If zero, results are not cached unless a TTL is supplied.
	DefaultTTL time.Duration `yaml:"default_ttl"`

	// MaxTTL caps supplied TTLs. If zero, no maximum is enforced.
	MaxTTL time.Duration `yaml:"max_ttl"`
}

// DefaultPolicy returns the default policy.
// DefaultTTL: 5 minutes, MaxTTL: 1 hour
func DefaultPolicy() Policy {
	return Policy{
		DefaultTTL: 5 * time.Minute,
		MaxTTL:     time.Hour,
	}
}

// NoCachePolicy returns a policy that stores nothing by default.
func NoCachePolicy() Policy {
	return Policy{}
}

// ShouldCache reports whether results are cached when no TTL is supplied.
func (p Policy) ShouldCache() bool {
	return p.DefaultTTL > 0
}

// EffectiveTTL returns the TTL to use, applying the default and clamping.
func (p Policy) EffectiveTTL(override time.Duration) time.Duration {
	ttl := override
	if ttl <= 0 {
		ttl = p.DefaultTTL
	}
	if p.MaxTTL > 0 && ttl > p.MaxTTL {
		ttl = p.MaxTTL
	}
	return ttl
}
