package secret

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const refPrefix = "secretref:"

var inlineRefPattern = regexp.MustCompile(`secretref:([^:\s;]+):([^\s;]+)`)

// Resolver expands environment variables and secret references.
//
// Contract:
// - Concurrency: safe for concurrent use once providers are registered.
// - Errors: an unknown provider wraps ErrUnknownProvider; in strict mode an
//   empty resolved secret wraps ErrEmptySecret.
type Resolver struct {
	providers map[string]Provider
	strict    bool
}

// NewResolver creates a resolver over providers.
func NewResolver(strict bool, providers ...Provider) *Resolver {
	r := &Resolver{providers: make(map[string]Provider), strict: strict}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// Register adds or replaces a provider.
func (r *Resolver) Register(p Provider) {
	if p == nil {
		return
	}
	r.providers[p.Name()] = p
}

// ResolveValue expands value and resolves any secret references in it.
// A nil Resolver only expands environment variables.
func (r *Resolver) ResolveValue(ctx context.Context, value string) (string, error) {
	expanded, err := ExpandEnvStrict(value)
	if err != nil || r == nil {
		return expanded, err
	}

	if provider, ref, ok := ParseSecretRef(expanded); ok {
		return r.resolve(ctx, provider, ref)
	}

	matches := inlineRefPattern.FindAllStringSubmatchIndex(expanded, -1)
	out := expanded
	for i := len(matches) - 1; i >= 0; i-- {
		m := matches[i]
		resolved, err := r.resolve(ctx, out[m[2]:m[3]], out[m[4]:m[5]])
		if err != nil {
			return "", err
		}
		out = out[:m[0]] + resolved + out[m[1]:]
	}
	return out, nil
}

// ResolveMap resolves each value in input.
func (r *Resolver) ResolveMap(ctx context.Context, input map[string]string) (map[string]string, error) {
	if input == nil {
		return nil, nil
	}
	out := make(map[string]string, len(input))
	for k, v := range input {
		resolved, err := r.ResolveValue(ctx, v)
		if err != nil {
			return nil, fmt.Errorf("resolve %q: %w", k, err)
		}
		out[k] = resolved
	}
	return out, nil
}

// Close closes every registered provider.
func (r *Resolver) Close() error {
	var errs []error
	for _, p := range r.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ParseSecretRef parses a value that is exactly secretref:<provider>:<ref>.
func ParseSecretRef(value string) (provider, ref string, ok bool) {
	if !strings.HasPrefix(value, refPrefix) {
		return "", "", false
	}
	provider, ref, found := strings.Cut(strings.TrimPrefix(value, refPrefix), ":")
	if !found || provider == "" || ref == "" || strings.ContainsAny(ref, " \t\n;") {
		return "", "", false
	}
	return provider, ref, true
}

// IsSecretRef reports whether value contains a secret reference.
func IsSecretRef(value string) bool {
	return strings.Contains(value, refPrefix)
}

func (r *Resolver) resolve(ctx context.Context, name, ref string) (string, error) {
	p, ok := r.providers[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	v, err := p.Resolve(ctx, ref)
	if err != nil {
		return "", err
	}
	if r.strict && v == "" {
		return "", fmt.Errorf("%w: %s:%s", ErrEmptySecret, name, ref)
	}
	return v, nil
}
