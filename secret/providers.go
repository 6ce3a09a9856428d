package secret

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Provider resolves secrets by reference string.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Errors: a missing secret wraps ErrNotFound.
// - Values are never logged.
type Provider interface {
	Name() string
	Resolve(ctx context.Context, ref string) (string, error)
	Close() error
}

// EnvProvider resolves references against the process environment.
type EnvProvider struct{}

// Name returns "env".
func (EnvProvider) Name() string { return "env" }

// Resolve returns the value of the environment variable ref.
func (EnvProvider) Resolve(_ context.Context, ref string) (string, error) {
	v, ok := os.LookupEnv(ref)
	if !ok {
		return "", fmt.Errorf("%w: env %q", ErrNotFound, ref)
	}
	return v, nil
}

// Close implements Provider.
func (EnvProvider) Close() error { return nil }

// FileProvider resolves references to files, such as mounted Kubernetes
// secrets. Trailing newlines are trimmed.
type FileProvider struct {
	// Dir, when set, is joined with relative references.
	Dir string
}

// Name returns "file".
func (FileProvider) Name() string { return "file" }

// Resolve reads the file named by ref.
func (p FileProvider) Resolve(ctx context.Context, ref string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path := ref
	if p.Dir != "" && !filepath.IsAbs(path) {
		path = filepath.Join(p.Dir, path)
	}
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", fmt.Errorf("%w: file %q", ErrNotFound, ref)
	}
	if err != nil {
		return "", fmt.Errorf("secret: read %q: %w", ref, err)
	}
	return strings.TrimRight(string(b), "\r\n"), nil
}

// Close implements Provider.
func (FileProvider) Close() error { return nil }
