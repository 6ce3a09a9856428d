package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/jonwraymond/dbshield/docdb"
)

// Fingerprint returns the canonical identifier of a query descriptor.
//
// Format: <normalized text>[|<name>:<value>...]#<hash>
//
// The text is whitespace-collapsed and lower-cased, parameters are sorted by
// name, string values are rendered raw and other values as JSON. The hash is
// the first 8 bytes of SHA-256 over the typed canonical form, so "123" and 123
// never collide even though they render identically.
func Fingerprint(q docdb.Query) (string, error) {
	text := normalizeText(q.Text)

	params := make([]docdb.Param, len(q.Params))
	copy(params, q.Params)
	sort.SliceStable(params, func(i, j int) bool {
		return params[i].Name < params[j].Name
	})

	typed := make([][2]any, len(params))
	var b strings.Builder
	b.WriteString(text)
	for i, p := range params {
		rendered, err := renderValue(p.Value)
		if err != nil {
			return "", fmt.Errorf("cache: failed to canonicalize parameter %q: %w", p.Name, err)
		}
		b.WriteByte('|')
		b.WriteString(p.Name)
		b.WriteByte(':')
		b.WriteString(rendered)
		typed[i] = [2]any{p.Name, p.Value}
	}

	canonical, err := json.Marshal(struct {
		Text   string   `json:"t"`
		Params [][2]any `json:"p"`
	}{text, typed})
	if err != nil {
		return "", fmt.Errorf("cache: failed to canonicalize query: %w", err)
	}
	sum := sha256.Sum256(canonical)

	b.WriteByte('#')
	b.WriteString(hex.EncodeToString(sum[:8]))
	return b.String(), nil
}

// CacheKey composes the storage key for a fingerprint and optional partition key.
func CacheKey(fingerprint, partitionKey string) string {
	if partitionKey == "" {
		return fingerprint
	}
	return fingerprint + "|pk:" + partitionKey
}

func normalizeText(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

// renderValue renders a parameter value for the readable part of a
// fingerprint. encoding/json already sorts map keys.
func renderValue(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// EntityTypePattern matches keys mentioning an entity type as a whole word,
// case-insensitively, in either the query text or a parameter value. Only
// ASCII letters and digits join words, so "THREAD" also matches "CHAT_THREAD"
// and "thread-1" but not "threadId".
func EntityTypePattern(name string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)(?:^|[^A-Za-z0-9])` + regexp.QuoteMeta(name) + `(?:[^A-Za-z0-9]|$)`)
}

// UserPattern matches keys scoped to a user id, either through a userId
// parameter ("@userId:123") or an inline predicate ("c.userid = '123'").
func UserPattern(id string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)userid(?::|\s*=\s*')` + regexp.QuoteMeta(id) + `(?:[|#']|$)`)
}
