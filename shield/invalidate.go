package shield

import (
	"context"
	"regexp"

	"github.com/jonwraymond/dbshield/docdb"
	"github.com/jonwraymond/dbshield/observe"
)

// Invalidate removes cached results whose key matches pattern, read as a
// regular expression, or as a plain substring when it does not compile.
// It returns how many entries were removed.
func (s *Service) Invalidate(pattern string) int {
	if pattern == "" {
		return 0
	}
	if re, err := regexp.Compile(pattern); err == nil {
		return s.cache.InvalidateByPattern(re)
	}
	return s.cache.InvalidateMatching(pattern)
}

// InvalidateEntityType removes cached queries that mention the entity type.
func (s *Service) InvalidateEntityType(name string) int {
	return s.cache.InvalidateEntityType(name)
}

// InvalidateUser removes cached queries scoped to the user.
func (s *Service) InvalidateUser(id string) int {
	return s.cache.InvalidateUser(id)
}

// InvalidateQuery removes the cached result of exactly q in partitionKey.
func (s *Service) InvalidateQuery(q docdb.Query, partitionKey string) bool {
	return s.cache.InvalidateQuery(q, partitionKey)
}

// QueryRef identifies one cached query.
type QueryRef struct {
	Query        docdb.Query
	PartitionKey string
}

// Invalidation lists the cached results a write makes stale. Every
// non-empty field is applied.
type Invalidation struct {
	EntityType string
	UserID     string
	Patterns   []string
	Queries    []QueryRef
}

// IsZero reports whether inv invalidates nothing.
func (inv Invalidation) IsZero() bool {
	return inv.EntityType == "" && inv.UserID == "" && len(inv.Patterns) == 0 && len(inv.Queries) == 0
}

// Apply invalidates everything inv names and returns how many entries were
// removed.
func (s *Service) Apply(ctx context.Context, inv Invalidation) int {
	if inv.IsZero() {
		return 0
	}

	removed := 0
	if inv.EntityType != "" {
		removed += s.InvalidateEntityType(inv.EntityType)
	}
	if inv.UserID != "" {
		removed += s.InvalidateUser(inv.UserID)
	}
	for _, p := range inv.Patterns {
		removed += s.Invalidate(p)
	}
	for _, ref := range inv.Queries {
		if s.InvalidateQuery(ref.Query, ref.PartitionKey) {
			removed++
		}
	}

	s.logger.Debug(ctx, "invalidated after write",
		observe.Field{Key: "entity_type", Value: inv.EntityType},
		observe.Field{Key: "removed", Value: removed},
	)
	return removed
}
