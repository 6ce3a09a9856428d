package shield

import (
	"context"

	"github.com/jonwraymond/dbshield/docdb"
	"github.com/jonwraymond/dbshield/pool"
)

// CreateItem writes rec and, on success, applies inv.
func (s *Service) CreateItem(ctx context.Context, rec docdb.Record, inv Invalidation) (docdb.Record, error) {
	out, err := pool.Execute(ctx, s.pool, "create_item", func(ctx context.Context, c docdb.Client) (docdb.Record, error) {
		return c.CreateItem(ctx, rec)
	})
	if err != nil {
		return nil, classify(err)
	}
	s.Apply(ctx, inv)
	return out, nil
}

// ReplaceItem replaces the item id in partitionKey and, on success,
// applies inv.
func (s *Service) ReplaceItem(ctx context.Context, id, partitionKey string, rec docdb.Record, inv Invalidation) (docdb.Record, error) {
	out, err := pool.Execute(ctx, s.pool, "replace_item", func(ctx context.Context, c docdb.Client) (docdb.Record, error) {
		return c.ReplaceItem(ctx, id, partitionKey, rec)
	})
	if err != nil {
		return nil, classify(err)
	}
	s.Apply(ctx, inv)
	return out, nil
}

// DeleteItem deletes the item id in partitionKey and, on success, applies
// inv.
func (s *Service) DeleteItem(ctx context.Context, id, partitionKey string, inv Invalidation) error {
	err := s.pool.ExecuteWithConnection(ctx, "delete_item", func(ctx context.Context, c docdb.Client) error {
		return c.DeleteItem(ctx, id, partitionKey)
	})
	if err != nil {
		return classify(err)
	}
	s.Apply(ctx, inv)
	return nil
}
