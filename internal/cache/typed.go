package cache

import (
	"context"
	"fmt"
	"time"

	"PerpClient/internal/account"
	"PerpClient/internal/address"
)

// Item is a typed view of a cached entry.
type Item[T account.Entity] struct {
	ID        address.Pubkey
	Value     T
	FetchedAt time.Time
}

func getAs[T account.Entity](ctx context.Context, c *Cache, kind account.Kind, id address.Pubkey) (T, error) {
	var zero T
	e, err := c.Get(ctx, kind, id)
	if err != nil {
		return zero, err
	}
	v, ok := e.Entity.(T)
	if !ok {
		return zero, fmt.Errorf("cache: %s holds %T", e.Ref, e.Entity)
	}
	return v, nil
}

func listAs[T account.Entity](ctx context.Context, c *Cache, kind account.Kind) ([]Item[T], error) {
	entries, err := c.GetAll(ctx, kind)
	if err != nil {
		return nil, err
	}
	out := make([]Item[T], 0, len(entries))
	for _, e := range entries {
		v, ok := e.Entity.(T)
		if !ok {
			return nil, fmt.Errorf("cache: %s holds %T", e.Ref, e.Entity)
		}
		out = append(out, Item[T]{ID: e.Ref.ID, Value: v, FetchedAt: e.FetchedAt})
	}
	return out, nil
}

func (c *Cache) Registry(ctx context.Context) (*account.Registry, error) {
	return getAs[*account.Registry](ctx, c, account.KindRegistry, c.registry)
}

func (c *Cache) Pool(ctx context.Context, id address.Pubkey) (*account.Pool, error) {
	return getAs[*account.Pool](ctx, c, account.KindPool, id)
}

func (c *Cache) Custody(ctx context.Context, id address.Pubkey) (*account.Custody, error) {
	return getAs[*account.Custody](ctx, c, account.KindCustody, id)
}

func (c *Cache) Position(ctx context.Context, id address.Pubkey) (*account.Position, error) {
	return getAs[*account.Position](ctx, c, account.KindPosition, id)
}

func (c *Cache) Pools(ctx context.Context) ([]Item[*account.Pool], error) {
	return listAs[*account.Pool](ctx, c, account.KindPool)
}

func (c *Cache) Custodies(ctx context.Context) ([]Item[*account.Custody], error) {
	return listAs[*account.Custody](ctx, c, account.KindCustody)
}

func (c *Cache) Positions(ctx context.Context) ([]Item[*account.Position], error) {
	return listAs[*account.Position](ctx, c, account.KindPosition)
}

// PositionsOf lists the positions held by owner.
func (c *Cache) PositionsOf(ctx context.Context, owner address.Pubkey) ([]Item[*account.Position], error) {
	all, err := c.Positions(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, it := range all {
		if it.Value.Owner == owner {
			out = append(out, it)
		}
	}
	return out, nil
}
