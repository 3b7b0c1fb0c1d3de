package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bullionx/marketplace-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot read-mostly rows: categories (immutable) and spot
// prices (refreshed every few minutes). Listings, bids, and orders change
// on every match attempt and always go to the primary.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{Store: primary, rdb: rdb, ttl: ttl}
}

func categoryKey(id string) string { return "category:" + id }

func spotPriceKey(m string) string { return "spotprice:" + m }

func (s *CachedStore) GetCategory(ctx context.Context, id string) (*model.Category, error) {
	data, err := s.rdb.Get(ctx, categoryKey(id)).Bytes()
	if err == nil {
		var c model.Category
		if json.Unmarshal(data, &c) == nil {
			return &c, nil
		}
	}

	c, err := s.Store.GetCategory(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(c); err == nil {
		s.rdb.Set(ctx, categoryKey(id), data, s.ttl)
	}
	return c, nil
}

func (s *CachedStore) UpsertSpotPrice(ctx context.Context, sp *model.SpotPrice) error {
	if err := s.Store.UpsertSpotPrice(ctx, sp); err != nil {
		return err
	}
	// Invalidate; the next read re-populates.
	s.rdb.Del(ctx, spotPriceKey(sp.Metal))
	return nil
}

func (s *CachedStore) GetSpotPrice(ctx context.Context, metal string) (*model.SpotPrice, error) {
	data, err := s.rdb.Get(ctx, spotPriceKey(metal)).Bytes()
	if err == nil {
		var sp model.SpotPrice
		if json.Unmarshal(data, &sp) == nil {
			return &sp, nil
		}
	}

	sp, err := s.Store.GetSpotPrice(ctx, metal)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(sp); err == nil {
		s.rdb.Set(ctx, spotPriceKey(metal), data, s.ttl)
	}
	return sp, nil
}
