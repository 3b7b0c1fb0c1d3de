package spot

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// CachedProvider wraps a primary Provider with a Redis read-through cache.
// Reads check Redis first and fall back to the primary; primary hits are
// written back with a TTL so concurrent match attempts share one lookup.
type CachedProvider struct {
	primary Provider
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedProvider creates a cached wrapper around a primary provider.
func NewCachedProvider(primary Provider, rdb *redis.Client, ttl time.Duration) *CachedProvider {
	return &CachedProvider{primary: primary, rdb: rdb, ttl: ttl}
}

func (p *CachedProvider) GetSpotPrice(ctx context.Context, metal string) (decimal.Decimal, bool) {
	val, err := p.rdb.Get(ctx, spotKey(metal)).Result()
	if err == nil {
		if price, perr := decimal.NewFromString(val); perr == nil {
			return price, true
		}
	}

	price, ok := p.primary.GetSpotPrice(ctx, metal)
	if !ok {
		return decimal.Zero, false
	}

	if err := p.rdb.Set(ctx, spotKey(metal), price.String(), p.ttl).Err(); err != nil {
		// Cache failures degrade to primary-only reads.
		slog.Warn("spot cache write failed", "metal", metal, "err", err)
	}
	return price, true
}

// Invalidate drops a metal's cached price, typically after the external
// refresher upserts a new one.
func (p *CachedProvider) Invalidate(ctx context.Context, metal string) {
	if err := p.rdb.Del(ctx, spotKey(metal)).Err(); err != nil {
		slog.Warn("spot cache invalidation failed", "metal", metal, "err", err)
	}
}

func spotKey(metal string) string {
	return "spot:" + metal
}
