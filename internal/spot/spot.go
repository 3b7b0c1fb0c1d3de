// Package spot provides current metal spot prices to the pricing engine.
// The real refresher is an external job; the engine only ever reads a
// snapshot taken once at the start of a match attempt so that every
// eligibility and price computation inside that attempt sees the same table.
package spot

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/bullionx/marketplace-engine/internal/model"
)

// Provider returns the current USD per troy ounce price for a metal.
// ok is false when no price is known; callers fall back to stored static
// prices (degraded mode, non-fatal).
type Provider interface {
	GetSpotPrice(ctx context.Context, metal string) (decimal.Decimal, bool)
}

// Table is an immutable per-attempt snapshot of spot prices.
type Table map[string]decimal.Decimal

// Lookup returns the snapshotted price for a metal.
func (t Table) Lookup(metal string) (decimal.Decimal, bool) {
	p, ok := t[metal]
	return p, ok
}

// Snapshot reads each requested metal once from the provider. Metals the
// provider cannot price are simply absent from the table.
func Snapshot(ctx context.Context, p Provider, metals ...string) Table {
	t := make(Table, len(metals))
	for _, m := range metals {
		if m == "" {
			continue
		}
		if _, done := t[m]; done {
			continue
		}
		if price, ok := p.GetSpotPrice(ctx, m); ok {
			t[m] = price
		}
	}
	return t
}

// RecordSource is the slice of the store the provider needs: the latest
// persisted spot price per metal.
type RecordSource interface {
	GetSpotPrice(ctx context.Context, metal string) (*model.SpotPrice, error)
}

// SourceProvider reads spot prices from the persistence layer, where the
// external refresher job upserts them.
type SourceProvider struct {
	src RecordSource
}

// NewSourceProvider creates a provider over a persisted price source.
func NewSourceProvider(src RecordSource) *SourceProvider {
	return &SourceProvider{src: src}
}

func (p *SourceProvider) GetSpotPrice(ctx context.Context, metal string) (decimal.Decimal, bool) {
	sp, err := p.src.GetSpotPrice(ctx, metal)
	if err != nil {
		return decimal.Zero, false
	}
	return sp.PriceUSDOz, true
}

// StaticProvider serves a fixed in-memory price table. Used in tests and as
// the fallback when no price source is configured.
type StaticProvider struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewStaticProvider creates a provider seeded with the given prices.
func NewStaticProvider(prices map[string]decimal.Decimal) *StaticProvider {
	cp := make(map[string]decimal.Decimal, len(prices))
	for k, v := range prices {
		cp[k] = v
	}
	return &StaticProvider{prices: cp}
}

func (p *StaticProvider) GetSpotPrice(_ context.Context, metal string) (decimal.Decimal, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	price, ok := p.prices[metal]
	return price, ok
}

// Set updates one metal's price. Stands in for the external refresher job.
func (p *StaticProvider) Set(metal string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[metal] = price
}

// Delete removes a metal's price, forcing static-price fallback.
func (p *StaticProvider) Delete(metal string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.prices, metal)
}
