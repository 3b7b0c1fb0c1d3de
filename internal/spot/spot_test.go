package spot_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/bullionx/marketplace-engine/internal/spot"
)

func TestSnapshotReadsEachMetalOnce(t *testing.T) {
	p := spot.NewStaticProvider(map[string]decimal.Decimal{
		"gold":   decimal.NewFromInt(4200),
		"silver": decimal.NewFromInt(48),
	})

	table := spot.Snapshot(context.Background(), p, "gold", "silver", "gold", "", "platinum")
	if len(table) != 2 {
		t.Fatalf("table = %v, want gold and silver only", table)
	}
	if price, ok := table.Lookup("gold"); !ok || !price.Equal(decimal.NewFromInt(4200)) {
		t.Errorf("gold = %s %v", price, ok)
	}
	if _, ok := table.Lookup("platinum"); ok {
		t.Error("unpriced metal must be absent")
	}

	// A later provider update never leaks into an existing snapshot.
	p.Set("gold", decimal.NewFromInt(9999))
	if price, _ := table.Lookup("gold"); !price.Equal(decimal.NewFromInt(4200)) {
		t.Errorf("snapshot mutated: %s", price)
	}
}

func TestStaticProviderSetDelete(t *testing.T) {
	p := spot.NewStaticProvider(nil)
	if _, ok := p.GetSpotPrice(context.Background(), "gold"); ok {
		t.Error("empty provider priced gold")
	}
	p.Set("gold", decimal.NewFromInt(4100))
	if price, ok := p.GetSpotPrice(context.Background(), "gold"); !ok || !price.Equal(decimal.NewFromInt(4100)) {
		t.Errorf("gold = %s %v", price, ok)
	}
	p.Delete("gold")
	if _, ok := p.GetSpotPrice(context.Background(), "gold"); ok {
		t.Error("deleted metal still priced")
	}
}
