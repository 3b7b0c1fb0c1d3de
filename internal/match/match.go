// Package match decides which listings may satisfy a bid and greedily
// allocates fill quantity across the cheapest eligible ones.
//
// Matching is deterministic: candidates are ranked by effective ask price
// ascending with listing ID as the tie-break, so identical inputs always
// produce identical allocations.
package match

import (
	"errors"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/bullionx/marketplace-engine/internal/model"
	"github.com/bullionx/marketplace-engine/internal/pricing"
	"github.com/bullionx/marketplace-engine/internal/spot"
)

// Eligible reports whether a listing may satisfy a bid under the given spot
// snapshot. Both effective prices are computed from the same snapshot so the
// comparison cannot skew mid-attempt.
func Eligible(l *model.Listing, b *model.Bid, cat *model.Category, spots spot.Table) bool {
	if l.CategoryID != b.CategoryID {
		return false
	}
	if !l.Active || l.Quantity <= 0 {
		return false
	}
	if l.SellerID == b.BuyerID {
		// Self-trade prevention.
		return false
	}
	if b.RequiresGrading {
		if !l.Graded || l.GradingService == "" {
			return false
		}
		if b.PreferredGrader != "" && b.PreferredGrader != model.GraderAny &&
			l.GradingService != b.PreferredGrader {
			return false
		}
	}

	ask, err := pricing.EffectiveAskPrice(l, cat, spots)
	if err != nil && !errors.Is(err, pricing.ErrSpotUnavailable) {
		return false
	}
	offer, err := pricing.EffectiveBidPrice(b, cat, spots)
	if err != nil && !errors.Is(err, pricing.ErrSpotUnavailable) {
		return false
	}
	return ask.LessThanOrEqual(offer)
}

// candidate pairs a listing with its effective ask under the snapshot,
// computed once before sorting.
type candidate struct {
	listing *model.Listing
	ask     decimal.Decimal
}

// Match selects eligible listings for the bid and greedily consumes its
// remaining quantity, cheapest ask first. Partial results are expected:
// whatever quantity the candidates cannot cover stays on the bid.
func Match(b *model.Bid, listings []*model.Listing, cat *model.Category, spots spot.Table) []model.Allocation {
	if b.RemainingQuantity <= 0 || !b.Active {
		return nil
	}

	candidates := make([]candidate, 0, len(listings))
	for _, l := range listings {
		if !Eligible(l, b, cat, spots) {
			continue
		}
		ask, err := pricing.EffectiveAskPrice(l, cat, spots)
		if errors.Is(err, pricing.ErrSpotUnavailable) {
			slog.Warn("spot unavailable, using stored listing price",
				"listing", l.ID, "metal", l.PricingMetal)
		}
		candidates = append(candidates, candidate{listing: l, ask: ask})
	}

	// Cheapest ask first; earliest-posted listing wins ties.
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].ask.Equal(candidates[j].ask) {
			return candidates[i].ask.LessThan(candidates[j].ask)
		}
		return candidates[i].listing.ID < candidates[j].listing.ID
	})

	need := b.RemainingQuantity
	var allocs []model.Allocation
	for _, c := range candidates {
		if need == 0 {
			break
		}
		take := c.listing.Quantity
		if take > need {
			take = need
		}
		allocs = append(allocs, model.Allocation{
			ListingID: c.listing.ID,
			SellerID:  c.listing.SellerID,
			Quantity:  take,
		})
		need -= take
	}
	return allocs
}
