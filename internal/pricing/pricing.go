// Package pricing computes the effective price of listings (asks) and bids
// given their pricing mode and a spot-price snapshot.
//
// Static mode returns the stored price unchanged. Premium-to-spot mode
// computes spot * weightFactor + premium, clamped to the seller's floor on
// asks and the buyer's ceiling on bids. It is stateless — listings, bids,
// and spot tables are passed as arguments, not stored.
//
// All monetary values use shopspring/decimal — never float64 for money.
package pricing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/bullionx/marketplace-engine/internal/model"
	"github.com/bullionx/marketplace-engine/internal/money"
	"github.com/bullionx/marketplace-engine/internal/spot"
)

var (
	// ErrSpotUnavailable is returned alongside a valid fallback price when
	// a premium-to-spot offer's metal has no snapshot price. Non-fatal:
	// callers log it and use the returned static fallback.
	ErrSpotUnavailable = errors.New("pricing: spot price unavailable")

	// ErrUnknownPricingMode is returned for a pricing mode the engine does
	// not recognize.
	ErrUnknownPricingMode = errors.New("pricing: unknown pricing mode")
)

// EffectiveAskPrice computes what a listing currently asks per unit.
// Premium-to-spot asks never fall below the seller's floor price.
func EffectiveAskPrice(l *model.Listing, cat *model.Category, spots spot.Table) (decimal.Decimal, error) {
	switch l.PricingMode {
	case model.PricingStatic:
		return money.RoundCents(l.PricePerCoin), nil

	case model.PricingPremiumToSpot:
		linked, err := spotLinkedPrice(l.PricingMetal, l.SpotPremium, cat, spots)
		if err != nil {
			// Degraded mode: the stored price doubles as the static fallback.
			return money.RoundCents(l.PricePerCoin), err
		}
		if linked.LessThan(l.FloorPrice) {
			linked = l.FloorPrice
		}
		return money.RoundCents(linked), nil

	default:
		return decimal.Zero, fmt.Errorf("%w: %q", ErrUnknownPricingMode, l.PricingMode)
	}
}

// EffectiveBidPrice computes what a bid currently offers per unit.
// Premium-to-spot bids never rise above the buyer's ceiling price.
func EffectiveBidPrice(b *model.Bid, cat *model.Category, spots spot.Table) (decimal.Decimal, error) {
	switch b.PricingMode {
	case model.PricingStatic:
		return money.RoundCents(b.CeilingPrice), nil

	case model.PricingPremiumToSpot:
		linked, err := spotLinkedPrice(b.PricingMetal, b.SpotPremium, cat, spots)
		if err != nil {
			return money.RoundCents(b.CeilingPrice), err
		}
		if linked.GreaterThan(b.CeilingPrice) {
			linked = b.CeilingPrice
		}
		return money.RoundCents(linked), nil

	default:
		return decimal.Zero, fmt.Errorf("%w: %q", ErrUnknownPricingMode, b.PricingMode)
	}
}

// spotLinkedPrice computes spot * weightFactor + premium for the category's
// weight specification.
func spotLinkedPrice(metal string, premium decimal.Decimal, cat *model.Category, spots spot.Table) (decimal.Decimal, error) {
	if metal == "" {
		return decimal.Zero, ErrSpotUnavailable
	}
	spotPrice, ok := spots.Lookup(metal)
	if !ok {
		return decimal.Zero, ErrSpotUnavailable
	}
	factor, err := money.WeightFactor(cat.Weight)
	if err != nil {
		return decimal.Zero, err
	}
	return spotPrice.Mul(factor).Add(premium), nil
}
