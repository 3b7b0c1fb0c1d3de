// Package model defines the core domain types shared across the marketplace
// engine. All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Pricing modes for listings and bids.
const (
	PricingStatic        = "static"
	PricingPremiumToSpot = "premium_to_spot"
)

// Bid statuses.
const (
	BidOpen            = "Open"
	BidPartiallyFilled = "PartiallyFilled"
	BidFilled          = "Filled"
	BidCancelled       = "Cancelled"
)

// GraderAny matches any listing carrying a grading service.
const GraderAny = "Any"

// Category is the exact specification of a tradable item. Bids and listings
// match only within the same category; BucketID groups categories that share
// the core specification but differ in finish or grade (a catalog concept,
// never the matching key).
type Category struct {
	ID                string `json:"id" db:"id"`
	BucketID          string `json:"bucket_id" db:"bucket_id"`
	Metal             string `json:"metal" db:"metal"`
	ProductLine       string `json:"product_line" db:"product_line"`
	ProductType       string `json:"product_type" db:"product_type"`
	Weight            string `json:"weight" db:"weight"` // e.g. "1 oz", "10 g"
	Purity            string `json:"purity" db:"purity"`
	Mint              string `json:"mint" db:"mint"`
	Year              int    `json:"year" db:"year"`
	Finish            string `json:"finish" db:"finish"`
	Grade             string `json:"grade" db:"grade"`
	ConditionCategory string `json:"condition_category" db:"condition_category"`
	SeriesVariant     string `json:"series_variant" db:"series_variant"`
}

// Listing is a seller's offer of quantity units within one category.
// Invariant: Quantity >= 0; a listing that reaches zero quantity is
// deactivated and never revived.
type Listing struct {
	ID             string          `json:"id" db:"id"`
	CategoryID     string          `json:"category_id" db:"category_id"`
	SellerID       string          `json:"seller_id" db:"seller_id"`
	Quantity       int64           `json:"quantity" db:"quantity"`
	Active         bool            `json:"active" db:"active"`
	PricingMode    string          `json:"pricing_mode" db:"pricing_mode"`
	PricePerCoin   decimal.Decimal `json:"price_per_coin" db:"price_per_coin"` // static price, or fallback when spot is unavailable
	SpotPremium    decimal.Decimal `json:"spot_premium" db:"spot_premium"`
	FloorPrice     decimal.Decimal `json:"floor_price" db:"floor_price"` // seller's minimum in premium_to_spot mode
	PricingMetal   string          `json:"pricing_metal" db:"pricing_metal"`
	Graded         bool            `json:"graded" db:"graded"`
	GradingService string          `json:"grading_service" db:"grading_service"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// Bid is a buyer's request for quantity units within one category.
// Invariant: RemainingQuantity = QuantityRequested - QuantityFulfilled,
// and Status == BidFilled exactly when RemainingQuantity == 0.
type Bid struct {
	ID                string          `json:"id" db:"id"`
	CategoryID        string          `json:"category_id" db:"category_id"`
	BuyerID           string          `json:"buyer_id" db:"buyer_id"`
	QuantityRequested int64           `json:"quantity_requested" db:"quantity_requested"`
	RemainingQuantity int64           `json:"remaining_quantity" db:"remaining_quantity"`
	QuantityFulfilled int64           `json:"quantity_fulfilled" db:"quantity_fulfilled"`
	Active            bool            `json:"active" db:"active"`
	Status            string          `json:"status" db:"status"`
	PricingMode       string          `json:"pricing_mode" db:"pricing_mode"`
	SpotPremium       decimal.Decimal `json:"spot_premium" db:"spot_premium"`
	CeilingPrice      decimal.Decimal `json:"ceiling_price" db:"ceiling_price"` // buyer's maximum; the static price in static mode
	PricingMetal      string          `json:"pricing_metal" db:"pricing_metal"`
	RequiresGrading   bool            `json:"requires_grading" db:"requires_grading"`
	PreferredGrader   string          `json:"preferred_grader" db:"preferred_grader"`
	DeliveryAddress   string          `json:"delivery_address" db:"delivery_address"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
}

// Cancellable reports whether the bid may still be cancelled by its buyer.
// Partially filled bids have produced binding orders and must be edited
// instead of cancelled.
func (b *Bid) Cancellable() bool {
	return b.Active && b.Status == BidOpen
}

// Order aggregates all fills from one matching pass for one buyer.
// Orders and their items are created once and never mutated by the engine.
type Order struct {
	ID              string          `json:"id" db:"id"`
	BuyerID         string          `json:"buyer_id" db:"buyer_id"`
	TotalPrice      decimal.Decimal `json:"total_price" db:"total_price"`
	ShippingAddress string          `json:"shipping_address" db:"shipping_address"`
	Status          string          `json:"status" db:"status"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	Items           []OrderItem     `json:"items,omitempty" db:"-"`
}

// OrderItem records one allocation against one listing. PriceEach is always
// the buyer's effective bid price at match time, not the listing's ask —
// the spread between them is platform margin.
type OrderItem struct {
	OrderID   string          `json:"order_id" db:"order_id"`
	ListingID string          `json:"listing_id" db:"listing_id"`
	Quantity  int64           `json:"quantity" db:"quantity"`
	PriceEach decimal.Decimal `json:"price_each" db:"price_each"`
}

// SpotPrice is the current USD per troy ounce for one metal, refreshed by
// an external job and read-only to the engine.
type SpotPrice struct {
	Metal      string          `json:"metal" db:"metal"`
	PriceUSDOz decimal.Decimal `json:"price_usd_per_oz" db:"price_usd_per_oz"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
}

// Allocation is one matched slice of a bid against one listing.
type Allocation struct {
	ListingID string `json:"listing_id"`
	SellerID  string `json:"seller_id"`
	Quantity  int64  `json:"quantity"`
}

// FillEvent is handed to the Notifier after a matching pass commits.
type FillEvent struct {
	BuyerID           string          `json:"buyer_id"`
	SellerID          string          `json:"seller_id,omitempty"` // set on manual accepts
	OrderID           string          `json:"order_id"`
	BidID             string          `json:"bid_id"`
	QuantityFilled    int64           `json:"quantity_filled"`
	PricePerUnit      decimal.Decimal `json:"price_per_unit"`
	TotalAmount       decimal.Decimal `json:"total_amount"`
	IsPartial         bool            `json:"is_partial"`
	RemainingQuantity int64           `json:"remaining_quantity"`
}
