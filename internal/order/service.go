// Package order forms orders out of match allocations. It is the single
// commit path for both the automatic match-on-bid flow and the manual
// seller-accept flow: one Order per matching pass, every OrderItem priced
// at the bid's effective price, all state changes in one transaction.
//
// All monetary values use shopspring/decimal — never float64 for money.
package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/bullionx/marketplace-engine/internal/match"
	"github.com/bullionx/marketplace-engine/internal/metrics"
	"github.com/bullionx/marketplace-engine/internal/model"
	"github.com/bullionx/marketplace-engine/internal/notify"
	"github.com/bullionx/marketplace-engine/internal/pricing"
	"github.com/bullionx/marketplace-engine/internal/spot"
	"github.com/bullionx/marketplace-engine/internal/store"
)

// ErrValidation is returned for user-correctable input problems. Surfaced
// before any write; the request has no partial effects.
var ErrValidation = errors.New("order: validation failed")

// OrderPlaced is the status new orders carry; shipping and tracking updates
// happen outside the engine.
const OrderPlaced = "Placed"

// Service owns order formation. Concurrent match attempts are safe: the
// store's guarded quantity updates arbitrate races, and a lost race is
// retried once with a fresh snapshot.
type Service struct {
	store    store.Store
	spots    spot.Provider
	notifier notify.Notifier
}

// NewService creates an order service. A nil notifier disables fill events.
func NewService(st store.Store, sp spot.Provider, n notify.Notifier) *Service {
	if n == nil {
		n = notify.LogNotifier{}
	}
	return &Service{store: st, spots: sp, notifier: n}
}

// --- Bid lifecycle ---

// ValidateBid checks a bid before any write.
func ValidateBid(b *model.Bid) error {
	if b.QuantityRequested <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrValidation)
	}
	if b.CeilingPrice.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: price must be positive", ErrValidation)
	}
	switch b.PricingMode {
	case model.PricingStatic:
	case model.PricingPremiumToSpot:
		if b.PricingMetal == "" {
			return fmt.Errorf("%w: pricing metal required in premium-to-spot mode", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown pricing mode %q", ErrValidation, b.PricingMode)
	}
	if b.RequiresGrading && b.DeliveryAddress == "" {
		return fmt.Errorf("%w: delivery address required for graded bids", ErrValidation)
	}
	// A grader preference only has meaning on a graded bid; matching ignores
	// it otherwise, so refuse the combination instead of dropping it.
	if !b.RequiresGrading && b.PreferredGrader != "" && b.PreferredGrader != model.GraderAny {
		return fmt.Errorf("%w: preferred grader requires grading to be enabled", ErrValidation)
	}
	return nil
}

// ValidateListing checks a listing before any write.
func ValidateListing(l *model.Listing) error {
	if l.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrValidation)
	}
	if l.PricePerCoin.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: price must be positive", ErrValidation)
	}
	switch l.PricingMode {
	case model.PricingStatic:
	case model.PricingPremiumToSpot:
		if l.PricingMetal == "" {
			return fmt.Errorf("%w: pricing metal required in premium-to-spot mode", ErrValidation)
		}
		if l.FloorPrice.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("%w: floor price must be positive", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown pricing mode %q", ErrValidation, l.PricingMode)
	}
	return nil
}

// CreateBid validates and persists a new bid. Callers run AutoMatch
// immediately after to fill it opportunistically.
func (s *Service) CreateBid(ctx context.Context, b *model.Bid) (*model.Bid, error) {
	if err := ValidateBid(b); err != nil {
		return nil, err
	}
	if _, err := s.store.GetCategory(ctx, b.CategoryID); err != nil {
		return nil, fmt.Errorf("%w: unknown category %s", ErrValidation, b.CategoryID)
	}

	b.ID = uuid.New().String()
	b.RemainingQuantity = b.QuantityRequested
	b.QuantityFulfilled = 0
	b.Active = true
	b.Status = model.BidOpen
	b.CreatedAt = time.Now().UTC()

	if err := s.store.CreateBid(ctx, b); err != nil {
		return nil, err
	}
	metrics.BidsCreated.Inc()
	return b, nil
}

// CancelBid moves a bid to Cancelled. Only Open bids qualify: a partially
// filled bid has produced binding orders and must be edited instead. A
// cancel that loses the race to a concurrent match is refused the same way.
func (s *Service) CancelBid(ctx context.Context, bidID, buyerID string) error {
	return s.store.CancelBid(ctx, bidID, buyerID)
}

// UpdateBid rewrites a bid's terms, then callers re-run AutoMatch since a
// raised price or quantity can open new matches.
func (s *Service) UpdateBid(ctx context.Context, b *model.Bid) error {
	if err := ValidateBid(b); err != nil {
		return err
	}
	return s.store.UpdateBidTerms(ctx, b)
}

// --- Automatic matching ---

// AutoMatch runs one matching pass for a bid across all sellers' listings.
// A nil order with nil error means nothing could be filled; the bid keeps
// its remaining quantity. A lost quantity race is retried once with a
// fresh snapshot, then treated as unmatched.
func (s *Service) AutoMatch(ctx context.Context, bidID string) (*model.Order, error) {
	start := time.Now()
	defer func() { metrics.MatchLatency.Observe(time.Since(start).Seconds()) }()

	o, err := s.matchOnce(ctx, bidID)
	if errors.Is(err, store.ErrConcurrencyConflict) {
		metrics.ConflictRetries.Inc()
		slog.Warn("match lost quantity race, retrying", "bid", bidID)
		o, err = s.matchOnce(ctx, bidID)
		if errors.Is(err, store.ErrConcurrencyConflict) {
			// Second loss: leave the remainder unmatched rather than
			// failing the request.
			metrics.MatchAttempts.WithLabelValues("conflict").Inc()
			return nil, nil
		}
	}
	return o, err
}

func (s *Service) matchOnce(ctx context.Context, bidID string) (*model.Order, error) {
	bid, err := s.store.GetBid(ctx, bidID)
	if err != nil {
		return nil, err
	}
	if !bid.Active || bid.RemainingQuantity <= 0 {
		return nil, nil
	}
	cat, err := s.store.GetCategory(ctx, bid.CategoryID)
	if err != nil {
		return nil, err
	}
	candidates, err := s.store.ActiveListingsByCategory(ctx, bid.CategoryID)
	if err != nil {
		return nil, err
	}

	spots := s.snapshot(ctx, bid, candidates)
	allocs := match.Match(bid, candidates, cat, spots)
	if len(allocs) == 0 {
		metrics.MatchAttempts.WithLabelValues("unmatched").Inc()
		return nil, nil
	}

	bidPrice := s.effectiveBidPrice(bid, cat, spots)
	o, err := s.commit(ctx, bid, cat, allocs, bidPrice, nil, "auto")
	if err != nil {
		return nil, err
	}

	outcome := "partial"
	if bid.Status == model.BidFilled {
		outcome = "filled"
	}
	metrics.MatchAttempts.WithLabelValues(outcome).Inc()
	return o, nil
}

// --- Manual seller accept ---

// Accept is one bid a seller accepts, with the quantity they commit to.
type Accept struct {
	BidID    string
	Quantity int64
}

// AcceptResult summarizes a manual accept across one or more bids. Skipped
// maps bid IDs to the number of accepts dropped after losing a quantity
// race twice; callers surface it so the seller can resubmit.
type AcceptResult struct {
	TotalFilled   int64          `json:"total_filled"`
	OrdersCreated int            `json:"orders_created"`
	FirstOrder    *model.Order   `json:"first_order,omitempty"`
	Skipped       map[string]int `json:"skipped,omitempty"`
}

// AcceptBid fills one or more bids from a single seller's inventory. The
// candidate set is restricted to that seller's active listings; any
// accepted quantity beyond what they supply is backed by a zero-quantity
// committed listing priced at the bid's effective price, so the order item
// keeps a valid listing reference.
func (s *Service) AcceptBid(ctx context.Context, sellerID string, accepts []Accept) (*AcceptResult, error) {
	if sellerID == "" {
		return nil, fmt.Errorf("%w: seller is required", ErrValidation)
	}
	if len(accepts) == 0 {
		return nil, fmt.Errorf("%w: nothing accepted", ErrValidation)
	}
	for _, a := range accepts {
		if a.Quantity <= 0 {
			return nil, fmt.Errorf("%w: accepted quantity must be positive", ErrValidation)
		}
	}

	res := &AcceptResult{}
	for _, a := range accepts {
		o, filled, err := s.acceptOne(ctx, sellerID, a)
		if errors.Is(err, store.ErrConcurrencyConflict) {
			// Same policy as AutoMatch: one retry with a fresh snapshot.
			// The re-read covers raced-away inventory via the committed
			// listing, so an explicit accept almost never drops.
			metrics.ConflictRetries.Inc()
			slog.Warn("accept lost quantity race, retrying", "bid", a.BidID, "seller", sellerID)
			o, filled, err = s.acceptOne(ctx, sellerID, a)
			if errors.Is(err, store.ErrConcurrencyConflict) {
				if res.Skipped == nil {
					res.Skipped = make(map[string]int)
				}
				res.Skipped[a.BidID]++
				continue
			}
		}
		if err != nil {
			return nil, err
		}
		if o == nil {
			continue
		}
		res.TotalFilled += filled
		res.OrdersCreated++
		if res.FirstOrder == nil {
			res.FirstOrder = o
		}
	}
	return res, nil
}

func (s *Service) acceptOne(ctx context.Context, sellerID string, a Accept) (*model.Order, int64, error) {
	bid, err := s.store.GetBid(ctx, a.BidID)
	if err != nil {
		return nil, 0, err
	}
	if !bid.Active || bid.RemainingQuantity <= 0 {
		return nil, 0, nil
	}
	if bid.BuyerID == sellerID {
		return nil, 0, fmt.Errorf("%w: cannot accept own bid", ErrValidation)
	}
	cat, err := s.store.GetCategory(ctx, bid.CategoryID)
	if err != nil {
		return nil, 0, err
	}
	own, err := s.store.ActiveListingsBySeller(ctx, sellerID, bid.CategoryID)
	if err != nil {
		return nil, 0, err
	}

	accepted := a.Quantity
	if accepted > bid.RemainingQuantity {
		accepted = bid.RemainingQuantity
	}

	spots := s.snapshot(ctx, bid, own)
	bidPrice := s.effectiveBidPrice(bid, cat, spots)

	// Allocate from the seller's eligible inventory first.
	capped := *bid
	capped.RemainingQuantity = accepted
	allocs := match.Match(&capped, own, cat, spots)

	var fromInventory int64
	for _, al := range allocs {
		fromInventory += al.Quantity
	}

	// The seller covers the rest as a forward commitment: one placeholder
	// listing with zero quantity so the order item has a listing to
	// reference.
	var placeholder *model.Listing
	if shortfall := accepted - fromInventory; shortfall > 0 {
		placeholder = &model.Listing{
			ID:           uuid.New().String(),
			CategoryID:   bid.CategoryID,
			SellerID:     sellerID,
			Quantity:     0,
			Active:       false,
			PricingMode:  model.PricingStatic,
			PricePerCoin: bidPrice,
			CreatedAt:    time.Now().UTC(),
		}
		allocs = append(allocs, model.Allocation{
			ListingID: placeholder.ID,
			SellerID:  sellerID,
			Quantity:  shortfall,
		})
	}

	o, err := s.commit(ctx, bid, cat, allocs, bidPrice, placeholder, "manual")
	if err != nil {
		return nil, 0, err
	}
	return o, accepted, nil
}

// --- Shared commit path ---

// commit turns allocations into a persisted order and emits the fill event
// after the transaction returns. Every item is priced at the bid's
// effective price regardless of each listing's own ask — the spread is
// platform margin.
func (s *Service) commit(ctx context.Context, bid *model.Bid, cat *model.Category,
	allocs []model.Allocation, bidPrice decimal.Decimal, placeholder *model.Listing,
	flow string) (*model.Order, error) {

	var totalQty int64
	items := make([]model.OrderItem, 0, len(allocs))
	total := decimal.Zero
	orderID := uuid.New().String()

	for _, a := range allocs {
		items = append(items, model.OrderItem{
			OrderID:   orderID,
			ListingID: a.ListingID,
			Quantity:  a.Quantity,
			PriceEach: bidPrice,
		})
		total = total.Add(bidPrice.Mul(decimal.NewFromInt(a.Quantity)))
		totalQty += a.Quantity
	}

	o := &model.Order{
		ID:              orderID,
		BuyerID:         bid.BuyerID,
		TotalPrice:      total,
		ShippingAddress: bid.DeliveryAddress,
		Status:          OrderPlaced,
		CreatedAt:       time.Now().UTC(),
		Items:           items,
	}

	if _, err := s.store.CommitFills(ctx, store.FillCommit{
		Bid:         bid,
		Order:       o,
		Placeholder: placeholder,
	}); err != nil {
		return nil, err
	}

	metrics.FillQuantity.WithLabelValues(flow).Add(float64(totalQty))
	slog.Info("order formed",
		"order", o.ID,
		"bid", bid.ID,
		"category", cat.ID,
		"flow", flow,
		"qty", totalQty,
		"price_per_unit", bidPrice.String(),
		"total", total.String(),
		"bid_status", bid.Status,
	)

	// Notification happens strictly after the transaction commits; a slow
	// or failing notifier never holds database locks.
	ev := model.FillEvent{
		BuyerID:           bid.BuyerID,
		OrderID:           o.ID,
		BidID:             bid.ID,
		QuantityFilled:    totalQty,
		PricePerUnit:      bidPrice,
		TotalAmount:       total,
		IsPartial:         bid.Status == model.BidPartiallyFilled,
		RemainingQuantity: bid.RemainingQuantity,
	}
	if flow == "manual" && placeholder != nil {
		ev.SellerID = placeholder.SellerID
	} else if flow == "manual" && len(allocs) > 0 {
		ev.SellerID = allocs[0].SellerID
	}
	s.notifier.NotifyFilled(ev)

	return o, nil
}

// snapshot reads every metal this attempt can touch exactly once, so all
// eligibility and price computations share one consistent table.
func (s *Service) snapshot(ctx context.Context, bid *model.Bid, listings []*model.Listing) spot.Table {
	metals := make([]string, 0, len(listings)+1)
	metals = append(metals, bid.PricingMetal)
	for _, l := range listings {
		metals = append(metals, l.PricingMetal)
	}
	return spot.Snapshot(ctx, s.spots, metals...)
}

func (s *Service) effectiveBidPrice(bid *model.Bid, cat *model.Category, spots spot.Table) decimal.Decimal {
	price, err := pricing.EffectiveBidPrice(bid, cat, spots)
	if errors.Is(err, pricing.ErrSpotUnavailable) {
		metrics.SpotFallbacks.WithLabelValues(bid.PricingMetal).Inc()
		slog.Warn("spot unavailable, using stored ceiling",
			"bid", bid.ID, "metal", bid.PricingMetal)
	}
	return price
}
