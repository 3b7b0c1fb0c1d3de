package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/bullionx/marketplace-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. It enforces the same guarded-update semantics as the
// Postgres store so concurrency tests exercise identical failure paths.
type MemoryStore struct {
	mu         sync.Mutex
	categories map[string]*model.Category
	listings   map[string]*model.Listing
	bids       map[string]*model.Bid
	orders     map[string]*model.Order
	spots      map[string]*model.SpotPrice
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		categories: make(map[string]*model.Category),
		listings:   make(map[string]*model.Listing),
		bids:       make(map[string]*model.Bid),
		orders:     make(map[string]*model.Order),
		spots:      make(map[string]*model.SpotPrice),
	}
}

// --- Categories ---

func (s *MemoryStore) CreateCategory(_ context.Context, c *model.Category) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.categories[c.ID]; exists {
		return fmt.Errorf("%w: category %s exists", ErrIntegrityViolation, c.ID)
	}
	cp := *c
	s.categories[c.ID] = &cp
	return nil
}

func (s *MemoryStore) GetCategory(_ context.Context, id string) (*model.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.categories[id]
	if !ok {
		return nil, fmt.Errorf("get category %s: %w", id, ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) FindCategory(_ context.Context, spec *model.Category) (*model.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.categories {
		if c.Metal == spec.Metal && c.ProductLine == spec.ProductLine &&
			c.ProductType == spec.ProductType && c.Weight == spec.Weight &&
			c.Purity == spec.Purity && c.Mint == spec.Mint &&
			c.Year == spec.Year && c.Finish == spec.Finish &&
			c.Grade == spec.Grade && c.ConditionCategory == spec.ConditionCategory &&
			c.SeriesVariant == spec.SeriesVariant {
			cp := *c
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("find category: %w", ErrNotFound)
}

// --- Listings ---

func (s *MemoryStore) CreateListing(_ context.Context, l *model.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.listings[l.ID]; exists {
		return fmt.Errorf("%w: listing %s exists", ErrIntegrityViolation, l.ID)
	}
	if _, ok := s.categories[l.CategoryID]; !ok {
		return fmt.Errorf("%w: listing references unknown category %s", ErrIntegrityViolation, l.CategoryID)
	}
	cp := *l
	s.listings[l.ID] = &cp
	return nil
}

func (s *MemoryStore) GetListing(_ context.Context, id string) (*model.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[id]
	if !ok {
		return nil, fmt.Errorf("get listing %s: %w", id, ErrNotFound)
	}
	cp := *l
	return &cp, nil
}

func (s *MemoryStore) ActiveListingsByCategory(_ context.Context, categoryID string) ([]*model.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Listing
	for _, l := range s.listings {
		if l.CategoryID == categoryID && l.Active && l.Quantity > 0 {
			cp := *l
			out = append(out, &cp)
		}
	}
	sortListings(out)
	return out, nil
}

func (s *MemoryStore) ActiveListingsBySeller(_ context.Context, sellerID, categoryID string) ([]*model.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Listing
	for _, l := range s.listings {
		if l.SellerID == sellerID && l.CategoryID == categoryID && l.Active && l.Quantity > 0 {
			cp := *l
			out = append(out, &cp)
		}
	}
	sortListings(out)
	return out, nil
}

func sortListings(ls []*model.Listing) {
	sort.Slice(ls, func(i, j int) bool { return ls[i].ID < ls[j].ID })
}

func (s *MemoryStore) DeactivateListing(_ context.Context, id, sellerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[id]
	if !ok || l.SellerID != sellerID || !l.Active {
		return ErrNotFound
	}
	l.Active = false
	return nil
}

// --- Bids ---

func (s *MemoryStore) CreateBid(_ context.Context, b *model.Bid) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.bids[b.ID]; exists {
		return fmt.Errorf("%w: bid %s exists", ErrIntegrityViolation, b.ID)
	}
	if _, ok := s.categories[b.CategoryID]; !ok {
		return fmt.Errorf("%w: bid references unknown category %s", ErrIntegrityViolation, b.CategoryID)
	}
	cp := *b
	s.bids[b.ID] = &cp
	return nil
}

func (s *MemoryStore) GetBid(_ context.Context, id string) (*model.Bid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bids[id]
	if !ok {
		return nil, fmt.Errorf("get bid %s: %w", id, ErrNotFound)
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) UpdateBidTerms(_ context.Context, b *model.Bid) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.bids[b.ID]
	if !ok {
		return fmt.Errorf("update bid %s: %w", b.ID, ErrNotFound)
	}
	if !cur.Active || b.QuantityRequested < cur.QuantityFulfilled {
		return ErrIntegrityViolation
	}
	cur.QuantityRequested = b.QuantityRequested
	cur.RemainingQuantity = b.QuantityRequested - cur.QuantityFulfilled
	cur.PricingMode = b.PricingMode
	cur.SpotPremium = b.SpotPremium
	cur.CeilingPrice = b.CeilingPrice
	cur.PricingMetal = b.PricingMetal
	cur.RequiresGrading = b.RequiresGrading
	cur.PreferredGrader = b.PreferredGrader
	cur.DeliveryAddress = b.DeliveryAddress
	return nil
}

func (s *MemoryStore) CancelBid(_ context.Context, bidID, buyerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bids[bidID]
	if !ok || b.BuyerID != buyerID {
		return ErrNotFound
	}
	if !b.Active || b.Status != model.BidOpen {
		return ErrNotCancellable
	}
	b.Status = model.BidCancelled
	b.Active = false
	return nil
}

// --- Orders ---

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("get order %s: %w", id, ErrNotFound)
	}
	cp := *o
	cp.Items = append([]model.OrderItem(nil), o.Items...)
	return &cp, nil
}

func (s *MemoryStore) OrdersByBuyer(_ context.Context, buyerID string) ([]model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Order
	for _, o := range s.orders {
		if o.BuyerID == buyerID {
			cp := *o
			cp.Items = append([]model.OrderItem(nil), o.Items...)
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// --- Spot prices ---

func (s *MemoryStore) UpsertSpotPrice(_ context.Context, sp *model.SpotPrice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sp
	s.spots[sp.Metal] = &cp
	return nil
}

func (s *MemoryStore) GetSpotPrice(_ context.Context, metal string) (*model.SpotPrice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.spots[metal]
	if !ok {
		return nil, fmt.Errorf("get spot price %s: %w", metal, ErrNotFound)
	}
	cp := *sp
	return &cp, nil
}

// --- Fill commit ---

func (s *MemoryStore) CommitFills(_ context.Context, fc FillCommit) (*model.Order, error) {
	if len(fc.Order.Items) == 0 {
		return nil, fmt.Errorf("%w: commit with no items", ErrIntegrityViolation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bid, ok := s.bids[fc.Bid.ID]
	if !ok {
		return nil, fmt.Errorf("commit fills: bid %s: %w", fc.Bid.ID, ErrNotFound)
	}

	var totalQty int64
	for _, it := range fc.Order.Items {
		if it.Quantity <= 0 {
			return nil, fmt.Errorf("%w: non-positive item quantity", ErrIntegrityViolation)
		}
		totalQty += it.Quantity
	}

	// Validate every guarded update before mutating anything, so a lost
	// race leaves the store untouched — the all-or-nothing contract.
	if !bid.Active || bid.RemainingQuantity < totalQty {
		return nil, ErrConcurrencyConflict
	}
	for _, it := range fc.Order.Items {
		if fc.Placeholder != nil && it.ListingID == fc.Placeholder.ID {
			continue
		}
		l, ok := s.listings[it.ListingID]
		if !ok {
			return nil, fmt.Errorf("%w: order item references unknown listing %s", ErrIntegrityViolation, it.ListingID)
		}
		if !l.Active || l.Quantity < it.Quantity {
			return nil, ErrConcurrencyConflict
		}
	}

	if fc.Placeholder != nil {
		cp := *fc.Placeholder
		s.listings[cp.ID] = &cp
	}
	for _, it := range fc.Order.Items {
		if fc.Placeholder != nil && it.ListingID == fc.Placeholder.ID {
			continue
		}
		l := s.listings[it.ListingID]
		l.Quantity -= it.Quantity
		if l.Quantity == 0 {
			l.Active = false
		}
	}

	oc := *fc.Order
	oc.Items = append([]model.OrderItem(nil), fc.Order.Items...)
	s.orders[oc.ID] = &oc

	bid.QuantityFulfilled += totalQty
	bid.RemainingQuantity -= totalQty
	if bid.RemainingQuantity == 0 {
		bid.Status = model.BidFilled
		bid.Active = false
	} else {
		bid.Status = model.BidPartiallyFilled
	}

	fc.Bid.QuantityFulfilled = bid.QuantityFulfilled
	fc.Bid.RemainingQuantity = bid.RemainingQuantity
	fc.Bid.Status = bid.Status
	fc.Bid.Active = bid.Active
	return fc.Order, nil
}
