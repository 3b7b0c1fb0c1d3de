// Package store defines the persistence interface for the marketplace
// engine. Implementations include PostgreSQL (source of truth), Redis
// (read-through cache for categories and spot prices), and in-memory
// (for testing).
package store

import (
	"context"
	"errors"

	"github.com/bullionx/marketplace-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConcurrencyConflict is returned when a guarded quantity update
	// affects no rows because a concurrent match consumed the listing or
	// the bid first. Transient: callers retry with a fresh snapshot.
	ErrConcurrencyConflict = errors.New("store: concurrent quantity conflict")

	// ErrIntegrityViolation is returned when a write would break an
	// invariant (negative quantity, dangling foreign key). Fatal for the
	// attempt; the transaction is rolled back.
	ErrIntegrityViolation = errors.New("store: integrity violation")

	// ErrNotCancellable is returned when a bid cancel is refused because
	// the bid is not in the Open state.
	ErrNotCancellable = errors.New("store: bid is not cancellable")
)

// FillCommit is the atomic unit the order service hands to the store: one
// order per matching pass, every item priced at the bid's effective price,
// all quantity updates in the same transaction. On success the in-memory
// Bid's fulfillment counters and status are advanced to match the row.
type FillCommit struct {
	Bid   *model.Bid
	Order *model.Order // Items populated, one per allocation

	// Placeholder, when set, is a zero-quantity inactive listing inserted
	// inside the transaction to back a manual accept's shortfall; the
	// order item referencing its ID skips the quantity decrement.
	Placeholder *model.Listing
}

// Store is the persistence interface. PostgreSQL is the source of truth.
type Store interface {
	// --- Categories ---

	// CreateCategory persists a new category specification.
	CreateCategory(ctx context.Context, cat *model.Category) error

	// GetCategory retrieves a category by ID.
	GetCategory(ctx context.Context, id string) (*model.Category, error)

	// FindCategory resolves the exact specification tuple to a category.
	FindCategory(ctx context.Context, spec *model.Category) (*model.Category, error)

	// --- Listings ---

	// CreateListing persists a new listing.
	CreateListing(ctx context.Context, l *model.Listing) error

	// GetListing retrieves a listing by ID.
	GetListing(ctx context.Context, id string) (*model.Listing, error)

	// ActiveListingsByCategory returns the candidate listings for a match
	// attempt, ordered by ID for determinism.
	ActiveListingsByCategory(ctx context.Context, categoryID string) ([]*model.Listing, error)

	// ActiveListingsBySeller returns one seller's candidate listings in a
	// category, for the manual accept flow.
	ActiveListingsBySeller(ctx context.Context, sellerID, categoryID string) ([]*model.Listing, error)

	// DeactivateListing cancels a listing explicitly, quantity unchanged.
	DeactivateListing(ctx context.Context, id, sellerID string) error

	// --- Bids ---

	// CreateBid persists a new bid.
	CreateBid(ctx context.Context, b *model.Bid) error

	// GetBid retrieves a bid by ID.
	GetBid(ctx context.Context, id string) (*model.Bid, error)

	// UpdateBidTerms rewrites a bid's editable terms (price, quantity,
	// grading requirements). Fulfillment counters are untouched.
	UpdateBidTerms(ctx context.Context, b *model.Bid) error

	// CancelBid moves a bid to Cancelled iff it is active and Open and
	// owned by buyerID. Returns ErrNotCancellable otherwise.
	CancelBid(ctx context.Context, bidID, buyerID string) error

	// --- Orders ---

	// GetOrder retrieves an order with its items.
	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// OrdersByBuyer returns a buyer's orders, newest first, with items.
	OrdersByBuyer(ctx context.Context, buyerID string) ([]model.Order, error)

	// --- Spot prices ---

	// UpsertSpotPrice records the latest spot price for a metal.
	UpsertSpotPrice(ctx context.Context, sp *model.SpotPrice) error

	// GetSpotPrice returns the stored spot price for a metal.
	GetSpotPrice(ctx context.Context, metal string) (*model.SpotPrice, error)

	// --- Fill commit ---

	// CommitFills applies one matching pass atomically: guarded listing
	// decrements, order + order_items insert, bid fulfillment update, and
	// the optional committed-listing placeholder. All or nothing; a lost
	// quantity race surfaces as ErrConcurrencyConflict with no writes.
	CommitFills(ctx context.Context, fc FillCommit) (*model.Order, error)
}
