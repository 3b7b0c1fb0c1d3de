package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bullionx/marketplace-engine/internal/model"
	"github.com/bullionx/marketplace-engine/internal/store"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func seed(t *testing.T) (*store.MemoryStore, *model.Bid) {
	t.Helper()
	ctx := context.Background()
	ms := store.NewMemoryStore()

	if err := ms.CreateCategory(ctx, &model.Category{
		ID: "cat-1", BucketID: "bucket-1", Metal: "silver",
		ProductType: "round", Weight: "1 oz",
	}); err != nil {
		t.Fatalf("seed category: %v", err)
	}
	if err := ms.CreateListing(ctx, &model.Listing{
		ID: "listing-1", CategoryID: "cat-1", SellerID: "seller-1",
		Quantity: 10, Active: true,
		PricingMode: model.PricingStatic, PricePerCoin: d("28.00"),
	}); err != nil {
		t.Fatalf("seed listing: %v", err)
	}

	bid := &model.Bid{
		ID: "bid-1", CategoryID: "cat-1", BuyerID: "buyer-1",
		QuantityRequested: 10, RemainingQuantity: 10,
		Active: true, Status: model.BidOpen,
		PricingMode: model.PricingStatic, CeilingPrice: d("30.00"),
	}
	if err := ms.CreateBid(ctx, bid); err != nil {
		t.Fatalf("seed bid: %v", err)
	}
	return ms, bid
}

func fillOrder(bid *model.Bid, listingID string, qty int64, price string) *model.Order {
	return &model.Order{
		ID:         "order-" + listingID,
		BuyerID:    bid.BuyerID,
		TotalPrice: d(price).Mul(decimal.NewFromInt(qty)),
		Status:     "Placed",
		CreatedAt:  time.Now().UTC(),
		Items: []model.OrderItem{{
			OrderID:   "order-" + listingID,
			ListingID: listingID,
			Quantity:  qty,
			PriceEach: d(price),
		}},
	}
}

func TestCommitFillsHappyPath(t *testing.T) {
	ms, bid := seed(t)
	ctx := context.Background()

	o, err := ms.CommitFills(ctx, store.FillCommit{
		Bid:   bid,
		Order: fillOrder(bid, "listing-1", 4, "30.00"),
	})
	if err != nil {
		t.Fatalf("CommitFills: %v", err)
	}

	l, _ := ms.GetListing(ctx, "listing-1")
	if l.Quantity != 6 || !l.Active {
		t.Errorf("listing = qty %d active %v, want 6 active", l.Quantity, l.Active)
	}

	b, _ := ms.GetBid(ctx, "bid-1")
	if b.QuantityFulfilled != 4 || b.RemainingQuantity != 6 || b.Status != model.BidPartiallyFilled {
		t.Errorf("bid = %+v, want fulfilled 4 remaining 6 PartiallyFilled", b)
	}
	// The in-memory bid mirrors the stored row after commit.
	if bid.QuantityFulfilled != 4 || bid.Status != model.BidPartiallyFilled {
		t.Errorf("passed bid not advanced: %+v", bid)
	}

	stored, err := ms.GetOrder(ctx, o.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if len(stored.Items) != 1 || !stored.Items[0].PriceEach.Equal(d("30.00")) {
		t.Errorf("order items = %+v", stored.Items)
	}
}

func TestCommitFillsDepletionDeactivates(t *testing.T) {
	ms, bid := seed(t)
	ctx := context.Background()

	if _, err := ms.CommitFills(ctx, store.FillCommit{
		Bid:   bid,
		Order: fillOrder(bid, "listing-1", 10, "30.00"),
	}); err != nil {
		t.Fatalf("CommitFills: %v", err)
	}

	l, _ := ms.GetListing(ctx, "listing-1")
	if l.Quantity != 0 || l.Active {
		t.Errorf("listing = qty %d active %v, want depleted inactive", l.Quantity, l.Active)
	}
	b, _ := ms.GetBid(ctx, "bid-1")
	if b.Status != model.BidFilled || b.Active {
		t.Errorf("bid = %s active %v, want Filled inactive", b.Status, b.Active)
	}
}

func TestCommitFillsConflictLeavesNoPartialWrites(t *testing.T) {
	ms, bid := seed(t)
	ctx := context.Background()

	// Ask for more than the listing holds: the whole commit must abort.
	o := &model.Order{
		ID: "order-x", BuyerID: bid.BuyerID, Status: "Placed",
		TotalPrice: d("360.00"), CreatedAt: time.Now().UTC(),
		Items: []model.OrderItem{
			{OrderID: "order-x", ListingID: "listing-1", Quantity: 12, PriceEach: d("30.00")},
		},
	}
	_, err := ms.CommitFills(ctx, store.FillCommit{Bid: bid, Order: o})
	if !errors.Is(err, store.ErrConcurrencyConflict) {
		t.Fatalf("err = %v, want ErrConcurrencyConflict", err)
	}

	l, _ := ms.GetListing(ctx, "listing-1")
	if l.Quantity != 10 {
		t.Errorf("listing quantity = %d, want untouched 10", l.Quantity)
	}
	b, _ := ms.GetBid(ctx, "bid-1")
	if b.QuantityFulfilled != 0 || b.Status != model.BidOpen {
		t.Errorf("bid mutated on aborted commit: %+v", b)
	}
	if _, err := ms.GetOrder(ctx, "order-x"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("order persisted on aborted commit")
	}
}

func TestCommitFillsUnknownListingIsIntegrityViolation(t *testing.T) {
	ms, bid := seed(t)

	_, err := ms.CommitFills(context.Background(), store.FillCommit{
		Bid:   bid,
		Order: fillOrder(bid, "listing-ghost", 1, "30.00"),
	})
	if !errors.Is(err, store.ErrIntegrityViolation) {
		t.Errorf("err = %v, want ErrIntegrityViolation", err)
	}
}

func TestCommitFillsPlaceholder(t *testing.T) {
	ms, bid := seed(t)
	ctx := context.Background()

	placeholder := &model.Listing{
		ID: "listing-committed", CategoryID: "cat-1", SellerID: "seller-1",
		Quantity: 0, Active: false,
		PricingMode: model.PricingStatic, PricePerCoin: d("30.00"),
		CreatedAt: time.Now().UTC(),
	}
	o := &model.Order{
		ID: "order-c", BuyerID: bid.BuyerID, Status: "Placed",
		TotalPrice: d("90.00"), CreatedAt: time.Now().UTC(),
		Items: []model.OrderItem{
			{OrderID: "order-c", ListingID: "listing-committed", Quantity: 3, PriceEach: d("30.00")},
		},
	}
	if _, err := ms.CommitFills(ctx, store.FillCommit{
		Bid: bid, Order: o, Placeholder: placeholder,
	}); err != nil {
		t.Fatalf("CommitFills: %v", err)
	}

	// The placeholder exists for the foreign key but holds no inventory.
	pl, err := ms.GetListing(ctx, "listing-committed")
	if err != nil {
		t.Fatalf("placeholder missing: %v", err)
	}
	if pl.Quantity != 0 || pl.Active {
		t.Errorf("placeholder = qty %d active %v", pl.Quantity, pl.Active)
	}

	// Real inventory is untouched by the committed allocation.
	l, _ := ms.GetListing(ctx, "listing-1")
	if l.Quantity != 10 {
		t.Errorf("listing-1 quantity = %d, want 10", l.Quantity)
	}
}

func TestCancelBidStateMachine(t *testing.T) {
	ms, _ := seed(t)
	ctx := context.Background()

	if err := ms.CancelBid(ctx, "bid-1", "someone-else"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("wrong owner: err = %v, want ErrNotFound", err)
	}
	if err := ms.CancelBid(ctx, "bid-1", "buyer-1"); err != nil {
		t.Fatalf("CancelBid: %v", err)
	}
	if err := ms.CancelBid(ctx, "bid-1", "buyer-1"); !errors.Is(err, store.ErrNotCancellable) {
		t.Errorf("repeat cancel: err = %v, want ErrNotCancellable", err)
	}
}

func TestUpdateBidTermsGuards(t *testing.T) {
	ms, bid := seed(t)
	ctx := context.Background()

	// Fill 4 units, then try to shrink the request below what's filled.
	if _, err := ms.CommitFills(ctx, store.FillCommit{
		Bid:   bid,
		Order: fillOrder(bid, "listing-1", 4, "30.00"),
	}); err != nil {
		t.Fatalf("CommitFills: %v", err)
	}

	edit := *bid
	edit.QuantityRequested = 2
	if err := ms.UpdateBidTerms(ctx, &edit); !errors.Is(err, store.ErrIntegrityViolation) {
		t.Fatalf("shrink below fulfilled: err = %v, want ErrIntegrityViolation", err)
	}

	edit.QuantityRequested = 20
	if err := ms.UpdateBidTerms(ctx, &edit); err != nil {
		t.Fatalf("UpdateBidTerms: %v", err)
	}
	b, _ := ms.GetBid(ctx, "bid-1")
	if b.RemainingQuantity != 16 || b.QuantityFulfilled != 4 {
		t.Errorf("bid = remaining %d fulfilled %d, want 16/4", b.RemainingQuantity, b.QuantityFulfilled)
	}
}

func TestFindCategoryExactTuple(t *testing.T) {
	ms, _ := seed(t)
	ctx := context.Background()

	found, err := ms.FindCategory(ctx, &model.Category{
		Metal: "silver", ProductType: "round", Weight: "1 oz",
	})
	if err != nil {
		t.Fatalf("FindCategory: %v", err)
	}
	if found.ID != "cat-1" {
		t.Errorf("found %s, want cat-1", found.ID)
	}

	if _, err := ms.FindCategory(ctx, &model.Category{
		Metal: "silver", ProductType: "round", Weight: "10 oz",
	}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("different weight: err = %v, want ErrNotFound", err)
	}
}
