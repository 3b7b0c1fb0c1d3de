package marketplace_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/bullionx/marketplace-engine/internal/catalog"
	"github.com/bullionx/marketplace-engine/internal/marketplace"
	"github.com/bullionx/marketplace-engine/internal/model"
	"github.com/bullionx/marketplace-engine/internal/order"
	"github.com/bullionx/marketplace-engine/internal/spot"
	"github.com/bullionx/marketplace-engine/internal/store"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

// newTestEnv creates a marketplace service with an in-memory store and a
// chi router, plus one seeded category.
func newTestEnv(t *testing.T) (*store.MemoryStore, chi.Router, *model.Category) {
	t.Helper()
	ms := store.NewMemoryStore()
	cat := &model.Category{
		ID:          "cat-gold-eagle",
		BucketID:    "bucket-eagle",
		Metal:       "gold",
		ProductType: "coin",
		Weight:      "1 oz",
	}
	if err := ms.CreateCategory(context.Background(), cat); err != nil {
		t.Fatalf("seed category: %v", err)
	}

	sp := spot.NewStaticProvider(map[string]decimal.Decimal{"gold": d("4216.58")})
	svc := marketplace.NewService(ms, catalog.New(ms), order.NewService(ms, sp, nil))

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	return ms, r, cat
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func seedListing(t *testing.T, ms *store.MemoryStore, id, seller, categoryID string, qty int64, price string) {
	t.Helper()
	err := ms.CreateListing(context.Background(), &model.Listing{
		ID:           id,
		CategoryID:   categoryID,
		SellerID:     seller,
		Quantity:     qty,
		Active:       true,
		PricingMode:  model.PricingStatic,
		PricePerCoin: d(price),
	})
	if err != nil {
		t.Fatalf("seed listing: %v", err)
	}
}

func TestCreateListingEndpoint(t *testing.T) {
	_, r, cat := newTestEnv(t)

	rec := doJSON(t, r, http.MethodPost, "/api/v1/listings", map[string]any{
		"category_id":    cat.ID,
		"seller_id":      "seller-1",
		"quantity":       10,
		"pricing_mode":   "static",
		"price_per_coin": "4300.00",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var l model.Listing
	if err := json.Unmarshal(rec.Body.Bytes(), &l); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if l.ID == "" || !l.Active || l.Quantity != 10 {
		t.Errorf("listing = %+v", l)
	}
}

func TestCreateListingRejectsBadInput(t *testing.T) {
	_, r, cat := newTestEnv(t)

	cases := []map[string]any{
		{"category_id": cat.ID, "seller_id": "s", "quantity": 0, "pricing_mode": "static", "price_per_coin": "10"},
		{"category_id": cat.ID, "seller_id": "s", "quantity": 5, "pricing_mode": "static", "price_per_coin": "0"},
		{"category_id": cat.ID, "seller_id": "", "quantity": 5, "pricing_mode": "static", "price_per_coin": "10"},
		{"category_id": cat.ID, "seller_id": "s", "quantity": 5, "pricing_mode": "premium_to_spot", "price_per_coin": "10", "floor_price": "5"},
	}
	for i, body := range cases {
		if rec := doJSON(t, r, http.MethodPost, "/api/v1/listings", body); rec.Code != http.StatusBadRequest {
			t.Errorf("case %d: status = %d, want 400 (%s)", i, rec.Code, rec.Body.String())
		}
	}
}

func TestBidCreateMatchesImmediately(t *testing.T) {
	ms, r, cat := newTestEnv(t)
	seedListing(t, ms, "listing-a", "seller-a", cat.ID, 15, "4200.00")
	seedListing(t, ms, "listing-b", "seller-b", cat.ID, 5, "4300.00")

	rec := doJSON(t, r, http.MethodPost, "/api/v1/bids", map[string]any{
		"category_id":      cat.ID,
		"buyer_id":         "buyer-1",
		"quantity":         50,
		"pricing_mode":     "static",
		"ceiling_price":    "4300.00",
		"delivery_address": "1 Bullion Way",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp marketplace.BidResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Order == nil {
		t.Fatal("expected an immediate fill")
	}
	if resp.Bid.Status != model.BidPartiallyFilled || resp.Bid.RemainingQuantity != 30 {
		t.Errorf("bid = %s remaining %d, want PartiallyFilled/30", resp.Bid.Status, resp.Bid.RemainingQuantity)
	}
	if len(resp.Order.Items) != 2 {
		t.Errorf("order items = %+v, want 2", resp.Order.Items)
	}
	for _, it := range resp.Order.Items {
		if !it.PriceEach.Equal(d("4300.00")) {
			t.Errorf("item price = %s, want bid price 4300.00", it.PriceEach)
		}
	}
}

func TestBidUpdateTriggersRematch(t *testing.T) {
	ms, r, cat := newTestEnv(t)
	seedListing(t, ms, "listing-a", "seller-a", cat.ID, 10, "4250.00")

	// Ceiling below every ask: nothing fills.
	rec := doJSON(t, r, http.MethodPost, "/api/v1/bids", map[string]any{
		"category_id":   cat.ID,
		"buyer_id":      "buyer-1",
		"quantity":      10,
		"pricing_mode":  "static",
		"ceiling_price": "4000.00",
	})
	var created marketplace.BidResponse
	json.Unmarshal(rec.Body.Bytes(), &created)
	if created.Order != nil {
		t.Fatal("low bid should not fill")
	}

	// Raising the ceiling opens the match.
	rec = doJSON(t, r, http.MethodPut, "/api/v1/bids/"+created.Bid.ID, map[string]any{
		"category_id":   cat.ID,
		"buyer_id":      "buyer-1",
		"quantity":      10,
		"pricing_mode":  "static",
		"ceiling_price": "4250.00",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var updated marketplace.BidResponse
	json.Unmarshal(rec.Body.Bytes(), &updated)
	if updated.Order == nil {
		t.Fatal("raised bid should fill")
	}
	if updated.Bid.Status != model.BidFilled {
		t.Errorf("status = %s, want Filled", updated.Bid.Status)
	}
}

func TestCancelBidEndpoint(t *testing.T) {
	_, r, cat := newTestEnv(t)

	rec := doJSON(t, r, http.MethodPost, "/api/v1/bids", map[string]any{
		"category_id":   cat.ID,
		"buyer_id":      "buyer-1",
		"quantity":      10,
		"pricing_mode":  "static",
		"ceiling_price": "4100.00",
	})
	var created marketplace.BidResponse
	json.Unmarshal(rec.Body.Bytes(), &created)

	rec = doJSON(t, r, http.MethodPost, "/api/v1/bids/"+created.Bid.ID+"/cancel",
		map[string]string{"buyer_id": "buyer-1"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("cancel status = %d, body %s", rec.Code, rec.Body.String())
	}

	// Second cancel conflicts instead of double-applying.
	rec = doJSON(t, r, http.MethodPost, "/api/v1/bids/"+created.Bid.ID+"/cancel",
		map[string]string{"buyer_id": "buyer-1"})
	if rec.Code != http.StatusConflict {
		t.Errorf("repeat cancel status = %d, want 409", rec.Code)
	}
}

func TestAcceptEndpoint(t *testing.T) {
	ms, r, cat := newTestEnv(t)
	seedListing(t, ms, "listing-mine", "seller-1", cat.ID, 5, "4200.00")

	rec := doJSON(t, r, http.MethodPost, "/api/v1/bids", map[string]any{
		"category_id":   cat.ID,
		"buyer_id":      "buyer-1",
		"quantity":      8,
		"pricing_mode":  "static",
		"ceiling_price": "4100.00", // below the ask, so no auto fill
	})
	var created marketplace.BidResponse
	json.Unmarshal(rec.Body.Bytes(), &created)
	if created.Order != nil {
		t.Fatal("bid should not auto-fill below ask")
	}

	rec = doJSON(t, r, http.MethodPost, "/api/v1/accept", map[string]any{
		"seller_id": "seller-1",
		"accepts":   []map[string]any{{"bid_id": created.Bid.ID, "quantity": 8}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("accept status = %d, body %s", rec.Code, rec.Body.String())
	}

	var res order.AcceptResult
	json.Unmarshal(rec.Body.Bytes(), &res)
	if res.TotalFilled != 8 || res.OrdersCreated != 1 {
		t.Errorf("result = %+v, want 8 filled / 1 order", res)
	}
}

func TestSpotPriceUpsertEndpoint(t *testing.T) {
	ms, r, _ := newTestEnv(t)

	rec := doJSON(t, r, http.MethodPut, "/api/v1/spot/silver",
		map[string]string{"price_usd_per_oz": "48.20"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	sp, err := ms.GetSpotPrice(context.Background(), "silver")
	if err != nil {
		t.Fatalf("GetSpotPrice: %v", err)
	}
	if !sp.PriceUSDOz.Equal(d("48.20")) {
		t.Errorf("stored price = %s, want 48.20", sp.PriceUSDOz)
	}

	if rec := doJSON(t, r, http.MethodPut, "/api/v1/spot/silver",
		map[string]string{"price_usd_per_oz": "-1"}); rec.Code != http.StatusBadRequest {
		t.Errorf("negative price status = %d, want 400", rec.Code)
	}
}

func TestGetOrderEndpoints(t *testing.T) {
	ms, r, cat := newTestEnv(t)
	seedListing(t, ms, "listing-a", "seller-a", cat.ID, 10, "4200.00")

	rec := doJSON(t, r, http.MethodPost, "/api/v1/bids", map[string]any{
		"category_id":   cat.ID,
		"buyer_id":      "buyer-1",
		"quantity":      4,
		"pricing_mode":  "static",
		"ceiling_price": "4300.00",
	})
	var created marketplace.BidResponse
	json.Unmarshal(rec.Body.Bytes(), &created)
	if created.Order == nil {
		t.Fatal("expected a fill")
	}

	rec = doJSON(t, r, http.MethodGet, "/api/v1/orders/"+created.Order.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get order status = %d", rec.Code)
	}

	rec = doJSON(t, r, http.MethodGet, "/api/v1/buyers/buyer-1/orders", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list orders status = %d", rec.Code)
	}
	var orders []model.Order
	json.Unmarshal(rec.Body.Bytes(), &orders)
	if len(orders) != 1 || !orders[0].TotalPrice.Equal(d("17200.00")) {
		t.Errorf("orders = %+v, want one totaling 17200.00", orders)
	}
}

func TestResolveCategoryEndpoint(t *testing.T) {
	_, r, _ := newTestEnv(t)

	rec := doJSON(t, r, http.MethodPost, "/api/v1/categories", map[string]any{
		"metal":        "silver",
		"product_type": "coin",
		"weight":       "1 oz",
		"mint":         "Royal Canadian Mint",
		"year":         2023,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body.String())
	}
	var created model.Category
	json.Unmarshal(rec.Body.Bytes(), &created)

	rec = doJSON(t, r, http.MethodPost, "/api/v1/categories/resolve", map[string]any{
		"metal":        "silver",
		"product_type": "coin",
		"weight":       "1 oz",
		"mint":         "Royal Canadian Mint",
		"year":         2023,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resolved map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resolved)
	if resolved["category_id"] != created.ID {
		t.Errorf("resolved %s, want %s", resolved["category_id"], created.ID)
	}
}
