// Package marketplace provides the HTTP handlers that drive the matching
// engine: listing and bid management, manual accepts, cancels, and the
// spot-price upsert endpoint used by the external refresher.
package marketplace

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/bullionx/marketplace-engine/internal/catalog"
	"github.com/bullionx/marketplace-engine/internal/model"
	"github.com/bullionx/marketplace-engine/internal/order"
	"github.com/bullionx/marketplace-engine/internal/store"
)

// Service wires the HTTP surface to the order service and store.
type Service struct {
	store   store.Store
	catalog *catalog.Catalog
	orders  *order.Service
}

// NewService creates the marketplace HTTP service.
func NewService(st store.Store, cat *catalog.Catalog, orders *order.Service) *Service {
	return &Service{store: st, catalog: cat, orders: orders}
}

// Routes registers all marketplace endpoints on the router.
func (s *Service) Routes(r chi.Router) {
	r.Post("/categories", s.CreateCategory)
	r.Post("/categories/resolve", s.ResolveCategory)
	r.Get("/categories/{categoryID}/listings", s.ListingsByCategory)

	r.Post("/listings", s.CreateListing)
	r.Get("/listings/{listingID}", s.GetListing)
	r.Delete("/listings/{listingID}", s.CancelListing)

	r.Post("/bids", s.CreateBid)
	r.Get("/bids/{bidID}", s.GetBid)
	r.Put("/bids/{bidID}", s.UpdateBid)
	r.Post("/bids/{bidID}/cancel", s.CancelBid)

	r.Post("/accept", s.AcceptBids)

	r.Get("/orders/{orderID}", s.GetOrder)
	r.Get("/buyers/{buyerID}/orders", s.OrdersByBuyer)

	r.Put("/spot/{metal}", s.UpsertSpotPrice)
}

// --- Request/Response types ---

// CreateCategoryRequest is the JSON body for category registration.
type CreateCategoryRequest struct {
	model.Category
	BucketID string `json:"bucket_id"`
}

// CreateListingRequest is the JSON body for POST /listings.
type CreateListingRequest struct {
	CategoryID     string          `json:"category_id"`
	SellerID       string          `json:"seller_id"`
	Quantity       int64           `json:"quantity"`
	PricingMode    string          `json:"pricing_mode"`
	PricePerCoin   decimal.Decimal `json:"price_per_coin"`
	SpotPremium    decimal.Decimal `json:"spot_premium"`
	FloorPrice     decimal.Decimal `json:"floor_price"`
	PricingMetal   string          `json:"pricing_metal"`
	Graded         bool            `json:"graded"`
	GradingService string          `json:"grading_service"`
}

// BidRequest is the JSON body for POST /bids and PUT /bids/{bidID}.
type BidRequest struct {
	CategoryID      string          `json:"category_id"`
	BuyerID         string          `json:"buyer_id"`
	Quantity        int64           `json:"quantity"`
	PricingMode     string          `json:"pricing_mode"`
	SpotPremium     decimal.Decimal `json:"spot_premium"`
	CeilingPrice    decimal.Decimal `json:"ceiling_price"`
	PricingMetal    string          `json:"pricing_metal"`
	RequiresGrading bool            `json:"requires_grading"`
	PreferredGrader string          `json:"preferred_grader"`
	DeliveryAddress string          `json:"delivery_address"`
}

// BidResponse pairs the bid with the order its matching pass produced,
// if any.
type BidResponse struct {
	Bid   *model.Bid   `json:"bid"`
	Order *model.Order `json:"order,omitempty"`
}

// AcceptRequest is the JSON body for POST /accept: the manual flow where a
// seller fills bids from their own inventory.
type AcceptRequest struct {
	SellerID string `json:"seller_id"`
	Accepts  []struct {
		BidID    string `json:"bid_id"`
		Quantity int64  `json:"quantity"`
	} `json:"accepts"`
}

// SpotPriceRequest is the JSON body for PUT /spot/{metal}.
type SpotPriceRequest struct {
	PriceUSDOz decimal.Decimal `json:"price_usd_per_oz"`
}

// --- Category handlers ---

// CreateCategory handles POST /api/v1/categories.
func (s *Service) CreateCategory(w http.ResponseWriter, r *http.Request) {
	var req CreateCategoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	cat, err := s.catalog.Register(r.Context(), &req.Category, req.BucketID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	slog.Info("category created", "id", cat.ID, "bucket", cat.BucketID,
		"metal", cat.Metal, "weight", cat.Weight)
	writeJSON(w, http.StatusCreated, cat)
}

// ResolveCategory handles POST /api/v1/categories/resolve.
func (s *Service) ResolveCategory(w http.ResponseWriter, r *http.Request) {
	var spec model.Category
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	id, err := s.catalog.Resolve(r.Context(), &spec)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"category_id": id})
}

// ListingsByCategory handles GET /api/v1/categories/{categoryID}/listings.
func (s *Service) ListingsByCategory(w http.ResponseWriter, r *http.Request) {
	listings, err := s.store.ActiveListingsByCategory(r.Context(), chi.URLParam(r, "categoryID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if listings == nil {
		listings = []*model.Listing{}
	}
	writeJSON(w, http.StatusOK, listings)
}

// --- Listing handlers ---

// CreateListing handles POST /api/v1/listings.
func (s *Service) CreateListing(w http.ResponseWriter, r *http.Request) {
	var req CreateListingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.SellerID == "" {
		writeError(w, "seller_id is required", http.StatusBadRequest)
		return
	}

	l := &model.Listing{
		ID:             uuid.New().String(),
		CategoryID:     req.CategoryID,
		SellerID:       req.SellerID,
		Quantity:       req.Quantity,
		Active:         true,
		PricingMode:    req.PricingMode,
		PricePerCoin:   req.PricePerCoin,
		SpotPremium:    req.SpotPremium,
		FloorPrice:     req.FloorPrice,
		PricingMetal:   req.PricingMetal,
		Graded:         req.Graded,
		GradingService: req.GradingService,
		CreatedAt:      time.Now().UTC(),
	}
	if err := order.ValidateListing(l); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.store.CreateListing(r.Context(), l); err != nil {
		writeStoreError(w, err)
		return
	}

	slog.Info("listing created", "id", l.ID, "seller", l.SellerID,
		"category", l.CategoryID, "qty", l.Quantity, "mode", l.PricingMode)
	writeJSON(w, http.StatusCreated, l)
}

// GetListing handles GET /api/v1/listings/{listingID}.
func (s *Service) GetListing(w http.ResponseWriter, r *http.Request) {
	l, err := s.store.GetListing(r.Context(), chi.URLParam(r, "listingID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// CancelListing handles DELETE /api/v1/listings/{listingID}?seller_id=...
// The listing is deactivated with its quantity preserved; it never
// reactivates.
func (s *Service) CancelListing(w http.ResponseWriter, r *http.Request) {
	sellerID := r.URL.Query().Get("seller_id")
	if sellerID == "" {
		writeError(w, "seller_id is required", http.StatusBadRequest)
		return
	}
	if err := s.store.DeactivateListing(r.Context(), chi.URLParam(r, "listingID"), sellerID); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Bid handlers ---

func bidFromRequest(req *BidRequest) *model.Bid {
	return &model.Bid{
		CategoryID:        req.CategoryID,
		BuyerID:           req.BuyerID,
		QuantityRequested: req.Quantity,
		PricingMode:       req.PricingMode,
		SpotPremium:       req.SpotPremium,
		CeilingPrice:      req.CeilingPrice,
		PricingMetal:      req.PricingMetal,
		RequiresGrading:   req.RequiresGrading,
		PreferredGrader:   req.PreferredGrader,
		DeliveryAddress:   req.DeliveryAddress,
	}
}

// CreateBid handles POST /api/v1/bids. The new bid is matched immediately;
// the response carries the order if anything filled.
func (s *Service) CreateBid(w http.ResponseWriter, r *http.Request) {
	var req BidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.BuyerID == "" {
		writeError(w, "buyer_id is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	bid, err := s.orders.CreateBid(ctx, bidFromRequest(&req))
	if err != nil {
		writeStoreError(w, err)
		return
	}

	o, err := s.orders.AutoMatch(ctx, bid.ID)
	if err != nil {
		// The bid exists; matching can be retried on the next edit.
		slog.Error("auto-match failed after bid create", "bid", bid.ID, "err", err)
	}

	bid, err = s.store.GetBid(ctx, bid.ID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, BidResponse{Bid: bid, Order: o})
}

// GetBid handles GET /api/v1/bids/{bidID}.
func (s *Service) GetBid(w http.ResponseWriter, r *http.Request) {
	b, err := s.store.GetBid(r.Context(), chi.URLParam(r, "bidID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// UpdateBid handles PUT /api/v1/bids/{bidID}. Edits that could open new
// matches (price or quantity increase) trigger a fresh matching pass.
func (s *Service) UpdateBid(w http.ResponseWriter, r *http.Request) {
	var req BidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	bidID := chi.URLParam(r, "bidID")
	cur, err := s.store.GetBid(ctx, bidID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if req.BuyerID != "" && req.BuyerID != cur.BuyerID {
		writeError(w, "bid belongs to another buyer", http.StatusForbidden)
		return
	}

	b := bidFromRequest(&req)
	b.ID = bidID
	b.BuyerID = cur.BuyerID
	if err := s.orders.UpdateBid(ctx, b); err != nil {
		writeStoreError(w, err)
		return
	}

	o, err := s.orders.AutoMatch(ctx, bidID)
	if err != nil {
		slog.Error("auto-match failed after bid update", "bid", bidID, "err", err)
	}

	updated, err := s.store.GetBid(ctx, bidID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BidResponse{Bid: updated, Order: o})
}

// CancelBid handles POST /api/v1/bids/{bidID}/cancel.
func (s *Service) CancelBid(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BuyerID string `json:"buyer_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.BuyerID == "" {
		writeError(w, "buyer_id is required", http.StatusBadRequest)
		return
	}

	bidID := chi.URLParam(r, "bidID")
	if err := s.orders.CancelBid(r.Context(), bidID, req.BuyerID); err != nil {
		writeStoreError(w, err)
		return
	}
	slog.Info("bid cancelled", "bid", bidID, "buyer", req.BuyerID)
	w.WriteHeader(http.StatusNoContent)
}

// --- Manual accept ---

// AcceptBids handles POST /api/v1/accept.
func (s *Service) AcceptBids(w http.ResponseWriter, r *http.Request) {
	var req AcceptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	accepts := make([]order.Accept, len(req.Accepts))
	for i, a := range req.Accepts {
		accepts[i] = order.Accept{BidID: a.BidID, Quantity: a.Quantity}
	}

	res, err := s.orders.AcceptBid(r.Context(), req.SellerID, accepts)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	slog.Info("bids accepted", "seller", req.SellerID,
		"filled", res.TotalFilled, "orders", res.OrdersCreated)
	writeJSON(w, http.StatusOK, res)
}

// --- Order handlers ---

// GetOrder handles GET /api/v1/orders/{orderID}.
func (s *Service) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.store.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// OrdersByBuyer handles GET /api/v1/buyers/{buyerID}/orders.
func (s *Service) OrdersByBuyer(w http.ResponseWriter, r *http.Request) {
	orders, err := s.store.OrdersByBuyer(r.Context(), chi.URLParam(r, "buyerID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// --- Spot prices ---

// UpsertSpotPrice handles PUT /api/v1/spot/{metal}, the entry point for the
// external price refresher.
func (s *Service) UpsertSpotPrice(w http.ResponseWriter, r *http.Request) {
	var req SpotPriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.PriceUSDOz.LessThanOrEqual(decimal.Zero) {
		writeError(w, "price must be positive", http.StatusBadRequest)
		return
	}

	sp := &model.SpotPrice{
		Metal:      chi.URLParam(r, "metal"),
		PriceUSDOz: req.PriceUSDOz,
		UpdatedAt:  time.Now().UTC(),
	}
	if err := s.store.UpsertSpotPrice(r.Context(), sp); err != nil {
		writeStoreError(w, err)
		return
	}

	slog.Info("spot price updated", "metal", sp.Metal, "price", sp.PriceUSDOz.String())
	writeJSON(w, http.StatusOK, sp)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeStoreError maps the engine's error taxonomy to HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, order.ErrValidation), errors.Is(err, catalog.ErrInvalidSpec):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrNotCancellable), errors.Is(err, store.ErrConcurrencyConflict):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, store.ErrIntegrityViolation):
		writeError(w, err.Error(), http.StatusConflict)
	default:
		writeError(w, err.Error(), http.StatusInternalServerError)
	}
}
