package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/bullionx/marketplace-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// --- Categories ---

func (s *PostgresStore) CreateCategory(ctx context.Context, c *model.Category) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO categories
		   (id, bucket_id, metal, product_line, product_type, weight, purity,
		    mint, year, finish, grade, condition_category, series_variant)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		c.ID, c.BucketID, c.Metal, c.ProductLine, c.ProductType, c.Weight,
		c.Purity, c.Mint, c.Year, c.Finish, c.Grade, c.ConditionCategory,
		c.SeriesVariant,
	)
	return mapPgError(err)
}

const categoryColumns = `id, bucket_id, metal, product_line, product_type, weight, purity,
	mint, year, finish, grade, condition_category, series_variant`

func scanCategory(row pgx.Row) (*model.Category, error) {
	var c model.Category
	err := row.Scan(&c.ID, &c.BucketID, &c.Metal, &c.ProductLine, &c.ProductType,
		&c.Weight, &c.Purity, &c.Mint, &c.Year, &c.Finish, &c.Grade,
		&c.ConditionCategory, &c.SeriesVariant)
	if err != nil {
		return nil, mapPgError(err)
	}
	return &c, nil
}

func (s *PostgresStore) GetCategory(ctx context.Context, id string) (*model.Category, error) {
	c, err := scanCategory(s.pool.QueryRow(ctx,
		`SELECT `+categoryColumns+` FROM categories WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get category %s: %w", id, err)
	}
	return c, nil
}

func (s *PostgresStore) FindCategory(ctx context.Context, spec *model.Category) (*model.Category, error) {
	c, err := scanCategory(s.pool.QueryRow(ctx,
		`SELECT `+categoryColumns+`
		 FROM categories
		 WHERE metal = $1 AND product_line = $2 AND product_type = $3
		   AND weight = $4 AND purity = $5 AND mint = $6 AND year = $7
		   AND finish = $8 AND grade = $9 AND condition_category = $10
		   AND series_variant = $11`,
		spec.Metal, spec.ProductLine, spec.ProductType, spec.Weight,
		spec.Purity, spec.Mint, spec.Year, spec.Finish, spec.Grade,
		spec.ConditionCategory, spec.SeriesVariant))
	if err != nil {
		return nil, fmt.Errorf("find category: %w", err)
	}
	return c, nil
}

// --- Listings ---

const listingColumns = `id, category_id, seller_id, quantity, active, pricing_mode,
	price_per_coin::TEXT, spot_premium::TEXT, floor_price::TEXT,
	pricing_metal, graded, grading_service, created_at`

func (s *PostgresStore) CreateListing(ctx context.Context, l *model.Listing) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO listings
		   (id, category_id, seller_id, quantity, active, pricing_mode,
		    price_per_coin, spot_premium, floor_price, pricing_metal,
		    graded, grading_service, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6,
		         $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11, $12, $13)`,
		l.ID, l.CategoryID, l.SellerID, l.Quantity, l.Active, l.PricingMode,
		l.PricePerCoin.String(), l.SpotPremium.String(), l.FloorPrice.String(),
		l.PricingMetal, l.Graded, l.GradingService, l.CreatedAt,
	)
	return mapPgError(err)
}

func scanListing(row pgx.Row) (*model.Listing, error) {
	var l model.Listing
	var price, premium, floor string
	err := row.Scan(&l.ID, &l.CategoryID, &l.SellerID, &l.Quantity, &l.Active,
		&l.PricingMode, &price, &premium, &floor, &l.PricingMetal,
		&l.Graded, &l.GradingService, &l.CreatedAt)
	if err != nil {
		return nil, mapPgError(err)
	}
	l.PricePerCoin, _ = decimal.NewFromString(price)
	l.SpotPremium, _ = decimal.NewFromString(premium)
	l.FloorPrice, _ = decimal.NewFromString(floor)
	return &l, nil
}

func (s *PostgresStore) GetListing(ctx context.Context, id string) (*model.Listing, error) {
	l, err := scanListing(s.pool.QueryRow(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get listing %s: %w", id, err)
	}
	return l, nil
}

func (s *PostgresStore) listListings(ctx context.Context, query string, args ...any) ([]*model.Listing, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listings []*model.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, l)
	}
	return listings, rows.Err()
}

func (s *PostgresStore) ActiveListingsByCategory(ctx context.Context, categoryID string) ([]*model.Listing, error) {
	return s.listListings(ctx,
		`SELECT `+listingColumns+`
		 FROM listings
		 WHERE category_id = $1 AND active AND quantity > 0
		 ORDER BY id`, categoryID)
}

func (s *PostgresStore) ActiveListingsBySeller(ctx context.Context, sellerID, categoryID string) ([]*model.Listing, error) {
	return s.listListings(ctx,
		`SELECT `+listingColumns+`
		 FROM listings
		 WHERE seller_id = $1 AND category_id = $2 AND active AND quantity > 0
		 ORDER BY id`, sellerID, categoryID)
}

func (s *PostgresStore) DeactivateListing(ctx context.Context, id, sellerID string) error {
	ct, err := s.pool.Exec(ctx,
		`UPDATE listings SET active = FALSE
		 WHERE id = $1 AND seller_id = $2 AND active`, id, sellerID)
	if err != nil {
		return mapPgError(err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Bids ---

const bidColumns = `id, category_id, buyer_id, quantity_requested, remaining_quantity,
	quantity_fulfilled, active, status, pricing_mode, spot_premium::TEXT,
	ceiling_price::TEXT, pricing_metal, requires_grading, preferred_grader,
	delivery_address, created_at`

func (s *PostgresStore) CreateBid(ctx context.Context, b *model.Bid) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO bids
		   (id, category_id, buyer_id, quantity_requested, remaining_quantity,
		    quantity_fulfilled, active, status, pricing_mode, spot_premium,
		    ceiling_price, pricing_metal, requires_grading, preferred_grader,
		    delivery_address, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9,
		         $10::NUMERIC, $11::NUMERIC, $12, $13, $14, $15, $16)`,
		b.ID, b.CategoryID, b.BuyerID, b.QuantityRequested, b.RemainingQuantity,
		b.QuantityFulfilled, b.Active, b.Status, b.PricingMode,
		b.SpotPremium.String(), b.CeilingPrice.String(), b.PricingMetal,
		b.RequiresGrading, b.PreferredGrader, b.DeliveryAddress, b.CreatedAt,
	)
	return mapPgError(err)
}

func scanBid(row pgx.Row) (*model.Bid, error) {
	var b model.Bid
	var premium, ceiling string
	err := row.Scan(&b.ID, &b.CategoryID, &b.BuyerID, &b.QuantityRequested,
		&b.RemainingQuantity, &b.QuantityFulfilled, &b.Active, &b.Status,
		&b.PricingMode, &premium, &ceiling, &b.PricingMetal,
		&b.RequiresGrading, &b.PreferredGrader, &b.DeliveryAddress, &b.CreatedAt)
	if err != nil {
		return nil, mapPgError(err)
	}
	b.SpotPremium, _ = decimal.NewFromString(premium)
	b.CeilingPrice, _ = decimal.NewFromString(ceiling)
	return &b, nil
}

func (s *PostgresStore) GetBid(ctx context.Context, id string) (*model.Bid, error) {
	b, err := scanBid(s.pool.QueryRow(ctx,
		`SELECT `+bidColumns+` FROM bids WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get bid %s: %w", id, err)
	}
	return b, nil
}

func (s *PostgresStore) UpdateBidTerms(ctx context.Context, b *model.Bid) error {
	ct, err := s.pool.Exec(ctx,
		`UPDATE bids
		 SET quantity_requested = $2,
		     remaining_quantity = $2 - quantity_fulfilled,
		     pricing_mode = $3, spot_premium = $4::NUMERIC,
		     ceiling_price = $5::NUMERIC, pricing_metal = $6,
		     requires_grading = $7, preferred_grader = $8,
		     delivery_address = $9
		 WHERE id = $1 AND active AND quantity_requested - quantity_fulfilled >= 0
		   AND $2 >= quantity_fulfilled`,
		b.ID, b.QuantityRequested, b.PricingMode, b.SpotPremium.String(),
		b.CeilingPrice.String(), b.PricingMetal, b.RequiresGrading,
		b.PreferredGrader, b.DeliveryAddress,
	)
	if err != nil {
		return mapPgError(err)
	}
	if ct.RowsAffected() == 0 {
		return ErrIntegrityViolation
	}
	return nil
}

func (s *PostgresStore) CancelBid(ctx context.Context, bidID, buyerID string) error {
	ct, err := s.pool.Exec(ctx,
		`UPDATE bids SET status = $3, active = FALSE
		 WHERE id = $1 AND buyer_id = $2 AND active AND status = $4`,
		bidID, buyerID, model.BidCancelled, model.BidOpen)
	if err != nil {
		return mapPgError(err)
	}
	if ct.RowsAffected() == 0 {
		// Distinguish a missing bid from one in the wrong state.
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM bids WHERE id = $1 AND buyer_id = $2)`,
			bidID, buyerID).Scan(&exists); err != nil {
			return mapPgError(err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrNotCancellable
	}
	return nil
}

// --- Orders ---

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	var o model.Order
	var total string
	err := s.pool.QueryRow(ctx,
		`SELECT id, buyer_id, total_price::TEXT, shipping_address, status, created_at
		 FROM orders WHERE id = $1`, id).
		Scan(&o.ID, &o.BuyerID, &total, &o.ShippingAddress, &o.Status, &o.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, mapPgError(err))
	}
	o.TotalPrice, _ = decimal.NewFromString(total)

	items, err := s.orderItems(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	o.Items = items
	return &o, nil
}

func (s *PostgresStore) OrdersByBuyer(ctx context.Context, buyerID string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, buyer_id, total_price::TEXT, shipping_address, status, created_at
		 FROM orders WHERE buyer_id = $1 ORDER BY created_at DESC`, buyerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		var o model.Order
		var total string
		if err := rows.Scan(&o.ID, &o.BuyerID, &total, &o.ShippingAddress,
			&o.Status, &o.CreatedAt); err != nil {
			return nil, err
		}
		o.TotalPrice, _ = decimal.NewFromString(total)
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range orders {
		items, err := s.orderItems(ctx, orders[i].ID)
		if err != nil {
			return nil, err
		}
		orders[i].Items = items
	}
	return orders, nil
}

func (s *PostgresStore) orderItems(ctx context.Context, orderID string) ([]model.OrderItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT order_id, listing_id, quantity, price_each::TEXT
		 FROM order_items WHERE order_id = $1 ORDER BY listing_id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []model.OrderItem
	for rows.Next() {
		var it model.OrderItem
		var price string
		if err := rows.Scan(&it.OrderID, &it.ListingID, &it.Quantity, &price); err != nil {
			return nil, err
		}
		it.PriceEach, _ = decimal.NewFromString(price)
		items = append(items, it)
	}
	return items, rows.Err()
}

// --- Spot prices ---

func (s *PostgresStore) UpsertSpotPrice(ctx context.Context, sp *model.SpotPrice) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO spot_prices (metal, price_usd_per_oz, updated_at)
		 VALUES ($1, $2::NUMERIC, $3)
		 ON CONFLICT (metal) DO UPDATE
		   SET price_usd_per_oz = EXCLUDED.price_usd_per_oz,
		       updated_at = EXCLUDED.updated_at`,
		sp.Metal, sp.PriceUSDOz.String(), sp.UpdatedAt)
	return mapPgError(err)
}

func (s *PostgresStore) GetSpotPrice(ctx context.Context, metal string) (*model.SpotPrice, error) {
	var sp model.SpotPrice
	var price string
	err := s.pool.QueryRow(ctx,
		`SELECT metal, price_usd_per_oz::TEXT, updated_at
		 FROM spot_prices WHERE metal = $1`, metal).
		Scan(&sp.Metal, &price, &sp.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get spot price %s: %w", metal, mapPgError(err))
	}
	sp.PriceUSDOz, _ = decimal.NewFromString(price)
	return &sp, nil
}

// --- Fill commit ---

func (s *PostgresStore) CommitFills(ctx context.Context, fc FillCommit) (*model.Order, error) {
	if len(fc.Order.Items) == 0 {
		return nil, fmt.Errorf("%w: commit with no items", ErrIntegrityViolation)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if fc.Placeholder != nil {
		p := fc.Placeholder
		if _, err := tx.Exec(ctx,
			`INSERT INTO listings
			   (id, category_id, seller_id, quantity, active, pricing_mode,
			    price_per_coin, spot_premium, floor_price, pricing_metal,
			    graded, grading_service, created_at)
			 VALUES ($1, $2, $3, 0, FALSE, $4,
			         $5::NUMERIC, 0, 0, '', FALSE, '', $6)`,
			p.ID, p.CategoryID, p.SellerID, p.PricingMode,
			p.PricePerCoin.String(), p.CreatedAt); err != nil {
			return nil, mapPgError(err)
		}
	}

	var totalQty int64
	for _, it := range fc.Order.Items {
		totalQty += it.Quantity
		if it.Quantity <= 0 {
			return nil, fmt.Errorf("%w: non-positive item quantity", ErrIntegrityViolation)
		}
		if fc.Placeholder != nil && it.ListingID == fc.Placeholder.ID {
			continue
		}
		// Guarded decrement: a concurrent match that got here first makes
		// the WHERE clause miss and the whole attempt rolls back.
		ct, err := tx.Exec(ctx,
			`UPDATE listings
			 SET quantity = quantity - $2, active = (quantity - $2 > 0)
			 WHERE id = $1 AND active AND quantity >= $2`,
			it.ListingID, it.Quantity)
		if err != nil {
			return nil, mapPgError(err)
		}
		if ct.RowsAffected() == 0 {
			return nil, ErrConcurrencyConflict
		}
	}

	o := fc.Order
	if _, err := tx.Exec(ctx,
		`INSERT INTO orders (id, buyer_id, total_price, shipping_address, status, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6)`,
		o.ID, o.BuyerID, o.TotalPrice.String(), o.ShippingAddress,
		o.Status, o.CreatedAt); err != nil {
		return nil, mapPgError(err)
	}
	for _, it := range o.Items {
		if _, err := tx.Exec(ctx,
			`INSERT INTO order_items (order_id, listing_id, quantity, price_each)
			 VALUES ($1, $2, $3, $4::NUMERIC)`,
			o.ID, it.ListingID, it.Quantity, it.PriceEach.String()); err != nil {
			return nil, mapPgError(err)
		}
	}

	ct, err := tx.Exec(ctx,
		`UPDATE bids
		 SET quantity_fulfilled = quantity_fulfilled + $2,
		     remaining_quantity = remaining_quantity - $2,
		     status = CASE WHEN remaining_quantity - $2 = 0 THEN $3 ELSE $4 END,
		     active = (remaining_quantity - $2 > 0)
		 WHERE id = $1 AND active AND remaining_quantity >= $2`,
		fc.Bid.ID, totalQty, model.BidFilled, model.BidPartiallyFilled)
	if err != nil {
		return nil, mapPgError(err)
	}
	if ct.RowsAffected() == 0 {
		return nil, ErrConcurrencyConflict
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, mapPgError(err)
	}

	// Advance the in-memory bid to mirror the committed row.
	fc.Bid.QuantityFulfilled += totalQty
	fc.Bid.RemainingQuantity -= totalQty
	if fc.Bid.RemainingQuantity == 0 {
		fc.Bid.Status = model.BidFilled
		fc.Bid.Active = false
	} else {
		fc.Bid.Status = model.BidPartiallyFilled
	}
	return o, nil
}

// mapPgError folds driver errors into the store taxonomy.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23503", "23505", "23514": // fk, unique, check violations
			return fmt.Errorf("%w: %s", ErrIntegrityViolation, pgErr.Message)
		case "40001": // serialization failure
			return ErrConcurrencyConflict
		}
	}
	return err
}
