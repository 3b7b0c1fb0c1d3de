// Package catalog resolves category specifications to category IDs.
//
// The cache here is an explicitly scoped object owned by the Catalog, not
// module-level state: callers that need a fresh view call Invalidate, and
// tests get isolation by constructing their own Catalog.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/bullionx/marketplace-engine/internal/model"
	"github.com/bullionx/marketplace-engine/internal/money"
	"github.com/bullionx/marketplace-engine/internal/store"
)

// ErrInvalidSpec is returned when a category specification is incomplete
// or carries an unparseable weight.
var ErrInvalidSpec = errors.New("catalog: invalid category specification")

// Catalog resolves exact specification tuples to category rows, with a
// read-through cache in front of the store.
type Catalog struct {
	store store.Store

	mu    sync.RWMutex
	cache map[string]string // spec key → category ID
}

// New creates a catalog backed by the given store.
func New(st store.Store) *Catalog {
	return &Catalog{
		store: st,
		cache: make(map[string]string),
	}
}

// Resolve returns the category ID for an exact specification tuple.
func (c *Catalog) Resolve(ctx context.Context, spec *model.Category) (string, error) {
	if err := ValidateSpec(spec); err != nil {
		return "", err
	}

	key := specKey(spec)
	c.mu.RLock()
	id, hit := c.cache[key]
	c.mu.RUnlock()
	if hit {
		return id, nil
	}

	cat, err := c.store.FindCategory(ctx, spec)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.cache[key] = cat.ID
	c.mu.Unlock()
	return cat.ID, nil
}

// Register creates a new category. When bucketID is empty a fresh bucket is
// opened; passing an existing bucket ID groups this category with its
// finish/grade siblings.
func (c *Catalog) Register(ctx context.Context, spec *model.Category, bucketID string) (*model.Category, error) {
	if err := ValidateSpec(spec); err != nil {
		return nil, err
	}
	cat := *spec
	cat.ID = uuid.New().String()
	cat.BucketID = bucketID
	if cat.BucketID == "" {
		cat.BucketID = uuid.New().String()
	}
	if err := c.store.CreateCategory(ctx, &cat); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache[specKey(&cat)] = cat.ID
	c.mu.Unlock()
	return &cat, nil
}

// Invalidate drops every cached resolution.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	c.cache = make(map[string]string)
	c.mu.Unlock()
}

// ValidateSpec checks the fields matching depends on: metal, a parseable
// weight, and a product type.
func ValidateSpec(spec *model.Category) error {
	if strings.TrimSpace(spec.Metal) == "" {
		return fmt.Errorf("%w: metal is required", ErrInvalidSpec)
	}
	if strings.TrimSpace(spec.ProductType) == "" {
		return fmt.Errorf("%w: product type is required", ErrInvalidSpec)
	}
	if _, err := money.WeightFactor(spec.Weight); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	return nil
}

func specKey(spec *model.Category) string {
	return strings.Join([]string{
		spec.Metal, spec.ProductLine, spec.ProductType, spec.Weight,
		spec.Purity, spec.Mint, fmt.Sprint(spec.Year), spec.Finish,
		spec.Grade, spec.ConditionCategory, spec.SeriesVariant,
	}, "|")
}
