package products

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/R3E-Network/shopfront/internal/app/domain/product"
	"github.com/R3E-Network/shopfront/internal/app/storage"
	svcerrors "github.com/R3E-Network/shopfront/internal/errors"
	"github.com/R3E-Network/shopfront/internal/logging"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
	maxSlugTries = 50
)

// Input carries the writable product fields. Nil pointers leave a field
// unchanged on update.
type Input struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Price       *int64  `json:"price"`
	Stock       *int    `json:"stock"`
	Active      *bool   `json:"active"`
}

// ListParams are the public listing parameters.
type ListParams struct {
	Search     string
	Page       int
	Limit      int
	IncludeAll bool
}

// Service manages the product catalogue.
type Service struct {
	store storage.ProductStore
	log   *logging.Logger
}

// New constructs a product service.
func New(store storage.ProductStore, log *logging.Logger) *Service {
	if log == nil {
		log = logging.NewDefault("products")
	}
	return &Service{store: store, log: log}
}

// Create adds a product with a unique slug derived from its name.
func (s *Service) Create(ctx context.Context, in Input) (product.Product, error) {
	if in.Name == nil || strings.TrimSpace(*in.Name) == "" {
		return product.Product{}, svcerrors.Validation("name", "name is required")
	}
	if in.Price == nil {
		return product.Product{}, svcerrors.Validation("price", "price is required")
	}

	p := product.Product{Active: true}
	apply(&p, in)
	if err := validate(p); err != nil {
		return product.Product{}, err
	}

	var lastErr error
	for i := 0; i < 3; i++ {
		slug, err := s.uniqueSlug(ctx, p.Name)
		if err != nil {
			return product.Product{}, err
		}
		p.Slug = slug
		created, err := s.store.CreateProduct(ctx, p)
		if errors.Is(err, storage.ErrConflict) {
			// Lost a race for the slug.
			lastErr = err
			continue
		}
		if err != nil {
			return product.Product{}, svcerrors.Internal("Failed to create product", err)
		}
		s.log.WithContext(ctx).WithField("product_id", created.ID).Infof("product %s created", created.Slug)
		return created, nil
	}
	return product.Product{}, svcerrors.Conflict("Could not allocate a unique slug").WithDetails("cause", lastErr.Error())
}

// Update applies a partial update. Renaming regenerates the slug.
func (s *Service) Update(ctx context.Context, id string, in Input) (product.Product, error) {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return product.Product{}, err
	}

	renamed := in.Name != nil && strings.TrimSpace(*in.Name) != existing.Name
	apply(&existing, in)
	if err := validate(existing); err != nil {
		return product.Product{}, err
	}
	if renamed {
		slug, err := s.uniqueSlug(ctx, existing.Name)
		if err != nil {
			return product.Product{}, err
		}
		existing.Slug = slug
	}

	updated, err := s.store.UpdateProduct(ctx, existing)
	if errors.Is(err, storage.ErrNotFound) {
		return product.Product{}, svcerrors.NotFound("Product", id)
	}
	if errors.Is(err, storage.ErrConflict) {
		return product.Product{}, svcerrors.Conflict("Product slug already in use")
	}
	if err != nil {
		return product.Product{}, svcerrors.Internal("Failed to update product", err)
	}
	s.log.WithContext(ctx).WithField("product_id", id).Info("product updated")
	return updated, nil
}

// Get returns a product by id.
func (s *Service) Get(ctx context.Context, id string) (product.Product, error) {
	p, err := s.store.GetProduct(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return product.Product{}, svcerrors.NotFound("Product", id)
	}
	if err != nil {
		return product.Product{}, svcerrors.Internal("Failed to load product", err)
	}
	return p, nil
}

// List returns one page of products. Inactive products are hidden unless
// IncludeAll is set.
func (s *Service) List(ctx context.Context, params ListParams) (product.Page, error) {
	page := params.Page
	if page < 1 {
		page = 1
	}
	limit := params.Limit
	switch {
	case limit <= 0:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}
	if page > maxPage(limit) {
		return product.Page{}, svcerrors.Validation("page", "page is out of range").
			WithDetails("max", maxPage(limit))
	}

	items, total, err := s.store.ListProducts(ctx, product.Query{
		Search:     strings.TrimSpace(params.Search),
		ActiveOnly: !params.IncludeAll,
		Limit:      limit,
		Offset:     (page - 1) * limit,
	})
	if err != nil {
		return product.Page{}, svcerrors.Internal("Failed to list products", err)
	}
	if items == nil {
		items = []product.Product{}
	}
	return product.Page{Items: items, Total: total, Page: page, Limit: limit}, nil
}

func (s *Service) uniqueSlug(ctx context.Context, name string) (string, error) {
	base := Slugify(name)
	candidate := base
	for i := 2; i <= maxSlugTries+1; i++ {
		taken, err := s.store.SlugExists(ctx, candidate)
		if err != nil {
			return "", svcerrors.Internal("Failed to check slug", err)
		}
		if !taken {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s-%d", base, i)
	}
	return "", svcerrors.Conflict("Too many products share this name")
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases name and joins its alphanumeric runs with dashes.
func Slugify(name string) string {
	slug := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(name), "-"), "-")
	if slug == "" {
		return "product"
	}
	return slug
}

func apply(p *product.Product, in Input) {
	if in.Name != nil {
		p.Name = strings.TrimSpace(*in.Name)
	}
	if in.Description != nil {
		p.Description = strings.TrimSpace(*in.Description)
	}
	if in.Price != nil {
		p.Price = *in.Price
	}
	if in.Stock != nil {
		p.Stock = *in.Stock
	}
	if in.Active != nil {
		p.Active = *in.Active
	}
}

// maxPage is the largest page whose offset fits the INTEGER-sized offsets
// used by the stores.
func maxPage(limit int) int {
	return math.MaxInt32/limit + 1
}

func validate(p product.Product) error {
	if p.Name == "" {
		return svcerrors.Validation("name", "name is required")
	}
	if len(p.Name) > 200 {
		return svcerrors.Validation("name", "name must be at most 200 characters")
	}
	if p.Price <= 0 {
		return svcerrors.Validation("price", "price must be greater than zero")
	}
	if p.Price > product.MaxPrice {
		return svcerrors.Validation("price", "price exceeds the allowed maximum").
			WithDetails("max", product.MaxPrice)
	}
	if p.Stock < 0 {
		return svcerrors.Validation("stock", "stock must not be negative")
	}
	if p.Stock > product.MaxStock {
		return svcerrors.Validation("stock", "stock exceeds the allowed maximum").
			WithDetails("max", product.MaxStock)
	}
	return nil
}
