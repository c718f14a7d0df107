package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/shopfront/internal/app/domain/product"
)

const productColumns = `id, name, slug, description, price, stock, active, created_at, updated_at`

func (s *Store) CreateProduct(ctx context.Context, p product.Product) (product.Product, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, name, slug, description, price, stock, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, p.ID, p.Name, p.Slug, p.Description, p.Price, p.Stock, p.Active, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return product.Product{}, classify(err)
	}
	return p, nil
}

func (s *Store) UpdateProduct(ctx context.Context, p product.Product) (product.Product, error) {
	var out product.Product
	err := s.db.GetContext(ctx, &out, `
		UPDATE products
		SET name = $2, slug = $3, description = $4, price = $5, stock = $6, active = $7, updated_at = $8
		WHERE id = $1
		RETURNING `+productColumns,
		p.ID, p.Name, p.Slug, p.Description, p.Price, p.Stock, p.Active, time.Now().UTC())
	if err != nil {
		return product.Product{}, classify(err)
	}
	return out, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (product.Product, error) {
	var p product.Product
	if err := s.db.GetContext(ctx, &p, `SELECT `+productColumns+` FROM products WHERE id = $1`, id); err != nil {
		return product.Product{}, classify(err)
	}
	return p, nil
}

func (s *Store) ListProducts(ctx context.Context, q product.Query) ([]product.Product, int, error) {
	var (
		conds []string
		args  []interface{}
	)
	if q.ActiveOnly {
		conds = append(conds, "active = TRUE")
	}
	if search := strings.TrimSpace(q.Search); search != "" {
		args = append(args, "%"+escapeLike(strings.ToLower(search))+"%")
		conds = append(conds, fmt.Sprintf("LOWER(name) LIKE $%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM products`+where, args...); err != nil {
		return nil, 0, classify(err)
	}

	query := `SELECT ` + productColumns + ` FROM products` + where + ` ORDER BY created_at, id`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if q.Offset > 0 {
		args = append(args, q.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	items := []product.Product{}
	if err := s.db.SelectContext(ctx, &items, query, args...); err != nil {
		return nil, 0, classify(err)
	}
	return items, total, nil
}

func (s *Store) SlugExists(ctx context.Context, slug string) (bool, error) {
	var exists bool
	if err := s.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM products WHERE slug = $1)`, slug); err != nil {
		return false, classify(err)
	}
	return exists, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
