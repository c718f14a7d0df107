package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/R3E-Network/shopfront/internal/app/domain/cart"
	"github.com/R3E-Network/shopfront/internal/app/domain/product"
	"github.com/R3E-Network/shopfront/internal/app/storage"
)

const (
	cartColumns     = `id, user_id, total_amount, total_items, created_at, updated_at`
	cartItemColumns = `id, cart_id, product_id, quantity, price, total_price, created_at, updated_at`
)

// querier is satisfied by both *sqlx.DB and *sqlx.Tx.
type querier interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

func (s *Store) GetCartByUser(ctx context.Context, userID string) (cart.Cart, error) {
	var c cart.Cart
	if err := s.db.GetContext(ctx, &c, `SELECT `+cartColumns+` FROM carts WHERE user_id = $1`, userID); err != nil {
		return cart.Cart{}, classify(err)
	}
	items, err := loadItems(ctx, s.db, c.ID)
	if err != nil {
		return cart.Cart{}, err
	}
	c.Items = items
	return c, nil
}

func (s *Store) CartItemOwner(ctx context.Context, itemID string) (string, error) {
	var owner string
	err := s.db.GetContext(ctx, &owner, `
		SELECT c.user_id FROM cart_items i JOIN carts c ON c.id = i.cart_id WHERE i.id = $1
	`, itemID)
	if err != nil {
		return "", classify(err)
	}
	return owner, nil
}

// WithCartTx runs fn in one transaction. Row locks are bounded by the
// configured lock timeout so contention surfaces as ErrTransient.
func (s *Store) WithCartTx(ctx context.Context, fn func(tx storage.CartTx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return classify(err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = classify(tx.Commit())
	}()

	if s.lockTimeout > 0 {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
			return classify(err)
		}
	}
	return fn(&cartTx{tx: tx})
}

type cartTx struct {
	tx *sqlx.Tx
}

func (c *cartTx) LockCart(ctx context.Context, userID string, create bool) (cart.Cart, error) {
	var out cart.Cart
	err := c.tx.GetContext(ctx, &out, `SELECT `+cartColumns+` FROM carts WHERE user_id = $1 FOR UPDATE`, userID)
	if err == nil {
		return out, nil
	}
	if !errors.Is(err, sql.ErrNoRows) || !create {
		return cart.Cart{}, classify(err)
	}

	now := time.Now().UTC()
	if _, err := c.tx.ExecContext(ctx, `
		INSERT INTO carts (id, user_id, total_amount, total_items, created_at, updated_at)
		VALUES ($1, $2, 0, 0, $3, $3)
		ON CONFLICT (user_id) DO NOTHING
	`, uuid.NewString(), userID, now); err != nil {
		return cart.Cart{}, classify(err)
	}
	// A concurrent creator may have won the insert; either way the row now exists.
	if err := c.tx.GetContext(ctx, &out, `SELECT `+cartColumns+` FROM carts WHERE user_id = $1 FOR UPDATE`, userID); err != nil {
		return cart.Cart{}, classify(err)
	}
	return out, nil
}

func (c *cartTx) GetProduct(ctx context.Context, productID string) (product.Product, error) {
	var p product.Product
	if err := c.tx.GetContext(ctx, &p, `SELECT `+productColumns+` FROM products WHERE id = $1 FOR SHARE`, productID); err != nil {
		return product.Product{}, classify(err)
	}
	return p, nil
}

func (c *cartTx) FindItem(ctx context.Context, cartID, productID string) (cart.Item, error) {
	var it cart.Item
	err := c.tx.GetContext(ctx, &it, `
		SELECT `+cartItemColumns+` FROM cart_items WHERE cart_id = $1 AND product_id = $2
	`, cartID, productID)
	if err != nil {
		return cart.Item{}, classify(err)
	}
	return it, nil
}

func (c *cartTx) GetItem(ctx context.Context, itemID string) (cart.Item, error) {
	var it cart.Item
	if err := c.tx.GetContext(ctx, &it, `SELECT `+cartItemColumns+` FROM cart_items WHERE id = $1`, itemID); err != nil {
		return cart.Item{}, classify(err)
	}
	return it, nil
}

func (c *cartTx) SaveItem(ctx context.Context, it cart.Item) (cart.Item, error) {
	now := time.Now().UTC()
	it.UpdatedAt = now
	if it.ID == "" {
		it.ID = uuid.NewString()
		it.CreatedAt = now
		_, err := c.tx.ExecContext(ctx, `
			INSERT INTO cart_items (id, cart_id, product_id, quantity, price, total_price, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, it.ID, it.CartID, it.ProductID, it.Quantity, it.Price, it.TotalPrice, it.CreatedAt, it.UpdatedAt)
		if err != nil {
			return cart.Item{}, classify(err)
		}
		return it, nil
	}

	res, err := c.tx.ExecContext(ctx, `
		UPDATE cart_items SET quantity = $2, price = $3, total_price = $4, updated_at = $5 WHERE id = $1
	`, it.ID, it.Quantity, it.Price, it.TotalPrice, it.UpdatedAt)
	if err != nil {
		return cart.Item{}, classify(err)
	}
	if err := requireAffected(res, fmt.Errorf("cart item %s: %w", it.ID, storage.ErrNotFound)); err != nil {
		return cart.Item{}, err
	}
	return it, nil
}

func (c *cartTx) DeleteItem(ctx context.Context, itemID string) error {
	res, err := c.tx.ExecContext(ctx, `DELETE FROM cart_items WHERE id = $1`, itemID)
	if err != nil {
		return classify(err)
	}
	return requireAffected(res, fmt.Errorf("cart item %s: %w", itemID, storage.ErrNotFound))
}

func (c *cartTx) DeleteItems(ctx context.Context, cartID string) error {
	if _, err := c.tx.ExecContext(ctx, `DELETE FROM cart_items WHERE cart_id = $1`, cartID); err != nil {
		return classify(err)
	}
	return nil
}

func (c *cartTx) RecalculateTotals(ctx context.Context, cartID string) (cart.Cart, error) {
	var out cart.Cart
	err := c.tx.GetContext(ctx, &out, `
		UPDATE carts SET
			total_amount = COALESCE((SELECT SUM(total_price) FROM cart_items WHERE cart_id = $1), 0),
			total_items  = COALESCE((SELECT SUM(quantity) FROM cart_items WHERE cart_id = $1), 0),
			updated_at   = $2
		WHERE id = $1
		RETURNING `+cartColumns,
		cartID, time.Now().UTC())
	if err != nil {
		return cart.Cart{}, classify(err)
	}
	items, err := loadItems(ctx, c.tx, cartID)
	if err != nil {
		return cart.Cart{}, err
	}
	out.Items = items
	return out, nil
}

func (c *cartTx) DeleteCart(ctx context.Context, cartID string) error {
	res, err := c.tx.ExecContext(ctx, `DELETE FROM carts WHERE id = $1`, cartID)
	if err != nil {
		return classify(err)
	}
	return requireAffected(res, fmt.Errorf("cart %s: %w", cartID, storage.ErrNotFound))
}

func loadItems(ctx context.Context, q querier, cartID string) ([]cart.Item, error) {
	items := []cart.Item{}
	err := q.SelectContext(ctx, &items, `
		SELECT `+cartItemColumns+` FROM cart_items WHERE cart_id = $1 ORDER BY created_at, id
	`, cartID)
	if err != nil {
		return nil, classify(err)
	}
	return items, nil
}
