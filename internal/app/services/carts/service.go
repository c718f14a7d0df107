// Package carts implements cart mutations. Every mutation runs in a single
// store transaction holding the cart row lock, and is retried with
// exponential backoff when the store reports lock contention.
package carts

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/shopfront/internal/app/domain/cart"
	"github.com/R3E-Network/shopfront/internal/app/metrics"
	"github.com/R3E-Network/shopfront/internal/app/storage"
	svcerrors "github.com/R3E-Network/shopfront/internal/errors"
	"github.com/R3E-Network/shopfront/internal/logging"
)

// Operation names used in logs, metrics and idempotency fingerprints.
const (
	OpAddItem    = "add_item"
	OpUpdateItem = "update_item"
	OpRemoveItem = "remove_item"
	OpClearCart  = "clear_cart"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 50 * time.Millisecond
	defaultMaxQuantity = 99
)

// Notifier receives committed cart states.
type Notifier interface {
	CartUpdated(ctx context.Context, userID string, c cart.Cart)
}

// Service manages user carts.
type Service struct {
	store       storage.CartStore
	log         *logging.Logger
	notifier    Notifier
	maxAttempts int
	baseDelay   time.Duration
	maxQuantity int
}

// Option configures a Service.
type Option func(*Service)

// WithRetry sets the attempt budget and initial backoff for cart transactions.
func WithRetry(maxAttempts int, baseDelay time.Duration) Option {
	return func(s *Service) {
		if maxAttempts > 0 {
			s.maxAttempts = maxAttempts
		}
		if baseDelay > 0 {
			s.baseDelay = baseDelay
		}
	}
}

// WithMaxQuantity caps the quantity of a single cart line.
func WithMaxQuantity(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxQuantity = n
		}
	}
}

// WithNotifier publishes committed carts, typically to the realtime hub.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// New constructs a cart service.
func New(store storage.CartStore, log *logging.Logger, opts ...Option) *Service {
	if log == nil {
		log = logging.NewDefault("carts")
	}
	s := &Service{
		store:       store,
		log:         log,
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
		maxQuantity: defaultMaxQuantity,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the user's committed cart, or an empty view when none exists.
func (s *Service) Get(ctx context.Context, userID string) (cart.Cart, error) {
	if strings.TrimSpace(userID) == "" {
		return cart.Cart{}, svcerrors.Unauthorized("")
	}
	c, err := s.store.GetCartByUser(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return cart.Empty(userID), nil
	}
	if err != nil {
		return cart.Cart{}, svcerrors.Internal("Failed to load cart", err)
	}
	return c, nil
}

// AddItem adds qty units of a product, creating the cart and the line as
// needed. The price snapshot is refreshed from the catalogue.
func (s *Service) AddItem(ctx context.Context, userID, productID string, qty int) (cart.Cart, error) {
	if strings.TrimSpace(productID) == "" {
		return cart.Cart{}, svcerrors.Validation("product_id", "product_id is required")
	}
	if qty < 1 {
		return cart.Cart{}, svcerrors.Validation("quantity", "quantity must be at least 1")
	}
	if qty > s.maxQuantity {
		return cart.Cart{}, svcerrors.Validation("quantity", "quantity exceeds the per-line maximum").
			WithDetails("max", s.maxQuantity)
	}

	return s.mutate(ctx, OpAddItem, userID, func(tx storage.CartTx) (cart.Cart, error) {
		c, err := tx.LockCart(ctx, userID, true)
		if err != nil {
			return cart.Cart{}, err
		}
		p, err := tx.GetProduct(ctx, productID)
		if errors.Is(err, storage.ErrNotFound) {
			return cart.Cart{}, svcerrors.NotFound("Product", productID)
		}
		if err != nil {
			return cart.Cart{}, err
		}
		if !p.Active {
			return cart.Cart{}, svcerrors.NotFound("Product", productID)
		}

		item, err := tx.FindItem(ctx, c.ID, productID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			item = cart.Item{CartID: c.ID, ProductID: productID}
		case err != nil:
			return cart.Cart{}, err
		}

		item.Quantity += qty
		if item.Quantity > s.maxQuantity {
			return cart.Cart{}, svcerrors.Validation("quantity", "quantity exceeds the per-line maximum").
				WithDetails("max", s.maxQuantity)
		}
		if item.Quantity > p.Stock {
			return cart.Cart{}, svcerrors.InsufficientStock(productID, p.Stock)
		}
		if err := priceLine(c, &item, p.Price); err != nil {
			return cart.Cart{}, err
		}
		if _, err := tx.SaveItem(ctx, item); err != nil {
			return cart.Cart{}, err
		}
		return tx.RecalculateTotals(ctx, c.ID)
	})
}

// UpdateItem sets the quantity of a line the user owns. A quantity of zero
// removes the line.
func (s *Service) UpdateItem(ctx context.Context, userID, itemID string, qty int) (cart.Cart, error) {
	if qty < 0 {
		return cart.Cart{}, svcerrors.Validation("quantity", "quantity must not be negative")
	}
	if qty > s.maxQuantity {
		return cart.Cart{}, svcerrors.Validation("quantity", "quantity exceeds the per-line maximum").
			WithDetails("max", s.maxQuantity)
	}
	if qty == 0 {
		return s.RemoveItem(ctx, userID, itemID)
	}
	if err := s.checkOwner(ctx, userID, itemID); err != nil {
		return cart.Cart{}, err
	}

	return s.mutate(ctx, OpUpdateItem, userID, func(tx storage.CartTx) (cart.Cart, error) {
		c, item, err := s.lockOwnedItem(ctx, tx, userID, itemID)
		if err != nil {
			return cart.Cart{}, err
		}
		p, err := tx.GetProduct(ctx, item.ProductID)
		if errors.Is(err, storage.ErrNotFound) {
			return cart.Cart{}, svcerrors.NotFound("Product", item.ProductID)
		}
		if err != nil {
			return cart.Cart{}, err
		}
		if !p.Active {
			return cart.Cart{}, svcerrors.NotFound("Product", item.ProductID)
		}
		if qty > p.Stock {
			return cart.Cart{}, svcerrors.InsufficientStock(p.ID, p.Stock)
		}
		item.Quantity = qty
		if err := priceLine(c, &item, p.Price); err != nil {
			return cart.Cart{}, err
		}
		if _, err := tx.SaveItem(ctx, item); err != nil {
			return cart.Cart{}, err
		}
		return tx.RecalculateTotals(ctx, c.ID)
	})
}

// RemoveItem deletes a line the user owns. Removing the last line deletes
// the cart row and returns an empty view.
func (s *Service) RemoveItem(ctx context.Context, userID, itemID string) (cart.Cart, error) {
	if err := s.checkOwner(ctx, userID, itemID); err != nil {
		return cart.Cart{}, err
	}

	return s.mutate(ctx, OpRemoveItem, userID, func(tx storage.CartTx) (cart.Cart, error) {
		c, item, err := s.lockOwnedItem(ctx, tx, userID, itemID)
		if err != nil {
			return cart.Cart{}, err
		}
		if err := tx.DeleteItem(ctx, item.ID); err != nil {
			return cart.Cart{}, err
		}
		updated, err := tx.RecalculateTotals(ctx, c.ID)
		if err != nil {
			return cart.Cart{}, err
		}
		if len(updated.Items) == 0 {
			if err := tx.DeleteCart(ctx, c.ID); err != nil {
				return cart.Cart{}, err
			}
			return cart.Empty(userID), nil
		}
		return updated, nil
	})
}

// Clear removes every line and the cart row itself.
func (s *Service) Clear(ctx context.Context, userID string) (cart.Cart, error) {
	return s.mutate(ctx, OpClearCart, userID, func(tx storage.CartTx) (cart.Cart, error) {
		c, err := tx.LockCart(ctx, userID, false)
		if errors.Is(err, storage.ErrNotFound) {
			return cart.Empty(userID), nil
		}
		if err != nil {
			return cart.Cart{}, err
		}
		if err := tx.DeleteItems(ctx, c.ID); err != nil {
			return cart.Cart{}, err
		}
		if err := tx.DeleteCart(ctx, c.ID); err != nil {
			return cart.Cart{}, err
		}
		return cart.Empty(userID), nil
	})
}

// priceLine reprices item at price, rejecting the change when the line or
// the cart total would exceed cart.MaxAmount. c must carry the totals
// committed before this mutation.
func priceLine(c cart.Cart, item *cart.Item, price int64) error {
	line, ok := cart.LineTotal(price, item.Quantity)
	if !ok || c.TotalAmount-item.TotalPrice > cart.MaxAmount-line {
		return svcerrors.Validation("quantity", "cart total exceeds the allowed maximum").
			WithDetails("max_amount", cart.MaxAmount)
	}
	item.Reprice(price)
	return nil
}

// checkOwner resolves ownership outside the transaction so a foreign item
// is rejected without touching the caller's cart lock.
func (s *Service) checkOwner(ctx context.Context, userID, itemID string) error {
	if strings.TrimSpace(userID) == "" {
		return svcerrors.Unauthorized("")
	}
	if strings.TrimSpace(itemID) == "" {
		return svcerrors.Validation("item_id", "item_id is required")
	}
	owner, err := s.store.CartItemOwner(ctx, itemID)
	if errors.Is(err, storage.ErrNotFound) {
		return svcerrors.NotFound("Cart item", itemID)
	}
	if err != nil {
		return svcerrors.Internal("Failed to load cart item", err)
	}
	if owner != userID {
		s.log.WithContext(ctx).WithField("item_id", itemID).Warn("cart item belongs to another user")
		return svcerrors.Forbidden("Cart item belongs to another user")
	}
	return nil
}

// lockOwnedItem takes the cart lock and re-reads the item under it. The
// item may have been removed between the ownership check and the lock.
func (s *Service) lockOwnedItem(ctx context.Context, tx storage.CartTx, userID, itemID string) (cart.Cart, cart.Item, error) {
	c, err := tx.LockCart(ctx, userID, false)
	if errors.Is(err, storage.ErrNotFound) {
		return cart.Cart{}, cart.Item{}, svcerrors.NotFound("Cart item", itemID)
	}
	if err != nil {
		return cart.Cart{}, cart.Item{}, err
	}
	item, err := tx.GetItem(ctx, itemID)
	if errors.Is(err, storage.ErrNotFound) {
		return cart.Cart{}, cart.Item{}, svcerrors.NotFound("Cart item", itemID)
	}
	if err != nil {
		return cart.Cart{}, cart.Item{}, err
	}
	if item.CartID != c.ID {
		return cart.Cart{}, cart.Item{}, svcerrors.Forbidden("Cart item belongs to another user")
	}
	return c, item, nil
}

// mutate runs fn inside a cart transaction, retrying transient failures.
func (s *Service) mutate(ctx context.Context, op, userID string, fn func(tx storage.CartTx) (cart.Cart, error)) (cart.Cart, error) {
	if strings.TrimSpace(userID) == "" {
		return cart.Cart{}, svcerrors.Unauthorized("")
	}

	start := time.Now()
	attempts := 0
	var result cart.Cart

	operation := func() error {
		attempts++
		err := s.store.WithCartTx(ctx, func(tx storage.CartTx) error {
			c, err := fn(tx)
			if err != nil {
				return err
			}
			result = c
			return nil
		})
		if err == nil {
			return nil
		}
		if storage.IsTransient(err) {
			s.log.WithContext(ctx).WithFields(logrus.Fields{
				"operation": op,
				"attempt":   attempts,
			}).WithError(err).Debug("cart transaction contended, retrying")
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.baseDelay
	policy.MaxInterval = 8 * s.baseDelay
	policy.MaxElapsedTime = 0
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(s.maxAttempts-1)), ctx)

	err := backoff.Retry(operation, retry)
	if err != nil {
		outcome := "error"
		switch {
		case storage.IsTransient(err):
			outcome = "busy"
			s.log.WithContext(ctx).WithFields(logrus.Fields{
				"operation": op,
				"attempts":  attempts,
			}).Warn("cart transaction retry budget exhausted")
			err = svcerrors.CartBusy(attempts, err)
		case svcerrors.GetServiceError(err) != nil:
			outcome = "rejected"
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			outcome = "canceled"
		default:
			err = svcerrors.Internal("Cart update failed", err)
		}
		metrics.RecordCartMutation(op, outcome, attempts, time.Since(start))
		return cart.Cart{}, err
	}

	metrics.RecordCartMutation(op, "ok", attempts, time.Since(start))
	s.log.WithContext(ctx).WithFields(logrus.Fields{
		"operation":    op,
		"attempts":     attempts,
		"total_items":  result.TotalItems,
		"total_amount": result.TotalAmount,
	}).Info("cart updated")
	if s.notifier != nil {
		s.notifier.CartUpdated(ctx, userID, result)
	}
	return result, nil
}
