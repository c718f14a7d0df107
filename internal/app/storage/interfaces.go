package storage

import (
	"context"
	"time"

	"github.com/R3E-Network/shopfront/internal/app/domain/cart"
	"github.com/R3E-Network/shopfront/internal/app/domain/product"
	"github.com/R3E-Network/shopfront/internal/app/domain/session"
	"github.com/R3E-Network/shopfront/internal/app/domain/user"
)

// UserStore persists user accounts.
type UserStore interface {
	CreateUser(ctx context.Context, u user.User) (user.User, error)
	GetUser(ctx context.Context, id string) (user.User, error)
	GetUserByEmail(ctx context.Context, email string) (user.User, error)
}

// ProductStore persists the catalogue.
type ProductStore interface {
	CreateProduct(ctx context.Context, p product.Product) (product.Product, error)
	UpdateProduct(ctx context.Context, p product.Product) (product.Product, error)
	GetProduct(ctx context.Context, id string) (product.Product, error)
	ListProducts(ctx context.Context, q product.Query) ([]product.Product, int, error)
	SlugExists(ctx context.Context, slug string) (bool, error)
}

// SessionStore persists login sessions.
type SessionStore interface {
	// OpenSession atomically inserts s after revoking any active session of
	// the same user on the same device, then revokes the least recently
	// used sessions until at most maxActive remain. It returns the revoked
	// sessions.
	OpenSession(ctx context.Context, s session.Session, maxActive int) (session.Session, []session.Session, error)
	GetSession(ctx context.Context, id string) (session.Session, error)
	GetSessionByRefreshHash(ctx context.Context, hash string) (session.Session, error)
	GetSessionByPreviousRefreshHash(ctx context.Context, hash string) (session.Session, error)
	ListActiveSessions(ctx context.Context, userID string, now time.Time) ([]session.Session, error)
	// RotateRefreshHash swaps oldHash for newHash only if oldHash is still
	// current and the session is not revoked; otherwise ErrConflict.
	RotateRefreshHash(ctx context.Context, id, oldHash, newHash string, expiresAt, now time.Time) error
	TouchSession(ctx context.Context, id string, now time.Time) error
	RevokeSession(ctx context.Context, id, reason string, now time.Time) error
	RevokeUserSessions(ctx context.Context, userID, reason string, now time.Time) ([]session.Session, error)
	PurgeSessions(ctx context.Context, expiredBefore, revokedBefore time.Time) (int, error)
}

// CartStore persists carts. Mutations go through WithCartTx, which runs fn
// in a single transaction attempt; retrying is the caller's concern.
// Errors caused by lock contention are wrapped with ErrTransient.
type CartStore interface {
	GetCartByUser(ctx context.Context, userID string) (cart.Cart, error)
	CartItemOwner(ctx context.Context, itemID string) (string, error)
	WithCartTx(ctx context.Context, fn func(tx CartTx) error) error
}

// CartTx is the set of operations available inside a cart transaction.
type CartTx interface {
	// LockCart returns the user's cart row locked for update. With create
	// set, a missing cart is created; otherwise ErrNotFound is returned.
	LockCart(ctx context.Context, userID string, create bool) (cart.Cart, error)
	GetProduct(ctx context.Context, productID string) (product.Product, error)
	FindItem(ctx context.Context, cartID, productID string) (cart.Item, error)
	GetItem(ctx context.Context, itemID string) (cart.Item, error)
	// SaveItem inserts the item when ID is empty, updates it otherwise.
	SaveItem(ctx context.Context, item cart.Item) (cart.Item, error)
	DeleteItem(ctx context.Context, itemID string) error
	DeleteItems(ctx context.Context, cartID string) error
	// RecalculateTotals recomputes the cart aggregates from its items and
	// returns the cart with items loaded.
	RecalculateTotals(ctx context.Context, cartID string) (cart.Cart, error)
	DeleteCart(ctx context.Context, cartID string) error
}
