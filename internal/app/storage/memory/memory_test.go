package memory

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/R3E-Network/shopfront/internal/app/domain/cart"
	"github.com/R3E-Network/shopfront/internal/app/domain/product"
	"github.com/R3E-Network/shopfront/internal/app/domain/session"
	"github.com/R3E-Network/shopfront/internal/app/domain/user"
	"github.com/R3E-Network/shopfront/internal/app/storage"
)

func TestCartTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store := New()
	p, err := store.CreateProduct(ctx, product.Product{Name: "Tea", Slug: "tea", Price: 250, Stock: 10, Active: true})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}

	boom := errors.New("boom")
	err = store.WithCartTx(ctx, func(tx storage.CartTx) error {
		c, err := tx.LockCart(ctx, "u1", true)
		if err != nil {
			return err
		}
		item := cart.Item{CartID: c.ID, ProductID: p.ID, Quantity: 2}
		item.Reprice(p.Price)
		if _, err := tx.SaveItem(ctx, item); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := store.GetCartByUser(ctx, "u1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("aborted tx leaked a cart: %v", err)
	}
}

func TestCartTxInjectedFaultDiscardsWork(t *testing.T) {
	ctx := context.Background()
	store := New()
	store.InjectCartTxFaults(1, nil)

	create := func(tx storage.CartTx) error {
		_, err := tx.LockCart(ctx, "u1", true)
		return err
	}
	if err := store.WithCartTx(ctx, create); !storage.IsTransient(err) {
		t.Fatalf("expected transient fault, got %v", err)
	}
	if _, err := store.GetCartByUser(ctx, "u1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("faulted tx committed: %v", err)
	}
	if err := store.WithCartTx(ctx, create); err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	if store.CartTxAttempts() != 2 {
		t.Fatalf("attempts = %d", store.CartTxAttempts())
	}
}

func TestRecalculateTotalsAndDeleteCart(t *testing.T) {
	ctx := context.Background()
	store := New()

	var cartID string
	err := store.WithCartTx(ctx, func(tx storage.CartTx) error {
		c, err := tx.LockCart(ctx, "u1", true)
		if err != nil {
			return err
		}
		cartID = c.ID
		for i, qty := range []int{1, 3} {
			it := cart.Item{CartID: c.ID, ProductID: []string{"a", "b"}[i], Quantity: qty}
			it.Reprice(100)
			if _, err := tx.SaveItem(ctx, it); err != nil {
				return err
			}
		}
		_, err = tx.RecalculateTotals(ctx, c.ID)
		return err
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}

	c, err := store.GetCartByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("get cart: %v", err)
	}
	if c.TotalAmount != 400 || c.TotalItems != 4 || !c.Consistent() {
		t.Fatalf("unexpected totals: %+v", c)
	}

	if err := store.WithCartTx(ctx, func(tx storage.CartTx) error { return tx.DeleteCart(ctx, cartID) }); err != nil {
		t.Fatalf("delete cart: %v", err)
	}
	if _, err := store.GetCartByUser(ctx, "u1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("cart still present: %v", err)
	}
}

func TestOpenSessionKicksLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	store := New()
	base := time.Now().UTC()

	open := func(device string, at time.Time) session.Session {
		t.Helper()
		s, _, err := store.OpenSession(ctx, session.Session{
			UserID: "u1", DeviceID: device, CreatedAt: at, ExpiresAt: at.Add(time.Hour),
		}, 2)
		if err != nil {
			t.Fatalf("open %s: %v", device, err)
		}
		return s
	}

	first := open("phone", base)
	second := open("laptop", base.Add(time.Second))
	if err := store.TouchSession(ctx, first.ID, base.Add(2*time.Second)); err != nil {
		t.Fatalf("touch: %v", err)
	}

	_, revoked, err := store.OpenSession(ctx, session.Session{
		UserID: "u1", DeviceID: "tablet", CreatedAt: base.Add(3 * time.Second), ExpiresAt: base.Add(time.Hour),
	}, 2)
	if err != nil {
		t.Fatalf("open tablet: %v", err)
	}
	if len(revoked) != 1 || revoked[0].ID != second.ID || revoked[0].RevokeReason != session.ReasonKicked {
		t.Fatalf("expected laptop kicked, got %+v", revoked)
	}

	active, _ := store.ListActiveSessions(ctx, "u1", base.Add(4*time.Second))
	if len(active) != 2 {
		t.Fatalf("active = %d, want 2", len(active))
	}
}

func TestOpenSessionReplacesSameDevice(t *testing.T) {
	ctx := context.Background()
	store := New()
	now := time.Now().UTC()

	first, _, _ := store.OpenSession(ctx, session.Session{UserID: "u1", DeviceID: "phone", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}, 5)
	_, revoked, err := store.OpenSession(ctx, session.Session{UserID: "u1", DeviceID: "phone", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}, 5)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if len(revoked) != 1 || revoked[0].ID != first.ID || revoked[0].RevokeReason != session.ReasonReplaced {
		t.Fatalf("unexpected revoked: %+v", revoked)
	}
}

func TestRotateRefreshHashCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	store := New()
	now := time.Now().UTC()
	s, _, _ := store.OpenSession(ctx, session.Session{UserID: "u1", RefreshHash: "h1", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}, 5)

	if err := store.RotateRefreshHash(ctx, s.ID, "h1", "h2", now.Add(2*time.Hour), now); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if err := store.RotateRefreshHash(ctx, s.ID, "h1", "h3", now.Add(2*time.Hour), now); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("stale rotate should conflict, got %v", err)
	}
	got, err := store.GetSessionByPreviousRefreshHash(ctx, "h1")
	if err != nil || got.ID != s.ID {
		t.Fatalf("previous hash lookup: %v %+v", err, got)
	}
}

func TestListProductsSearchAndPaging(t *testing.T) {
	ctx := context.Background()
	store := New()
	for _, name := range []string{"Green Tea", "Black Tea", "Coffee", "Tea Pot"} {
		if _, err := store.CreateProduct(ctx, product.Product{Name: name, Slug: name, Price: 1, Active: true}); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}

	items, total, err := store.ListProducts(ctx, product.Query{Search: "tea", Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 3 || len(items) != 2 || items[0].Name != "Black Tea" {
		t.Fatalf("unexpected page: total=%d items=%+v", total, items)
	}
}

func TestListProductsClampsOffsets(t *testing.T) {
	ctx := context.Background()
	store := New()
	for _, name := range []string{"Green Tea", "Black Tea"} {
		if _, err := store.CreateProduct(ctx, product.Product{Name: name, Slug: name, Price: 1, Active: true}); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}

	items, total, err := store.ListProducts(ctx, product.Query{Limit: 20, Offset: -16})
	if err != nil || total != 2 || len(items) != 2 {
		t.Fatalf("negative offset: total=%d items=%d err=%v", total, len(items), err)
	}
	items, _, err = store.ListProducts(ctx, product.Query{Limit: math.MaxInt, Offset: 1})
	if err != nil || len(items) != 1 {
		t.Fatalf("huge limit: items=%d err=%v", len(items), err)
	}
	items, _, err = store.ListProducts(ctx, product.Query{Limit: 20, Offset: math.MaxInt})
	if err != nil || len(items) != 0 {
		t.Fatalf("huge offset: items=%d err=%v", len(items), err)
	}
}

func TestCreateUserRejectsDuplicateEmail(t *testing.T) {
	ctx := context.Background()
	store := New()
	if _, err := store.CreateUser(ctx, user.User{Email: "A@example.com"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.CreateUser(ctx, user.User{Email: "a@example.com "}); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}
