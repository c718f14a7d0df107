package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/R3E-Network/shopfront/internal/app/domain/cart"
	"github.com/R3E-Network/shopfront/internal/app/domain/product"
	"github.com/R3E-Network/shopfront/internal/app/domain/session"
	"github.com/R3E-Network/shopfront/internal/app/domain/user"
	"github.com/R3E-Network/shopfront/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local development.
// Cart transactions are serialised on the store lock and staged on a copy of
// the cart tables, so an aborted transaction leaves no trace.
type Store struct {
	mu           sync.RWMutex
	nextID       int64
	users        map[string]user.User
	usersByEmail map[string]string
	products     map[string]product.Product
	productOrder []string
	sessions     map[string]session.Session
	carts        cartTables

	faultsLeft int
	faultErr   error
	txAttempts int
}

type cartTables struct {
	carts  map[string]cart.Cart
	byUser map[string]string
	items  map[string]cart.Item
}

var _ storage.UserStore = (*Store)(nil)
var _ storage.ProductStore = (*Store)(nil)
var _ storage.SessionStore = (*Store)(nil)
var _ storage.CartStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:       1,
		users:        make(map[string]user.User),
		usersByEmail: make(map[string]string),
		products:     make(map[string]product.Product),
		sessions:     make(map[string]session.Session),
		carts: cartTables{
			carts:  make(map[string]cart.Cart),
			byUser: make(map[string]string),
			items:  make(map[string]cart.Item),
		},
	}
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

// InjectCartTxFaults makes the next n cart transactions fail at commit time
// with err, after fn has run. A nil err defaults to a transient lock timeout.
func (s *Store) InjectCartTxFaults(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		err = fmt.Errorf("%w: simulated lock timeout", storage.ErrTransient)
	}
	s.faultsLeft = n
	s.faultErr = err
}

// CartTxAttempts returns how many cart transactions have been started.
func (s *Store) CartTxAttempts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.txAttempts
}

// UserStore implementation ----------------------------------------------------

func (s *Store) CreateUser(_ context.Context, u user.User) (user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := strings.ToLower(strings.TrimSpace(u.Email))
	if _, exists := s.usersByEmail[email]; exists {
		return user.User{}, fmt.Errorf("%w: email %s already registered", storage.ErrConflict, email)
	}
	if u.ID == "" {
		u.ID = s.nextIDLocked()
	}
	now := time.Now().UTC()
	u.Email = email
	u.CreatedAt = now
	u.UpdatedAt = now

	s.users[u.ID] = u
	s.usersByEmail[email] = u.ID
	return u, nil
}

func (s *Store) GetUser(_ context.Context, id string) (user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return user.User{}, fmt.Errorf("user %s: %w", id, storage.ErrNotFound)
	}
	return u, nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.usersByEmail[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return user.User{}, fmt.Errorf("user %s: %w", email, storage.ErrNotFound)
	}
	return s.users[id], nil
}

// ProductStore implementation -------------------------------------------------

func (s *Store) CreateProduct(_ context.Context, p product.Product) (product.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.products {
		if existing.Slug == p.Slug {
			return product.Product{}, fmt.Errorf("%w: slug %s taken", storage.ErrConflict, p.Slug)
		}
	}
	if p.ID == "" {
		p.ID = s.nextIDLocked()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	s.products[p.ID] = p
	s.productOrder = append(s.productOrder, p.ID)
	return p, nil
}

func (s *Store) UpdateProduct(_ context.Context, p product.Product) (product.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.products[p.ID]
	if !ok {
		return product.Product{}, fmt.Errorf("product %s: %w", p.ID, storage.ErrNotFound)
	}
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = time.Now().UTC()
	s.products[p.ID] = p
	return p, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (product.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return product.Product{}, fmt.Errorf("product %s: %w", id, storage.ErrNotFound)
	}
	return p, nil
}

func (s *Store) ListProducts(_ context.Context, q product.Query) ([]product.Product, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := strings.ToLower(strings.TrimSpace(q.Search))
	var matched []product.Product
	for _, id := range s.productOrder {
		p := s.products[id]
		if q.ActiveOnly && !p.Active {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(p.Name), needle) {
			continue
		}
		matched = append(matched, p)
	}

	total := len(matched)
	start := q.Offset
	if start < 0 {
		start = 0
	}
	if start > total {
		start = total
	}
	end := total
	if q.Limit > 0 && q.Limit < end-start {
		end = start + q.Limit
	}
	out := make([]product.Product, end-start)
	copy(out, matched[start:end])
	return out, total, nil
}

func (s *Store) SlugExists(_ context.Context, slug string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.products {
		if p.Slug == slug {
			return true, nil
		}
	}
	return false, nil
}

// SessionStore implementation -------------------------------------------------

func (s *Store) OpenSession(_ context.Context, sess session.Session, maxActive int) (session.Session, []session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := sess.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if sess.ID == "" {
		sess.ID = s.nextIDLocked()
	}
	sess.CreatedAt = now
	if sess.LastSeenAt.IsZero() {
		sess.LastSeenAt = now
	}

	var revoked []session.Session
	var active []session.Session
	for _, existing := range s.sessions {
		if existing.UserID != sess.UserID || !existing.Active(now) {
			continue
		}
		if sess.DeviceID != "" && existing.DeviceID == sess.DeviceID {
			revoked = append(revoked, s.revokeLocked(existing.ID, session.ReasonReplaced, now))
			continue
		}
		active = append(active, existing)
	}

	sortByLastSeen(active)
	for len(active) >= maxActive && len(active) > 0 {
		revoked = append(revoked, s.revokeLocked(active[0].ID, session.ReasonKicked, now))
		active = active[1:]
	}

	s.sessions[sess.ID] = sess
	return sess, revoked, nil
}

func (s *Store) revokeLocked(id, reason string, now time.Time) session.Session {
	sess := s.sessions[id]
	at := now
	sess.RevokedAt = &at
	sess.RevokeReason = reason
	s.sessions[id] = sess
	return sess
}

func (s *Store) GetSession(_ context.Context, id string) (session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return session.Session{}, fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
	}
	return sess, nil
}

func (s *Store) GetSessionByRefreshHash(_ context.Context, hash string) (session.Session, error) {
	return s.findSession(func(sess session.Session) bool { return sess.RefreshHash == hash })
}

func (s *Store) GetSessionByPreviousRefreshHash(_ context.Context, hash string) (session.Session, error) {
	return s.findSession(func(sess session.Session) bool { return sess.PreviousRefreshHash == hash })
}

func (s *Store) findSession(match func(session.Session) bool) (session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sess := range s.sessions {
		if match(sess) {
			return sess, nil
		}
	}
	return session.Session{}, storage.ErrNotFound
}

func (s *Store) ListActiveSessions(_ context.Context, userID string, now time.Time) ([]session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []session.Session
	for _, sess := range s.sessions {
		if sess.UserID == userID && sess.Active(now) {
			out = append(out, sess)
		}
	}
	sortByLastSeen(out)
	return out, nil
}

func (s *Store) RotateRefreshHash(_ context.Context, id, oldHash, newHash string, expiresAt, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
	}
	if sess.RevokedAt != nil || sess.RefreshHash != oldHash {
		return fmt.Errorf("session %s: %w", id, storage.ErrConflict)
	}
	sess.PreviousRefreshHash = oldHash
	sess.RefreshHash = newHash
	sess.ExpiresAt = expiresAt
	sess.LastSeenAt = now
	s.sessions[id] = sess
	return nil
}

func (s *Store) TouchSession(_ context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
	}
	sess.LastSeenAt = now
	s.sessions[id] = sess
	return nil
}

func (s *Store) RevokeSession(_ context.Context, id, reason string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, storage.ErrNotFound)
	}
	if sess.RevokedAt != nil {
		return nil
	}
	s.revokeLocked(id, reason, now)
	return nil
}

func (s *Store) RevokeUserSessions(_ context.Context, userID, reason string, now time.Time) ([]session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var revoked []session.Session
	for id, sess := range s.sessions {
		if sess.UserID == userID && sess.RevokedAt == nil {
			revoked = append(revoked, s.revokeLocked(id, reason, now))
		}
	}
	return revoked, nil
}

func (s *Store) PurgeSessions(_ context.Context, expiredBefore, revokedBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for id, sess := range s.sessions {
		if sess.ExpiresAt.Before(expiredBefore) || (sess.RevokedAt != nil && sess.RevokedAt.Before(revokedBefore)) {
			delete(s.sessions, id)
			purged++
		}
	}
	return purged, nil
}

// CartStore implementation ----------------------------------------------------

func (s *Store) GetCartByUser(_ context.Context, userID string) (cart.Cart, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cartID, ok := s.carts.byUser[userID]
	if !ok {
		return cart.Cart{}, fmt.Errorf("cart for user %s: %w", userID, storage.ErrNotFound)
	}
	return s.carts.withItems(cartID), nil
}

func (s *Store) CartItemOwner(_ context.Context, itemID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	it, ok := s.carts.items[itemID]
	if !ok {
		return "", fmt.Errorf("cart item %s: %w", itemID, storage.ErrNotFound)
	}
	return s.carts.carts[it.CartID].UserID, nil
}

func (s *Store) WithCartTx(ctx context.Context, fn func(tx storage.CartTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.txAttempts++
	tx := &cartTx{store: s, stage: s.carts.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	if s.faultsLeft > 0 {
		s.faultsLeft--
		return s.faultErr
	}
	s.carts = tx.stage
	return nil
}

type cartTx struct {
	store *Store
	stage cartTables
}

func (tx *cartTx) LockCart(_ context.Context, userID string, create bool) (cart.Cart, error) {
	if id, ok := tx.stage.byUser[userID]; ok {
		return tx.stage.carts[id], nil
	}
	if !create {
		return cart.Cart{}, fmt.Errorf("cart for user %s: %w", userID, storage.ErrNotFound)
	}
	now := time.Now().UTC()
	c := cart.Cart{ID: tx.store.nextIDLocked(), UserID: userID, CreatedAt: now, UpdatedAt: now}
	tx.stage.carts[c.ID] = c
	tx.stage.byUser[userID] = c.ID
	return c, nil
}

func (tx *cartTx) GetProduct(_ context.Context, productID string) (product.Product, error) {
	p, ok := tx.store.products[productID]
	if !ok {
		return product.Product{}, fmt.Errorf("product %s: %w", productID, storage.ErrNotFound)
	}
	return p, nil
}

func (tx *cartTx) FindItem(_ context.Context, cartID, productID string) (cart.Item, error) {
	for _, it := range tx.stage.items {
		if it.CartID == cartID && it.ProductID == productID {
			return it, nil
		}
	}
	return cart.Item{}, storage.ErrNotFound
}

func (tx *cartTx) GetItem(_ context.Context, itemID string) (cart.Item, error) {
	it, ok := tx.stage.items[itemID]
	if !ok {
		return cart.Item{}, fmt.Errorf("cart item %s: %w", itemID, storage.ErrNotFound)
	}
	return it, nil
}

func (tx *cartTx) SaveItem(_ context.Context, it cart.Item) (cart.Item, error) {
	now := time.Now().UTC()
	if it.ID == "" {
		for _, existing := range tx.stage.items {
			if existing.CartID == it.CartID && existing.ProductID == it.ProductID {
				return cart.Item{}, fmt.Errorf("%w: duplicate line for product %s", storage.ErrConflict, it.ProductID)
			}
		}
		it.ID = tx.store.nextIDLocked()
		it.CreatedAt = now
	} else if _, ok := tx.stage.items[it.ID]; !ok {
		return cart.Item{}, fmt.Errorf("cart item %s: %w", it.ID, storage.ErrNotFound)
	}
	it.UpdatedAt = now
	tx.stage.items[it.ID] = it
	return it, nil
}

func (tx *cartTx) DeleteItem(_ context.Context, itemID string) error {
	if _, ok := tx.stage.items[itemID]; !ok {
		return fmt.Errorf("cart item %s: %w", itemID, storage.ErrNotFound)
	}
	delete(tx.stage.items, itemID)
	return nil
}

func (tx *cartTx) DeleteItems(_ context.Context, cartID string) error {
	for id, it := range tx.stage.items {
		if it.CartID == cartID {
			delete(tx.stage.items, id)
		}
	}
	return nil
}

func (tx *cartTx) RecalculateTotals(_ context.Context, cartID string) (cart.Cart, error) {
	c, ok := tx.stage.carts[cartID]
	if !ok {
		return cart.Cart{}, fmt.Errorf("cart %s: %w", cartID, storage.ErrNotFound)
	}
	c = tx.stage.withItems(cartID)
	c.TotalAmount, c.TotalItems = cart.Totals(c.Items)
	c.UpdatedAt = time.Now().UTC()

	stored := c
	stored.Items = nil
	tx.stage.carts[cartID] = stored
	return c, nil
}

func (tx *cartTx) DeleteCart(_ context.Context, cartID string) error {
	c, ok := tx.stage.carts[cartID]
	if !ok {
		return fmt.Errorf("cart %s: %w", cartID, storage.ErrNotFound)
	}
	for id, it := range tx.stage.items {
		if it.CartID == cartID {
			delete(tx.stage.items, id)
		}
	}
	delete(tx.stage.carts, cartID)
	delete(tx.stage.byUser, c.UserID)
	return nil
}

// Helpers --------------------------------------------------------------------

func (t cartTables) clone() cartTables {
	out := cartTables{
		carts:  make(map[string]cart.Cart, len(t.carts)),
		byUser: make(map[string]string, len(t.byUser)),
		items:  make(map[string]cart.Item, len(t.items)),
	}
	for k, v := range t.carts {
		out.carts[k] = v
	}
	for k, v := range t.byUser {
		out.byUser[k] = v
	}
	for k, v := range t.items {
		out.items[k] = v
	}
	return out
}

func (t cartTables) withItems(cartID string) cart.Cart {
	c := t.carts[cartID]
	c.Items = []cart.Item{}
	for _, it := range t.items {
		if it.CartID == cartID {
			c.Items = append(c.Items, it)
		}
	}
	sort.Slice(c.Items, func(i, j int) bool {
		if c.Items[i].CreatedAt.Equal(c.Items[j].CreatedAt) {
			return c.Items[i].ID < c.Items[j].ID
		}
		return c.Items[i].CreatedAt.Before(c.Items[j].CreatedAt)
	})
	return c
}

func sortByLastSeen(sessions []session.Session) {
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].LastSeenAt.Equal(sessions[j].LastSeenAt) {
			return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
		}
		return sessions[i].LastSeenAt.Before(sessions[j].LastSeenAt)
	})
}
