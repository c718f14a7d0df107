package cart

import "time"

// MaxAmount bounds every line total and cart total, in minor units, so
// aggregates stay far from int64 overflow.
const MaxAmount int64 = 1_000_000_000_000_000

// Cart is the single shopping cart owned by a user. TotalAmount and
// TotalItems are derived from the cart's items and recomputed on every
// committed mutation.
type Cart struct {
	ID          string    `json:"id" db:"id"`
	UserID      string    `json:"user_id" db:"user_id"`
	TotalAmount int64     `json:"total_amount" db:"total_amount"`
	TotalItems  int       `json:"total_items" db:"total_items"`
	Items       []Item    `json:"items" db:"-"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// Item is a cart line. Price is the unit price snapshot in minor units.
type Item struct {
	ID         string    `json:"id" db:"id"`
	CartID     string    `json:"cart_id" db:"cart_id"`
	ProductID  string    `json:"product_id" db:"product_id"`
	Quantity   int       `json:"quantity" db:"quantity"`
	Price      int64     `json:"price" db:"price"`
	TotalPrice int64     `json:"total_price" db:"total_price"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// Empty returns the zero-valued view for a user without a cart row.
func Empty(userID string) Cart {
	return Cart{UserID: userID, Items: []Item{}}
}

// Totals sums the quantities and line totals of items.
func Totals(items []Item) (amount int64, count int) {
	for _, it := range items {
		amount += it.TotalPrice
		count += it.Quantity
	}
	return amount, count
}

// Consistent reports whether the cart aggregates match its items.
func (c Cart) Consistent() bool {
	amount, count := Totals(c.Items)
	return amount == c.TotalAmount && count == c.TotalItems
}

// LineTotal returns price * qty. ok is false when either is negative or the
// product exceeds MaxAmount.
func LineTotal(price int64, qty int) (total int64, ok bool) {
	if price < 0 || qty < 0 {
		return 0, false
	}
	if qty == 0 {
		return 0, true
	}
	if price > MaxAmount/int64(qty) {
		return 0, false
	}
	return price * int64(qty), true
}

// Reprice sets the unit price snapshot and recomputes the line total.
func (it *Item) Reprice(price int64) {
	it.Price = price
	it.TotalPrice = price * int64(it.Quantity)
}
