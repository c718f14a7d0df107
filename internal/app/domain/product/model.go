package product

import (
	"math"
	"time"
)

// Bounds accepted for catalogue values. Stock matches the INTEGER column.
const (
	MaxPrice int64 = 1_000_000_000_000
	MaxStock       = math.MaxInt32
)

// Product is a sellable item. Price is in minor currency units.
type Product struct {
	ID          string    `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Slug        string    `json:"slug" db:"slug"`
	Description string    `json:"description" db:"description"`
	Price       int64     `json:"price" db:"price"`
	Stock       int       `json:"stock" db:"stock"`
	Active      bool      `json:"active" db:"active"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// Query filters and pages a product listing.
type Query struct {
	Search     string
	ActiveOnly bool
	Limit      int
	Offset     int
}

// Page is one page of a product listing.
type Page struct {
	Items []Product `json:"items"`
	Total int       `json:"total"`
	Page  int       `json:"page"`
	Limit int       `json:"limit"`
}
