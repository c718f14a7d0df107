package main

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/shopfront/internal/app/services/products"
	"github.com/R3E-Network/shopfront/internal/app/storage/memory"
	"github.com/R3E-Network/shopfront/internal/logging"
)

const catalogue = `
products:
  - name: Espresso Cup
    description: Stoneware, 90ml
    price: 1200
    stock: 40
  - name: Pour Over Kettle
    price: 4500
    stock: 5
    active: false
`

func TestParseSeed(t *testing.T) {
	items, err := parseSeed(strings.NewReader(catalogue))
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "Espresso Cup", items[0].Name)
	assert.Equal(t, int64(4500), items[1].Price)
	require.NotNil(t, items[1].Active)
	assert.False(t, *items[1].Active)
}

func TestParseSeedRejectsBadDocuments(t *testing.T) {
	_, err := parseSeed(strings.NewReader("products:\n  - price: 100\n"))
	assert.Error(t, err)

	_, err = parseSeed(strings.NewReader("products:\n  - name: Mug\n    colour: red\n"))
	assert.Error(t, err)
}

func TestSeedProductsSkipsExisting(t *testing.T) {
	ctx := context.Background()
	svc := products.New(memory.New(), logging.Discard())
	items, err := parseSeed(strings.NewReader(catalogue))
	require.NoError(t, err)

	n, err := seedProducts(ctx, svc, items)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = seedProducts(ctx, svc, items)
	require.NoError(t, err)
	assert.Zero(t, n)

	page, err := svc.List(ctx, products.ListParams{IncludeAll: true})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)

	public, err := svc.List(ctx, products.ListParams{})
	require.NoError(t, err)
	assert.Equal(t, 1, public.Total)
}
