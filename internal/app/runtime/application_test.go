package runtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/shopfront/internal/app/domain/session"
	"github.com/R3E-Network/shopfront/internal/app/services/products"
	"github.com/R3E-Network/shopfront/internal/config"
	"github.com/R3E-Network/shopfront/internal/logging"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Auth.JWTSecret = strings.Repeat("k", 32)
	return cfg
}

func health(t *testing.T, h http.Handler) map[string]interface{} {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var env struct {
		Data struct {
			Status string                 `json:"status"`
			Checks map[string]interface{} `json:"checks"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "ok", env.Data.Status)
	return env.Data.Checks
}

func TestNewApplicationInMemory(t *testing.T) {
	a, err := NewApplication(context.Background(), testConfig(), logging.Discard())
	require.NoError(t, err)
	defer a.Shutdown(context.Background())

	assert.Nil(t, a.db)
	assert.Nil(t, a.redis)
	assert.Empty(t, health(t, a.Handler()))
}

func TestNewApplicationRequiresConfig(t *testing.T) {
	_, err := NewApplication(context.Background(), nil, logging.Discard())
	assert.Error(t, err)
}

func TestNewApplicationRejectsBadRedisURL(t *testing.T) {
	cfg := testConfig()
	cfg.Redis.URL = "not-a-url://"
	_, err := NewApplication(context.Background(), cfg, logging.Discard())
	assert.Error(t, err)
}

func TestIdempotencyRecordsLiveInRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.Redis.URL = "redis://" + mr.Addr()

	a, err := NewApplication(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)
	defer a.Shutdown(context.Background())

	checks := health(t, a.Handler())
	assert.Equal(t, "ok", checks["redis"])

	ctx := context.Background()
	name, price, stock, active := "Mug", int64(1200), 10, true
	p, err := a.App().Products.Create(ctx, products.Input{Name: &name, Price: &price, Stock: &stock, Active: &active})
	require.NoError(t, err)

	_, err = a.App().Auth.Register(ctx, "buyer@example.com", "correct-horse", "Buyer")
	require.NoError(t, err)
	login, err := a.App().Auth.Login(ctx, "buyer@example.com", "correct-horse", session.Device{ID: "laptop"})
	require.NoError(t, err)

	add := func() *httptest.ResponseRecorder {
		body := `{"product_id":"` + p.ID + `","quantity":2}`
		req := httptest.NewRequest(http.MethodPost, "/api/v1/cart/items", strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+login.AccessToken)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", "order-1")
		rec := httptest.NewRecorder()
		a.Handler().ServeHTTP(rec, req)
		return rec
	}

	first := add()
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	second := add()
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	var stored []string
	for _, k := range mr.Keys() {
		if strings.HasPrefix(k, "shopfront:idem:") {
			stored = append(stored, k)
		}
	}
	assert.Len(t, stored, 1)

	c, err := a.App().Carts.Get(ctx, login.User.ID)
	require.NoError(t, err)
	require.Len(t, c.Items, 1)
	assert.Equal(t, 2, c.Items[0].Quantity)
}

func TestShutdownClosesRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.Redis.URL = "redis://" + mr.Addr()

	a, err := NewApplication(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, a.Shutdown(context.Background()))
	assert.Nil(t, a.redis)
}
