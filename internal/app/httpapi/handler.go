// Package httpapi exposes the shopfront REST and WebSocket API.
package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	app "github.com/R3E-Network/shopfront/internal/app"
	"github.com/R3E-Network/shopfront/internal/app/domain/user"
	"github.com/R3E-Network/shopfront/internal/app/metrics"
	svcerrors "github.com/R3E-Network/shopfront/internal/errors"
	internalhttputil "github.com/R3E-Network/shopfront/internal/httputil"
	"github.com/R3E-Network/shopfront/internal/logging"
	"github.com/R3E-Network/shopfront/internal/middleware"
)

// Options configures the HTTP surface.
type Options struct {
	AllowedOrigins []string
	// RateLimiter is optional; nil disables rate limiting.
	RateLimiter *middleware.RateLimiter
	// AuditSize bounds the in-memory admin audit trail.
	AuditSize int
}

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app     *app.Application
	log     *logging.Logger
	authMW  *middleware.AuthMiddleware
	wsAuth  *middleware.AuthMiddleware
	limiter *middleware.RateLimiter
	audit   *auditLog
}

// NewHandler returns the router exposing the API, wrapped in the global
// middleware chain.
func NewHandler(application *app.Application, log *logging.Logger, opts Options) http.Handler {
	if log == nil {
		log = logging.NewDefault("httpapi")
	}
	authMW := middleware.NewAuthMiddleware(application.Auth, log, nil)
	h := &handler{
		app:     application,
		log:     log,
		authMW:  authMW,
		wsAuth:  authMW.AllowQueryToken("token"),
		limiter: opts.RateLimiter,
		audit:   newAuditLog(opts.AuditSize, logAuditSink{log: log}),
	}

	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		internalhttputil.WriteError(w, r, svcerrors.NotFound("Route", ""))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		internalhttputil.WriteErrorResponse(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()

	api.Handle("/auth/register", h.public(h.register)).Methods(http.MethodPost)
	api.Handle("/auth/login", h.public(h.login)).Methods(http.MethodPost)
	api.Handle("/auth/refresh", h.public(h.refresh)).Methods(http.MethodPost)
	api.Handle("/auth/logout", h.authed(h.logout)).Methods(http.MethodPost)
	api.Handle("/auth/logout-all", h.authed(h.logoutAll)).Methods(http.MethodPost)
	api.Handle("/auth/me", h.authed(h.me)).Methods(http.MethodGet)
	api.Handle("/auth/sessions", h.authed(h.listSessions)).Methods(http.MethodGet)
	api.Handle("/auth/sessions/{id}", h.authed(h.revokeSession)).Methods(http.MethodDelete)

	api.Handle("/products", h.public(h.listProducts)).Methods(http.MethodGet)
	api.Handle("/products/{id}", h.public(h.getProduct)).Methods(http.MethodGet)
	api.Handle("/products", h.admin(h.createProduct)).Methods(http.MethodPost)
	api.Handle("/products/{id}", h.admin(h.updateProduct)).Methods(http.MethodPut)
	api.Handle("/admin/products", h.admin(h.listAllProducts)).Methods(http.MethodGet)
	api.Handle("/admin/audit", h.admin(h.listAudit)).Methods(http.MethodGet)

	api.Handle("/cart", h.authed(h.getCart)).Methods(http.MethodGet)
	api.Handle("/cart", h.authed(h.clearCart)).Methods(http.MethodDelete)
	api.Handle("/cart/items", h.authed(h.addItem)).Methods(http.MethodPost)
	api.Handle("/cart/items/{id}", h.authed(h.updateItem)).Methods(http.MethodPatch)
	api.Handle("/cart/items/{id}", h.authed(h.removeItem)).Methods(http.MethodDelete)

	api.Handle("/ws", h.wsAuth.Handler(http.HandlerFunc(h.websocket))).Methods(http.MethodGet)

	var chain http.Handler = r
	chain = middleware.MetricsMiddleware()(chain)
	chain = middleware.NewTracingMiddleware(log).Handler(chain)
	chain = middleware.NewCORSMiddleware(opts.AllowedOrigins).Handler(chain)
	return chain
}

func (h *handler) limit(next http.Handler) http.Handler {
	if h.limiter == nil {
		return next
	}
	return h.limiter.Handler(next)
}

func (h *handler) public(fn http.HandlerFunc) http.Handler {
	return h.limit(fn)
}

func (h *handler) authed(fn http.HandlerFunc) http.Handler {
	return h.authMW.Handler(h.limit(fn))
}

func (h *handler) admin(fn http.HandlerFunc) http.Handler {
	return h.authMW.Handler(h.limit(middleware.RequireRole(user.RoleAdmin)(h.withAudit(fn))))
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := h.app.Health(ctx)
	status := http.StatusOK
	state := "ok"
	for _, result := range checks {
		if result != "ok" {
			status = http.StatusServiceUnavailable
			state = "degraded"
		}
	}
	internalhttputil.WriteSuccess(w, r, status, map[string]interface{}{
		"status": state,
		"checks": checks,
	})
}

func (h *handler) websocket(w http.ResponseWriter, r *http.Request) {
	h.app.Hub.ServeWS(w, r, middleware.GetUserID(r.Context()), middleware.GetSessionID(r.Context()))
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, svcerrors.Validation(key, key+" must be an integer")
	}
	return v, nil
}
