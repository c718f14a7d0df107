package app

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/R3E-Network/shopfront/internal/app/idempotency"
	"github.com/R3E-Network/shopfront/internal/app/realtime"
	"github.com/R3E-Network/shopfront/internal/app/services/auth"
	"github.com/R3E-Network/shopfront/internal/app/services/carts"
	"github.com/R3E-Network/shopfront/internal/app/services/products"
	"github.com/R3E-Network/shopfront/internal/app/storage"
	"github.com/R3E-Network/shopfront/internal/app/storage/memory"
	"github.com/R3E-Network/shopfront/internal/app/sweeper"
	"github.com/R3E-Network/shopfront/internal/app/system"
	"github.com/R3E-Network/shopfront/internal/config"
	"github.com/R3E-Network/shopfront/internal/logging"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Users    storage.UserStore
	Products storage.ProductStore
	Sessions storage.SessionStore
	Carts    storage.CartStore
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Options carries the non-storage settings.
type Options struct {
	Auth           auth.Config
	Cart           config.CartConfig
	Sweeper        config.SweeperConfig
	AllowedOrigins []string

	// Idempotency defaults to an in-process store.
	Idempotency idempotency.Store
	// Compactors are run by the sweeper alongside the session purge.
	Compactors   map[string]sweeper.Compactor
	HealthChecks map[string]HealthCheck
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logging.Logger
	checks  map[string]HealthCheck

	Auth     *auth.Service
	Products *products.Service
	Carts    *carts.Service
	Hub      *realtime.Hub
	Guard    *idempotency.Guard
	Sweeper  *sweeper.Sweeper
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, opts Options, log *logging.Logger) (*Application, error) {
	if log == nil {
		log = logging.NewDefault("app")
	}

	var mem *memory.Store
	inMemory := func() *memory.Store {
		if mem == nil {
			mem = memory.New()
		}
		return mem
	}
	if stores.Users == nil {
		stores.Users = inMemory()
	}
	if stores.Products == nil {
		stores.Products = inMemory()
	}
	if stores.Sessions == nil {
		stores.Sessions = inMemory()
	}
	if stores.Carts == nil {
		stores.Carts = inMemory()
	}

	hub := realtime.NewHub(log, opts.AllowedOrigins)

	authService, err := auth.New(stores.Users, stores.Sessions, opts.Auth, log)
	if err != nil {
		return nil, fmt.Errorf("configure auth: %w", err)
	}
	authService.SetNotifier(hub)

	cartService := carts.New(stores.Carts, log,
		carts.WithRetry(opts.Cart.MaxAttempts, opts.Cart.RetryBaseDelay),
		carts.WithMaxQuantity(opts.Cart.MaxQuantity),
		carts.WithNotifier(hub),
	)
	productService := products.New(stores.Products, log)

	idemStore := opts.Idempotency
	sweepOpts := []sweeper.Option{sweeper.WithSchedule(opts.Sweeper.Schedule)}
	if idemStore == nil {
		memStore := idempotency.NewMemoryStore()
		idemStore = memStore
		sweepOpts = append(sweepOpts, sweeper.WithCompactor("idempotency", memStore))
	}
	for kind, c := range opts.Compactors {
		sweepOpts = append(sweepOpts, sweeper.WithCompactor(kind, c))
	}
	guard := idempotency.NewGuard(idemStore, log,
		idempotency.WithTTL(opts.Cart.IdempotencyTTL),
		idempotency.WithPendingTTL(opts.Cart.PendingTTL),
	)

	retention := opts.Sweeper.RevokedRetention
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	sweep := sweeper.New(authService, retention, log, sweepOpts...)

	manager := system.NewManager()
	if err := manager.Register(sweep); err != nil {
		return nil, fmt.Errorf("register %s: %w", sweep.Name(), err)
	}

	checks := make(map[string]HealthCheck, len(opts.HealthChecks))
	for name, check := range opts.HealthChecks {
		checks[name] = check
	}

	return &Application{
		manager:  manager,
		log:      log,
		checks:   checks,
		Auth:     authService,
		Products: productService,
		Carts:    cartService,
		Hub:      hub,
		Guard:    guard,
		Sweeper:  sweep,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

// Health runs every dependency check and returns the failures by name.
func (a *Application) Health(ctx context.Context) map[string]string {
	names := make([]string, 0, len(a.checks))
	for name := range a.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := make(map[string]string, len(names))
	for _, name := range names {
		if err := a.checks[name](ctx); err != nil {
			a.log.WithContext(ctx).WithError(err).Warnf("health check %s failed", name)
			status[name] = err.Error()
			continue
		}
		status[name] = "ok"
	}
	return status
}
