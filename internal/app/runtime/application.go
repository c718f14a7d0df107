// Package runtime wires configuration, storage backends and the HTTP server
// into a runnable process.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	"golang.org/x/crypto/bcrypt"

	app "github.com/R3E-Network/shopfront/internal/app"
	"github.com/R3E-Network/shopfront/internal/app/httpapi"
	"github.com/R3E-Network/shopfront/internal/app/idempotency"
	"github.com/R3E-Network/shopfront/internal/app/services/auth"
	"github.com/R3E-Network/shopfront/internal/app/storage/postgres"
	"github.com/R3E-Network/shopfront/internal/app/sweeper"
	"github.com/R3E-Network/shopfront/internal/config"
	"github.com/R3E-Network/shopfront/internal/database"
	"github.com/R3E-Network/shopfront/internal/logging"
	"github.com/R3E-Network/shopfront/internal/middleware"
)

const limiterIdle = 10 * time.Minute

// Application wires core dependencies and manages the HTTP server lifecycle.
type Application struct {
	cfg        *config.Config
	log        *logging.Logger
	app        *app.Application
	httpServer *http.Server
	db         *sqlx.DB
	redis      *idempotency.RedisStore
}

// NewApplication opens the configured backends and builds the server.
// Without a database DSN the in-memory store is used; without a Redis URL
// idempotency records stay in process.
func NewApplication(ctx context.Context, cfg *config.Config, log *logging.Logger) (*Application, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		log = logging.New("shopfront", cfg.Logging.Level, cfg.Logging.Format)
	}

	a := &Application{cfg: cfg, log: log}
	stores, err := a.buildStores(ctx)
	if err != nil {
		a.closeBackends()
		return nil, fmt.Errorf("configure stores: %w", err)
	}

	opts := app.Options{
		Auth:           authConfig(cfg.Auth),
		Cart:           cfg.Cart,
		Sweeper:        cfg.Sweeper,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		HealthChecks:   map[string]app.HealthCheck{},
		Compactors:     map[string]sweeper.Compactor{},
	}
	if a.db != nil {
		opts.HealthChecks["database"] = a.db.PingContext
	}

	if cfg.Redis.URL != "" {
		rs, err := idempotency.DialRedis(ctx, cfg.Redis.URL)
		if err != nil {
			a.closeBackends()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.redis = rs
		opts.Idempotency = rs
		opts.HealthChecks["redis"] = rs.Ping
		log.Info("idempotency records stored in redis")
	}

	limiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, log)
	opts.Compactors["rate_limiter"] = sweeper.CompactorFunc(func() int {
		return limiter.Compact(limiterIdle)
	})

	application, err := app.New(stores, opts, log)
	if err != nil {
		a.closeBackends()
		return nil, err
	}
	a.app = application

	handler := httpapi.NewHandler(application, log, httpapi.Options{
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		RateLimiter:    limiter,
	})
	a.httpServer = &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}
	return a, nil
}

// App exposes the wired domain services.
func (a *Application) App() *app.Application {
	return a.app
}

// Handler returns the root HTTP handler.
func (a *Application) Handler() http.Handler {
	return a.httpServer.Handler
}

// Run starts background services and the HTTP server, blocking until the
// context is cancelled or the server fails.
func (a *Application) Run(ctx context.Context) error {
	if err := a.app.Start(ctx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Infof("HTTP server listening on %s", a.httpServer.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully stops the HTTP server, background services and
// backend connections.
func (a *Application) Shutdown(ctx context.Context) error {
	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var errs []error
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	a.app.Hub.Close()
	if err := a.app.Stop(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	a.closeBackends()
	return errors.Join(errs...)
}

func (a *Application) buildStores(ctx context.Context) (app.Stores, error) {
	if a.cfg.Database.DSN == "" {
		a.log.Warn("DATABASE_URL not set; using in-memory storage")
		return app.Stores{}, nil
	}

	db, err := database.Open(ctx, a.cfg.Database)
	if err != nil {
		return app.Stores{}, err
	}
	a.db = db

	if a.cfg.Database.AutoMigrate {
		migrator, err := database.NewMigrator(db)
		if err != nil {
			return app.Stores{}, fmt.Errorf("prepare migrations: %w", err)
		}
		if err := migrator.Up(); err != nil {
			return app.Stores{}, fmt.Errorf("apply migrations: %w", err)
		}
		a.log.Info("database migrations applied")
	}

	store := postgres.New(db, postgres.WithLockTimeout(a.cfg.Database.LockTimeout))
	return app.Stores{Users: store, Products: store, Sessions: store, Carts: store}, nil
}

func (a *Application) closeBackends() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.WithError(err).Warn("error closing redis connection")
		}
		a.redis = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.WithError(err).Warn("error closing database connection")
		}
		a.db = nil
	}
}

func authConfig(cfg config.AuthConfig) auth.Config {
	return auth.Config{
		Secret:       []byte(cfg.JWTSecret),
		Issuer:       cfg.Issuer,
		AccessTTL:    cfg.AccessTTL,
		RefreshTTL:   cfg.RefreshTTL,
		MaxSessions:  cfg.MaxSessions,
		AdminUserIDs: cfg.AdminUserIDs,
		BcryptCost:   bcrypt.DefaultCost,
	}
}
