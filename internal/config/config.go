// Package config loads shopfront configuration from defaults, an optional
// YAML file, a .env file and environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	Cart      CartConfig      `yaml:"cart"`
	Logging   LoggingConfig   `yaml:"logging"`
	CORS      CORSConfig      `yaml:"cors"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Sweeper   SweeperConfig   `yaml:"sweeper"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	LockTimeout     time.Duration `yaml:"lock_timeout"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type AuthConfig struct {
	JWTSecret    string        `yaml:"jwt_secret"`
	Issuer       string        `yaml:"issuer"`
	AccessTTL    time.Duration `yaml:"access_ttl"`
	RefreshTTL   time.Duration `yaml:"refresh_ttl"`
	MaxSessions  int           `yaml:"max_sessions"`
	AdminUserIDs []string      `yaml:"admin_user_ids"`
}

type CartConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	MaxQuantity    int           `yaml:"max_quantity"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
	PendingTTL     time.Duration `yaml:"pending_ttl"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	Burst             int `yaml:"burst"`
}

type SweeperConfig struct {
	Schedule         string        `yaml:"schedule"`
	RevokedRetention time.Duration `yaml:"revoked_retention"`
}

// Default returns a configuration suitable for local development.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			LockTimeout:     3 * time.Second,
		},
		Auth: AuthConfig{
			Issuer:      "shopfront",
			AccessTTL:   15 * time.Minute,
			RefreshTTL:  30 * 24 * time.Hour,
			MaxSessions: 5,
		},
		Cart: CartConfig{
			MaxAttempts:    3,
			RetryBaseDelay: 50 * time.Millisecond,
			MaxQuantity:    99,
			IdempotencyTTL: 5 * time.Minute,
			PendingTTL:     30 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		CORS: CORSConfig{
			AllowedOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		RateLimit: RateLimitConfig{RequestsPerSecond: 20, Burst: 40},
		Sweeper:   SweeperConfig{Schedule: "@every 10m", RevokedRetention: 7 * 24 * time.Hour},
	}
}

// Load builds the configuration. path may be empty; a missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	_ = godotenv.Load()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks for settings that would make the service unusable.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return errors.New("auth.jwt_secret is required (JWT_SECRET)")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return errors.New("auth.jwt_secret must be at least 32 bytes")
	}
	if c.Auth.MaxSessions < 1 {
		return errors.New("auth.max_sessions must be at least 1")
	}
	if c.Cart.MaxAttempts < 1 {
		return errors.New("cart.max_attempts must be at least 1")
	}
	if c.Cart.MaxQuantity < 1 {
		return errors.New("cart.max_quantity must be at least 1")
	}
	if c.Cart.IdempotencyTTL <= 0 {
		return errors.New("cart.idempotency_ttl must be positive")
	}
	return nil
}

func applyEnv(cfg *Config) error {
	var errs []error

	setString(&cfg.Server.Host, "SERVER_HOST")
	errs = append(errs, setInt(&cfg.Server.Port, "PORT"))
	setString(&cfg.Database.Driver, "DATABASE_DRIVER")
	setString(&cfg.Database.DSN, "DATABASE_URL")
	errs = append(errs, setInt(&cfg.Database.MaxOpenConns, "DATABASE_MAX_OPEN_CONNS"))
	errs = append(errs, setDuration(&cfg.Database.LockTimeout, "DATABASE_LOCK_TIMEOUT"))
	errs = append(errs, setBool(&cfg.Database.AutoMigrate, "DATABASE_AUTO_MIGRATE"))
	setString(&cfg.Redis.URL, "REDIS_URL")
	setString(&cfg.Auth.JWTSecret, "JWT_SECRET")
	errs = append(errs, setDuration(&cfg.Auth.AccessTTL, "ACCESS_TOKEN_TTL"))
	errs = append(errs, setDuration(&cfg.Auth.RefreshTTL, "REFRESH_TOKEN_TTL"))
	errs = append(errs, setInt(&cfg.Auth.MaxSessions, "MAX_SESSIONS_PER_USER"))
	setList(&cfg.Auth.AdminUserIDs, "ADMIN_USER_IDS")
	errs = append(errs, setInt(&cfg.Cart.MaxAttempts, "CART_MAX_ATTEMPTS"))
	errs = append(errs, setInt(&cfg.Cart.MaxQuantity, "CART_MAX_QUANTITY"))
	errs = append(errs, setDuration(&cfg.Cart.IdempotencyTTL, "IDEMPOTENCY_TTL"))
	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setString(&cfg.Logging.Format, "LOG_FORMAT")
	setList(&cfg.CORS.AllowedOrigins, "CORS_ALLOWED_ORIGINS")
	errs = append(errs, setInt(&cfg.RateLimit.RequestsPerSecond, "RATE_LIMIT_RPS"))
	errs = append(errs, setInt(&cfg.RateLimit.Burst, "RATE_LIMIT_BURST"))
	setString(&cfg.Sweeper.Schedule, "SWEEPER_SCHEDULE")

	return errors.Join(errs...)
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func setInt(dst *int, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func setList(dst *[]string, key string) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	*dst = out
}
