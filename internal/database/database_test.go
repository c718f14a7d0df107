package database

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/R3E-Network/shopfront/internal/config"
)

func TestMigrationsArePaired(t *testing.T) {
	names, err := MigrationNames()
	if err != nil {
		t.Fatalf("list migrations: %v", err)
	}
	ups, downs := map[string]bool{}, map[string]bool{}
	for _, n := range names {
		switch {
		case strings.HasSuffix(n, ".up.sql"):
			ups[strings.TrimSuffix(n, ".up.sql")] = true
		case strings.HasSuffix(n, ".down.sql"):
			downs[strings.TrimSuffix(n, ".down.sql")] = true
		default:
			t.Errorf("unexpected migration file %s", n)
		}
	}
	if len(ups) == 0 {
		t.Fatal("no migrations embedded")
	}
	for v := range ups {
		if !downs[v] {
			t.Errorf("migration %s has no down file", v)
		}
	}
}

func TestOpenRequiresDSN(t *testing.T) {
	if _, err := Open(context.Background(), config.DatabaseConfig{Driver: "postgres"}); err == nil {
		t.Fatal("expected error without dsn")
	}
	if _, err := Open(context.Background(), config.DatabaseConfig{DSN: "postgres://x"}); err == nil {
		t.Fatal("expected error without driver")
	}
}

func TestMigrateIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	db, err := Open(context.Background(), config.DatabaseConfig{Driver: "postgres", DSN: dsn})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	mg, err := NewMigrator(db)
	if err != nil {
		t.Fatalf("migrator: %v", err)
	}
	if err := mg.Up(); err != nil {
		t.Fatalf("up: %v", err)
	}
	if err := mg.Up(); err != nil {
		t.Fatalf("second up should be a no-op: %v", err)
	}
	v, dirty, err := mg.Version()
	if err != nil || dirty || v == 0 {
		t.Fatalf("version = %d dirty=%v err=%v", v, dirty, err)
	}
}
