package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/shopfront/internal/app/services/products"
	"github.com/R3E-Network/shopfront/internal/app/storage"
	"github.com/R3E-Network/shopfront/internal/app/storage/postgres"
	"github.com/R3E-Network/shopfront/internal/database"
)

// seedFile is the catalogue document accepted by `shopctl seed`.
type seedFile struct {
	Products []seedProduct `yaml:"products"`
}

type seedProduct struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Price       int64  `yaml:"price"`
	Stock       int    `yaml:"stock"`
	Active      *bool  `yaml:"active"`
}

func (p seedProduct) input() products.Input {
	return products.Input{
		Name:        &p.Name,
		Description: &p.Description,
		Price:       &p.Price,
		Stock:       &p.Stock,
		Active:      p.Active,
	}
}

func parseSeed(r io.Reader) ([]seedProduct, error) {
	var doc seedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	for i, p := range doc.Products {
		if strings.TrimSpace(p.Name) == "" {
			return nil, fmt.Errorf("product %d: name is required", i+1)
		}
	}
	return doc.Products, nil
}

// seedProducts creates every product whose name is not already in the
// catalogue and reports how many were created.
func seedProducts(ctx context.Context, svc *products.Service, items []seedProduct) (int, error) {
	seen := make(map[string]bool)
	for page := 1; ; page++ {
		existing, err := svc.List(ctx, products.ListParams{IncludeAll: true, Page: page, Limit: products.MaxLimit})
		if err != nil {
			return 0, err
		}
		for _, p := range existing.Items {
			seen[strings.ToLower(p.Name)] = true
		}
		if len(existing.Items) < products.MaxLimit {
			break
		}
	}

	created := 0
	for _, item := range items {
		if seen[strings.ToLower(item.Name)] {
			continue
		}
		if _, err := svc.Create(ctx, item.input()); err != nil {
			return created, fmt.Errorf("create %q: %w", item.Name, err)
		}
		seen[strings.ToLower(item.Name)] = true
		created++
	}
	return created, nil
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed [file.yaml]",
		Short: "Load products from a YAML catalogue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			items, err := parseSeed(f)
			if err != nil {
				return err
			}

			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := database.Open(cmd.Context(), cfg.Database)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			var store storage.ProductStore = postgres.New(db, postgres.WithLockTimeout(cfg.Database.LockTimeout))
			n, err := seedProducts(cmd.Context(), products.New(store, log), items)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d of %d product(s)\n", n, len(items))
			return nil
		},
	}
}
