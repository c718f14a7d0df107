// Package main runs the shopfront HTTP API.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/R3E-Network/shopfront/internal/app/runtime"
	"github.com/R3E-Network/shopfront/internal/config"
	"github.com/R3E-Network/shopfront/internal/logging"
)

func main() {
	configPath := flag.String("config", os.Getenv("SHOPFRONT_CONFIG"), "path to a YAML config file")
	port := flag.Int("port", 0, "override the listen port")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.NewDefault("shopfront").WithError(err).Fatal("load config")
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}

	log := logging.New("shopfront", cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := runtime.NewApplication(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to initialise application")
	}

	runErr := application.Run(ctx)
	if runErr != nil {
		log.WithError(runErr).Error("server error")
	}

	log.Info("shutting down")
	if err := application.Shutdown(context.Background()); err != nil {
		log.WithError(err).Error("shutdown error")
	}
	if runErr != nil {
		os.Exit(1)
	}
}
