package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"perp-connector/internal/config"
	"perp-connector/internal/connector"
	"perp-connector/internal/logging"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	flag.Parse()

	if err := config.LoadEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}
	log := logging.New(cfg.Log)
	log.Info("config loaded", zap.String("path", *configPath))

	conn, err := connector.New(cfg, log)
	if err != nil {
		log.Error("failed to initialize connector", zap.Error(err))
		os.Exit(1)
	}
	log.Info("connector initialized", zap.Int64("subaccount", cfg.Account.SubAccountID))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := conn.Run(ctx); err != nil && err != context.Canceled {
		log.Error("connector terminated", zap.Error(err))
		os.Exit(1)
	}
}
