package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/videogen/imagine-gateway/internal/config"
	"github.com/videogen/imagine-gateway/internal/gateway"
	"github.com/videogen/imagine-gateway/internal/logging"
	"go.uber.org/zap"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (environment variables only when empty)")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("imagine-gateway %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.NewLoader().Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := logging.NewWithConfig(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)

	logging.Info("Starting imagine-gateway",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("address", cfg.Listener.Address),
		zap.String("upstream", cfg.Upstream.URL),
		zap.Int("routes", len(cfg.Routes)),
	)

	server, err := gateway.NewServer(cfg)
	if err != nil {
		logging.Error("Failed to create gateway", zap.Error(err))
		logging.Sync()
		os.Exit(1)
	}

	if err := server.Run(context.Background()); err != nil {
		logging.Error("Server error", zap.Error(err))
		logging.Sync()
		os.Exit(1)
	}
	logging.Sync()
}
