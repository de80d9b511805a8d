// Smokypay - Stellar checkout verification and loyalty rewards for WooCommerce
package main

import (
	"context"
	"os"

	"github.com/mbd888/smokypay/internal/config"
	"github.com/mbd888/smokypay/internal/logging"
	"github.com/mbd888/smokypay/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Bootstrap logger until the configured one is available
	logger := logging.New("info", "text")

	logger.Info("starting smokypay",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"horizon", cfg.HorizonURL,
		"receiver", cfg.ReceiverAddress,
		"accepted_assets", len(cfg.AcceptedAssets),
		"storefront", cfg.StorefrontEnabled(),
	)

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger), server.WithVersion(Version))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
