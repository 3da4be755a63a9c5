// Spendgate - Pre-execution payment authorization for AI agents
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/mbd888/spendgate/internal/config"
	"github.com/mbd888/spendgate/internal/logging"
	"github.com/mbd888/spendgate/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")
	if err := run(logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	logger.Info("starting spendgate",
		"version", Version, "commit", Commit, "build_time", BuildTime)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"ledger_backend", cfg.LedgerBackend,
		"chain_context", cfg.ChainContext,
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	return srv.Run(context.Background())
}
