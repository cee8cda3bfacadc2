package main

import (
	"context"
	"fmt"
	"os"

	"vfxproc/internal/cli"
	"vfxproc/internal/config"
	"vfxproc/internal/logging"
	"vfxproc/internal/metrics"
	"vfxproc/internal/storage"

	_ "vfxproc/internal/engine/magick"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logging.Setup(cfg)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		log.Warn("audit database unavailable, continuing without it", "path", cfg.Paths.DatabasePath, "error", err)
		store = nil
	} else {
		defer store.Close()
	}

	root := cli.NewRoot(cfg, log, store, metrics.New())
	return cli.NewRootCmd(root).ExecuteContext(context.Background())
}
