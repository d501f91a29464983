// Command chatview is a terminal chat viewer. It signs in with the OAuth2
// device-code flow, lists the user's conversations, renders one thread at a
// time, and sends plain-text replies.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/and161185/chatview/internal/config"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// main parses configuration, sets up file logging, and runs the UI loop.
// The terminal belongs to the UI, so logs go to a file.
func main() {
	// Config warnings land on stderr; the TUI has not taken the terminal yet.
	boot, _ := zap.NewProduction()
	cfg, err := config.Load(os.Args[1:], boot)
	_ = boot.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	zcfg := zap.NewProductionConfig()
	zcfg.OutputPaths = []string{cfg.LogFile}
	zcfg.ErrorOutputPaths = []string{cfg.LogFile}
	logger, err := zcfg.Build()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("tenant", cfg.Tenant),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApp(cfg, logger)
	if err != nil {
		logger.Error("init", zap.Error(err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := app.run(ctx); err != nil {
		logger.Error("ui loop", zap.Error(err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
