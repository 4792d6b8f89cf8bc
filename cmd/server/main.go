package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"huddle/internal/app"
	"huddle/internal/logger"
)

func main() {
	configPath := flag.String("config", os.Getenv("HUDDLE_CONFIG"), "optional config file")
	addr := flag.String("addr", "", "server listen address (overrides HUDDLE_SERVER_ADDR)")
	flag.Parse()

	cfg, err := app.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	log, err := logger.New(logger.Config{Development: cfg.Log.Development, Level: cfg.Log.Level})
	if err != nil {
		fmt.Fprintf(os.Stderr, "server: logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handle, err := app.RunServer(ctx, cfg.Server, log)
	if err != nil {
		log.Fatal("server failed to start", zap.Error(err))
	}
	log.Info("huddle server listening", zap.String("addr", handle.Addr()))
	if err := handle.Wait(); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}
