package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"marketpipe/internal/config"
	"marketpipe/internal/hub"
	"marketpipe/internal/logger"
	"marketpipe/internal/trace"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	if err := logger.Init(); err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	if err := trace.Init("marketpipe-hub"); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize tracer: %v\n", err)
	}

	// os.Exit skips defers, so spans are flushed here on every path.
	code := run()
	_ = trace.Shutdown(context.Background())
	os.Exit(code)
}

func run() int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.LoadConfig(configPath())
	if err != nil {
		logger.ErrorWithErr(ctx, "Failed to load config", err)
		return 1
	}

	secret := os.Getenv("HUB_SECRET")
	if secret == "" {
		logger.Error(ctx, "HUB_SECRET is not set; refusing to start an unauthenticated hub")
		return 1
	}

	store := hub.NewStore(cfg.Hub.Retention)
	server := hub.NewServer(store, cfg.Hub.Addr, secret)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigc
		logger.Info(ctx, "Shutting down", "signal", sig.String())
		cancel()
	}()

	if err := server.Run(ctx); err != nil {
		logger.ErrorWithErr(ctx, "Hub server failed", err)
		return 1
	}
	return 0
}

func configPath() string {
	if p := os.Getenv("MARKETPIPE_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}
