package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"marketpipe/internal/ingest"
	"marketpipe/internal/logger"
	"marketpipe/internal/trace"
)

func main() {
	if err := initializeSystem(); err != nil {
		log.Fatalf("initialization failed: %v", err)
	}

	// os.Exit skips defers, so spans are flushed here on every path.
	code := run()
	_ = trace.Shutdown(context.Background())
	os.Exit(code)
}

func run() int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := buildApp(ctx)
	if err != nil {
		logger.ErrorWithErr(ctx, "Failed to assemble ingestor", err)
		return 1
	}
	defer app.close()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigc
		logger.Info(ctx, "Shutting down", "signal", sig.String())
		cancel()
	}()

	app.start(ctx)

	logger.Info(ctx, "Ingestor started",
		"instruments", app.cfg.InstrumentNames(), "timeframes", app.cfg.Timeframes)

	err = app.supervisor.Run(ctx)
	if errors.Is(err, ingest.ErrAuthEscalated) {
		logger.Error(ctx, "Stopping: broker credentials are invalid")
		return 1
	}
	if err != nil {
		logger.ErrorWithErr(ctx, "Supervisor failed", err)
		return 1
	}
	return 0
}
