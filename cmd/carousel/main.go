package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/llm-key-carousel/internal/logging"
	"github.com/tjfontaine/llm-key-carousel/internal/pkg/config"
	"github.com/tjfontaine/llm-key-carousel/internal/telemetry"
	"github.com/tjfontaine/llm-key-carousel/pkg/gateway"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "carousel: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg, err := config.Load(config.FileName())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, logCloser, err := logging.New(cfg.Log, os.Stdout)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	shutdownTracer := telemetry.ShutdownFunc(telemetry.Noop)
	if cfg.Telemetry.Enabled {
		shutdownTracer, err = telemetry.InitTracer("llm-key-carousel", nil, logger)
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	gw, err := gateway.New(cfg, gateway.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case err := <-gw.Err():
			return fmt.Errorf("serve: %w", err)
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown signal received, stopping gateway...")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		return gw.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
