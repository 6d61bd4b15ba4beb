package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/Tyrowin/wschat/internal/config"
	"github.com/Tyrowin/wschat/internal/logging"
	"github.com/Tyrowin/wschat/internal/server"
	"go.uber.org/zap"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.FromArgs(os.Args[0], os.Args[1:], os.LookupEnv, os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating logger: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	runtime.GOMAXPROCS(cfg.Workers)
	logger.Info("Starting wschat server",
		zap.String("addr", cfg.Addr),
		zap.Int("workers", cfg.Workers),
		zap.String("route", cfg.Route))

	srv := server.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			logger.Error("Server failed", zap.Error(err))
			shutdown(srv, cfg, logger)
			return 1
		}
		return 0
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	}

	if err := shutdown(srv, cfg, logger); err != nil {
		return 1
	}
	if err := <-serveErr; err != nil {
		logger.Error("Server error", zap.Error(err))
		return 1
	}
	logger.Info("Server stopped")
	return 0
}

func shutdown(srv *server.Server, cfg config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Graceful shutdown failed", zap.Error(err))
		return err
	}
	return nil
}
