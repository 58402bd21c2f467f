package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KevoDB/kvs/pkg/common/log"
	"github.com/KevoDB/kvs/pkg/engine"
	"github.com/KevoDB/kvs/pkg/grpc/transport"
	"github.com/KevoDB/kvs/pkg/telemetry"
	"google.golang.org/grpc"
)

const shutdownTimeout = 5 * time.Second

// runServer serves the store in config.DataDir until SIGINT or SIGTERM
func runServer(config Config, logger log.Logger) error {
	telCfg := telemetry.DefaultConfig()
	telCfg.ServiceName = "kvs"
	telCfg.LoadFromEnv()
	tel, err := telemetry.New(telCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(ctx); err != nil {
			logger.Warn("Failed to flush telemetry: %v", err)
		}
	}()

	opts, err := engineOptions(config, logger)
	if err != nil {
		return err
	}
	eng, err := engine.Open(config.DataDir, append(opts, engine.WithTelemetry(tel))...)
	if err != nil {
		return fmt.Errorf("failed to open database at %s: %w", config.DataDir, err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Error("Failed to close database: %v", err)
		}
	}()

	cfg := eng.Config()
	serverOpts := transport.DefaultServerOptions()
	serverOpts.Address = config.ListenAddr
	serverOpts.TLSEnabled = config.TLSEnabled
	serverOpts.TLS = transport.TLSConfig{
		CertFile: config.TLSCertFile,
		KeyFile:  config.TLSKeyFile,
		CAFile:   config.TLSCAFile,
	}
	serverOpts.MaxKeySize = cfg.MaxKeySize
	serverOpts.MaxValueSize = cfg.MaxValueSize

	server := transport.NewServer(eng, serverOpts, logger, tel)
	if err := server.Start(); err != nil {
		return err
	}
	logger.Info("kvs server started on %s serving %s", server.Addr(), config.DataDir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve() }()

	select {
	case err := <-serveErr:
		return fmt.Errorf("server stopped: %w", err)
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "\nShutting down...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-serveErr; err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		logger.Warn("Serve returned: %v", err)
	}
	logger.Info("Shutdown complete")
	return nil
}
