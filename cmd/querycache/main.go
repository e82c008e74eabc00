// Package main implements the querycache node entry point. It loads the
// node configuration, starts the caches and their table event backend, and
// serves Prometheus metrics until it receives a shutdown signal.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c360/querycache"
	"github.com/c360/querycache/config"
	"github.com/c360/querycache/errors"
	"github.com/c360/querycache/pkg/tlsutil"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "querycache"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, logger, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := loadConfig(cliCfg.ConfigPaths)
	if err != nil {
		return err
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	node, err := querycache.NewNode(cfg, querycache.WithNodeLogger(logger))
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	startCtx, startCancel := context.WithTimeout(ctx, 10*time.Second)
	defer startCancel()
	if err := node.Start(startCtx); err != nil {
		return fmt.Errorf("start node: %w", err)
	}

	server, err := startMetricsServer(cfg.Node, node)
	if err != nil {
		_ = node.Close(ctx)
		return fmt.Errorf("start metrics server: %w", err)
	}

	slog.Info("querycache node started", "node", cfg.Node.ID, "events", cfg.Events.Backend)
	<-ctx.Done()
	slog.Info("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cliCfg.ShutdownTimeout)
	defer shutdownCancel()

	var errs []error
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
		}
	}
	if err := node.Close(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("node close: %w", err))
	}

	slog.Info("querycache shutdown complete")
	return errors.Join(errs...)
}

// initializeCLI parses flags and sets up logging
func initializeCLI() (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil, nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting querycache",
		"version", Version,
		"build_time", BuildTime,
		"config", cliCfg.ConfigPaths)

	return cliCfg, logger, false, nil
}

// loadConfig loads the configuration layers in order and validates the result
func loadConfig(paths []string) (*config.Config, error) {
	loader := config.NewLoader()
	for _, path := range paths {
		loader.AddLayer(path)
	}
	loader.EnableValidation(true)

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// startMetricsServer serves /metrics and /healthz on cfg.MetricsAddr. An
// empty address disables it.
func startMetricsServer(cfg config.NodeConfig, node *querycache.Node) (*http.Server, error) {
	if cfg.MetricsAddr == "" {
		return nil, nil
	}

	tlsConfig, err := tlsutil.LoadServerConfig(cfg.MetricsTLS)
	if err != nil {
		return nil, err
	}

	server := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           newMetricsMux(node),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		var err error
		if tlsConfig != nil {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server failed", "addr", cfg.MetricsAddr, "error", err)
		}
	}()

	slog.Info("Metrics server listening", "addr", cfg.MetricsAddr, "tls", tlsConfig != nil)
	return server, nil
}

func newMetricsMux(node *querycache.Node) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", node.Metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		status := node.Health()
		w.Header().Set("Content-Type", "application/json")
		if status.IsUnhealthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(status); err != nil {
			slog.Debug("Failed to write health status", "error", err)
		}
	})
	return mux
}
