// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package main runs the SNI multiplexing proxy: a data-plane TCP listener,
// a management-plane unix socket, and an operations HTTP listener with
// metrics and health probes.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/infinityb/yscloud-sub000/pkg/config"
	"github.com/infinityb/yscloud-sub000/pkg/haproxy"
	"github.com/infinityb/yscloud-sub000/pkg/health"
	"github.com/infinityb/yscloud-sub000/pkg/metrics"
	"github.com/infinityb/yscloud-sub000/pkg/mgmt"
	"github.com/infinityb/yscloud-sub000/pkg/resolver"
	"github.com/infinityb/yscloud-sub000/pkg/server"
	"github.com/infinityb/yscloud-sub000/pkg/session"
)

// Config holds the application configuration, parsed from SNIMUX_-prefixed
// environment variables.
type Config struct {
	// Backend document
	ConfigFile string `env:"CONFIG_FILE" envDefault:"snimux.json"`

	// Listeners. The *FD variants take already-bound file descriptors
	// inherited from an orchestrator; when unset (-1) the process binds the
	// corresponding address itself.
	DataFD      int    `env:"DATA_FD"      envDefault:"-1"`
	DataAddress string `env:"DATA_ADDRESS" envDefault:":8443"`
	MgmtFD      int    `env:"MGMT_FD"      envDefault:"-1"`
	MgmtSocket  string `env:"MGMT_SOCKET"  envDefault:"/run/snimux/mgmt.sock"`
	OpsAddress  string `env:"OPS_ADDRESS"  envDefault:":9090"`

	// Data plane behavior
	InboundProxyHeader string        `env:"INBOUND_PROXY_HEADER" envDefault:"none"`
	HandshakeTimeout   time.Duration `env:"HANDSHAKE_TIMEOUT"    envDefault:"3s"`
	DialTimeout        time.Duration `env:"DIAL_TIMEOUT"         envDefault:"3s"`
	DialAttempts       int           `env:"DIAL_ATTEMPTS"        envDefault:"3"`
	ShutdownTimeout    time.Duration `env:"SHUTDOWN_TIMEOUT"     envDefault:"30s"`

	// Rate limiting (per client address; 0 disables)
	AcceptRate  int64 `env:"ACCEPT_RATE"  envDefault:"0"`
	AcceptBurst int64 `env:"ACCEPT_BURST" envDefault:"0"`

	// Resolver
	LookupCacheTTL time.Duration `env:"LOOKUP_CACHE_TTL" envDefault:"30s"`

	// Observability
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

func main() {
	if err := godotenv.Load(); err != nil {
		// .env file is optional
	}
	cfg := Config{}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "SNIMUX_"}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	inboundHeader, err := haproxy.ParseVersion(cfg.InboundProxyHeader)
	if err != nil {
		logger.Error("bad inbound proxy header setting", slog.Any("error", err))
		os.Exit(1)
	}

	doc, err := config.Load(cfg.ConfigFile)
	if err != nil {
		logger.Error("failed to load backend document", slog.String("path", cfg.ConfigFile), slog.Any("error", err))
		os.Exit(1)
	}

	backends := resolver.NewManager()
	if err := doc.Populate(backends); err != nil {
		logger.Error("failed to publish backend sets", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("backend document loaded",
		slog.Int("hostnames", len(backends.Hostnames())),
		slog.String("upstream_dns", doc.UpstreamDNS),
	)

	dialer := resolver.NewDialer(backends.Stats(), resolver.DialerConfig{
		UpstreamDNS: doc.UpstreamDNS,
		CacheTTL:    cfg.LookupCacheTTL,
		Logger:      logger,
	})
	sessions := session.NewManager(session.Config{Logger: logger})
	m := metrics.New("snimux", nil)

	checker := health.NewChecker(10 * time.Second)
	checker.Register("backends", func(ctx context.Context) error {
		if len(backends.Hostnames()) == 0 {
			return errors.New("no backend sets configured")
		}
		return nil
	})

	dataListener, err := listen(cfg.DataFD, "tcp", cfg.DataAddress)
	if err != nil {
		logger.Error("failed to open data listener", slog.Any("error", err))
		os.Exit(1)
	}
	mgmtListener, err := listenUnix(cfg.MgmtFD, cfg.MgmtSocket)
	if err != nil {
		logger.Error("failed to open management listener", slog.Any("error", err))
		os.Exit(1)
	}

	dataServer := server.New(server.Config{
		HandshakeTimeout:   cfg.HandshakeTimeout,
		DialTimeout:        cfg.DialTimeout,
		DialAttempts:       cfg.DialAttempts,
		InboundProxyHeader: inboundHeader,
		AcceptRate:         cfg.AcceptRate,
		AcceptBurst:        cfg.AcceptBurst,
		ShutdownTimeout:    cfg.ShutdownTimeout,
		Logger:             logger,
	}, backends, dialer, sessions, m)
	mgmtServer := mgmt.NewService(sessions, mgmt.Config{Logger: logger, Metrics: m})

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return dataServer.Serve(ctx, dataListener) })
	g.Go(func() error { return mgmtServer.Serve(ctx, mgmtListener) })
	g.Go(func() error { return serveOps(ctx, cfg.OpsAddress, checker, logger) })

	// Graceful shutdown on SIGINT/SIGTERM.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
	}
	cancel()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("proxy terminated with error", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("proxy stopped")
}

// listen materializes a listener either from an inherited file descriptor
// or by binding address.
func listen(fd int, network, address string) (net.Listener, error) {
	if 0 <= fd {
		file := os.NewFile(uintptr(fd), fmt.Sprintf("listener-fd-%d", fd))
		defer file.Close()
		return net.FileListener(file)
	}
	return net.Listen(network, address)
}

// listenUnix binds a unix socket path, clearing any stale socket file left
// by a previous run.
func listenUnix(fd int, path string) (net.Listener, error) {
	if 0 <= fd {
		return listen(fd, "", "")
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket %s: %w", path, err)
	}
	return net.Listen("unix", path)
}

// serveOps runs the operations HTTP listener: Prometheus metrics and
// health probes.
func serveOps(ctx context.Context, address string, checker *health.Checker, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", checker.HTTPHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.HandleFunc("/live", health.LivenessHandler())

	srv := &http.Server{
		Addr:         address,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("ops server started", slog.String("address", address))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// setupLogger creates a structured logger with the specified level and
// format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
