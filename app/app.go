package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/searchktools/bodystream/config"
	"github.com/searchktools/bodystream/core/codec"
	"github.com/searchktools/bodystream/core/observability"
	"github.com/searchktools/bodystream/core/optimize"
	"github.com/searchktools/bodystream/core/pools"
	"github.com/searchktools/bodystream/core/server"
)

// App is the application instance serving streamed form bodies
type App struct {
	cfg     *config.Config
	logger  *zap.Logger
	monitor *observability.StreamMonitor
	server  *server.Server
}

// New creates an application instance
func New(cfg *config.Config) (*App, error) {
	logger, err := NewLogger(cfg)
	if err != nil {
		return nil, err
	}
	return NewWithLogger(cfg, logger)
}

// NewWithLogger creates an application instance with a pre-built logger
func NewWithLogger(cfg *config.Config, logger *zap.Logger) (*App, error) {
	fallback, err := codec.ByName(cfg.Codec)
	if err != nil {
		return nil, err
	}

	monitor := observability.NewStreamMonitor("bodystream")
	srv, err := server.NewServer(server.Config{
		Addr:              cfg.Addr(),
		Form:              cfg.FormOptions(),
		MaxBodyBytes:      cfg.MaxBodyBytes,
		ParseTimeout:      cfg.ParseTimeout,
		DefaultCodec:      fallback,
		RateLimit:         cfg.RateLimit,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		Logger:            logger,
		Monitor:           monitor,
		Pool:              pools.Default(),
	})
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:     cfg,
		logger:  logger,
		monitor: monitor,
		server:  srv,
	}, nil
}

// NewLogger builds the zap logger for cfg: JSON in production,
// console otherwise.
func NewLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	zcfg := zap.NewDevelopmentConfig()
	if cfg.Production() {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

// Server returns the underlying server
func (a *App) Server() *server.Server {
	return a.server
}

// Monitor returns the stream monitor
func (a *App) Monitor() *observability.StreamMonitor {
	return a.monitor
}

// Run serves until SIGINT or SIGTERM, then shuts down gracefully.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then drains in-flight requests for
// at most the configured shutdown timeout.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	defer a.logger.Sync()

	a.logger.Info("bodystream starting",
		zap.String("addr", ln.Addr().String()),
		zap.String("env", a.cfg.Env),
		zap.String("codec", a.cfg.Codec),
		zap.Bool("vectorized_scan", optimize.Vectorized()))

	analysisStop := make(chan struct{})
	defer close(analysisStop)
	a.monitor.StartAnalysis(30*time.Second, analysisStop)

	served := make(chan error, 1)
	go func() { served <- a.server.Serve(ln) }()

	select {
	case err := <-served:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down", zap.Duration("timeout", a.cfg.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("graceful shutdown incomplete, closing connections", zap.Error(err))
		a.server.Close()
	}

	if err := <-served; err != nil && !errors.Is(err, server.ErrServerClosed) {
		return err
	}

	parses, bytes, compacted := a.monitor.Totals()
	stats := a.server.Stats()
	a.logger.Info("stopped",
		zap.Uint64("requests", stats.TotalRequests),
		zap.Uint64("forms", parses),
		zap.Uint64("bytes", bytes),
		zap.Uint64("compacted_bytes", compacted))
	return nil
}

// Main is the process entry point used by cmd/bodystream.
func Main() {
	cfg := config.New()

	a, err := New(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := a.Run(); err != nil {
		a.logger.Error("server failed", zap.Error(err))
		os.Exit(1)
	}
}
