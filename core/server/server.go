// Package server exposes the streaming form reader over HTTP/1.1 and h2c.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/searchktools/bodystream/core/codec"
	"github.com/searchktools/bodystream/core/form"
	"github.com/searchktools/bodystream/core/middleware"
	"github.com/searchktools/bodystream/core/observability"
	"github.com/searchktools/bodystream/core/pools"
)

// ErrServerClosed is returned by ListenAndServe and Serve after Shutdown or Close.
var ErrServerClosed = errors.New("server is closed")

// Config contains server configuration
type Config struct {
	Addr      string
	TLSConfig *tls.Config

	Form         form.Options
	MaxBodyBytes int64         // 0 means unlimited
	ParseTimeout time.Duration // 0 means only the request context bounds a parse
	DefaultCodec codec.Codec   // used when Accept names nothing known
	RateLimit    int           // requests per second, 0 disables

	MaxConcurrentStreams uint32
	MaxReadFrameSize     uint32
	ReadHeaderTimeout    time.Duration
	IdleTimeout          time.Duration

	Logger   *zap.Logger
	Monitor  *observability.StreamMonitor
	Registry *prometheus.Registry
	Pool     *pools.BytePool
}

// Stats is a snapshot of connection counters.
type Stats struct {
	ActiveConnections uint64
	TotalConnections  uint64
	TotalRequests     uint64
}

// Server serves form bodies with HTTP/2 support
type Server struct {
	cfg     Config
	logger  *zap.Logger
	handler http.Handler
	server  *http.Server
	h2      *http2.Server

	stats struct {
		activeConnections atomic.Int64
		totalConnections  atomic.Uint64
		totalRequests     atomic.Uint64
	}

	mu     sync.Mutex
	closed bool
}

// NewServer creates a new server
func NewServer(cfg Config) (*Server, error) {
	if cfg.MaxConcurrentStreams == 0 {
		cfg.MaxConcurrentStreams = 250
	}
	if cfg.MaxReadFrameSize == 0 {
		cfg.MaxReadFrameSize = 1 << 20 // 1MB
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 120 * time.Second
	}
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.DefaultCodec == nil {
		cfg.DefaultCodec = &codec.JSONCodec{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Monitor == nil {
		cfg.Monitor = observability.NewStreamMonitor("bodystream")
	}
	if cfg.Pool == nil {
		cfg.Pool = pools.Default()
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
		cfg.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	if err := cfg.Registry.Register(cfg.Monitor); err != nil {
		return nil, fmt.Errorf("register stream monitor: %w", err)
	}
	if err := cfg.Registry.Register(observability.NewPoolCollector("bodystream", cfg.Pool)); err != nil {
		return nil, fmt.Errorf("register pool collector: %w", err)
	}

	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger.With(zap.String("component", "server")),
	}

	mux := http.NewServeMux()
	mux.Handle("POST /form", &formHandler{
		opts:     cfg.Form,
		maxBytes: cfg.MaxBodyBytes,
		timeout:  cfg.ParseTimeout,
		fallback: cfg.DefaultCodec,
		pool:     cfg.Pool,
		monitor:  cfg.Monitor,
		logger:   cfg.Logger,
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", s.healthz)

	s.handler = middleware.NewPipeline().
		Use(s.countRequests).
		Use(middleware.Recovery(s.logger)).
		Use(middleware.RequestID()).
		Use(middleware.Logger(s.logger)).
		Use(middleware.RateLimiter(cfg.RateLimit)).
		Then(mux)

	s.h2 = &http2.Server{
		MaxConcurrentStreams: cfg.MaxConcurrentStreams,
		MaxReadFrameSize:     cfg.MaxReadFrameSize,
		IdleTimeout:          cfg.IdleTimeout,
	}

	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		ConnState:         s.trackConn,
		ErrorLog:          zap.NewStdLog(s.logger),
	}

	// Configure TLS with ALPN for HTTP/2
	if cfg.TLSConfig != nil {
		tlsConfig := cfg.TLSConfig.Clone()
		tlsConfig.NextProtos = []string{"h2", "http/1.1"}
		s.server.TLSConfig = tlsConfig
		if err := http2.ConfigureServer(s.server, s.h2); err != nil {
			return nil, fmt.Errorf("configure http2: %w", err)
		}
	} else {
		// h2c (HTTP/2 cleartext)
		s.server.Handler = h2c.NewHandler(s.handler, s.h2)
	}

	return s, nil
}

// Handler returns the routed handler without the h2c upgrade wrapper.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe listens on the configured address and serves until shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.mu.Unlock()

	var err error
	if s.server.TLSConfig != nil {
		s.logger.Info("server starting", zap.String("addr", ln.Addr().String()), zap.String("protocol", "h2"))
		err = s.server.ServeTLS(ln, "", "")
	} else {
		s.logger.Info("server starting", zap.String("addr", ln.Addr().String()), zap.String("protocol", "h2c"))
		err = s.server.Serve(ln)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return ErrServerClosed
	}
	return err
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.logger.Info("server shutting down", zap.Uint64("active_connections", uint64(s.stats.activeConnections.Load())))
	return s.server.Shutdown(ctx)
}

// Close closes all connections immediately
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	return s.server.Close()
}

// Stats returns connection and request counters.
func (s *Server) Stats() Stats {
	return Stats{
		ActiveConnections: uint64(s.stats.activeConnections.Load()),
		TotalConnections:  s.stats.totalConnections.Load(),
		TotalRequests:     s.stats.totalRequests.Load(),
	}
}

func (s *Server) trackConn(_ net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		s.stats.totalConnections.Add(1)
		s.stats.activeConnections.Add(1)
	case http.StateHijacked, http.StateClosed:
		s.stats.activeConnections.Add(-1)
	}
}

func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.stats.totalRequests.Add(1)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok\n"))
}
