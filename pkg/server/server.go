// Package server is the HTTP and WebSocket front of the gateway. It
// normalizes transport requests into query requests, hands them to the
// dispatcher, and maps pipeline errors onto status codes.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/orneryd/bifrost/pkg/auth"
	"github.com/orneryd/bifrost/pkg/cache"
	"github.com/orneryd/bifrost/pkg/dispatch"
	"github.com/orneryd/bifrost/pkg/metrics"
	"github.com/orneryd/bifrost/pkg/pool"
	"github.com/orneryd/bifrost/pkg/query"
	"github.com/orneryd/bifrost/pkg/sanitize"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Config holds HTTP server configuration.
type Config struct {
	// Address to bind to (default: "0.0.0.0")
	Address string
	// Port to listen on (default: 3000)
	Port int
	// ReadTimeout for requests
	ReadTimeout time.Duration
	// WriteTimeout for responses; must cover the slowest query
	WriteTimeout time.Duration
	// IdleTimeout for keep-alive connections
	IdleTimeout time.Duration
	// MaxRequestSize in bytes (default: 10MB)
	MaxRequestSize int64
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Address:        "0.0.0.0",
		Port:           3000,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   5 * time.Minute,
		IdleTimeout:    120 * time.Second,
		MaxRequestSize: 10 * 1024 * 1024,
	}
}

// PoolReporter exposes per-database pool snapshots for /status.
type PoolReporter interface {
	PoolStats() map[string]pool.Stats
}

// Server is the HTTP API server for the gateway.
type Server struct {
	config     *Config
	dispatcher *dispatch.Dispatcher
	pools      PoolReporter
	cache      *cache.ResultCache
	verifier   *auth.Verifier
	collector  *metrics.Collector
	log        *zap.Logger

	hostname string

	httpServer *http.Server
	listener   net.Listener

	closed  atomic.Bool
	started time.Time

	requestCount atomic.Int64
	errorCount   atomic.Int64
}

// New creates the HTTP server. The dispatcher is required; pools, cache,
// verifier, and collector may be nil and their surfaces degrade
// gracefully.
func New(d *dispatch.Dispatcher, cfg *Config, opts ...Option) (*Server, error) {
	if d == nil {
		return nil, fmt.Errorf("server: dispatcher required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}

	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}

	s := &Server{
		config:     cfg,
		dispatcher: d,
		log:        zap.NewNop(),
		hostname:   host,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.verifier == nil {
		v, _ := auth.New(auth.Config{}, s.log)
		s.verifier = v
	}
	return s, nil
}

// Option configures optional server collaborators.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithPools wires the pool status reporter.
func WithPools(p PoolReporter) Option {
	return func(s *Server) { s.pools = p }
}

// WithCache wires the result cache for the status surface.
func WithCache(c *cache.ResultCache) Option {
	return func(s *Server) { s.cache = c }
}

// WithAuth wires the bearer-token verifier.
func WithAuth(v *auth.Verifier) Option {
	return func(s *Server) {
		if v != nil {
			s.verifier = v
		}
	}
}

// WithMetrics wires the Prometheus collector and mounts /metrics.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Server) { s.collector = c }
}

// Start begins listening for HTTP connections.
func (s *Server) Start() error {
	if s.closed.Load() {
		return http.ErrServerClosed
	}

	addr := fmt.Sprintf("%s:%d", s.config.Address, s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", addr, err)
	}

	s.listener = listener
	s.started = time.Now()

	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("http server stopped", zap.Error(err))
		}
	}()

	s.log.Info("http server listening",
		zap.String("addr", listener.Addr().String()),
		zap.String("version", Version))
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Addr returns the server's listen address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// Handler builds the full middleware-wrapped router. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleRoot)
	mux.Handle("/query", s.verifier.Middleware(http.HandlerFunc(s.handleQuery)))
	mux.Handle("/query/", s.verifier.Middleware(http.HandlerFunc(s.handleQueryByID)))
	mux.Handle("/query/ws", s.verifier.Middleware(http.HandlerFunc(s.handleWebSocket)))
	mux.Handle("/queries", s.verifier.Middleware(http.HandlerFunc(s.handleQueries)))
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/version", s.handleVersion)
	mux.Handle("/status", s.verifier.Middleware(http.HandlerFunc(s.handleStatus)))
	if s.collector != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.collector.Registry(), promhttp.HandlerOpts{}))
	}

	handler := s.headerMiddleware(mux)
	handler = s.corsMiddleware(handler)
	handler = s.loggingMiddleware(handler)
	handler = s.recoveryMiddleware(handler)
	return handler
}

// =============================================================================
// Middleware
// =============================================================================

// headerMiddleware stamps identity headers on every response so callers
// behind a load balancer can tell which instance and build answered.
func (s *Server) headerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Backend-Hostname", s.hostname)
		w.Header().Set("X-Server-Version", Version)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.requestCount.Add(1)
		if wrapped.status >= http.StatusInternalServerError {
			s.errorCount.Add(1)
		}
		if s.collector != nil {
			s.collector.HTTPRequests.WithLabelValues(r.Method, r.URL.Path, fmt.Sprint(wrapped.status)).Inc()
			s.collector.HTTPDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
		}

		// Health probes are noise.
		if r.URL.Path == "/healthz" {
			return
		}
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.status),
			zap.Duration("elapsed", time.Since(start)))
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				s.log.Error("panic in handler",
					zap.Any("panic", rec),
					zap.ByteString("stack", buf[:n]))
				s.errorCount.Add(1)
				s.writeError(w, http.StatusInternalServerError, errors.New("internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Error mapping and JSON helpers
// =============================================================================

// statusFor maps pipeline errors onto HTTP status codes. Unrecognized
// failures are server faults.
func statusFor(err error) int {
	switch {
	case errors.Is(err, query.ErrBadRequest), errors.Is(err, query.ErrQuery):
		return http.StatusBadRequest
	case errors.Is(err, pool.ErrPoolTimeout):
		return http.StatusRequestTimeout
	case errors.Is(err, query.ErrCancelled):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) readJSON(r *http.Request, v any) error {
	body := io.LimitReader(r.Body, s.config.MaxRequestSize)
	dec := json.NewDecoder(body)
	dec.UseNumber()
	return dec.Decode(v)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	msg := sanitize.Credentials(err.Error())
	s.writeJSON(w, status, map[string]any{
		"error":   true,
		"message": msg,
		"code":    status,
	})
}

// responseWriter captures the status code for logging.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack lets the WebSocket upgrade work through the logging wrapper.
func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("server: response writer does not support hijacking")
	}
	return h.Hijack()
}
