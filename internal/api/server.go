package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/config"
	"github.com/pwoodhouse2000/todoist-capacities-sync/internal/engine"
)

// Server is the HTTP surface of the sync daemon: webhook intake, the
// reconcile trigger, health, and metrics.
type Server struct {
	config      config.Config
	engine      *engine.Engine
	http        *http.Server
	metrics     *Metrics
	rateLimiter *RateLimiter
}

// NewServer creates a Server around a running engine.
func NewServer(cfg config.Config, eng *engine.Engine) *Server {
	s := &Server{
		config:      cfg,
		engine:      eng,
		metrics:     NewMetrics(),
		rateLimiter: NewRateLimiter(),
	}

	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Start begins listening for HTTP requests (non-blocking).
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("http server", "err", err)
		}
	}()
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// routes builds the HTTP handler with all routes and middleware.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /metricz", s.handleMetrics)

	mux.HandleFunc("POST /todoist/webhook", s.withIPRateLimit(s.handleWebhook, s.config.RateLimitWebhook))
	mux.HandleFunc("POST /queue/push", s.requireReconcileToken(s.handleQueuePush))
	mux.HandleFunc("POST /reconcile", s.requireReconcileToken(s.handleReconcile))

	return s.logRequests(mux)
}

// logRequests is the outermost middleware: request logging, metrics, and
// panic recovery.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("handler panic", "path", r.URL.Path, "panic", rec)
				s.metrics.RecordError()
				writeError(w, http.StatusInternalServerError, ErrCodeInternal, "internal error")
			}
		}()
		s.metrics.RecordRequest()
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

// withIPRateLimit wraps a handler with per-IP fixed-window rate limiting.
func (s *Server) withIPRateLimit(handler http.HandlerFunc, limit int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !s.rateLimiter.Allow("ip:"+host, limit) {
			s.metrics.RecordClientError()
			writeError(w, http.StatusTooManyRequests, ErrCodeRateLimited, "rate limit exceeded")
			return
		}
		handler(w, r)
	}
}

// requireReconcileToken authenticates the reconcile trigger with a bearer
// token.
func (s *Server) requireReconcileToken(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if s.config.ReconcileToken == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(s.config.ReconcileToken)) != 1 {
			s.metrics.RecordClientError()
			slog.Warn("unauthorized reconcile attempt", "remote", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid authorization token")
			return
		}
		handler(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.engine.Degraded() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot(s.engine.Counters()))
}

// handleReconcile runs a synchronous reconciliation pass and returns its
// summary.
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	summary, err := s.engine.Reconcile(r.Context())
	if err != nil {
		slog.Error("reconcile failed", "err", err)
		s.metrics.RecordError()
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "reconciliation failed")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
