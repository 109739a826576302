package web

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fleet-console/internal/console"
	"fleet-console/internal/state"
)

// Console is the part of the engine facade the web layer drives.
// *console.Console implements it.
type Console interface {
	Snapshot() *state.Snapshot
	Subscribe(fn func(*state.Snapshot)) func()
	Select(ctx context.Context, field state.Field, value string) error
	Refresh(ctx context.Context, stage state.StageID) error
	SetPollConfig(ctx context.Context, pc console.PollConfig) error
	PollConfig() console.PollConfig
	Reset(ctx context.Context) error
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithVersion sets the version reported by /api/version.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// WithMetrics exposes the Prometheus registry on /metrics.
func WithMetrics(enabled bool) ServerOption {
	return func(s *Server) {
		s.metrics = enabled
	}
}

// Server is the HTTP front of the console: a JSON API plus a websocket
// that pushes every published snapshot.
type Server struct {
	console        Console
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	handler        http.Handler
	apiKey         string
	allowedOrigins []string
	version        string
	metrics        bool
	wg             sync.WaitGroup
	unsubscribe    func()
}

// NewServer creates a new web server and starts its websocket hub.
func NewServer(c Console, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		console: c,
		logger:  logger.With("component", "web"),
		mux:     http.NewServeMux(),
		metrics: true,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	s.unsubscribe = c.Subscribe(s.wsHub.Broadcast)
	s.wsHub.Broadcast(c.Snapshot())

	s.routes()
	s.handler = s.withLogging(s.withCORS(s.withAPIKey(s.mux)))
	return s
}

// Stop gracefully shuts down the WebSocket hub and waits for goroutines.
func (s *Server) Stop() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/snapshot", s.handleAPISnapshot)
	s.mux.HandleFunc("GET /api/stages/{stage}", s.handleAPIStage)
	s.mux.HandleFunc("POST /api/select", s.handleAPISelect)
	s.mux.HandleFunc("POST /api/refresh/{stage}", s.handleAPIRefresh)
	s.mux.HandleFunc("GET /api/poll", s.handleAPIGetPoll)
	s.mux.HandleFunc("PUT /api/poll", s.handleAPISetPoll)
	s.mux.HandleFunc("POST /api/reset", s.handleAPIReset)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	if s.metrics {
		s.mux.Handle("GET /metrics", promhttp.Handler())
	}

	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// withCORS rejects cross-origin writes from origins that are not allowed
// and answers preflight requests. Reads pass through.
func (s *Server) withCORS(next http.Handler) http.Handler {
	if len(s.allowedOrigins) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" || r.Method == http.MethodGet {
			next.ServeHTTP(w, r)
			return
		}
		if !s.originAllowed(origin) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Add("Vary", "Origin")
		if r.Method == http.MethodOptions {
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
			h.Set("Access-Control-Max-Age", "3600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withAPIKey guards /api/. The websocket and /metrics stay open: browsers
// cannot set headers on a WS upgrade and scrapers authenticate elsewhere.
func (s *Server) withAPIKey(next http.Handler) http.Handler {
	if s.apiKey == "" {
		return next
	}
	want := []byte(s.apiKey)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") &&
			subtle.ConstantTimeCompare([]byte(r.Header.Get("X-API-Key")), want) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Unwrap lets http.ResponseController and the websocket upgrade reach the
// underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("http request", "method", r.Method, "path", r.URL.Path,
			"status", rec.status, "duration", time.Since(start))
	})
}

func (s *Server) originAllowed(origin string) bool {
	return slices.Contains(s.allowedOrigins, "*") || slices.Contains(s.allowedOrigins, origin)
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}
