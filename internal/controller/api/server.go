// Package api exposes the controller's REST interface.
//
// The API is consumed by the chat backend, not by end users directly. A
// shared service secret carried in the X-Service-Secret header authenticates
// callers; /health stays open for probes.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/agentdock/agentdock/common/trace"
	"github.com/agentdock/agentdock/internal/controller/forward"
	"github.com/agentdock/agentdock/internal/controller/lifecycle"
	"github.com/agentdock/agentdock/internal/controller/observability"
	"github.com/agentdock/agentdock/internal/controller/profile"
	"github.com/agentdock/agentdock/internal/controller/store"
)

// secretHeader authenticates service-to-service calls.
const secretHeader = "X-Service-Secret"

// Config collects the server's dependencies.
type Config struct {
	Addr      string
	Store     *store.Store
	Manager   *lifecycle.Manager
	Forwarder *forward.Forwarder
	Profiles  *profile.Catalog
	// MasterKey encrypts incoming session credentials at rest. Nil rejects
	// credentials on session creation.
	MasterKey []byte
	// ServiceSecret guards every route except /health. Empty disables auth
	// (dev/test mode).
	ServiceSecret string
	Logger        *slog.Logger
}

// Server is the controller's HTTP API server.
type Server struct {
	cfg       Config
	mux       *http.ServeMux
	server    *http.Server
	startedAt time.Time
	logger    *slog.Logger
}

// NewServer creates and configures the API server (does not start it).
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		startedAt: time.Now(),
		logger:    cfg.Logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.Handle("POST /sessions", s.auth(s.handleCreateSession))
	s.mux.Handle("GET /sessions", s.auth(s.handleListSessions))
	s.mux.Handle("GET /sessions/{id}", s.auth(s.handleGetSession))
	s.mux.Handle("DELETE /sessions/{id}", s.auth(s.handleDeleteSession))
	s.mux.Handle("POST /sessions/{id}/start", s.auth(s.handleStartSession))
	s.mux.Handle("POST /sessions/{id}/stop", s.auth(s.handleStopSession))
	s.mux.Handle("GET /sessions/{id}/status", s.auth(s.handleSessionStatus))
	s.mux.Handle("GET /sessions/{id}/logs", s.auth(s.handleSessionLogs))
	s.mux.Handle("POST /sessions/{id}/chat", s.auth(s.handleChat))
	s.mux.Handle("GET /sessions/{id}/providers", s.auth(s.handleSessionProviders))
	s.mux.Handle("GET /profiles", s.auth(s.handleListProfiles))
}

// ServeHTTP implements http.Handler so the server can be tested without a
// live network listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.withTrace(s.mux).ServeHTTP(w, r)
}

// withTrace accepts or generates a trace ID and stores it in the context.
func (s *Server) withTrace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(trace.HeaderName)
		if traceID == "" {
			traceID = trace.GenerateID()
		}
		ctx := trace.WithTraceID(r.Context(), traceID)
		w.Header().Set(trace.HeaderName, traceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// auth enforces the service secret.
func (s *Server) auth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.ServiceSecret != "" {
			got := r.Header.Get(secretHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.ServiceSecret)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid or missing service secret")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Start begins listening in the background. Blocks until the listener is
// established so the caller knows the port is open before returning.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("api server: listen %s: %w", s.cfg.Addr, err)
	}

	s.server = &http.Server{
		Handler:      s,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 150 * time.Second, // must outlive the chat timeout
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		s.logger.Info("api server listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("api server stopped", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("api server shutdown error", "err", err)
		}
	}()

	return nil
}

// Stop shuts down the HTTP server.
func (s *Server) Stop() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("api server shutdown error", "err", err)
	}
}

// writeJSON serialises v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("api: failed to encode JSON response", "err", err)
	}
}

// writeError writes a JSON error body.
func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// logFor returns a request-scoped logger with the trace ID attached.
func logFor(r *http.Request) *slog.Logger {
	return observability.WithTrace(r.Context())
}
