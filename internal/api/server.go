// Package api implements the diagnostics HTTP API: read-only views of
// the site's devices and clients, a handful of controller mutations and
// a websocket stream of bus events.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nugget/omada-bridge/internal/connwatch"
	"github.com/nugget/omada-bridge/internal/integration"
)

// requestTimeout bounds every route except the event stream.
const requestTimeout = 20 * time.Second

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, code int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// StatusSource reports the state of watched services. *connwatch.Manager
// satisfies it.
type StatusSource interface {
	Status() map[string]connwatch.ServiceStatus
}

// EntityCounter reports how many discovery entities are announced.
// *mqtt.Bridge satisfies it.
type EntityCounter interface {
	Entities() int
}

// Config configures a [Server].
type Config struct {
	Address string
	Port    int

	// Services is optional; nil omits the services block from
	// /api/status.
	Services StatusSource
	// Entities is optional; nil omits the mqtt block from /api/status.
	Entities EntityCounter

	Logger *slog.Logger
}

// Server is the diagnostics HTTP server.
type Server struct {
	cfg    Config
	logger *slog.Logger
	integ  atomic.Pointer[integration.Integration]
	server *http.Server
}

// NewServer creates a server for integ. The integration can be swapped
// later with SetIntegration, for example after a configuration reload.
func NewServer(cfg Config, integ *integration.Integration) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, logger: logger}
	s.integ.Store(integ)
	return s
}

// SetIntegration replaces the site connection the handlers read from.
func (s *Server) SetIntegration(integ *integration.Integration) {
	s.integ.Store(integ)
}

func (s *Server) integration() *integration.Integration {
	return s.integ.Load()
}

// Handler builds the routing tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.withLogging)

	r.Get("/healthz", s.handleHealth)
	r.Route("/api", func(api chi.Router) {
		api.Get("/events", s.handleEvents)

		api.Group(func(api chi.Router) {
			api.Use(middleware.Timeout(requestTimeout))

			api.Get("/status", s.handleStatus)
			api.Get("/devices", s.handleDevices)
			api.Get("/devices/{mac}", s.handleDevice)
			api.Get("/clients", s.handleClients)
			api.Get("/known-clients", s.handleKnownClients)
			api.Get("/ssids", s.handleSSIDs)

			api.Post("/refresh", s.handleRefresh)
			api.Put("/devices/{mac}/radios/{band}", s.handleSetRadio)
			api.Put("/devices/{mac}/ssids/{ssid}", s.handleSetSSID)
			api.Post("/devices/{mac}/upgrade", s.handleUpgrade)
			api.Put("/clients/{mac}/block", s.handleSetBlocked)
		})
	})
	return r
}

// Start begins serving HTTP requests. It blocks until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.cfg.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.cfg.Port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}
