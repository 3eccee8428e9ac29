package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"github.com/HerbHall/genwatch/internal/metrics"
	"github.com/HerbHall/genwatch/internal/plugin"
	"github.com/HerbHall/genwatch/internal/version"
)

// Config holds the listener settings and the frontend-visible values served
// on /api/v1/config.
type Config struct {
	Addr           string
	MaxConnections int
	ReadTimeout    time.Duration
	IdleTimeout    time.Duration

	AppName        string
	WSURL          string
	OfflineTimeout time.Duration
}

// Middleware wraps the whole router. The access evaluator implements it.
type Middleware interface {
	Middleware(next http.Handler) http.Handler
}

// Server is the main genwatch server.
type Server struct {
	cfg        Config
	httpServer *http.Server
	registry   *plugin.Registry
	metrics    *metrics.Metrics
	logger     *zap.Logger
	mux        *http.ServeMux
}

// New creates a new Server instance. mw may be nil.
func New(cfg Config, reg *plugin.Registry, mw Middleware, m *metrics.Metrics, logger *zap.Logger) *Server {
	mux := http.NewServeMux()

	var handler http.Handler = mux
	if mw != nil {
		handler = mw.Middleware(mux)
	}

	// No read or write deadline: live sessions hold their connection open
	// indefinitely. ReadTimeout bounds only the request headers.
	s := &Server{
		cfg: cfg,
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           handler,
			ReadHeaderTimeout: cfg.ReadTimeout,
			IdleTimeout:       cfg.IdleTimeout,
		},
		registry: reg,
		metrics:  m,
		logger:   logger,
		mux:      mux,
	}

	s.registerCoreRoutes()
	s.mountPluginRoutes()

	return s
}

// Handler returns the root handler, including middleware.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// registerCoreRoutes sets up routes that are always available.
func (s *Server) registerCoreRoutes() {
	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/v1/plugins", s.handlePlugins)
	s.mux.HandleFunc("GET /api/v1/config", s.handleConfig)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}
	s.mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		NotFound(w, "no such endpoint", r.URL.Path)
	})
}

// mountPluginRoutes registers plugin API routes under /api/v1/{plugin}/ and
// public plugin routes at their own paths.
func (s *Server) mountPluginRoutes() {
	for pluginName, routes := range s.registry.AllRoutes() {
		for _, route := range routes {
			pattern := fmt.Sprintf("%s /api/v1/%s%s", route.Method, pluginName, route.Path)
			s.mux.HandleFunc(pattern, route.Handler)
			s.logger.Debug("mounted route",
				zap.String("plugin", pluginName),
				zap.String("pattern", pattern),
			)
		}
	}
	for pluginName, routes := range s.registry.PublicRoutes() {
		for _, route := range routes {
			pattern := route.Method + " " + route.Path
			s.mux.HandleFunc(pattern, route.Handler)
			s.logger.Debug("mounted public route",
				zap.String("plugin", pluginName),
				zap.String("pattern", pattern),
			)
		}
	}
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln, capping concurrent connections at
// Config.MaxConnections when it is positive.
func (s *Server) Serve(ln net.Listener) error {
	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}
	s.logger.Info("starting HTTP server",
		zap.String("addr", ln.Addr().String()),
		zap.Int("max_connections", s.cfg.MaxConnections),
	)
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// handleHealth returns the server health status. The overall status is
// degraded when any plugin reports so; the response code stays 200.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	plugins := s.registry.Health(r.Context())
	status := plugin.HealthOK
	for _, h := range plugins {
		if h.Status != plugin.HealthOK {
			status = plugin.HealthDegraded
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"service": "genwatch",
		"version": version.Map(),
		"release": version.IsRelease(),
		"plugins": plugins,
	})
}

// handlePlugins returns the list of registered plugins.
func (s *Server) handlePlugins(w http.ResponseWriter, _ *http.Request) {
	type pluginResponse struct {
		Name    string `json:"name"`
		Version string `json:"version"`
		Enabled bool   `json:"enabled"`
	}
	plugins := s.registry.All()
	info := make([]pluginResponse, 0, len(plugins))
	for _, p := range plugins {
		info = append(info, pluginResponse{
			Name:    p.Name(),
			Version: p.Version(),
			Enabled: s.registry.Enabled(p.Name()),
		})
	}
	writeJSON(w, http.StatusOK, info)
}

// handleConfig returns the subset of configuration the frontend needs. It
// never includes secrets.
func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"app_name":                s.cfg.AppName,
		"version":                 version.Short(),
		"ws_url":                  s.cfg.WSURL,
		"offline_timeout_seconds": int(s.cfg.OfflineTimeout.Seconds()),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Genwatch-Version", version.Short())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
