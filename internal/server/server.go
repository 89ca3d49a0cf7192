package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/hjanuschka/go-projections/internal/auth"
	appconfig "github.com/hjanuschka/go-projections/internal/config"
	"github.com/hjanuschka/go-projections/internal/logging"
	"github.com/hjanuschka/go-projections/internal/metrics"
	"github.com/hjanuschka/go-projections/internal/projection"
	"github.com/hjanuschka/go-projections/internal/realtime"
)

type Config struct {
	Port        int
	Development bool
}

// Options wires a Server to the rest of the process.
type Options struct {
	Manager  *projection.Manager
	Security *appconfig.SecurityConfig
	// Realtime nil or disabled turns /ws off.
	Realtime *appconfig.RealtimeConfig
	Broker   realtime.MessageBroker
	// Metrics defaults to the global collector.
	Metrics *metrics.Collector
	// Logs backs the /logs routes; defaults to the global logger.
	Logs *logging.Logger
}

type Server struct {
	config         *Config
	manager        *projection.Manager
	hub            *realtime.Hub
	metrics        *metrics.Collector
	httpMux        *mux.Router
	jwtManager     *auth.JWTManager
	securityConfig *appconfig.SecurityConfig
	logs           *logging.Logger
	logger         *logging.ComponentLogger
}

func New(config *Config, opts Options) *Server {
	if opts.Metrics == nil {
		opts.Metrics = metrics.GetGlobalCollector()
	}
	if opts.Logs == nil {
		opts.Logs = logging.GetLogger()
	}

	s := &Server{
		config:         config,
		manager:        opts.Manager,
		metrics:        opts.Metrics,
		httpMux:        mux.NewRouter(),
		jwtManager:     auth.NewJWTManager(opts.Security.JWTSecret, opts.Security.TokenDuration()),
		securityConfig: opts.Security,
		logs:           opts.Logs,
		logger:         logging.GetLogger().WithComponent("server"),
	}

	if opts.Realtime != nil && opts.Realtime.Enabled {
		broker := opts.Broker
		if broker == nil {
			broker = realtime.NewMemoryBroker()
		}
		s.hub = realtime.NewHub(s.jwtManager, opts.Realtime, broker)
	}

	s.setupRoutes()

	s.logger.Info("Server configured", logging.Fields{
		"port":        config.Port,
		"development": config.Development,
		"realtime":    s.hub != nil,
	})
	return s
}

func (s *Server) setupRoutes() {
	// Apply metrics middleware to all routes
	s.httpMux.Use(s.metrics.Middleware)
	s.httpMux.Use(corsMiddleware)

	s.httpMux.HandleFunc("/health", s.handleHealth).Methods("GET")
	// preflight for every path; corsMiddleware answers it
	s.httpMux.Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	s.setupAuthRoutes()
	s.setupProjectionRoutes()
	s.setupMetricsRoutes()
	s.setupLogRoutes()

	if s.hub != nil {
		s.httpMux.Handle("/ws", s.hub).Methods("GET")
	}

	s.httpMux.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "route not found", nil)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"projections": len(s.manager.List()),
		"engine":      s.manager.Isolate().EngineName(),
	})
}

// Hub returns the websocket hub, nil when realtime is disabled.
func (s *Server) Hub() *realtime.Hub { return s.hub }

// JWTManager returns the token issuer used by the API.
func (s *Server) JWTManager() *auth.JWTManager { return s.jwtManager }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpMux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	json.NewEncoder(w).Encode(v)
}
