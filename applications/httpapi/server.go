// Package httpapi is the remote HTTP façade over the engine core. Clients
// authenticate with the X-API-Key header; key lifecycle and alert system
// management additionally require an admin key.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/acelab/ace/internal/engine"
	"github.com/acelab/ace/pkg/logger"
	"github.com/acelab/ace/pkg/metrics"
)

// Config controls the HTTP server.
type Config struct {
	Address      string `env:"ACE_API_ADDRESS,default=127.0.0.1:8643"`
	TLSCertFile  string `env:"ACE_API_TLS_CERT"`
	TLSKeyFile   string `env:"ACE_API_TLS_KEY"`
	RateLimitRPS int    `env:"ACE_API_RATE_LIMIT,default=100"`
}

// Server exposes the engine over HTTP.
type Server struct {
	core *engine.Core
	log  *logger.Logger
	cfg  Config
	http *http.Server
}

// NewServer builds the server and its routes.
func NewServer(core *engine.Core, cfg Config, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}

	s := &Server{core: core, log: log, cfg: cfg}

	router := mux.NewRouter()
	router.Use(s.recoveryMiddleware)
	router.Use(s.loggingMiddleware)
	router.Use(s.rateLimitMiddleware(cfg.RateLimitRPS))

	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	router.HandleFunc("/amt", s.auth(s.handleRegisterModuleType, false)).Methods(http.MethodPost)
	router.HandleFunc("/amt/{name}", s.auth(s.handleGetModuleType, false)).Methods(http.MethodGet)
	router.HandleFunc("/amt/{name}", s.auth(s.handleDeleteModuleType, false)).Methods(http.MethodDelete)
	router.HandleFunc("/process_request", s.auth(s.handleProcessRequest, false)).Methods(http.MethodPost)
	router.HandleFunc("/work_queue", s.auth(s.handleWorkQueue, false)).Methods(http.MethodPost)
	router.HandleFunc("/root/{uuid}", s.auth(s.handleGetRoot, false)).Methods(http.MethodGet)
	router.HandleFunc("/config", s.auth(s.handleGetConfig, false)).Methods(http.MethodGet)
	router.HandleFunc("/config", s.auth(s.handleSetConfig, false)).Methods(http.MethodPut)

	router.HandleFunc("/api_key", s.auth(s.handleCreateAPIKey, true)).Methods(http.MethodPost)
	router.HandleFunc("/api_key", s.auth(s.handleListAPIKeys, true)).Methods(http.MethodGet)
	router.HandleFunc("/api_key/{name}", s.auth(s.handleDeleteAPIKey, true)).Methods(http.MethodDelete)
	router.HandleFunc("/alert_system/{name}", s.auth(s.handleRegisterAlertSystem, true)).Methods(http.MethodPost)
	router.HandleFunc("/alert_system/{name}", s.auth(s.handleUnregisterAlertSystem, true)).Methods(http.MethodDelete)
	router.HandleFunc("/alert_system/{name}/alerts", s.auth(s.handleGetAlerts, true)).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:              cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the underlying router, for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ListenAndServe starts serving, with TLS when configured.
func (s *Server) ListenAndServe() error {
	s.log.WithField("address", s.cfg.Address).Info("http api listening")
	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		return s.http.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	}
	return s.http.ListenAndServe()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
