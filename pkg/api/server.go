package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/cuemby/glacier/pkg/lifecycle"
	"github.com/cuemby/glacier/pkg/metrics"
	"github.com/cuemby/glacier/pkg/registry"
)

// Config controls transport-level behavior: the
// listing limit ceiling and the default delayed_delete policy applied
// when a DELETE request does not say otherwise.
type Config struct {
	Addr          string
	MaxListLimit  int
	DelayedDelete bool
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
}

// DefaultConfig leaves delayed delete off, so an unqualified DELETE
// removes the body synchronously.
func DefaultConfig() Config {
	return Config{
		Addr:         ":9292",
		MaxListLimit: 1000,
		ReadTimeout:  0, // body uploads may be large and slow; no fixed read deadline
		WriteTimeout: 0, // body downloads stream for as long as the client reads
	}
}

// Server is the HTTP transport shim, dispatching gorilla/mux routes
// onto pkg/registry and pkg/lifecycle: one struct wrapping every
// collaborator it needs, built once at construction and never
// mutated afterward.
type Server struct {
	registry  *registry.Service
	lifecycle *lifecycle.Controller
	cfg       Config
	logger    zerolog.Logger

	router *mux.Router
	http   *http.Server
}

// NewServer builds a Server wired to reg and lc and registers every
// route.
func NewServer(reg *registry.Service, lc *lifecycle.Controller, cfg Config) *Server {
	s := &Server{
		registry:  reg,
		lifecycle: lc,
		cfg:       cfg,
		logger:    componentLogger(),
		router:    mux.NewRouter(),
	}
	s.routes()
	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	metrics.RegisterComponent("api", true, "")
	return s
}

func (s *Server) routes() {
	s.router.Use(requestLogger(s.logger))

	s.router.HandleFunc("/images", s.handleListImages).Methods(http.MethodGet)
	s.router.HandleFunc("/images", s.handleCreateImage).Methods(http.MethodPost)
	s.router.HandleFunc("/images/{id}", s.handleGetImageMeta).Methods(http.MethodHead, http.MethodGet)
	s.router.HandleFunc("/images/{id}", s.handleUpdateImage).Methods(http.MethodPut)
	s.router.HandleFunc("/images/{id}", s.handleDeleteImage).Methods(http.MethodDelete)
	s.router.HandleFunc("/images/{id}/file", s.handleUploadBody).Methods(http.MethodPut)
	s.router.HandleFunc("/images/{id}/file", s.handleDownloadBody).Methods(http.MethodGet)

	s.router.HandleFunc("/images/{id}/tags/{value}", s.handleAddTag).Methods(http.MethodPut)
	s.router.HandleFunc("/images/{id}/tags/{value}", s.handleRemoveTag).Methods(http.MethodDelete)

	s.router.HandleFunc("/images/{id}/members", s.handleListMembers).Methods(http.MethodGet)
	s.router.HandleFunc("/images/{id}/members", s.handleReplaceMembers).Methods(http.MethodPut)
	s.router.HandleFunc("/images/{id}/members/{member}", s.handleAddMember).Methods(http.MethodPut)
	s.router.HandleFunc("/images/{id}/members/{member}", s.handleRemoveMember).Methods(http.MethodDelete)
	s.router.HandleFunc("/shared-images/{member}", s.handleSharedImages).Methods(http.MethodGet)

	s.router.Handle("/metrics", metrics.Handler())
	s.router.HandleFunc("/health", metrics.HealthHandler())
	s.router.HandleFunc("/ready", metrics.ReadyHandler())
	s.router.HandleFunc("/live", metrics.LivenessHandler())
}

// Router exposes the underlying mux.Router for tests.
func (s *Server) Router() *mux.Router { return s.router }

// Start begins serving and blocks until the server stops or fails.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.cfg.Addr).Msg("api server listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully shuts the server down, waiting for in-flight
// requests (including streaming bodies) to finish or ctx to expire.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("api server shutting down")
	return s.http.Shutdown(ctx)
}
