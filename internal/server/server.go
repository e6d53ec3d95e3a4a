// Package server is the reference captcha HTTP service.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/mux"

	"chemcaptcha/internal/config"
	"chemcaptcha/internal/database"
	"chemcaptcha/internal/payload"
	"chemcaptcha/internal/plugin"
	"chemcaptcha/internal/store"
)

const (
	minSize = 100
	maxSize = 2000

	maxCatalogLimit = 100

	maxVerifyBody = 64 << 10
)

type Server struct {
	cfg     config.Server
	db      *database.Database
	plugins *plugin.Registry
	tokens  *store.Store
	codec   *payload.Codec
	server  *http.Server
}

func New(cfg config.Server, db *database.Database, plugins *plugin.Registry) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	codec, err := payload.NewCodec(cfg.PayloadKey)
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:     cfg,
		db:      db,
		plugins: plugins,
		tokens:  store.New(cfg.TokenTTL),
		codec:   codec,
	}, nil
}

// Handler returns the routed and instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)

	api := r.PathPrefix("/api/captcha").Subrouter()
	api.HandleFunc("/list", s.handleList).Methods(http.MethodGet)
	api.HandleFunc("/random", s.handleRandom).Methods(http.MethodGet)
	api.HandleFunc("/verify", s.handleVerify).Methods(http.MethodPost)
	api.HandleFunc("/{slug}/generate", s.handleGenerate).Methods(http.MethodGet)
	api.HandleFunc("/{slug}/generate_custom", s.handleGenerateCustom).Methods(http.MethodGet)
	api.HandleFunc("/{slug}/catalog", s.handleCatalog).Methods(http.MethodGet)

	notFound := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		respondError(w, "not found", http.StatusNotFound)
	})
	notAllowed := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		respondError(w, "method not allowed", http.StatusMethodNotAllowed)
	})
	// a subrouter does not inherit these from its parent
	for _, router := range []*mux.Router{r, api} {
		router.NotFoundHandler = notFound
		router.MethodNotAllowedHandler = notAllowed
	}
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go s.tokens.CleanupLoop(ctx, time.Minute)

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[server] listening on %s (%s mode, plugins %v)", s.cfg.Addr, s.mode(), s.plugins.Slugs())
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server failed to start: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Println("[server] shutting down...")
	shutdownContext, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownContext); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Println("[server] exited")
	return nil
}

func (s *Server) mode() string {
	if s.cfg.DevMode {
		return "dev"
	}
	return "production"
}
