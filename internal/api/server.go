package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seantiz/funclite/internal/fleet"
	"github.com/seantiz/funclite/internal/function"
	"github.com/seantiz/funclite/internal/pool"
	"github.com/seantiz/funclite/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Services are the control plane components the API exposes.
type Services struct {
	Functions *function.Registry
	Fleet     *fleet.Fleet
	Pools     *pool.Manager
	Store     store.Store
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router    *chi.Mux
	functions *function.Registry
	fleet     *fleet.Fleet
	pools     *pool.Manager
	store     store.Store
	jwtSecret []byte
	logger    *slog.Logger
	addr      string
}

// NewServer creates and configures a new HTTP server. A non-empty jwtSecret
// turns on bearer token checks for mutating routes.
func NewServer(addr string, svc Services, jwtSecret string, logger *slog.Logger) *Server {
	srv := &Server{
		router:    chi.NewRouter(),
		functions: svc.Functions,
		fleet:     svc.Fleet,
		pools:     svc.Pools,
		store:     svc.Store,
		jwtSecret: []byte(jwtSecret),
		logger:    logger,
		addr:      addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/pools", s.handleListPools)
		r.Get("/invocations", s.handleListInvocations)
		r.Get("/stats", s.handleGetStats)

		r.Route("/functions", func(r chi.Router) {
			r.Get("/", s.handleListFunctions)
			r.Get("/{name}", s.handleGetFunction)
			r.Get("/{name}/versions", s.handleListVersions)
			r.Post("/{name}/run", s.handleRunFunction)

			r.Group(func(r chi.Router) {
				r.Use(s.requireToken)
				r.Post("/{name}", s.handleCreateFunction)
				r.Delete("/{name}", s.handleDeleteFunction)
				r.Delete("/{name}/versions/{version}", s.handleDeleteVersion)
			})
		})

		r.Route("/apps", func(r chi.Router) {
			r.Get("/", s.handleListApps)
			r.Get("/{app}/groups", s.handleListGroups)
			r.Post("/{app}/functions/{function}", s.handleInvokeApp)

			r.Group(func(r chi.Router) {
				r.Use(s.requireToken)
				r.Post("/{app}", s.handleCreateApp)
				r.Delete("/{app}", s.handleDeleteApp)
			})
		})
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down", "cause", context.Cause(ctx).Error())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
