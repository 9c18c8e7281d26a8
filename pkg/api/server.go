package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/coralhq/coral/pkg/log"
	"github.com/coralhq/coral/pkg/metrics"
	"github.com/coralhq/coral/pkg/pipeline"
)

// Config wires the HTTP server.
type Config struct {
	Addr     string
	Pipeline *pipeline.Pipeline
	Auth     Authenticator
	// Redis and DB are only pinged by the health endpoint.
	Redis redis.UniversalClient
	DB    *sqlx.DB
}

// Server exposes the pipeline over HTTP: the feed and notification
// endpoints, the WebSocket push endpoint, health and metrics.
type Server struct {
	cfg Config
	mux *chi.Mux
	srv *http.Server
}

// NewServer builds the route table.
func NewServer(cfg Config) *Server {
	s := &Server{cfg: cfg}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(s.withPrincipal)
		r.Post("/activity", s.handlePostActivity)
		r.Get("/activity", s.handleOwnActivityStream)
		r.Get("/activity/{resourceID}", s.handleActivityStream)
		r.Delete("/activity/{resourceID}", s.handleRemoveActivityStream)
		r.Get("/notifications", s.handleNotifications)
		r.Post("/notifications/markRead", s.handleMarkRead)
		r.Get("/push", cfg.Pipeline.Push().Handler())
	})

	s.mux = r
	return s
}

// Handler returns the route table for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until Stop or a listener error. It blocks; run it on its own
// goroutine.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	log.WithComponent("api").Info().Str("addr", s.cfg.Addr).Msg("api server listening")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	log.WithComponent("api").Info().Msg("api server stopping")
	return s.srv.Shutdown(ctx)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.WithComponent("api").Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request served")
	})
}
