// Package server hosts the local interception boundary's HTTP server and
// its middleware chain.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Server wraps the router and the listening HTTP server so shutdown can be
// driven from teardown.
type Server struct {
	Router *chi.Mux
	Port   int

	logger *slog.Logger
	httpd  *http.Server
}

// New builds the middleware chain. Request handlers stream SSE, so no
// write timeout is set on the underlying server.
func New(port int, logger *slog.Logger) *Server {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "llm-bridge")
	})

	return &Server{
		Router: r,
		Port:   port,
		logger: logger,
		httpd: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start listens until the server is shut down. http.ErrServerClosed is
// returned on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting interception server", slog.Int("port", s.Port))
	return s.httpd.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpd.Shutdown(ctx)
}
