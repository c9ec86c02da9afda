package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Server owns the HTTP listener over the configured routes.
type Server struct {
	handler  http.Handler
	handlers *Handlers
	router   *chi.Mux
	server   *http.Server
}

// NewServer wires the handlers into a routed server.
func NewServer(handlers *Handlers) *Server {
	router := SetupRoutes(handlers)
	return &Server{
		handler:  router,
		handlers: handlers,
		router:   router,
	}
}

// ListenAndServe starts the HTTP server on addr.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.handler,
		// Optimize requests carry their own soft deadline; these bounds
		// only fence off stuck connections.
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.handler
}
