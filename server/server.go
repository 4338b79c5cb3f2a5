// Package server is the HTTP adapter over the federation manager. It owns
// cookies, redirects and routing; all protocol and session logic stays in
// the federation layer.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/webqx-health/federation/federation"
)

// Server exposes the federation endpoints and wires the authorization
// middleware for protected routes.
type Server struct {
	router        chi.Router
	manager       *federation.Manager
	log           zerolog.Logger
	secureCookies bool
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithInsecureCookies drops the Secure cookie attribute, for local
// development over plain HTTP only.
func WithInsecureCookies() ServerOption {
	return func(s *Server) {
		s.secureCookies = false
	}
}

// New creates the HTTP adapter around a federation manager.
func New(manager *federation.Manager, log zerolog.Logger, options ...ServerOption) *Server {
	s := &Server{
		router:        chi.NewRouter(),
		manager:       manager,
		log:           log,
		secureCookies: true,
	}
	for _, opt := range options {
		opt(s)
	}

	s.router.Use(chimw.RequestID)
	s.router.Use(chimw.Recoverer)
	s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Mount attaches an external route handler under pattern, for the rest of
// the platform to hang protected routes off this router.
func (s *Server) Mount(pattern string, h http.Handler) {
	s.router.Mount(pattern, h)
}

// Manager exposes the federation manager so callers can wrap their own
// routes in the authorization middleware.
func (s *Server) Manager() *federation.Manager {
	return s.manager
}
