package server

import "github.com/go-chi/chi/v5"

func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/auth", func(r chi.Router) {
		r.Get("/{protocol}/{provider}", s.handleLogin)
		r.Get("/{protocol}/{provider}/callback", s.handleCallback)
		r.Post("/{protocol}/{provider}/callback", s.handleCallback)
		r.Post("/logout", s.handleLogout)
		r.Post("/refresh", s.handleRefresh)
	})
}
