package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/webqx-health/federation/federation"
)

// handleLogin starts a login and redirects the client to the provider.
// The optional redirect query parameter names the post-login target; only
// local paths are honored.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")
	target := sanitizeRedirect(r.URL.Query().Get("redirect"))

	// Reject a mismatched protocol path before any login state is minted.
	protocol, err := s.manager.ProviderProtocol(providerName)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if string(protocol) != chi.URLParam(r, "protocol") {
		s.writeErrorStatus(w, http.StatusNotFound, "provider not served under this protocol path")
		return
	}

	login, err := s.manager.LoginURL(r.Context(), providerName, target)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	http.Redirect(w, r, login.URL, http.StatusFound)
}

// handleCallback completes a login, sets the session cookie and redirects
// to the original target.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")

	input := federation.CallbackInput{
		Code:  r.URL.Query().Get("code"),
		State: r.URL.Query().Get("state"),
	}
	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err != nil {
			s.writeErrorStatus(w, http.StatusBadRequest, "malformed form body")
			return
		}
		input.SAMLResponse = r.PostFormValue("SAMLResponse")
		input.RelayState = r.PostFormValue("RelayState")
	}

	result, err := s.manager.HandleCallback(r.Context(), providerName, input)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.setSessionCookie(w, result.Token, result.Session.ExpiresAt)

	target := sanitizeRedirect(result.RedirectTo)
	if target == "" {
		target = "/"
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// handleLogout revokes the session and clears the cookie. Always succeeds.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.manager.Logout(federation.BearerToken(r))
	s.clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// handleRefresh extends the session and resets the cookie.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	token, session, err := s.manager.Refresh(federation.BearerToken(r))
	if err != nil {
		s.clearSessionCookie(w)
		s.writeError(w, r, err)
		return
	}

	s.setSessionCookie(w, token, session.ExpiresAt)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"expires_at": session.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "webqx-identity-federation",
	})
}

func (s *Server) setSessionCookie(w http.ResponseWriter, token string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     federation.SessionCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   s.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     federation.SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := federation.HTTPStatus(err)
	reason := federation.Reason(err)
	s.log.Warn().Int("status", status).Str("path", r.URL.Path).Str("reason", reason).Msg("auth request failed")
	s.writeErrorStatus(w, status, reason)
}

func (s *Server) writeErrorStatus(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// sanitizeRedirect keeps post-login redirects on this origin: relative
// paths only, no scheme-relative or absolute URLs.
func sanitizeRedirect(target string) string {
	if target == "" || !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") {
		return ""
	}
	return target
}
