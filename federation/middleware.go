package federation

import (
	"context"
	"net/http"
	"strings"

	"github.com/webqx-health/federation/identity"
)

// SessionCookieName is the cookie carrying the session bearer token.
const SessionCookieName = "wq_session"

// ContextKey is a private type for request-context keys.
type ContextKey string

const (
	// ContextKeyClaims stores the authenticated *identity.Claims.
	ContextKeyClaims ContextKey = "federation_claims"
	// ContextKeySessionID stores the authenticated session id.
	ContextKeySessionID ContextKey = "federation_session_id"
)

// ClaimsFromContext returns the claims attached by the middleware, if any.
func ClaimsFromContext(ctx context.Context) (*identity.Claims, bool) {
	claims, ok := ctx.Value(ContextKeyClaims).(*identity.Claims)
	return claims, ok
}

// SessionIDFromContext returns the session id attached by the middleware.
func SessionIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ContextKeySessionID).(string)
	return id, ok
}

// BearerToken extracts the session token from the request: the session
// cookie first, then the Authorization header.
func BearerToken(r *http.Request) string {
	if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return parts[1]
	}
	return ""
}

// RequireAuthenticated rejects requests without a valid, non-revoked,
// non-expired session with 401.
func (m *Manager) RequireAuthenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, session, err := m.Authenticate(BearerToken(r))
		if err != nil {
			unauthorized(w)
			return
		}
		next.ServeHTTP(w, r.WithContext(withAuth(r.Context(), claims, session.ID)))
	})
}

// RequireRoles rejects sessions whose role set does not intersect the
// required set with 403. Implies RequireAuthenticated.
func (m *Manager) RequireRoles(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, session, err := m.Authenticate(BearerToken(r))
			if err != nil {
				unauthorized(w)
				return
			}
			if !claims.HasAnyRole(roles) {
				forbidden(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(withAuth(r.Context(), claims, session.ID)))
		})
	}
}

// RequireGroups is RequireRoles over the group set.
func (m *Manager) RequireGroups(groups ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, session, err := m.Authenticate(BearerToken(r))
			if err != nil {
				unauthorized(w)
				return
			}
			if !claims.HasAnyGroup(groups) {
				forbidden(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(withAuth(r.Context(), claims, session.ID)))
		})
	}
}

// OptionalAuth attaches claims when a valid session is present and never
// fails; downstream code branches on presence.
func (m *Manager) OptionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if claims, session, err := m.Authenticate(BearerToken(r)); err == nil {
			r = r.WithContext(withAuth(r.Context(), claims, session.ID))
		}
		next.ServeHTTP(w, r)
	})
}

func withAuth(ctx context.Context, claims *identity.Claims, sessionID string) context.Context {
	ctx = context.WithValue(ctx, ContextKeyClaims, claims)
	return context.WithValue(ctx, ContextKeySessionID, sessionID)
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	http.Error(w, `{"error":"unauthenticated"}`, http.StatusUnauthorized)
}

func forbidden(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
}
