// Package sessions owns the server-side record of authenticated
// principals. The bearer token handed to clients is derived from a Session
// but the store remains the source of truth for revocation.
package sessions

import (
	"time"

	"github.com/webqx-health/federation/providers"
)

// Session is one authenticated principal's validity window.
// Lifecycle: created -> active -> (refreshed -> active)* -> revoked|expired.
// Revoked and expired are terminal.
type Session struct {
	ID        string
	SubjectID string
	Provider  string
	Protocol  providers.Protocol
	Roles     []string
	Groups    []string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Revoked   bool
}

// Active reports whether the session is usable at the given instant.
func (s *Session) Active(now time.Time) bool {
	return !s.Revoked && now.Before(s.ExpiresAt)
}
