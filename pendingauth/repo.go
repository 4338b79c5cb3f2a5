// Package pendingauth tracks in-flight login attempts between the redirect
// to a provider and the matching callback. Entries are keyed by the OAuth2
// state or SAML relay-state value and are consumed exactly once; a callback
// presenting an unknown or already-consumed key is the CSRF/replay signal.
package pendingauth

import "time"

// Request is one pending login attempt.
type Request struct {
	State        string // state or relay-state value, the lookup key
	Provider     string
	CodeVerifier string // PKCE verifier (OAuth2 only)
	RequestID    string // AuthnRequest ID (SAML only), matched against InResponseTo
	RedirectTo   string // post-login redirect target
	CreatedAt    time.Time
}

// Repo stores pending login attempts. Consume must be atomic: of two
// concurrent callbacks racing for the same state, exactly one receives the
// entry and the other an error.
type Repo interface {
	Put(req *Request) error
	Consume(state string) (*Request, error)
	SweepExpired() int
}
