// Package federation is the public façade of the identity federation
// layer. It routes login, callback, logout and refresh requests to the
// protocol flow handlers, owns the session and token lifecycle, and
// exposes the authorization middleware consumed by route handlers.
package federation

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/webqx-health/federation/audit"
	"github.com/webqx-health/federation/identity"
	"github.com/webqx-health/federation/oauthflow"
	"github.com/webqx-health/federation/providers"
	"github.com/webqx-health/federation/samlflow"
	"github.com/webqx-health/federation/sessions"
	"github.com/webqx-health/federation/token"
)

// Deps holds the collaborators the manager is constructed with. Nothing
// here is a hidden singleton; lifecycle belongs to the caller.
type Deps struct {
	Registry *providers.Registry
	OAuth2   *oauthflow.Handler
	SAML     *samlflow.Handler
	Store    *sessions.Store
	Codec    *token.Codec
	Audit    *audit.Logger
}

// Manager orchestrates the federation layer.
type Manager struct {
	deps    Deps
	nowFunc func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithNowFunc sets the clock (primarily for testing).
func WithNowFunc(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.nowFunc = now
	}
}

// NewManager validates the dependency set and builds the façade.
func NewManager(deps Deps, options ...ManagerOption) (*Manager, error) {
	if deps.Registry == nil {
		return nil, errors.New("[NewManager] Registry is required")
	}
	if deps.OAuth2 == nil {
		return nil, errors.New("[NewManager] OAuth2 handler is required")
	}
	if deps.SAML == nil {
		return nil, errors.New("[NewManager] SAML handler is required")
	}
	if deps.Store == nil {
		return nil, errors.New("[NewManager] Store is required")
	}
	if deps.Codec == nil {
		return nil, errors.New("[NewManager] Codec is required")
	}
	if deps.Audit == nil {
		return nil, errors.New("[NewManager] Audit logger is required")
	}

	m := &Manager{deps: deps, nowFunc: time.Now}
	for _, opt := range options {
		opt(m)
	}
	return m, nil
}

// ProviderProtocol reports the configured protocol of a provider, so the
// HTTP adapter can reject a mismatched protocol path before any login
// state is minted.
func (m *Manager) ProviderProtocol(providerName string) (providers.Protocol, error) {
	provider, err := m.deps.Registry.Lookup(providerName)
	if err != nil {
		return "", err
	}
	return provider.Protocol, nil
}

// LoginRedirect is the outcome of LoginURL: where to send the client and
// the state value bound to the attempt.
type LoginRedirect struct {
	URL      string
	State    string
	Protocol providers.Protocol
}

// LoginURL dispatches to the flow handler matching the provider's
// configured protocol and returns the redirect the client must follow.
func (m *Manager) LoginURL(ctx context.Context, providerName, redirectTarget string) (*LoginRedirect, error) {
	provider, err := m.deps.Registry.Lookup(providerName)
	if err != nil {
		return nil, err
	}

	switch provider.Protocol {
	case providers.ProtocolOAuth2:
		begin, err := m.deps.OAuth2.BeginLogin(ctx, providerName, redirectTarget)
		if err != nil {
			return nil, err
		}
		return &LoginRedirect{URL: begin.RedirectURL, State: begin.State, Protocol: provider.Protocol}, nil
	case providers.ProtocolSAML:
		begin, err := m.deps.SAML.BeginLogin(providerName, redirectTarget)
		if err != nil {
			return nil, err
		}
		return &LoginRedirect{URL: begin.RedirectURL, State: begin.RelayState, Protocol: provider.Protocol}, nil
	default:
		return nil, errors.Wrapf(identity.ErrUnknownProvider, "[Manager.LoginURL] unsupported protocol %q", provider.Protocol)
	}
}

// CallbackInput is the protocol-relevant content of a provider callback.
// The HTTP adapter fills the fields matching the provider's protocol.
type CallbackInput struct {
	Code         string // OAuth2
	State        string // OAuth2
	SAMLResponse string // SAML
	RelayState   string // SAML
}

// CallbackResult is a completed login: the minted session, its bearer
// token, the normalized claims and the post-login redirect target.
type CallbackResult struct {
	Token      string
	Session    *sessions.Session
	Claims     *identity.Claims
	RedirectTo string
}

// HandleCallback completes a provider callback: it dispatches to the flow
// handler, creates the session, issues the bearer token and writes an
// audit record for success or failure.
func (m *Manager) HandleCallback(ctx context.Context, providerName string, in CallbackInput) (*CallbackResult, error) {
	provider, err := m.deps.Registry.Lookup(providerName)
	if err != nil {
		m.auditLoginFailure(providerName, "", err)
		return nil, err
	}

	var (
		claims     *identity.Claims
		redirectTo string
	)
	switch provider.Protocol {
	case providers.ProtocolOAuth2:
		result, flowErr := m.deps.OAuth2.CompleteLogin(ctx, providerName, oauthflow.CallbackRequest{
			Code:  in.Code,
			State: in.State,
		})
		if flowErr != nil {
			m.auditLoginFailure(providerName, provider.Protocol, flowErr)
			return nil, flowErr
		}
		claims, redirectTo = result.Claims, result.RedirectTo
	case providers.ProtocolSAML:
		result, flowErr := m.deps.SAML.CompleteLogin(providerName, samlflow.CallbackRequest{
			SAMLResponse: in.SAMLResponse,
			RelayState:   in.RelayState,
		})
		if flowErr != nil {
			m.auditLoginFailure(providerName, provider.Protocol, flowErr)
			return nil, flowErr
		}
		claims, redirectTo = result.Claims, result.RedirectTo
	default:
		err := errors.Wrapf(identity.ErrUnknownProvider, "[Manager.HandleCallback] unsupported protocol %q", provider.Protocol)
		m.auditLoginFailure(providerName, provider.Protocol, err)
		return nil, err
	}

	session := m.deps.Store.Create(claims.Subject, provider.Name, provider.Protocol, claims.Roles, claims.Groups)
	signed, err := m.deps.Codec.Issue(session)
	if err != nil {
		wrapped := errors.Wrap(err, "[Manager.HandleCallback] issue token")
		m.auditLoginFailure(providerName, provider.Protocol, wrapped)
		return nil, wrapped
	}

	m.deps.Audit.Record(audit.Record{
		Kind:     audit.EventLogin,
		Subject:  claims.Subject,
		Provider: provider.Name,
		Protocol: provider.Protocol,
		Outcome:  audit.OutcomeSuccess,
	})

	return &CallbackResult{
		Token:      signed,
		Session:    session,
		Claims:     claims,
		RedirectTo: redirectTo,
	}, nil
}

// Logout revokes the session behind the token. An invalid or already-dead
// token is a no-op success, audited as logout-noop.
func (m *Manager) Logout(rawToken string) {
	verified, err := m.deps.Codec.Verify(rawToken)
	if err != nil {
		m.deps.Audit.Record(audit.Record{
			Kind:    audit.EventLogoutNoop,
			Outcome: audit.OutcomeSuccess,
			Reason:  "token invalid at logout",
		})
		return
	}

	session, err := m.deps.Store.Get(verified.SessionID)
	if err != nil {
		m.deps.Audit.Record(audit.Record{
			Kind:    audit.EventLogoutNoop,
			Subject: verified.SubjectID,
			Outcome: audit.OutcomeSuccess,
			Reason:  "session already gone at logout",
		})
		return
	}

	m.deps.Store.Revoke(session.ID)
	m.deps.Audit.Record(audit.Record{
		Kind:     audit.EventLogout,
		Subject:  session.SubjectID,
		Provider: session.Provider,
		Protocol: session.Protocol,
		Outcome:  audit.OutcomeSuccess,
	})
}

// Refresh extends a live session and re-issues its bearer token. Any
// session that is revoked, expired or past its hard lifetime yields
// ErrSessionExpired, forcing a full re-login.
func (m *Manager) Refresh(rawToken string) (string, *sessions.Session, error) {
	verified, err := m.deps.Codec.Verify(rawToken)
	if err != nil {
		refreshErr := errors.Wrap(identity.ErrSessionExpired, "[Manager.Refresh] token invalid")
		m.auditRefreshFailure("", "", refreshErr)
		return "", nil, refreshErr
	}

	session, err := m.deps.Store.Extend(verified.SessionID)
	if err != nil {
		refreshErr := errors.Wrap(identity.ErrSessionExpired, "[Manager.Refresh]")
		m.auditRefreshFailure(verified.SubjectID, verified.Provider, refreshErr)
		return "", nil, refreshErr
	}

	signed, err := m.deps.Codec.Issue(session)
	if err != nil {
		wrapped := errors.Wrap(err, "[Manager.Refresh] issue token")
		m.auditRefreshFailure(session.SubjectID, session.Provider, wrapped)
		return "", nil, wrapped
	}

	m.deps.Audit.Record(audit.Record{
		Kind:     audit.EventRefresh,
		Subject:  session.SubjectID,
		Provider: session.Provider,
		Protocol: session.Protocol,
		Outcome:  audit.OutcomeSuccess,
	})
	return signed, session, nil
}

// Authenticate resolves a bearer token into live claims. The session store
// is consulted on every call so revocation is effective immediately, even
// for tokens that have not yet expired.
func (m *Manager) Authenticate(rawToken string) (*identity.Claims, *sessions.Session, error) {
	if rawToken == "" {
		return nil, nil, errors.Wrap(identity.ErrUnauthenticated, "[Manager.Authenticate] no token")
	}
	verified, err := m.deps.Codec.Verify(rawToken)
	if err != nil {
		return nil, nil, errors.Wrap(identity.ErrUnauthenticated, "[Manager.Authenticate] token invalid")
	}

	session, err := m.deps.Store.Get(verified.SessionID)
	if err != nil {
		return nil, nil, errors.Wrap(identity.ErrUnauthenticated, "[Manager.Authenticate] session gone")
	}
	if session.Revoked || !session.Active(m.nowFunc()) {
		return nil, nil, errors.Wrap(identity.ErrUnauthenticated, "[Manager.Authenticate] session not active")
	}

	return &identity.Claims{
		Subject:  session.SubjectID,
		Provider: session.Provider,
		Roles:    session.Roles,
		Groups:   session.Groups,
	}, session, nil
}

func (m *Manager) auditLoginFailure(providerName string, protocol providers.Protocol, err error) {
	m.deps.Audit.Record(audit.Record{
		Kind:     audit.EventLoginDenied,
		Provider: providerName,
		Protocol: protocol,
		Outcome:  audit.OutcomeFailure,
		Reason:   Reason(err),
	})
}

func (m *Manager) auditRefreshFailure(subject, providerName string, err error) {
	m.deps.Audit.Record(audit.Record{
		Kind:     audit.EventRefresh,
		Subject:  subject,
		Provider: providerName,
		Outcome:  audit.OutcomeFailure,
		Reason:   Reason(err),
	})
}
