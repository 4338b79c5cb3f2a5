package federation_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/webqx-health/federation/audit"
	"github.com/webqx-health/federation/federation"
	"github.com/webqx-health/federation/identity"
	"github.com/webqx-health/federation/internal/samltest"
	"github.com/webqx-health/federation/oauthflow"
	"github.com/webqx-health/federation/pendingauth"
	"github.com/webqx-health/federation/providers"
	"github.com/webqx-health/federation/samlflow"
	"github.com/webqx-health/federation/sessions"
	"github.com/webqx-health/federation/token"
)

const (
	samlSPEntityID = "https://portal.example.org/saml/metadata"
	samlRequestID  = "id-request-123"
	samlRelayState = "relay-state-1"
)

// system is a fully wired federation layer against stub OAuth2 and SAML
// IdPs.
type system struct {
	manager *federation.Manager
	store   *sessions.Store
	sink    *audit.MemorySink
	pending *pendingauth.InMemoryRepo
	samlIdP *samltest.IdP
}

// newSystem spins up a stub IdP whose token endpoint accepts the fixed
// code "abc" and whose userinfo returns a clinician principal.
func newSystem(t *testing.T) *system {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.PostFormValue("code") != "abc" {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "stub-access-token",
			"token_type":   "bearer",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer stub-access-token" {
			http.Error(w, `{"error":"invalid_token"}`, http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"sub":    "u1",
			"name":   "Dana Reyes",
			"roles":  []string{"provider"},
			"groups": []string{"cardiology"},
		})
	})
	idp := httptest.NewServer(mux)
	t.Cleanup(idp.Close)

	samlIdP := samltest.NewIdP(t, "https://idp.hospital.example/metadata")

	registry, err := providers.NewRegistry([]providers.Provider{
		{
			Name:     "acme",
			Protocol: providers.ProtocolOAuth2,
			OAuth2: &providers.OAuth2Config{
				ClientID:     "webqx-portal",
				ClientSecret: "portal-secret",
				AuthURL:      idp.URL + "/authorize",
				TokenURL:     idp.URL + "/token",
				UserInfoURL:  idp.URL + "/userinfo",
				RedirectURL:  "https://portal.example.org/auth/oauth2/acme/callback",
				Scopes:       []string{"openid", "profile"},
			},
			Mapping: identity.Mapping{
				RolesClaim:  "roles",
				GroupsClaim: "groups",
			},
		},
		{
			Name:     "hospital-idp",
			Protocol: providers.ProtocolSAML,
			SAML: &providers.SAMLConfig{
				IDPEntityID: samlIdP.EntityID,
				IDPSSOURL:   "https://idp.hospital.example/sso",
				SPEntityID:  samlSPEntityID,
				ACSURL:      "https://portal.example.org/auth/saml/hospital-idp/callback",
				Certificate: samlIdP.CertPEM,
			},
			Mapping: identity.Mapping{
				RolesClaim:  "role",
				GroupsClaim: "department",
			},
		},
	})
	require.NoError(t, err)

	pending := pendingauth.NewInMemoryRepo(5 * time.Minute)
	store := sessions.NewStore(30*time.Minute, sessions.WithMaxLifetime(8*time.Hour))
	t.Cleanup(store.Shutdown)

	codec, err := token.NewCodec([]byte("0123456789abcdef0123456789abcdef"), "federation-test")
	require.NoError(t, err)

	sink := audit.NewMemorySink()
	manager, err := federation.NewManager(federation.Deps{
		Registry: registry,
		OAuth2:   oauthflow.NewHandler(registry, pending),
		SAML:     samlflow.NewHandler(registry, pending),
		Store:    store,
		Codec:    codec,
		Audit:    audit.NewLogger(sink, true),
	})
	require.NoError(t, err)

	return &system{manager: manager, store: store, sink: sink, pending: pending, samlIdP: samlIdP}
}

// seedSAMLPending plants the pending request a SAML response fixture
// correlates with, standing in for a prior BeginLogin.
func (s *system) seedSAMLPending(t *testing.T) {
	t.Helper()
	require.NoError(t, s.pending.Put(&pendingauth.Request{
		State:     samlRelayState,
		Provider:  "hospital-idp",
		RequestID: samlRequestID,
	}))
}

// login drives a full authorization-code round trip and returns the result.
func (s *system) login(t *testing.T) *federation.CallbackResult {
	t.Helper()
	redirect, err := s.manager.LoginURL(context.Background(), "acme", "/dashboard")
	require.NoError(t, err)
	require.Equal(t, providers.ProtocolOAuth2, redirect.Protocol)

	result, err := s.manager.HandleCallback(context.Background(), "acme", federation.CallbackInput{
		Code:  "abc",
		State: redirect.State,
	})
	require.NoError(t, err)
	return result
}

func TestLoginEndToEnd(t *testing.T) {
	s := newSystem(t)

	result := s.login(t)
	require.NotEmpty(t, result.Token)
	require.Equal(t, "u1", result.Claims.Subject)
	require.Equal(t, []string{"provider"}, result.Claims.Roles)
	require.Equal(t, []string{"cardiology"}, result.Claims.Groups)
	require.Equal(t, "/dashboard", result.RedirectTo)

	claims, session, err := s.manager.Authenticate(result.Token)
	require.NoError(t, err)
	require.Equal(t, "u1", claims.Subject)
	require.Equal(t, result.Session.ID, session.ID)

	last, err := s.sink.Last()
	require.NoError(t, err)
	require.Equal(t, audit.EventLogin, last.Kind)
	require.Equal(t, audit.OutcomeSuccess, last.Outcome)
	require.Equal(t, "u1", last.Subject)
	require.Equal(t, "acme", last.Provider)
}

func TestCallbackForgedStateIsDeniedAndAudited(t *testing.T) {
	s := newSystem(t)

	_, err := s.manager.HandleCallback(context.Background(), "acme", federation.CallbackInput{
		Code:  "abc",
		State: "forged-state",
	})
	require.True(t, errors.Is(err, identity.ErrInvalidState))

	last, auditErr := s.sink.Last()
	require.NoError(t, auditErr)
	require.Equal(t, audit.EventLoginDenied, last.Kind)
	require.Equal(t, audit.OutcomeFailure, last.Outcome)
	require.Equal(t, "unknown", last.Subject)
	require.Equal(t, identity.ErrInvalidState.Error(), last.Reason)
	require.NotContains(t, last.Reason, "portal-secret")
}

func TestCallbackUnknownProviderIsAudited(t *testing.T) {
	s := newSystem(t)

	_, err := s.manager.HandleCallback(context.Background(), "ghost", federation.CallbackInput{
		Code:  "abc",
		State: "whatever",
	})
	require.True(t, errors.Is(err, identity.ErrUnknownProvider))

	last, auditErr := s.sink.Last()
	require.NoError(t, auditErr)
	require.Equal(t, audit.EventLoginDenied, last.Kind)
	require.Equal(t, "ghost", last.Provider)
}

func TestLoginURLUnknownProvider(t *testing.T) {
	s := newSystem(t)

	_, err := s.manager.LoginURL(context.Background(), "ghost", "/")
	require.True(t, errors.Is(err, identity.ErrUnknownProvider))
}

func TestLogoutRevokesImmediately(t *testing.T) {
	s := newSystem(t)
	result := s.login(t)

	_, _, err := s.manager.Authenticate(result.Token)
	require.NoError(t, err)

	s.manager.Logout(result.Token)

	// the token itself has not expired; revocation alone must deny it
	_, _, err = s.manager.Authenticate(result.Token)
	require.True(t, errors.Is(err, identity.ErrUnauthenticated))

	last, auditErr := s.sink.Last()
	require.NoError(t, auditErr)
	require.Equal(t, audit.EventLogout, last.Kind)
	require.Equal(t, "u1", last.Subject)
}

func TestLogoutWithInvalidTokenIsNoop(t *testing.T) {
	s := newSystem(t)

	s.manager.Logout("not-a-token")

	last, err := s.sink.Last()
	require.NoError(t, err)
	require.Equal(t, audit.EventLogoutNoop, last.Kind)
	require.Equal(t, audit.OutcomeSuccess, last.Outcome)
	require.Equal(t, "unknown", last.Subject)
}

func TestLogoutAfterSessionSweptIsNoop(t *testing.T) {
	s := newSystem(t)
	result := s.login(t)

	s.store.Revoke(result.Session.ID)
	s.store.SweepExpired()

	s.manager.Logout(result.Token)

	last, err := s.sink.Last()
	require.NoError(t, err)
	require.Equal(t, audit.EventLogoutNoop, last.Kind)
	require.Equal(t, "u1", last.Subject)
}

func TestRefreshReissuesToken(t *testing.T) {
	s := newSystem(t)
	result := s.login(t)

	refreshed, session, err := s.manager.Refresh(result.Token)
	require.NoError(t, err)
	require.NotEmpty(t, refreshed)
	require.Equal(t, result.Session.ID, session.ID)

	_, _, err = s.manager.Authenticate(refreshed)
	require.NoError(t, err)

	last, auditErr := s.sink.Last()
	require.NoError(t, auditErr)
	require.Equal(t, audit.EventRefresh, last.Kind)
	require.Equal(t, audit.OutcomeSuccess, last.Outcome)
}

func TestRefreshAfterLogoutForcesRelogin(t *testing.T) {
	s := newSystem(t)
	result := s.login(t)

	s.manager.Logout(result.Token)

	_, _, err := s.manager.Refresh(result.Token)
	require.True(t, errors.Is(err, identity.ErrSessionExpired))

	last, auditErr := s.sink.Last()
	require.NoError(t, auditErr)
	require.Equal(t, audit.EventRefresh, last.Kind)
	require.Equal(t, audit.OutcomeFailure, last.Outcome)
}

func TestRefreshWithInvalidToken(t *testing.T) {
	s := newSystem(t)

	_, _, err := s.manager.Refresh("junk")
	require.True(t, errors.Is(err, identity.ErrSessionExpired))
}

func TestAuthenticateEmptyToken(t *testing.T) {
	s := newSystem(t)

	_, _, err := s.manager.Authenticate("")
	require.True(t, errors.Is(err, identity.ErrUnauthenticated))
}

func TestSAMLCallbackEndToEnd(t *testing.T) {
	s := newSystem(t)
	s.seedSAMLPending(t)

	response := s.samlIdP.SignedResponse(t, samltest.ResponseOpts{
		InResponseTo: samlRequestID,
		Audience:     samlSPEntityID,
	})
	result, err := s.manager.HandleCallback(context.Background(), "hospital-idp", federation.CallbackInput{
		SAMLResponse: response,
		RelayState:   samlRelayState,
	})
	require.NoError(t, err)
	require.Equal(t, "u1", result.Claims.Subject)
	require.Equal(t, []string{"clinician"}, result.Claims.Roles)
	require.Equal(t, providers.ProtocolSAML, result.Session.Protocol)

	_, _, err = s.manager.Authenticate(result.Token)
	require.NoError(t, err)
}

func TestSAMLCallbackTamperedSignatureIsAudited(t *testing.T) {
	s := newSystem(t)
	s.seedSAMLPending(t)

	response := s.samlIdP.SignedResponse(t, samltest.ResponseOpts{
		InResponseTo: samlRequestID,
		Audience:     samlSPEntityID,
		Tamper:       true,
	})
	_, err := s.manager.HandleCallback(context.Background(), "hospital-idp", federation.CallbackInput{
		SAMLResponse: response,
		RelayState:   samlRelayState,
	})
	require.True(t, errors.Is(err, identity.ErrInvalidSignature))

	last, auditErr := s.sink.Last()
	require.NoError(t, auditErr)
	require.Equal(t, audit.EventLoginDenied, last.Kind)
	require.Equal(t, audit.OutcomeFailure, last.Outcome)
	require.Equal(t, "hospital-idp", last.Provider)
	require.Equal(t, identity.ErrInvalidSignature.Error(), last.Reason)
}

func TestAuthenticateTokenFromAnotherKey(t *testing.T) {
	s := newSystem(t)

	foreign, err := token.NewCodec([]byte("ffffffffffffffffffffffffffffffff"), "federation-test")
	require.NoError(t, err)
	session := s.store.Create("intruder", "acme", providers.ProtocolOAuth2, nil, nil)
	signed, err := foreign.Issue(session)
	require.NoError(t, err)

	_, _, err = s.manager.Authenticate(signed)
	require.True(t, errors.Is(err, identity.ErrUnauthenticated))
}
