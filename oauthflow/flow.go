// Package oauthflow implements the relying-party side of the OAuth2
// authorization-code flow with PKCE: building authorization URLs,
// exchanging callback codes for provider tokens, and normalizing the
// resulting identity claims.
package oauthflow

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	"github.com/webqx-health/federation/identity"
	"github.com/webqx-health/federation/pendingauth"
	"github.com/webqx-health/federation/providers"
)

const defaultExchangeTimeout = 10 * time.Second

// BeginResult is the outcome of BeginLogin: the URL the client must be
// redirected to and the state value bound to the attempt.
type BeginResult struct {
	RedirectURL string
	State       string
}

// CallbackRequest is the protocol-relevant subset of the provider's
// redirect back to us. The HTTP adapter extracts it from the live request
// so the flow stays testable without a server.
type CallbackRequest struct {
	Code  string
	State string
}

// CompleteResult is the outcome of a successful CompleteLogin.
type CompleteResult struct {
	Claims     *identity.Claims
	RawTokens  *oauth2.Token
	RedirectTo string
}

// Handler drives the OAuth2 flow for every OAuth2-configured provider.
type Handler struct {
	registry *providers.Registry
	pending  pendingauth.Repo
	client   *http.Client
	timeout  time.Duration

	// verifierFor is swappable so tests can bypass issuer discovery.
	verifierFor func(ctx context.Context, cfg *providers.OAuth2Config) (*oidc.IDTokenVerifier, error)
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithHTTPClient sets the HTTP client used for provider calls.
func WithHTTPClient(client *http.Client) HandlerOption {
	return func(h *Handler) {
		h.client = client
	}
}

// WithExchangeTimeout bounds each provider network call.
func WithExchangeTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) {
		h.timeout = d
	}
}

// NewHandler creates an OAuth2 flow handler.
func NewHandler(registry *providers.Registry, pending pendingauth.Repo, options ...HandlerOption) *Handler {
	h := &Handler{
		registry: registry,
		pending:  pending,
		client:   &http.Client{Timeout: defaultExchangeTimeout},
		timeout:  defaultExchangeTimeout,
	}
	h.verifierFor = h.discoverVerifier
	for _, opt := range options {
		opt(h)
	}
	return h
}

// BeginLogin validates the provider, generates the state and PKCE pair,
// stores the pending request and returns the authorization redirect.
func (h *Handler) BeginLogin(ctx context.Context, providerName, postLoginRedirect string) (*BeginResult, error) {
	provider, cfg, err := h.oauth2Provider(providerName)
	if err != nil {
		return nil, err
	}

	state, err := randomToken(16)
	if err != nil {
		return nil, errors.Wrap(err, "[Handler.BeginLogin] state")
	}
	verifier, err := randomVerifier()
	if err != nil {
		return nil, errors.Wrap(err, "[Handler.BeginLogin] verifier")
	}

	if err := h.pending.Put(&pendingauth.Request{
		State:        state,
		Provider:     provider.Name,
		CodeVerifier: verifier,
		RedirectTo:   postLoginRedirect,
	}); err != nil {
		return nil, errors.Wrap(err, "[Handler.BeginLogin] pending.Put")
	}

	authURL := oauthConfig(cfg).AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", challengeS256(verifier)),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
	return &BeginResult{RedirectURL: authURL, State: state}, nil
}

// CompleteLogin consumes the pending request for the presented state,
// exchanges the code with the provider and normalizes the identity claims.
// The state is burned before anything else happens, so a failed exchange
// cannot be retried with the same state.
func (h *Handler) CompleteLogin(ctx context.Context, providerName string, req CallbackRequest) (*CompleteResult, error) {
	provider, cfg, err := h.oauth2Provider(providerName)
	if err != nil {
		return nil, err
	}

	pending, err := h.pending.Consume(req.State)
	if err != nil {
		return nil, errors.Wrap(identity.ErrInvalidState, "[Handler.CompleteLogin]")
	}
	if pending.Provider != provider.Name {
		return nil, errors.Wrap(identity.ErrInvalidState, "[Handler.CompleteLogin] state bound to another provider")
	}
	if req.Code == "" {
		return nil, errors.Wrap(identity.ErrProviderExchange, "[Handler.CompleteLogin] missing code")
	}

	ctx, cancel := h.providerContext(ctx)
	defer cancel()

	tokens, err := oauthConfig(cfg).Exchange(ctx, req.Code,
		oauth2.SetAuthURLParam("code_verifier", pending.CodeVerifier),
	)
	if err != nil {
		return nil, errors.Wrap(identity.ErrProviderExchange, err.Error())
	}

	raw, err := h.fetchClaims(ctx, cfg, tokens)
	if err != nil {
		return nil, err
	}

	return &CompleteResult{
		Claims:     provider.Mapping.Normalize(provider.Name, raw),
		RawTokens:  tokens,
		RedirectTo: pending.RedirectTo,
	}, nil
}

// Refresh exchanges a provider refresh token for fresh provider tokens.
// A rejected refresh token means the caller must force a full re-login.
func (h *Handler) Refresh(ctx context.Context, providerName, refreshToken string) (*oauth2.Token, error) {
	_, cfg, err := h.oauth2Provider(providerName)
	if err != nil {
		return nil, err
	}

	ctx, cancel := h.providerContext(ctx)
	defer cancel()

	tokens, err := oauthConfig(cfg).TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, errors.Wrap(identity.ErrRefreshDenied, err.Error())
	}
	return tokens, nil
}

// fetchClaims gathers the raw identity document: the verified ID token when
// the provider publishes an issuer, plus the userinfo endpoint when one is
// configured. Userinfo claims never override ID-token claims.
func (h *Handler) fetchClaims(ctx context.Context, cfg *providers.OAuth2Config, tokens *oauth2.Token) (map[string]interface{}, error) {
	raw := map[string]interface{}{}

	if cfg.IssuerURL != "" {
		rawIDToken, ok := tokens.Extra("id_token").(string)
		if !ok {
			return nil, errors.Wrap(identity.ErrProviderExchange, "[Handler.fetchClaims] no id_token in response")
		}
		verifier, err := h.verifierFor(ctx, cfg)
		if err != nil {
			return nil, errors.Wrap(identity.ErrProviderExchange, err.Error())
		}
		idToken, err := verifier.Verify(ctx, rawIDToken)
		if err != nil {
			return nil, errors.Wrap(identity.ErrProviderExchange, err.Error())
		}
		if err := idToken.Claims(&raw); err != nil {
			return nil, errors.Wrap(identity.ErrProviderExchange, err.Error())
		}
	}

	if cfg.UserInfoURL != "" {
		info, err := h.fetchUserInfo(ctx, cfg.UserInfoURL, tokens.AccessToken)
		if err != nil {
			return nil, err
		}
		for k, v := range info {
			if _, exists := raw[k]; !exists {
				raw[k] = v
			}
		}
	}

	if len(raw) == 0 {
		return nil, errors.Wrap(identity.ErrProviderExchange, "[Handler.fetchClaims] provider returned no identity claims")
	}
	return raw, nil
}

func (h *Handler) fetchUserInfo(ctx context.Context, url, accessToken string) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(identity.ErrProviderExchange, err.Error())
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(identity.ErrProviderExchange, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.Wrapf(identity.ErrProviderExchange, "[Handler.fetchUserInfo] userinfo status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(identity.ErrProviderExchange, err.Error())
	}
	var info map[string]interface{}
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, errors.Wrap(identity.ErrProviderExchange, "[Handler.fetchUserInfo] malformed userinfo response")
	}
	return info, nil
}

// discoverVerifier builds an ID-token verifier from the issuer's published
// metadata and key set.
func (h *Handler) discoverVerifier(ctx context.Context, cfg *providers.OAuth2Config) (*oidc.IDTokenVerifier, error) {
	oidcProvider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, errors.Wrap(err, "[Handler.discoverVerifier] oidc.NewProvider")
	}
	return oidcProvider.Verifier(&oidc.Config{ClientID: cfg.ClientID}), nil
}

func (h *Handler) oauth2Provider(name string) (*providers.Provider, *providers.OAuth2Config, error) {
	provider, err := h.registry.Lookup(name)
	if err != nil {
		return nil, nil, err
	}
	if provider.Protocol != providers.ProtocolOAuth2 || provider.OAuth2 == nil {
		return nil, nil, errors.Wrapf(identity.ErrUnknownProvider, "[Handler.oauth2Provider] %q is not an oauth2 provider", name)
	}
	return provider, provider.OAuth2, nil
}

// providerContext bounds a provider network call and pins the HTTP client
// used by the oauth2 package.
func (h *Handler) providerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	return context.WithValue(ctx, oauth2.HTTPClient, h.client), cancel
}

func oauthConfig(cfg *providers.OAuth2Config) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  cfg.AuthURL,
			TokenURL: cfg.TokenURL,
		},
	}
}

// randomVerifier creates a PKCE code verifier: 32 random bytes as base64url
// (43 characters, within the RFC 7636 bounds).
func randomVerifier() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// challengeS256 derives the S256 code challenge from a verifier.
func challengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// randomToken creates n random bytes encoded as hex.
func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
