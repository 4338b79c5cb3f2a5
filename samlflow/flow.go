// Package samlflow implements the service-provider side of SAML 2.0 web
// SSO: building IdP-bound AuthnRequest redirects and consuming POSTed
// assertions (signature, audience, time window) into normalized claims.
package samlflow

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"net/url"
	"sync"
	"time"

	"github.com/crewjam/saml"
	"github.com/pkg/errors"

	"github.com/webqx-health/federation/identity"
	"github.com/webqx-health/federation/pendingauth"
	"github.com/webqx-health/federation/providers"
)

// replayWindow is how long consumed assertion IDs are remembered. An
// assertion presented twice within the window is rejected even if its
// relay state were somehow re-minted.
const replayWindow = 5 * time.Minute

// BeginResult is the outcome of BeginLogin.
type BeginResult struct {
	RedirectURL string
	RelayState  string
}

// CallbackRequest is the protocol-relevant subset of the IdP's POST back
// to the assertion consumer endpoint.
type CallbackRequest struct {
	SAMLResponse string // base64-encoded Response document
	RelayState   string
}

// CompleteResult is the outcome of a successful CompleteLogin.
type CompleteResult struct {
	Claims       *identity.Claims
	RawAssertion *saml.Assertion
	RedirectTo   string
}

// Handler drives the SAML flow for every SAML-configured provider.
type Handler struct {
	registry *providers.Registry
	pending  pendingauth.Repo
	nowFunc  func() time.Time

	replayMu sync.Mutex
	replay   map[string]time.Time
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithNowFunc sets the clock (primarily for testing).
func WithNowFunc(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		h.nowFunc = now
	}
}

// NewHandler creates a SAML flow handler.
func NewHandler(registry *providers.Registry, pending pendingauth.Repo, options ...HandlerOption) *Handler {
	h := &Handler{
		registry: registry,
		pending:  pending,
		nowFunc:  time.Now,
		replay:   make(map[string]time.Time),
	}
	for _, opt := range options {
		opt(h)
	}
	return h
}

// BeginLogin builds an IdP-bound redirect carrying a fresh AuthnRequest
// and relay state, and stores the pending request for the callback.
func (h *Handler) BeginLogin(providerName, relayTarget string) (*BeginResult, error) {
	provider, cfg, err := h.samlProvider(providerName)
	if err != nil {
		return nil, err
	}

	sp, err := serviceProvider(cfg)
	if err != nil {
		return nil, err
	}

	authnRequest, err := sp.MakeAuthenticationRequest(
		sp.GetSSOBindingLocation(saml.HTTPRedirectBinding),
		saml.HTTPRedirectBinding,
		saml.HTTPPostBinding,
	)
	if err != nil {
		return nil, errors.Wrap(err, "[Handler.BeginLogin] MakeAuthenticationRequest")
	}

	relayState, err := randomRelayState()
	if err != nil {
		return nil, errors.Wrap(err, "[Handler.BeginLogin] relay state")
	}

	if err := h.pending.Put(&pendingauth.Request{
		State:      relayState,
		Provider:   provider.Name,
		RequestID:  authnRequest.ID,
		RedirectTo: relayTarget,
	}); err != nil {
		return nil, errors.Wrap(err, "[Handler.BeginLogin] pending.Put")
	}

	redirectURL, err := authnRequest.Redirect(relayState, sp)
	if err != nil {
		return nil, errors.Wrap(err, "[Handler.BeginLogin] Redirect")
	}
	return &BeginResult{RedirectURL: redirectURL.String(), RelayState: relayState}, nil
}

// CompleteLogin consumes the relay state, then validates the POSTed
// response: XML signature against the provider certificate, response
// correlation (InResponseTo), time window, audience, and assertion replay.
// The relay state is burned first, so a failed validation cannot be
// retried.
func (h *Handler) CompleteLogin(providerName string, req CallbackRequest) (*CompleteResult, error) {
	provider, cfg, err := h.samlProvider(providerName)
	if err != nil {
		return nil, err
	}

	pending, err := h.pending.Consume(req.RelayState)
	if err != nil {
		return nil, errors.Wrap(identity.ErrInvalidRelayState, "[Handler.CompleteLogin]")
	}
	if pending.Provider != provider.Name {
		return nil, errors.Wrap(identity.ErrInvalidRelayState, "[Handler.CompleteLogin] relay state bound to another provider")
	}

	responseXML, err := base64.StdEncoding.DecodeString(req.SAMLResponse)
	if err != nil {
		return nil, errors.Wrap(identity.ErrProviderExchange, "[Handler.CompleteLogin] response is not valid base64")
	}

	assertion, err := h.validateResponse(cfg, responseXML, pending.RequestID)
	if err != nil {
		return nil, err
	}

	if !h.recordAssertionID(assertion.ID) {
		return nil, errors.Wrap(identity.ErrInvalidRelayState, "[Handler.CompleteLogin] assertion replayed")
	}

	return &CompleteResult{
		Claims:       provider.Mapping.Normalize(provider.Name, assertionClaims(assertion)),
		RawAssertion: assertion,
		RedirectTo:   pending.RedirectTo,
	}, nil
}

// assertionClaims flattens an assertion into the raw claim document the
// mapping layer consumes. The NameID becomes "sub"; attributes are keyed
// by Name and, when present, FriendlyName.
func assertionClaims(assertion *saml.Assertion) map[string]interface{} {
	raw := map[string]interface{}{}
	if assertion.Subject != nil && assertion.Subject.NameID != nil {
		raw["sub"] = assertion.Subject.NameID.Value
	}
	for _, stmt := range assertion.AttributeStatements {
		for _, attr := range stmt.Attributes {
			values := make([]string, 0, len(attr.Values))
			for _, v := range attr.Values {
				values = append(values, v.Value)
			}
			var claim interface{}
			if len(values) == 1 {
				claim = values[0]
			} else {
				claim = values
			}
			if attr.Name != "" {
				raw[attr.Name] = claim
			}
			if attr.FriendlyName != "" {
				raw[attr.FriendlyName] = claim
			}
		}
	}
	return raw
}

// recordAssertionID remembers a consumed assertion ID for the replay
// window. Returns false if the ID was already seen.
func (h *Handler) recordAssertionID(id string) bool {
	if id == "" {
		return false
	}
	now := h.nowFunc()

	h.replayMu.Lock()
	defer h.replayMu.Unlock()

	for seen, at := range h.replay {
		if now.Sub(at) > replayWindow {
			delete(h.replay, seen)
		}
	}
	if _, dup := h.replay[id]; dup {
		return false
	}
	h.replay[id] = now
	return true
}

func (h *Handler) samlProvider(name string) (*providers.Provider, *providers.SAMLConfig, error) {
	provider, err := h.registry.Lookup(name)
	if err != nil {
		return nil, nil, err
	}
	if provider.Protocol != providers.ProtocolSAML || provider.SAML == nil {
		return nil, nil, errors.Wrapf(identity.ErrUnknownProvider, "[Handler.samlProvider] %q is not a saml provider", name)
	}
	return provider, provider.SAML, nil
}

// serviceProvider assembles a crewjam service provider around the static
// provider configuration, including the synthesized IdP metadata.
func serviceProvider(cfg *providers.SAMLConfig) (*saml.ServiceProvider, error) {
	cert, err := cfg.SigningCertificate()
	if err != nil {
		return nil, err
	}
	acsURL, err := url.Parse(cfg.ACSURL)
	if err != nil {
		return nil, errors.Wrap(err, "[serviceProvider] acs_url")
	}
	metadataURL, err := url.Parse(cfg.SPEntityID)
	if err != nil {
		return nil, errors.Wrap(err, "[serviceProvider] sp_entity_id")
	}

	idpMetadata := &saml.EntityDescriptor{
		EntityID: cfg.IDPEntityID,
		IDPSSODescriptors: []saml.IDPSSODescriptor{{
			SSODescriptor: saml.SSODescriptor{
				RoleDescriptor: saml.RoleDescriptor{
					KeyDescriptors: []saml.KeyDescriptor{{
						Use: "signing",
						KeyInfo: saml.KeyInfo{
							X509Data: saml.X509Data{
								X509Certificates: []saml.X509Certificate{
									{Data: base64.StdEncoding.EncodeToString(cert.Raw)},
								},
							},
						},
					}},
				},
			},
			SingleSignOnServices: []saml.Endpoint{
				{Binding: saml.HTTPRedirectBinding, Location: cfg.IDPSSOURL},
				{Binding: saml.HTTPPostBinding, Location: cfg.IDPSSOURL},
			},
		}},
	}

	return &saml.ServiceProvider{
		EntityID:    cfg.SPEntityID,
		MetadataURL: *metadataURL,
		AcsURL:      *acsURL,
		IDPMetadata: idpMetadata,
	}, nil
}

// randomRelayState creates the opaque relay-state value: 16 random bytes
// encoded as hex.
func randomRelayState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// unmarshalAssertion round-trips a validated etree element into the typed
// assertion so every later check runs on verified content only.
func unmarshalAssertion(data []byte) (*saml.Assertion, error) {
	var assertion saml.Assertion
	if err := xml.Unmarshal(data, &assertion); err != nil {
		return nil, errors.Wrap(identity.ErrProviderExchange, "[unmarshalAssertion] malformed assertion")
	}
	return &assertion, nil
}
