// Package providers holds the static identity-provider registry. Providers
// are typed configuration records loaded once at boot; there is no runtime
// discovery or registration.
package providers

import (
	"crypto/x509"
	"encoding/pem"

	"github.com/pkg/errors"
	"github.com/webqx-health/federation/identity"
)

// Protocol tags the federation protocol a provider speaks. Dispatch on it
// must be exhaustive so adding a third protocol is a compile-visible change.
type Protocol string

const (
	ProtocolOAuth2 Protocol = "oauth2"
	ProtocolSAML   Protocol = "saml"
)

// Provider is an immutable provider record. Exactly one of OAuth2/SAML is
// set, matching Protocol.
type Provider struct {
	Name     string           `yaml:"name"`
	Protocol Protocol         `yaml:"protocol"`
	OAuth2   *OAuth2Config    `yaml:"oauth2,omitempty"`
	SAML     *SAMLConfig      `yaml:"saml,omitempty"`
	Mapping  identity.Mapping `yaml:"mapping"`
}

// OAuth2Config carries the connection parameters for an OAuth2/OIDC
// provider. IssuerURL is optional; when set, the ID token returned by the
// code exchange is verified against the issuer's published keys.
type OAuth2Config struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	AuthURL      string   `yaml:"auth_url"`
	TokenURL     string   `yaml:"token_url"`
	UserInfoURL  string   `yaml:"userinfo_url"`
	IssuerURL    string   `yaml:"issuer_url,omitempty"`
	RedirectURL  string   `yaml:"redirect_url"`
	Scopes       []string `yaml:"scopes"`
}

// SAMLConfig carries the connection parameters for a SAML identity
// provider. Certificate is the IdP signing certificate in PEM form.
type SAMLConfig struct {
	IDPEntityID string `yaml:"idp_entity_id"`
	IDPSSOURL   string `yaml:"idp_sso_url"`
	SPEntityID  string `yaml:"sp_entity_id"`
	ACSURL      string `yaml:"acs_url"`
	Certificate string `yaml:"certificate"`
}

// SigningCertificate parses the configured IdP certificate.
func (c *SAMLConfig) SigningCertificate() (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(c.Certificate))
	if block == nil {
		return nil, errors.New("[SAMLConfig.SigningCertificate] certificate is not valid PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "[SAMLConfig.SigningCertificate] x509.ParseCertificate")
	}
	return cert, nil
}

// Validate checks that the record's protocol tag and config block agree.
func (p *Provider) Validate() error {
	if p.Name == "" {
		return errors.New("[Provider.Validate] provider name is required")
	}
	switch p.Protocol {
	case ProtocolOAuth2:
		if p.OAuth2 == nil {
			return errors.Errorf("[Provider.Validate] provider %q: oauth2 block is required", p.Name)
		}
		if p.OAuth2.ClientID == "" || p.OAuth2.AuthURL == "" || p.OAuth2.TokenURL == "" {
			return errors.Errorf("[Provider.Validate] provider %q: client_id, auth_url and token_url are required", p.Name)
		}
	case ProtocolSAML:
		if p.SAML == nil {
			return errors.Errorf("[Provider.Validate] provider %q: saml block is required", p.Name)
		}
		if p.SAML.IDPSSOURL == "" || p.SAML.SPEntityID == "" || p.SAML.Certificate == "" {
			return errors.Errorf("[Provider.Validate] provider %q: idp_sso_url, sp_entity_id and certificate are required", p.Name)
		}
		if _, err := p.SAML.SigningCertificate(); err != nil {
			return err
		}
	default:
		return errors.Errorf("[Provider.Validate] provider %q: unsupported protocol %q", p.Name, p.Protocol)
	}
	return nil
}

// Registry is the static provider lookup table, keyed by provider name.
type Registry struct {
	byName map[string]*Provider
}

// NewRegistry builds a registry from validated provider records.
func NewRegistry(records []Provider) (*Registry, error) {
	byName := make(map[string]*Provider, len(records))
	for i := range records {
		p := records[i]
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := byName[p.Name]; dup {
			return nil, errors.Errorf("[NewRegistry] duplicate provider %q", p.Name)
		}
		byName[p.Name] = &p
	}
	return &Registry{byName: byName}, nil
}

// Lookup returns the provider record for name, or ErrUnknownProvider.
func (r *Registry) Lookup(name string) (*Provider, error) {
	p, ok := r.byName[name]
	if !ok {
		return nil, errors.Wrapf(identity.ErrUnknownProvider, "[Registry.Lookup] %q", name)
	}
	return p, nil
}

// Names returns the configured provider names, for diagnostics.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	return names
}
