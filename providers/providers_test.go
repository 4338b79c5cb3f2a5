package providers_test

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/webqx-health/federation/identity"
	"github.com/webqx-health/federation/providers"
)

func oauth2Provider(name string) providers.Provider {
	return providers.Provider{
		Name:     name,
		Protocol: providers.ProtocolOAuth2,
		OAuth2: &providers.OAuth2Config{
			ClientID:    "client",
			AuthURL:     "https://idp.example.org/authorize",
			TokenURL:    "https://idp.example.org/token",
			RedirectURL: "https://portal.example.org/callback",
		},
	}
}

func TestRegistryLookup(t *testing.T) {
	registry, err := providers.NewRegistry([]providers.Provider{
		oauth2Provider("acme"),
		oauth2Provider("umbrella"),
	})
	require.NoError(t, err)

	provider, err := registry.Lookup("acme")
	require.NoError(t, err)
	require.Equal(t, "acme", provider.Name)

	_, err = registry.Lookup("ghost")
	require.True(t, errors.Is(err, identity.ErrUnknownProvider))

	require.ElementsMatch(t, []string{"acme", "umbrella"}, registry.Names())
}

func TestRegistryRejectsDuplicateNames(t *testing.T) {
	_, err := providers.NewRegistry([]providers.Provider{
		oauth2Provider("acme"),
		oauth2Provider("acme"),
	})
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	nameless := oauth2Provider("")
	require.Error(t, nameless.Validate())

	missingBlock := providers.Provider{Name: "acme", Protocol: providers.ProtocolOAuth2}
	require.Error(t, missingBlock.Validate())

	incomplete := oauth2Provider("acme")
	incomplete.OAuth2.TokenURL = ""
	require.Error(t, incomplete.Validate())

	badProtocol := oauth2Provider("acme")
	badProtocol.Protocol = "ldap"
	require.Error(t, badProtocol.Validate())

	samlWithoutCert := providers.Provider{
		Name:     "hospital-idp",
		Protocol: providers.ProtocolSAML,
		SAML: &providers.SAMLConfig{
			IDPSSOURL:  "https://idp.example.org/sso",
			SPEntityID: "https://portal.example.org/saml/metadata",
		},
	}
	require.Error(t, samlWithoutCert.Validate())

	garbageCert := samlWithoutCert
	garbageCert.SAML = &providers.SAMLConfig{
		IDPSSOURL:   "https://idp.example.org/sso",
		SPEntityID:  "https://portal.example.org/saml/metadata",
		Certificate: "not a pem block",
	}
	require.Error(t, garbageCert.Validate())
}
