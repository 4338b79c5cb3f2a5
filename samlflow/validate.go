package samlflow

import (
	"crypto/x509"
	"encoding/xml"
	"time"

	"github.com/beevik/etree"
	"github.com/crewjam/saml"
	"github.com/pkg/errors"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/webqx-health/federation/identity"
	"github.com/webqx-health/federation/providers"
)

// maxClockSkew is the tolerance applied to NotBefore/NotOnOrAfter checks,
// matching what IdPs commonly allow for clock drift.
const maxClockSkew = 90 * time.Second

// validateResponse checks a decoded Response document end to end and
// returns its assertion. Check order: document structure, status,
// InResponseTo correlation, XML signature, validity window, audience.
// Every post-signature check runs on the signature-verified element only.
func (h *Handler) validateResponse(cfg *providers.SAMLConfig, responseXML []byte, expectedRequestID string) (*saml.Assertion, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(responseXML); err != nil {
		return nil, errors.Wrap(identity.ErrProviderExchange, "[validateResponse] malformed response XML")
	}
	root := doc.Root()
	if root == nil || root.Tag != "Response" {
		return nil, errors.Wrap(identity.ErrProviderExchange, "[validateResponse] document is not a samlp:Response")
	}

	var response saml.Response
	if err := xml.Unmarshal(responseXML, &response); err != nil {
		return nil, errors.Wrap(identity.ErrProviderExchange, "[validateResponse] malformed response")
	}
	if response.Status.StatusCode.Value != saml.StatusSuccess {
		return nil, errors.Wrapf(identity.ErrProviderExchange, "[validateResponse] response status %q", response.Status.StatusCode.Value)
	}

	// SP-initiated only: the response must correlate to the AuthnRequest
	// stored with the relay state. IdP-initiated responses are rejected.
	if response.InResponseTo == "" || response.InResponseTo != expectedRequestID {
		return nil, errors.Wrap(identity.ErrInvalidRelayState, "[validateResponse] InResponseTo does not match the pending request")
	}

	if findChild(root, "EncryptedAssertion") != nil {
		return nil, errors.Wrap(identity.ErrProviderExchange, "[validateResponse] encrypted assertions are not supported")
	}

	cert, err := cfg.SigningCertificate()
	if err != nil {
		return nil, err
	}
	assertionEl, err := verifySignature(root, cert)
	if err != nil {
		return nil, err
	}

	verified := etree.NewDocument()
	verified.SetRoot(assertionEl.Copy())
	assertionXML, err := verified.WriteToBytes()
	if err != nil {
		return nil, errors.Wrap(identity.ErrProviderExchange, "[validateResponse] serialize assertion")
	}
	assertion, err := unmarshalAssertion(assertionXML)
	if err != nil {
		return nil, err
	}

	now := h.nowFunc()
	if err := checkValidityWindow(assertion, now); err != nil {
		return nil, err
	}
	if err := checkAudience(assertion, cfg.SPEntityID); err != nil {
		return nil, err
	}
	return assertion, nil
}

// verifySignature validates the XML signature on the response or on its
// assertion against the provider certificate and returns the verified
// assertion element. A response-level signature is a direct child of the
// Response element; anything deeper is the assertion's own enveloped
// signature and must be validated against the assertion, not the root.
// An unsigned document is rejected.
func verifySignature(root *etree.Element, cert *x509.Certificate) (*etree.Element, error) {
	store := &dsig.MemoryX509CertificateStore{Roots: []*x509.Certificate{cert}}
	vc := dsig.NewDefaultValidationContext(store)
	vc.IdAttribute = "ID"

	if directChild(root, "Signature") != nil {
		validated, err := vc.Validate(root)
		if err != nil {
			return nil, errors.Wrap(identity.ErrInvalidSignature, err.Error())
		}
		assertionEl := findChild(validated, "Assertion")
		if assertionEl == nil {
			return nil, errors.Wrap(identity.ErrProviderExchange, "[verifySignature] no assertion in signed response")
		}
		return assertionEl, nil
	}

	assertionEl := findChild(root, "Assertion")
	if assertionEl == nil {
		return nil, errors.Wrap(identity.ErrProviderExchange, "[verifySignature] no assertion in response")
	}
	if directChild(assertionEl, "Signature") == nil {
		return nil, errors.Wrap(identity.ErrInvalidSignature, "[verifySignature] neither response nor assertion is signed")
	}
	validated, err := vc.Validate(assertionEl)
	if err != nil {
		return nil, errors.Wrap(identity.ErrInvalidSignature, err.Error())
	}
	return validated, nil
}

// checkValidityWindow enforces the assertion's NotBefore/NotOnOrAfter
// conditions with bounded clock skew. An assertion outside the window is
// rejected regardless of signature.
func checkValidityWindow(assertion *saml.Assertion, now time.Time) error {
	cond := assertion.Conditions
	if cond == nil {
		return nil
	}
	if !cond.NotBefore.IsZero() && now.Add(maxClockSkew).Before(cond.NotBefore) {
		return errors.Wrap(identity.ErrAssertionExpired, "[checkValidityWindow] assertion not yet valid")
	}
	if !cond.NotOnOrAfter.IsZero() && !now.Add(-maxClockSkew).Before(cond.NotOnOrAfter) {
		return errors.Wrap(identity.ErrAssertionExpired, "[checkValidityWindow] assertion expired")
	}
	return nil
}

// checkAudience enforces the assertion's audience restriction against the
// configured SP entity id. Assertions with no audience restriction pass;
// IdPs that emit one must name us.
func checkAudience(assertion *saml.Assertion, spEntityID string) error {
	if assertion.Conditions == nil || len(assertion.Conditions.AudienceRestrictions) == 0 {
		return nil
	}
	for _, restriction := range assertion.Conditions.AudienceRestrictions {
		if restriction.Audience.Value == spEntityID {
			return nil
		}
	}
	return errors.Wrap(identity.ErrAudienceMismatch, "[checkAudience]")
}

// directChild returns the first immediate child with the given local tag
// name, ignoring namespace prefixes.
func directChild(el *etree.Element, tag string) *etree.Element {
	for _, child := range el.ChildElements() {
		if child.Tag == tag {
			return child
		}
	}
	return nil
}

// findChild does a depth-first search for the first element with the given
// local tag name, ignoring namespace prefixes.
func findChild(el *etree.Element, tag string) *etree.Element {
	for _, child := range el.ChildElements() {
		if child.Tag == tag {
			return child
		}
		if found := findChild(child, tag); found != nil {
			return found
		}
	}
	return nil
}
