// Package samltest provides a stub SAML identity provider for tests: a
// throwaway signing key and a builder for signed Response documents.
package samltest

import (
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"testing"
	"time"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"
	"github.com/stretchr/testify/require"
)

// IdP is a stub identity provider with its own signing key.
type IdP struct {
	EntityID string
	KeyStore dsig.X509KeyStore
	CertPEM  string
}

// NewIdP generates a fresh signing key pair for entityID.
func NewIdP(t *testing.T, entityID string) *IdP {
	t.Helper()
	keyStore := dsig.RandomKeyStoreForTest()
	_, certDER, err := keyStore.GetKeyPair()
	require.NoError(t, err)
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	return &IdP{EntityID: entityID, KeyStore: keyStore, CertPEM: string(certPEM)}
}

// ResponseOpts shape one Response fixture. Zero time values default to a
// currently-valid window; an empty AssertionID gets a fixed one.
type ResponseOpts struct {
	InResponseTo      string
	Audience          string
	NotBefore         time.Time
	NotOnOrAfter      time.Time
	AssertionID       string
	Subject           string
	Unsigned          bool
	SignAssertionOnly bool // enveloped signature on the assertion, response root unsigned
	Tamper            bool // flip a byte of the signature value after signing
}

// SignedResponse renders, signs and base64-encodes a Response carrying one
// assertion with a fixed attribute statement (role=clinician,
// department=cardiology).
func (idp *IdP) SignedResponse(t *testing.T, opts ResponseOpts) string {
	t.Helper()

	now := time.Now().UTC()
	if opts.NotBefore.IsZero() {
		opts.NotBefore = now.Add(-time.Minute)
	}
	if opts.NotOnOrAfter.IsZero() {
		opts.NotOnOrAfter = now.Add(5 * time.Minute)
	}
	if opts.AssertionID == "" {
		opts.AssertionID = "id-assertion-1"
	}
	if opts.Subject == "" {
		opts.Subject = "u1"
	}

	issueInstant := now.Format(time.RFC3339)
	assertionXML := fmt.Sprintf(
		`<saml:Assertion xmlns:saml="urn:oasis:names:tc:SAML:2.0:assertion" ID="%s" Version="2.0" IssueInstant="%s">`+
			`<saml:Issuer>%s</saml:Issuer>`+
			`<saml:Subject><saml:NameID>%s</saml:NameID></saml:Subject>`+
			`<saml:Conditions NotBefore="%s" NotOnOrAfter="%s">`+
			`<saml:AudienceRestriction><saml:Audience>%s</saml:Audience></saml:AudienceRestriction>`+
			`</saml:Conditions>`+
			`<saml:AttributeStatement>`+
			`<saml:Attribute Name="role"><saml:AttributeValue>clinician</saml:AttributeValue></saml:Attribute>`+
			`<saml:Attribute Name="department"><saml:AttributeValue>cardiology</saml:AttributeValue></saml:Attribute>`+
			`</saml:AttributeStatement>`+
			`</saml:Assertion>`,
		opts.AssertionID, issueInstant, idp.EntityID, opts.Subject,
		opts.NotBefore.Format(time.RFC3339), opts.NotOnOrAfter.Format(time.RFC3339),
		opts.Audience,
	)

	assertionDoc := etree.NewDocument()
	require.NoError(t, assertionDoc.ReadFromString(assertionXML))
	assertionEl := assertionDoc.Root()

	if opts.SignAssertionOnly && !opts.Unsigned {
		// Exclusive canonicalization keeps the assertion digest stable
		// when the signed element is later embedded under the response.
		signingCtx := dsig.NewDefaultSigningContext(idp.KeyStore)
		signingCtx.IdAttribute = "ID"
		signingCtx.Canonicalizer = dsig.MakeC14N10ExclusiveCanonicalizerWithPrefixList("")
		signed, err := signingCtx.SignEnveloped(assertionEl)
		require.NoError(t, err)
		assertionEl = signed
	}

	responseXML := fmt.Sprintf(
		`<samlp:Response xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol" ID="id-response-1" Version="2.0" IssueInstant="%s" InResponseTo="%s">`+
			`<samlp:Status><samlp:StatusCode Value="urn:oasis:names:tc:SAML:2.0:status:Success"/></samlp:Status>`+
			`</samlp:Response>`,
		issueInstant, opts.InResponseTo,
	)
	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromString(responseXML))
	root := doc.Root()
	root.AddChild(assertionEl)

	if !opts.Unsigned && !opts.SignAssertionOnly {
		signingCtx := dsig.NewDefaultSigningContext(idp.KeyStore)
		signingCtx.IdAttribute = "ID"
		signed, err := signingCtx.SignEnveloped(root)
		require.NoError(t, err)
		root = signed
	}

	out := etree.NewDocument()
	out.SetRoot(root)

	if opts.Tamper {
		sigValue := findElement(out.Root(), "SignatureValue")
		require.NotNil(t, sigValue)
		text := sigValue.Text()
		require.NotEmpty(t, text)
		flipped := "B"
		if text[0] == 'B' {
			flipped = "C"
		}
		sigValue.SetText(flipped + text[1:])
	}

	xmlBytes, err := out.WriteToBytes()
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(xmlBytes)
}

func findElement(el *etree.Element, tag string) *etree.Element {
	if el.Tag == tag {
		return el
	}
	for _, child := range el.ChildElements() {
		if found := findElement(child, tag); found != nil {
			return found
		}
	}
	return nil
}
