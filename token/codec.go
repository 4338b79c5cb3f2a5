// Package token signs and verifies the platform's internal session tokens.
// The codec knows nothing about OAuth2 or SAML; it encodes a Session into a
// self-contained bearer credential and back.
package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/webqx-health/federation/sessions"
)

// ErrInvalid is returned by Verify for any token the codec does not fully
// trust: bad signature, malformed structure, wrong algorithm, or expiry.
// Verification fails closed; there is no partial result.
var ErrInvalid = errors.New("invalid token")

// Verified is the decoded content of an accepted token. Revocation is not
// encoded here; the session store remains the source of truth for it.
type Verified struct {
	SessionID string
	SubjectID string
	Provider  string
	Roles     []string
	Groups    []string
	ExpiresAt time.Time
}

// Codec signs session tokens with an HMAC-SHA256 key.
type Codec struct {
	secret  []byte
	issuer  string
	nowFunc func() time.Time
}

// CodecOption configures a Codec.
type CodecOption func(*Codec)

// WithNowFunc sets the clock (primarily for testing).
func WithNowFunc(now func() time.Time) CodecOption {
	return func(c *Codec) {
		c.nowFunc = now
	}
}

// NewCodec creates a codec from the platform signing secret.
func NewCodec(secret []byte, issuer string, options ...CodecOption) (*Codec, error) {
	if len(secret) == 0 {
		return nil, errors.New("[NewCodec] signing secret is required")
	}
	c := &Codec{
		secret:  secret,
		issuer:  issuer,
		nowFunc: time.Now,
	}
	for _, opt := range options {
		opt(c)
	}
	return c, nil
}

// Issue encodes a session into a signed token. The token carries the
// session id, expiry and minimal claims; never raw provider tokens or
// secrets.
func (c *Codec) Issue(session *sessions.Session) (string, error) {
	if session == nil {
		return "", errors.New("[Codec.Issue] session is required")
	}

	claims := jwt.MapClaims{
		"iss":    c.issuer,
		"sub":    session.SubjectID,
		"sid":    session.ID,
		"prv":    session.Provider,
		"roles":  session.Roles,
		"groups": session.Groups,
		"iat":    session.IssuedAt.Unix(),
		"exp":    session.ExpiresAt.Unix(),
		"jti":    uuid.New().String(),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", errors.Wrap(err, "[Codec.Issue] SignedString")
	}
	return signed, nil
}

// Verify decodes and checks a token. Any signature mismatch, malformed
// structure or expiry violation yields ErrInvalid.
func (c *Codec) Verify(raw string) (*Verified, error) {
	parsed, err := jwt.Parse(raw,
		func(t *jwt.Token) (interface{}, error) { return c.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.nowFunc),
	)
	if err != nil || !parsed.Valid {
		return nil, errors.Wrap(ErrInvalid, "[Codec.Verify] parse")
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.Wrap(ErrInvalid, "[Codec.Verify] claims")
	}

	sid, _ := claims["sid"].(string)
	sub, _ := claims["sub"].(string)
	prv, _ := claims["prv"].(string)
	exp, _ := claims["exp"].(float64)
	if sid == "" || exp == 0 {
		return nil, errors.Wrap(ErrInvalid, "[Codec.Verify] missing session claims")
	}

	return &Verified{
		SessionID: sid,
		SubjectID: sub,
		Provider:  prv,
		Roles:     claimStrings(claims["roles"]),
		Groups:    claimStrings(claims["groups"]),
		ExpiresAt: time.Unix(int64(exp), 0),
	}, nil
}

func claimStrings(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
