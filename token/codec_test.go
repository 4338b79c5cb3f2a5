package token_test

import (
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/webqx-health/federation/providers"
	"github.com/webqx-health/federation/sessions"
	"github.com/webqx-health/federation/token"
)

const testIssuer = "webqx-federation"

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func testSession(now time.Time) *sessions.Session {
	return &sessions.Session{
		ID:        "sess-1",
		SubjectID: "u1",
		Provider:  "acme",
		Protocol:  providers.ProtocolOAuth2,
		Roles:     []string{"provider"},
		Groups:    []string{"cardiology"},
		IssuedAt:  now,
		ExpiresAt: now.Add(30 * time.Minute),
	}
}

func TestIssueVerifyRoundTrip(t *testing.T) {
	codec, err := token.NewCodec(testSecret, testIssuer)
	require.NoError(t, err)

	session := testSession(time.Now())
	signed, err := codec.Issue(session)
	require.NoError(t, err)
	require.NotEmpty(t, signed)

	verified, err := codec.Verify(signed)
	require.NoError(t, err)
	require.Equal(t, session.ID, verified.SessionID)
	require.Equal(t, session.SubjectID, verified.SubjectID)
	require.Equal(t, session.Provider, verified.Provider)
	require.Equal(t, session.Roles, verified.Roles)
	require.Equal(t, session.Groups, verified.Groups)
	require.Equal(t, session.ExpiresAt.Unix(), verified.ExpiresAt.Unix())
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	now := time.Now()
	codec, err := token.NewCodec(testSecret, testIssuer, token.WithNowFunc(func() time.Time { return now }))
	require.NoError(t, err)

	signed, err := codec.Issue(testSession(now))
	require.NoError(t, err)

	// accepted until expiry
	_, err = codec.Verify(signed)
	require.NoError(t, err)

	now = now.Add(31 * time.Minute)
	_, err = codec.Verify(signed)
	require.True(t, errors.Is(err, token.ErrInvalid))
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	codec, err := token.NewCodec(testSecret, testIssuer)
	require.NoError(t, err)

	signed, err := codec.Issue(testSession(time.Now()))
	require.NoError(t, err)

	parts := strings.Split(signed, ".")
	require.Len(t, parts, 3)
	tampered := parts[0] + "." + parts[1] + "." + flipFirstByte(parts[2])

	_, err = codec.Verify(tampered)
	require.True(t, errors.Is(err, token.ErrInvalid))
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	codec, err := token.NewCodec(testSecret, testIssuer)
	require.NoError(t, err)
	other, err := token.NewCodec([]byte("another-secret-another-secret-00"), testIssuer)
	require.NoError(t, err)

	signed, err := codec.Issue(testSession(time.Now()))
	require.NoError(t, err)

	_, err = other.Verify(signed)
	require.True(t, errors.Is(err, token.ErrInvalid))
}

func TestVerifyRejectsGarbage(t *testing.T) {
	codec, err := token.NewCodec(testSecret, testIssuer)
	require.NoError(t, err)

	for _, raw := range []string{"", "not-a-jwt", "a.b", "a.b.c"} {
		_, err := codec.Verify(raw)
		require.True(t, errors.Is(err, token.ErrInvalid), "input %q", raw)
	}
}

func flipFirstByte(segment string) string {
	if segment == "" {
		return segment
	}
	first := segment[0]
	replacement := byte('A')
	if first == 'A' {
		replacement = 'B'
	}
	return string(replacement) + segment[1:]
}
