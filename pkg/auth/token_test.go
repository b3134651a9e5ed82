package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psicoid/billing/pkg/subscription"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestIssueAndParse(t *testing.T) {
	v, err := NewTokenVerifier(testSecret, "psicoid")
	require.NoError(t, err)

	token, err := v.Issue(Caller{UserID: "user_1", Email: "ana@example.com"}, time.Hour)
	require.NoError(t, err)

	caller, err := v.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "user_1", caller.UserID)
	assert.Equal(t, "ana@example.com", caller.Email)
}

func TestParseRejects(t *testing.T) {
	v, err := NewTokenVerifier(testSecret, "psicoid")
	require.NoError(t, err)
	other, err := NewTokenVerifier("ffffffffffffffffffffffffffffffff", "psicoid")
	require.NoError(t, err)
	wrongIssuer, err := NewTokenVerifier(testSecret, "someone-else")
	require.NoError(t, err)

	expired, err := v.Issue(Caller{UserID: "user_1"}, -time.Minute)
	require.NoError(t, err)
	foreign, err := other.Issue(Caller{UserID: "user_1"}, time.Hour)
	require.NoError(t, err)
	issuer, err := wrongIssuer.Issue(Caller{UserID: "user_1"}, time.Hour)
	require.NoError(t, err)
	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "psicoid",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	for name, token := range map[string]string{
		"garbage":    "not-a-token",
		"expired":    expired,
		"foreign":    foreign,
		"issuer":     issuer,
		"no subject": noSubject,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := v.Parse(token)
			assert.ErrorIs(t, err, subscription.ErrUnauthenticated)
		})
	}
}

func TestNewTokenVerifierRequiresSecret(t *testing.T) {
	_, err := NewTokenVerifier("short", "")
	assert.Error(t, err)
}

func TestCaller(t *testing.T) {
	assert.ErrorIs(t, Caller{}.Validate(), subscription.ErrUnauthenticated)
	assert.NoError(t, Caller{UserID: "u"}.Validate())
	assert.True(t, Caller{UserID: "u"}.Owns("u"))
	assert.False(t, Caller{UserID: "u"}.Owns("v"))
	assert.False(t, Caller{}.Owns(""))
}
