package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestTokenRoundTrip(t *testing.T) {
	token, err := GenerateToken("admin", "secret", time.Hour)
	require.NoError(t, err)

	claims, err := ParseToken(token, "secret")
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.Username)
	assert.Equal(t, RoleAdmin, claims.Role)
	assert.Equal(t, "admin", claims.Subject)
	assert.NotEmpty(t, claims.ID)
}

func TestParseToken_Rejects(t *testing.T) {
	good, err := GenerateToken("admin", "secret", time.Hour)
	require.NoError(t, err)
	expired, err := GenerateToken("admin", "secret", -time.Minute)
	require.NoError(t, err)
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Username: "admin"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, tc := range map[string]struct{ token, secret string }{
		"wrong secret": {good, "other"},
		"expired":      {expired, "secret"},
		"alg none":     {none, "secret"},
		"garbage":      {"not.a.jwt", "secret"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseToken(tc.token, tc.secret)
			assert.Error(t, err)
		})
	}
}

func TestAuthenticator(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter22"), bcrypt.MinCost)
	require.NoError(t, err)
	a := NewAuthenticator("admin", string(hash), "secret", time.Hour)

	token, err := a.Login("admin", "hunter22")
	require.NoError(t, err)
	claims, err := ParseToken(token, "secret")
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.Username)

	_, err = a.Login("admin", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = a.Login("root", "hunter22")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	disabled := NewAuthenticator("admin", "", "secret", time.Hour)
	_, err = disabled.Login("admin", "hunter22")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}
