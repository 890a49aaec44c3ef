package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() JWTConfig {
	return JWTConfig{
		SecretKey:     "test-secret-key",
		TokenDuration: 15 * time.Minute,
		Issuer:        "test-issuer",
	}
}

func TestGenerateAndValidate(t *testing.T) {
	manager := NewJWTManager(testConfig())

	token, err := manager.Generate("alice")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	user, err := manager.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", user)
}

func TestValidateRejectsBadTokens(t *testing.T) {
	manager := NewJWTManager(testConfig())

	other := testConfig()
	other.SecretKey = "other-secret"
	forged, err := NewJWTManager(other).Generate("alice")
	require.NoError(t, err)

	wrongIssuer := testConfig()
	wrongIssuer.Issuer = "someone-else"
	foreign, err := NewJWTManager(wrongIssuer).Generate("alice")
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: "alice"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{name: "garbage", token: "not-a-token"},
		{name: "wrong secret", token: forged},
		{name: "wrong issuer", token: foreign},
		{name: "unsigned", token: none},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := manager.Validate(tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestValidateExpiredToken(t *testing.T) {
	cfg := testConfig()
	cfg.TokenDuration = -time.Minute
	token, err := NewJWTManager(cfg).Generate("alice")
	require.NoError(t, err)

	_, err = NewJWTManager(testConfig()).Validate(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestAuthenticatorWithSecret(t *testing.T) {
	a := NewAuthenticator(testConfig())
	assert.False(t, a.DevMode())

	token, err := NewJWTManager(testConfig()).Generate("alice")
	require.NoError(t, err)

	user, err := a.Authenticate("Bearer "+token, "mallory")
	require.NoError(t, err)
	assert.Equal(t, "alice", user)

	_, err = a.Authenticate("", "mallory")
	assert.ErrorIs(t, err, ErrMissingIdentity)
}

func TestAuthenticatorDevMode(t *testing.T) {
	a := NewAuthenticator(JWTConfig{})
	assert.True(t, a.DevMode())

	user, err := a.Authenticate("", " bob ")
	require.NoError(t, err)
	assert.Equal(t, "bob", user)

	_, err = a.Authenticate("", "")
	assert.ErrorIs(t, err, ErrMissingIdentity)
}
