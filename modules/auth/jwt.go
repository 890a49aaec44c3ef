// Package auth authenticates websocket handshakes.
package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when the token is invalid.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when the token has expired.
	ErrExpiredToken = errors.New("token has expired")
	// ErrMissingIdentity is returned when a handshake carries neither a token nor a username.
	ErrMissingIdentity = errors.New("missing credentials")
)

// JWTConfig holds JWT configuration.
type JWTConfig struct {
	SecretKey     string
	TokenDuration time.Duration
	Issuer        string
}

// Claims are the claims carried by a hub access token.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// JWTManager issues and validates HS256 access tokens.
type JWTManager struct {
	config JWTConfig
}

// NewJWTManager creates a new JWTManager with the given configuration.
func NewJWTManager(config JWTConfig) *JWTManager {
	return &JWTManager{config: config}
}

// Generate issues a token for userID.
func (m *JWTManager) Generate(userID string) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.config.Issuer,
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(m.config.TokenDuration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(m.config.SecretKey))
}

// Validate checks tokenString and returns the user it was issued to.
func (m *JWTManager) Validate(tokenString string) (string, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if m.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.config.Issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (any, error) {
		return []byte(m.config.SecretKey), nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return "", ErrInvalidToken
	}
	return claims.UserID, nil
}

// Authenticator resolves the user behind a connection handshake. Without a
// secret it runs in development mode and trusts the supplied username.
type Authenticator struct {
	jwt *JWTManager
}

// NewAuthenticator creates an Authenticator. An empty secret enables development mode.
func NewAuthenticator(config JWTConfig) *Authenticator {
	if config.SecretKey == "" {
		return &Authenticator{}
	}
	return &Authenticator{jwt: NewJWTManager(config)}
}

// DevMode reports whether usernames are trusted without a token.
func (a *Authenticator) DevMode() bool {
	return a.jwt == nil
}

// Authenticate returns the user for a handshake. token may carry a "Bearer " prefix.
func (a *Authenticator) Authenticate(token, username string) (string, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))

	if a.jwt == nil {
		username = strings.TrimSpace(username)
		if username == "" {
			return "", ErrMissingIdentity
		}
		return username, nil
	}

	if token == "" {
		return "", ErrMissingIdentity
	}
	return a.jwt.Validate(token)
}
