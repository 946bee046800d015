// Package auth issues and verifies the HS256 bearer tokens accepted by the
// relay, the session API and the websocket endpoints.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "airstream"

// Claims holds the JWT token payload. UserID takes precedence over the
// registered subject when both are present.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"uid,omitempty"`
}

// Principal returns the caller identity carried by the token.
func (c *Claims) Principal() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}

//nolint:gochecknoglobals // sentinel errors
var (
	ErrInvalidToken = errors.New("auth: invalid or expired token")
	ErrNoSubject    = errors.New("auth: token carries no subject")
)

// IssueToken creates a signed token for subject valid for ttl.
func IssueToken(secret, subject string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("auth.IssueToken: %w", ErrNoSubject)
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    issuer,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("auth.IssueToken: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and validates a token string and requires a
// non-empty principal.
func ValidateToken(secret, tokenString string) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("auth.ValidateToken: %w", ErrInvalidToken)
	}

	if claims.Principal() == "" {
		return nil, fmt.Errorf("auth.ValidateToken: %w", ErrNoSubject)
	}

	return claims, nil
}
