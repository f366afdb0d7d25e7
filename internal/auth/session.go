package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionIssuer mints and verifies the app's own session tokens after
// Google login has been verified.
type SessionIssuer struct {
	secret []byte
	expiry time.Duration
}

// NewSessionIssuer creates an issuer signing with HMAC-SHA256.
func NewSessionIssuer(secret string, expiry time.Duration) *SessionIssuer {
	return &SessionIssuer{secret: []byte(secret), expiry: expiry}
}

// Issue signs a session token for the account.
func (s *SessionIssuer) Issue(accountID, email string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   accountID,
		"email": email,
		"exp":   time.Now().Add(s.expiry).Unix(),
		"iat":   time.Now().Unix(),
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// Verify parses a session token and returns the account id.
func (s *SessionIssuer) Verify(raw string) (string, error) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return s.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("parse session token: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid session token")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", fmt.Errorf("session token missing subject")
	}
	return sub, nil
}
