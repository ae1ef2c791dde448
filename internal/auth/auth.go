// Package auth issues and verifies bearer credentials for HTTP and the
// voice signaling endpoint.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrExpiredToken = errors.New("token expired")
	ErrInvalidToken = errors.New("invalid token")
)

// Tokens wraps a signing secret for issuing/verifying tokens.
type Tokens struct {
	secret []byte
	ttl    time.Duration
}

func New(secret string, ttl time.Duration) *Tokens {
	return &Tokens{secret: []byte(secret), ttl: ttl}
}

// Issue creates a token whose subject is the user's email.
func (t *Tokens) Issue(subject string) (string, error) {
	if subject == "" {
		return "", ErrInvalidToken
	}
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(t.ttl).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(t.secret)
}

// Decode checks a token and returns the subject claim.
// On an expired-but-otherwise-valid token it returns the subject alongside
// ErrExpiredToken so the caller can run the one-shot refresh path.
func (t *Tokens) Decode(tok string) (string, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tok, claims, func(token *jwt.Token) (any, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return t.secret, nil
	})
	sub, _ := claims["sub"].(string)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) && sub != "" {
			return sub, ErrExpiredToken
		}
		return "", ErrInvalidToken
	}
	if sub == "" {
		return "", ErrInvalidToken
	}
	return sub, nil
}
