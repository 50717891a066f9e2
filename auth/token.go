// Package auth verifies the shared secret presented when a client opens a
// connection to the broker.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidToken is returned when a presented token does not match.
var ErrInvalidToken = errors.New("invalid token")

// TokenVerifier checks handshake tokens against a bcrypt hash. The plain
// secret is never kept in memory after construction.
type TokenVerifier struct {
	hash string
}

// isBcryptHash checks if a string is a bcrypt hash
// bcrypt hashes start with $2a$, $2b$, or $2y$
func isBcryptHash(s string) bool {
	return strings.HasPrefix(s, "$2a$") ||
		strings.HasPrefix(s, "$2b$") ||
		strings.HasPrefix(s, "$2y$")
}

// NewTokenVerifier builds a verifier for secret, which may be a plain token
// or an existing bcrypt hash. An empty secret disables verification. cost 0
// selects bcrypt.DefaultCost.
func NewTokenVerifier(secret string, cost int) (*TokenVerifier, error) {
	if secret == "" {
		return &TokenVerifier{}, nil
	}
	if isBcryptHash(secret) {
		if _, err := bcrypt.Cost([]byte(secret)); err != nil {
			return nil, fmt.Errorf("invalid token hash: %w", err)
		}
		return &TokenVerifier{hash: secret}, nil
	}

	hash, err := HashToken(secret, cost)
	if err != nil {
		return nil, err
	}
	return &TokenVerifier{hash: hash}, nil
}

// Enabled reports whether a token is required.
func (v *TokenVerifier) Enabled() bool {
	return v != nil && v.hash != ""
}

// Verify checks token using bcrypt's constant-time comparison. It always
// succeeds when verification is disabled.
func (v *TokenVerifier) Verify(token string) error {
	if !v.Enabled() {
		return nil
	}
	if token == "" {
		return ErrInvalidToken
	}
	if err := bcrypt.CompareHashAndPassword([]byte(v.hash), []byte(token)); err != nil {
		return ErrInvalidToken
	}
	return nil
}

// HashToken generates a bcrypt hash from a plain token
func HashToken(token string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash token: %w", err)
	}
	return string(hash), nil
}

// GenerateToken returns 32 random bytes, hex encoded.
func GenerateToken() (string, error) {
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(tokenBytes), nil
}
