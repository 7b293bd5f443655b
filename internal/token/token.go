// Package token verifies admin bearer tokens. Issuance belongs to the
// upstream auth service; the relay only checks signatures and expiry.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken reports a token that failed signature, expiry, or claim
// checks.
var ErrInvalidToken = errors.New("token: invalid")

// AdminClaims is the payload the upstream auth service signs for agents.
type AdminClaims struct {
	AdminID string   `json:"admin_id"`
	Roles   []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks HS256 admin tokens against a shared secret.
type Verifier struct {
	secret []byte
}

// NewVerifier returns a Verifier for the given shared secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates the signature and expiry of a bearer token and
// returns its claims.
func (v *Verifier) Verify(tokenString string) (*AdminClaims, error) {
	if len(v.secret) == 0 {
		return nil, fmt.Errorf("%w: no verification key configured", ErrInvalidToken)
	}

	token, err := jwt.ParseWithClaims(tokenString, &AdminClaims{}, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*AdminClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.AdminID == "" {
		return nil, fmt.Errorf("%w: missing admin_id", ErrInvalidToken)
	}
	return claims, nil
}

// Sign issues a token for tests and local development. Production tokens
// come from the auth service.
func (v *Verifier) Sign(adminID string, ttl time.Duration) (string, error) {
	claims := &AdminClaims{
		AdminID: adminID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "handoff",
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
