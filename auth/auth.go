// Package auth resolves connection credentials to a verified identity and
// role. The engine consumes the Provider interface; the JWT implementation
// exists so the server runs standalone.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Marcinkowski-D/dma-vtt/models"
)

// ErrInvalidToken means the credential could not be verified. The connection
// is rejected before session registration; no other connection is affected.
var ErrInvalidToken = errors.New("invalid credential token")

// Identity is the verified result of credential resolution.
type Identity struct {
	UserID   string
	Username string
	Role     models.Role
}

// Provider verifies a credential token into an identity and role.
type Provider interface {
	Verify(token string) (Identity, error)
}

// JWTProvider verifies HS256 tokens carrying sub, name and role claims.
type JWTProvider struct {
	secret []byte
	ttl    time.Duration
}

func NewJWTProvider(secret string, ttl time.Duration) *JWTProvider {
	return &JWTProvider{secret: []byte(secret), ttl: ttl}
}

type claims struct {
	Username string `json:"name,omitempty"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

func (p *JWTProvider) Verify(token string) (Identity, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return p.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}

	role := models.Role(c.Role)
	if !role.Valid() || c.Subject == "" {
		return Identity{}, ErrInvalidToken
	}

	return Identity{UserID: c.Subject, Username: c.Username, Role: role}, nil
}

// Mint issues a token for the identity. Used by the admin surface and tests;
// credential issuance UI stays out of scope.
func (p *JWTProvider) Mint(id Identity) (string, error) {
	now := time.Now()
	c := claims{
		Username: id.Username,
		Role:     string(id.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(p.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(p.secret)
}
