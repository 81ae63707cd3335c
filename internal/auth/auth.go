// Package auth validates the opaque bearer token carried in a LOGIN
// packet and resolves it to a user identity (§4.4 step 1). Identity and
// authentication itself are an external collaborator per spec.md §1; this
// package is the narrow client of that collaborator the Gateway embeds.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any token the validator cannot accept:
// expired, malformed, or signed with an unexpected key.
var ErrInvalidToken = errors.New("auth: invalid token")

// Identity is the result of a successful token validation.
type Identity struct {
	UserID string
}

// Validator resolves a bearer token to an Identity. Implementations may
// cache a validated token for its remaining lifetime (§4.4 step 1).
type Validator interface {
	Validate(ctx context.Context, token string) (Identity, error)
}

// claims is the expected shape of the identity provider's JWT.
type claims struct {
	UserID string `json:"uid"`
	jwt.RegisteredClaims
}

// JWTValidator validates HS256 bearer tokens issued by the identity
// collaborator, caching successful validations until the token's
// registered expiry.
type JWTValidator struct {
	secret []byte
	cache  *tokenCache
}

// NewJWTValidator builds a JWTValidator using secret to verify token
// signatures.
func NewJWTValidator(secret []byte) *JWTValidator {
	return &JWTValidator{secret: secret, cache: newTokenCache()}
}

// Validate implements Validator.
func (v *JWTValidator) Validate(ctx context.Context, token string) (Identity, error) {
	if id, ok := v.cache.get(token); ok {
		return id, nil
	}

	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid || c.UserID == "" {
		return Identity{}, ErrInvalidToken
	}

	id := Identity{UserID: c.UserID}
	var expires time.Time
	if c.ExpiresAt != nil {
		expires = c.ExpiresAt.Time
	}
	v.cache.put(token, id, expires)
	return id, nil
}
