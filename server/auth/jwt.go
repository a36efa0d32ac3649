// Package auth is the connection-authentication hook the gateway calls
// before admitting a connection to the matchmaking queue. Token validation
// itself (the issuing identity provider, its HTTP surface) is an external
// collaborator per the core spec; this package only wraps a JWKS-backed
// verifier so the gateway has something concrete to call.
package auth

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Validator validates a bearer token and extracts the identity it names.
// A nil Validator (no AuthJWKSURL configured) means authentication is
// disabled, used for local development and tests.
type Validator struct {
	issuer string
	jwks   keyfunc.Keyfunc
}

// NewValidator builds a Validator backed by the JWKS document at
// jwksURL. issuer, if non-empty, is required to match the token's iss claim.
func NewValidator(jwksURL, issuer string) (*Validator, error) {
	if jwksURL == "" {
		return nil, fmt.Errorf("jwksURL is empty")
	}
	jwks, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}
	return &Validator{issuer: issuer, jwks: jwks}, nil
}

// IssuerFromBaseURL derives the expected issuer (scheme://host) from an
// identity provider base URL, mirroring how most OIDC providers set iss.
func IssuerFromBaseURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	return u.Scheme + "://" + u.Host, nil
}

// Validate parses and verifies tokenString, returning its claims.
func (v *Validator) Validate(tokenString string) (jwt.MapClaims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"EdDSA", "RS256"})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	token, err := jwt.Parse(tokenString, v.jwks.Keyfunc, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// DisplayNameFromClaims returns the first word of the "name" claim, or a
// fallback if it is absent.
func DisplayNameFromClaims(claims jwt.MapClaims) string {
	name, _ := claims["name"].(string)
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "player"
	}
	parts := strings.Fields(trimmed)
	if len(parts) > 0 {
		return parts[0]
	}
	return "player"
}

// UserIDFromClaims returns the stable identifier from claims ("sub" or "id").
func UserIDFromClaims(claims jwt.MapClaims) string {
	if sub, ok := claims["sub"].(string); ok && sub != "" {
		return sub
	}
	if id, ok := claims["id"].(string); ok && id != "" {
		return id
	}
	return ""
}
