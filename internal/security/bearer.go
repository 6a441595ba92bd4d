package security

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"session-gateway/backend/internal/platform/apperr"
)

// ErrNotJWT is the cause returned when an upstream bearer is opaque rather than a JWT.
var ErrNotJWT = errors.New("bearer is not a JWT")

// BearerClaims holds the bookkeeping fields read from an upstream JWT bearer.
type BearerClaims struct {
	ID        string // jti; empty when the issuer does not set one
	Subject   string
	Issuer    string
	Audience  []string
	IssuedAt  time.Time
	ExpiresAt time.Time // zero when the token carries no exp claim
	Scopes    []string
}

type upstreamClaims struct {
	jwt.RegisteredClaims
	Scope string   `json:"scope,omitempty"`
	Scp   []string `json:"scp,omitempty"`
}

// ParseBearer reads the claims of an upstream JWT bearer without verifying its signature.
// The signature belongs to the upstream platform; the gateway only needs identity and expiry
// to index and expire the stored credential.
func ParseBearer(raw string) (BearerClaims, error) {
	const op = "security.ParseBearer"
	var claims upstreamClaims
	_, _, err := jwt.NewParser().ParseUnverified(raw, &claims)
	if err != nil {
		return BearerClaims{}, apperr.Wrap(apperr.AuthenticationFailed, op, errors.Join(ErrNotJWT, err))
	}
	out := BearerClaims{
		ID:       claims.ID,
		Subject:  claims.Subject,
		Issuer:   claims.Issuer,
		Audience: []string(claims.Audience),
		Scopes:   claims.Scp,
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time.UTC()
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time.UTC()
	}
	if len(out.Scopes) == 0 && claims.Scope != "" {
		out.Scopes = strings.Fields(claims.Scope)
	}
	return out, nil
}
