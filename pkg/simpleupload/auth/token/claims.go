package token

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/jwtauth"
	"github.com/golang-jwt/jwt/v5"
)

// Claims are the verified contents of a bearer token.
type Claims struct {
	Subject   string
	Audience  []string
	Issuer    string
	ExpiresAt time.Time
	IssuedAt  time.Time
	// Extra holds every claim not listed above
	Extra map[string]any
}

// String returns a string-valued extra claim such as "name" or "preferred_username".
func (c *Claims) String(name string) string {
	s, _ := c.Extra[name].(string)
	return s
}

var registeredClaims = map[string]bool{
	"sub": true, "aud": true, "iss": true, "exp": true, "iat": true, "nbf": true,
}

func claimsFromMap(m jwt.MapClaims) *Claims {
	c := &Claims{Extra: make(map[string]any)}
	c.Subject, _ = m.GetSubject()
	c.Issuer, _ = m.GetIssuer()
	if aud, err := m.GetAudience(); err == nil {
		c.Audience = aud
	}
	if exp, err := m.GetExpirationTime(); err == nil && exp != nil {
		c.ExpiresAt = exp.Time.UTC()
	}
	if iat, err := m.GetIssuedAt(); err == nil && iat != nil {
		c.IssuedAt = iat.Time.UTC()
	}
	for k, v := range m {
		if !registeredClaims[k] {
			c.Extra[k] = v
		}
	}
	return c
}

type ctxKey struct{}

// NewContext returns a copy of ctx carrying claims
func NewContext(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, ctxKey{}, claims)
}

// FromContext returns the claims attached by NewContext
func FromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(ctxKey{}).(*Claims)
	return claims, ok && claims != nil
}

// FromRequest extracts the bearer token from the Authorization header.
func FromRequest(r *http.Request) string {
	return jwtauth.TokenFromHeader(r)
}
