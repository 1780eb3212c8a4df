// Package token verifies bearer tokens against keys from a remote key set.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tendant/simple-upload/pkg/simpleupload/auth/jwks"
)

// DefaultAlgorithm is the only signing algorithm accepted unless configured otherwise.
const DefaultAlgorithm = "RS256"

// KeyResolver looks up a signing key by kid
type KeyResolver interface {
	Resolve(ctx context.Context, kid string) (*jwks.SigningKey, error)
}

// Validator verifies tokens. It is safe for concurrent use.
type Validator struct {
	keys      KeyResolver
	algorithm string
	leeway    time.Duration
	now       func() time.Time
}

// Option configures a Validator
type Option func(*Validator)

// WithAlgorithm pins the accepted signing algorithm
func WithAlgorithm(alg string) Option {
	return func(v *Validator) {
		v.algorithm = alg
	}
}

// WithLeeway tolerates clock skew on exp and nbf
func WithLeeway(leeway time.Duration) Option {
	return func(v *Validator) {
		v.leeway = leeway
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(v *Validator) {
		v.now = now
	}
}

// NewValidator returns a Validator resolving keys through keys
func NewValidator(keys KeyResolver, opts ...Option) *Validator {
	v := &Validator{
		keys:      keys,
		algorithm: DefaultAlgorithm,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Algorithm returns the pinned signing algorithm
func (v *Validator) Algorithm() string {
	return v.algorithm
}

// Validate verifies raw and returns its claims. The key and algorithm come
// from the key set and local policy; the token header only names the kid.
// Every error is an *AuthError.
func (v *Validator) Validate(ctx context.Context, raw, expectedAudience, expectedIssuer string) (*Claims, error) {
	if raw == "" {
		return nil, newAuthError(KindMissingToken, "", nil)
	}
	if expectedAudience == "" || expectedIssuer == "" {
		return nil, newAuthError(KindTokenInvalid, ReasonClaims, errors.New("expected audience and issuer must be configured"))
	}

	unverified, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return nil, newAuthError(KindMalformedToken, "", err)
	}
	kid, _ := unverified.Header["kid"].(string)
	if kid == "" {
		return nil, newAuthError(KindMalformedToken, "", errors.New("token header has no kid"))
	}
	if alg, _ := unverified.Header["alg"].(string); alg != v.algorithm {
		return nil, newAuthError(KindTokenInvalid, ReasonAlgorithm, fmt.Errorf("algorithm %q not allowed", alg))
	}

	key, err := v.keys.Resolve(ctx, kid)
	if err != nil {
		if errors.Is(err, jwks.ErrKeyNotFound) {
			return nil, newAuthError(KindKeyNotFound, "", err)
		}
		return nil, newAuthError(KindKeyFetchFailed, "", err)
	}
	if key.Algorithm != "" && key.Algorithm != v.algorithm {
		return nil, newAuthError(KindTokenInvalid, ReasonAlgorithm,
			fmt.Errorf("key %s is published for %s", kid, key.Algorithm))
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{v.algorithm}),
		jwt.WithIssuer(expectedIssuer),
		jwt.WithAudience(expectedAudience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	)
	claims := jwt.MapClaims{}
	_, err = parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return key.PublicKey, nil
	})
	if err != nil {
		return nil, classify(err)
	}

	return claimsFromMap(claims), nil
}

func classify(err error) *AuthError {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return newAuthError(KindMalformedToken, "", err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return newAuthError(KindTokenInvalid, ReasonSignature, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return newAuthError(KindTokenInvalid, ReasonExpired, err)
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return newAuthError(KindTokenInvalid, ReasonNotYetValid, err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return newAuthError(KindTokenInvalid, ReasonIssuer, err)
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return newAuthError(KindTokenInvalid, ReasonAudience, err)
	default:
		return newAuthError(KindTokenInvalid, ReasonClaims, err)
	}
}
