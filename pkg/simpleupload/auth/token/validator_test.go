package token

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/jwa"
	"github.com/lestrrat-go/jwx/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-upload/pkg/simpleupload/auth/jwks"
)

const (
	testAudience = "api://uploads"
	testIssuer   = "https://login.microsoftonline.com/tenant-1/v2.0"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type staticKeys map[string]*jwks.SigningKey

func (s staticKeys) Resolve(ctx context.Context, kid string) (*jwks.SigningKey, error) {
	if key, ok := s[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: %s", jwks.ErrKeyNotFound, kid)
}

type failingKeys struct{}

func (failingKeys) Resolve(ctx context.Context, kid string) (*jwks.SigningKey, error) {
	return nil, fmt.Errorf("%w: connection refused", jwks.ErrKeyFetchFailed)
}

func generateRSA(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return priv
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":                "user-1",
		"aud":                testAudience,
		"iss":                testIssuer,
		"exp":                testNow.Add(time.Hour).Unix(),
		"iat":                testNow.Add(-time.Minute).Unix(),
		"name":               "Ada Lovelace",
		"preferred_username": "ada@example.com",
	}
}

func sign(t *testing.T, method jwt.SigningMethod, key interface{}, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(method, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	raw, err := tok.SignedString(key)
	require.NoError(t, err)
	return raw
}

func newTestValidator(keys KeyResolver, opts ...Option) *Validator {
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return NewValidator(keys, opts...)
}

func TestValidate_Success(t *testing.T) {
	priv := generateRSA(t)
	v := newTestValidator(staticKeys{"k1": {KeyID: "k1", Algorithm: "RS256", PublicKey: &priv.PublicKey}})

	claims, err := v.Validate(context.Background(), sign(t, jwt.SigningMethodRS256, priv, "k1", validClaims()), testAudience, testIssuer)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, []string{testAudience}, claims.Audience)
	assert.Equal(t, testIssuer, claims.Issuer)
	assert.Equal(t, testNow.Add(time.Hour), claims.ExpiresAt)
	assert.Equal(t, "Ada Lovelace", claims.String("name"))
	assert.Equal(t, "ada@example.com", claims.String("preferred_username"))
	assert.NotContains(t, claims.Extra, "exp")
}

func TestValidate_Rejections(t *testing.T) {
	priv := generateRSA(t)
	other := generateRSA(t)
	ecPriv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	keys := staticKeys{
		"k1":    {KeyID: "k1", Algorithm: "RS256", PublicKey: &priv.PublicKey},
		"k384":  {KeyID: "k384", Algorithm: "RS384", PublicKey: &priv.PublicKey},
		"ec":    {KeyID: "ec", PublicKey: &ecPriv.PublicKey},
		"noalg": {KeyID: "noalg", PublicKey: &priv.PublicKey},
	}
	v := newTestValidator(keys)

	with := func(mutate func(jwt.MapClaims)) jwt.MapClaims {
		c := validClaims()
		mutate(c)
		return c
	}

	tests := []struct {
		name   string
		raw    string
		kind   ErrorKind
		reason Reason
	}{
		{"missing", "", KindMissingToken, ""},
		{"garbage", "not.a.jwt", KindMalformedToken, ""},
		{"no kid", sign(t, jwt.SigningMethodRS256, priv, "", validClaims()), KindMalformedToken, ""},
		{"unknown kid", sign(t, jwt.SigningMethodRS256, priv, "rotated-away", validClaims()), KindKeyNotFound, ""},
		{"wrong audience", sign(t, jwt.SigningMethodRS256, priv, "k1", with(func(c jwt.MapClaims) { c["aud"] = "api://other" })), KindTokenInvalid, ReasonAudience},
		{"wrong issuer", sign(t, jwt.SigningMethodRS256, priv, "k1", with(func(c jwt.MapClaims) { c["iss"] = "https://evil.example.com" })), KindTokenInvalid, ReasonIssuer},
		{"expired", sign(t, jwt.SigningMethodRS256, priv, "k1", with(func(c jwt.MapClaims) { c["exp"] = testNow.Add(-time.Second).Unix() })), KindTokenInvalid, ReasonExpired},
		{"not yet valid", sign(t, jwt.SigningMethodRS256, priv, "k1", with(func(c jwt.MapClaims) { c["nbf"] = testNow.Add(time.Hour).Unix() })), KindTokenInvalid, ReasonNotYetValid},
		{"no expiry", sign(t, jwt.SigningMethodRS256, priv, "k1", with(func(c jwt.MapClaims) { delete(c, "exp") })), KindTokenInvalid, ReasonClaims},
		{"signed by another key", sign(t, jwt.SigningMethodRS256, other, "k1", validClaims()), KindTokenInvalid, ReasonSignature},
		{"header algorithm not pinned", sign(t, jwt.SigningMethodRS384, priv, "k1", validClaims()), KindTokenInvalid, ReasonAlgorithm},
		{"hmac with public key confusion", sign(t, jwt.SigningMethodHS256, []byte("secret"), "k1", validClaims()), KindTokenInvalid, ReasonAlgorithm},
		{"alg none", sign(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, "k1", validClaims()), KindTokenInvalid, ReasonAlgorithm},
		{"key published for another algorithm", sign(t, jwt.SigningMethodRS256, priv, "k384", validClaims()), KindTokenInvalid, ReasonAlgorithm},
		{"key type mismatch", sign(t, jwt.SigningMethodRS256, priv, "ec", validClaims()), KindTokenInvalid, ReasonSignature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := v.Validate(context.Background(), tt.raw, testAudience, testIssuer)
			require.Error(t, err)
			assert.Nil(t, claims)

			var authErr *AuthError
			require.True(t, errors.As(err, &authErr), "want *AuthError, got %T", err)
			assert.Equal(t, tt.kind, authErr.Kind, authErr.Error())
			assert.Equal(t, tt.reason, authErr.Reason, authErr.Error())
			assert.NotEmpty(t, authErr.Detail())
		})
	}

	// A key without a published alg is accepted under the pinned one
	_, err = v.Validate(context.Background(), sign(t, jwt.SigningMethodRS256, priv, "noalg", validClaims()), testAudience, testIssuer)
	assert.NoError(t, err)
}

func TestValidate_Leeway(t *testing.T) {
	priv := generateRSA(t)
	keys := staticKeys{"k1": {KeyID: "k1", Algorithm: "RS256", PublicKey: &priv.PublicKey}}
	claims := validClaims()
	claims["exp"] = testNow.Add(-30 * time.Second).Unix()
	raw := sign(t, jwt.SigningMethodRS256, priv, "k1", claims)

	_, err := newTestValidator(keys).Validate(context.Background(), raw, testAudience, testIssuer)
	assert.Error(t, err)

	_, err = newTestValidator(keys, WithLeeway(time.Minute)).Validate(context.Background(), raw, testAudience, testIssuer)
	assert.NoError(t, err)
}

func TestValidate_KeyFetchFailure(t *testing.T) {
	priv := generateRSA(t)
	_, err := newTestValidator(failingKeys{}).Validate(context.Background(), sign(t, jwt.SigningMethodRS256, priv, "k1", validClaims()), testAudience, testIssuer)

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, KindKeyFetchFailed, authErr.Kind)
	assert.ErrorIs(t, err, jwks.ErrKeyFetchFailed)
}

func TestValidate_RequiresExpectations(t *testing.T) {
	priv := generateRSA(t)
	v := newTestValidator(staticKeys{"k1": {KeyID: "k1", Algorithm: "RS256", PublicKey: &priv.PublicKey}})
	raw := sign(t, jwt.SigningMethodRS256, priv, "k1", validClaims())

	_, err := v.Validate(context.Background(), raw, "", testIssuer)
	assert.Error(t, err)
	_, err = v.Validate(context.Background(), raw, testAudience, "")
	assert.Error(t, err)
}

// TestValidate_WithRemoteKeySet exercises the validator against a served key set.
func TestValidate_WithRemoteKeySet(t *testing.T) {
	priv := generateRSA(t)
	pub, err := jwk.New(priv.PublicKey)
	require.NoError(t, err)
	require.NoError(t, pub.Set(jwk.KeyIDKey, "remote"))
	require.NoError(t, pub.Set(jwk.AlgorithmKey, jwa.RS256))
	set := jwk.NewSet()
	set.Add(pub)
	body, err := json.Marshal(set)
	require.NoError(t, err)

	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	cache, err := jwks.New(srv.URL)
	require.NoError(t, err)
	v := newTestValidator(cache)

	raw := sign(t, jwt.SigningMethodRS256, priv, "remote", validClaims())
	for i := 0; i < 3; i++ {
		_, err := v.Validate(context.Background(), raw, testAudience, testIssuer)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), fetches.Load())

	_, err = v.Validate(context.Background(), sign(t, jwt.SigningMethodRS256, priv, "unknown", validClaims()), testAudience, testIssuer)
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, KindKeyNotFound, authErr.Kind)
}

func TestFromRequestAndContext(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/upload", nil)
	assert.Equal(t, "", FromRequest(r))

	r.Header.Set("Authorization", "Bearer abc.def.ghi")
	assert.Equal(t, "abc.def.ghi", FromRequest(r))

	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	assert.Equal(t, "", FromRequest(r))

	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	ctx := NewContext(context.Background(), &Claims{Subject: "user-1"})
	claims, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "user-1", claims.Subject)
}
