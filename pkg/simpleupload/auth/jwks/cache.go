// Package jwks resolves token signing keys from a remote JSON Web Key Set.
//
// Keys are fetched lazily, one kid at a time, and kept for a fixed TTL.
// Concurrent misses for the same kid share a single fetch.
package jwks

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/jwk"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTTL          = 10 * time.Minute
	DefaultMissTTL      = 30 * time.Second
	DefaultFetchTimeout = 10 * time.Second

	maxDocumentBytes = 1 << 20
)

var (
	// ErrKeyNotFound means the key set has no signature key with the requested kid
	ErrKeyNotFound = errors.New("signing key not found")

	// ErrKeyFetchFailed means the key set could not be retrieved or understood
	ErrKeyFetchFailed = errors.New("signing key fetch failed")
)

// SigningKey is a public key taken from the key set. It is immutable once fetched.
type SigningKey struct {
	KeyID     string
	Algorithm string // empty when the key set does not pin one
	KeyType   string
	PublicKey crypto.PublicKey
	FetchedAt time.Time
}

// missing marks a kid the provider did not publish at the last fetch.
type missing struct{}

// Cache resolves signing keys by kid.
type Cache struct {
	uri          string
	client       *http.Client
	ttl          time.Duration
	missTTL      time.Duration
	fetchTimeout time.Duration
	observer     func(kid string, err error)
	logger       *slog.Logger
	now          func() time.Time

	keys  *gocache.Cache
	group singleflight.Group

	mu          sync.RWMutex
	lastRefresh time.Time
}

// Option configures a Cache
type Option func(*Cache)

// WithHTTPClient sets the client used for key set requests
func WithHTTPClient(client *http.Client) Option {
	return func(c *Cache) {
		c.client = client
	}
}

// WithTTL sets how long a resolved key is kept
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		c.ttl = ttl
	}
}

// WithMissTTL sets how long an unknown kid is remembered as missing. Zero disables it.
func WithMissTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		c.missTTL = ttl
	}
}

// WithFetchTimeout bounds a single key set request
func WithFetchTimeout(timeout time.Duration) Option {
	return func(c *Cache) {
		c.fetchTimeout = timeout
	}
}

// WithFetchObserver is called after every key set request
func WithFetchObserver(fn func(kid string, err error)) Option {
	return func(c *Cache) {
		c.observer = fn
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithClock overrides the time source used for FetchedAt
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New returns an empty cache for the key set at uri. Nothing is fetched until
// the first Resolve.
func New(uri string, opts ...Option) (*Cache, error) {
	u, err := url.Parse(uri)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return nil, fmt.Errorf("invalid JWKS URI %q", uri)
	}

	c := &Cache{
		uri:          uri,
		ttl:          DefaultTTL,
		missTTL:      DefaultMissTTL,
		fetchTimeout: DefaultFetchTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.client == nil {
		c.client = &http.Client{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.ttl <= 0 {
		c.ttl = DefaultTTL
	}
	if c.fetchTimeout <= 0 {
		c.fetchTimeout = DefaultFetchTimeout
	}
	c.keys = gocache.New(c.ttl, time.Minute)

	return c, nil
}

// URI returns the key set location
func (c *Cache) URI() string {
	return c.uri
}

// LastRefresh returns when the key set was last fetched successfully
func (c *Cache) LastRefresh() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastRefresh
}

// Resolve returns the signing key for kid, fetching the key set on a miss.
// The fetch is shared with concurrent callers and is not cancelled when ctx
// is; ctx only bounds how long this caller waits.
func (c *Cache) Resolve(ctx context.Context, kid string) (*SigningKey, error) {
	if kid == "" {
		return nil, fmt.Errorf("%w: empty kid", ErrKeyNotFound)
	}
	if key, ok, err := c.lookup(kid); ok {
		return key, err
	}

	ch := c.group.DoChan(kid, func() (interface{}, error) {
		if key, ok, err := c.lookup(kid); ok {
			return key, err
		}

		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()

		key, err := c.fetchKey(fetchCtx, kid)
		if c.observer != nil {
			c.observer(kid, err)
		}
		if err != nil {
			return nil, err
		}
		return key, nil
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrKeyFetchFailed, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*SigningKey), nil
	}
}

func (c *Cache) lookup(kid string) (*SigningKey, bool, error) {
	v, ok := c.keys.Get(kid)
	if !ok {
		return nil, false, nil
	}
	if key, ok := v.(*SigningKey); ok {
		return key, true, nil
	}
	return nil, true, fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
}

func (c *Cache) fetchKey(ctx context.Context, kid string) (*SigningKey, error) {
	set, err := c.fetchSet(ctx)
	if err != nil {
		c.logger.Warn("jwks fetch failed", "uri", c.uri, "kid", kid, "err", err)
		return nil, err
	}

	key, ok := set.LookupKeyID(kid)
	if !ok || !isSignatureKey(key) {
		if c.missTTL > 0 {
			c.keys.Set(kid, missing{}, c.missTTL)
		}
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
	}

	signingKey, err := c.toSigningKey(key)
	if err != nil {
		return nil, err
	}
	c.keys.Set(kid, signingKey, gocache.DefaultExpiration)
	c.logger.Debug("jwks key cached", "kid", kid, "alg", signingKey.Algorithm)

	return signingKey, nil
}

// Fetch retrieves the whole key set without touching the cache.
func (c *Cache) Fetch(ctx context.Context) ([]*SigningKey, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	set, err := c.fetchSet(fetchCtx)
	if err != nil {
		return nil, err
	}

	keys := make([]*SigningKey, 0, set.Len())
	for i := 0; i < set.Len(); i++ {
		key, ok := set.Get(i)
		if !ok || !isSignatureKey(key) {
			continue
		}
		signingKey, err := c.toSigningKey(key)
		if err != nil {
			c.logger.Warn("skipping unusable jwks key", "kid", key.KeyID(), "err", err)
			continue
		}
		keys = append(keys, signingKey)
	}
	return keys, nil
}

func (c *Cache) fetchSet(ctx context.Context) (jwk.Set, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.uri, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyFetchFailed, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrKeyFetchFailed, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyFetchFailed, err)
	}
	if len(body) > maxDocumentBytes {
		return nil, fmt.Errorf("%w: key set larger than %d bytes", ErrKeyFetchFailed, maxDocumentBytes)
	}

	set, err := jwk.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyFetchFailed, err)
	}

	c.mu.Lock()
	c.lastRefresh = c.now()
	c.mu.Unlock()

	return set, nil
}

func isSignatureKey(key jwk.Key) bool {
	use := key.KeyUsage()
	return use == "" || use == "sig"
}

func (c *Cache) toSigningKey(key jwk.Key) (*SigningKey, error) {
	var raw interface{}
	if err := key.Raw(&raw); err != nil {
		return nil, fmt.Errorf("%w: kid %s: %w", ErrKeyFetchFailed, key.KeyID(), err)
	}

	switch raw.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey, ed25519.PublicKey:
	default:
		return nil, fmt.Errorf("%w: kid %s: unsupported key material %T", ErrKeyFetchFailed, key.KeyID(), raw)
	}

	return &SigningKey{
		KeyID:     key.KeyID(),
		Algorithm: key.Algorithm(),
		KeyType:   string(key.KeyType()),
		PublicKey: raw,
		FetchedAt: c.now(),
	}, nil
}
