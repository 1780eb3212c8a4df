package jwks

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/jwa"
	"github.com/lestrrat-go/jwx/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type keyServer struct {
	srv     *httptest.Server
	fetches atomic.Int32
	mu      sync.Mutex
	body    []byte
	status  int
	delay   time.Duration
}

func newKeyServer(t *testing.T, set jwk.Set) *keyServer {
	t.Helper()
	ks := &keyServer{status: http.StatusOK}
	ks.setKeys(t, set)
	ks.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ks.fetches.Add(1)
		ks.mu.Lock()
		body, status, delay := ks.body, ks.status, ks.delay
		ks.mu.Unlock()
		if delay > 0 {
			time.Sleep(delay)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write(body)
	}))
	t.Cleanup(ks.srv.Close)
	return ks
}

func (ks *keyServer) setKeys(t *testing.T, set jwk.Set) {
	t.Helper()
	body, err := json.Marshal(set)
	require.NoError(t, err)
	ks.mu.Lock()
	ks.body = body
	ks.mu.Unlock()
}

func rsaSet(t *testing.T, kids ...string) jwk.Set {
	t.Helper()
	set := jwk.NewSet()
	for _, kid := range kids {
		priv, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		key, err := jwk.New(priv.PublicKey)
		require.NoError(t, err)
		require.NoError(t, key.Set(jwk.KeyIDKey, kid))
		require.NoError(t, key.Set(jwk.AlgorithmKey, jwa.RS256))
		set.Add(key)
	}
	return set
}

func TestNew_RejectsBadURI(t *testing.T) {
	for _, uri := range []string{"", "ftp://example.com/keys", "not a url", "https://"} {
		_, err := New(uri)
		assert.Error(t, err, uri)
	}
}

func TestResolve_CachesPerKid(t *testing.T) {
	ks := newKeyServer(t, rsaSet(t, "k1", "k2"))
	cache, err := New(ks.srv.URL)
	require.NoError(t, err)
	ctx := context.Background()

	key, err := cache.Resolve(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "k1", key.KeyID)
	assert.Equal(t, "RS256", key.Algorithm)
	assert.Equal(t, "RSA", key.KeyType)
	assert.IsType(t, &rsa.PublicKey{}, key.PublicKey)
	assert.False(t, cache.LastRefresh().IsZero())

	again, err := cache.Resolve(ctx, "k1")
	require.NoError(t, err)
	assert.Same(t, key, again)
	assert.Equal(t, int32(1), ks.fetches.Load())

	_, err = cache.Resolve(ctx, "k2")
	require.NoError(t, err)
	assert.Equal(t, int32(2), ks.fetches.Load())
}

func TestResolve_UnknownKid(t *testing.T) {
	ks := newKeyServer(t, rsaSet(t, "k1"))
	cache, err := New(ks.srv.URL)
	require.NoError(t, err)

	_, err = cache.Resolve(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	_, err = cache.Resolve(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.Equal(t, int32(1), ks.fetches.Load(), "a known-missing kid is not refetched")

	_, err = cache.Resolve(context.Background(), "")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestResolve_RotatedKeyPickedUp(t *testing.T) {
	ks := newKeyServer(t, rsaSet(t, "old"))
	cache, err := New(ks.srv.URL, WithMissTTL(0))
	require.NoError(t, err)

	_, err = cache.Resolve(context.Background(), "new")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	ks.setKeys(t, rsaSet(t, "old", "new"))
	key, err := cache.Resolve(context.Background(), "new")
	require.NoError(t, err)
	assert.Equal(t, "new", key.KeyID)
}

func TestResolve_EncryptionKeyIsNotASigningKey(t *testing.T) {
	set := rsaSet(t, "enc")
	key, _ := set.LookupKeyID("enc")
	require.NoError(t, key.Set(jwk.KeyUsageKey, "enc"))
	ks := newKeyServer(t, set)

	cache, err := New(ks.srv.URL)
	require.NoError(t, err)
	_, err = cache.Resolve(context.Background(), "enc")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestResolve_FetchFailures(t *testing.T) {
	t.Run("server error", func(t *testing.T) {
		ks := newKeyServer(t, rsaSet(t, "k1"))
		ks.status = http.StatusInternalServerError
		cache, err := New(ks.srv.URL)
		require.NoError(t, err)

		_, err = cache.Resolve(context.Background(), "k1")
		assert.ErrorIs(t, err, ErrKeyFetchFailed)

		// Failures are not cached
		ks.mu.Lock()
		ks.status = http.StatusOK
		ks.mu.Unlock()
		_, err = cache.Resolve(context.Background(), "k1")
		assert.NoError(t, err)
	})

	t.Run("garbage document", func(t *testing.T) {
		ks := newKeyServer(t, rsaSet(t, "k1"))
		ks.body = []byte("<html>")
		cache, err := New(ks.srv.URL)
		require.NoError(t, err)

		_, err = cache.Resolve(context.Background(), "k1")
		assert.ErrorIs(t, err, ErrKeyFetchFailed)
	})

	t.Run("unreachable", func(t *testing.T) {
		ks := newKeyServer(t, rsaSet(t, "k1"))
		ks.srv.Close()
		cache, err := New(ks.srv.URL)
		require.NoError(t, err)

		_, err = cache.Resolve(context.Background(), "k1")
		assert.ErrorIs(t, err, ErrKeyFetchFailed)
	})

	t.Run("timeout", func(t *testing.T) {
		ks := newKeyServer(t, rsaSet(t, "k1"))
		ks.delay = 200 * time.Millisecond
		cache, err := New(ks.srv.URL, WithFetchTimeout(20*time.Millisecond))
		require.NoError(t, err)

		_, err = cache.Resolve(context.Background(), "k1")
		assert.ErrorIs(t, err, ErrKeyFetchFailed)
	})
}

func TestResolve_ConcurrentMissesShareOneFetch(t *testing.T) {
	ks := newKeyServer(t, rsaSet(t, "k1"))
	ks.delay = 50 * time.Millisecond

	var observed atomic.Int32
	cache, err := New(ks.srv.URL, WithFetchObserver(func(kid string, err error) {
		observed.Add(1)
	}))
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.Resolve(context.Background(), "k1")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), ks.fetches.Load())
	assert.Equal(t, int32(1), observed.Load())
}

func TestResolve_CallerCancellationDoesNotPoisonFetch(t *testing.T) {
	ks := newKeyServer(t, rsaSet(t, "k1"))
	ks.delay = 100 * time.Millisecond
	cache, err := New(ks.srv.URL)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = cache.Resolve(ctx, "k1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrKeyFetchFailed)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	key, err := cache.Resolve(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, "k1", key.KeyID)
	assert.Equal(t, int32(1), ks.fetches.Load())
}

func TestFetch_ListsSigningKeys(t *testing.T) {
	set := rsaSet(t, "a", "b", "enc")
	enc, _ := set.LookupKeyID("enc")
	require.NoError(t, enc.Set(jwk.KeyUsageKey, "enc"))
	ks := newKeyServer(t, set)

	cache, err := New(ks.srv.URL)
	require.NoError(t, err)
	keys, err := cache.Fetch(context.Background())
	require.NoError(t, err)

	var kids []string
	for _, k := range keys {
		kids = append(kids, k.KeyID)
	}
	assert.ElementsMatch(t, []string{"a", "b"}, kids)

	_, err = cache.Resolve(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, int32(2), ks.fetches.Load(), "Fetch does not populate the cache")
}

func TestAzureDerivation(t *testing.T) {
	assert.Equal(t, "https://login.microsoftonline.com/tenant-1/discovery/v2.0/keys", AzureJWKSURI("tenant-1"))
	assert.Equal(t, "https://login.microsoftonline.com/tenant-1/v2.0", AzureIssuer("tenant-1"))
}
