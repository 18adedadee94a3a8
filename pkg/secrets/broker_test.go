package secrets

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentrypipe/sentrypipe/pkg/breaker"
	"github.com/sentrypipe/sentrypipe/pkg/metrics"
	"github.com/sentrypipe/sentrypipe/pkg/retry"
)

// fakeStore counts calls and can be flipped to failing.
type fakeStore struct {
	gets    atomic.Int64
	sets    atomic.Int64
	failing atomic.Bool
	value   string
}

func (f *fakeStore) GetSecret(_ context.Context, _ string) (string, error) {
	f.gets.Add(1)
	if f.failing.Load() {
		return "", ErrUnauthorized
	}
	return f.value, nil
}

func (f *fakeStore) SetSecret(_ context.Context, _, value string) error {
	f.sets.Add(1)
	if f.failing.Load() {
		return ErrUnauthorized
	}
	f.value = value
	return nil
}

func (f *fakeStore) Health(context.Context) error {
	if f.failing.Load() {
		return ErrUnauthorized
	}
	return nil
}

func testConfig() Config {
	return Config{
		CacheTTL:          time.Hour,
		EncryptionEnabled: true,
		Retry:             retry.Policy{MaxAttempts: 1, InitialDelay: time.Millisecond},
		Breaker:           breaker.Config{FailureThreshold: 1, MinCallsBeforeOpen: 1, RecoveryTimeout: time.Hour},
	}
}

func TestBrokerServesFromCacheWithinTTL(t *testing.T) {
	store := &fakeStore{value: "token-1"}
	b, err := NewBroker(testConfig(), store, log.NewNopLogger(), nil)
	require.NoError(t, err)

	now := time.Now()
	b.now = func() time.Time { return now }

	v, err := b.Get(context.Background(), "api-token", false)
	require.NoError(t, err)
	require.Equal(t, "token-1", v)
	require.EqualValues(t, 1, store.gets.Load())

	// Just inside the TTL: cache hit, no remote fetch.
	now = now.Add(time.Hour - time.Millisecond)
	v, err = b.Get(context.Background(), "api-token", false)
	require.NoError(t, err)
	require.Equal(t, "token-1", v)
	require.EqualValues(t, 1, store.gets.Load())

	// Just past the TTL: fresh remote fetch.
	now = now.Add(2 * time.Millisecond)
	_, err = b.Get(context.Background(), "api-token", false)
	require.NoError(t, err)
	require.EqualValues(t, 2, store.gets.Load())
}

func TestBrokerForceRefreshBypassesCache(t *testing.T) {
	store := &fakeStore{value: "token-1"}
	b, err := NewBroker(testConfig(), store, log.NewNopLogger(), nil)
	require.NoError(t, err)

	_, err = b.Get(context.Background(), "api-token", false)
	require.NoError(t, err)

	store.value = "token-2"
	v, err := b.Get(context.Background(), "api-token", true)
	require.NoError(t, err)
	require.Equal(t, "token-2", v)
	require.EqualValues(t, 2, store.gets.Load())
}

func TestBrokerServesStaleWhileCircuitOpen(t *testing.T) {
	store := &fakeStore{value: "token-1"}
	sink := metrics.NewCaptureSink()
	b, err := NewBroker(testConfig(), store, log.NewNopLogger(), sink)
	require.NoError(t, err)

	now := time.Now()
	b.now = func() time.Time { return now }

	_, err = b.Get(context.Background(), "api-token", false)
	require.NoError(t, err)

	// Expire the cache and open the circuit with one failing fetch.
	now = now.Add(2 * time.Hour)
	store.failing.Store(true)
	_, err = b.Get(context.Background(), "api-token", false)
	require.Error(t, err)

	// Circuit is now open; the stale entry is served and flagged.
	v, err := b.Get(context.Background(), "api-token", false)
	require.NoError(t, err)
	assert.Equal(t, "token-1", v)
	assert.Equal(t, float64(1), sink.Value("stale_credential_served", map[string]string{"secret": "api-token"}))
}

func TestBrokerRotate(t *testing.T) {
	store := &fakeStore{value: "old"}
	b, err := NewBroker(testConfig(), store, log.NewNopLogger(), nil)
	require.NoError(t, err)

	v, err := b.Rotate(context.Background(), "api-token", "new-token")
	require.NoError(t, err)
	require.Equal(t, "new-token", v)
	require.EqualValues(t, 1, store.sets.Load())

	// Rotated value is cached; no remote fetch needed.
	got, err := b.Get(context.Background(), "api-token", false)
	require.NoError(t, err)
	require.Equal(t, "new-token", got)
	require.EqualValues(t, 0, store.gets.Load())
}

func TestBrokerRotateGeneratesValue(t *testing.T) {
	store := &fakeStore{}
	b, err := NewBroker(testConfig(), store, log.NewNopLogger(), nil)
	require.NoError(t, err)

	v, err := b.Rotate(context.Background(), "api-token", "")
	require.NoError(t, err)
	require.Len(t, v, 64) // 32 random bytes, hex encoded
}

func TestBrokerValidate(t *testing.T) {
	store := &fakeStore{value: "x"}
	b, err := NewBroker(testConfig(), store, log.NewNopLogger(), nil)
	require.NoError(t, err)

	h := b.Validate(context.Background())
	assert.True(t, h.StoreReachable)
	assert.Equal(t, "closed", h.BreakerState)
	assert.Equal(t, 0, h.CachedSecrets)
}

func TestHTTPStoreRoundTrip(t *testing.T) {
	values := map[string]string{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer vault-token" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		switch {
		case r.URL.Path == "/v1/health":
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodGet:
			v, ok := values[r.URL.Path]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_, _ = w.Write([]byte(`{"value":"` + v + `"}`))
		case r.Method == http.MethodPut:
			body := make([]byte, r.ContentLength)
			_, _ = r.Body.Read(body)
			values[r.URL.Path] = string(body)
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	cfg := StoreConfig{Endpoint: srv.URL, Timeout: 5 * time.Second}
	require.NoError(t, cfg.Token.Set("vault-token"))

	store, err := NewHTTPStore(cfg)
	require.NoError(t, err)

	require.NoError(t, store.Health(context.Background()))

	_, err = store.GetSecret(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)

	values["/v1/secret/api-token"] = "tok"
	v, err := store.GetSecret(context.Background(), "api-token")
	require.NoError(t, err)
	require.Equal(t, "tok", v)
}

func TestHTTPStoreUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	store, err := NewHTTPStore(StoreConfig{Endpoint: srv.URL})
	require.NoError(t, err)

	_, err = store.GetSecret(context.Background(), "api-token")
	require.ErrorIs(t, err, ErrUnauthorized)
}
