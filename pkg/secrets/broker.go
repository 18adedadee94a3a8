// Package secrets brokers credentials between the remote secret service and
// the pipeline's outbound clients. Fetches are cached with a TTL and
// optionally encrypted at rest; remote calls run behind the shared circuit
// breaker and retry helper.
package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sentrypipe/sentrypipe/pkg/breaker"
	"github.com/sentrypipe/sentrypipe/pkg/metrics"
	"github.com/sentrypipe/sentrypipe/pkg/retry"
)

var (
	metricCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sentrypipe",
		Name:      "secrets_cache_hits_total",
		Help:      "Credential cache hits within TTL.",
	})
	metricRemoteFetches = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sentrypipe",
		Name:      "secrets_remote_fetches_total",
		Help:      "Fetches that went to the remote secret service.",
	})
	metricStaleServed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sentrypipe",
		Name:      "secrets_stale_served_total",
		Help:      "Stale cached credentials served while the circuit was open.",
	})
	metricRotations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentrypipe",
		Name:      "secrets_rotations_total",
		Help:      "Credential rotations by outcome.",
	}, []string{"outcome"})
)

// Config for the credential broker.
type Config struct {
	Store             StoreConfig    `yaml:",inline"`
	CacheTTL          time.Duration  `yaml:"cache_ttl"`
	EncryptionEnabled bool           `yaml:"encryption_enabled"`
	Retry             retry.Policy   `yaml:"retry"`
	Breaker           breaker.Config `yaml:"circuit_breaker"`
}

// RegisterFlagsAndApplyDefaults registers flags and sets defaults.
func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.CacheTTL = time.Hour
	cfg.EncryptionEnabled = true
	cfg.Retry = retry.DefaultPolicy()
	cfg.Store.RegisterFlagsAndApplyDefaults(prefix, f)
	cfg.Breaker.RegisterFlagsAndApplyDefaults(prefix+".circuit-breaker", f)
}

type cachedSecret struct {
	ciphertext []byte
	nonce      []byte
	fetchedAt  time.Time
	ttl        time.Duration
}

// Health summarises the broker's view of the secret service.
type Health struct {
	StoreReachable bool          `json:"store_reachable"`
	BreakerState   string        `json:"breaker_state"`
	CachedSecrets  int           `json:"cached_secrets"`
	CacheTTL       time.Duration `json:"cache_ttl"`
}

// Broker caches secrets fetched from a remote Store. Callers always receive
// plaintext copies; when encryption is enabled the cache holds only AES-GCM
// ciphertext under a per-process key.
type Broker struct {
	cfg     Config
	store   Store
	breaker *breaker.Breaker
	logger  log.Logger
	sink    metrics.Sink

	aead cipher.AEAD // nil when encryption is disabled

	now func() time.Time

	mtx   sync.RWMutex
	cache map[string]cachedSecret
}

func NewBroker(cfg Config, store Store, logger log.Logger, sink metrics.Sink) (*Broker, error) {
	if sink == nil {
		sink = metrics.NoopSink{}
	}
	b := &Broker{
		cfg:     cfg,
		store:   store,
		breaker: breaker.New("secret-store", cfg.Breaker, logger),
		logger:  logger,
		sink:    sink,
		now:     time.Now,
		cache:   make(map[string]cachedSecret),
	}
	if cfg.CacheTTL <= 0 {
		b.cfg.CacheTTL = time.Hour
	}

	if cfg.EncryptionEnabled {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, errors.Wrap(err, "generating cache encryption key")
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		b.aead, err = cipher.NewGCM(block)
		if err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Get returns the named secret, serving from cache within TTL. forceRefresh
// bypasses the cache. On circuit-open a stale cache entry is served and
// flagged rather than failing the caller.
func (b *Broker) Get(ctx context.Context, name string, forceRefresh bool) (string, error) {
	if !forceRefresh {
		if value, ok := b.cached(name, false); ok {
			metricCacheHits.Inc()
			return value, nil
		}
	}

	value, err := b.fetchRemote(ctx, name)
	if err == nil {
		b.put(name, value)
		return value, nil
	}

	if errors.Is(err, breaker.ErrCircuitOpen) {
		// Serve stale while the secret service is unhealthy.
		if stale, ok := b.cached(name, true); ok {
			metricStaleServed.Inc()
			b.sink.Observe("stale_credential_served", 1, map[string]string{"secret": name})
			level.Warn(b.logger).Log("msg", "serving stale credential, secret store circuit open", "secret", name)
			return stale, nil
		}
	}
	return "", err
}

// Rotate stores a new value for the named secret and returns it. When
// newValue is empty a cryptographically random value is generated. The cache
// entry is invalidated before the upload; on upload failure the prior value
// remains authoritative.
func (b *Broker) Rotate(ctx context.Context, name, newValue string) (string, error) {
	if newValue == "" {
		raw := make([]byte, 32)
		if _, err := rand.Read(raw); err != nil {
			return "", errors.Wrap(err, "generating secret value")
		}
		newValue = hex.EncodeToString(raw)
	}

	b.mtx.Lock()
	delete(b.cache, name)
	b.mtx.Unlock()

	err := b.breaker.Execute(ctx, func(ctx context.Context) error {
		res := retry.Do(ctx, b.cfg.Retry, storeRetryable, func(ctx context.Context) error {
			return b.store.SetSecret(ctx, name, newValue)
		})
		return res.Err
	})
	if err != nil {
		metricRotations.WithLabelValues("failure").Inc()
		return "", errors.Wrapf(err, "rotating secret %q", name)
	}

	metricRotations.WithLabelValues("success").Inc()
	b.put(name, newValue)
	level.Info(b.logger).Log("msg", "rotated secret", "secret", name)
	return newValue, nil
}

// Validate probes the secret service and reports a health summary.
func (b *Broker) Validate(ctx context.Context) Health {
	err := b.breaker.Execute(ctx, func(ctx context.Context) error {
		return b.store.Health(ctx)
	})

	b.mtx.RLock()
	cached := len(b.cache)
	b.mtx.RUnlock()

	return Health{
		StoreReachable: err == nil,
		BreakerState:   b.breaker.State().String(),
		CachedSecrets:  cached,
		CacheTTL:       b.cfg.CacheTTL,
	}
}

func (b *Broker) fetchRemote(ctx context.Context, name string) (string, error) {
	var value string
	err := b.breaker.Execute(ctx, func(ctx context.Context) error {
		res := retry.Do(ctx, b.cfg.Retry, storeRetryable, func(ctx context.Context) error {
			var fetchErr error
			value, fetchErr = b.store.GetSecret(ctx, name)
			return fetchErr
		})
		return res.Err
	})
	if err != nil {
		return "", err
	}
	metricRemoteFetches.Inc()
	return value, nil
}

// cached returns the decrypted entry. allowStale ignores the TTL.
func (b *Broker) cached(name string, allowStale bool) (string, bool) {
	b.mtx.RLock()
	entry, ok := b.cache[name]
	b.mtx.RUnlock()

	if !ok {
		return "", false
	}
	if !allowStale && b.now().Sub(entry.fetchedAt) >= entry.ttl {
		return "", false
	}

	if b.aead == nil {
		return string(entry.ciphertext), true
	}
	plaintext, err := b.aead.Open(nil, entry.nonce, entry.ciphertext, nil)
	if err != nil {
		level.Error(b.logger).Log("msg", "failed to decrypt cached secret, evicting", "secret", name, "err", err)
		b.mtx.Lock()
		delete(b.cache, name)
		b.mtx.Unlock()
		return "", false
	}
	return string(plaintext), true
}

func (b *Broker) put(name, value string) {
	entry := cachedSecret{
		fetchedAt: b.now(),
		ttl:       b.cfg.CacheTTL,
	}
	if b.aead == nil {
		entry.ciphertext = []byte(value)
	} else {
		entry.nonce = make([]byte, b.aead.NonceSize())
		if _, err := rand.Read(entry.nonce); err != nil {
			level.Error(b.logger).Log("msg", "failed to generate nonce, not caching secret", "secret", name, "err", err)
			return
		}
		entry.ciphertext = b.aead.Seal(nil, entry.nonce, []byte(value), nil)
	}

	b.mtx.Lock()
	b.cache[name] = entry
	b.mtx.Unlock()
}

// storeRetryable treats authorization and missing-secret failures as
// permanent; anything else against the secret service is worth retrying.
func storeRetryable(err error) bool {
	return !errors.Is(err, ErrUnauthorized) && !errors.Is(err, ErrNotFound)
}
