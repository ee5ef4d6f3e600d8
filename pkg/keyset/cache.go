package keyset

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/praxislabs/identity-core/pkg/observability"
)

var (
	// ErrUnknownKey means the key id is absent from a freshly fetched key set.
	// The token was signed by a key the provider no longer publishes.
	ErrUnknownKey = errors.New("signing key not found in key set")

	// ErrUnavailable means the key set could not be fetched and no usable
	// cached copy exists. Callers should surface this as a 5xx, not a 401.
	ErrUnavailable = errors.New("key set unavailable")
)

// Config holds key set cache settings
type Config struct {
	JWKSURL            string
	TTL                time.Duration
	StaleGrace         time.Duration
	MinRefreshInterval time.Duration
	HTTPTimeout        time.Duration
}

// Cache fetches and caches the provider's signing keys. A lookup miss for
// an unknown key id triggers at most one upstream fetch regardless of how
// many callers observe the miss concurrently.
type Cache struct {
	cfg     Config
	client  *http.Client
	logger  *observability.Logger
	metrics *observability.Metrics
	group   singleflight.Group

	mu          sync.RWMutex
	keys        map[string]*rsa.PublicKey
	missing     map[string]struct{}
	fetchedAt   time.Time
	lastAttempt time.Time

	// now is swapped in tests
	now func() time.Time
}

// NewCache creates a key set cache. metrics may be nil.
func NewCache(cfg Config, logger *observability.Logger, metrics *observability.Metrics) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Minute
	}
	if cfg.MinRefreshInterval <= 0 {
		cfg.MinRefreshInterval = 30 * time.Second
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}

	return &Cache{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.HTTPTimeout},
		logger:  logger,
		metrics: metrics,
		missing: make(map[string]struct{}),
		now:     time.Now,
	}
}

// Key resolves a signing key by key id. Refreshes the set on an unknown
// key id or an expired cache; concurrent refreshes are collapsed.
func (c *Cache) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	observed := c.now()

	c.mu.RLock()
	key, haveKey := c.keys[kid]
	_, confirmedAbsent := c.missing[kid]
	fresh := !c.fetchedAt.IsZero() && observed.Sub(c.fetchedAt) < c.cfg.TTL
	c.mu.RUnlock()

	if fresh && haveKey {
		c.countLookup("hit")
		return key, nil
	}

	// Either the cache is cold/expired or the kid is unknown. An unknown
	// kid the last fetch did not rule out bypasses the refresh throttle: a
	// freshly rotated key must validate immediately, and single-flight
	// already collapses the stampede. A kid a fetch has already confirmed
	// absent stays throttled.
	fetched, refreshErr := c.refresh(ctx, !haveKey && !confirmedAbsent, observed)

	c.mu.RLock()
	key, haveKey = c.keys[kid]
	fetchedAt := c.fetchedAt
	c.mu.RUnlock()

	if refreshErr == nil {
		if haveKey {
			c.countLookup("refresh_hit")
			return key, nil
		}
		if fetched {
			c.mu.Lock()
			c.missing[kid] = struct{}{}
			c.mu.Unlock()
		}
		c.countLookup("unknown_kid")
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, kid)
	}

	// Refresh failed. Serve the stale set if the key is present and we are
	// still inside the grace window.
	if haveKey && c.now().Sub(fetchedAt) < c.cfg.TTL+c.cfg.StaleGrace {
		if c.metrics != nil {
			c.metrics.KeySetStaleServes.Inc()
		}
		c.logger.WithError(refreshErr).Warn("Serving stale key set during provider outage")
		return key, nil
	}

	c.countLookup("unavailable")
	return nil, fmt.Errorf("%w: %v", ErrUnavailable, refreshErr)
}

// refresh performs a single-flight fetch of the key set and reports
// whether an upstream fetch actually happened. Unforced attempts within
// MinRefreshInterval of the previous one reuse the cached state instead
// of issuing another upstream call.
func (c *Cache) refresh(ctx context.Context, force bool, observed time.Time) (bool, error) {
	v, err, _ := c.group.Do("refresh", func() (interface{}, error) {
		c.mu.RLock()
		lastAttempt := c.lastAttempt
		fetchedAt := c.fetchedAt
		c.mu.RUnlock()

		// A fetch that completed after the caller observed its miss already
		// answers it.
		if !fetchedAt.IsZero() && fetchedAt.After(observed) {
			return false, nil
		}

		if !force && !lastAttempt.IsZero() && c.now().Sub(lastAttempt) < c.cfg.MinRefreshInterval {
			if fetchedAt.IsZero() {
				return false, fmt.Errorf("refresh throttled and no cached key set")
			}
			return false, nil
		}

		start := c.now()
		c.mu.Lock()
		c.lastAttempt = start
		c.mu.Unlock()

		keys, err := c.fetch(ctx)
		duration := c.now().Sub(start).Seconds()

		if err != nil {
			c.countRefresh("error", duration)
			return true, err
		}

		c.mu.Lock()
		c.keys = keys
		c.missing = make(map[string]struct{})
		c.fetchedAt = c.now()
		c.mu.Unlock()

		c.countRefresh("success", duration)
		c.logger.Infof("Key set refreshed with %d keys", len(keys))
		return true, nil
	})
	fetched, _ := v.(bool)
	return fetched, err
}

func (c *Cache) fetch(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.JWKSURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build JWKS request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS endpoint returned %s", resp.Status)
	}

	var doc jwksDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		pub, err := k.rsaPublicKey()
		if err != nil {
			c.logger.WithError(err).Warnf("Skipping unparseable key %s", k.Kid)
			continue
		}
		keys[k.Kid] = pub
	}

	if len(keys) == 0 {
		return nil, fmt.Errorf("JWKS contained no usable RSA keys")
	}

	return keys, nil
}

func (c *Cache) countLookup(outcome string) {
	if c.metrics != nil {
		c.metrics.KeySetCacheHitsTotal.WithLabelValues(outcome).Inc()
	}
}

func (c *Cache) countRefresh(status string, seconds float64) {
	if c.metrics != nil {
		c.metrics.KeySetRefreshTotal.WithLabelValues(status).Inc()
		c.metrics.KeySetRefreshDuration.WithLabelValues(status).Observe(seconds)
	}
}

// jwksDocument is the wire shape of the provider's key discovery response
type jwksDocument struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (k jwk) rsaPublicKey() (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("invalid modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("invalid exponent: %w", err)
	}

	e := 0
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}
	if e <= 0 {
		return nil, fmt.Errorf("non-positive exponent")
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: e,
	}, nil
}
