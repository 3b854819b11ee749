package auth

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

	"github.com/nimburion/chatsync/pkg/observability/logger"
)

// ErrKeyNotFound is returned when no key matches a token's kid.
var ErrKeyNotFound = errors.New("signing key not found")

// JWKSClient fetches and caches RSA keys from a JWKS endpoint. Concurrent
// misses share one fetch.
type JWKSClient struct {
	url        string
	ttl        time.Duration
	httpClient *http.Client
	log        logger.Logger
	group      singleflight.Group

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	expiresAt time.Time
	now       func() time.Time
}

type jsonWebKey struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// NewJWKSClient creates a client that caches keys for ttl.
func NewJWKSClient(url string, ttl time.Duration, log logger.Logger) *JWKSClient {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &JWKSClient{
		url:        url,
		ttl:        ttl,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        log.With("component", "jwks"),
		keys:       map[string]*rsa.PublicKey{},
		now:        time.Now,
	}
}

// GetKey implements KeySource. An unknown kid forces one refresh.
func (c *JWKSClient) GetKey(ctx context.Context, kid string) (any, error) {
	if key := c.cached(kid); key != nil {
		return key, nil
	}
	if _, err, _ := c.group.Do("refresh", func() (any, error) { return nil, c.refresh(ctx) }); err != nil {
		return nil, err
	}
	if key := c.cached(kid); key != nil {
		return key, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
}

func (c *JWKSClient) cached(kid string) *rsa.PublicKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.now().After(c.expiresAt) {
		return nil
	}
	return c.keys[kid]
}

func (c *JWKSClient) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("build JWKS request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch JWKS: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	var body struct {
		Keys []jsonWebKey `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode JWKS: %w", err)
	}
	keys := make(map[string]*rsa.PublicKey, len(body.Keys))
	for _, jwk := range body.Keys {
		key, err := parseRSAKey(jwk)
		if err != nil {
			c.log.Warn("skipping JWK", "kid", jwk.Kid, "error", err)
			continue
		}
		keys[jwk.Kid] = key
	}
	if len(keys) == 0 {
		return errors.New("no usable keys in JWKS response")
	}

	c.mu.Lock()
	c.keys = keys
	c.expiresAt = c.now().Add(c.ttl)
	c.mu.Unlock()
	c.log.Info("JWKS refreshed", "key_count", len(keys))
	return nil
}

func parseRSAKey(jwk jsonWebKey) (*rsa.PublicKey, error) {
	if jwk.Kty != "RSA" {
		return nil, fmt.Errorf("unsupported key type %q", jwk.Kty)
	}
	n, err := base64.RawURLEncoding.DecodeString(jwk.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(jwk.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(new(big.Int).SetBytes(e).Int64())}, nil
}
