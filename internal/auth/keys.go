package auth

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"time"
)

// KeySet resolves token verification keys by key ID.
type KeySet interface {
	Key(ctx context.Context, kid string) (any, error)
}

// StaticKey is a single shared HMAC secret.
type StaticKey []byte

func (k StaticKey) Key(context.Context, string) (any, error) {
	return []byte(k), nil
}

// JWKSCache holds the identity provider's signing keys for the process.
// Keys are fetched by Refresh, which callers invoke at boot and on a timer;
// an unknown key ID triggers at most one refresh per minRefresh.
type JWKSCache struct {
	mu         sync.RWMutex
	url        string
	keys       map[string]crypto.PublicKey
	lastFetch  time.Time
	minRefresh time.Duration
	httpClient *http.Client
}

// NewJWKSCache creates an empty cache for the JWKS document at url.
func NewJWKSCache(url string) *JWKSCache {
	return &JWKSCache{
		url:        url,
		keys:       make(map[string]crypto.PublicKey),
		minRefresh: time.Minute,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *JWKSCache) Key(ctx context.Context, kid string) (any, error) {
	c.mu.RLock()
	key, ok := c.keys[kid]
	stale := time.Since(c.lastFetch) > c.minRefresh
	c.mu.RUnlock()
	if ok {
		return key, nil
	}
	if !stale {
		return nil, fmt.Errorf("jwks: unknown signing key %q", kid)
	}

	if err := c.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("jwks: fetch failed: %w", err)
	}
	c.mu.RLock()
	key, ok = c.keys[kid]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("jwks: unknown signing key %q", kid)
	}
	return key, nil
}

// Refresh replaces the cached keys with the current JWKS document. On
// failure the previous keys stay in place.
func (c *JWKSCache) Refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	var doc struct {
		Keys []map[string]any `json:"keys"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("jwks: parse error: %w", err)
	}

	keys := make(map[string]crypto.PublicKey, len(doc.Keys))
	for _, jwk := range doc.Keys {
		kid, _ := jwk["kid"].(string)
		if kid == "" {
			continue
		}
		var key crypto.PublicKey
		switch kty, _ := jwk["kty"].(string); kty {
		case "RSA":
			key, err = parseRSAKey(jwk)
		case "EC":
			key, err = parseECKey(jwk)
		default:
			continue
		}
		if err != nil {
			slog.WarnContext(ctx, "jwks: failed to parse key", "kid", kid, "error", err)
			continue
		}
		keys[kid] = key
	}

	c.mu.Lock()
	c.keys = keys
	c.lastFetch = time.Now()
	c.mu.Unlock()
	slog.InfoContext(ctx, "jwks refreshed", "keys", len(keys))
	return nil
}

// RefreshEvery calls Refresh on every tick until ctx is done.
func (c *JWKSCache) RefreshEvery(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				slog.WarnContext(ctx, "jwks refresh failed, keeping cached keys", "error", err)
			}
		}
	}
}

func decodeBigInt(jwk map[string]any, name string) (*big.Int, error) {
	s, _ := jwk[name].(string)
	if s == "" {
		return nil, fmt.Errorf("missing %s", name)
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return new(big.Int).SetBytes(b), nil
}

func parseRSAKey(jwk map[string]any) (*rsa.PublicKey, error) {
	n, err := decodeBigInt(jwk, "n")
	if err != nil {
		return nil, err
	}
	e, err := decodeBigInt(jwk, "e")
	if err != nil {
		return nil, err
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

func parseECKey(jwk map[string]any) (*ecdsa.PublicKey, error) {
	var curve elliptic.Curve
	switch crv, _ := jwk["crv"].(string); crv {
	case "P-256":
		curve = elliptic.P256()
	case "P-384":
		curve = elliptic.P384()
	case "P-521":
		curve = elliptic.P521()
	default:
		return nil, fmt.Errorf("unsupported curve %q", crv)
	}
	x, err := decodeBigInt(jwk, "x")
	if err != nil {
		return nil, err
	}
	y, err := decodeBigInt(jwk, "y")
	if err != nil {
		return nil, err
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}
