package auth

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/segmentio/encoding/json"
	"golang.org/x/sync/singleflight"
)

// DefaultJWKSRefresh is how long a fetched key set is trusted.
const DefaultJWKSRefresh = time.Hour

// minForcedRefresh bounds how often an unknown kid may trigger a refetch.
const minForcedRefresh = 30 * time.Second

// Claims are the JWT claims mamori reads.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

// JWKS verifies JWTs against the public keys published at a JWKS URL.
// Keys are cached and refetched after the refresh interval, or early when a
// token names a kid that is not in the cached set.
type JWKS struct {
	url     string
	refresh time.Duration
	client  *http.Client
	group   singleflight.Group

	mu        sync.RWMutex
	keys      map[string]crypto.PublicKey
	fetchedAt time.Time
}

// NewJWKS creates a key set for url. The first fetch happens on first use.
func NewJWKS(url string, refresh time.Duration, client *http.Client) *JWKS {
	if refresh <= 0 {
		refresh = DefaultJWKSRefresh
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &JWKS{url: url, refresh: refresh, client: client}
}

// Validate parses and verifies a signed token. Only RS256 and ES256 are accepted,
// and an expiry is required. When audience is non-empty the aud claim must match.
func (j *JWKS) Validate(ctx context.Context, token, audience string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "ES256"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return j.key(ctx, kid)
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("auth: validate jwt: %w", err)
	}
	return claims, nil
}

func (j *JWKS) key(ctx context.Context, kid string) (crypto.PublicKey, error) {
	j.mu.RLock()
	key, ok := j.keys[kid]
	stale := time.Since(j.fetchedAt) > j.refresh
	recent := time.Since(j.fetchedAt) < minForcedRefresh
	j.mu.RUnlock()
	if ok && !stale {
		return key, nil
	}
	if !ok && !stale && recent {
		return nil, fmt.Errorf("auth: unknown key id %q", kid)
	}

	if err := j.fetch(ctx); err != nil {
		if ok {
			return key, nil
		}
		return nil, err
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	if key, ok := j.keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("auth: unknown key id %q", kid)
}

// fetch downloads the key set. Concurrent callers share one request.
func (j *JWKS) fetch(ctx context.Context) error {
	_, err, _ := j.group.Do("jwks", func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.url, nil)
		if err != nil {
			return nil, fmt.Errorf("auth: jwks request: %w", err)
		}
		resp, err := j.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("auth: fetch jwks: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("auth: fetch jwks: status %d", resp.StatusCode)
		}
		var doc struct {
			Keys []jwk `json:"keys"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
			return nil, fmt.Errorf("auth: decode jwks: %w", err)
		}
		keys := make(map[string]crypto.PublicKey, len(doc.Keys))
		for _, k := range doc.Keys {
			pub, err := k.publicKey()
			if err != nil {
				continue
			}
			keys[k.Kid] = pub
		}
		j.mu.Lock()
		j.keys = keys
		j.fetchedAt = time.Now()
		j.mu.Unlock()
		return nil, nil
	})
	return err
}

type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

var errUnsupportedKey = errors.New("auth: unsupported jwk")

func (k jwk) publicKey() (crypto.PublicKey, error) {
	if k.Use != "" && k.Use != "sig" {
		return nil, errUnsupportedKey
	}
	switch k.Kty {
	case "RSA":
		n, err := b64Int(k.N)
		if err != nil {
			return nil, err
		}
		e, err := b64Int(k.E)
		if err != nil {
			return nil, err
		}
		if !e.IsInt64() || e.Int64() < 3 {
			return nil, errUnsupportedKey
		}
		return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
	case "EC":
		if k.Crv != "P-256" {
			return nil, errUnsupportedKey
		}
		x, err := b64Int(k.X)
		if err != nil {
			return nil, err
		}
		y, err := b64Int(k.Y)
		if err != nil {
			return nil, err
		}
		pub := &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}
		if !pub.Curve.IsOnCurve(x, y) {
			return nil, errUnsupportedKey
		}
		return pub, nil
	}
	return nil, errUnsupportedKey
}

func b64Int(s string) (*big.Int, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil || len(b) == 0 {
		return nil, errUnsupportedKey
	}
	return new(big.Int).SetBytes(b), nil
}
