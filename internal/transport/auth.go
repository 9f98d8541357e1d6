package transport

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/seiforesti/data-wave-sub007/internal/config"
	"github.com/seiforesti/data-wave-sub007/model"
)

// KeySource resolves the key that verifies a token's signature.
type KeySource interface {
	Key(token *jwt.Token) (any, error)
}

// HMACKey verifies tokens signed with a shared secret.
type HMACKey []byte

// Key implements KeySource.
func (k HMACKey) Key(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method %s", token.Method.Alg())
	}
	return []byte(k), nil
}

// NewAuthenticator builds the authentication middleware described by cfg. It
// returns nil when no verification source is configured.
func NewAuthenticator(cfg config.IdentityConfig, logger *zap.Logger) (func(http.Handler) http.Handler, error) {
	switch {
	case cfg.HMACSecretEnv != "":
		secret := os.Getenv(cfg.HMACSecretEnv)
		if secret == "" {
			return nil, fmt.Errorf("auth: environment variable %s is empty", cfg.HMACSecretEnv)
		}
		var algs []string
		for _, a := range cfg.Algorithms {
			if strings.HasPrefix(a, "HS") {
				algs = append(algs, a)
			}
		}
		if len(algs) == 0 {
			algs = []string{"HS256"}
		}
		cfg.Algorithms = algs
		return JWTAuthenticator(cfg, HMACKey(secret)), nil
	case cfg.JWKSURL != "":
		return JWTAuthenticator(cfg, NewJWKSClient(cfg.JWKSURL, cfg.JWKSCacheTTL, logger)), nil
	default:
		return nil, nil
	}
}

// JWKSClient fetches and caches JSON Web Key Sets from an identity provider.
type JWKSClient struct {
	url        string
	ttl        time.Duration
	minRefresh time.Duration
	httpClient *http.Client
	logger     *zap.Logger

	mu        sync.RWMutex
	keys      map[string]crypto.PublicKey
	fetchedAt time.Time
}

// NewJWKSClient creates a client that fetches keys from url and trusts them
// for ttl.
func NewJWKSClient(url string, ttl time.Duration, logger *zap.Logger) *JWKSClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JWKSClient{
		url:        url,
		ttl:        ttl,
		minRefresh: 5 * time.Minute,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger.Named("jwks"),
		keys:       make(map[string]crypto.PublicKey),
	}
}

// GetKey returns the public key for kid, refetching the set when the key is
// unknown or the cache is stale. A failed refetch falls back to a cached key.
func (c *JWKSClient) GetKey(kid string) (crypto.PublicKey, error) {
	if key, fresh := c.cached(kid); key != nil && fresh {
		return key, nil
	}

	err := c.refresh()
	if key, _ := c.cached(kid); key != nil {
		if err != nil {
			c.logger.Warn("refresh failed, using cached key", zap.String("kid", kid), zap.Error(err))
		}
		return key, nil
	}
	if err != nil {
		return nil, fmt.Errorf("jwks: fetch failed: %w", err)
	}
	return nil, fmt.Errorf("jwks: unknown signing key %q", kid)
}

// Key implements KeySource by looking up the token's kid header.
func (c *JWKSClient) Key(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return nil, fmt.Errorf("missing kid in token header")
	}
	return c.GetKey(kid)
}

func (c *JWKSClient) cached(kid string) (crypto.PublicKey, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.keys[kid], time.Since(c.fetchedAt) <= c.ttl
}

func (c *JWKSClient) refresh() error {
	c.mu.RLock()
	recent := len(c.keys) > 0 && time.Since(c.fetchedAt) < c.minRefresh
	c.mu.RUnlock()
	if recent {
		return nil
	}

	resp, err := c.httpClient.Get(c.url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks: unexpected status %d", resp.StatusCode)
	}

	var set struct {
		Keys []jsonWebKey `json:"keys"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&set); err != nil {
		return fmt.Errorf("jwks: parse error: %w", err)
	}

	keys := make(map[string]crypto.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kid == "" || (k.Kty != "RSA" && k.Kty != "EC") {
			continue
		}
		pub, err := k.publicKey()
		if err != nil {
			c.logger.Warn("failed to parse key", zap.String("kid", k.Kid), zap.Error(err))
			continue
		}
		keys[k.Kid] = pub
	}

	c.mu.Lock()
	c.keys = keys
	c.fetchedAt = time.Now()
	c.mu.Unlock()
	return nil
}

// jsonWebKey holds the RFC 7517 members used for RSA and EC public keys.
type jsonWebKey struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	N   string `json:"n"`
	E   string `json:"e"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

var jwkCurves = map[string]elliptic.Curve{
	"P-256": elliptic.P256(),
	"P-384": elliptic.P384(),
	"P-521": elliptic.P521(),
}

func (k jsonWebKey) publicKey() (crypto.PublicKey, error) {
	if k.Kty == "EC" {
		curve, ok := jwkCurves[k.Crv]
		if !ok {
			return nil, fmt.Errorf("unsupported curve %q", k.Crv)
		}
		x, err := decodeJWKInt("x", k.X)
		if err != nil {
			return nil, err
		}
		y, err := decodeJWKInt("y", k.Y)
		if err != nil {
			return nil, err
		}
		return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
	}

	n, err := decodeJWKInt("n", k.N)
	if err != nil {
		return nil, err
	}
	e, err := decodeJWKInt("e", k.E)
	if err != nil {
		return nil, err
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

func decodeJWKInt(name, value string) (*big.Int, error) {
	if value == "" {
		return nil, fmt.Errorf("missing %s", name)
	}
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return new(big.Int).SetBytes(raw), nil
}

// JWTAuthenticator returns middleware that verifies JWT tokens from the
// Authorization header and stores verified claims in the request context.
func JWTAuthenticator(cfg config.IdentityConfig, keys KeySource) func(http.Handler) http.Handler {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(cfg.Algorithms),
		jwt.WithLeeway(30 * time.Second),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				WriteError(w, r, model.NewUnauthorizedError("Missing authorization header"))
				return
			}
			raw, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				WriteError(w, r, model.NewUnauthorizedError("Invalid authorization header format"))
				return
			}

			claims := jwt.MapClaims{}
			if _, err := jwt.ParseWithClaims(raw, claims, keys.Key, opts...); err != nil {
				WriteError(w, r, model.NewUnauthorizedError(classifyJWTError(err)))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), map[string]any(claims))))
		})
	}
}

// classifyJWTError maps a parse failure to the message returned to clients.
// Disallowed algorithms also wrap ErrTokenSignatureInvalid, so they are
// matched on the message first.
func classifyJWTError(err error) string {
	switch {
	case strings.Contains(err.Error(), "signing method"):
		return "Disallowed signing algorithm"
	case errors.Is(err, jwt.ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "Invalid token issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "Invalid token audience"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "Invalid token signature"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "Unknown signing key"
	default:
		return "Invalid token"
	}
}
