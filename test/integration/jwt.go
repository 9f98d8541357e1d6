package integration

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testKeyID    = "test-key-1"
	testIssuer   = "https://auth.test.orchestrator.dev"
	testAudience = "orchestrator-test"
)

// TestClaims are the identity claims carried by a test token.
type TestClaims struct {
	SubjectID string
	TenantID  string
}

// tokenIssuer signs RS256 tokens and publishes its public key over a JWKS
// endpoint, standing in for the identity provider.
type tokenIssuer struct {
	key  *rsa.PrivateKey
	jwks *httptest.Server
}

func newTokenIssuer(t *testing.T) *tokenIssuer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	set, err := json.Marshal(map[string]any{"keys": []map[string]string{{
		"kid": testKeyID,
		"kty": "RSA",
		"alg": "RS256",
		"use": "sig",
		"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}}})
	if err != nil {
		t.Fatalf("marshal JWKS: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(set)
	}))
	t.Cleanup(srv.Close)

	return &tokenIssuer{key: key, jwks: srv}
}

// GenerateToken returns a valid token for claims.
func (ti *tokenIssuer) GenerateToken(claims TestClaims) string {
	return sign(ti.key, claims, time.Now())
}

// GenerateExpiredToken returns a token whose expiry passed an hour ago.
func (ti *tokenIssuer) GenerateExpiredToken(claims TestClaims) string {
	return sign(ti.key, claims, time.Now().Add(-2*time.Hour))
}

// GenerateForeignToken returns a token that names the trusted key ID but is
// signed by an unrelated key.
func (ti *tokenIssuer) GenerateForeignToken(claims TestClaims) string {
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic("generate RSA key: " + err.Error())
	}
	return sign(other, claims, time.Now())
}

func (ti *tokenIssuer) JWKSURL() string  { return ti.jwks.URL }
func (ti *tokenIssuer) Issuer() string   { return testIssuer }
func (ti *tokenIssuer) Audience() string { return testAudience }

func sign(key *rsa.PrivateKey, claims TestClaims, issuedAt time.Time) string {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":       testIssuer,
		"aud":       testAudience,
		"sub":       claims.SubjectID,
		"tenant_id": claims.TenantID,
		"iat":       jwt.NewNumericDate(issuedAt),
		"exp":       jwt.NewNumericDate(issuedAt.Add(time.Hour)),
	})
	token.Header["kid"] = testKeyID

	signed, err := token.SignedString(key)
	if err != nil {
		panic("sign JWT: " + err.Error())
	}
	return signed
}
