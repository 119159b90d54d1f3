package integration

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"maps"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testKeyID    = "test-key-1"
	testIssuer   = "https://auth.test.portal.example"
	testAudience = "portal-test"
	tokenTTL     = time.Hour
)

// TestClaims describes the portal identity carried by a test token.
type TestClaims struct {
	SubjectID string
	TenantID  string
	BranchID  string
	Email     string
	Roles     []string
	Extra     map[string]any
}

// mapClaims renders c as registered plus portal claims valid from issuedAt
// for ttl. Empty optional claims are left out, matching real identity
// provider tokens.
func (c TestClaims) mapClaims(issuedAt time.Time, ttl time.Duration) jwt.MapClaims {
	mc := jwt.MapClaims{
		"iss":       testIssuer,
		"aud":       testAudience,
		"iat":       jwt.NewNumericDate(issuedAt),
		"exp":       jwt.NewNumericDate(issuedAt.Add(ttl)),
		"sub":       c.SubjectID,
		"tenant_id": c.TenantID,
	}
	if c.BranchID != "" {
		mc["branch_id"] = c.BranchID
	}
	if c.Email != "" {
		mc["email"] = c.Email
	}
	if len(c.Roles) > 0 {
		// Decoded JWT arrays are []any.
		roles := make([]any, len(c.Roles))
		for i, r := range c.Roles {
			roles[i] = r
		}
		mc["roles"] = roles
	}
	maps.Copy(mc, c.Extra)
	return mc
}

// tokenIssuer plays the identity provider: it signs RS256 tokens and publishes
// its public key on a JWKS endpoint.
type tokenIssuer struct {
	key  *rsa.PrivateKey
	jwks *httptest.Server
}

func newTokenIssuer(t *testing.T) *tokenIssuer {
	t.Helper()
	ti := &tokenIssuer{key: newRSAKey(t)}
	doc, err := json.Marshal(map[string]any{"keys": []map[string]any{publicJWK(&ti.key.PublicKey)}})
	if err != nil {
		t.Fatalf("marshal JWKS: %v", err)
	}
	ti.jwks = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	}))
	t.Cleanup(ti.jwks.Close)
	return ti
}

func newRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	return key
}

func publicJWK(pub *rsa.PublicKey) map[string]any {
	return map[string]any{
		"kid": testKeyID,
		"kty": "RSA",
		"alg": "RS256",
		"use": "sig",
		"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

// signRS256 signs mc with key under the issuer's key id, so a foreign key is
// indistinguishable from the real one until the signature is checked.
func signRS256(key *rsa.PrivateKey, mc jwt.MapClaims) string {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, mc)
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(key)
	if err != nil {
		panic("sign JWT: " + err.Error())
	}
	return signed
}

// GenerateToken returns a token valid for the next hour.
func (ti *tokenIssuer) GenerateToken(c TestClaims) string {
	return signRS256(ti.key, c.mapClaims(time.Now(), tokenTTL))
}

// GenerateExpiredToken returns a token that expired an hour ago.
func (ti *tokenIssuer) GenerateExpiredToken(c TestClaims) string {
	return signRS256(ti.key, c.mapClaims(time.Now().Add(-2*tokenTTL), tokenTTL))
}

// JWKSURL returns the URL of the JWKS endpoint served by this issuer.
func (ti *tokenIssuer) JWKSURL() string {
	return ti.jwks.URL
}

// Issuer returns the expected token issuer claim.
func (ti *tokenIssuer) Issuer() string {
	return testIssuer
}

// Audience returns the expected token audience claim.
func (ti *tokenIssuer) Audience() string {
	return testAudience
}
