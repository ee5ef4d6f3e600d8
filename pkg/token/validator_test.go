package token

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxislabs/identity-core/pkg/keyset"
	"github.com/praxislabs/identity-core/pkg/observability"
)

const (
	testIssuer   = "https://id.example.com"
	testAudience = "praxis-platform"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.ErrorLevel, os.Stderr)
}

type testSigner struct {
	key *rsa.PrivateKey
	kid string
}

func newTestSigner(t *testing.T, kid string) *testSigner {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return &testSigner{key: key, kid: kid}
}

func (s *testSigner) jwksEntry() map[string]string {
	return map[string]string{
		"kty": "RSA",
		"kid": s.kid,
		"use": "sig",
		"alg": "RS256",
		"n":   base64.RawURLEncoding.EncodeToString(s.key.PublicKey.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(s.key.PublicKey.E)).Bytes()),
	}
}

func (s *testSigner) sign(t *testing.T, claims jwt.Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = s.kid
	signed, err := tok.SignedString(s.key)
	require.NoError(t, err)
	return signed
}

func jwksHandler(signers ...*testSigner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keys := make([]map[string]string, 0, len(signers))
		for _, s := range signers {
			keys = append(keys, s.jwksEntry())
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"keys": keys})
	}
}

func testClaims(sub string, iat, exp time.Time) *rawClaims {
	return &rawClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			Issuer:    testIssuer,
			Audience:  jwt.ClaimStrings{testAudience},
			IssuedAt:  jwt.NewNumericDate(iat),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		OrganizationID: "org-1",
		TenantRoles: []TenantRole{
			{TenantID: "tenant-a", Role: "admin"},
		},
		AppRoles: []string{"support"},
	}
}

func newTestValidator(t *testing.T, jwksURL string) *Validator {
	t.Helper()
	cache := keyset.NewCache(keyset.Config{
		JWKSURL:            jwksURL,
		TTL:                time.Minute,
		StaleGrace:         time.Hour,
		MinRefreshInterval: time.Millisecond,
	}, testLogger(), nil)

	return NewValidator(ValidatorConfig{
		Issuer:    testIssuer,
		Audience:  testAudience,
		ClockSkew: 30 * time.Second,
	}, cache, testLogger(), nil)
}

func TestVerify(t *testing.T) {
	signer := newTestSigner(t, "kid-1")
	ts := httptest.NewServer(jwksHandler(signer))
	defer ts.Close()

	v := newTestValidator(t, ts.URL)
	now := time.Now()

	t.Run("valid token yields claims", func(t *testing.T) {
		bearer := signer.sign(t, testClaims("user-42", now, now.Add(time.Hour)))

		claims, err := v.Verify(context.Background(), bearer)
		require.NoError(t, err)
		assert.Equal(t, "user-42", claims.Subject)
		assert.Equal(t, "org-1", claims.OrganizationID)
		assert.Equal(t, []string{"support", "admin"}, claims.Roles())
		assert.True(t, claims.HasAudience(testAudience))
	})

	t.Run("expired token", func(t *testing.T) {
		bearer := signer.sign(t, testClaims("user-42", now.Add(-2*time.Hour), now.Add(-time.Hour)))

		_, err := v.Verify(context.Background(), bearer)
		assert.ErrorIs(t, err, ErrExpiredToken)
	})

	t.Run("expiry within clock skew is accepted", func(t *testing.T) {
		bearer := signer.sign(t, testClaims("user-42", now.Add(-time.Hour), now.Add(-10*time.Second)))

		_, err := v.Verify(context.Background(), bearer)
		assert.NoError(t, err)
	})

	t.Run("wrong audience", func(t *testing.T) {
		claims := testClaims("user-42", now, now.Add(time.Hour))
		claims.Audience = jwt.ClaimStrings{"some-other-app"}
		bearer := signer.sign(t, claims)

		_, err := v.Verify(context.Background(), bearer)
		assert.ErrorIs(t, err, ErrAudienceMismatch)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		claims := testClaims("user-42", now, now.Add(time.Hour))
		claims.Issuer = "https://rogue.example.com"
		bearer := signer.sign(t, claims)

		_, err := v.Verify(context.Background(), bearer)
		assert.ErrorIs(t, err, ErrIssuerMismatch)
	})

	t.Run("missing subject", func(t *testing.T) {
		bearer := signer.sign(t, testClaims("", now, now.Add(time.Hour)))

		_, err := v.Verify(context.Background(), bearer)
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("garbage token", func(t *testing.T) {
		_, err := v.Verify(context.Background(), "not.a.token")
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("empty token", func(t *testing.T) {
		_, err := v.Verify(context.Background(), "")
		assert.ErrorIs(t, err, ErrMalformed)
	})
}

func TestVerifySignatureFailures(t *testing.T) {
	published := newTestSigner(t, "kid-1")
	ts := httptest.NewServer(jwksHandler(published))
	defer ts.Close()

	v := newTestValidator(t, ts.URL)
	now := time.Now()

	t.Run("forged signature with known kid", func(t *testing.T) {
		// Same kid, different private key
		forger := newTestSigner(t, "kid-1")
		bearer := forger.sign(t, testClaims("user-42", now, now.Add(time.Hour)))

		_, err := v.Verify(context.Background(), bearer)
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("unpublished kid", func(t *testing.T) {
		rogue := newTestSigner(t, "kid-rogue")
		bearer := rogue.sign(t, testClaims("user-42", now, now.Add(time.Hour)))

		_, err := v.Verify(context.Background(), bearer)
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})
}

func TestVerifyUpstreamDown(t *testing.T) {
	signer := newTestSigner(t, "kid-1")
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer ts.Close()

	v := newTestValidator(t, ts.URL)
	now := time.Now()
	bearer := signer.sign(t, testClaims("user-42", now, now.Add(time.Hour)))

	_, err := v.Verify(context.Background(), bearer)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
}
