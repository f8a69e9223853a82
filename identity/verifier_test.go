package identity

import (
	"context"
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

	"github.com/bayesengine/bayes-engine/bayeserr"
)

func startFakeIssuer(t *testing.T, key *rsa.PrivateKey, kid string) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	var srv *httptest.Server

	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"jwks_uri": srv.URL + "/jwks"})
	})
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(jwksDoc{Keys: []jwk{{
			Kty: "RSA",
			Kid: kid,
			N:   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
		}}})
	})

	srv = httptest.NewServer(mux)
	return srv
}

func signToken(t *testing.T, key *rsa.PrivateKey, kid string, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	s, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return s
}

func baseClaims(issuer, audience string) Claims {
	now := time.Now()
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ID:        "jti-1",
		},
		Repository:           "acme/widget",
		RepositoryVisibility: "public",
		EventName:            "push",
	}
}

func TestVerifyAcceptsValidToken(t *testing.T) {
	key, _ := rsa.GenerateKey(rand.Reader, 2048)
	srv := startFakeIssuer(t, key, "kid-1")
	defer srv.Close()

	v := New(Options{
		IssuerURL:         srv.URL,
		ExpectedAudience:  "bayes-engine-ci-upload",
		AllowedEventNames: []string{"push", "workflow_dispatch"},
		ClockSkew:         60 * time.Second,
		JWKSCacheTTL:      time.Hour,
		JWKSNegativeTTL:   time.Second,
	}, nil)

	claims := baseClaims(srv.URL, "bayes-engine-ci-upload")
	tok := signToken(t, key, "kid-1", claims)

	got, err := v.Verify(t.Context(), tok, false)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got.Repository != "acme/widget" {
		t.Fatalf("Repository = %q, want acme/widget", got.Repository)
	}
}

func TestVerifyRejectsWrongAudience(t *testing.T) {
	key, _ := rsa.GenerateKey(rand.Reader, 2048)
	srv := startFakeIssuer(t, key, "kid-1")
	defer srv.Close()

	v := New(Options{
		IssuerURL:        srv.URL,
		ExpectedAudience: "bayes-engine-ci-upload",
		JWKSCacheTTL:     time.Hour,
		JWKSNegativeTTL:  time.Second,
	}, nil)

	claims := baseClaims(srv.URL, "some-other-audience")
	tok := signToken(t, key, "kid-1", claims)

	if _, err := v.Verify(t.Context(), tok, false); err == nil {
		t.Fatalf("Verify accepted a token with the wrong audience")
	}
}

func TestVerifyRejectsDisallowedEventName(t *testing.T) {
	key, _ := rsa.GenerateKey(rand.Reader, 2048)
	srv := startFakeIssuer(t, key, "kid-1")
	defer srv.Close()

	v := New(Options{
		IssuerURL:         srv.URL,
		ExpectedAudience:  "bayes-engine-ci-upload",
		AllowedEventNames: []string{"push"},
		JWKSCacheTTL:      time.Hour,
		JWKSNegativeTTL:   time.Second,
	}, nil)

	claims := baseClaims(srv.URL, "bayes-engine-ci-upload")
	claims.EventName = "pull_request"
	tok := signToken(t, key, "kid-1", claims)

	if _, err := v.Verify(t.Context(), tok, false); err == nil {
		t.Fatalf("Verify accepted pull_request outside dry_run")
	}

	if _, err := v.Verify(t.Context(), tok, true); err != nil {
		t.Fatalf("Verify rejected pull_request under dry_run: %v", err)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	key, _ := rsa.GenerateKey(rand.Reader, 2048)
	srv := startFakeIssuer(t, key, "kid-1")
	defer srv.Close()

	v := New(Options{
		IssuerURL:        srv.URL,
		ExpectedAudience: "bayes-engine-ci-upload",
		ClockSkew:        time.Second,
		JWKSCacheTTL:     time.Hour,
		JWKSNegativeTTL:  time.Second,
	}, nil)

	claims := baseClaims(srv.URL, "bayes-engine-ci-upload")
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	tok := signToken(t, key, "kid-1", claims)

	if _, err := v.Verify(t.Context(), tok, false); err == nil {
		t.Fatalf("Verify accepted an expired token")
	}
	code := errCode(t, v.Verify, tok)
	if code != "TOKEN_EXPIRED" {
		t.Fatalf("Code = %q, want TOKEN_EXPIRED", code)
	}
}

func TestVerifyRejectsMissingVisibilityClaim(t *testing.T) {
	key, _ := rsa.GenerateKey(rand.Reader, 2048)
	srv := startFakeIssuer(t, key, "kid-1")
	defer srv.Close()

	v := New(Options{
		IssuerURL:         srv.URL,
		ExpectedAudience:  "bayes-engine-ci-upload",
		AllowedEventNames: []string{"push"},
		ClockSkew:         60 * time.Second,
		JWKSCacheTTL:      time.Hour,
		JWKSNegativeTTL:   time.Second,
	}, nil)

	claims := baseClaims(srv.URL, "bayes-engine-ci-upload")
	claims.RepositoryVisibility = ""
	tok := signToken(t, key, "kid-1", claims)

	_, err := v.Verify(t.Context(), tok, false)
	if err == nil {
		t.Fatalf("Verify accepted a token with no repository_visibility claim and no API fallback configured")
	}
	if be, ok := err.(*bayeserr.Error); !ok || be.Code != "MISSING_CLAIM" {
		t.Fatalf("err = %v, want a MISSING_CLAIM bayeserr.Error", err)
	}
}

func TestVerifyRejectsBadSignature(t *testing.T) {
	key, _ := rsa.GenerateKey(rand.Reader, 2048)
	otherKey, _ := rsa.GenerateKey(rand.Reader, 2048)
	srv := startFakeIssuer(t, key, "kid-1")
	defer srv.Close()

	v := New(Options{
		IssuerURL:        srv.URL,
		ExpectedAudience: "bayes-engine-ci-upload",
		ClockSkew:        60 * time.Second,
		JWKSCacheTTL:     time.Hour,
		JWKSNegativeTTL:  time.Second,
	}, nil)

	claims := baseClaims(srv.URL, "bayes-engine-ci-upload")
	tok := signToken(t, otherKey, "kid-1", claims) // signed with a key the issuer never published

	_, err := v.Verify(t.Context(), tok, false)
	if be, ok := err.(*bayeserr.Error); !ok || be.Code != "BAD_SIGNATURE" {
		t.Fatalf("err = %v, want a BAD_SIGNATURE bayeserr.Error", err)
	}
}

func TestVerifyRejectsUnknownKeyID(t *testing.T) {
	key, _ := rsa.GenerateKey(rand.Reader, 2048)
	srv := startFakeIssuer(t, key, "kid-1")
	defer srv.Close()

	v := New(Options{
		IssuerURL:        srv.URL,
		ExpectedAudience: "bayes-engine-ci-upload",
		ClockSkew:        60 * time.Second,
		JWKSCacheTTL:     time.Hour,
		JWKSNegativeTTL:  time.Second,
	}, nil)

	claims := baseClaims(srv.URL, "bayes-engine-ci-upload")
	tok := signToken(t, key, "kid-does-not-exist", claims)

	_, err := v.Verify(t.Context(), tok, false)
	if be, ok := err.(*bayeserr.Error); !ok || be.Code != "KEY_NOT_FOUND" {
		t.Fatalf("err = %v, want a KEY_NOT_FOUND bayeserr.Error", err)
	}
}

func TestVerifyRejectsWrongAudienceCode(t *testing.T) {
	key, _ := rsa.GenerateKey(rand.Reader, 2048)
	srv := startFakeIssuer(t, key, "kid-1")
	defer srv.Close()

	v := New(Options{
		IssuerURL:        srv.URL,
		ExpectedAudience: "bayes-engine-ci-upload",
		ClockSkew:        60 * time.Second,
		JWKSCacheTTL:     time.Hour,
		JWKSNegativeTTL:  time.Second,
	}, nil)

	claims := baseClaims(srv.URL, "some-other-audience")
	tok := signToken(t, key, "kid-1", claims)

	_, err := v.Verify(t.Context(), tok, false)
	if be, ok := err.(*bayeserr.Error); !ok || be.Code != "BAD_AUDIENCE" {
		t.Fatalf("err = %v, want a BAD_AUDIENCE bayeserr.Error", err)
	}
}

func errCode(t *testing.T, verify func(context.Context, string, bool) (Claims, error), tok string) string {
	t.Helper()
	_, err := verify(context.Background(), tok, false)
	be, ok := err.(*bayeserr.Error)
	if !ok {
		t.Fatalf("err = %v, want *bayeserr.Error", err)
	}
	return be.Code
}
