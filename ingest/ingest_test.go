package ingest

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

	"github.com/bayesengine/bayes-engine/blobstore/localfs"
	"github.com/bayesengine/bayes-engine/identity"
	"github.com/bayesengine/bayes-engine/store/memstore"
)

// minimalWasm is (module (func (export "f") (param i64) (result i64) (local.get 0))),
// hand-assembled since no wasm toolchain is available in this environment.
var minimalWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x06, 0x01, 0x60, 0x01, 0x7e, 0x01, 0x7e,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x05, 0x01, 0x01, 0x66, 0x00, 0x00,
	0x0a, 0x06, 0x01, 0x04, 0x00, 0x20, 0x00, 0x0b,
}

type testHarness struct {
	c       *Controller
	issuer  *httptest.Server
	key     *rsa.PrivateKey
	kid     string
	repo    string
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating rsa key: %v", err)
	}
	kid := "kid-1"

	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"jwks_uri": srv.URL + "/jwks"})
	})
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{{
				"kty": "RSA",
				"kid": kid,
				"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
			}},
		})
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	repo := memstore.New()
	blobs, err := localfs.New(t.TempDir())
	if err != nil {
		t.Fatalf("localfs.New: %v", err)
	}
	v := identity.New(identity.Options{
		IssuerURL:         srv.URL,
		ExpectedAudience:  "bayes-engine-ci-upload",
		AllowedEventNames: []string{"push"},
		ClockSkew:         30 * time.Second,
		JWKSCacheTTL:      time.Hour,
		JWKSNegativeTTL:   time.Second,
	}, nil)
	c := New(Options{MaxUploadBytes: 1 << 20, DefaultBits: 8}, repo, blobs, v, nil)
	t.Cleanup(func() { c.Close(t.Context()) })

	return &testHarness{c: c, issuer: srv, key: key, kid: kid, repo: "acme/widget"}
}

func (h *testHarness) token(t *testing.T, mutate func(*identity.Claims)) string {
	t.Helper()
	now := time.Now()
	claims := identity.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    h.issuer.URL,
			Audience:  jwt.ClaimStrings{"bayes-engine-ci-upload"},
			ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ID:        "jti-" + now.Format(time.RFC3339Nano),
		},
		Repository:           h.repo,
		RepositoryVisibility: "public",
		EventName:            "push",
	}
	if mutate != nil {
		mutate(&claims)
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = h.kid
	s, err := tok.SignedString(h.key)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return s
}

func TestIngestRejectsNonWasm(t *testing.T) {
	h := newHarness(t)
	_, err := h.c.Ingest(t.Context(), Request{
		Token: h.token(t, nil), Owner: "acme", Name: "widget", Version: "v1",
		Wasm: []byte("not wasm"), DryRun: true,
	})
	if err == nil {
		t.Fatalf("Ingest accepted a non-wasm upload")
	}
}

func TestIngestDryRunFindsExports(t *testing.T) {
	h := newHarness(t)
	resp, err := h.c.Ingest(t.Context(), Request{
		Token: h.token(t, nil), Owner: "acme", Name: "widget", Version: "v1",
		Wasm: minimalWasm, DryRun: true,
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if resp.ModuleID != "" {
		t.Fatalf("dry_run must not persist a module, got ModuleID=%q", resp.ModuleID)
	}
	if len(resp.Functions) != 1 || resp.Functions[0] != "f" {
		t.Fatalf("Functions = %v, want [f]", resp.Functions)
	}
}

func TestIngestRejectsDigestMismatch(t *testing.T) {
	h := newHarness(t)
	_, err := h.c.Ingest(t.Context(), Request{
		Token: h.token(t, nil), Owner: "acme", Name: "widget", Version: "v1",
		Wasm: minimalWasm, DryRun: true, DeclaredDigest: "bafkqaaa",
	})
	if err == nil {
		t.Fatalf("Ingest accepted a mismatched declared digest")
	}
}

func TestIngestRejectsRepositoryMismatch(t *testing.T) {
	h := newHarness(t)
	_, err := h.c.Ingest(t.Context(), Request{
		Token: h.token(t, nil), Owner: "someone-else", Name: "widget", Version: "v1",
		Wasm: minimalWasm, DryRun: true,
	})
	if err == nil {
		t.Fatalf("Ingest accepted an upload whose token authorizes a different repository")
	}
}

func TestIngestRejectsMissingRepositoryClaim(t *testing.T) {
	h := newHarness(t)
	_, err := h.c.Ingest(t.Context(), Request{
		Token: h.token(t, func(c *identity.Claims) { c.Repository = "" }),
		Owner: "acme", Name: "widget", Version: "v1",
		Wasm: minimalWasm, DryRun: true,
	})
	if err == nil {
		t.Fatalf("Ingest accepted a token with no repository claim")
	}
}

func TestIngestPersistsModuleAndFunctions(t *testing.T) {
	h := newHarness(t)
	resp, err := h.c.Ingest(t.Context(), Request{
		Token: h.token(t, nil), Owner: "acme", Name: "widget", Version: "v1",
		Wasm: minimalWasm, DryRun: false,
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if resp.ModuleID == "" {
		t.Fatalf("expected a persisted ModuleID")
	}

	funcs, err := h.c.repo.ListFunctions(t.Context(), resp.ModuleID)
	if err != nil {
		t.Fatalf("ListFunctions: %v", err)
	}
	if len(funcs) != 1 || funcs[0].Name != "f" {
		t.Fatalf("ListFunctions = %v, want one function named f", funcs)
	}
}

func TestIngestIsIdempotentOnSameDigest(t *testing.T) {
	h := newHarness(t)
	first, err := h.c.Ingest(t.Context(), Request{Token: h.token(t, nil), Owner: "acme", Name: "widget", Version: "v1", Wasm: minimalWasm})
	if err != nil {
		t.Fatalf("first Ingest: %v", err)
	}
	second, err := h.c.Ingest(t.Context(), Request{Token: h.token(t, nil), Owner: "acme", Name: "widget", Version: "v1", Wasm: minimalWasm})
	if err != nil {
		t.Fatalf("second Ingest: %v", err)
	}
	if first.ModuleID != second.ModuleID {
		t.Fatalf("repeat ingest of the same (project,version,digest) created a new module: %q vs %q", first.ModuleID, second.ModuleID)
	}
}

func TestIngestRejectsReplayedJTI(t *testing.T) {
	h := newHarness(t)
	tok := h.token(t, func(c *identity.Claims) { c.ID = "fixed-jti" })

	if _, err := h.c.Ingest(t.Context(), Request{Token: tok, Owner: "acme", Name: "widget", Version: "v1", Wasm: minimalWasm, DryRun: true}); err != nil {
		t.Fatalf("first use of jti: %v", err)
	}
	if _, err := h.c.Ingest(t.Context(), Request{Token: tok, Owner: "acme", Name: "widget", Version: "v2", Wasm: minimalWasm, DryRun: true}); err == nil {
		t.Fatalf("Ingest accepted a replayed jti")
	}
}
