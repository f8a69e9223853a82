package identity

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"sync"
	"time"
)

type oidcDiscovery struct {
	JWKSURI string `json:"jwks_uri"`
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwksDoc struct {
	Keys []jwk `json:"keys"`
}

// keySet caches decoded RSA public keys by kid, refetching on expiry.
//
// A negative result (fetch failure, or kid not present after a fresh fetch)
// is cached for NegativeTTL to avoid hammering a misconfigured or
// momentarily unreachable issuer.
type keySet struct {
	issuerURL   string
	httpClient  *http.Client
	positiveTTL time.Duration
	negativeTTL time.Duration

	mu         sync.Mutex
	keys       map[string]*rsa.PublicKey
	fetchedAt  time.Time
	lastErr    error
	lastErrAt  time.Time
}

func newKeySet(issuerURL string, httpClient *http.Client, positiveTTL, negativeTTL time.Duration) *keySet {
	return &keySet{issuerURL: issuerURL, httpClient: httpClient, positiveTTL: positiveTTL, negativeTTL: negativeTTL}
}

func (k *keySet) lookup(kid string) (*rsa.PublicKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := time.Now()
	if !k.lastErrAt.IsZero() && now.Sub(k.lastErrAt) < k.negativeTTL {
		return nil, k.lastErr
	}
	if key, ok := k.keys[kid]; ok && now.Sub(k.fetchedAt) < k.positiveTTL {
		return key, nil
	}

	keys, err := k.fetch()
	if err != nil {
		k.lastErr = err
		k.lastErrAt = now
		return nil, err
	}
	k.keys = keys
	k.fetchedAt = now

	key, ok := keys[kid]
	if !ok {
		err := fmt.Errorf("identity: no jwks key found for kid %q", kid)
		k.lastErr = err
		k.lastErrAt = now
		return nil, err
	}
	return key, nil
}

func (k *keySet) fetch() (map[string]*rsa.PublicKey, error) {
	jwksURI, err := k.discoverJWKSURI()
	if err != nil {
		return nil, err
	}

	body, err := k.get(jwksURI)
	if err != nil {
		return nil, err
	}
	var doc jwksDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("identity: decoding jwks: %w", err)
	}

	out := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, key := range doc.Keys {
		if key.Kty != "RSA" || key.Kid == "" {
			continue
		}
		pub, err := rsaPublicKeyFromJWK(key)
		if err != nil {
			continue
		}
		out[key.Kid] = pub
	}
	return out, nil
}

func (k *keySet) discoverJWKSURI() (string, error) {
	u, err := url.Parse(k.issuerURL)
	if err != nil {
		return "", fmt.Errorf("identity: invalid issuer url: %w", err)
	}
	u.Path = joinPath(u.Path, ".well-known/openid-configuration")

	body, err := k.get(u.String())
	if err != nil {
		return "", err
	}
	var disc oidcDiscovery
	if err := json.Unmarshal(body, &disc); err != nil {
		return "", fmt.Errorf("identity: decoding oidc discovery document: %w", err)
	}
	if disc.JWKSURI == "" {
		return "", fmt.Errorf("identity: oidc discovery document missing jwks_uri")
	}
	return disc.JWKSURI, nil
}

func (k *keySet) get(u string) ([]byte, error) {
	resp, err := k.httpClient.Get(u)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("identity: fetching %s: unexpected status %d", u, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func joinPath(base, suffix string) string {
	if base == "" {
		return "/" + suffix
	}
	if base[len(base)-1] == '/' {
		return base + suffix
	}
	return base + "/" + suffix
}

func rsaPublicKeyFromJWK(k jwk) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, err
	}
	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}
