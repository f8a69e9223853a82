// Package identity implements C3: verifying a federated identity token
// (by default, a GitHub Actions OIDC token) before an upload is accepted.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/bayesengine/bayes-engine/bayeserr"
)

// errKeyNotFound is returned by keyfunc when the token's kid has no
// matching JWKS entry, distinct from every other parse failure.
var errKeyNotFound = errors.New("key-not-found")

// Options configures a Verifier. See config.Server for the process-level
// defaults that populate these fields.
type Options struct {
	IssuerURL              string
	ExpectedAudience       string
	AllowedEventNames      []string
	VerifyVisibilityViaAPI bool
	ClockSkew              time.Duration
	JWKSCacheTTL           time.Duration
	JWKSNegativeTTL        time.Duration
	HTTPClient             *http.Client
}

type Verifier struct {
	opts Options
	keys *keySet
	log  *logrus.Entry
}

func New(opts Options, log *logrus.Logger) *Verifier {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = logrus.New()
	}
	return &Verifier{
		opts: opts,
		keys: newKeySet(opts.IssuerURL, opts.HTTPClient, opts.JWKSCacheTTL, opts.JWKSNegativeTTL),
		log:  log.WithField("component", "identity"),
	}
}

// Verify decodes and validates a bearer token, enforcing issuer, audience,
// time-based claims (with configured skew), and the allowed-event-name list.
// dryRun relaxes the event-name allow-list to also accept "pull_request".
//
// It does NOT check jti replay; callers own that via store.ClaimJTI, since
// replay-prevention is a storage-layer linearization point, not a parsing
// concern.
func (v *Verifier) Verify(ctx context.Context, tokenString string, dryRun bool) (Claims, error) {
	var claims Claims
	keyfunc := func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != "RS256" {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errKeyNotFound
		}
		key, err := v.keys.lookup(kid)
		if err != nil {
			return nil, errKeyNotFound
		}
		return key, nil
	}

	_, err := jwt.ParseWithClaims(tokenString, &claims, keyfunc,
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithLeeway(v.opts.ClockSkew),
		jwt.WithIssuer(v.opts.IssuerURL),
		jwt.WithAudience(v.opts.ExpectedAudience),
	)
	if err != nil {
		return Claims{}, classifyTokenError(err)
	}

	if err := v.checkEventName(claims, dryRun); err != nil {
		return Claims{}, err
	}
	if err := v.checkVisibility(ctx, claims); err != nil {
		return Claims{}, err
	}
	return claims, nil
}

// classifyTokenError maps a jwt.ParseWithClaims failure to the rejection
// kind a caller can act on, since each is a distinct failure mode the token
// presenter needs to tell apart (expired vs. wrong audience vs. a key the
// verifier has never heard of).
func classifyTokenError(err error) error {
	switch {
	case errors.Is(err, errKeyNotFound):
		return bayeserr.Wrap(bayeserr.KindAuthentication, "KEY_NOT_FOUND", "identity token's key id is not in the issuer's published key set", err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return bayeserr.Wrap(bayeserr.KindAuthentication, "TOKEN_EXPIRED", "identity token has expired", err)
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return bayeserr.Wrap(bayeserr.KindAuthentication, "TOKEN_NOT_YET_VALID", "identity token is not valid yet", err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return bayeserr.Wrap(bayeserr.KindAuthentication, "BAD_SIGNATURE", "identity token signature does not verify", err)
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return bayeserr.Wrap(bayeserr.KindAuthentication, "BAD_AUDIENCE", "identity token audience does not match", err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return bayeserr.Wrap(bayeserr.KindAuthentication, "BAD_ISSUER", "identity token issuer does not match", err)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return bayeserr.Wrap(bayeserr.KindAuthentication, "MALFORMED_TOKEN", "identity token is malformed", err)
	default:
		return bayeserr.Wrap(bayeserr.KindAuthentication, "TOKEN_INVALID", "identity token failed verification", err)
	}
}

func (v *Verifier) checkEventName(claims Claims, dryRun bool) error {
	allowed := v.opts.AllowedEventNames
	for _, name := range allowed {
		if claims.EventName == name {
			return nil
		}
	}
	if dryRun && claims.EventName == "pull_request" {
		return nil
	}
	return bayeserr.New(bayeserr.KindAuthentication, "EVENT_NOT_ALLOWED",
		fmt.Sprintf("event_name %q is not permitted for this upload", claims.EventName))
}

func (v *Verifier) checkVisibility(ctx context.Context, claims Claims) error {
	if claims.RepositoryVisibility != "" {
		if claims.RepositoryVisibility != "public" {
			return bayeserr.New(bayeserr.KindAuthentication, "REPOSITORY_NOT_PUBLIC", "repository_visibility claim is not public")
		}
		return nil
	}
	if !v.opts.VerifyVisibilityViaAPI {
		return bayeserr.New(bayeserr.KindAuthentication, "MISSING_CLAIM", "token is missing the repository_visibility claim")
	}
	if claims.RepositoryID == "" {
		return bayeserr.New(bayeserr.KindAuthentication, "MISSING_CLAIM", "token is missing repository_visibility and repository_id, so visibility cannot be verified")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		"https://api.github.com/repositories/"+string(claims.RepositoryID), nil)
	if err != nil {
		return bayeserr.Wrap(bayeserr.KindTransient, "VISIBILITY_CHECK_FAILED", "building visibility check request", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := v.opts.HTTPClient.Do(req)
	if err != nil {
		return bayeserr.Wrap(bayeserr.KindTransient, "VISIBILITY_CHECK_FAILED", "calling repository visibility API", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return bayeserr.New(bayeserr.KindTransient, "VISIBILITY_CHECK_FAILED", fmt.Sprintf("visibility API returned status %d", resp.StatusCode))
	}

	var body struct {
		Private bool `json:"private"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return bayeserr.Wrap(bayeserr.KindTransient, "VISIBILITY_CHECK_FAILED", "decoding visibility API response", err)
	}
	if body.Private {
		return bayeserr.New(bayeserr.KindAuthentication, "REPOSITORY_NOT_PUBLIC", "repository is private")
	}
	return nil
}
