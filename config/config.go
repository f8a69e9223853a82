// Package config loads server- and worker-side configuration from the
// environment and flags, the way the rest of the ambient stack does: bad
// configuration is a fatal, Configuration-kind error at startup, never a
// runtime surprise.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/bayesengine/bayes-engine/bayeserr"
)

// Server is the configuration surface for cmd/bayesd.
type Server struct {
	Addr string

	StoreBackend string // "memstore" or "badger"
	StoreDir     string

	BlobDir string // root directory for the localfs blob store

	OIDCIssuerURL            string
	OIDCExpectedAudience     string
	VerifyVisibilityViaAPI   bool
	AllowedEventNames        []string

	JWKSCacheTTL        time.Duration
	JWKSNegativeTTL     time.Duration
	ClockSkew           time.Duration
	ReplayTTL           time.Duration

	MaxUploadBytes int64
	DefaultBits    uint8

	EvaluatorFuel     uint64
	EvaluatorDeadline time.Duration

	SubmissionRateLimitPerSec float64
	SubmissionRateLimitBurst  int
}

// DefaultServer returns the baseline configuration, then ApplyEnv overrides
// from the process environment.
func DefaultServer() Server {
	return Server{
		Addr:                   ":8080",
		StoreBackend:           "memstore",
		BlobDir:                "./data/blobs",
		OIDCIssuerURL:          "https://token.actions.githubusercontent.com",
		OIDCExpectedAudience:   "bayes-engine-ci-upload",
		VerifyVisibilityViaAPI: true,
		AllowedEventNames:      []string{"push", "workflow_dispatch"},
		JWKSCacheTTL:           1 * time.Hour,
		JWKSNegativeTTL:        30 * time.Second,
		ClockSkew:              60 * time.Second,
		ReplayTTL:              10 * time.Minute,
		MaxUploadBytes:         10 * 1024 * 1024,
		DefaultBits:            12,
		EvaluatorFuel:          10_000_000,
		EvaluatorDeadline:      2 * time.Second,
		SubmissionRateLimitPerSec: 50,
		SubmissionRateLimitBurst:  100,
	}
}

// ApplyEnv overlays environment variables onto cfg, returning a
// Configuration-kind error on the first malformed value.
func (cfg Server) ApplyEnv() (Server, error) {
	if v := os.Getenv("BAYES_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("BAYES_STORE_BACKEND"); v != "" {
		cfg.StoreBackend = v
	}
	if v := os.Getenv("BAYES_STORE_DIR"); v != "" {
		cfg.StoreDir = v
	}
	if v := os.Getenv("BAYES_BLOB_DIR"); v != "" {
		cfg.BlobDir = v
	}
	if v := os.Getenv("BAYES_OIDC_ISSUER_URL"); v != "" {
		cfg.OIDCIssuerURL = v
	}
	if v := os.Getenv("BAYES_OIDC_AUDIENCE"); v != "" {
		cfg.OIDCExpectedAudience = v
	}
	if v := os.Getenv("BAYES_DEFAULT_BITS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 4 || n > 20 {
			return cfg, bayeserr.New(bayeserr.KindConfiguration, "BAD_DEFAULT_BITS", fmt.Sprintf("BAYES_DEFAULT_BITS=%q is not a valid bits value (want 4..20)", v))
		}
		cfg.DefaultBits = uint8(n)
	}
	if v := os.Getenv("BAYES_MAX_UPLOAD_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return cfg, bayeserr.New(bayeserr.KindConfiguration, "BAD_MAX_UPLOAD_BYTES", fmt.Sprintf("BAYES_MAX_UPLOAD_BYTES=%q is not a positive integer", v))
		}
		cfg.MaxUploadBytes = n
	}
	return cfg, nil
}

// Worker is the configuration surface for cmd/bayesworker, mirroring the
// three environment variables named in the wire contract.
type Worker struct {
	ConfigEndpoint string
	DefaultBits    uint8
	BatchWindow    time.Duration
}

// DefaultWorker reads CONFIG_ENDPOINT, DEFAULT_BITS, and BATCH_WINDOW_MS
// from the environment.
func DefaultWorker() (Worker, error) {
	w := Worker{
		ConfigEndpoint: os.Getenv("CONFIG_ENDPOINT"),
		DefaultBits:    12,
		BatchWindow:    500 * time.Millisecond,
	}
	if w.ConfigEndpoint == "" {
		return w, bayeserr.New(bayeserr.KindConfiguration, "MISSING_CONFIG_ENDPOINT", "CONFIG_ENDPOINT is required")
	}
	if v := os.Getenv("DEFAULT_BITS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 4 || n > 20 {
			return w, bayeserr.New(bayeserr.KindConfiguration, "BAD_DEFAULT_BITS", fmt.Sprintf("DEFAULT_BITS=%q is not valid (want 4..20)", v))
		}
		w.DefaultBits = uint8(n)
	}
	if v := os.Getenv("BATCH_WINDOW_MS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return w, bayeserr.New(bayeserr.KindConfiguration, "BAD_BATCH_WINDOW_MS", fmt.Sprintf("BATCH_WINDOW_MS=%q is not a positive integer", v))
		}
		w.BatchWindow = time.Duration(n) * time.Millisecond
	}
	return w, nil
}
