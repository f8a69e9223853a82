package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bayesengine/bayes-engine/blobstore/localfs"
	"github.com/bayesengine/bayes-engine/config"
	"github.com/bayesengine/bayes-engine/httpapi"
	"github.com/bayesengine/bayes-engine/identity"
	"github.com/bayesengine/bayes-engine/ingest"
	"github.com/bayesengine/bayes-engine/store"
	"github.com/bayesengine/bayes-engine/store/badgerstore"
	"github.com/bayesengine/bayes-engine/store/memstore"
	"github.com/bayesengine/bayes-engine/submission"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.DefaultServer().ApplyEnv()
	if err != nil {
		log.WithError(err).Fatal("bad configuration")
	}

	fs := flag.NewFlagSet("bayesd", flag.ExitOnError)
	addr := fs.String("addr", cfg.Addr, "HTTP listen address")
	storeBackend := fs.String("store", cfg.StoreBackend, "store backend: memstore or badger")
	storeDir := fs.String("store-dir", cfg.StoreDir, "badger data directory (store=badger)")
	blobDir := fs.String("blob-dir", cfg.BlobDir, "root directory for the localfs blob store")
	_ = fs.Parse(os.Args[1:])

	repo, closeRepo, err := openStore(*storeBackend, *storeDir, log)
	if err != nil {
		log.WithError(err).Fatal("opening store")
	}
	defer closeRepo()

	blobs, err := localfs.New(*blobDir)
	if err != nil {
		log.WithError(err).Fatal("opening blob store")
	}

	verifier := identity.New(identity.Options{
		IssuerURL:              cfg.OIDCIssuerURL,
		ExpectedAudience:       cfg.OIDCExpectedAudience,
		AllowedEventNames:      cfg.AllowedEventNames,
		VerifyVisibilityViaAPI: cfg.VerifyVisibilityViaAPI,
		ClockSkew:              cfg.ClockSkew,
		JWKSCacheTTL:           cfg.JWKSCacheTTL,
		JWKSNegativeTTL:        cfg.JWKSNegativeTTL,
	}, log)

	in := ingest.New(ingest.Options{
		MaxUploadBytes: cfg.MaxUploadBytes,
		DefaultBits:    cfg.DefaultBits,
		ReplayTTL:      cfg.ReplayTTL,
	}, repo, blobs, verifier, log)
	defer in.Close(context.Background())

	sub := submission.New(submission.Options{
		EvaluatorDeadline:         cfg.EvaluatorDeadline,
		SubmissionRateLimitPerSec: cfg.SubmissionRateLimitPerSec,
		SubmissionRateLimitBurst:  cfg.SubmissionRateLimitBurst,
		DefaultBits:               cfg.DefaultBits,
	}, repo, blobs, log)
	defer sub.Close(context.Background())

	api := httpapi.New(repo, blobs, in, sub, log)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           api.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.WithField("addr", *addr).WithField("store", *storeBackend).WithField("blobDir", *blobDir).Info("bayesd listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Fatal("server exited")
	}
}

func openStore(backend, dir string, log *logrus.Logger) (store.Repository, func(), error) {
	switch backend {
	case "memstore", "":
		repo := memstore.New()
		return repo, func() { _ = repo.Close() }, nil
	case "badger":
		if dir == "" {
			return nil, nil, fmt.Errorf("store-dir is required for the badger store backend")
		}
		repo, err := badgerstore.Open(dir, log)
		if err != nil {
			return nil, nil, err
		}
		return repo, func() { _ = repo.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", backend)
	}
}
