// Package ingest implements C4: accepting an uploaded WebAssembly module,
// validating it, extracting its fuzzable exports, and registering it (and
// each export's independent sketch) with the repository.
package ingest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/bayesengine/bayes-engine/bayeserr"
	"github.com/bayesengine/bayes-engine/blobstore"
	"github.com/bayesengine/bayes-engine/cidutil"
	"github.com/bayesengine/bayes-engine/identity"
	"github.com/bayesengine/bayes-engine/model"
	"github.com/bayesengine/bayes-engine/store"
)

var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}

// Options configures a Controller.
type Options struct {
	MaxUploadBytes int64
	DefaultBits    uint8
	ReplayTTL      time.Duration
}

// Controller implements the ingest pipeline described in module C4.
type Controller struct {
	opts     Options
	repo     store.Repository
	blobs    blobstore.BlobStore
	verifier *identity.Verifier
	runtime  wazero.Runtime
	log      *logrus.Entry
}

func New(opts Options, repo store.Repository, blobs blobstore.BlobStore, verifier *identity.Verifier, log *logrus.Logger) *Controller {
	if log == nil {
		log = logrus.New()
	}
	return &Controller{
		opts:     opts,
		repo:     repo,
		blobs:    blobs,
		verifier: verifier,
		runtime:  wazero.NewRuntime(context.Background()),
		log:      log.WithField("component", "ingest"),
	}
}

// Request is one POST /api/ingest call, after multipart decoding.
type Request struct {
	Token          string
	DryRun         bool
	Owner          string
	Name           string
	Version        string
	DeclaredDigest string
	Wasm           []byte
}

// Ingest validates req.Wasm, verifies the caller's identity token, and — unless
// req.DryRun — persists the module and its exported (i64)->i64 functions.
//
// dry_run still performs full validation and fingerprinting so a CI workflow
// can fail fast on a malformed module without mutating any state.
func (c *Controller) Ingest(ctx context.Context, req Request) (model.IngestResponse, error) {
	if int64(len(req.Wasm)) > c.opts.MaxUploadBytes {
		return model.IngestResponse{}, bayeserr.New(bayeserr.KindValidation, "UPLOAD_TOO_LARGE",
			fmt.Sprintf("module is %d bytes, exceeds the %d byte limit", len(req.Wasm), c.opts.MaxUploadBytes))
	}
	if len(req.Wasm) < 4 || string(req.Wasm[:4]) != string(wasmMagic) {
		return model.IngestResponse{}, bayeserr.New(bayeserr.KindValidation, "NOT_WASM", "upload is not a WebAssembly binary")
	}
	if req.Version == "" {
		return model.IngestResponse{}, bayeserr.New(bayeserr.KindValidation, "MISSING_VERSION", "version is required")
	}

	digest := cidutil.OfBytes(req.Wasm)
	if digest == "" {
		return model.IngestResponse{}, bayeserr.New(bayeserr.KindInternal, "DIGEST_FAILED", "failed to compute module digest")
	}
	if req.DeclaredDigest != "" && req.DeclaredDigest != digest {
		return model.IngestResponse{}, bayeserr.New(bayeserr.KindIntegrity, "DIGEST_MISMATCH",
			fmt.Sprintf("declared digest %q does not match computed digest %q", req.DeclaredDigest, digest))
	}

	claims, err := c.verifier.Verify(ctx, req.Token, req.DryRun)
	if err != nil {
		return model.IngestResponse{}, err
	}
	if claims.Repository == "" {
		return model.IngestResponse{}, bayeserr.New(bayeserr.KindAuthentication, "MISSING_CLAIM", "token is missing the repository claim")
	}
	if claims.Repository != req.Owner+"/"+req.Name {
		return model.IngestResponse{}, bayeserr.New(bayeserr.KindAuthentication, "REPOSITORY_MISMATCH",
			fmt.Sprintf("token repository %q does not authorize upload to %s/%s", claims.Repository, req.Owner, req.Name))
	}
	if claims.ID != "" {
		claimed, err := c.repo.ClaimJTI(ctx, claims.ID, c.replayTTL())
		if err != nil {
			return model.IngestResponse{}, bayeserr.Wrap(bayeserr.KindTransient, "JTI_CLAIM_FAILED", "claiming token jti", err)
		}
		if !claimed {
			return model.IngestResponse{}, bayeserr.New(bayeserr.KindAuthentication, "JTI_REPLAYED", "this token has already been used for an upload")
		}
	}

	names, err := c.exportedFuzzTargets(ctx, req.Wasm)
	if err != nil {
		return model.IngestResponse{}, err
	}
	if len(names) == 0 {
		return model.IngestResponse{}, bayeserr.New(bayeserr.KindValidation, "NO_FUZZ_TARGETS",
			"module exports no (i64)->i64 functions")
	}

	resp := model.IngestResponse{DryRun: req.DryRun, Digest: digest, Functions: names}
	if req.DryRun {
		return resp, nil
	}

	if _, err := c.blobs.Put(req.Wasm); err != nil {
		return model.IngestResponse{}, bayeserr.Wrap(bayeserr.KindTransient, "BLOB_PUT_FAILED", "storing module blob", err)
	}

	project, err := c.repo.UpsertProject(ctx, req.Owner, req.Name)
	if err != nil {
		return model.IngestResponse{}, bayeserr.Wrap(bayeserr.KindTransient, "PROJECT_UPSERT_FAILED", "recording project", err)
	}
	mod, err := c.repo.InsertModule(ctx, project.ID, req.Version, digest, int64(len(req.Wasm)))
	if err != nil {
		return model.IngestResponse{}, bayeserr.Wrap(bayeserr.KindTransient, "MODULE_INSERT_FAILED", "recording module", err)
	}
	for _, name := range names {
		if _, err := c.repo.LoadOrCreateFunction(ctx, mod.ID, name, c.opts.DefaultBits); err != nil {
			return model.IngestResponse{}, bayeserr.Wrap(bayeserr.KindTransient, "FUNCTION_CREATE_FAILED", fmt.Sprintf("registering function %q", name), err)
		}
	}

	resp.ModuleID = mod.ID
	return resp, nil
}

func (c *Controller) replayTTL() time.Duration {
	if c.opts.ReplayTTL <= 0 {
		return 10 * time.Minute
	}
	return c.opts.ReplayTTL
}

// exportedFuzzTargets compiles wasm (without instantiating it) and returns
// the names of every export with signature (i64)->i64, sorted for a stable
// response shape.
func (c *Controller) exportedFuzzTargets(ctx context.Context, wasm []byte) ([]string, error) {
	compiled, err := c.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return nil, bayeserr.Wrap(bayeserr.KindValidation, "INVALID_MODULE", "module failed to compile", err)
	}
	defer compiled.Close(ctx)

	var names []string
	for name, fn := range compiled.ExportedFunctions() {
		if isI64ToI64(fn) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func isI64ToI64(fn api.FunctionDefinition) bool {
	params := fn.ParamTypes()
	results := fn.ResultTypes()
	return len(params) == 1 && params[0] == api.ValueTypeI64 &&
		len(results) == 1 && results[0] == api.ValueTypeI64
}

func (c *Controller) Close(ctx context.Context) error {
	return c.runtime.Close(ctx)
}
