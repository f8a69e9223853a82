// Package submission implements C5: verifying worker-submitted (seed, hash)
// pairs and merging accepted improvements into a function's sketch. This
// controller is the only authority permitted to mutate a sketch.
package submission

import (
	"context"
	"strconv"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/sirupsen/logrus"

	"github.com/bayesengine/bayes-engine/bayeserr"
	"github.com/bayesengine/bayes-engine/blobstore"
	"github.com/bayesengine/bayes-engine/model"
	"github.com/bayesengine/bayes-engine/store"
)

func cidDecode(s string) (cid.Cid, error) {
	return cid.Decode(s)
}

// Reason codes surfaced on a rejected SubmissionOutcome.
const (
	ReasonNotImproving    = "not_improving"
	ReasonForgery         = "forgery"
	ReasonInvalidFunction = "invalid_function"
	ReasonRateLimited     = "rate_limited"
	ReasonUnknownFunction = "unknown_function"
)

// Options configures a Controller.
type Options struct {
	EvaluatorDeadline        time.Duration
	SubmissionRateLimitPerSec float64
	SubmissionRateLimitBurst  int
	// DefaultBits sizes a function's sketch when a submission resolves it
	// via ModuleID+FunctionName and no function with that name exists yet
	// for the module, mirroring ingest's own default-bits fallback.
	DefaultBits uint8
}

type Controller struct {
	repo     store.Repository
	blobs    blobstore.BlobStore
	eval     *Evaluator
	limiters *clientLimiters
	log      *logrus.Entry
	opts     Options
}

func New(opts Options, repo store.Repository, blobs blobstore.BlobStore, log *logrus.Logger) *Controller {
	if log == nil {
		log = logrus.New()
	}
	return &Controller{
		repo:     repo,
		blobs:    blobs,
		eval:     NewEvaluator(opts.EvaluatorDeadline),
		limiters: newClientLimiters(opts.SubmissionRateLimitPerSec, opts.SubmissionRateLimitBurst),
		log:      log.WithField("component", "submission"),
		opts:     opts,
	}
}

func (c *Controller) Close(ctx context.Context) error {
	return c.eval.Close(ctx)
}

// Submit processes a batch of submissions for possibly-different functions.
// clientKey identifies the caller for rate limiting (e.g. its token subject
// or remote address); it has no bearing on correctness.
func (c *Controller) Submit(ctx context.Context, clientKey string, reqs []model.SubmissionRequest) model.SubmissionBatchResponse {
	resp := model.SubmissionBatchResponse{Outcomes: make([]model.SubmissionOutcome, 0, len(reqs))}

	if !c.limiters.Allow(clientKey) {
		for _, r := range reqs {
			resp.Outcomes = append(resp.Outcomes, model.SubmissionOutcome{FunctionID: r.FunctionID, OK: false, Reason: ReasonRateLimited})
		}
		return resp
	}

	// Group by function so each function's module blob is fetched once and
	// its registers are snapshotted once for the cheap not-improving check.
	// A request with no FunctionID is resolved (or lazily created) from
	// ModuleID+FunctionName first, the same fallback ingest uses when it
	// first sees an exported function. Each outcome is written back at its
	// request's index, so the response follows request order.
	resp.Outcomes = make([]model.SubmissionOutcome, len(reqs))
	byFunction := make(map[string][]model.SubmissionRequest)
	positions := make(map[string][]int)
	var order []string
	for i, r := range reqs {
		functionID := r.FunctionID
		if functionID == "" {
			fn, err := c.repo.LoadOrCreateFunction(ctx, r.ModuleID, r.FunctionName, c.opts.DefaultBits)
			if err != nil {
				resp.Outcomes[i] = model.SubmissionOutcome{OK: false, Reason: ReasonUnknownFunction}
				continue
			}
			functionID = fn.ID
			r.FunctionID = functionID
		}
		if _, ok := byFunction[functionID]; !ok {
			order = append(order, functionID)
		}
		byFunction[functionID] = append(byFunction[functionID], r)
		positions[functionID] = append(positions[functionID], i)
	}

	for _, functionID := range order {
		outcomes := c.submitForFunction(ctx, functionID, byFunction[functionID])
		for j, o := range outcomes {
			resp.Outcomes[positions[functionID][j]] = o
		}
	}
	return resp
}

func (c *Controller) submitForFunction(ctx context.Context, functionID string, reqs []model.SubmissionRequest) []model.SubmissionOutcome {
	outcomes := make([]model.SubmissionOutcome, 0, len(reqs))
	reject := func(reason string) []model.SubmissionOutcome {
		for range reqs {
			outcomes = append(outcomes, model.SubmissionOutcome{FunctionID: functionID, OK: false, Reason: reason})
		}
		return outcomes
	}

	fn, err := c.repo.GetFunction(ctx, functionID)
	if err != nil {
		return reject(ReasonUnknownFunction)
	}
	mod, err := c.repo.GetModule(ctx, fn.ModuleID)
	if err != nil {
		return reject(ReasonUnknownFunction)
	}

	bits, registers, err := c.repo.SketchState(ctx, functionID)
	if err != nil {
		return reject(ReasonUnknownFunction)
	}
	mask := (uint64(1) << bits) - 1

	var wasm []byte
	var wasmLoaded bool
	loadWasm := func() ([]byte, error) {
		if wasmLoaded {
			return wasm, nil
		}
		id, err := cidDecode(mod.Digest)
		if err != nil {
			return nil, bayeserr.Wrap(bayeserr.KindIntegrity, "BAD_DIGEST", "module digest is not a valid CID", err)
		}
		data, err := c.blobs.Get(id)
		if err != nil {
			return nil, bayeserr.Wrap(bayeserr.KindTransient, "BLOB_FETCH_FAILED", "fetching module blob", err)
		}
		wasm, wasmLoaded = data, true
		return wasm, nil
	}

	for _, r := range reqs {
		seed, err1 := strconv.ParseUint(r.Seed, 10, 64)
		hash, err2 := strconv.ParseUint(r.Hash, 10, 64)
		if err1 != nil || err2 != nil {
			outcomes = append(outcomes, model.SubmissionOutcome{FunctionID: functionID, OK: false, Reason: ReasonInvalidFunction})
			continue
		}
		reg := hash & mask

		if int(reg) < len(registers) && hash >= registers[reg] {
			outcomes = append(outcomes, model.SubmissionOutcome{FunctionID: functionID, OK: false, Reason: ReasonNotImproving, ServerRegister: strconv.FormatUint(registers[reg], 10)})
			continue
		}

		data, err := loadWasm()
		if err != nil {
			outcomes = append(outcomes, model.SubmissionOutcome{FunctionID: functionID, OK: false, Reason: ReasonInvalidFunction})
			continue
		}
		got, err := c.eval.Eval(ctx, data, fn.Name, seed)
		if err != nil {
			outcomes = append(outcomes, model.SubmissionOutcome{FunctionID: functionID, OK: false, Reason: ReasonInvalidFunction})
			continue
		}
		if got != hash {
			outcomes = append(outcomes, model.SubmissionOutcome{FunctionID: functionID, OK: false, Reason: ReasonForgery})
			continue
		}

		result, err := c.repo.ApplySketchUpdate(ctx, functionID, seed, hash)
		if err != nil {
			outcomes = append(outcomes, model.SubmissionOutcome{FunctionID: functionID, OK: false, Reason: ReasonInvalidFunction})
			continue
		}
		if result.Improved && int(reg) < len(registers) {
			registers[reg] = hash // keep the local snapshot fresh for the rest of this batch
		}
		outcomes = append(outcomes, model.SubmissionOutcome{
			FunctionID:       functionID,
			OK:               true,
			Improved:         result.Improved,
			ServerRegister:   strconv.FormatUint(result.ServerRegister, 10),
			EstimatedTests:   result.Estimate,
			SubmittedUpdates: result.SubmittedTotal,
		})
	}
	return outcomes
}
