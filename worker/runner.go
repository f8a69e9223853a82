package worker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"

	"github.com/bayesengine/bayes-engine/model"
)

// Config configures a Runner.
type Config struct {
	BaseURL     string
	Token       string
	Cores       int
	DefaultBits uint8
	BatchWindow time.Duration
	BatchMax    int
}

// Metrics are the counters the CLI's stats loop renders periodically.
type Metrics struct {
	LocalTests         atomic.Uint64
	SubmittedHashes     atomic.Uint64
	FailedSubmissions  atomic.Uint64
}

type improvement struct {
	target target
	seed   uint64
	hash   uint64
}

// EstimateSummary renders each tracked function's name alongside its
// current diagnostic cardinality estimate (this worker's local discoveries
// folded into its view of the server's sketch), for the CLI's stats loop.
// It has no bearing on submission acceptance, which always keys off the
// server's authoritative register.
func (r *Runner) EstimateSummary() string {
	var b strings.Builder
	for i, t := range r.targets {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s~%.0f", t.Name, r.mirrors[t.FunctionID].combinedEstimate())
	}
	return b.String()
}

// Runner is the reusable C6 search loop: one goroutine per core evaluating
// the module, one goroutine batching and POSTing improvements, driven until
// ctx is canceled.
type Runner struct {
	client  *Client
	cfg     Config
	wasm    []byte
	runtime wazero.Runtime
	compiled wazero.CompiledModule
	targets []target
	mirrors map[string]*mirror

	Metrics *Metrics
}

// NewRunner fetches wasm and the initial function catalog for owner/name's
// latest module and prepares per-function mirrors.
func NewRunner(ctx context.Context, cfg Config, owner, name string) (*Runner, error) {
	if cfg.Cores <= 0 {
		cfg.Cores = 1
	}
	if cfg.BatchWindow <= 0 {
		cfg.BatchWindow = time.Second
	}
	if cfg.BatchMax <= 0 {
		cfg.BatchMax = 64
	}

	client := NewClient(cfg.BaseURL, cfg.Token)
	catalog, err := client.LatestCatalog(ctx, owner, name)
	if err != nil {
		return nil, fmt.Errorf("worker: fetching catalog: %w", err)
	}
	wasm, err := client.ModuleBlob(ctx, catalog.Module.ID)
	if err != nil {
		return nil, fmt.Errorf("worker: fetching module blob: %w", err)
	}

	rt := wazero.NewRuntime(ctx)
	compiled, err := rt.CompileModule(ctx, wasm)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("worker: compiling module: %w", err)
	}

	r := &Runner{
		client:   client,
		cfg:      cfg,
		wasm:     wasm,
		runtime:  rt,
		compiled: compiled,
		mirrors:  make(map[string]*mirror),
		Metrics:  &Metrics{},
	}
	for _, f := range catalog.Functions {
		bits := f.Bits
		if bits == 0 {
			bits = cfg.DefaultBits
		}
		r.targets = append(r.targets, target{FunctionID: f.ID, ModuleID: catalog.Module.ID, Name: f.Name, Bits: bits})
		m := newMirror(bits)
		if state, err := client.HLLState(ctx, f.ID); err == nil {
			m.bootstrapServer(state.Bits, state.Registers)
		}
		r.mirrors[f.ID] = m
	}
	if len(r.targets) == 0 {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("worker: module exports no fuzzable functions")
	}
	return r, nil
}

func (r *Runner) Close(ctx context.Context) error {
	return r.runtime.Close(ctx)
}

// Preflight evaluates seed=0 against every target once, so a trapping or
// missing export is caught before any worker goroutine starts. The CLI
// treats a Preflight failure as "the module is broken" (exit code 3),
// distinct from a fetch failure (exit code 2).
func (r *Runner) Preflight(ctx context.Context) error {
	mod, err := r.runtime.InstantiateModule(ctx, r.compiled, wazero.NewModuleConfig().WithName("preflight"))
	if err != nil {
		return fmt.Errorf("worker: instantiating module: %w", err)
	}
	defer mod.Close(ctx)

	for _, t := range r.targets {
		fn := mod.ExportedFunction(t.Name)
		if fn == nil {
			return fmt.Errorf("worker: module no longer exports %q", t.Name)
		}
		if _, err := fn.Call(ctx, 0); err != nil {
			return fmt.Errorf("worker: %q trapped on its first seed: %w", t.Name, err)
		}
	}
	return nil
}

// Run drives the worker goroutines and the submission goroutine until ctx
// is canceled, then waits for them to unwind.
func (r *Runner) Run(ctx context.Context) error {
	improvements := make(chan improvement, 256)
	var wg sync.WaitGroup

	for i := 0; i < r.cfg.Cores; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			_ = r.workerLoop(ctx, workerID, improvements)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.submissionLoop(ctx, improvements)
	}()

	wg.Wait()
	return nil
}

func (r *Runner) workerLoop(ctx context.Context, workerID int, out chan<- improvement) error {
	cfg := wazero.NewModuleConfig().WithName(fmt.Sprintf("worker-%d", workerID))
	mod, err := r.runtime.InstantiateModule(ctx, r.compiled, cfg)
	if err != nil {
		return fmt.Errorf("worker %d: instantiating module: %w", workerID, err)
	}
	defer mod.Close(ctx)

	type boundFn struct {
		t  target
		fn func(ctx context.Context, arg uint64) (uint64, error)
	}
	var fns []boundFn
	for _, t := range r.targets {
		exported := mod.ExportedFunction(t.Name)
		if exported == nil {
			continue
		}
		fn := exported
		fns = append(fns, boundFn{t: t, fn: func(ctx context.Context, arg uint64) (uint64, error) {
			results, err := fn.Call(ctx, arg)
			if err != nil {
				return 0, err
			}
			return results[0], nil
		}})
	}

	seeds := newSeedStream(uint64(workerID))
	for ctx.Err() == nil {
		for _, bf := range fns {
			if ctx.Err() != nil {
				return nil
			}
			seed := seeds.next()
			hash, err := bf.fn(ctx, seed)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				continue // a trap on one seed does not kill the worker; the server re-verifies on submit
			}
			r.Metrics.LocalTests.Add(1)
			m := r.mirrors[bf.t.FunctionID]
			if m.observe(hash) {
				select {
				case out <- improvement{target: bf.t, seed: seed, hash: hash}:
				case <-ctx.Done():
					return nil
				}
			}
		}
	}
	return nil
}

func (r *Runner) submissionLoop(ctx context.Context, in <-chan improvement) {
	ticker := time.NewTicker(r.cfg.BatchWindow)
	defer ticker.Stop()

	batch := make([]improvement, 0, r.cfg.BatchMax)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		r.submit(ctx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case imp := <-in:
			batch = append(batch, imp)
			if len(batch) >= r.cfg.BatchMax {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (r *Runner) submit(ctx context.Context, batch []improvement) {
	reqs := make([]model.SubmissionRequest, len(batch))
	for i, imp := range batch {
		reqs[i] = model.SubmissionRequest{
			FunctionID: imp.target.FunctionID,
			Seed:       strconv.FormatUint(imp.seed, 10),
			Hash:       strconv.FormatUint(imp.hash, 10),
		}
	}

	var resp model.SubmissionBatchResponse
	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		resp, err = r.client.SubmitBatch(ctx, reqs)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return
		}
		time.Sleep(100 * time.Millisecond * time.Duration(attempt))
	}
	if err != nil {
		r.Metrics.FailedSubmissions.Add(uint64(len(batch)))
		return
	}

	for i, outcome := range resp.Outcomes {
		if i >= len(batch) {
			break
		}
		m := r.mirrors[batch[i].target.FunctionID]
		if outcome.OK && outcome.Improved {
			r.Metrics.SubmittedHashes.Add(1)
			m.markAccepted(batch[i].hash)
			continue
		}
		if outcome.ServerRegister != "" {
			m.rewind(parseU64(outcome.ServerRegister))
		}
	}
}
