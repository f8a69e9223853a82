package submission

import (
	"context"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/bayesengine/bayes-engine/bayeserr"
)

// Evaluator re-executes an untrusted WebAssembly module's exported
// (i64)->i64 function under a deadline and no host imports, to confirm a
// worker's claimed (seed, hash) pair server-side.
//
// wazero has no wasmtime-style fuel counter to meter instructions directly;
// the wall-clock deadline is this evaluator's sole budget, enforced via
// context cancellation (WithCloseOnContextDone) rather than an instruction
// count.
type Evaluator struct {
	runtime  wazero.Runtime
	deadline time.Duration
}

func NewEvaluator(deadline time.Duration) *Evaluator {
	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	return &Evaluator{
		runtime:  wazero.NewRuntimeWithConfig(context.Background(), cfg),
		deadline: deadline,
	}
}

// Eval instantiates wasm fresh (no shared state across calls), grants it no
// host imports, and calls its export name with a single i64 argument,
// returning the i64 result.
func (e *Evaluator) Eval(ctx context.Context, wasm []byte, name string, arg uint64) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, e.deadline)
	defer cancel()

	compiled, err := e.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return 0, bayeserr.Wrap(bayeserr.KindValidation, "INVALID_MODULE", "module failed to compile", err)
	}
	defer compiled.Close(ctx)

	mod, err := e.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig())
	if err != nil {
		return 0, bayeserr.Wrap(bayeserr.KindValidation, "INVALID_FUNCTION", "module failed to instantiate", err)
	}
	defer mod.Close(ctx)

	fn := mod.ExportedFunction(name)
	if fn == nil {
		return 0, bayeserr.New(bayeserr.KindValidation, "INVALID_FUNCTION", fmt.Sprintf("module no longer exports %q", name))
	}
	if !isI64ToI64(fn.Definition()) {
		return 0, bayeserr.New(bayeserr.KindValidation, "INVALID_FUNCTION", fmt.Sprintf("export %q is not (i64)->i64", name))
	}

	results, err := fn.Call(ctx, arg)
	if err != nil {
		return 0, bayeserr.Wrap(bayeserr.KindValidation, "INVALID_FUNCTION", fmt.Sprintf("evaluating %q trapped or exceeded its deadline", name), err)
	}
	return results[0], nil
}

func (e *Evaluator) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

func isI64ToI64(fn api.FunctionDefinition) bool {
	params := fn.ParamTypes()
	results := fn.ResultTypes()
	return len(params) == 1 && params[0] == api.ValueTypeI64 &&
		len(results) == 1 && results[0] == api.ValueTypeI64
}
