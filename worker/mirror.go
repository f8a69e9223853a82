package worker

import (
	"sync"

	"github.com/bayesengine/bayes-engine/sketch"
)

// target is one function this worker process is fuzzing.
type target struct {
	FunctionID string
	ModuleID   string
	Name       string
	Bits       uint8
}

// mirror holds a function's local sketch (this worker's own discoveries)
// and its view of the server's sketch (bootstrapped from hll-state, then
// kept conservative per §4.6 step 5: a rejected improvement rewinds the
// server mirror's register to the value the server actually reported).
type mirror struct {
	mu     sync.Mutex
	local  *sketch.Sketch
	server *sketch.Sketch
}

func newMirror(bits uint8) *mirror {
	return &mirror{local: sketch.New(bits), server: sketch.New(bits)}
}

func (m *mirror) bootstrapServer(bits uint8, registers []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if bits != m.server.Bits() {
		m.server = sketch.New(bits)
		m.local = sketch.New(bits)
	}
	for _, s := range registers {
		m.server.InsertHash(parseU64(s))
	}
}

// observe records a locally computed hash. It reports whether the hash
// beats both the local mirror and the server mirror's known register —
// only a hash that beats the server's view is worth submitting.
func (m *mirror) observe(hash uint64) (worthSubmitting bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	improvedLocal := m.local.Insert(hash)
	r := hash & ((uint64(1) << m.server.Bits()) - 1)
	return improvedLocal && hash < m.server.Register(r)
}

// rewind overwrites the server mirror's register after a rejected or stale
// submission, so future comparisons in observe stay conservative.
func (m *mirror) rewind(serverHash uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.server.Insert(serverHash)
}

// markAccepted records that the server accepted hash for this function,
// keeping the server mirror's view in sync without waiting for a later
// hll-state refresh.
func (m *mirror) markAccepted(hash uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.server.Insert(hash)
}

// combinedEstimate folds the local mirror's own discoveries into a copy of
// the server's known view and returns the resulting cardinality estimate.
// This is purely a diagnostic: observe compares each hash against the
// local and server mirrors' registers directly and never uses this
// estimate.
func (m *mirror) combinedEstimate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	combined := m.server.Clone()
	_ = combined.Merge(m.local)
	return combined.Estimate()
}
