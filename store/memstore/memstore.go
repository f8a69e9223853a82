// Package memstore is an in-memory store.Repository, used by tests and by
// single-process deployments that accept losing state on restart.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/bayesengine/bayes-engine/sketch"
	"github.com/bayesengine/bayes-engine/store"
)

type Store struct {
	mu sync.Mutex

	nextID       uint64
	projects     map[string]store.Project // keyed by "owner/name"
	modules      map[string]store.Module  // keyed by module ID
	moduleLatest map[string]string        // projectID -> latest module ID, insertion order
	functions    map[string]*functionRow  // keyed by function ID
	jti          map[string]time.Time     // jti -> claimed-until
}

type functionRow struct {
	rec    store.Function
	sketch *sketch.Sketch
}

func New() *Store {
	return &Store{
		projects:     make(map[string]store.Project),
		modules:      make(map[string]store.Module),
		moduleLatest: make(map[string]string),
		functions:    make(map[string]*functionRow),
		jti:          make(map[string]time.Time),
	}
}

func (s *Store) nextID_() string {
	s.nextID++
	return "id-" + itoa(s.nextID)
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func projectKey(owner, name string) string { return owner + "/" + name }

func (s *Store) UpsertProject(_ context.Context, owner, name string) (store.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := projectKey(owner, name)
	if p, ok := s.projects[key]; ok {
		return p, nil
	}
	p := store.Project{ID: s.nextID_(), Owner: owner, Name: name}
	s.projects[key] = p
	return p, nil
}

func (s *Store) GetProject(_ context.Context, owner, name string) (store.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[projectKey(owner, name)]
	if !ok {
		return store.Project{}, store.ErrNotFound
	}
	return p, nil
}

func (s *Store) ListProjects(_ context.Context) ([]store.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]store.Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p)
	}
	return out, nil
}

func (s *Store) InsertModule(_ context.Context, projectID, version, digest string, sizeBytes int64) (store.Module, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.modules {
		if m.ProjectID == projectID && m.Version == version && m.Digest == digest {
			return m, nil
		}
	}
	m := store.Module{
		ID:        s.nextID_(),
		ProjectID: projectID,
		Version:   version,
		Digest:    digest,
		SizeBytes: sizeBytes,
		CreatedAt: time.Time{},
	}
	s.modules[m.ID] = m
	s.moduleLatest[projectID] = m.ID
	return m, nil
}

func (s *Store) GetModule(_ context.Context, moduleID string) (store.Module, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.modules[moduleID]
	if !ok {
		return store.Module{}, store.ErrNotFound
	}
	return m, nil
}

// LatestModule returns the most recently inserted module for projectID,
// tracked via an explicit per-project pointer updated on every InsertModule
// call (mirroring badgerstore's moduleLatestKey) rather than compared by
// CreatedAt (memstore never stamps a real one) or by ID as a string, which
// sorts "id-10" before "id-9".
func (s *Store) LatestModule(_ context.Context, projectID string) (store.Module, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.moduleLatest[projectID]
	if !ok {
		return store.Module{}, store.ErrNotFound
	}
	m, ok := s.modules[id]
	if !ok {
		return store.Module{}, store.ErrNotFound
	}
	return m, nil
}

func (s *Store) LoadOrCreateFunction(_ context.Context, moduleID, name string, defaultBits uint8) (store.Function, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range s.functions {
		if row.rec.ModuleID == moduleID && row.rec.Name == name {
			return row.rec, nil
		}
	}
	rec := store.Function{ID: s.nextID_(), ModuleID: moduleID, Name: name, Bits: defaultBits}
	s.functions[rec.ID] = &functionRow{rec: rec, sketch: sketch.New(defaultBits)}
	return rec, nil
}

func (s *Store) GetFunction(_ context.Context, functionID string) (store.Function, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.functions[functionID]
	if !ok {
		return store.Function{}, store.ErrNotFound
	}
	return row.rec, nil
}

func (s *Store) ListFunctions(_ context.Context, moduleID string) ([]store.Function, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.Function
	for _, row := range s.functions {
		if row.rec.ModuleID == moduleID {
			out = append(out, row.rec)
		}
	}
	return out, nil
}

func (s *Store) ApplySketchUpdate(_ context.Context, functionID string, seed, hash uint64) (store.SketchUpdateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.functions[functionID]
	if !ok {
		return store.SketchUpdateResult{}, store.ErrNotFound
	}

	improved := row.sketch.Insert(hash)
	if improved {
		row.rec.SubmittedTotal++
		if !row.rec.HasBest || hash < row.rec.BestHash {
			row.rec.HasBest = true
			row.rec.BestHash = hash
			row.rec.BestSeed = seed
		}
	}

	r := hash & (uint64(1)<<row.sketch.Bits() - 1)
	return store.SketchUpdateResult{
		Improved:       improved,
		Estimate:       row.sketch.Estimate(),
		ServerRegister: row.sketch.Register(r),
		SubmittedTotal: row.rec.SubmittedTotal,
	}, nil
}

func (s *Store) SketchState(_ context.Context, functionID string) (uint8, []uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.functions[functionID]
	if !ok {
		return 0, nil, store.ErrNotFound
	}
	regs := make([]uint64, row.sketch.Size())
	for i := range regs {
		regs[i] = row.sketch.Register(uint64(i))
	}
	return row.sketch.Bits(), regs, nil
}

func (s *Store) ClaimJTI(_ context.Context, jti string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowFunc()
	if until, ok := s.jti[jti]; ok && now.Before(until) {
		return false, nil
	}
	s.jti[jti] = now.Add(ttl)
	return true, nil
}

func (s *Store) Close() error { return nil }

// nowFunc is overridable by tests that need deterministic replay windows.
var nowFunc = time.Now
