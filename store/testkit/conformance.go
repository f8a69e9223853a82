// Package testkit provides a conformance suite that every store.Repository
// backend must pass.
package testkit

import (
	"context"
	"testing"
	"time"

	"github.com/bayesengine/bayes-engine/store"
)

// NewRepository constructs a fresh, empty repository for one test.
// The returned repository MUST be isolated from other tests.
type NewRepository func(t *testing.T) store.Repository

func RunConformance(t *testing.T, newRepo NewRepository) {
	t.Helper()
	ctx := context.Background()

	t.Run("UpsertProjectIsIdempotent", func(t *testing.T) {
		repo := newRepo(t)
		a, err := repo.UpsertProject(ctx, "acme", "widget")
		if err != nil {
			t.Fatalf("UpsertProject(1): %v", err)
		}
		b, err := repo.UpsertProject(ctx, "acme", "widget")
		if err != nil {
			t.Fatalf("UpsertProject(2): %v", err)
		}
		if a.ID != b.ID {
			t.Fatalf("UpsertProject not idempotent: %s vs %s", a.ID, b.ID)
		}
	})

	t.Run("InsertModuleIdempotentOnProjectVersionDigest", func(t *testing.T) {
		repo := newRepo(t)
		p, _ := repo.UpsertProject(ctx, "acme", "widget")

		m1, err := repo.InsertModule(ctx, p.ID, "v1.0.0", "digest-a", 100)
		if err != nil {
			t.Fatalf("InsertModule(1): %v", err)
		}
		m2, err := repo.InsertModule(ctx, p.ID, "v1.0.0", "digest-a", 100)
		if err != nil {
			t.Fatalf("InsertModule(2): %v", err)
		}
		if m1.ID != m2.ID {
			t.Fatalf("InsertModule not idempotent: %s vs %s", m1.ID, m2.ID)
		}

		m3, err := repo.InsertModule(ctx, p.ID, "v1.0.0", "digest-b", 100)
		if err != nil {
			t.Fatalf("InsertModule(3): %v", err)
		}
		if m3.ID == m1.ID {
			t.Fatalf("InsertModule collapsed distinct digests")
		}
	})

	t.Run("LoadOrCreateFunctionIsIdempotent", func(t *testing.T) {
		repo := newRepo(t)
		p, _ := repo.UpsertProject(ctx, "acme", "widget")
		m, _ := repo.InsertModule(ctx, p.ID, "v1.0.0", "digest-a", 100)

		f1, err := repo.LoadOrCreateFunction(ctx, m.ID, "fuzz_target", 12)
		if err != nil {
			t.Fatalf("LoadOrCreateFunction(1): %v", err)
		}
		f2, err := repo.LoadOrCreateFunction(ctx, m.ID, "fuzz_target", 12)
		if err != nil {
			t.Fatalf("LoadOrCreateFunction(2): %v", err)
		}
		if f1.ID != f2.ID {
			t.Fatalf("LoadOrCreateFunction not idempotent: %s vs %s", f1.ID, f2.ID)
		}
		if f1.Bits != 12 {
			t.Fatalf("Bits = %d, want 12", f1.Bits)
		}
	})

	t.Run("ApplySketchUpdateStrictlyDecreases", func(t *testing.T) {
		repo := newRepo(t)
		p, _ := repo.UpsertProject(ctx, "acme", "widget")
		m, _ := repo.InsertModule(ctx, p.ID, "v1.0.0", "digest-a", 100)
		f, _ := repo.LoadOrCreateFunction(ctx, m.ID, "fuzz_target", 4)

		res1, err := repo.ApplySketchUpdate(ctx, f.ID, 1, 0x20)
		if err != nil {
			t.Fatalf("ApplySketchUpdate(1): %v", err)
		}
		if !res1.Improved {
			t.Fatalf("first submission into an empty register must improve")
		}

		res2, err := repo.ApplySketchUpdate(ctx, f.ID, 2, 0x30)
		if err != nil {
			t.Fatalf("ApplySketchUpdate(2): %v", err)
		}
		if res2.Improved {
			t.Fatalf("a larger hash into the same register must not improve")
		}

		got, err := repo.GetFunction(ctx, f.ID)
		if err != nil {
			t.Fatalf("GetFunction: %v", err)
		}
		if got.SubmittedTotal != 1 {
			t.Fatalf("SubmittedTotal = %d, want 1", got.SubmittedTotal)
		}
		if !got.HasBest || got.BestHash != 0x20 || got.BestSeed != 1 {
			t.Fatalf("best pair = (%v,%v,%v), want (true,1,0x20)", got.HasBest, got.BestSeed, got.BestHash)
		}
	})

	t.Run("SketchStateMatchesAppliedUpdates", func(t *testing.T) {
		repo := newRepo(t)
		p, _ := repo.UpsertProject(ctx, "acme", "widget")
		m, _ := repo.InsertModule(ctx, p.ID, "v1.0.0", "digest-a", 100)
		f, _ := repo.LoadOrCreateFunction(ctx, m.ID, "fuzz_target", 4)

		if _, err := repo.ApplySketchUpdate(ctx, f.ID, 0, 0x31); err != nil {
			t.Fatalf("ApplySketchUpdate: %v", err)
		}

		bits, regs, err := repo.SketchState(ctx, f.ID)
		if err != nil {
			t.Fatalf("SketchState: %v", err)
		}
		if bits != 4 {
			t.Fatalf("bits = %d, want 4", bits)
		}
		if len(regs) != 16 {
			t.Fatalf("len(registers) = %d, want 16", len(regs))
		}
		if regs[0x31&0xF] != 0x31 {
			t.Fatalf("register = %d, want 0x31", regs[0x31&0xF])
		}
	})

	t.Run("ClaimJTIRejectsReplay", func(t *testing.T) {
		repo := newRepo(t)
		first, err := repo.ClaimJTI(ctx, "jti-1", time.Minute)
		if err != nil {
			t.Fatalf("ClaimJTI(1): %v", err)
		}
		if !first {
			t.Fatalf("first claim of a fresh jti must succeed")
		}
		second, err := repo.ClaimJTI(ctx, "jti-1", time.Minute)
		if err != nil {
			t.Fatalf("ClaimJTI(2): %v", err)
		}
		if second {
			t.Fatalf("replaying a claimed jti must not succeed")
		}
	})

	t.Run("UnknownFunctionIsNotFound", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.GetFunction(ctx, "does-not-exist")
		if err != store.ErrNotFound {
			t.Fatalf("GetFunction(unknown) = %v, want ErrNotFound", err)
		}
	})
}
