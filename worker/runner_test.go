package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bayesengine/bayes-engine/model"
)

var runnerWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x06, 0x01, 0x60, 0x01, 0x7e, 0x01, 0x7e,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x05, 0x01, 0x01, 0x66, 0x00, 0x00,
	0x0a, 0x06, 0x01, 0x04, 0x00, 0x20, 0x00, 0x0b,
}

func newFakeServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/projects/acme/widgets/latest-catalog", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(model.Catalog{
			Project: model.Project{ID: "proj-1", Owner: "acme", Name: "widgets"},
			Module:  model.Module{ID: "mod-1", ProjectID: "proj-1"},
			Functions: []model.Function{
				{ID: "fn-1", ModuleID: "mod-1", Name: "f", Bits: 4},
			},
		})
	})
	mux.HandleFunc("/api/modules/mod-1/blob", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(runnerWasm)
	})
	mux.HandleFunc("/api/modules/fn-1/hll-state", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(model.HLLState{FunctionID: "fn-1", Bits: 4, Registers: []string{
			"1", "2", "3", "4", "5", "6", "7", "8", "9", "10", "11", "12", "13", "14", "15", "16",
		}})
	})
	mux.HandleFunc("/api/submissions", func(w http.ResponseWriter, r *http.Request) {
		var req model.SubmissionBatchRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		outcomes := make([]model.SubmissionOutcome, len(req.Submissions))
		for i, s := range req.Submissions {
			outcomes[i] = model.SubmissionOutcome{FunctionID: s.FunctionID, OK: true, Improved: true}
		}
		_ = json.NewEncoder(w).Encode(model.SubmissionBatchResponse{Outcomes: outcomes})
	})
	return httptest.NewServer(mux)
}

func TestNewRunnerLoadsCatalogAndCompilesModule(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.Close()

	r, err := NewRunner(context.Background(), Config{BaseURL: srv.URL, Cores: 1}, "acme", "widgets")
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	defer r.Close(context.Background())

	if len(r.targets) != 1 || r.targets[0].Name != "f" {
		t.Fatalf("expected one target named f, got %+v", r.targets)
	}
	if _, ok := r.mirrors["fn-1"]; !ok {
		t.Fatal("expected a mirror for fn-1 bootstrapped from hll-state")
	}
	if summary := r.EstimateSummary(); summary == "" {
		t.Fatal("expected a non-empty estimate summary for a runner with one target")
	}
}

func TestRunnerPreflightPassesOnValidExport(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.Close()

	r, err := NewRunner(context.Background(), Config{BaseURL: srv.URL, Cores: 1}, "acme", "widgets")
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	defer r.Close(context.Background())

	if err := r.Preflight(context.Background()); err != nil {
		t.Fatalf("Preflight: %v", err)
	}
}

func TestRunnerRunStopsOnContextCancel(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.Close()

	r, err := NewRunner(context.Background(), Config{BaseURL: srv.URL, Cores: 2, BatchWindow: 10 * time.Millisecond}, "acme", "widgets")
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	defer r.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	if r.Metrics.LocalTests.Load() == 0 {
		t.Fatal("expected the worker loop to have evaluated at least one seed")
	}
}
