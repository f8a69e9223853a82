package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bayesengine/bayes-engine/model"
)

func TestClientLatestCatalogSendsBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(model.Catalog{
			Project: model.Project{Owner: "acme", Name: "widgets"},
			Module:  model.Module{ID: "mod-1"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok-123")
	catalog, err := c.LatestCatalog(context.Background(), "acme", "widgets")
	if err != nil {
		t.Fatalf("LatestCatalog: %v", err)
	}
	if catalog.Module.ID != "mod-1" {
		t.Fatalf("unexpected catalog: %+v", catalog)
	}
	if gotAuth != "Bearer tok-123" {
		t.Fatalf("expected bearer token header, got %q", gotAuth)
	}
}

func TestClientModuleBlobReturnsBodyBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte{0x00, 0x61, 0x73, 0x6d})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	blob, err := c.ModuleBlob(context.Background(), "mod-1")
	if err != nil {
		t.Fatalf("ModuleBlob: %v", err)
	}
	if len(blob) != 4 {
		t.Fatalf("expected 4 bytes, got %d", len(blob))
	}
}

func TestClientModuleBlobPropagatesNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	if _, err := c.ModuleBlob(context.Background(), "missing"); err == nil {
		t.Fatal("expected an error for a 404 module blob response")
	}
}

func TestClientSubmitBatchRoundTrips(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req model.SubmissionBatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		outcomes := make([]model.SubmissionOutcome, len(req.Submissions))
		for i, s := range req.Submissions {
			outcomes[i] = model.SubmissionOutcome{FunctionID: s.FunctionID, OK: true, Improved: true}
		}
		_ = json.NewEncoder(w).Encode(model.SubmissionBatchResponse{Outcomes: outcomes})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	resp, err := c.SubmitBatch(context.Background(), []model.SubmissionRequest{
		{FunctionID: "fn-1", Seed: "1", Hash: "2"},
	})
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}
	if len(resp.Outcomes) != 1 || !resp.Outcomes[0].OK {
		t.Fatalf("unexpected outcomes: %+v", resp.Outcomes)
	}
}

func TestClientHLLStateDecodesRegisters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(model.HLLState{FunctionID: "fn-1", Bits: 4, Registers: []string{"1", "2"}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	state, err := c.HLLState(context.Background(), "fn-1")
	if err != nil {
		t.Fatalf("HLLState: %v", err)
	}
	if state.Bits != 4 || len(state.Registers) != 2 {
		t.Fatalf("unexpected state: %+v", state)
	}
}
