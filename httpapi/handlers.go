package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/ipfs/go-cid"

	"github.com/bayesengine/bayes-engine/ingest"
	"github.com/bayesengine/bayes-engine/model"
	"github.com/bayesengine/bayes-engine/sketch"
	"github.com/bayesengine/bayes-engine/store"
)

const maxIngestMemory = 32 << 20 // buffered form fields only; the wasm part streams to a byte slice regardless.

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.Repo.ListProjects(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := model.ProjectList{Projects: make([]model.Project, 0, len(projects))}
	for _, p := range projects {
		out.Projects = append(out.Projects, model.Project{ID: p.ID, Owner: p.Owner, Name: p.Name})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleProjectDetail(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	p, err := s.Repo.GetProject(r.Context(), vars["owner"], vars["name"])
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, model.Project{ID: p.ID, Owner: p.Owner, Name: p.Name})
}

func (s *Server) handleLatestCatalog(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ctx := r.Context()

	p, err := s.Repo.GetProject(ctx, vars["owner"], vars["name"])
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	mod, err := s.Repo.LatestModule(ctx, p.ID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	functions, err := s.Repo.ListFunctions(ctx, mod.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	catalog := model.Catalog{
		Project:   model.Project{ID: p.ID, Owner: p.Owner, Name: p.Name},
		Module:    model.Module{ID: mod.ID, ProjectID: mod.ProjectID, Version: mod.Version, Digest: mod.Digest, SizeBytes: mod.SizeBytes},
		Functions: make([]model.Function, 0, len(functions)),
	}
	for _, f := range functions {
		catalog.Functions = append(catalog.Functions, toModelFunction(f, s.estimateFor(ctx, f.ID, f.Bits)))
	}
	s.writeJSON(w, http.StatusOK, catalog)
}

// estimateFor recomputes the sketch estimate from stored registers rather
// than trusting a cached value, since the store is the single source of
// truth (§5's shared-resource policy).
func (s *Server) estimateFor(ctx context.Context, functionID string, bits uint8) float64 {
	_, registers, err := s.Repo.SketchState(ctx, functionID)
	if err != nil {
		return 0
	}
	sk := sketch.New(bits)
	for r, hash := range registers {
		if hash != sketch.Empty {
			sk.Insert(hash)
			_ = r
		}
	}
	return sk.Estimate()
}

func (s *Server) handleModuleBlob(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ctx := r.Context()

	mod, err := s.Repo.GetModule(ctx, vars["id"])
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	id, err := cid.Decode(mod.Digest)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, apiError{Code: "BAD_DIGEST", Error: "stored digest is not a valid CID"})
		return
	}
	data, err := s.Blobs.Get(id)
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, apiError{Code: "BLOB_NOT_FOUND", Error: "module blob not found"})
		return
	}
	w.Header().Set("Content-Type", "application/wasm")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleModuleHLLState(w http.ResponseWriter, r *http.Request) {
	// {id} here is a function id, matching the worker mirror-bootstrap flow:
	// a worker fuzzes one function at a time and needs that function's dense
	// register array, not a whole module's.
	vars := mux.Vars(r)
	ctx := r.Context()

	bits, registers, err := s.Repo.SketchState(ctx, vars["id"])
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	out := model.HLLState{FunctionID: vars["id"], Bits: bits, Registers: make([]string, len(registers))}
	for i, v := range registers {
		out.Registers[i] = strconv.FormatUint(v, 10)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxIngestMemory); err != nil {
		s.writeJSON(w, http.StatusBadRequest, apiError{Code: "BAD_MULTIPART", Error: "malformed multipart body"})
		return
	}

	file, _, err := r.FormFile("blob")
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, apiError{Code: "MISSING_BLOB", Error: "multipart field \"blob\" is required"})
		return
	}
	defer file.Close()
	wasm, err := io.ReadAll(file)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, apiError{Code: "BAD_BLOB", Error: "failed to read multipart blob"})
		return
	}

	owner, name, ok := splitRepository(r.FormValue("repository"))
	if !ok {
		s.writeJSON(w, http.StatusBadRequest, apiError{Code: "BAD_REPOSITORY", Error: "repository must be \"owner/name\""})
		return
	}

	req := ingest.Request{
		Token:          r.FormValue("token"),
		DryRun:         r.FormValue("dry_run") == "true",
		Owner:          owner,
		Name:           name,
		Version:        r.FormValue("version"),
		DeclaredDigest: r.FormValue("declared_digest"),
		Wasm:           wasm,
	}

	resp, err := s.Ingest.Ingest(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSubmissions(w http.ResponseWriter, r *http.Request) {
	var body model.SubmissionBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeJSON(w, http.StatusBadRequest, apiError{Code: "BAD_JSON", Error: "malformed submission body"})
		return
	}
	clientKey := clientKeyFor(r)
	resp := s.Submission.Submit(r.Context(), clientKey, body.Submissions)
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		s.writeJSON(w, http.StatusNotFound, apiError{Code: "NOT_FOUND", Error: err.Error()})
		return
	}
	s.writeError(w, err)
}

func toModelFunction(f store.Function, estimate float64) model.Function {
	return model.Function{
		ID:             f.ID,
		ModuleID:       f.ModuleID,
		Name:           f.Name,
		Bits:           f.Bits,
		Estimate:       estimate,
		SubmittedTotal: f.SubmittedTotal,
		BestHash:       strconv.FormatUint(f.BestHash, 10),
		BestSeed:       strconv.FormatUint(f.BestSeed, 10),
	}
}

func clientKeyFor(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		return auth
	}
	return r.RemoteAddr
}

func splitRepository(s string) (owner, name string, ok bool) {
	for i := range s {
		if s[i] == '/' {
			return s[:i], s[i+1:], s[:i] != "" && s[i+1:] != ""
		}
	}
	return "", "", false
}
