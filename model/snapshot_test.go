package model

import (
	"encoding/json"
	"testing"
)

func TestSnapshot_SubmissionBatchRequest_JSONShape(t *testing.T) {
	req := SubmissionBatchRequest{
		Submissions: []SubmissionRequest{
			{FunctionID: "fn-1", Seed: "0", Hash: "4096"},
		},
	}

	b, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		t.Fatalf("MarshalIndent failed: %v", err)
	}

	const want = "{\n" +
		"  \"submissions\": [\n" +
		"    {\n" +
		"      \"functionId\": \"fn-1\",\n" +
		"      \"seed\": \"0\",\n" +
		"      \"hash\": \"4096\"\n" +
		"    }\n" +
		"  ]\n" +
		"}"

	if string(b) != want {
		t.Fatalf("snapshot mismatch:\n%s", string(b))
	}
}

func TestSnapshot_Catalog_JSONShape(t *testing.T) {
	cat := Catalog{
		Project: Project{ID: "proj-1", Owner: "acme", Name: "widget"},
		Module:  Module{ID: "mod-1", ProjectID: "proj-1", Version: "v1.0.0", Digest: "bafkrei-digest", SizeBytes: 128},
		Functions: []Function{
			{ID: "fn-1", ModuleID: "mod-1", Name: "fuzz_target", Bits: 12, Estimate: 0, SubmittedTotal: 0, BestHash: "", BestSeed: ""},
		},
	}

	b, err := json.MarshalIndent(cat, "", "  ")
	if err != nil {
		t.Fatalf("MarshalIndent failed: %v", err)
	}

	const want = "{\n" +
		"  \"project\": {\n" +
		"    \"id\": \"proj-1\",\n" +
		"    \"owner\": \"acme\",\n" +
		"    \"name\": \"widget\"\n" +
		"  },\n" +
		"  \"module\": {\n" +
		"    \"id\": \"mod-1\",\n" +
		"    \"projectId\": \"proj-1\",\n" +
		"    \"version\": \"v1.0.0\",\n" +
		"    \"digest\": \"bafkrei-digest\",\n" +
		"    \"sizeBytes\": 128\n" +
		"  },\n" +
		"  \"functions\": [\n" +
		"    {\n" +
		"      \"id\": \"fn-1\",\n" +
		"      \"moduleId\": \"mod-1\",\n" +
		"      \"name\": \"fuzz_target\",\n" +
		"      \"bits\": 12,\n" +
		"      \"estimate\": 0,\n" +
		"      \"submittedTotal\": 0,\n" +
		"      \"bestHash\": \"\",\n" +
		"      \"bestSeed\": \"\"\n" +
		"    }\n" +
		"  ]\n" +
		"}"

	if string(b) != want {
		t.Fatalf("snapshot mismatch:\n%s", string(b))
	}
}
