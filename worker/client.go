// Package worker implements C6: a local HyperLogLog mirror per fuzzed
// function, a splitmix64 seed stream, and a submission loop that batches
// local improvements and reconciles them against the server's view.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bayesengine/bayes-engine/model"
)

// Client is the worker's HTTP surface against a running bayesd server.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{BaseURL: baseURL, Token: token, HTTP: &http.Client{Timeout: 15 * time.Second}}
}

func (c *Client) endpoint(path string) string {
	return c.BaseURL + path
}

// ListProjects mirrors the CLI's repository-discovery step.
func (c *Client) ListProjects(ctx context.Context) (model.ProjectList, error) {
	var out model.ProjectList
	return out, c.getJSON(ctx, "/api/projects", &out)
}

// LatestCatalog mirrors the CLI's per-repository catalog fetch.
func (c *Client) LatestCatalog(ctx context.Context, owner, name string) (model.Catalog, error) {
	var out model.Catalog
	return out, c.getJSON(ctx, fmt.Sprintf("/api/projects/%s/%s/latest-catalog", owner, name), &out)
}

// ModuleBlob downloads the WebAssembly binary for moduleID.
func (c *Client) ModuleBlob(ctx context.Context, moduleID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/api/modules/"+moduleID+"/blob"), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("worker: fetching module blob: unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// HLLState downloads functionID's dense register array, used to bootstrap
// the local mirror's server-side view without replaying history.
func (c *Client) HLLState(ctx context.Context, functionID string) (model.HLLState, error) {
	var out model.HLLState
	return out, c.getJSON(ctx, "/api/modules/"+functionID+"/hll-state", &out)
}

// SubmitBatch posts a batch of improvements and returns one outcome per
// submission, in the same order.
func (c *Client) SubmitBatch(ctx context.Context, reqs []model.SubmissionRequest) (model.SubmissionBatchResponse, error) {
	var out model.SubmissionBatchResponse
	body, err := json.Marshal(model.SubmissionBatchRequest{Submissions: reqs})
	if err != nil {
		return out, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/api/submissions"), bytes.NewReader(body))
	if err != nil {
		return out, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return out, fmt.Errorf("worker: submitting batch: unexpected status %d: %s", resp.StatusCode, b)
	}
	return out, json.NewDecoder(resp.Body).Decode(&out)
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path), nil)
	if err != nil {
		return err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("worker: GET %s: unexpected status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func parseU64(s string) uint64 {
	v, _ := strconv.ParseUint(s, 10, 64)
	return v
}
