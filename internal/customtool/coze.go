package customtool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/hashicorp/go-retryablehttp"

	"xzbridge/internal/config"
	"xzbridge/pkg/logging"
)

// DefaultCozeBaseURL is the Coze workflow API endpoint used when the
// platform config does not override it.
const DefaultCozeBaseURL = "https://api.coze.cn"

const workflowRunPath = "/v1/workflow/run"

// CozeClient invokes Coze workflows over HTTP. Transient HTTP failures are
// retried a small number of times before surfacing.
type CozeClient struct {
	http    *retryablehttp.Client
	token   string
	baseURL string
}

// NewCozeClient builds a client from the platform configuration.
func NewCozeClient(cfg config.CozeConfig) *CozeClient {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.Logger = nil

	base := cfg.BaseURL
	if base == "" {
		base = DefaultCozeBaseURL
	}
	return &CozeClient{
		http:    rc,
		token:   cfg.Token,
		baseURL: base,
	}
}

// workflowRunRequest is the Coze workflow invocation body.
type workflowRunRequest struct {
	WorkflowID string         `json:"workflow_id"`
	Parameters map[string]any `json:"parameters"`
}

// RunWorkflow POSTs the workflow invocation and returns the response body
// re-serialised as compact JSON text. baseURL, when non-empty, overrides the
// client's configured base for this call.
func (c *CozeClient) RunWorkflow(ctx context.Context, workflowID, baseURL string, params map[string]any) (string, error) {
	if params == nil {
		params = map[string]any{}
	}
	base := c.baseURL
	if baseURL != "" {
		base = baseURL
	}
	url := strings.TrimRight(base, "/") + workflowRunPath

	body, err := json.Marshal(workflowRunRequest{
		WorkflowID: workflowID,
		Parameters: params,
	})
	if err != nil {
		return "", fmt.Errorf("failed to serialise workflow request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build workflow request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	logging.Debug("CustomTool", "invoking coze workflow %s at %s", workflowID, url)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("workflow %s request failed: %w", workflowID, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read workflow %s response: %w", workflowID, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("workflow %s returned HTTP %d: %s", workflowID, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	// Re-serialise through a decode so replays of the same workflow produce
	// byte-stable text regardless of upstream whitespace.
	var decoded any
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return string(respBody), nil
	}
	compact, err := json.Marshal(decoded)
	if err != nil {
		return string(respBody), nil
	}
	return string(compact), nil
}
