package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/opeva/pkg/dispatcher"
	"github.com/cuemby/opeva/pkg/types"
)

const requestTimeout = 10 * time.Second

// Client is the worker agent's HTTP client to the coordinator's
// agent-facing API (§6).
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a Client pointed at the coordinator's base URL.
func NewClient(baseURL string) *Client {
	return &Client{baseURL: baseURL, http: &http.Client{Timeout: requestTimeout}}
}

// NextJob polls for work. ok is false on a 204 (nothing to claim).
func (c *Client) NextJob(ctx context.Context, workerID string) (payload *types.DispatchPayload, ok bool, err error) {
	body, _ := json.Marshal(map[string]string{"worker_id": workerID})
	resp, err := c.post(ctx, "/api/agent/next-job", body)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, false, nil
	case http.StatusOK:
		var p types.DispatchPayload
		if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
			return nil, false, fmt.Errorf("decode dispatch payload: %w", err)
		}
		return &p, true, nil
	default:
		return nil, false, fmt.Errorf("next-job: unexpected status %d", resp.StatusCode)
	}
}

// PostStatus reports a job status transition. The coordinator's
// response is not consulted beyond the status code: any status other
// than 200 is returned as an error, which the caller retries.
func (c *Client) PostStatus(ctx context.Context, report dispatcher.StatusReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal status report: %w", err)
	}
	resp, err := c.post(ctx, "/api/agent/job-status", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("job-status: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// PostHeartbeat sends a liveness ping. Callers treat the error as
// swallow-and-continue (§4.6 step 1).
func (c *Client) PostHeartbeat(ctx context.Context, workerID string, info map[string]any) error {
	body, _ := json.Marshal(map[string]any{"worker_id": workerID, "info": info})
	resp, err := c.post(ctx, "/api/agent/heartbeat", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("heartbeat: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.http.Do(req)
}
