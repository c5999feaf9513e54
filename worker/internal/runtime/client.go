package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/autovant/rca/pkg/rcapi"
)

// Client is the worker's view of the orchestrator HTTP API. It satisfies
// executor.Control.
type Client struct {
	baseURL    string
	apiToken   string
	httpClient *http.Client
}

func NewClient(baseURL, apiToken string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiToken:   strings.TrimSpace(apiToken),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) PollAssignments(ctx context.Context, workerID string, max int) ([]rcapi.Assignment, error) {
	url := c.baseURL + "/v1/workers/" + workerID + "/assignments?max=" + strconv.Itoa(max)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	c.auth(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("poll assignments failed with status %s", resp.Status)
	}
	var out rcapi.PollAssignmentsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Assignments, nil
}

func (c *Client) ReportResult(ctx context.Context, payload rcapi.ReportResultRequest) error {
	return c.post(ctx, "/v1/workers/results", payload)
}

func (c *Client) JobStatus(ctx context.Context, jobID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/jobs/"+jobID, nil)
	if err != nil {
		return "", err
	}
	c.auth(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("job status failed with status %s", resp.Status)
	}
	var out rcapi.JobStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Status, nil
}

func (c *Client) ReportProgress(ctx context.Context, jobID string, progress rcapi.ReportProgressRequest) error {
	return c.post(ctx, "/v1/jobs/"+jobID+"/progress", progress)
}

func (c *Client) post(ctx context.Context, path string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.auth(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s failed with status %s", path, resp.Status)
	}
	return nil
}

func (c *Client) auth(req *http.Request) {
	if c.apiToken != "" {
		req.Header.Set("X-RCA-Token", c.apiToken)
	}
}
