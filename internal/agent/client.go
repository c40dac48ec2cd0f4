package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/me/floe/pkg/model"
)

// Client communicates with the Floe server API on behalf of an agent.
type Client struct {
	baseURL    string
	siteID     int64
	agentID    string
	httpClient *http.Client
}

// NewClient creates a new agent API client with connection pooling.
func NewClient(baseURL string, siteID int64, agentID string) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		baseURL: baseURL,
		siteID:  siteID,
		agentID: agentID,
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
	}
}

// AgentID returns this client's agent identifier.
func (c *Client) AgentID() string {
	return c.agentID
}

// LockTasks leases up to count dispatchable tasks from the shared pool.
func (c *Client) LockTasks(ctx context.Context, count, lockSeconds int) ([]*model.QueuedLock, error) {
	body, err := json.Marshal(map[string]any{
		"agent_id":     c.agentID,
		"count":        count,
		"lock_seconds": lockSeconds,
	})
	if err != nil {
		return nil, err
	}

	resp, err := c.doRequest(ctx, http.MethodPost,
		fmt.Sprintf("/api/v1/queues/%d/lock", c.siteID), body)
	if err != nil {
		return nil, fmt.Errorf("lock tasks: %w", err)
	}

	var locks []*model.QueuedLock
	if err := decodeResponseData(resp, &locks); err != nil {
		return nil, fmt.Errorf("lock tasks: %w", err)
	}
	return locks, nil
}

// Heartbeat extends the lease on locks this agent still holds.
func (c *Client) Heartbeat(ctx context.Context, lockIDs []int64, lockSeconds int) error {
	body, err := json.Marshal(map[string]any{
		"agent_id":     c.agentID,
		"lock_ids":     lockIDs,
		"lock_seconds": lockSeconds,
	})
	if err != nil {
		return err
	}

	resp, err := c.doRequest(ctx, http.MethodPost,
		fmt.Sprintf("/api/v1/queues/%d/heartbeat", c.siteID), body)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	resp.Body.Close()
	return nil
}

// GetTask loads a task by ID.
func (c *Client) GetTask(ctx context.Context, taskID int64) (*model.Task, error) {
	resp, err := c.doRequest(ctx, http.MethodGet,
		fmt.Sprintf("/api/v1/tasks/%d", taskID), nil)
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}

	var task model.Task
	if err := decodeResponseData(resp, &task); err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

// ReportSuccess sends the final result of a finished task.
func (c *Client) ReportSuccess(ctx context.Context, taskID int64, result model.TaskResult) error {
	body, err := json.Marshal(map[string]any{
		"site_id":  c.siteID,
		"agent_id": c.agentID,
		"result":   result,
	})
	if err != nil {
		return err
	}

	resp, err := c.doRequest(ctx, http.MethodPost,
		fmt.Sprintf("/api/v1/tasks/%d/success", taskID), body)
	if err != nil {
		return fmt.Errorf("report success: %w", err)
	}
	resp.Body.Close()
	return nil
}

// ReportFail sends a failure payload for a task.
func (c *Client) ReportFail(ctx context.Context, taskID int64, errPayload model.Params) error {
	body, err := json.Marshal(map[string]any{
		"site_id":  c.siteID,
		"agent_id": c.agentID,
		"error":    errPayload,
	})
	if err != nil {
		return err
	}

	resp, err := c.doRequest(ctx, http.MethodPost,
		fmt.Sprintf("/api/v1/tasks/%d/fail", taskID), body)
	if err != nil {
		return fmt.Errorf("report fail: %w", err)
	}
	resp.Body.Close()
	return nil
}

// ReportRetry parks a task for a later re-run, e.g. while polling a
// remote job that has not finished yet.
func (c *Client) ReportRetry(ctx context.Context, taskID int64, interval time.Duration, stateParams model.Params) error {
	body, err := json.Marshal(map[string]any{
		"site_id":          c.siteID,
		"agent_id":         c.agentID,
		"interval_seconds": int(interval / time.Second),
		"state_params":     stateParams,
	})
	if err != nil {
		return err
	}

	resp, err := c.doRequest(ctx, http.MethodPost,
		fmt.Sprintf("/api/v1/tasks/%d/retry", taskID), body)
	if err != nil {
		return fmt.Errorf("report retry: %w", err)
	}
	resp.Body.Close()
	return nil
}

// doRequest executes an HTTP request and returns the response.
func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, respBody)
	}

	return resp, nil
}

// decodeResponseData extracts the data field from the API response envelope.
func decodeResponseData(resp *http.Response, dest any) error {
	defer resp.Body.Close()

	var envelope struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
		Error  *model.APIError `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if envelope.Error != nil {
		return envelope.Error
	}

	return json.Unmarshal(envelope.Data, dest)
}
