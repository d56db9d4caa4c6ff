// Package taskclient is the worker-side HTTP client of the Task
// Dispatcher: claim, heartbeat, complete, and abandon, plus a
// leaseclient.Handle adapter (leaseadapter.go) so the worker's
// auto-renewal loop drives heartbeats instead of talking to the Lease
// Manager directly (SPEC_FULL.md §2 OQ-3).
package taskclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Task mirrors the JSON shape returned by the Task Dispatcher.
type Task struct {
	ID                  int64           `json:"id"`
	Data                json.RawMessage `json:"task_data"`
	Output              json.RawMessage `json:"task_output,omitempty"`
	ScheduledAt         time.Time       `json:"scheduled_at"`
	StartedAt           *time.Time      `json:"started_at,omitempty"`
	MustHeartbeatBefore *time.Time      `json:"must_heartbeat_before,omitempty"`
	ProcessedAt         *time.Time      `json:"processed_at,omitempty"`
	Processor           string          `json:"processor,omitempty"`
}

// Client talks to a Task Dispatcher at baseURL.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// New constructs a Client. baseURL has no trailing slash.
func New(httpClient *http.Client, baseURL string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{httpClient: httpClient, baseURL: baseURL}
}

// ErrNoTask is returned by ClaimNext when the Dispatcher reports 204 —
// no claimable task exists right now.
var ErrNoTask = fmt.Errorf("no claimable task")

type claimRequest struct {
	Processor string `json:"processor"`
}

// ClaimNext polls the Dispatcher for the next claimable task.
func (c *Client) ClaimNext(ctx context.Context, processor string) (*Task, error) {
	resp, err := c.doJSON(ctx, http.MethodPost, "/tasks/next", claimRequest{Processor: processor})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		return nil, ErrNoTask
	}
	if resp.StatusCode >= 300 {
		return nil, decodeError(resp)
	}
	var t Task
	if err := json.NewDecoder(resp.Body).Decode(&t); err != nil {
		return nil, err
	}
	return &t, nil
}

type heartbeatRequest struct {
	Processor string `json:"processor"`
}

type heartbeatResponse struct {
	MustHeartbeatBefore time.Time `json:"must_heartbeat_before"`
}

// Heartbeat renews a claimed task's heartbeat deadline.
func (c *Client) Heartbeat(ctx context.Context, taskID int64, processor string) (time.Time, error) {
	resp, err := c.doJSON(ctx, http.MethodPut, fmt.Sprintf("/tasks/%d/heartbeat", taskID), heartbeatRequest{Processor: processor})
	if err != nil {
		return time.Time{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return time.Time{}, decodeError(resp)
	}
	var out heartbeatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return time.Time{}, err
	}
	return out.MustHeartbeatBefore, nil
}

type completeRequest struct {
	Processor string          `json:"processor"`
	Output    json.RawMessage `json:"output"`
}

// Complete marks a claimed task processed with the given output.
func (c *Client) Complete(ctx context.Context, taskID int64, processor string, output []byte) error {
	resp, err := c.doJSON(ctx, http.MethodPut, fmt.Sprintf("/tasks/%d/complete", taskID), completeRequest{Processor: processor, Output: output})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	return nil
}

type abandonRequest struct {
	Processor string `json:"processor"`
}

// Abandon releases a claimed task without completing it.
func (c *Client) Abandon(ctx context.Context, taskID int64, processor string) error {
	resp, err := c.doJSON(ctx, http.MethodPut, fmt.Sprintf("/tasks/%d/abandon", taskID), abandonRequest{Processor: processor})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in interface{}) (*http.Response, error) {
	encoded, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.httpClient.Do(req)
}

type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// wireError carries the HTTP status and server-reported reason so callers
// (the worker loop, leaseadapter.go) can distinguish conflict from
// transport failure.
type wireError struct {
	StatusCode int
	Reason     string
}

func (e *wireError) Error() string {
	return fmt.Sprintf("task dispatcher returned %d: %s", e.StatusCode, e.Reason)
}

// IsConflict reports whether err is a wireError carrying HTTP 409.
func IsConflict(err error) bool {
	we, ok := err.(*wireError)
	return ok && we.StatusCode == http.StatusConflict
}

// IsNotFound reports whether err is a wireError carrying HTTP 404.
func IsNotFound(err error) bool {
	we, ok := err.(*wireError)
	return ok && we.StatusCode == http.StatusNotFound
}

func decodeError(resp *http.Response) error {
	var body errorBody
	_ = json.NewDecoder(resp.Body).Decode(&body)
	reason := body.Reason
	if reason == "" {
		reason = body.Error
	}
	return &wireError{StatusCode: resp.StatusCode, Reason: reason}
}
