package leaseclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// ForLeaseManager builds a Handle whose acquire/renew/release operations
// speak the literal Lease Manager HTTP contract of spec §6: POST /leases,
// PUT /leases/renew, DELETE /leases/{id}. baseURL has no trailing slash.
func ForLeaseManager(httpClient *http.Client, baseURL, resource, holder string) *Handle {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	wire := &leaseManagerWire{client: httpClient, baseURL: baseURL, resource: resource, holder: holder}
	return New(resource, holder, wire.acquire, wire.renew, wire.release)
}

type leaseManagerWire struct {
	client   *http.Client
	baseURL  string
	resource string
	holder   string

	mu sync.Mutex
	id int64
}

type acquireRequest struct {
	Resource string `json:"resource"`
	Holder   string `json:"holder"`
}

type renewRequest struct {
	Resource string `json:"resource"`
	Holder   string `json:"holder"`
}

type leaseResponse struct {
	ID        int64     `json:"id"`
	Resource  string    `json:"resource"`
	Holder    string    `json:"holder"`
	ExpiresAt time.Time `json:"expires_at"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

func (w *leaseManagerWire) acquire(ctx context.Context) (Grant, error) {
	var out leaseResponse
	_, err := doJSON(ctx, w.client, http.MethodPost, w.baseURL+"/leases",
		acquireRequest{Resource: w.resource, Holder: w.holder}, &out)
	if err != nil {
		return Grant{}, translateStatus(w.resource, err)
	}
	w.mu.Lock()
	w.id = out.ID
	w.mu.Unlock()
	return Grant{ID: out.ID, ExpiresAt: out.ExpiresAt}, nil
}

func (w *leaseManagerWire) renew(ctx context.Context) (Grant, error) {
	var out leaseResponse
	_, err := doJSON(ctx, w.client, http.MethodPut, w.baseURL+"/leases/renew",
		renewRequest{Resource: w.resource, Holder: w.holder}, &out)
	if err != nil {
		return Grant{}, translateStatus(w.resource, err)
	}
	return Grant{ID: out.ID, ExpiresAt: out.ExpiresAt}, nil
}

func (w *leaseManagerWire) release(ctx context.Context) error {
	w.mu.Lock()
	id := w.id
	w.mu.Unlock()
	if id == 0 {
		return nil
	}
	_, err := doJSON(ctx, w.client, http.MethodDelete, fmt.Sprintf("%s/leases/%d", w.baseURL, id), nil, nil)
	return err
}

func doJSON(ctx context.Context, client *http.Client, method, url string, in, out interface{}) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var errBody errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		reason := errBody.Reason
		if reason == "" {
			reason = errBody.Error
		}
		return resp, &wireError{StatusCode: resp.StatusCode, Reason: reason}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp, err
		}
	}
	return resp, nil
}

// wireError carries the HTTP status and server-reported reason back to the
// caller so higher layers (leaseclient users, taskclient) can distinguish
// conflict from not-found from transport failure.
type wireError struct {
	StatusCode int
	Reason     string
}

func (e *wireError) Error() string {
	return fmt.Sprintf("lease manager returned %d: %s", e.StatusCode, e.Reason)
}

// ConflictError reports that the Lease Manager rejected an acquire/renew
// for the usual domain reasons (active lease held elsewhere, or renewal
// after expiry) rather than a transport failure. Callers match it with
// errors.As regardless of whether the Lease Manager was reached over
// HTTP or, in tests, through a fake leaseCaller.
type ConflictError struct {
	Resource string
	Reason   string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("lease conflict on %q: %s", e.Resource, e.Reason)
}

// NotFoundError reports that the Lease Manager has no record of resource.
type NotFoundError struct {
	Resource string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("lease not found for %q", e.Resource)
}

// translateStatus turns a transport-level wireError into the exported
// ConflictError/NotFoundError domain errors the rest of the system
// matches on, leaving anything else (5xx, network failure) as-is.
func translateStatus(resource string, err error) error {
	we, ok := err.(*wireError)
	if !ok {
		return err
	}
	switch we.StatusCode {
	case http.StatusConflict:
		return ConflictError{Resource: resource, Reason: we.Reason}
	case http.StatusNotFound:
		return NotFoundError{Resource: resource}
	default:
		return err
	}
}

// ManagerClient is a one-shot client of the Lease Manager HTTP contract,
// for callers that issue a single acquire/renew/release per resource
// rather than holding a long-lived Handle — the Task Dispatcher calls the
// Lease Manager this way once per claim/heartbeat/complete (spec §4.D).
type ManagerClient struct {
	client  *http.Client
	baseURL string
}

// NewManagerClient builds a ManagerClient against baseURL (no trailing
// slash).
func NewManagerClient(httpClient *http.Client, baseURL string) *ManagerClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &ManagerClient{client: httpClient, baseURL: baseURL}
}

// Acquire grants a new lease on resource to holder.
func (c *ManagerClient) Acquire(ctx context.Context, resource, holder string) (Grant, error) {
	var out leaseResponse
	_, err := doJSON(ctx, c.client, http.MethodPost, c.baseURL+"/leases",
		acquireRequest{Resource: resource, Holder: holder}, &out)
	if err != nil {
		return Grant{}, translateStatus(resource, err)
	}
	return Grant{ID: out.ID, ExpiresAt: out.ExpiresAt}, nil
}

// Renew extends the active lease on resource held by holder.
func (c *ManagerClient) Renew(ctx context.Context, resource, holder string) (Grant, error) {
	var out leaseResponse
	_, err := doJSON(ctx, c.client, http.MethodPut, c.baseURL+"/leases/renew",
		renewRequest{Resource: resource, Holder: holder}, &out)
	if err != nil {
		return Grant{}, translateStatus(resource, err)
	}
	return Grant{ID: out.ID, ExpiresAt: out.ExpiresAt}, nil
}

// Release terminates the lease by id. Best-effort callers (spec §4.D
// complete) should log, not propagate, a Release failure.
func (c *ManagerClient) Release(ctx context.Context, id int64) error {
	_, err := doJSON(ctx, c.client, http.MethodDelete, fmt.Sprintf("%s/leases/%d", c.baseURL, id), nil, nil)
	return err
}

// ActiveLeaseID looks up the id of the currently active lease on resource,
// for callers (the Task Dispatcher, on complete/abandon) that need to
// release a lease whose id they did not retain from the original Acquire.
// Returns 0 with no error if no active lease exists for resource.
func (c *ManagerClient) ActiveLeaseID(ctx context.Context, resource string) (int64, error) {
	var out []leaseResponse
	_, err := doJSON(ctx, c.client, http.MethodGet, c.baseURL+"/leases?state=active", nil, &out)
	if err != nil {
		return 0, err
	}
	for _, l := range out {
		if l.Resource == resource {
			return l.ID, nil
		}
	}
	return 0, nil
}
