// Package syncclient is the HTTP transport to the memo sync server.
package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/marcus/memo/internal/models"
)

// Sentinel errors for common HTTP error classes.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
)

// Error is a non-2xx response from the server. RequestID matches the
// server's log line for the request; RetryAfter is the server's hint on a
// 429 or 503.
type Error struct {
	Status     int
	Code       string
	Message    string
	RequestID  string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	switch {
	case e.Code != "" && e.Message != "":
		return fmt.Sprintf("HTTP %d %s: %s", e.Status, e.Code, e.Message)
	case e.Code != "":
		return fmt.Sprintf("HTTP %d %s", e.Status, e.Code)
	default:
		return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
	}
}

// StatusCode returns the HTTP status.
func (e *Error) StatusCode() int { return e.Status }

// RetryDelay returns the minimum wait the server asked for, zero if none.
func (e *Error) RetryDelay() time.Duration { return e.RetryAfter }

// Temporary reports whether retrying may succeed: server errors and rate
// limiting.
func (e *Error) Temporary() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests || e.Status == http.StatusRequestTimeout
}

func (e *Error) Unwrap() error {
	switch e.Status {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	}
	return nil
}

// Client is an HTTP client for the memo sync server.
type Client struct {
	BaseURL  string
	Token    string
	DeviceID string
	HTTP     *http.Client
}

// New creates a new sync client.
func New(baseURL, token, deviceID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		Token:    token,
		DeviceID: deviceID,
		HTTP:     &http.Client{Timeout: 30 * time.Second},
	}
}

// HealthResponse is the response from GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// HealthCheck hits the /healthz endpoint to verify server reachability.
func (c *Client) HealthCheck(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.doRequest(ctx, http.MethodGet, "/healthz", nil, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Reachable reports whether the server answers its health check within a
// short timeout.
func (c *Client) Reachable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err := c.HealthCheck(ctx)
	return err == nil
}

// BatchUpdate submits queued changes.
func (c *Client) BatchUpdate(ctx context.Context, changes []models.OfflineChange) (*models.BatchResponse, error) {
	var resp models.BatchResponse
	if err := c.do(ctx, http.MethodPost, "/v1/changes/batch", models.BatchRequest{Changes: changes}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Sync pulls everything changed since the request's checkpoint.
func (c *Client) Sync(ctx context.Context, req models.SyncRequest) (*models.SyncResponse, error) {
	var resp models.SyncResponse
	if err := c.do(ctx, http.MethodPost, "/v1/sync", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ResolveConflict submits a conflict resolution.
func (c *Client) ResolveConflict(ctx context.Context, r models.ConflictResolution) (*models.ResolveResponse, error) {
	var resp models.ResolveResponse
	path := fmt.Sprintf("/v1/conflicts/%s/resolve", url.PathEscape(r.ConflictID))
	if err := c.do(ctx, http.MethodPost, path, r, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status returns the server-side counts for the authenticated owner.
func (c *Client) Status(ctx context.Context) (*models.ServerStatus, error) {
	var resp models.ServerStatus
	if err := c.do(ctx, http.MethodGet, "/v1/sync/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// --- HTTP helpers ---

// apiError is the standard error body from the server.
type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// do executes an authenticated HTTP request.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	return c.doRequest(ctx, method, path, body, result, true)
}

func (c *Client) doRequest(ctx context.Context, method, path string, body, result any, auth bool) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth && c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if c.DeviceID != "" {
		req.Header.Set("X-Device-ID", c.DeviceID)
	}
	rid := uuid.NewString()
	req.Header.Set("X-Request-ID", rid)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		e := &Error{Status: resp.StatusCode, RequestID: rid, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
		var body apiError
		if json.Unmarshal(respBody, &body) == nil && body.Error.Code != "" {
			e.Code, e.Message = body.Error.Code, body.Error.Message
		} else {
			e.Message = string(bytes.TrimSpace(respBody))
		}
		return e
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}

	return nil
}

// parseRetryAfter reads the delay-seconds form of Retry-After.
func parseRetryAfter(v string) time.Duration {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}
