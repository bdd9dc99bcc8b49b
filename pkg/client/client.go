// Package client talks to a tether server over its HTTP API. Workers use
// it to claim tasks and submit results; the CLI uses it to enqueue and
// inspect.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/farhan-ahmed1/tether/internal/registry"
	"github.com/farhan-ahmed1/tether/internal/task"
)

// TokenHeader carries the shared secret on every request
const TokenHeader = "X-Auth-Token"

// ErrNoTask is returned by Next when the server has nothing queued
var ErrNoTask = errors.New("no task available")

// Config holds client configuration
type Config struct {
	BrokerAddr string // base URL, e.g. http://127.0.0.1:8765
	Token      string
	Timeout    time.Duration

	// DisableProxy ignores HTTP(S)_PROXY for broker traffic. Work functions
	// may route their own traffic through a per-task proxy.
	DisableProxy bool

	HTTPClient *http.Client // overrides Timeout and DisableProxy
}

// Client is a thin typed wrapper around the HTTP API
type Client struct {
	base  *url.URL
	token string
	http  *http.Client
}

// APIError is a non-2xx response from the server
type APIError struct {
	StatusCode int
	Code       string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned HTTP %d: %s", e.StatusCode, e.Code)
}

// Temporary reports whether retrying the same request may succeed
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500
}

// IsNotFound reports whether err is a 404 from the server
func IsNotFound(err error) bool { return hasStatus(err, http.StatusNotFound) }

// IsUnauthorized reports whether err is a 401 from the server
func IsUnauthorized(err error) bool { return hasStatus(err, http.StatusUnauthorized) }

func hasStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// New creates a new client instance
func New(config Config) (*Client, error) {
	if config.BrokerAddr == "" {
		return nil, fmt.Errorf("broker address is required")
	}
	addr := config.BrokerAddr
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	base, err := url.Parse(strings.TrimRight(addr, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid broker address %q: %w", config.BrokerAddr, err)
	}

	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if config.DisableProxy {
			transport.Proxy = nil
		}
		httpClient = &http.Client{Timeout: config.Timeout, Transport: transport}
	}

	return &Client{
		base:  base,
		token: config.Token,
		http:  httpClient,
	}, nil
}

// EnqueueRequest describes a task to submit
type EnqueueRequest struct {
	Query      string  `json:"query"`
	TopK       int     `json:"top_k,omitempty"`
	Proxy      *string `json:"proxy,omitempty"`
	FilterYear *int    `json:"filter_year,omitempty"`
}

// TaskResult is the server's view of one task and its records
type TaskResult struct {
	Task struct {
		ID     string      `json:"id"`
		Status task.Status `json:"status"`
		Error  *string     `json:"error"`
	} `json:"task"`
	Results []task.Record `json:"results"`
}

// Enqueue submits a task and returns its id
func (c *Client) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	var out struct {
		TaskID string `json:"task_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/enqueue", req, &out); err != nil {
		return "", err
	}
	return out.TaskID, nil
}

// Next claims the oldest queued task. It returns ErrNoTask when there is none.
func (c *Client) Next(ctx context.Context) (*task.Query, error) {
	var q task.Query
	if err := c.do(ctx, http.MethodGet, "/api/next", nil, &q); err != nil {
		return nil, err
	}
	if q.TaskID == "" {
		return nil, ErrNoTask
	}
	return &q, nil
}

// SubmitResult reports the outcome of a claimed task. A non-empty errMsg
// marks it failed and records are ignored.
func (c *Client) SubmitResult(ctx context.Context, taskID string, records []task.Record, errMsg string) error {
	body := struct {
		TaskID  string        `json:"task_id"`
		Results []task.Record `json:"results"`
		Error   *string       `json:"error"`
	}{TaskID: taskID, Results: records}
	if errMsg != "" {
		body.Error = &errMsg
		body.Results = nil
	} else if body.Results == nil {
		body.Results = []task.Record{}
	}
	return c.do(ctx, http.MethodPost, "/api/result", body, nil)
}

// Status returns every task the server knows with per-status counts
func (c *Client) Status(ctx context.Context) (*registry.Snapshot, error) {
	var snap registry.Snapshot
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Result returns a task's status and, once done, its records
func (c *Client) Result(ctx context.Context, taskID string) (*TaskResult, error) {
	var res TaskResult
	if err := c.do(ctx, http.MethodGet, "/api/result/"+url.PathEscape(taskID), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Close releases idle connections
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// do sends one request. A 204 leaves out untouched.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set(TokenHeader, c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: read response: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil {
			apiErr.Code = e.Error
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}
