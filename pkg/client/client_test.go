package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/farhan-ahmed1/tether/internal/broker"
	"github.com/farhan-ahmed1/tether/internal/logger"
	"github.com/farhan-ahmed1/tether/internal/queue"
	"github.com/farhan-ahmed1/tether/internal/registry"
	"github.com/farhan-ahmed1/tether/internal/task"
)

func setupServer(t *testing.T, token string) (*httptest.Server, *registry.Registry) {
	t.Helper()

	reg := registry.New(queue.NewMemoryQueue(), registry.WithLogger(logger.Discard()))
	b := broker.NewBroker(broker.Config{
		Registry: reg,
		Token:    token,
		Logger:   logger.Discard(),
	})
	server := httptest.NewServer(b.Handler())
	t.Cleanup(server.Close)
	return server, reg
}

func newTestClient(t *testing.T, addr, token string) *Client {
	t.Helper()
	c, err := New(Config{BrokerAddr: addr, Token: token, Timeout: 5 * time.Second, DisableProxy: true})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// TestNew tests creating a new client
func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		addr    string
		wantURL string
		wantErr bool
	}{
		{"full url", "http://127.0.0.1:8765", "http://127.0.0.1:8765", false},
		{"trailing slash", "http://host:1/", "http://host:1", false},
		{"bare host", "localhost:8765", "http://localhost:8765", false},
		{"empty", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(Config{BrokerAddr: tt.addr})
			if tt.wantErr {
				if err == nil {
					t.Fatal("Expected error")
				}
				if c != nil {
					t.Error("Expected nil client on error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got := c.base.String(); got != tt.wantURL {
				t.Errorf("base = %s, want %s", got, tt.wantURL)
			}
			if c.http.Timeout != 30*time.Second {
				t.Errorf("Expected default timeout 30s, got %v", c.http.Timeout)
			}
		})
	}
}

func TestNew_DisableProxy(t *testing.T) {
	c, err := New(Config{BrokerAddr: "http://x", DisableProxy: true})
	if err != nil {
		t.Fatal(err)
	}
	transport, ok := c.http.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("unexpected transport %T", c.http.Transport)
	}
	if transport.Proxy != nil {
		t.Error("Expected proxy to be disabled")
	}
}

func TestRoundTrip(t *testing.T) {
	server, _ := setupServer(t, "")
	c := newTestClient(t, server.URL, "")
	ctx := context.Background()

	year := 2020
	id, err := c.Enqueue(ctx, EnqueueRequest{Query: "rust ownership", TopK: 2, FilterYear: &year})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	q, err := c.Next(ctx)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if q.TaskID != id || q.Query != "rust ownership" || q.TopK != 2 {
		t.Errorf("unexpected descriptor: %+v", q)
	}
	if q.FilterYear == nil || *q.FilterYear != 2020 {
		t.Errorf("filter_year not forwarded: %v", q.FilterYear)
	}
	if q.Proxy != nil {
		t.Errorf("proxy should be null, got %v", *q.Proxy)
	}

	if _, err := c.Next(ctx); !errors.Is(err, ErrNoTask) {
		t.Errorf("Expected ErrNoTask, got %v", err)
	}

	records := []task.Record{json.RawMessage(`{"title":"x"}`)}
	if err := c.SubmitResult(ctx, id, records, ""); err != nil {
		t.Fatalf("SubmitResult failed: %v", err)
	}

	res, err := c.Result(ctx, id)
	if err != nil {
		t.Fatalf("Result failed: %v", err)
	}
	if res.Task.Status != task.StatusDone || res.Task.Error != nil {
		t.Errorf("unexpected task view: %+v", res.Task)
	}
	if len(res.Results) != 1 || string(res.Results[0]) != `{"title":"x"}` {
		t.Errorf("unexpected results: %s", res.Results)
	}

	snap, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if snap.Summary.Total != 1 || snap.Summary.Done != 1 {
		t.Errorf("unexpected summary: %+v", snap.Summary)
	}
}

func TestSubmitResult_Failure(t *testing.T) {
	server, reg := setupServer(t, "")
	c := newTestClient(t, server.URL, "")
	ctx := context.Background()

	id, _ := c.Enqueue(ctx, EnqueueRequest{Query: "q"})
	if _, err := c.Next(ctx); err != nil {
		t.Fatal(err)
	}

	if err := c.SubmitResult(ctx, id, nil, "client_exec_error: boom"); err != nil {
		t.Fatalf("SubmitResult failed: %v", err)
	}

	got, err := reg.GetTask(id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != task.StatusFailed || got.Error != "client_exec_error: boom" {
		t.Errorf("unexpected task: %+v", got)
	}
}

func TestAPIErrors(t *testing.T) {
	server, _ := setupServer(t, "")
	c := newTestClient(t, server.URL, "")
	ctx := context.Background()

	_, err := c.Result(ctx, "missing")
	if !IsNotFound(err) {
		t.Errorf("Expected not found, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "task_not_found" {
		t.Errorf("Expected task_not_found code, got %v", err)
	}

	id, _ := c.Enqueue(ctx, EnqueueRequest{Query: "q"})
	err = c.SubmitResult(ctx, id, nil, "")
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict || apiErr.Code != "task_not_running" {
		t.Errorf("Expected task_not_running conflict for a queued task, got %v", err)
	}

	_, err = c.Enqueue(ctx, EnqueueRequest{Query: " "})
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest || apiErr.Code != "query_required" {
		t.Errorf("Expected query_required, got %v", err)
	}
	if apiErr.Temporary() {
		t.Error("400 should not be temporary")
	}
}

func TestAuthToken(t *testing.T) {
	server, _ := setupServer(t, "s3cret")
	ctx := context.Background()

	anon := newTestClient(t, server.URL, "")
	if _, err := anon.Status(ctx); !IsUnauthorized(err) {
		t.Errorf("Expected unauthorized, got %v", err)
	}

	authed := newTestClient(t, server.URL, "s3cret")
	if _, err := authed.Status(ctx); err != nil {
		t.Errorf("Expected authorized request, got %v", err)
	}
}

func TestTransportError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	addr := server.URL
	server.Close()

	c := newTestClient(t, addr, "")
	_, err := c.Next(context.Background())
	if err == nil {
		t.Fatal("Expected error from closed server")
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		t.Errorf("transport failure should not be an APIError: %v", err)
	}
}

func TestServerErrorIsTemporary(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(server.Close)

	c := newTestClient(t, server.URL, "")
	err := c.SubmitResult(context.Background(), "id", nil, "")

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected APIError, got %v", err)
	}
	if !apiErr.Temporary() || apiErr.Code != "" {
		t.Errorf("unexpected error: %+v", apiErr)
	}
}
