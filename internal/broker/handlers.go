package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/farhan-ahmed1/tether/internal/logger"
	"github.com/farhan-ahmed1/tether/internal/registry"
	"github.com/farhan-ahmed1/tether/internal/storage"
	"github.com/farhan-ahmed1/tether/internal/task"
)

const (
	maxEnqueueBody = 64 << 10
	maxResultBody  = 32 << 20
	sinkTimeout    = 10 * time.Second
)

type enqueueRequest struct {
	Query      string  `json:"query"`
	TopK       *int    `json:"top_k"`
	Proxy      *string `json:"proxy"`
	FilterYear *int    `json:"filter_year"`
}

type enqueueResponse struct {
	TaskID string `json:"task_id"`
}

type resultRequest struct {
	TaskID  string        `json:"task_id"`
	Results []task.Record `json:"results"`
	Error   *string       `json:"error"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

type taskView struct {
	ID     string      `json:"id"`
	Status task.Status `json:"status"`
	Error  *string     `json:"error"`
}

type resultResponse struct {
	Task    taskView      `json:"task"`
	Results []task.Record `json:"results"`
}

type healthResponse struct {
	Status     string `json:"status"`
	Timestamp  string `json:"timestamp"`
	QueueDepth int64  `json:"queue_depth"`
	QueueError string `json:"queue_error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleEnqueue admits a new task
func (b *Broker) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decodeBody(w, r, maxEnqueueBody, &req); err != nil {
		b.logger.Warn("Failed to decode enqueue request", logger.Fields{"error": err.Error()})
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	topK := 0
	if req.TopK != nil {
		if *req.TopK < 0 {
			writeError(w, http.StatusBadRequest, "invalid_top_k")
			return
		}
		topK = *req.TopK
	}

	id, err := b.registry.Enqueue(r.Context(), registry.EnqueueRequest{
		Query:      req.Query,
		TopK:       topK,
		Proxy:      req.Proxy,
		FilterYear: req.FilterYear,
	})
	switch {
	case errors.Is(err, registry.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "query_required")
		return
	case err != nil:
		b.logger.Error("Failed to enqueue task", logger.Fields{"error": err.Error()})
		writeError(w, http.StatusServiceUnavailable, "queue_unavailable")
		return
	}

	b.metrics.TaskEnqueued()
	writeJSON(w, http.StatusOK, enqueueResponse{TaskID: id})
}

// handleNext hands the oldest queued task to the calling worker
func (b *Broker) handleNext(w http.ResponseWriter, r *http.Request) {
	t, err := b.registry.ClaimNext(r.Context())
	switch {
	case errors.Is(err, registry.ErrNoTask):
		b.metrics.ClaimEmpty()
		w.WriteHeader(http.StatusNoContent)
		return
	case err != nil:
		b.logger.Error("Failed to claim task", logger.Fields{"error": err.Error()})
		writeError(w, http.StatusServiceUnavailable, "queue_unavailable")
		return
	}

	b.metrics.TaskClaimed()
	writeJSON(w, http.StatusOK, t.Descriptor())
}

// handleSubmitResult records a worker's outcome for a running task
func (b *Broker) handleSubmitResult(w http.ResponseWriter, r *http.Request) {
	var req resultRequest
	if err := decodeBody(w, r, maxResultBody, &req); err != nil {
		b.logger.Warn("Failed to decode result", logger.Fields{"error": err.Error()})
		b.metrics.ResultRejected("invalid_json")
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.TaskID == "" {
		b.metrics.ResultRejected("task_id_required")
		writeError(w, http.StatusBadRequest, "task_id_required")
		return
	}

	errMsg := ""
	if req.Error != nil {
		errMsg = *req.Error
	}

	err := b.registry.RecordResult(r.Context(), req.TaskID, req.Results, errMsg)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		b.metrics.ResultRejected("task_not_found")
		writeError(w, http.StatusNotFound, "task_not_found")
		return
	case errors.Is(err, registry.ErrConflict):
		b.logger.Warn("Rejected result for task that is not running", logger.Fields{"task_id": req.TaskID})
		b.metrics.ResultRejected("task_not_running")
		writeError(w, http.StatusConflict, "task_not_running")
		return
	case err != nil:
		b.logger.Error("Failed to record result", logger.Fields{"task_id": req.TaskID, "error": err.Error()})
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	if errMsg != "" {
		b.metrics.ResultRecorded(string(task.StatusFailed))
	} else {
		b.metrics.ResultRecorded(string(task.StatusDone))
		b.saveResult(r.Context(), req.TaskID)
	}

	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

// saveResult persists a done task's records. The task stays done if the
// sink fails.
func (b *Broker) saveResult(ctx context.Context, taskID string) {
	if b.sink == nil {
		return
	}
	records, err := b.registry.GetResult(taskID)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
	defer cancel()

	if err := b.sink.Save(ctx, taskID, records); err != nil {
		b.metrics.SinkFailure()
		b.logger.Error("Failed to save result", logger.Fields{
			"event":   "SinkWriteFailure",
			"task_id": taskID,
			"error":   err,
		})
	}
}

// handleStatus returns every task with per-status counts
func (b *Broker) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, b.registry.Snapshot())
}

// handleGetResult returns a task's status and, once done, its records
func (b *Broker) handleGetResult(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	t, records, err := b.registry.Lookup(id)
	if err != nil {
		b.loadSavedResult(w, r, id)
		return
	}

	view := taskView{ID: t.ID, Status: t.Status}
	if t.Error != "" {
		view.Error = &t.Error
	}
	writeJSON(w, http.StatusOK, resultResponse{Task: view, Results: records})
}

// loadSavedResult answers for a task the registry does not know, such as
// one completed before a restart, from a sink that can read results back
func (b *Broker) loadSavedResult(w http.ResponseWriter, r *http.Request, id string) {
	loader, ok := b.sink.(storage.Loader)
	if !ok {
		writeError(w, http.StatusNotFound, "task_not_found")
		return
	}

	records, err := loader.Load(r.Context(), id)
	if err != nil {
		if !errors.Is(err, storage.ErrResultNotFound) {
			b.logger.Warn("Failed to load saved result", logger.Fields{"task_id": id, "error": err.Error()})
		}
		writeError(w, http.StatusNotFound, "task_not_found")
		return
	}

	writeJSON(w, http.StatusOK, resultResponse{
		Task:    taskView{ID: id, Status: task.StatusDone},
		Results: records,
	})
}

// handleHealth returns health status
func (b *Broker) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	health := healthResponse{
		Status:    "healthy",
		Timestamp: time.Now().Format(time.RFC3339),
	}
	code := http.StatusOK

	if err := b.registry.QueueHealth(ctx); err != nil {
		b.logger.Error("Queue health check failed", logger.Fields{"error": err.Error()})
		health.Status = "unhealthy"
		health.QueueError = err.Error()
		code = http.StatusServiceUnavailable
	} else if depth, err := b.registry.QueueLen(ctx); err == nil {
		health.QueueDepth = depth
	}

	writeJSON(w, code, health)
}

// decodeBody reads at most limit bytes of JSON into v. An empty body
// decodes as {}.
func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, v interface{}) error {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errCode string) {
	writeJSON(w, code, errorResponse{Error: errCode})
}
