// Package registry owns every task the controller knows about, the result
// slots of completed tasks, and the claim protocol that hands each queued
// task to at most one worker.
//
// The task map and result slots are guarded by one mutex that is never
// held across queue I/O. Enqueue serializes on a second mutex so tasks
// enter the map and the admission queue in the same order. The admission
// queue is a separate concurrent-safe FIFO and ClaimNext pops it before
// taking the map mutex. A popped id that no longer resolves to a queued task
// is dropped and the claim reports ErrNoTask; other queue entries are not
// tried. With the in-memory queue this cannot happen. With a Redis queue
// that outlived a previous server process it drops the ids that process
// left behind.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/farhan-ahmed1/tether/internal/logger"
	"github.com/farhan-ahmed1/tether/internal/queue"
	"github.com/farhan-ahmed1/tether/internal/task"
)

// Errors returned by Registry operations
var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("task not found")
	ErrConflict     = errors.New("task not running")
	ErrNoTask       = queue.ErrNoTask
)

// EnqueueRequest describes a task to admit
type EnqueueRequest struct {
	Query      string
	TopK       int
	Proxy      *string
	FilterYear *int
}

// Summary counts tasks per status
type Summary struct {
	Total   int `json:"total"`
	Queued  int `json:"queued"`
	Running int `json:"running"`
	Done    int `json:"done"`
	Failed  int `json:"failed"`
}

// Snapshot is a point-in-time view of the registry
type Snapshot struct {
	Summary Summary     `json:"summary"`
	Tasks   []task.Task `json:"tasks"`
}

// Registry tracks task lifecycle and result slots
type Registry struct {
	admitMu sync.Mutex

	mu      sync.Mutex
	tasks   map[string]*task.Task
	order   []string
	results map[string][]task.Record

	queue  queue.Queue
	now    func() time.Time
	logger *logger.Logger
}

// Option customizes a Registry
type Option func(*Registry)

// WithClock replaces time.Now, mostly for tests
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the registry logger
func WithLogger(l *logger.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// New creates an empty registry admitting tasks through q
func New(q queue.Queue, opts ...Option) *Registry {
	r := &Registry{
		tasks:   make(map[string]*task.Task),
		results: make(map[string][]task.Record),
		queue:   q,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logger.Component("registry")
	}
	return r
}

// Enqueue creates a queued task and appends its id to the admission queue
func (r *Registry) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if strings.TrimSpace(req.Query) == "" {
		return "", fmt.Errorf("%w: query is required", ErrInvalidInput)
	}
	if req.TopK < 0 {
		return "", fmt.Errorf("%w: top_k must be positive, got %d", ErrInvalidInput, req.TopK)
	}

	// admitMu keeps map insertion and queue order identical without holding
	// mu across the push
	r.admitMu.Lock()
	defer r.admitMu.Unlock()

	t := task.New(req.Query, req.TopK, req.Proxy, req.FilterYear, r.now())
	r.mu.Lock()
	r.tasks[t.ID] = t
	r.order = append(r.order, t.ID)
	r.mu.Unlock()

	if err := r.queue.Push(ctx, t.ID); err != nil {
		r.mu.Lock()
		delete(r.tasks, t.ID)
		if n := len(r.order); n > 0 && r.order[n-1] == t.ID {
			r.order = r.order[:n-1]
		}
		r.mu.Unlock()
		return "", fmt.Errorf("admit task: %w", err)
	}

	r.logger.Info("Task enqueued", logger.Fields{
		"task_id": t.ID,
		"top_k":   t.TopK,
	})
	return t.ID, nil
}

// ClaimNext pops the admission queue head and marks that task running.
// It returns ErrNoTask when the queue is empty or the popped id is stale.
func (r *Registry) ClaimNext(ctx context.Context) (*task.Task, error) {
	id, err := r.queue.Pop(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		r.logger.Warn("Dropped unknown task id from queue", logger.Fields{"task_id": id})
		return nil, ErrNoTask
	}
	if err := t.MarkRunning(r.now()); err != nil {
		r.logger.Warn("Dropped task id that is no longer queued", logger.Fields{
			"task_id": id,
			"status":  string(t.Status),
		})
		return nil, ErrNoTask
	}

	r.logger.Info("Task claimed", logger.Fields{"task_id": id})
	claimed := *t
	return &claimed, nil
}

// RecordResult stores the outcome of a running task. A non-empty errMsg
// marks it failed; otherwise it is done and records fill its result slot.
// Tasks that are not running are left untouched and ErrConflict is returned.
func (r *Registry) RecordResult(ctx context.Context, taskID string, records []task.Record, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}

	now := r.now()
	if errMsg != "" {
		if err := t.MarkFailed(now, errMsg); err != nil {
			return fmt.Errorf("%w: %s is %s", ErrConflict, taskID, t.Status)
		}
		r.logger.Info("Task failed", logger.Fields{"task_id": taskID, "error": errMsg})
		return nil
	}

	if err := t.MarkDone(now); err != nil {
		return fmt.Errorf("%w: %s is %s", ErrConflict, taskID, t.Status)
	}
	if records == nil {
		records = []task.Record{}
	}
	r.results[taskID] = records
	r.logger.Info("Task done", logger.Fields{"task_id": taskID, "records": len(records)})
	return nil
}

// GetTask returns a copy of the task
func (r *Registry) GetTask(taskID string) (task.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[taskID]
	if !ok {
		return task.Task{}, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	return *t, nil
}

// GetResult returns the result slot of a done task. Unknown, queued,
// running and failed tasks all report ErrNotFound.
func (r *Registry) GetResult(taskID string) ([]task.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	records, ok := r.results[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: no result for %s", ErrNotFound, taskID)
	}
	return copyRecords(records), nil
}

// Lookup returns the task and, when it is done, its records in one
// consistent read
func (r *Registry) Lookup(taskID string) (task.Task, []task.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[taskID]
	if !ok {
		return task.Task{}, nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	records, done := r.results[taskID]
	if !done {
		return *t, nil, nil
	}
	return *t, copyRecords(records), nil
}

// Snapshot returns every task in admission order with per-status counts
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{Tasks: make([]task.Task, 0, len(r.order))}
	for _, id := range r.order {
		t := r.tasks[id]
		snap.Tasks = append(snap.Tasks, *t)
		countStatus(&snap.Summary, t.Status)
	}
	snap.Summary.Total = len(snap.Tasks)
	return snap
}

// Summary returns only the per-status counts
func (r *Registry) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	var s Summary
	for _, t := range r.tasks {
		countStatus(&s, t.Status)
	}
	s.Total = len(r.tasks)
	return s
}

// QueueHealth reports whether the admission queue is reachable
func (r *Registry) QueueHealth(ctx context.Context) error {
	return r.queue.Health(ctx)
}

// QueueLen returns the number of ids waiting in the admission queue
func (r *Registry) QueueLen(ctx context.Context) (int64, error) {
	return r.queue.Len(ctx)
}

// copyRecords keeps an empty slot distinguishable from no slot
func copyRecords(records []task.Record) []task.Record {
	out := make([]task.Record, len(records))
	copy(out, records)
	return out
}

func countStatus(s *Summary, status task.Status) {
	switch status {
	case task.StatusQueued:
		s.Queued++
	case task.StatusRunning:
		s.Running++
	case task.StatusDone:
		s.Done++
	case task.StatusFailed:
		s.Failed++
	}
}
