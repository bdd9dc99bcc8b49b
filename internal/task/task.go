package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultTopK is used when a submitter does not say how many results it wants
const DefaultTopK = 3

// Status represents the lifecycle state of a task
type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Terminal reports whether no further transition is allowed
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// ErrInvalidTransition is returned when a status change would move a task backwards
var ErrInvalidTransition = errors.New("invalid status transition")

// Task represents one query-execution job and its lifecycle metadata
type Task struct {
	ID         string     `json:"id"`
	Query      string     `json:"query"`
	TopK       int        `json:"top_k"`
	Proxy      *string    `json:"proxy"`
	FilterYear *int       `json:"filter_year"`
	Status     Status     `json:"status"`
	Error      string     `json:"error"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
}

// MarshalJSON renders an empty Error as null
func (t Task) MarshalJSON() ([]byte, error) {
	type plain Task
	var errMsg *string
	if t.Error != "" {
		errMsg = &t.Error
	}
	return json.Marshal(struct {
		plain
		Error *string `json:"error"`
	}{plain: plain(t), Error: errMsg})
}

// New creates a queued task. The query is trimmed; callers validate it.
func New(query string, topK int, proxy *string, filterYear *int, now time.Time) *Task {
	if topK == 0 {
		topK = DefaultTopK
	}
	return &Task{
		ID:         uuid.New().String(),
		Query:      strings.TrimSpace(query),
		TopK:       topK,
		Proxy:      proxy,
		FilterYear: filterYear,
		Status:     StatusQueued,
		CreatedAt:  now,
	}
}

// MarkRunning moves a queued task to running
func (t *Task) MarkRunning(now time.Time) error {
	if t.Status != StatusQueued {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, StatusRunning)
	}
	t.Status = StatusRunning
	t.StartedAt = &now
	return nil
}

// MarkDone moves a running task to done
func (t *Task) MarkDone(now time.Time) error {
	if t.Status != StatusRunning {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, StatusDone)
	}
	t.Status = StatusDone
	t.FinishedAt = &now
	return nil
}

// MarkFailed moves a running task to failed and records why
func (t *Task) MarkFailed(now time.Time, reason string) error {
	if t.Status != StatusRunning {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, StatusFailed)
	}
	t.Status = StatusFailed
	t.Error = reason
	t.FinishedAt = &now
	return nil
}

// Descriptor returns what a worker needs to execute the task
func (t *Task) Descriptor() Query {
	return Query{
		TaskID:     t.ID,
		Query:      t.Query,
		TopK:       t.TopK,
		Proxy:      t.Proxy,
		FilterYear: t.FilterYear,
	}
}
