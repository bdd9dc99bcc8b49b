package queue

import (
	"context"
	"errors"
)

// Common errors
var (
	ErrNoTask = errors.New("no task available")
	ErrClosed = errors.New("queue closed")
)

// Queue is the admission FIFO of task ids awaiting a claim.
// Implementations must be safe for concurrent producers and consumers, and
// Pop must hand any given entry to exactly one caller.
type Queue interface {
	// Push appends a task id at the tail
	Push(ctx context.Context, taskID string) error

	// Pop removes and returns the head, or ErrNoTask when empty
	Pop(ctx context.Context) (string, error)

	// Len returns the number of ids waiting
	Len(ctx context.Context) (int64, error)

	// Purge removes every waiting id
	Purge(ctx context.Context) error

	// Health checks if the queue is ready to serve requests
	Health(ctx context.Context) error

	// Close releases resources
	Close() error
}
