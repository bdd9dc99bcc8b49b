package queue

import (
	"context"
	"sync"
)

// MemoryQueue is a process-local FIFO
type MemoryQueue struct {
	mu     sync.Mutex
	ids    []string
	head   int
	closed bool
}

// NewMemoryQueue creates an empty in-memory queue
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

// Push appends a task id
func (mq *MemoryQueue) Push(ctx context.Context, taskID string) error {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	if mq.closed {
		return ErrClosed
	}
	mq.ids = append(mq.ids, taskID)
	return nil
}

// Pop removes the oldest id
func (mq *MemoryQueue) Pop(ctx context.Context) (string, error) {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	if mq.closed {
		return "", ErrClosed
	}
	if mq.head >= len(mq.ids) {
		return "", ErrNoTask
	}

	id := mq.ids[mq.head]
	mq.ids[mq.head] = ""
	mq.head++

	// Compact once the consumed prefix dominates the backing array
	if mq.head > 64 && mq.head*2 > len(mq.ids) {
		mq.ids = append([]string(nil), mq.ids[mq.head:]...)
		mq.head = 0
	}
	return id, nil
}

// Len returns the number of waiting ids
func (mq *MemoryQueue) Len(ctx context.Context) (int64, error) {
	mq.mu.Lock()
	defer mq.mu.Unlock()
	return int64(len(mq.ids) - mq.head), nil
}

// Purge drops every waiting id
func (mq *MemoryQueue) Purge(ctx context.Context) error {
	mq.mu.Lock()
	defer mq.mu.Unlock()
	mq.ids = nil
	mq.head = 0
	return nil
}

// Health reports ErrClosed after Close
func (mq *MemoryQueue) Health(ctx context.Context) error {
	mq.mu.Lock()
	defer mq.mu.Unlock()
	if mq.closed {
		return ErrClosed
	}
	return nil
}

// Close stops the queue from accepting work
func (mq *MemoryQueue) Close() error {
	mq.mu.Lock()
	defer mq.mu.Unlock()
	mq.closed = true
	return nil
}
