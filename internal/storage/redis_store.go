package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/farhan-ahmed1/tether/internal/task"
)

const (
	resultStorePrefix = "tether:result:"

	// DefaultResultTTL keeps persisted results for 30 days
	DefaultResultTTL = 30 * 24 * time.Hour
)

// ErrResultNotFound is returned by Load for tasks that were never saved
var ErrResultNotFound = errors.New("result not found")

// RedisSink stores the JSONL payload of each completed task under its own key
type RedisSink struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisSink creates a Redis results sink. ttl <= 0 uses DefaultResultTTL.
func NewRedisSink(client *redis.Client, ttl time.Duration) *RedisSink {
	if ttl <= 0 {
		ttl = DefaultResultTTL
	}
	return &RedisSink{client: client, ttl: ttl}
}

// Save stores records unless the task was already saved
func (rs *RedisSink) Save(ctx context.Context, taskID string, records []task.Record) error {
	if taskID == "" {
		return fmt.Errorf("task ID cannot be empty")
	}

	data, err := task.EncodeJSONL(records)
	if err != nil {
		return fmt.Errorf("failed to encode results: %w", err)
	}

	ok, err := rs.client.SetNX(ctx, resultStorePrefix+taskID, data, rs.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to save result: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrAlreadySaved, taskID)
	}
	return nil
}

// Load reads back the records saved for taskID
func (rs *RedisSink) Load(ctx context.Context, taskID string) ([]task.Record, error) {
	if taskID == "" {
		return nil, fmt.Errorf("task ID cannot be empty")
	}

	data, err := rs.client.Get(ctx, resultStorePrefix+taskID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrResultNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get result: %w", err)
	}

	return task.DecodeJSONL(data)
}

// Close does not close the client; it may be shared with the queue
func (rs *RedisSink) Close() error {
	return nil
}
