package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultRedisKey holds pending task ids
	DefaultRedisKey = "tether:queue:pending"

	defaultOpTimeout = 5 * time.Second
)

// RedisQueue implements Queue on a Redis list. RPUSH/LPOP are atomic on the
// server, so concurrent pops never return the same entry.
type RedisQueue struct {
	client *redis.Client
	key    string
	owned  bool
}

// RedisOptions configures a RedisQueue connection
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	Key      string
}

// NewRedisQueue connects to Redis with connection pooling and verifies the connection
func NewRedisQueue(opts RedisOptions) (*RedisQueue, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis address cannot be empty")
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.PoolSize / 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), defaultOpTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	q := NewRedisQueueFromClient(client, opts.Key)
	q.owned = true
	return q, nil
}

// NewRedisQueueFromClient wraps an existing client. The caller keeps
// ownership of the client; Close will not close it.
func NewRedisQueueFromClient(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisQueue{client: client, key: key}
}

// Push appends a task id to the list tail
func (rq *RedisQueue) Push(ctx context.Context, taskID string) error {
	if taskID == "" {
		return fmt.Errorf("task ID cannot be empty")
	}
	if err := rq.client.RPush(ctx, rq.key, taskID).Err(); err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

// Pop removes the list head
func (rq *RedisQueue) Pop(ctx context.Context) (string, error) {
	taskID, err := rq.client.LPop(ctx, rq.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNoTask
	}
	if err != nil {
		return "", fmt.Errorf("failed to dequeue task: %w", err)
	}
	return taskID, nil
}

// Len returns the list length
func (rq *RedisQueue) Len(ctx context.Context) (int64, error) {
	size, err := rq.client.LLen(ctx, rq.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get queue size: %w", err)
	}
	return size, nil
}

// Purge deletes the list
func (rq *RedisQueue) Purge(ctx context.Context) error {
	if err := rq.client.Del(ctx, rq.key).Err(); err != nil {
		return fmt.Errorf("failed to purge queue: %w", err)
	}
	return nil
}

// Health pings Redis
func (rq *RedisQueue) Health(ctx context.Context) error {
	return rq.client.Ping(ctx).Err()
}

// Close closes the Redis connection when the queue created it
func (rq *RedisQueue) Close() error {
	if rq.owned && rq.client != nil {
		return rq.client.Close()
	}
	return nil
}

// Client exposes the underlying connection so other components can share it
func (rq *RedisQueue) Client() *redis.Client {
	return rq.client
}
