package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/farhan-ahmed1/tether/internal/logger"
	"github.com/farhan-ahmed1/tether/internal/queue"
	"github.com/farhan-ahmed1/tether/internal/task"
)

// fakeClock hands out strictly increasing times
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func setupTestRegistry(t *testing.T) (*Registry, queue.Queue) {
	t.Helper()
	q := queue.NewMemoryQueue()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	return New(q, WithClock(clock.Now), WithLogger(logger.Discard())), q
}

func mustEnqueue(t *testing.T, r *Registry, query string) string {
	t.Helper()
	id, err := r.Enqueue(context.Background(), EnqueueRequest{Query: query})
	require.NoError(t, err)
	return id
}

// failingQueue rejects every push
type failingQueue struct {
	queue.MemoryQueue
}

func (f *failingQueue) Push(ctx context.Context, taskID string) error {
	return errors.New("queue unavailable")
}

func TestEnqueue(t *testing.T) {
	r, q := setupTestRegistry(t)
	ctx := context.Background()
	proxy := "http://proxy:3128"
	year := 2024

	id, err := r.Enqueue(ctx, EnqueueRequest{Query: "  rust ownership ", TopK: 5, Proxy: &proxy, FilterYear: &year})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	tk, err := r.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusQueued, tk.Status)
	assert.Equal(t, "rust ownership", tk.Query)
	assert.Equal(t, 5, tk.TopK)
	assert.Equal(t, "http://proxy:3128", *tk.Proxy)
	assert.Equal(t, 2024, *tk.FilterYear)
	assert.False(t, tk.CreatedAt.IsZero())
	assert.Nil(t, tk.StartedAt)

	size, _ := q.Len(ctx)
	assert.Equal(t, int64(1), size)
}

func TestEnqueue_DefaultTopK(t *testing.T) {
	r, _ := setupTestRegistry(t)
	tk, err := r.GetTask(mustEnqueue(t, r, "q"))
	require.NoError(t, err)
	assert.Equal(t, task.DefaultTopK, tk.TopK)
}

func TestEnqueue_InvalidInput(t *testing.T) {
	tests := []struct {
		name string
		req  EnqueueRequest
	}{
		{"empty query", EnqueueRequest{Query: ""}},
		{"whitespace query", EnqueueRequest{Query: " \t\n"}},
		{"negative top_k", EnqueueRequest{Query: "q", TopK: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, q := setupTestRegistry(t)

			_, err := r.Enqueue(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidInput)
			assert.Equal(t, 0, r.Snapshot().Summary.Total)

			size, _ := q.Len(context.Background())
			assert.Zero(t, size)
		})
	}
}

func TestEnqueue_QueueFailureRollsBack(t *testing.T) {
	r := New(&failingQueue{}, WithLogger(logger.Discard()))

	_, err := r.Enqueue(context.Background(), EnqueueRequest{Query: "q"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidInput)

	snap := r.Snapshot()
	assert.Equal(t, 0, snap.Summary.Total)
	assert.Empty(t, snap.Tasks)
}

// stallingQueue blocks every push until release is closed
type stallingQueue struct {
	*queue.MemoryQueue
	entered chan struct{}
	release chan struct{}
}

func (s *stallingQueue) Push(ctx context.Context, taskID string) error {
	s.entered <- struct{}{}
	<-s.release
	return s.MemoryQueue.Push(ctx, taskID)
}

func TestEnqueue_SlowPushDoesNotBlockReads(t *testing.T) {
	q := &stallingQueue{
		MemoryQueue: queue.NewMemoryQueue(),
		entered:     make(chan struct{}, 1),
		release:     make(chan struct{}),
	}
	r := New(q, WithLogger(logger.Discard()))

	done := make(chan error, 1)
	go func() {
		_, err := r.Enqueue(context.Background(), EnqueueRequest{Query: "slow"})
		done <- err
	}()
	<-q.entered

	reads := make(chan struct{})
	go func() {
		defer close(reads)
		r.Snapshot()
		r.Summary()
		_, _ = r.GetTask("missing")
		_ = r.RecordResult(context.Background(), "missing", nil, "")
	}()

	select {
	case <-reads:
	case <-time.After(2 * time.Second):
		t.Fatal("Registry reads blocked behind a pending queue push")
	}

	close(q.release)
	require.NoError(t, <-done)

	claimed, err := r.ClaimNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "slow", claimed.Query)
}

func TestEnqueue_ConcurrentKeepsAdmissionOrder(t *testing.T) {
	r, _ := setupTestRegistry(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := r.Enqueue(ctx, EnqueueRequest{Query: fmt.Sprintf("q%d", i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	snap := r.Snapshot()
	require.Len(t, snap.Tasks, 50)
	for _, want := range snap.Tasks {
		got, err := r.ClaimNext(ctx)
		require.NoError(t, err)
		assert.Equal(t, want.ID, got.ID)
	}
}

func TestEnqueue_DistinctIDsAndTotal(t *testing.T) {
	r, _ := setupTestRegistry(t)
	const n = 50

	seen := make(map[string]bool)
	for i := 0; i < n; i++ {
		id := mustEnqueue(t, r, fmt.Sprintf("query %d", i))
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}

	assert.Equal(t, n, r.Snapshot().Summary.Total)
}

func TestClaimNext(t *testing.T) {
	r, _ := setupTestRegistry(t)
	ctx := context.Background()
	id := mustEnqueue(t, r, "q")

	claimed, err := r.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, claimed.ID)
	assert.Equal(t, task.StatusRunning, claimed.Status)
	require.NotNil(t, claimed.StartedAt)

	stored, _ := r.GetTask(id)
	assert.Equal(t, task.StatusRunning, stored.Status)
	assert.True(t, stored.StartedAt.After(stored.CreatedAt))
}

func TestClaimNext_Empty(t *testing.T) {
	r, _ := setupTestRegistry(t)

	claimed, err := r.ClaimNext(context.Background())
	assert.ErrorIs(t, err, ErrNoTask)
	assert.Nil(t, claimed)
}

func TestClaimNext_FIFO(t *testing.T) {
	r, _ := setupTestRegistry(t)
	ctx := context.Background()

	ids := []string{mustEnqueue(t, r, "first"), mustEnqueue(t, r, "second"), mustEnqueue(t, r, "third")}
	for _, want := range ids {
		claimed, err := r.ClaimNext(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, claimed.ID)
	}
}

// TestClaimNext_StaleIDDropped pushes an id the registry never created:
// the claim reports no task and does not move on to the next entry.
func TestClaimNext_StaleIDDropped(t *testing.T) {
	r, q := setupTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, "left-over-from-previous-run"))
	id := mustEnqueue(t, r, "real")

	_, err := r.ClaimNext(ctx)
	assert.ErrorIs(t, err, ErrNoTask)

	tk, _ := r.GetTask(id)
	assert.Equal(t, task.StatusQueued, tk.Status, "next entry must not be claimed by the same call")

	claimed, err := r.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, claimed.ID)
}

// TestClaimNext_DuplicateEntryDropped covers a queue that hands out an id
// whose task is already past queued.
func TestClaimNext_DuplicateEntryDropped(t *testing.T) {
	r, q := setupTestRegistry(t)
	ctx := context.Background()
	id := mustEnqueue(t, r, "q")

	_, err := r.ClaimNext(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Push(ctx, id))

	_, err = r.ClaimNext(ctx)
	assert.ErrorIs(t, err, ErrNoTask)

	tk, _ := r.GetTask(id)
	assert.Equal(t, task.StatusRunning, tk.Status)
}

func TestClaimNext_ReturnsCopy(t *testing.T) {
	r, _ := setupTestRegistry(t)
	id := mustEnqueue(t, r, "q")

	claimed, err := r.ClaimNext(context.Background())
	require.NoError(t, err)
	claimed.Status = task.StatusDone
	claimed.Query = "mutated"

	stored, _ := r.GetTask(id)
	assert.Equal(t, task.StatusRunning, stored.Status)
	assert.Equal(t, "q", stored.Query)
}

// TestClaimNext_Concurrent races N claimers over M >= N tasks
func TestClaimNext_Concurrent(t *testing.T) {
	r, _ := setupTestRegistry(t)
	ctx := context.Background()
	const tasks, claimers = 100, 32

	for i := 0; i < tasks; i++ {
		mustEnqueue(t, r, fmt.Sprintf("q%d", i))
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]int)
		wg      sync.WaitGroup
	)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				tk, err := r.ClaimNext(ctx)
				if errors.Is(err, ErrNoTask) {
					return
				}
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				claimed[tk.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, tasks)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "task %s claimed %d times", id, n)
	}
	assert.Equal(t, tasks, r.Snapshot().Summary.Running)
}

func TestRecordResult_Done(t *testing.T) {
	r, _ := setupTestRegistry(t)
	ctx := context.Background()
	id := mustEnqueue(t, r, "q")
	_, err := r.ClaimNext(ctx)
	require.NoError(t, err)

	records := []task.Record{task.Record(`{"title":"x"}`)}
	require.NoError(t, r.RecordResult(ctx, id, records, ""))

	tk, _ := r.GetTask(id)
	assert.Equal(t, task.StatusDone, tk.Status)
	assert.Empty(t, tk.Error)
	require.NotNil(t, tk.FinishedAt)
	assert.True(t, tk.FinishedAt.After(*tk.StartedAt))

	got, err := r.GetResult(id)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"title":"x"}`, string(got[0]))
}

func TestRecordResult_NilRecordsStoredAsEmpty(t *testing.T) {
	r, _ := setupTestRegistry(t)
	ctx := context.Background()
	id := mustEnqueue(t, r, "q")
	_, _ = r.ClaimNext(ctx)

	require.NoError(t, r.RecordResult(ctx, id, nil, ""))

	got, err := r.GetResult(id)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestRecordResult_Failed(t *testing.T) {
	r, _ := setupTestRegistry(t)
	ctx := context.Background()
	id := mustEnqueue(t, r, "q")
	_, _ = r.ClaimNext(ctx)

	require.NoError(t, r.RecordResult(ctx, id, []task.Record{task.Record(`1`)}, "timeout"))

	tk, _ := r.GetTask(id)
	assert.Equal(t, task.StatusFailed, tk.Status)
	assert.Equal(t, "timeout", tk.Error)
	assert.NotNil(t, tk.FinishedAt)

	_, err := r.GetResult(id)
	assert.ErrorIs(t, err, ErrNotFound, "failed tasks never populate a result slot")
}

func TestRecordResult_UnknownTask(t *testing.T) {
	r, _ := setupTestRegistry(t)

	err := r.RecordResult(context.Background(), "nope", nil, "")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, 0, r.Snapshot().Summary.Total)
	_, err = r.GetResult("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordResult_NotRunning(t *testing.T) {
	r, _ := setupTestRegistry(t)
	ctx := context.Background()
	id := mustEnqueue(t, r, "q")

	err := r.RecordResult(ctx, id, nil, "")
	assert.ErrorIs(t, err, ErrConflict)

	tk, _ := r.GetTask(id)
	assert.Equal(t, task.StatusQueued, tk.Status)
	assert.Nil(t, tk.FinishedAt)
}

// TestRecordResult_SecondSubmitRejected checks that a result slot is never
// overwritten and terminal tasks never change again
func TestRecordResult_SecondSubmitRejected(t *testing.T) {
	r, _ := setupTestRegistry(t)
	ctx := context.Background()
	id := mustEnqueue(t, r, "q")
	_, _ = r.ClaimNext(ctx)
	require.NoError(t, r.RecordResult(ctx, id, []task.Record{task.Record(`"first"`)}, ""))
	before, _ := r.GetTask(id)

	assert.ErrorIs(t, r.RecordResult(ctx, id, []task.Record{task.Record(`"second"`)}, ""), ErrConflict)
	assert.ErrorIs(t, r.RecordResult(ctx, id, nil, "late failure"), ErrConflict)

	after, _ := r.GetTask(id)
	assert.Equal(t, before, after)

	got, _ := r.GetResult(id)
	assert.Equal(t, `"first"`, string(got[0]))
}

func TestGetResult_NotYetDone(t *testing.T) {
	r, _ := setupTestRegistry(t)
	ctx := context.Background()
	id := mustEnqueue(t, r, "q")

	_, err := r.GetResult(id)
	assert.ErrorIs(t, err, ErrNotFound)

	_, _ = r.ClaimNext(ctx)
	_, err = r.GetResult(id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLookup(t *testing.T) {
	r, _ := setupTestRegistry(t)
	ctx := context.Background()
	id := mustEnqueue(t, r, "q")

	tk, records, err := r.Lookup(id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusQueued, tk.Status)
	assert.Nil(t, records)

	_, _ = r.ClaimNext(ctx)
	require.NoError(t, r.RecordResult(ctx, id, nil, ""))

	tk, records, err = r.Lookup(id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusDone, tk.Status)
	assert.NotNil(t, records)
	assert.Empty(t, records)

	_, _, err = r.Lookup("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSnapshot(t *testing.T) {
	r, _ := setupTestRegistry(t)
	ctx := context.Background()

	done := mustEnqueue(t, r, "done")
	failed := mustEnqueue(t, r, "failed")
	running := mustEnqueue(t, r, "running")
	queued := mustEnqueue(t, r, "queued")

	for i := 0; i < 3; i++ {
		_, err := r.ClaimNext(ctx)
		require.NoError(t, err)
	}
	require.NoError(t, r.RecordResult(ctx, done, nil, ""))
	require.NoError(t, r.RecordResult(ctx, failed, nil, "boom"))

	snap := r.Snapshot()
	assert.Equal(t, Summary{Total: 4, Queued: 1, Running: 1, Done: 1, Failed: 1}, snap.Summary)
	assert.Equal(t, snap.Summary, r.Summary())

	require.Len(t, snap.Tasks, 4)
	order := []string{snap.Tasks[0].ID, snap.Tasks[1].ID, snap.Tasks[2].ID, snap.Tasks[3].ID}
	assert.Equal(t, []string{done, failed, running, queued}, order, "tasks are listed in admission order")
}

func TestSnapshot_IsolatedFromLaterChanges(t *testing.T) {
	r, _ := setupTestRegistry(t)
	ctx := context.Background()
	mustEnqueue(t, r, "q")

	snap := r.Snapshot()
	_, _ = r.ClaimNext(ctx)

	assert.Equal(t, task.StatusQueued, snap.Tasks[0].Status)
}

// TestStatusNeverMovesBackwards drives a mixed workload and checks every
// observed transition against the allowed order
func TestStatusNeverMovesBackwards(t *testing.T) {
	r, _ := setupTestRegistry(t)
	ctx := context.Background()
	rank := map[task.Status]int{task.StatusQueued: 0, task.StatusRunning: 1, task.StatusDone: 2, task.StatusFailed: 2}

	var ids []string
	for i := 0; i < 20; i++ {
		ids = append(ids, mustEnqueue(t, r, fmt.Sprint(i)))
	}
	last := make(map[string]task.Status)
	observe := func() {
		for _, tk := range r.Snapshot().Tasks {
			if prev, ok := last[tk.ID]; ok {
				require.GreaterOrEqual(t, rank[tk.Status], rank[prev], "task %s went %s -> %s", tk.ID, prev, tk.Status)
				if prev.Terminal() {
					require.Equal(t, prev, tk.Status)
				}
			}
			last[tk.ID] = tk.Status
		}
	}

	for i, id := range ids {
		observe()
		_, err := r.ClaimNext(ctx)
		require.NoError(t, err)
		observe()
		if i%2 == 0 {
			_ = r.RecordResult(ctx, id, nil, "")
		} else {
			_ = r.RecordResult(ctx, id, nil, "err")
		}
		_ = r.RecordResult(ctx, id, nil, "")
		observe()
	}
}

// TestScenario_RustOwnership follows a task end to end
func TestScenario_RustOwnership(t *testing.T) {
	r, _ := setupTestRegistry(t)
	ctx := context.Background()

	a, err := r.Enqueue(ctx, EnqueueRequest{Query: "rust ownership", TopK: 5})
	require.NoError(t, err)

	claimed, err := r.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, a, claimed.ID)
	assert.Equal(t, 5, claimed.TopK)

	require.NoError(t, r.RecordResult(ctx, a, []task.Record{task.Record(`{"title":"x"}`)}, ""))

	tk, records, err := r.Lookup(a)
	require.NoError(t, err)
	assert.Equal(t, task.StatusDone, tk.Status)
	assert.Empty(t, tk.Error)
	require.Len(t, records, 1)
	assert.JSONEq(t, `{"title":"x"}`, string(records[0]))
}

// TestRedisAdmissionQueue runs the claim path over a Redis list and shows
// ids left by a previous registry are dropped
func TestRedisAdmissionQueue(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	previous := New(queue.NewRedisQueueFromClient(client, ""), WithLogger(logger.Discard()))
	_, err := previous.Enqueue(ctx, EnqueueRequest{Query: "from before restart"})
	require.NoError(t, err)

	r := New(queue.NewRedisQueueFromClient(client, ""), WithLogger(logger.Discard()))
	id := mustEnqueue(t, r, "fresh")

	_, err = r.ClaimNext(ctx)
	assert.ErrorIs(t, err, ErrNoTask)

	claimed, err := r.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, claimed.ID)

	n, err := r.QueueLen(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, r.QueueHealth(ctx))
}
