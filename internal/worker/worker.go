// Package worker runs the pull loop: claim a task from the server, run the
// work function on it, report the outcome, repeat.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/sync/errgroup"

	"github.com/farhan-ahmed1/tether/internal/logger"
	"github.com/farhan-ahmed1/tether/internal/task"
	"github.com/farhan-ahmed1/tether/pkg/client"
)

// ExecErrorPrefix marks failures raised by the work function
const ExecErrorPrefix = "client_exec_error: "

// ExecFunc runs one task and returns its records
type ExecFunc func(ctx context.Context, q task.Query) ([]task.Record, error)

// Source hands out tasks and accepts their outcomes; *client.Client
// satisfies it
type Source interface {
	Next(ctx context.Context) (*task.Query, error)
	SubmitResult(ctx context.Context, taskID string, records []task.Record, errMsg string) error
}

// Config holds worker configuration
type Config struct {
	ID           string
	Concurrency  int           // claim loops run in parallel
	PollInterval time.Duration // wait after an empty claim
	ExecTimeout  time.Duration // zero means no limit

	BackoffMin time.Duration
	BackoffMax time.Duration

	Logger *logger.Logger
}

// Stats counts worker activity
type Stats struct {
	Processed       int64 `json:"processed"`
	Failed          int64 `json:"failed"`
	TransportErrors int64 `json:"transport_errors"`
	Abandoned       int64 `json:"abandoned"`
}

// Worker polls the server and executes tasks
type Worker struct {
	id           string
	source       Source
	exec         ExecFunc
	concurrency  int
	pollInterval time.Duration
	execTimeout  time.Duration
	backoffMin   time.Duration
	backoffMax   time.Duration
	logger       *logger.Logger

	processed       atomic.Int64
	failed          atomic.Int64
	transportErrors atomic.Int64
	abandoned       atomic.Int64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewWorker creates a new worker instance
func NewWorker(source Source, exec ExecFunc, config Config) *Worker {
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	if config.PollInterval == 0 {
		config.PollInterval = 3 * time.Second
	}
	if config.BackoffMin == 0 {
		config.BackoffMin = 5 * time.Second
	}
	if config.BackoffMax == 0 {
		config.BackoffMax = time.Minute
	}
	if config.ID == "" {
		config.ID = fmt.Sprintf("worker-%d", time.Now().UnixNano())
	}
	if config.Logger == nil {
		config.Logger = logger.Component("worker")
	}

	return &Worker{
		id:           config.ID,
		source:       source,
		exec:         exec,
		concurrency:  config.Concurrency,
		pollInterval: config.PollInterval,
		execTimeout:  config.ExecTimeout,
		backoffMin:   config.BackoffMin,
		backoffMax:   config.BackoffMax,
		logger:       config.Logger.WithComponent(config.ID),
	}
}

// Run claims and executes tasks until ctx is cancelled
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Starting worker", logger.Fields{
		"concurrency":   w.concurrency,
		"poll_interval": w.pollInterval.String(),
	})

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		slot := i
		g.Go(func() error {
			w.loop(ctx, slot)
			return nil
		})
	}
	err := g.Wait()

	s := w.Stats()
	w.logger.Info("Worker stopped", logger.Fields{
		"processed":        s.Processed,
		"failed":           s.Failed,
		"transport_errors": s.TransportErrors,
	})
	return err
}

// Start runs the worker in the background
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("worker %s is already running", w.id)
	}

	ctx, cancel := context.WithCancel(ctx)
	w.running = true
	w.cancel = cancel
	w.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		_ = w.Run(ctx)
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}(w.done)
	return nil
}

// Stop cancels a worker started with Start and waits for in-flight work
func (w *Worker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("worker %s is not running", w.id)
	}
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	cancel()
	<-done
	return nil
}

// IsRunning returns whether the worker is currently running
func (w *Worker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Stats returns worker statistics
func (w *Worker) Stats() Stats {
	return Stats{
		Processed:       w.processed.Load(),
		Failed:          w.failed.Load(),
		TransportErrors: w.transportErrors.Load(),
		Abandoned:       w.abandoned.Load(),
	}
}

// ID returns the worker's identifier
func (w *Worker) ID() string {
	return w.id
}

func (w *Worker) newBackoff() *backoff.Backoff {
	return &backoff.Backoff{
		Min:    w.backoffMin,
		Max:    w.backoffMax,
		Factor: 2,
		Jitter: true,
	}
}

// loop is one claim loop; it only returns on cancellation
func (w *Worker) loop(ctx context.Context, slot int) {
	b := w.newBackoff()

	for ctx.Err() == nil {
		q, err := w.source.Next(ctx)
		switch {
		case errors.Is(err, client.ErrNoTask):
			b.Reset()
			sleep(ctx, w.pollInterval)
			continue
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			w.transportErrors.Add(1)
			d := b.Duration()
			w.logger.Warn("Failed to claim task", logger.Fields{
				"slot":  slot,
				"error": err.Error(),
				"retry": d.String(),
			})
			sleep(ctx, d)
			continue
		}

		b.Reset()
		w.handle(ctx, q)
	}
}

// handle executes one claimed task and reports the outcome
func (w *Worker) handle(ctx context.Context, q *task.Query) {
	w.logger.Info("Picked up task", logger.Fields{
		"task_id": q.TaskID,
		"top_k":   q.TopK,
	})

	start := time.Now()
	records, err := w.execute(ctx, q)

	errMsg := ""
	if err != nil {
		errMsg = ExecErrorPrefix + err.Error()
		w.failed.Add(1)
		w.logger.Warn("Task execution failed", logger.Fields{
			"task_id":  q.TaskID,
			"error":    err.Error(),
			"duration": time.Since(start).String(),
		})
	}

	if !w.submit(ctx, q.TaskID, records, errMsg) {
		return
	}
	if err == nil {
		w.processed.Add(1)
		w.logger.Info("Task completed", logger.Fields{
			"task_id":  q.TaskID,
			"records":  len(records),
			"duration": time.Since(start).String(),
		})
	}
}

// execute runs the work function, turning panics and timeouts into errors
func (w *Worker) execute(ctx context.Context, q *task.Query) (records []task.Record, err error) {
	if w.execTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.execTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			records = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	records, err = w.exec(ctx, *q)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("timed out after %v: %w", w.execTimeout, err)
	}
	return records, err
}

// submit reports a result, retrying transport failures. The attempt runs
// even if ctx is already cancelled so a task interrupted by shutdown is
// still reported once. It returns false when the result was not accepted.
func (w *Worker) submit(ctx context.Context, taskID string, records []task.Record, errMsg string) bool {
	b := w.newBackoff()
	attemptCtx := context.WithoutCancel(ctx)

	for {
		err := w.source.SubmitResult(attemptCtx, taskID, records, errMsg)
		if err == nil {
			return true
		}

		var apiErr *client.APIError
		if errors.As(err, &apiErr) && !apiErr.Temporary() {
			w.abandoned.Add(1)
			w.logger.Warn("Server rejected result, abandoning task", logger.Fields{
				"task_id": taskID,
				"status":  apiErr.StatusCode,
				"code":    apiErr.Code,
			})
			return false
		}

		w.transportErrors.Add(1)
		if ctx.Err() != nil {
			w.logger.Error("Result not delivered before shutdown", logger.Fields{
				"task_id": taskID,
				"error":   err.Error(),
			})
			return false
		}

		d := b.Duration()
		w.logger.Warn("Failed to submit result", logger.Fields{
			"task_id": taskID,
			"error":   err.Error(),
			"retry":   d.String(),
		})
		sleep(ctx, d)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
