package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/farhan-ahmed1/tether/internal/task"
)

// ErrAlreadySaved is returned when a task's results were persisted before
var ErrAlreadySaved = errors.New("results already saved")

// Sink persists the records of completed tasks. Writes are best effort;
// the registry stays the source of truth.
type Sink interface {
	// Save writes the records of taskID at most once
	Save(ctx context.Context, taskID string, records []task.Record) error

	// Close releases resources
	Close() error
}

// Loader reads back records a sink persisted
type Loader interface {
	Load(ctx context.Context, taskID string) ([]task.Record, error)
}

// MultiSink fans a save out to several sinks
type MultiSink struct {
	sinks []Sink
}

// Multi combines sinks. Every sink is attempted even if an earlier one fails.
func Multi(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// Save writes to every sink and aggregates failures
func (m *MultiSink) Save(ctx context.Context, taskID string, records []task.Record) error {
	var result *multierror.Error
	for _, s := range m.sinks {
		if err := s.Save(ctx, taskID, records); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Close closes every sink
func (m *MultiSink) Close() error {
	var result *multierror.Error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Load returns the records from the first combined sink that has them
func (m *MultiSink) Load(ctx context.Context, taskID string) ([]task.Record, error) {
	var result *multierror.Error
	for _, s := range m.sinks {
		l, ok := s.(Loader)
		if !ok {
			continue
		}
		records, err := l.Load(ctx, taskID)
		if err == nil {
			return records, nil
		}
		if !errors.Is(err, ErrResultNotFound) {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s", ErrResultNotFound, taskID)
}
