package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/farhan-ahmed1/tether/internal/task"
)

// FileSink writes one <taskID>.jsonl file per completed task
type FileSink struct {
	dir string
}

// NewFileSink creates dir if needed
func NewFileSink(dir string) (*FileSink, error) {
	if dir == "" {
		return nil, fmt.Errorf("output directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

// Path returns where the records of taskID are written
func (fs *FileSink) Path(taskID string) string {
	return filepath.Join(fs.dir, taskID+".jsonl")
}

// Save writes records one JSON value per line. The file is created
// exclusively, so a task is written at most once.
func (fs *FileSink) Save(ctx context.Context, taskID string, records []task.Record) error {
	if taskID == "" || strings.ContainsAny(taskID, `/\`) || taskID == "." || taskID == ".." {
		return fmt.Errorf("invalid task ID %q", taskID)
	}

	data, err := task.EncodeJSONL(records)
	if err != nil {
		return fmt.Errorf("failed to encode results: %w", err)
	}

	// The directory may have been removed since startup
	if err := os.MkdirAll(fs.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	f, err := os.OpenFile(fs.Path(taskID), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, os.ErrExist) {
		return fmt.Errorf("%w: %s", ErrAlreadySaved, taskID)
	}
	if err != nil {
		return fmt.Errorf("failed to create result file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write result file: %w", err)
	}
	return f.Close()
}

// Close is a no-op
func (fs *FileSink) Close() error {
	return nil
}
