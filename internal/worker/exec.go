package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/farhan-ahmed1/tether/internal/task"
)

const (
	stderrTail = 512
	waitDelay  = 2 * time.Second
)

// CommandExec runs an external program per task. The program reads the
// task descriptor as JSON on stdin and writes one JSON record per line.
func CommandExec(name string, args ...string) ExecFunc {
	return func(ctx context.Context, q task.Query) ([]task.Record, error) {
		input, err := json.Marshal(q)
		if err != nil {
			return nil, err
		}

		var stdout, stderr bytes.Buffer
		cmd := exec.CommandContext(ctx, name, args...)
		cmd.Stdin = bytes.NewReader(input)
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		cmd.WaitDelay = waitDelay

		if err := cmd.Run(); err != nil {
			if tail := tailString(stderr.String(), stderrTail); tail != "" {
				return nil, fmt.Errorf("%s: %w: %s", name, err, tail)
			}
			return nil, fmt.Errorf("%s: %w", name, err)
		}

		records, err := task.DecodeJSONL(stdout.Bytes())
		if err != nil {
			return nil, fmt.Errorf("%s output: %w", name, err)
		}
		return records, nil
	}
}

func tailString(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		s = s[len(s)-n:]
	}
	return s
}
