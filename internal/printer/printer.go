package printer

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/farhan-ahmed1/tether/internal/registry"
	"github.com/farhan-ahmed1/tether/internal/task"
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
	faint  = color.New(color.Faint)

	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// SetOutput redirects printer output, mostly for tests
func SetOutput(out, errOut io.Writer) {
	stdout = out
	stderr = errOut
}

// Success prints a success message in green with a checkmark prefix
func Success(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "✓") {
		msg = "✓ " + msg
	}
	green.Fprint(stdout, msg)
}

// Info prints an informational message in the default color
func Info(format string, a ...any) {
	fmt.Fprintf(stdout, format, a...)
}

// Warning prints a warning message in yellow
func Warning(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "⚠️") {
		msg = "⚠️  " + msg
	}
	yellow.Fprint(stdout, msg)
}

// Step prints a step message with emphasis
func Step(format string, a ...any) {
	cyan.Fprintf(stdout, "→ %s", fmt.Sprintf(format, a...))
}

// Error prints a title, explanation and suggestions to stderr and returns
// an error carrying only the title, for Cobra
func Error(title string, explanation string, suggestions []string) error {
	return ErrorWithContext(title, explanation, nil, suggestions)
}

// ErrorWithContext is Error plus key/value details, printed in key order
func ErrorWithContext(title string, explanation string, context map[string]string, suggestions []string) error {
	red.Fprintf(stderr, "%s\n\n", title)

	if explanation != "" {
		fmt.Fprintf(stderr, "%s\n", explanation)
	}

	if len(context) > 0 {
		keys := make([]string, 0, len(context))
		for k := range context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		fmt.Fprintf(stderr, "\n")
		for _, k := range keys {
			fmt.Fprintf(stderr, "  %s: %s\n", k, context[k])
		}
	}

	if len(suggestions) > 0 {
		fmt.Fprintf(stderr, "\n")
		if len(suggestions) == 1 {
			fmt.Fprintf(stderr, "%s\n", suggestions[0])
		} else {
			fmt.Fprintf(stderr, "Either:\n")
			for i, suggestion := range suggestions {
				fmt.Fprintf(stderr, "  %d. %s\n", i+1, suggestion)
			}
		}
	}

	return fmt.Errorf("%s", title)
}

// Summary prints per-status counts on one line
func Summary(s registry.Summary) {
	fmt.Fprintf(stdout, "total %d  ", s.Total)
	statusColor(task.StatusQueued).Fprintf(stdout, "queued %d  ", s.Queued)
	statusColor(task.StatusRunning).Fprintf(stdout, "running %d  ", s.Running)
	statusColor(task.StatusDone).Fprintf(stdout, "done %d  ", s.Done)
	statusColor(task.StatusFailed).Fprintf(stdout, "failed %d\n", s.Failed)
}

// TaskTable prints one row per task in the given order
func TaskTable(tasks []task.Task) {
	if len(tasks) == 0 {
		faint.Fprintln(stdout, "no tasks")
		return
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tTOP_K\tCREATED\tQUERY\tERROR")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			t.ID,
			t.Status,
			t.TopK,
			t.CreatedAt.Local().Format(time.DateTime),
			truncate(t.Query, 48),
			truncate(t.Error, 48),
		)
	}
	_ = tw.Flush()
}

func statusColor(s task.Status) *color.Color {
	switch s {
	case task.StatusRunning:
		return cyan
	case task.StatusDone:
		return green
	case task.StatusFailed:
		return red
	default:
		return yellow
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
