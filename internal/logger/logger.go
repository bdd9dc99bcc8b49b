package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// Level represents logging level
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	FATAL
)

var levelNames = map[Level]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
	FATAL: "FATAL",
}

var levelColors = map[Level]*color.Color{
	DEBUG: color.New(color.FgCyan),
	INFO:  color.New(color.FgGreen),
	WARN:  color.New(color.FgYellow),
	ERROR: color.New(color.FgRed),
	FATAL: color.New(color.FgMagenta, color.Bold),
}

// Logger provides structured logging capabilities
type Logger struct {
	mu          *sync.Mutex
	level       Level
	output      io.Writer
	component   string
	format      string // "text" or "json"
	colorOutput bool
}

// Fields represents structured logging fields
type Fields map[string]interface{}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Init initializes the default logger
func Init(level, format string, component string) {
	once.Do(func() {
		defaultLogger = New(level, format, component)
	})
}

// New creates a new logger instance writing to stderr
func New(levelStr, format, component string) *Logger {
	return &Logger{
		mu:          &sync.Mutex{},
		level:       parseLevel(levelStr),
		output:      os.Stderr,
		component:   component,
		format:      format,
		colorOutput: format == "text" && isTerminal(os.Stderr),
	}
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *Logger {
	l := New("fatal", "text", "")
	l.output = io.Discard
	l.colorOutput = false
	return l
}

// SetOutput redirects the logger and disables color codes for non-terminals
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
	if f, ok := w.(*os.File); ok {
		l.colorOutput = l.format == "text" && isTerminal(f)
	} else {
		l.colorOutput = false
	}
}

// WithComponent creates a new logger with a specific component name.
// The returned logger shares the parent's output lock.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		mu:          l.mu,
		level:       l.level,
		output:      l.output,
		component:   component,
		format:      l.format,
		colorOutput: l.colorOutput,
	}
}

// Enabled reports whether messages at lvl would be written
func (l *Logger) Enabled(lvl Level) bool {
	return lvl >= l.level
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, fields ...Fields) {
	l.log(DEBUG, msg, mergeFields(fields...))
}

// Info logs an info message
func (l *Logger) Info(msg string, fields ...Fields) {
	l.log(INFO, msg, mergeFields(fields...))
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, fields ...Fields) {
	l.log(WARN, msg, mergeFields(fields...))
}

// Error logs an error message
func (l *Logger) Error(msg string, fields ...Fields) {
	l.log(ERROR, msg, mergeFields(fields...))
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(msg string, fields ...Fields) {
	l.log(FATAL, msg, mergeFields(fields...))
	os.Exit(1)
}

func (l *Logger) log(level Level, msg string, fields Fields) {
	if level < l.level {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")

	if l.format == "json" {
		l.logJSON(timestamp, level, msg, fields)
	} else {
		l.logText(timestamp, level, msg, fields)
	}
}

// logText writes: [TIMESTAMP] LEVEL [COMPONENT] message key=value ...
func (l *Logger) logText(timestamp string, level Level, msg string, fields Fields) {
	var output strings.Builder

	levelStr := fmt.Sprintf("%-5s", levelNames[level])
	if l.colorOutput {
		levelStr = levelColors[level].Sprint(levelStr)
	}
	fmt.Fprintf(&output, "[%s] %s", timestamp, levelStr)

	if l.component != "" {
		fmt.Fprintf(&output, " [%s]", l.component)
	}

	output.WriteString(" ")
	output.WriteString(msg)

	for _, k := range sortedKeys(fields) {
		fmt.Fprintf(&output, " %s=%v", k, fields[k])
	}

	output.WriteString("\n")
	fmt.Fprint(l.output, output.String())
}

func (l *Logger) logJSON(timestamp string, level Level, msg string, fields Fields) {
	entry := make(map[string]interface{}, len(fields)+5)
	for k, v := range fields {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		entry[k] = v
	}
	entry["timestamp"] = timestamp
	entry["level"] = levelNames[level]
	entry["message"] = msg
	if l.component != "" {
		entry["component"] = l.component
	}

	// Caller info for errors and above
	if level >= ERROR {
		if _, file, line, ok := runtime.Caller(3); ok {
			entry["caller"] = fmt.Sprintf("%s:%d", file, line)
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		data, _ = json.Marshal(map[string]string{
			"timestamp": timestamp,
			"level":     levelNames[level],
			"message":   msg,
			"log_error": err.Error(),
		})
	}
	l.output.Write(append(data, '\n'))
}

// parseLevel converts string to Level
func parseLevel(levelStr string) Level {
	switch strings.ToUpper(levelStr) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO
	}
}

// ValidLevel reports whether s names a known level
func ValidLevel(s string) bool {
	switch strings.ToUpper(s) {
	case "DEBUG", "INFO", "WARN", "WARNING", "ERROR", "FATAL":
		return true
	}
	return false
}

// mergeFields combines multiple Fields maps
func mergeFields(fields ...Fields) Fields {
	if len(fields) == 0 {
		return Fields{}
	}

	result := Fields{}
	for _, f := range fields {
		for k, v := range f {
			result[k] = v
		}
	}
	return result
}

func sortedKeys(fields Fields) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Default logger convenience functions
func Debug(msg string, fields ...Fields) {
	if defaultLogger != nil {
		defaultLogger.Debug(msg, fields...)
	} else {
		log.Printf("[DEBUG] %s", msg)
	}
}

func Info(msg string, fields ...Fields) {
	if defaultLogger != nil {
		defaultLogger.Info(msg, fields...)
	} else {
		log.Printf("[INFO] %s", msg)
	}
}

func Warn(msg string, fields ...Fields) {
	if defaultLogger != nil {
		defaultLogger.Warn(msg, fields...)
	} else {
		log.Printf("[WARN] %s", msg)
	}
}

func Error(msg string, fields ...Fields) {
	if defaultLogger != nil {
		defaultLogger.Error(msg, fields...)
	} else {
		log.Printf("[ERROR] %s", msg)
	}
}

// GetDefault returns the default logger
func GetDefault() *Logger {
	return defaultLogger
}

// Component returns the default logger scoped to component, creating an
// info/text logger when Init was never called.
func Component(component string) *Logger {
	if defaultLogger != nil {
		return defaultLogger.WithComponent(component)
	}
	return New("info", "text", component)
}
