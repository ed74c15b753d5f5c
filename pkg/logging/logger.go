package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents log level
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	FATAL
)

// DefaultLogDir is where file loggers write when no explicit path is configured.
const DefaultLogDir = "/var/log/sandboxd"

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// sink is shared between a logger and every logger derived from it with
// WithField, so rotation and Close apply to all of them.
type sink struct {
	mu      sync.Mutex
	output  io.Writer
	logFile *os.File
	tee     io.Writer
}

// Logger provides structured logging with optional file output
type Logger struct {
	level      Level
	jsonFormat bool
	fields     map[string]interface{}
	component  string
	sink       *sink
	exit       func(int)
}

// NewLogger creates a logger writing to stdout
func NewLogger(level Level, jsonFormat bool) *Logger {
	return &Logger{
		level:      level,
		jsonFormat: jsonFormat,
		fields:     make(map[string]interface{}),
		sink:       &sink{output: os.Stdout},
		exit:       os.Exit,
	}
}

// NewFileLogger creates a logger that writes to path and tees to stderr.
// An empty path selects /var/log/sandboxd/<component>.log, falling back to
// ./logs/<component>.log when /var/log is not writable (the workload user
// usually cannot write there after privileges are dropped).
func NewFileLogger(component, path string, level Level, jsonFormat bool) (*Logger, error) {
	if path == "" {
		path = GetLogPath(component)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", filepath.Dir(path), err)
	}

	logFile, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}

	logger := &Logger{
		level:      level,
		jsonFormat: jsonFormat,
		fields:     map[string]interface{}{"component": component},
		component:  component,
		sink: &sink{
			output:  io.MultiWriter(logFile, os.Stderr),
			logFile: logFile,
			tee:     os.Stderr,
		},
		exit: os.Exit,
	}
	logger.Debug(fmt.Sprintf("Logger initialized: %s -> %s", component, path))
	return logger, nil
}

// SetOutput sets the output writer
func (l *Logger) SetOutput(w io.Writer) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.output = w
}

// LogEntry represents a structured log entry
type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

func (l *Logger) log(level Level, message string, fields map[string]interface{}) {
	if level < l.level {
		return
	}

	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}

	var line string
	if l.jsonFormat {
		entry := LogEntry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Level:     level.String(),
			Message:   message,
			Fields:    merged,
		}
		data, err := json.Marshal(entry)
		if err != nil {
			log.Printf("Failed to marshal log entry: %v", err)
			return
		}
		line = string(data)
	} else {
		var b strings.Builder
		fmt.Fprintf(&b, "[%s] %s: %s", time.Now().Format("2006-01-02 15:04:05"), level.String(), message)
		if len(merged) > 0 {
			keys := make([]string, 0, len(merged))
			for k := range merged {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(&b, " %s=%v", k, merged[k])
			}
		}
		line = b.String()
	}

	l.sink.mu.Lock()
	fmt.Fprintln(l.sink.output, line)
	l.sink.mu.Unlock()

	if level == FATAL {
		l.exit(1)
	}
}

func first(fields []map[string]interface{}) map[string]interface{} {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// Debug logs a debug message
func (l *Logger) Debug(message string, fields ...map[string]interface{}) {
	l.log(DEBUG, message, first(fields))
}

// Info logs an info message
func (l *Logger) Info(message string, fields ...map[string]interface{}) {
	l.log(INFO, message, first(fields))
}

// Warn logs a warning message
func (l *Logger) Warn(message string, fields ...map[string]interface{}) {
	l.log(WARN, message, first(fields))
}

// Error logs an error message
func (l *Logger) Error(message string, fields ...map[string]interface{}) {
	l.log(ERROR, message, first(fields))
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(message string, fields ...map[string]interface{}) {
	l.log(FATAL, message, first(fields))
}

// WithField returns a child logger carrying key=value on every entry
func (l *Logger) WithField(key string, value interface{}) *Logger {
	newFields := make(map[string]interface{}, len(l.fields)+1)
	for k, v := range l.fields {
		newFields[k] = v
	}
	newFields[key] = value
	return &Logger{
		level:      l.level,
		jsonFormat: l.jsonFormat,
		fields:     newFields,
		component:  l.component,
		sink:       l.sink,
		exit:       l.exit,
	}
}

// ParseLevel parses a log level string
func ParseLevel(level string) Level {
	switch strings.ToLower(level) {
	case "debug":
		return DEBUG
	case "info":
		return INFO
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	case "fatal":
		return FATAL
	default:
		return INFO
	}
}

// Close closes the log file if opened
func (l *Logger) Close() error {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	if l.sink.logFile == nil {
		return nil
	}
	err := l.sink.logFile.Close()
	l.sink.logFile = nil
	if l.sink.tee != nil {
		l.sink.output = l.sink.tee
	}
	return err
}

// RotateIfNeeded renames the log file to a timestamped backup once it
// exceeds maxSize bytes and reopens a fresh file at the same path.
func (l *Logger) RotateIfNeeded(maxSize int64) error {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	if l.sink.logFile == nil {
		return nil
	}

	info, err := l.sink.logFile.Stat()
	if err != nil {
		return err
	}
	if info.Size() <= maxSize {
		return nil
	}

	oldPath := l.sink.logFile.Name()
	l.sink.logFile.Close()

	backupPath := oldPath + "." + time.Now().Format("20060102-150405")
	if err := os.Rename(oldPath, backupPath); err != nil {
		return err
	}

	newFile, err := os.OpenFile(oldPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	l.sink.logFile = newFile
	if l.sink.tee != nil {
		l.sink.output = io.MultiWriter(newFile, l.sink.tee)
	} else {
		l.sink.output = newFile
	}
	return nil
}

// isWritable checks if directory is writable
func isWritable(path string) bool {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return false
	}
	testFile := filepath.Join(path, ".write_test")
	f, err := os.Create(testFile)
	if err != nil {
		return false
	}
	f.Close()
	os.Remove(testFile)
	return true
}

// GetLogPath returns the default log path for a component
func GetLogPath(component string) string {
	baseDir := DefaultLogDir
	if !isWritable(baseDir) {
		baseDir = "./logs"
	}
	return filepath.Join(baseDir, component+".log")
}
