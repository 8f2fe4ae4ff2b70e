package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Level represents log severity levels
type Level int32

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	FATAL
)

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

// ParseLevel converts a string to a Level, INFO when unknown
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG
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

// redacted replaces values of credential-like keys
const redacted = "[REDACTED]"

var sensitiveKeys = []string{"api_key", "apikey", "secret", "password", "token", "signature"}

func isSensitive(key string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// LogEntry is one structured log line
type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Component string                 `json:"component,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
	File      string                 `json:"file,omitempty"`
	Line      int                    `json:"line,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Duration  string                 `json:"duration,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// sink is shared by a logger and all loggers derived from it
type sink struct {
	mu          sync.Mutex
	out         io.Writer
	level       atomic.Int32
	includeFile bool
	jsonFormat  bool
}

// Logger is a structured logger. Derived loggers share the output and level
// of their parent.
type Logger struct {
	sink      *sink
	component string
	traceID   string
	errText   string
	duration  time.Duration
	fields    map[string]interface{}
}

// Config holds logger configuration
type Config struct {
	Level       string    `json:"level"`
	Output      string    `json:"output"`       // "stdout", "stderr", or file path
	Component   string    `json:"component"`
	IncludeFile bool      `json:"include_file"` // Include file and line number
	JSONFormat  bool      `json:"json_format"`  // Output as JSON
	Writer      io.Writer `json:"-"`            // Overrides Output when set
}

var (
	defaultMu     sync.RWMutex
	defaultLogger *Logger
)

// New creates a new logger with the given configuration. An unwritable
// output file falls back to stderr.
func New(cfg *Config) *Logger {
	var out io.Writer = os.Stdout
	switch {
	case cfg.Writer != nil:
		out = cfg.Writer
	case cfg.Output == "stderr":
		out = os.Stderr
	case cfg.Output != "" && cfg.Output != "stdout":
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logging: cannot open %s, using stderr: %v\n", cfg.Output, err)
			out = os.Stderr
		} else {
			out = file
		}
	}

	s := &sink{out: out, includeFile: cfg.IncludeFile, jsonFormat: cfg.JSONFormat}
	s.level.Store(int32(ParseLevel(cfg.Level)))
	return &Logger{sink: s, component: cfg.Component}
}

// Default returns the process logger
func Default() *Logger {
	defaultMu.RLock()
	l := defaultLogger
	defaultMu.RUnlock()
	if l != nil {
		return l
	}

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = New(&Config{Level: "INFO", Component: "signal-executor", JSONFormat: true})
	}
	return defaultLogger
}

// SetDefault replaces the process logger
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

// Discard returns a logger that drops everything, for tests
func Discard() *Logger {
	return New(&Config{Level: "FATAL", Writer: io.Discard})
}

// Level returns the minimum level this logger writes
func (l *Logger) Level() Level {
	return Level(l.sink.level.Load())
}

// WithComponent returns a new logger with the specified component
func (l *Logger) WithComponent(component string) *Logger {
	c := l.clone()
	c.component = component
	return c
}

// WithTraceID returns a new logger with the specified trace ID
func (l *Logger) WithTraceID(traceID string) *Logger {
	c := l.clone()
	c.traceID = traceID
	return c
}

// WithField returns a new logger with an additional field
func (l *Logger) WithField(key string, value interface{}) *Logger {
	c := l.clone()
	c.fields[key] = value
	return c
}

// WithFields returns a new logger with additional fields
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	c := l.clone()
	for k, v := range fields {
		c.fields[k] = v
	}
	return c
}

// WithError returns a new logger carrying err in the error slot
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	c := l.clone()
	c.errText = err.Error()
	return c
}

// WithDuration returns a new logger carrying an elapsed time
func (l *Logger) WithDuration(d time.Duration) *Logger {
	c := l.clone()
	c.duration = d
	return c
}

func (l *Logger) clone() *Logger {
	fields := make(map[string]interface{}, len(l.fields)+1)
	for k, v := range l.fields {
		fields[k] = v
	}
	return &Logger{
		sink:      l.sink,
		component: l.component,
		traceID:   l.traceID,
		errText:   l.errText,
		duration:  l.duration,
		fields:    fields,
	}
}

// log writes one entry. args are key-value pairs; a dangling key is kept
// under !BADKEY. The "error" key fills the entry's error slot.
func (l *Logger) log(level Level, msg string, args ...interface{}) {
	if level < l.Level() {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level.String(),
		Message:   msg,
		Component: l.component,
		TraceID:   l.traceID,
		Error:     l.errText,
	}
	if l.duration > 0 {
		entry.Duration = l.duration.String()
	}

	fields := make(map[string]interface{}, len(l.fields)+len(args)/2)
	for k, v := range l.fields {
		fields[k] = v
	}
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok || i+1 >= len(args) {
			fields["!BADKEY"] = args[i]
			i--
			continue
		}
		fields[key] = args[i+1]
	}

	for k, v := range fields {
		switch {
		case isSensitive(k):
			fields[k] = redacted
		case k == "error":
			if err, ok := v.(error); ok && err != nil {
				entry.Error = err.Error()
			} else if v != nil {
				entry.Error = fmt.Sprint(v)
			}
			delete(fields, k)
		default:
			if err, ok := v.(error); ok && err != nil {
				fields[k] = err.Error()
			}
		}
	}
	if len(fields) > 0 {
		entry.Fields = fields
	}

	if l.sink.includeFile {
		if _, file, line, ok := runtime.Caller(2); ok {
			entry.File = filepath.Base(file)
			entry.Line = line
		}
	}

	var line []byte
	if l.sink.jsonFormat {
		data, err := json.Marshal(entry)
		if err != nil {
			data = []byte(fmt.Sprintf(`{"level":"ERROR","message":"unencodable log entry: %s"}`, err))
		}
		line = append(data, '\n')
	} else {
		line = []byte(formatText(entry))
	}

	l.sink.mu.Lock()
	_, _ = l.sink.out.Write(line)
	l.sink.mu.Unlock()
}

// formatText renders "2006-01-02T15:04:05 [INFO ] [component] {trace} msg | k=v, ... error=..."
func formatText(entry LogEntry) string {
	var b strings.Builder

	ts := entry.Timestamp
	if len(ts) > 19 {
		ts = ts[:19]
	}
	b.WriteString(ts)
	fmt.Fprintf(&b, " [%-5s] ", entry.Level)

	if entry.Component != "" {
		fmt.Fprintf(&b, "[%s] ", entry.Component)
	}
	if entry.TraceID != "" {
		short := entry.TraceID
		if len(short) > 8 {
			short = short[:8]
		}
		fmt.Fprintf(&b, "{%s} ", short)
	}
	b.WriteString(entry.Message)

	if len(entry.Fields) > 0 {
		keys := make([]string, 0, len(entry.Fields))
		for k := range entry.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" |")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(",")
			}
			fmt.Fprintf(&b, " %s=%v", k, entry.Fields[k])
		}
	}
	if entry.Duration != "" {
		fmt.Fprintf(&b, " duration=%s", entry.Duration)
	}
	if entry.Error != "" {
		fmt.Fprintf(&b, " error=%q", entry.Error)
	}
	if entry.File != "" {
		fmt.Fprintf(&b, " (%s:%d)", entry.File, entry.Line)
	}
	b.WriteByte('\n')
	return b.String()
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, args ...interface{}) {
	l.log(DEBUG, msg, args...)
}

// Info logs an info message
func (l *Logger) Info(msg string, args ...interface{}) {
	l.log(INFO, msg, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, args ...interface{}) {
	l.log(WARN, msg, args...)
}

// Error logs an error message
func (l *Logger) Error(msg string, args ...interface{}) {
	l.log(ERROR, msg, args...)
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(msg string, args ...interface{}) {
	l.log(FATAL, msg, args...)
	os.Exit(1)
}
