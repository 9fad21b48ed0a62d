// Package logger provides the levelled logger used by execd.
//
// Messages carry optional key=value fields; the dispatcher attaches the run
// token and host label so one run can be followed across goroutines.
package logger

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

// LogLevel represents the log level
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel parses a string to LogLevel, defaulting to INFO.
func ParseLogLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorGreen  = "\033[32m"
	colorGray   = "\033[90m"
)

var levelStyle = map[LogLevel]struct{ label, color string }{
	DEBUG: {"DEBUG", colorGray},
	INFO:  {"INFO ", colorGreen},
	WARN:  {"WARN ", colorYellow},
	ERROR: {"ERROR", colorRed},
}

// Config holds logger configuration
type Config struct {
	Level    string
	Output   string // "stdout", "stderr", or file path
	NoColor  bool
	ShowTime bool
}

// Logger writes one line per message. It is safe for concurrent use.
type Logger struct {
	mu       sync.Mutex
	level    LogLevel
	output   io.Writer
	closer   io.Closer
	noColor  bool
	showTime bool
}

// New creates a logger from cfg. A nil cfg logs INFO to stdout.
func New(cfg *Config) *Logger {
	if cfg == nil {
		cfg = &Config{}
	}
	l := &Logger{
		level:    ParseLogLevel(cfg.Level),
		output:   os.Stdout,
		noColor:  cfg.NoColor,
		showTime: cfg.ShowTime,
	}

	switch cfg.Output {
	case "", "stdout":
	case "stderr":
		l.output = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			l.output = f
			l.closer = f
			l.noColor = true
			l.showTime = true
		}
	}

	if !l.noColor {
		if f, ok := l.output.(*os.File); ok {
			l.noColor = !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd())
		}
	}
	return l
}

// NewWithLevel creates a stdout logger with the given level.
func NewWithLevel(level string) *Logger {
	return New(&Config{Level: level})
}

// Discard returns a logger that drops everything; used by tests.
func Discard() *Logger {
	return &Logger{level: ERROR + 1, output: io.Discard, noColor: true}
}

// SetLevel sets the log level
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// SetOutput sets the output writer
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}

// Close releases a log file opened by New.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closer == nil {
		return nil
	}
	err := l.closer.Close()
	l.closer = nil
	l.output = io.Discard
	return err
}

func (l *Logger) enabled(level LogLevel) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return level >= l.level
}

func (l *Logger) write(level LogLevel, fields string, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level < l.level {
		return
	}

	style := levelStyle[level]
	var b strings.Builder
	if l.showTime {
		b.WriteString(time.Now().Format("2006-01-02 15:04:05"))
		b.WriteByte(' ')
	}
	if l.noColor {
		fmt.Fprintf(&b, "[%s] ", style.label)
	} else {
		fmt.Fprintf(&b, "[%s%s%s] ", style.color, style.label, colorReset)
	}
	if fields != "" {
		b.WriteString(fields)
		b.WriteByte(' ')
	}
	b.WriteString(msg)
	b.WriteByte('\n')
	io.WriteString(l.output, b.String())
}

func (l *Logger) log(level LogLevel, format string, args ...interface{}) {
	if !l.enabled(level) {
		return
	}
	l.write(level, "", fmt.Sprintf(format, args...))
}

func (l *Logger) Debug(format string, args ...interface{}) { l.log(DEBUG, format, args...) }
func (l *Logger) Info(format string, args ...interface{})  { l.log(INFO, format, args...) }
func (l *Logger) Warn(format string, args ...interface{})  { l.log(WARN, format, args...) }
func (l *Logger) Error(format string, args ...interface{}) { l.log(ERROR, format, args...) }

// WithField returns a log entry with fields
func (l *Logger) WithField(key string, value interface{}) *Entry {
	return &Entry{logger: l, fields: map[string]interface{}{key: value}}
}

// WithFields returns a log entry with multiple fields
func (l *Logger) WithFields(fields map[string]interface{}) *Entry {
	copied := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return &Entry{logger: l, fields: copied}
}

// Entry is a logger bound to a set of fields.
type Entry struct {
	logger *Logger
	fields map[string]interface{}
}

// WithField returns a new entry with one more field.
func (e *Entry) WithField(key string, value interface{}) *Entry {
	fields := make(map[string]interface{}, len(e.fields)+1)
	for k, v := range e.fields {
		fields[k] = v
	}
	fields[key] = value
	return &Entry{logger: e.logger, fields: fields}
}

func (e *Entry) Debug(format string, args ...interface{}) { e.log(DEBUG, format, args...) }
func (e *Entry) Info(format string, args ...interface{})  { e.log(INFO, format, args...) }
func (e *Entry) Warn(format string, args ...interface{})  { e.log(WARN, format, args...) }
func (e *Entry) Error(format string, args ...interface{}) { e.log(ERROR, format, args...) }

func (e *Entry) log(level LogLevel, format string, args ...interface{}) {
	if !e.logger.enabled(level) {
		return
	}
	keys := make([]string, 0, len(e.fields))
	for k := range e.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, e.fields[k]))
	}
	e.logger.write(level, strings.Join(parts, " "), fmt.Sprintf(format, args...))
}

var (
	stdMu sync.RWMutex
	std   = New(&Config{Level: "INFO"})
)

// SetDefault sets the package-level logger
func SetDefault(l *Logger) {
	stdMu.Lock()
	std = l
	stdMu.Unlock()
}

// Default returns the package-level logger.
func Default() *Logger {
	stdMu.RLock()
	defer stdMu.RUnlock()
	return std
}

func Debug(format string, args ...interface{}) { Default().Debug(format, args...) }
func Info(format string, args ...interface{})  { Default().Info(format, args...) }
func Warn(format string, args ...interface{})  { Default().Warn(format, args...) }
func Error(format string, args ...interface{}) { Default().Error(format, args...) }
