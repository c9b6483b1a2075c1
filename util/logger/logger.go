package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"
)

// LogLevel represents the logging level
type LogLevel int32

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
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
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a config string such as "debug" or "WARN" into a LogLevel.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG, nil
	case "", "INFO":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	case "FATAL":
		return FATAL, nil
	default:
		return INFO, fmt.Errorf("unknown log level %q", s)
	}
}

var (
	defaultLevel  atomic.Int32
	defaultOutput atomic.Pointer[io.Writer]
)

func init() {
	defaultLevel.Store(int32(INFO))
}

// SetDefaultLevel sets the level for loggers created after the call.
func SetDefaultLevel(level LogLevel) {
	defaultLevel.Store(int32(level))
}

// SetDefaultOutput redirects loggers created after the call. Nil restores stdout.
func SetDefaultOutput(w io.Writer) {
	if w == nil {
		defaultOutput.Store(nil)
		return
	}
	defaultOutput.Store(&w)
}

// Logger represents a logger with configurable log level
type Logger struct {
	level  atomic.Int32
	prefix string
	logger *log.Logger
}

// NewLogger creates a new Logger using the process default level and output
func NewLogger(prefix string) *Logger {
	var out io.Writer = os.Stdout
	if w := defaultOutput.Load(); w != nil {
		out = *w
	}
	l := &Logger{
		prefix: prefix,
		logger: log.New(out, "", 0),
	}
	l.level.Store(defaultLevel.Load())
	return l
}

// Named returns a child logger whose prefix is "parent/name", sharing the parent's output.
func (l *Logger) Named(name string) *Logger {
	prefix := name
	if l.prefix != "" {
		prefix = l.prefix + "/" + name
	}
	child := &Logger{prefix: prefix, logger: l.logger}
	child.level.Store(l.level.Load())
	return child
}

// Prefix returns the logger prefix
func (l *Logger) Prefix() string {
	return l.prefix
}

// SetLevel sets the logging level
func (l *Logger) SetLevel(level LogLevel) {
	l.level.Store(int32(level))
}

// GetLevel returns the current logging level
func (l *Logger) GetLevel() LogLevel {
	return LogLevel(l.level.Load())
}

// SetOutput redirects this logger
func (l *Logger) SetOutput(w io.Writer) {
	l.logger.SetOutput(w)
}

// Enabled reports whether messages at level would be written
func (l *Logger) Enabled(level LogLevel) bool {
	return level >= l.GetLevel()
}

func (l *Logger) log(level LogLevel, format string, args ...interface{}) {
	if !l.Enabled(level) {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	prefix := fmt.Sprintf("[%s] [%s] [%s] ", timestamp, level.String(), l.prefix)

	l.logger.Print(prefix + fmt.Sprintf(format, args...))

	if level == FATAL {
		l.logger.Print(string(debug.Stack()))
		os.Exit(1)
	}
}

// Debugf logs a debug message
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.log(DEBUG, format, args...)
}

// Infof logs an info message
func (l *Logger) Infof(format string, args ...interface{}) {
	l.log(INFO, format, args...)
}

// Warnf logs a warning message
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.log(WARN, format, args...)
}

// Errorf logs an error message
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log(ERROR, format, args...)
}

// Fatalf logs a fatal message and exits the program
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.log(FATAL, format, args...)
}
