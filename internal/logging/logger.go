// Package logging provides the logging interface and default implementations for PlexKV.
//
// The interface has five levels (Error, Warn, Info, Debug, Fatal). Callers can
// wrap their own structured loggers (slog, zap) by implementing Logger.
//
// Fatalf logs at FATAL level and calls the configured FatalHandler. It never
// exits the process; the DB wires the handler to reject further writes.
//
// Log format: YYYY/MM/DD HH:MM:SS LEVEL [component] message
//
// Example: 2026/10/16 18:45:13 INFO [compact] partition 3 compacted: 10 live keys
//
// Component namespace prefixes:
//   - [db]        general database operations
//   - [wal]       write-ahead log append, rotation, replay
//   - [segment]   log segment I/O
//   - [partition] partition lifecycle
//   - [compact]   compaction
//   - [recovery]  startup recovery scans
//   - [bloom]     bloom filter persistence and rebuilds
//   - [cache]     read cache
package logging

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"reflect"
	"sync/atomic"
)

// ErrFatal is the sentinel error wrapped by fatal conditions.
var ErrFatal = errors.New("fatal error")

// FatalHandler is called when Fatalf is invoked.
//
// Contract: FatalHandler must be safe for concurrent use and must not call Fatalf.
type FatalHandler func(msg string)

// Level represents the logging level.
type Level int32

const (
	// LevelError logs only errors.
	LevelError Level = iota
	// LevelWarn logs warnings and errors.
	LevelWarn
	// LevelInfo logs info, warnings, and errors.
	LevelInfo
	// LevelDebug logs everything including debug messages.
	LevelDebug
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a level name (case-sensitive upper or lower) to a Level.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "error", "ERROR":
		return LevelError, nil
	case "warn", "WARN", "warning", "WARNING":
		return LevelWarn, nil
	case "info", "INFO", "":
		return LevelInfo, nil
	case "debug", "DEBUG":
		return LevelDebug, nil
	default:
		return LevelInfo, fmt.Errorf("logging: unknown level %q", s)
	}
}

// Logger defines the interface for database logging.
//
// Implementations MUST be safe for concurrent use: partitions log from their
// own goroutines during recovery and compaction.
type Logger interface {
	// Errorf logs a formatted error message.
	Errorf(format string, args ...any)

	// Warnf logs a formatted warning message.
	Warnf(format string, args ...any)

	// Infof logs a formatted informational message.
	Infof(format string, args ...any)

	// Debugf logs a formatted debug message.
	Debugf(format string, args ...any)

	// Fatalf logs a fatal error and triggers the fatal handler.
	Fatalf(format string, args ...any)
}

// DefaultLogger writes to an io.Writer through a log.Logger.
type DefaultLogger struct {
	logger       *log.Logger
	level        atomic.Int32
	fatalHandler atomic.Pointer[FatalHandler]
}

// NewDefaultLogger creates a logger writing to stderr.
func NewDefaultLogger(level Level) *DefaultLogger {
	return NewLogger(os.Stderr, level)
}

// NewLogger creates a logger with the specified output and level.
func NewLogger(w io.Writer, level Level) *DefaultLogger {
	l := &DefaultLogger{logger: log.New(w, "", log.LstdFlags)}
	l.level.Store(int32(level))
	return l
}

// SetFatalHandler sets the handler called when Fatalf is invoked.
func (l *DefaultLogger) SetFatalHandler(h FatalHandler) {
	l.fatalHandler.Store(&h)
}

// SetLevel changes the logging level.
func (l *DefaultLogger) SetLevel(level Level) {
	l.level.Store(int32(level))
}

// Level returns the logging level.
func (l *DefaultLogger) Level() Level {
	return Level(l.level.Load())
}

func (l *DefaultLogger) enabled(level Level) bool {
	return Level(l.level.Load()) >= level
}

// Error logs an error message.
func (l *DefaultLogger) Error(msg string) {
	if l.enabled(LevelError) {
		_ = l.logger.Output(2, "ERROR "+msg)
	}
}

// Errorf logs a formatted error message.
func (l *DefaultLogger) Errorf(format string, args ...any) {
	if l.enabled(LevelError) {
		_ = l.logger.Output(2, "ERROR "+fmt.Sprintf(format, args...))
	}
}

// Warn logs a warning message.
func (l *DefaultLogger) Warn(msg string) {
	if l.enabled(LevelWarn) {
		_ = l.logger.Output(2, "WARN "+msg)
	}
}

// Warnf logs a formatted warning message.
func (l *DefaultLogger) Warnf(format string, args ...any) {
	if l.enabled(LevelWarn) {
		_ = l.logger.Output(2, "WARN "+fmt.Sprintf(format, args...))
	}
}

// Info logs an informational message.
func (l *DefaultLogger) Info(msg string) {
	if l.enabled(LevelInfo) {
		_ = l.logger.Output(2, "INFO "+msg)
	}
}

// Infof logs a formatted informational message.
func (l *DefaultLogger) Infof(format string, args ...any) {
	if l.enabled(LevelInfo) {
		_ = l.logger.Output(2, "INFO "+fmt.Sprintf(format, args...))
	}
}

// Debug logs a debug message.
func (l *DefaultLogger) Debug(msg string) {
	if l.enabled(LevelDebug) {
		_ = l.logger.Output(2, "DEBUG "+msg)
	}
}

// Debugf logs a formatted debug message.
func (l *DefaultLogger) Debugf(format string, args ...any) {
	if l.enabled(LevelDebug) {
		_ = l.logger.Output(2, "DEBUG "+fmt.Sprintf(format, args...))
	}
}

// Fatalf logs a fatal error and triggers the fatal handler.
// Fatal messages are never filtered by level.
func (l *DefaultLogger) Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	_ = l.logger.Output(2, "FATAL "+msg)

	if h := l.fatalHandler.Load(); h != nil {
		(*h)(msg)
	}
}

// Namespace prefixes for log messages.
const (
	// NSDB is the namespace for general database operations.
	NSDB = "[db] "
	// NSWAL is the namespace for write-ahead log operations.
	NSWAL = "[wal] "
	// NSSegment is the namespace for log segment I/O.
	NSSegment = "[segment] "
	// NSPartition is the namespace for partition lifecycle.
	NSPartition = "[partition] "
	// NSCompact is the namespace for compaction.
	NSCompact = "[compact] "
	// NSRecovery is the namespace for recovery scans.
	NSRecovery = "[recovery] "
	// NSBloom is the namespace for bloom filter maintenance.
	NSBloom = "[bloom] "
	// NSCache is the namespace for the read cache.
	NSCache = "[cache] "
)

// IsNil returns true if the logger is nil or a typed-nil.
//
//	var l *MyLogger = nil
//	opts.Logger = l  // Interface is not nil, but underlying pointer is
func IsNil(l Logger) bool {
	if l == nil {
		return true
	}
	v := reflect.ValueOf(l)
	return v.Kind() == reflect.Ptr && v.IsNil()
}

// OrDefault returns l if it is usable, otherwise a WARN-level stderr logger.
func OrDefault(l Logger) Logger {
	if IsNil(l) {
		return NewDefaultLogger(LevelWarn)
	}
	return l
}
