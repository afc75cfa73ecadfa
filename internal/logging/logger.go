package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Log levels supported by the logger
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// LogFileName is the file created inside the log directory.
const LogFileName = "broker.log"

// Logger provides structured logging with context propagation.
// It is safe for concurrent use.
type Logger struct {
	logger *slog.Logger
	level  *slog.LevelVar
	file   *os.File
	mu     *sync.Mutex // Protects file operations, shared with children
	attrs  []slog.Attr // Persistent attributes (session, operation, phase)
}

// NewLogger creates a new Logger that writes JSON-formatted logs to
// {logDir}/broker.log. If logDir is empty, logs will be written to stderr.
//
// The level parameter controls which messages are logged:
//   - DEBUG: All messages
//   - INFO: Info, Warn, and Error messages
//   - WARN: Warn and Error messages
//   - ERROR: Only Error messages
func NewLogger(logDir string, level string) (*Logger, error) {
	if logDir == "" {
		return NewWriterLogger(os.Stderr, level), nil
	}

	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	logPath := filepath.Join(logDir, LogFileName)
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	l := NewWriterLogger(file, level)
	l.file = file
	return l, nil
}

// NewWriterLogger creates a Logger writing JSON lines to w.
func NewWriterLogger(w io.Writer, level string) *Logger {
	lv := new(slog.LevelVar)
	lv.Set(parseLevel(level))

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lv})

	return &Logger{
		logger: slog.New(handler),
		level:  lv,
		mu:     &sync.Mutex{},
		attrs:  make([]slog.Attr, 0),
	}
}

// parseLevel converts a string log level to slog.Level.
// Defaults to INFO if the level string is not recognized.
func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetLevel changes the minimum level for this logger and every logger
// derived from the same root.
func (l *Logger) SetLevel(level string) {
	l.level.Set(parseLevel(level))
}

// Level returns the current level as one of the Level* constants.
func (l *Logger) Level() string {
	switch l.level.Level() {
	case slog.LevelDebug:
		return LevelDebug
	case slog.LevelWarn:
		return LevelWarn
	case slog.LevelError:
		return LevelError
	default:
		return LevelInfo
	}
}

// WithSession returns a child Logger tagging every entry with session_id.
func (l *Logger) WithSession(sessionID string) *Logger {
	return l.withAttr(slog.String("session_id", sessionID))
}

// WithOperation returns a child Logger tagging every entry with operation_id.
func (l *Logger) WithOperation(operationID string) *Logger {
	return l.withAttr(slog.String("operation_id", operationID))
}

// WithPhase returns a child Logger tagging every entry with phase.
// Phases include "registry", "factory", "launcher" and "operation".
func (l *Logger) WithPhase(phase string) *Logger {
	return l.withAttr(slog.String("phase", phase))
}

// With returns a new Logger with arbitrary key-value attributes.
// Keys and values are provided as alternating arguments.
func (l *Logger) With(args ...any) *Logger {
	if len(args) == 0 {
		return l
	}

	newAttrs := make([]slog.Attr, 0, len(l.attrs)+len(args)/2)
	newAttrs = append(newAttrs, l.attrs...)

	for i := 0; i < len(args)-1; i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		newAttrs = append(newAttrs, slog.Any(key, args[i+1]))
	}

	return l.derive(newAttrs)
}

// withAttr creates a new Logger with an additional attribute.
func (l *Logger) withAttr(attr slog.Attr) *Logger {
	newAttrs := make([]slog.Attr, len(l.attrs)+1)
	copy(newAttrs, l.attrs)
	newAttrs[len(l.attrs)] = attr
	return l.derive(newAttrs)
}

func (l *Logger) derive(attrs []slog.Attr) *Logger {
	return &Logger{
		logger: l.logger,
		level:  l.level,
		file:   l.file,
		mu:     l.mu,
		attrs:  attrs,
	}
}

// Debug logs a message at DEBUG level with optional key-value pairs.
func (l *Logger) Debug(msg string, args ...any) {
	l.log(slog.LevelDebug, msg, args...)
}

// Info logs a message at INFO level with optional key-value pairs.
func (l *Logger) Info(msg string, args ...any) {
	l.log(slog.LevelInfo, msg, args...)
}

// Warn logs a message at WARN level with optional key-value pairs.
func (l *Logger) Warn(msg string, args ...any) {
	l.log(slog.LevelWarn, msg, args...)
}

// Error logs a message at ERROR level with optional key-value pairs.
func (l *Logger) Error(msg string, args ...any) {
	l.log(slog.LevelError, msg, args...)
}

// log combines persistent attributes with per-call arguments.
func (l *Logger) log(level slog.Level, msg string, args ...any) {
	allArgs := make([]any, 0, len(l.attrs)*2+len(args))
	for _, attr := range l.attrs {
		allArgs = append(allArgs, attr.Key, attr.Value.Any())
	}
	allArgs = append(allArgs, args...)

	l.logger.Log(context.Background(), level, msg, allArgs...)
}

// Close flushes and closes the log file.
// If the logger writes to stderr or another writer, this is a no-op.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		if err := l.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync log file: %w", err)
		}
		if err := l.file.Close(); err != nil {
			return fmt.Errorf("failed to close log file: %w", err)
		}
		l.file = nil
	}
	return nil
}

// NopLogger returns a Logger that discards all log output.
func NopLogger() *Logger {
	return NewWriterLogger(io.Discard, LevelError)
}

// OrNop returns l, or a NopLogger when l is nil.
func OrNop(l *Logger) *Logger {
	if l == nil {
		return NopLogger()
	}
	return l
}

// ParseLevel converts a string level to the corresponding constant.
// Returns LevelInfo if the level string is not recognized.
func ParseLevel(level string) string {
	switch strings.ToUpper(level) {
	case LevelDebug:
		return LevelDebug
	case LevelInfo:
		return LevelInfo
	case LevelWarn:
		return LevelWarn
	case LevelError:
		return LevelError
	default:
		return LevelInfo
	}
}

// ValidLevels returns the list of valid log level strings.
func ValidLevels() []string {
	return []string{LevelDebug, LevelInfo, LevelWarn, LevelError}
}
