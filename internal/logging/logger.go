package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Logger writes log messages to a file
type Logger struct {
	mu   sync.Mutex
	file io.WriteCloser
	zl   zerolog.Logger
}

// Global logger instance (accessed atomically for thread-safety)
var globalLogger atomic.Pointer[Logger]

// Init initializes the global logger with the specified file path.
// If path is empty, logging is disabled. Debug messages are only written
// when debug is true.
func Init(path string, debug bool) error {
	if path == "" {
		return nil
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	globalLogger.Store(newLogger(file, debug))

	Info("=== busadmin log started ===")

	return nil
}

// InitWriter installs a logger writing to w. Used by tests and by the
// fake API server, which logs to stderr.
func InitWriter(w io.WriteCloser, debug bool) {
	globalLogger.Store(newLogger(w, debug))
}

func newLogger(w io.WriteCloser, debug bool) *Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	zl := zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Logger()
	return &Logger{file: w, zl: zl}
}

// Close closes the global logger, ensuring all pending writes complete first.
// Sets file to nil under lock to prevent race with concurrent log() calls.
func Close() {
	logger := globalLogger.Swap(nil)
	if logger != nil {
		logger.mu.Lock()
		if logger.file != nil {
			logger.file.Close()
			logger.file = nil
		}
		logger.mu.Unlock()
	}
}

// Info logs an info message
func Info(format string, args ...any) {
	logWith(zerolog.InfoLevel, format, args...)
}

// Error logs an error message
func Error(format string, args ...any) {
	logWith(zerolog.ErrorLevel, format, args...)
}

// Warn logs a warning message
func Warn(format string, args ...any) {
	logWith(zerolog.WarnLevel, format, args...)
}

// Debug logs a debug message
func Debug(format string, args ...any) {
	logWith(zerolog.DebugLevel, format, args...)
}

func logWith(level zerolog.Level, format string, args ...any) {
	logger := globalLogger.Load()
	if logger == nil {
		return
	}
	logger.log(level, format, args...)
}

func (l *Logger) log(level zerolog.Level, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Check if file was closed (race with Close())
	if l.file == nil {
		return
	}

	l.zl.WithLevel(level).Msgf(format, args...)
}

// IsEnabled returns true if logging is enabled
func IsEnabled() bool {
	return globalLogger.Load() != nil
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
