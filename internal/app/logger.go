package app

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// LogLevel orders diagnostic severities. Messages below the configured
// threshold are dropped.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a PIPEGUARD_LOG value to a threshold. Unknown or empty
// values fall back to info.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l LogLevel) tag() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Logger writes leveled diagnostics for humans. Commands keep stdout reserved
// for machine-readable output, so everything here goes to stderr by default.
type Logger struct {
	out io.Writer
	min LogLevel
}

// NewLogger creates a Logger writing to out, dropping messages below min.
func NewLogger(out io.Writer, min LogLevel) *Logger {
	return &Logger{out: out, min: min}
}

func (l *Logger) logf(level LogLevel, format string, args ...any) {
	if level < l.min {
		return
	}
	fmt.Fprintf(l.out, "%s: %s\n", level.tag(), fmt.Sprintf(format, args...))
}

func (l *Logger) Debug(format string, args ...any) { l.logf(LevelDebug, format, args...) }
func (l *Logger) Info(format string, args ...any)  { l.logf(LevelInfo, format, args...) }
func (l *Logger) Warn(format string, args ...any)  { l.logf(LevelWarn, format, args...) }
func (l *Logger) Error(format string, args ...any) { l.logf(LevelError, format, args...) }

// defaultLogger is the process-wide logger, configured once from the
// PIPEGUARD_LOG environment variable.
var defaultLogger = NewLogger(os.Stderr, ParseLevel(os.Getenv("PIPEGUARD_LOG")))

// GetLogger returns the process-wide logger.
func GetLogger() *Logger {
	return defaultLogger
}
