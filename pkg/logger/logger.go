package logger

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Level represents the logging level
type Level int

const (
	// LevelError shows only error messages
	LevelError Level = iota
	// LevelWarn shows warnings and errors
	LevelWarn
	// LevelInfo shows informational messages, warnings, and errors (default)
	LevelInfo
	// LevelDebug shows all messages including wire-level request/response dumps
	LevelDebug
)

// Fields carries structured context attached to every line of a derived logger
type Fields = logrus.Fields

// FileConfig configures a rotating log file
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Logger provides leveled logging on top of logrus
type Logger struct {
	level Level
	base  *logrus.Logger
	entry *logrus.Entry
}

var (
	defaultLogger *Logger
)

func init() {
	// Initialize default logger with INFO level
	defaultLogger = New(LevelInfo)
}

// New creates a new logger with the specified level writing to stderr
func New(level Level) *Logger {
	base := logrus.New()
	base.SetOutput(os.Stderr)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	base.SetLevel(level.logrusLevel())

	return &Logger{
		level: level,
		base:  base,
		entry: logrus.NewEntry(base),
	}
}

// Default returns the process-wide logger
func Default() *Logger {
	return defaultLogger
}

// SetLevel sets the logging level for the default logger
func SetLevel(level Level) {
	defaultLogger.SetLevel(level)
}

// GetLevel returns the current logging level
func GetLevel() Level {
	return defaultLogger.GetLevel()
}

// SetLevel sets the logging level
func (l *Logger) SetLevel(level Level) {
	l.level = level
	l.base.SetLevel(level.logrusLevel())
}

// GetLevel returns the current logging level
func (l *Logger) GetLevel() Level {
	return l.level
}

// SetOutput redirects log output
func (l *Logger) SetOutput(w io.Writer) {
	l.base.SetOutput(w)
}

// SetJSON switches to JSON formatted lines
func (l *Logger) SetJSON(enabled bool) {
	if enabled {
		l.base.SetFormatter(&logrus.JSONFormatter{})
		return
	}
	l.base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// SetFile sends output to stderr and a lumberjack-rotated file.
// The returned closer releases the file.
func (l *Logger) SetFile(fc FileConfig) (io.Closer, error) {
	if fc.Path == "" {
		return nil, fmt.Errorf("log file requires a path")
	}
	w := &lumberjack.Logger{
		Filename:   fc.Path,
		MaxSize:    fc.MaxSizeMB,
		MaxBackups: fc.MaxBackups,
		MaxAge:     fc.MaxAgeDays,
		Compress:   fc.Compress,
	}
	l.base.SetOutput(io.MultiWriter(os.Stderr, w))
	return w, nil
}

// WithFields returns a logger that shares level and output but carries extra fields
func (l *Logger) WithFields(fields Fields) *Logger {
	return &Logger{
		level: l.level,
		base:  l.base,
		entry: l.entry.WithFields(fields),
	}
}

// WithField is WithFields for a single key
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.WithFields(Fields{key: value})
}

// ParseLevel parses a string level name and returns the corresponding Level
func ParseLevel(levelStr string) (Level, error) {
	switch levelStr {
	case "error":
		return LevelError, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %s (valid levels: error, warn, info, debug)", levelStr)
	}
}

// String returns the string representation of a level
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

func (l Level) logrusLevel() logrus.Level {
	switch l {
	case LevelError:
		return logrus.ErrorLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelDebug:
		return logrus.DebugLevel
	default:
		return logrus.InfoLevel
	}
}

// Error logs an error message
func (l *Logger) Error(format string, v ...interface{}) {
	l.entry.Errorf(format, v...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, v ...interface{}) {
	l.entry.Warnf(format, v...)
}

// Info logs an informational message
func (l *Logger) Info(format string, v ...interface{}) {
	l.entry.Infof(format, v...)
}

// Debug logs a debug message
func (l *Logger) Debug(format string, v ...interface{}) {
	l.entry.Debugf(format, v...)
}

// Errorf is an alias for Error
func (l *Logger) Errorf(format string, v ...interface{}) {
	l.Error(format, v...)
}

// Warnf is an alias for Warn
func (l *Logger) Warnf(format string, v ...interface{}) {
	l.Warn(format, v...)
}

// Infof is an alias for Info
func (l *Logger) Infof(format string, v ...interface{}) {
	l.Info(format, v...)
}

// Debugf is an alias for Debug
func (l *Logger) Debugf(format string, v ...interface{}) {
	l.Debug(format, v...)
}

// Package-level convenience functions that use the default logger

// Error logs an error message using the default logger
func Error(format string, v ...interface{}) {
	defaultLogger.Error(format, v...)
}

// Warn logs a warning message using the default logger
func Warn(format string, v ...interface{}) {
	defaultLogger.Warn(format, v...)
}

// Info logs an informational message using the default logger
func Info(format string, v ...interface{}) {
	defaultLogger.Info(format, v...)
}

// Debug logs a debug message using the default logger
func Debug(format string, v ...interface{}) {
	defaultLogger.Debug(format, v...)
}
