package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config contains logger configuration
type Config struct {
	Level   string
	File    string
	Console bool
}

// ParseLevel parses a level string, defaulting to info
func ParseLevel(s string) zapcore.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Logger wraps a zap logger together with the file it writes to
type Logger struct {
	*zap.Logger
	level zap.AtomicLevel
	file  *os.File
}

// New creates a new logger. The file receives JSON lines and the console
// receives human-readable output on stderr. With neither configured, the
// logger writes to stderr.
func New(cfg Config) (*Logger, error) {
	l := &Logger{level: zap.NewAtomicLevelAt(ParseLevel(cfg.Level))}

	var cores []zapcore.Core

	if cfg.File != "" {
		// Ensure directory exists
		dir := filepath.Dir(cfg.File)
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		l.file = f

		enc := zap.NewProductionEncoderConfig()
		enc.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.AddSync(f), l.level))
	}

	if cfg.Console || len(cores) == 0 {
		enc := zap.NewDevelopmentEncoderConfig()
		enc.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.Lock(os.Stderr), l.level))
	}

	l.Logger = zap.New(zapcore.NewTee(cores...))
	return l, nil
}

// Close flushes buffered entries and closes the log file
func (l *Logger) Close() error {
	_ = l.Sync()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// SetLevel changes the level at runtime
func (l *Logger) SetLevel(level string) {
	l.level.SetLevel(ParseLevel(level))
}

// GetLevel returns the current log level
func (l *Logger) GetLevel() zapcore.Level {
	return l.level.Level()
}
