// Package logger provides structured logging for the platform.
package logger

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// LoggingConfig controls logger construction.
type LoggingConfig struct {
	Level      string
	Format     string // "json" or "text"
	Output     string // "stdout", "stderr" or "file"
	FilePrefix string
}

// Logger wraps a logrus entry bound to a component.
type Logger struct {
	entry *logrus.Entry
}

// New builds a logger from configuration.
func New(cfg LoggingConfig) *Logger {
	base := logrus.New()

	level, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil {
		level = logrus.InfoLevel
	}
	base.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		base.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	default:
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	}

	base.SetOutput(resolveOutput(cfg))

	return &Logger{entry: logrus.NewEntry(base)}
}

// NewDefault returns an info-level text logger tagged with a component name.
func NewDefault(component string) *Logger {
	l := New(LoggingConfig{Level: "info", Format: "text", Output: "stderr"})
	return l.WithField("component", component)
}

func resolveOutput(cfg LoggingConfig) io.Writer {
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		return os.Stdout
	case "file":
		prefix := cfg.FilePrefix
		if prefix == "" {
			prefix = "campuscoin"
		}
		name := prefix + "-" + time.Now().UTC().Format("20060102") + ".log"
		f, err := os.OpenFile(filepath.Clean(name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return os.Stderr
		}
		return f
	default:
		return os.Stderr
	}
}

// WithField returns a logger with an additional structured field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

// WithFields returns a logger with additional structured fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return &Logger{entry: l.entry.WithFields(logrus.Fields(fields))}
}

// WithError returns a logger with the error attached.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{entry: l.entry.WithError(err)}
}

func (l *Logger) Debug(args ...interface{})                 { l.entry.Debug(args...) }
func (l *Logger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *Logger) Info(args ...interface{})                  { l.entry.Info(args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *Logger) Warn(args ...interface{})                  { l.entry.Warn(args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *Logger) Error(args ...interface{})                 { l.entry.Error(args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }
