package log

import (
	"fmt"
	"io"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Options is a function type that can be used to configure a logger
type Options func(*Logger)

// WithLevel configures the log level. If level is not specified, default to InfoLevel
// If level is debug or trace, report caller is enabled
func WithLevel(level string) Options {
	return func(l *Logger) {
		lvl := parseLevel(level)
		l.SetLevel(lvl)
		if lvl == logrus.DebugLevel || lvl == logrus.TraceLevel {
			l.SetFormatter(&logrus.TextFormatter{
				TimestampFormat: time.RFC3339,
				FullTimestamp:   true,
				CallerPrettyfier: func(f *runtime.Frame) (string, string) {
					return fmt.Sprintf("func: %s : ", formatFilePath(f.Function, 1)), fmt.Sprintf(" src: %s:%d -", formatFilePath(f.File, 2), f.Line)
				},
			})
			l.SetReportCaller(true)
		}
	}
}

// WithOutput configures the output destination
func WithOutput(output io.Writer) Options {
	return func(l *Logger) {
		l.SetOutput(output)
	}
}

// WithFormatter configures the log formatter
func WithFormatter(formatter logrus.Formatter) Options {
	return func(l *Logger) {
		l.SetFormatter(formatter)
	}
}

// WithNullLogger sets the logger to discard all output
func WithNullLogger() Options {
	return func(l *Logger) {
		l.SetOutput(io.Discard)
	}
}

// NewNullLogger returns a logger discarding everything, for tests and for
// components constructed without a logger.
func NewNullLogger() *Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// formatFilePath receives a string representing a path and returns the last part of it
// The 2nd argument indicates the number of parts to return
func formatFilePath(path string, parts int) string {
	arr := strings.Split(path, "/")
	if len(arr) < parts {
		return path
	}
	return strings.Join(arr[len(arr)-parts:], "/")
}
