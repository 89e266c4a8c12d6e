// Package observability defines shared logging and metrics primitives.
package observability

import (
	"fmt"
	"log"
	"strings"
)

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

// F builds a logging field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

var defaultLogger Logger = noopLogger{}

// SetLogger overrides the global logger used by the system.
func SetLogger(logger Logger) {
	if logger == nil {
		defaultLogger = noopLogger{}
		return
	}
	defaultLogger = logger
}

// Log returns the current global logger instance.
func Log() Logger {
	return defaultLogger
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}

// NewStdLogger adapts a stdlib log.Logger to the Logger interface.
func NewStdLogger(l *log.Logger) Logger {
	return &stdLogger{l: l}
}

type stdLogger struct {
	l *log.Logger
}

func (s *stdLogger) Debug(msg string, fields ...Field) { s.print("DEBUG", msg, fields) }
func (s *stdLogger) Info(msg string, fields ...Field)  { s.print("INFO", msg, fields) }
func (s *stdLogger) Error(msg string, fields ...Field) { s.print("ERROR", msg, fields) }

func (s *stdLogger) print(level, msg string, fields []Field) {
	if s.l == nil {
		return
	}
	if len(fields) == 0 {
		s.l.Printf("%s %s", level, msg)
		return
	}
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, fmt.Sprintf("%s=%v", f.Key, f.Value))
	}
	s.l.Printf("%s %s %s", level, msg, strings.Join(parts, " "))
}
