// Package log provides structured logging for the runtime,
// it is a thin wrapper around the zap library.
package log

import (
	"io"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap/zapcore"
)

const (
	DebugLevel = zapcore.DebugLevel
	InfoLevel  = zapcore.InfoLevel
	WarnLevel  = zapcore.WarnLevel
	ErrorLevel = zapcore.ErrorLevel
)

type Logger interface {
	Debug(message string)
	Info(message string)
	Warn(message string)
	Error(message string)

	Debugf(template string, args ...any)
	Infof(template string, args ...any)
	Warnf(template string, args ...any)
	Errorf(template string, args ...any)

	// With returns a logger enriched with the attributes.
	With(attrs ...attribute.KeyValue) Logger
	// WithComponent returns a logger with the component name appended to the current one.
	WithComponent(component string) Logger

	Sync() error
}

// DebugLogger records messages in memory, it is used in tests.
type DebugLogger interface {
	Logger
	ConnectTo(writer io.Writer)
	Truncate()
	AllMessages() string
	DebugMessages() string
	WarnAndErrorMessages() string
}
