package log

import (
	"io"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// zapLogger is the default implementation of the Logger interface.
type zapLogger struct {
	base      *zap.Logger
	component string
}

// NewServiceLogger creates a production logger writing to the writer.
func NewServiceLogger(w io.Writer, level zapcore.Level) Logger {
	encoder := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	core := zapcore.NewCore(encoder, zapcore.AddSync(w), level)
	return &zapLogger{base: zap.New(core)}
}

// NewNopLogger creates a logger that discards all messages.
func NewNopLogger() Logger {
	return &zapLogger{base: zap.NewNop()}
}

func loggerFromZap(l *zap.Logger) Logger {
	return &zapLogger{base: l}
}

func (l *zapLogger) Debug(message string) { l.base.Debug(message) }
func (l *zapLogger) Info(message string)  { l.base.Info(message) }
func (l *zapLogger) Warn(message string)  { l.base.Warn(message) }
func (l *zapLogger) Error(message string) { l.base.Error(message) }

func (l *zapLogger) Debugf(template string, args ...any) {
	l.base.Sugar().Debugf(template, args...)
}

func (l *zapLogger) Infof(template string, args ...any) {
	l.base.Sugar().Infof(template, args...)
}

func (l *zapLogger) Warnf(template string, args ...any) {
	l.base.Sugar().Warnf(template, args...)
}

func (l *zapLogger) Errorf(template string, args ...any) {
	l.base.Sugar().Errorf(template, args...)
}

func (l *zapLogger) With(attrs ...attribute.KeyValue) Logger {
	return &zapLogger{base: l.base.With(attrsToFields(attrs)...), component: l.component}
}

func (l *zapLogger) WithComponent(component string) Logger {
	if l.component != "" {
		component = l.component + "." + component
	}
	clone := l.base.With(zap.String("component", component))
	return &zapLogger{base: clone, component: component}
}

func (l *zapLogger) Sync() error {
	return l.base.Sync()
}

func attrsToFields(attrs []attribute.KeyValue) []zap.Field {
	fields := make([]zap.Field, 0, len(attrs))
	for _, attr := range attrs {
		key := string(attr.Key)
		switch attr.Value.Type() {
		case attribute.BOOL:
			fields = append(fields, zap.Bool(key, attr.Value.AsBool()))
		case attribute.INT64:
			fields = append(fields, zap.Int64(key, attr.Value.AsInt64()))
		case attribute.FLOAT64:
			fields = append(fields, zap.Float64(key, attr.Value.AsFloat64()))
		case attribute.STRING:
			fields = append(fields, zap.String(key, attr.Value.AsString()))
		default:
			fields = append(fields, zap.Any(key, attr.Value.AsInterface()))
		}
	}
	return fields
}
