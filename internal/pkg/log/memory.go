package log

import (
	"bufio"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewDebugLogger creates a logger that keeps all messages in memory,
// so tests can assert on them.
func NewDebugLogger() DebugLogger {
	buffer := &memoryBuffer{}
	encoderConfig := zapcore.EncoderConfig{
		MessageKey:     "msg",
		LevelKey:       "level",
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		LineEnding:     zapcore.DefaultLineEnding,
	}
	encoder := zapcore.NewConsoleEncoder(encoderConfig)
	core := zapcore.NewCore(encoder, zapcore.AddSync(buffer), DebugLevel)
	return &debugLogger{zapLogger: zapLogger{base: zap.New(core)}, buffer: buffer}
}

type debugLogger struct {
	zapLogger
	buffer *memoryBuffer
}

type memoryBuffer struct {
	mu      sync.Mutex
	lines   []string
	forward io.Writer
}

func (b *memoryBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	scanner := bufio.NewScanner(strings.NewReader(string(p)))
	for scanner.Scan() {
		b.lines = append(b.lines, scanner.Text())
	}
	if b.forward != nil {
		return b.forward.Write(p)
	}
	return len(p), nil
}

func (b *memoryBuffer) all(filter func(line string) bool) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := &strings.Builder{}
	for _, line := range b.lines {
		if filter == nil || filter(line) {
			out.WriteString(line)
			out.WriteString("\n")
		}
	}
	return out.String()
}

func (b *memoryBuffer) truncate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = nil
}

func (l *debugLogger) ConnectTo(writer io.Writer) {
	l.buffer.mu.Lock()
	defer l.buffer.mu.Unlock()
	l.buffer.forward = writer
}

func (l *debugLogger) Truncate() {
	l.buffer.truncate()
}

func (l *debugLogger) AllMessages() string {
	return l.buffer.all(nil)
}

func (l *debugLogger) DebugMessages() string {
	return l.buffer.all(func(line string) bool {
		return strings.HasPrefix(line, "DEBUG")
	})
}

func (l *debugLogger) WarnAndErrorMessages() string {
	return l.buffer.all(func(line string) bool {
		return strings.HasPrefix(line, "WARN") || strings.HasPrefix(line, "ERROR")
	})
}
