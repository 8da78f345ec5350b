package log_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fieldmesh/fieldmesh/internal/pkg/log"
)

func TestDebugLogger(t *testing.T) {
	t.Parallel()
	logger := log.NewDebugLogger()

	logger.Debug("debug message")
	logger.Infof("info %s", "message")
	logger.Warn("warn message")
	logger.Error("error message")

	assert.Contains(t, logger.AllMessages(), "info message")
	assert.Contains(t, logger.DebugMessages(), "debug message")
	assert.NotContains(t, logger.DebugMessages(), "warn message")
	assert.Contains(t, logger.WarnAndErrorMessages(), "warn message")
	assert.Contains(t, logger.WarnAndErrorMessages(), "error message")

	logger.Truncate()
	assert.Empty(t, logger.AllMessages())
}

func TestLoggerAttributes(t *testing.T) {
	t.Parallel()
	logger := log.NewDebugLogger()

	logger.
		With(attribute.String("node", "node1"), attribute.Int64("version", 2)).
		WithComponent("version").
		Info("state merged")

	out := logger.AllMessages()
	assert.Contains(t, out, "state merged")
	assert.Contains(t, out, "node1")
	assert.Contains(t, out, "version")
}
