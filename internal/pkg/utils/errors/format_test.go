package errors_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fieldmesh/fieldmesh/internal/pkg/utils/errors"
)

func TestFormat_Simple(t *testing.T) {
	t.Parallel()
	err := errors.New("some error")
	assert.Equal(t, "some error", errors.Format(err))
}

func TestFormat_Wrapped(t *testing.T) {
	t.Parallel()
	err := errors.Wrap(errors.New("inner"), "outer")
	assert.Equal(t, "outer: inner", errors.Format(err))
	assert.Equal(t, "inner", errors.Format(errors.Unwrap(errors.Unwrap(err))))
}

func TestFormat_Multi(t *testing.T) {
	t.Parallel()
	e := errors.NewMultiError()
	assert.NoError(t, e.ErrorOrNil())

	e.Append(errors.New("first"))
	assert.Equal(t, "first", errors.Format(e.ErrorOrNil()))

	e.AppendWithPrefix(errors.New("second"), "prefix")
	assert.Equal(t, strings.TrimSpace(`
- first
- prefix: second
`), errors.Format(e))
	assert.Equal(t, 2, e.Len())
}

func TestFormat_WithStack(t *testing.T) {
	t.Parallel()
	err := errors.New("some error")
	out := errors.FormatWithStack(err)
	assert.Contains(t, out, "some error [")
	assert.Contains(t, out, "format_test.go:")
}

func TestMultiError_Flatten(t *testing.T) {
	t.Parallel()
	inner := errors.NewMultiError(errors.New("a"), errors.New("b"))
	outer := errors.NewMultiError(inner, errors.New("c"))
	assert.Equal(t, 3, outer.Len())
}
