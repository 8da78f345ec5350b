// Package errors provides error handling for the whole repository.
//
// Errors created by the package carry a stack trace,
// multiple errors can be aggregated by the MultiError type,
// and all errors can be rendered by the Format function.
package errors

import (
	"errors"
	"fmt"
	"runtime"
)

const maxStackDepth = 32

// StackTrace is a list of program counters captured when the error was created.
type StackTrace []uintptr

type withStack struct {
	err   error
	trace StackTrace
}

type stackTracer interface {
	StackTrace() StackTrace
}

func New(msg string) error {
	return &withStack{err: errors.New(msg), trace: callers()}
}

func Errorf(format string, a ...any) error {
	return &withStack{err: fmt.Errorf(format, a...), trace: callers()}
}

// WithStack wraps the error with the current stack trace, if it doesn't have one yet.
func WithStack(err error) error {
	if err == nil {
		return nil
	}
	var tracer stackTracer
	if errors.As(err, &tracer) {
		return err
	}
	return &withStack{err: err, trace: callers()}
}

// Wrap returns an error with the given message, wrapping the original error.
func Wrap(err error, msg string) error {
	return &withStack{err: fmt.Errorf("%s: %w", msg, err), trace: callers()}
}

func Wrapf(err error, format string, a ...any) error {
	return Wrap(err, fmt.Sprintf(format, a...))
}

// PrefixError adds a prefix before the error message.
func PrefixError(err error, prefix string) error {
	return &withStack{err: fmt.Errorf("%s: %w", prefix, err), trace: callers()}
}

func PrefixErrorf(err error, format string, a ...any) error {
	return PrefixError(err, fmt.Sprintf(format, a...))
}

func (e *withStack) Error() string {
	return e.err.Error()
}

func (e *withStack) Unwrap() error {
	return e.err
}

func (e *withStack) StackTrace() StackTrace {
	return e.trace
}

func Is(err, target error) bool {
	return errors.Is(err, target)
}

func As(err error, target any) bool {
	return errors.As(err, target)
}

func Unwrap(err error) error {
	return errors.Unwrap(err)
}

func callers() StackTrace {
	var pcs [maxStackDepth]uintptr
	// Skip runtime.Callers, this function and the constructor.
	n := runtime.Callers(3, pcs[:])
	return pcs[0:n]
}
