package errors

import (
	"fmt"
)

// InvariantError signals corrupted internal state, for example two replicas
// claiming the same fields at the same version with different identity.
// It is never recoverable, callers abort the affected operation.
type InvariantError struct {
	err   error
	trace StackTrace
}

func NewInvariantError(format string, a ...any) error {
	return &InvariantError{err: fmt.Errorf(format, a...), trace: callers()}
}

// IsInvariantError reports whether the error chain contains an InvariantError.
func IsInvariantError(err error) bool {
	var target *InvariantError
	return As(err, &target)
}

func (e *InvariantError) Error() string {
	return "invariant violation: " + e.err.Error()
}

func (e *InvariantError) Unwrap() error {
	return e.err
}

func (e *InvariantError) StackTrace() StackTrace {
	return e.trace
}
