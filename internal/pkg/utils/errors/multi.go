package errors

// MultiError aggregates multiple errors into one.
// The zero value returned by NewMultiError is an empty aggregate, ErrorOrNil returns nil.
type MultiError interface {
	error
	Len() int
	Append(errs ...error)
	AppendWithPrefix(err error, prefix string)
	AppendWithPrefixf(err error, format string, a ...any)
	WrappedErrors() []error
	ErrorOrNil() error
}

type multiError struct {
	errs []error
}

func NewMultiError(errs ...error) MultiError {
	out := &multiError{}
	out.Append(errs...)
	return out
}

func (e *multiError) Len() int {
	return len(e.errs)
}

func (e *multiError) Append(errs ...error) {
	for _, err := range errs {
		if err == nil {
			continue
		}
		// Flatten nested aggregates
		if v, ok := err.(MultiError); ok { // nolint: errorlint
			e.errs = append(e.errs, v.WrappedErrors()...)
		} else {
			e.errs = append(e.errs, err)
		}
	}
}

func (e *multiError) AppendWithPrefix(err error, prefix string) {
	if err != nil {
		e.Append(PrefixError(err, prefix))
	}
}

func (e *multiError) AppendWithPrefixf(err error, format string, a ...any) {
	if err != nil {
		e.Append(PrefixErrorf(err, format, a...))
	}
}

func (e *multiError) WrappedErrors() []error {
	return e.errs
}

func (e *multiError) Unwrap() []error {
	return e.errs
}

func (e *multiError) ErrorOrNil() error {
	if len(e.errs) == 0 {
		return nil
	}
	if len(e.errs) == 1 {
		return e.errs[0]
	}
	return e
}

func (e *multiError) Error() string {
	return Format(e)
}
