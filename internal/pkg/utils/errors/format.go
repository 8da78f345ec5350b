package errors

import (
	"fmt"
	"runtime"
	"strings"
)

// Format renders the error as a string, aggregates are rendered as a bullet list.
func Format(err error) string {
	out := &strings.Builder{}
	writeError(out, err, 0, false)
	return out.String()
}

// FormatWithStack output includes the error stack traces, if present.
func FormatWithStack(err error) string {
	out := &strings.Builder{}
	writeError(out, err, 0, true)
	return out.String()
}

func writeError(out *strings.Builder, err error, indent int, debug bool) {
	if v, ok := err.(MultiError); ok { // nolint: errorlint
		wrapped := v.WrappedErrors()
		if len(wrapped) == 1 {
			writeError(out, wrapped[0], indent, debug)
			return
		}
		last := len(wrapped) - 1
		for i, sub := range wrapped {
			out.WriteString(strings.Repeat("  ", indent))
			out.WriteString("- ")
			writeError(out, sub, indent+1, debug)
			if i != last {
				out.WriteString("\n")
			}
		}
		return
	}

	out.WriteString(errMessage(err))
	if debug {
		var tracer stackTracer
		if As(err, &tracer) {
			if trace := tracer.StackTrace(); len(trace) > 0 {
				fn := runtime.FuncForPC(trace[0])
				file, line := fn.FileLine(trace[0])
				out.WriteString(fmt.Sprintf(" [%s:%d]", file, line))
			}
		}
	}
}

func errMessage(err error) string {
	if v, ok := err.(*withStack); ok { // nolint: errorlint
		return v.err.Error()
	}
	return err.Error()
}
