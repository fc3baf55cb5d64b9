package errors

import (
	"fmt"
	"io"
	"net/http"
	"strings"
)

// settimeoutError represents one or more details about an error. They are usually
// nested in the order that additional context was wrapped around the original
// error. Every level carries the HTTP status the error maps to.
type settimeoutError struct {
	code    int
	cause   error
	message string
}

func BadRequest(format string, args ...interface{}) error {
	return &settimeoutError{
		code:  http.StatusBadRequest,
		cause: fmt.Errorf(format, args...),
	}
}

func NotFound(format string, args ...interface{}) error {
	return &settimeoutError{
		code:  http.StatusNotFound,
		cause: fmt.Errorf(format, args...),
	}
}

// Unavailable marks e as a temporary condition of the server.
func Unavailable(e error, format string, args ...interface{}) error {
	return &settimeoutError{
		code:    http.StatusServiceUnavailable,
		cause:   e,
		message: fmt.Sprintf(format, args...),
	}
}

func Wrap(e error, format string, args ...interface{}) error {
	code := http.StatusInternalServerError
	if inner, ok := e.(*settimeoutError); ok {
		code = inner.code
	}

	return &settimeoutError{
		code:    code,
		cause:   e,
		message: fmt.Sprintf(format, args...),
	}
}

func ToCode(e error) int {
	switch unwrapped := e.(type) {
	case *settimeoutError:
		return unwrapped.code
	default:
		return http.StatusInternalServerError
	}
}

// Error outputs a settimeoutError as a string. The top-level error message is
// displayed first, followed by each error's context and error message in
// sequence. The original error is output last.
func (e *settimeoutError) Error() string {
	var builder strings.Builder

	e.printRecursive(&builder)

	return builder.String()
}

func (e *settimeoutError) Unwrap() error {
	return e.cause
}

func (e *settimeoutError) printRecursive(builder *strings.Builder) {
	wraps := e.cause != nil

	if e.message != "" {
		builder.WriteString(e.message)
		if wraps {
			builder.WriteString("\n\tcaused by:\n")
		}
	}

	if wraps {
		if be, ok := e.cause.(*settimeoutError); ok {
			be.printRecursive(builder)
		} else {
			builder.WriteString(e.cause.Error())
		}
	}
}

// Format implements the fmt.Formatter interface
func (e *settimeoutError) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v', 's':
		_, _ = io.WriteString(s, e.Error())
	case 'q':
		_, _ = fmt.Fprintf(s, "%q", e.Error())
	}
}
