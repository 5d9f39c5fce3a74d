// Package errx wraps sentinel errors with call-site detail while keeping
// them matchable with errors.Is.
package errx

import "fmt"

// Wrap joins a sentinel with the underlying error so both are matchable via
// errors.Is.
func Wrap(sentinel, err error) error {
	return fmt.Errorf("%w: %w", sentinel, err)
}

// With appends a formatted suffix to sentinel. format should contain a %w
// verb if it needs to embed an underlying error.
func With(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w"+format, append([]any{sentinel}, args...)...)
}
