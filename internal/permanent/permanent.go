// Package permanent tags delivery failures that must not be retried.
package permanent

import (
	"errors"
	"fmt"
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Mark wraps err so that Is reports true. Nil stays nil.
func Mark(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Errorf formats a new permanent error; %w is supported.
func Errorf(format string, args ...any) error {
	return Mark(fmt.Errorf(format, args...))
}

// Is reports whether any error in the chain was marked permanent.
func Is(err error) bool {
	var marked *permanentError
	return errors.As(err, &marked)
}
