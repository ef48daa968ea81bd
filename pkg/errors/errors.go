package errors

import (
	goErrors "errors"
	"fmt"
)

// New returns an error with the given message.
func New(msg string) error {
	return goErrors.New(msg)
}

// Is and As re-export the standard library helpers so that callers only need
// to import this package.
var (
	Is = goErrors.Is
	As = goErrors.As
)

// contextError annotates an error with a short description of what was
// being attempted when it occurred. It's a value type so that tests can
// compare errors with assert.Equal.
type contextError struct {
	cause   error
	context string
}

// WithContext wraps err with context. The resulting message is
// "context: cause". A nil err stays nil.
func WithContext(err error, context string) error {
	if err == nil {
		return nil
	}
	return contextError{cause: err, context: context}
}

func (err contextError) Error() string {
	return fmt.Sprintf("%s: %s", err.context, err.cause)
}

func (err contextError) Unwrap() error {
	return err.cause
}

// RootCause returns the innermost error that was wrapped with WithContext.
func RootCause(err error) error {
	for {
		ctxErr, ok := err.(contextError)
		if !ok {
			return err
		}
		err = ctxErr.cause
	}
}

// FriendlyError is an error whose message is meant to be shown to users
// verbatim, without the context chain.
type FriendlyError interface {
	error
	FriendlyMessage() string
}

type friendlyError struct {
	msg string
}

// NewFriendlyError creates a FriendlyError with a formatted message.
func NewFriendlyError(format string, args ...interface{}) error {
	return friendlyError{fmt.Sprintf(format, args...)}
}

func (err friendlyError) Error() string {
	return err.msg
}

func (err friendlyError) FriendlyMessage() string {
	return err.msg
}
