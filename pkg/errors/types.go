package errors

import (
	"fmt"
)

// ErrFileChanged is returned when a file is modified while it's being read
// into an archive.
var ErrFileChanged = New("file contents changed during capture")

// MissingFieldError represents a missing required field.
type MissingFieldError struct {
	Field string
}

func (err MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field: %s", err.Field)
}

// FileNotFound represents when we were unable to access a file
// because the path didn't exist.
type FileNotFound struct {
	Path string
}

func (err FileNotFound) Error() string {
	return fmt.Sprintf("%q does not exist", err.Path)
}

// NotFound is returned when a named object (an entity, a remote file, a
// backup record) doesn't exist.
type NotFound struct {
	Kind string
	Name string
}

func (err NotFound) Error() string {
	return fmt.Sprintf("%s %q not found", err.Kind, err.Name)
}

// PreconditionError is returned when an operation can't run in the current
// state, e.g. capturing while the game is still running.
type PreconditionError struct {
	Reason string
}

func (err PreconditionError) Error() string {
	return err.Reason
}

func (err PreconditionError) FriendlyMessage() string {
	return err.Reason
}

// NoFilesFound is returned when a capture's selectors match nothing under
// the watch root.
type NoFilesFound struct {
	Root string
}

func (err NoFilesFound) Error() string {
	return fmt.Sprintf("no save files matched under %q", err.Root)
}

// IOError is a failed local filesystem operation.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (err IOError) Error() string {
	return fmt.Sprintf("%s %q: %s", err.Op, err.Path, err.Err)
}

func (err IOError) Unwrap() error {
	return err.Err
}

// NetworkError is a failed call to the remote store.
type NetworkError struct {
	Op  string
	Err error
}

func (err NetworkError) Error() string {
	return fmt.Sprintf("remote %s: %s", err.Op, err.Err)
}

func (err NetworkError) Unwrap() error {
	return err.Err
}
