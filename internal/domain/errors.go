package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyKnown      = errors.New("already known")
	ErrConflict          = errors.New("conflict")
	ErrIllegalTransition = errors.New("illegal transition")
)

// TransitionError reports a rejected state change.
type TransitionError struct {
	Entity string
	ID     int64
	From   string
	To     string
	// Missing is set when the subject does not exist.
	Missing bool
}

func (e TransitionError) Error() string {
	if e.Missing {
		return fmt.Sprintf("%s %d: illegal transition to %s: not found", e.Entity, e.ID, e.To)
	}
	if e.From == "" {
		return fmt.Sprintf("%s %d: illegal transition to %s", e.Entity, e.ID, e.To)
	}
	return fmt.Sprintf("%s %d: illegal transition %s -> %s", e.Entity, e.ID, e.From, e.To)
}

func (e TransitionError) Unwrap() []error {
	if e.Missing {
		return []error{ErrIllegalTransition, ErrNotFound}
	}
	return []error{ErrIllegalTransition}
}

// StoreError marks an unrecoverable persistence failure.
type StoreError struct {
	Op  string
	Err error
}

func (e StoreError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }
func (e StoreError) Unwrap() error { return e.Err }

// ExitCoder is implemented by fatal errors that map to a process exit code.
type ExitCoder interface {
	ExitCode() int
}

func (e StoreError) ExitCode() int { return 2 }

// ExitCode returns the process exit code for err: 0 for nil, the code of the
// first ExitCoder in the chain, 1 otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ec ExitCoder
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	return 1
}
