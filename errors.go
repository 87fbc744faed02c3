// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package taskmaster

import (
	"errors"
	"fmt"
)

// Standard errors.
var (
	// ErrMasterStopped is returned by Fetch and Run after Stop has been called.
	ErrMasterStopped = errors.New("taskmaster: master stopped")

	// ErrMasterClosed is returned when operations are attempted on a closed master.
	ErrMasterClosed = errors.New("taskmaster: master closed")

	// ErrReentrantRun is returned when Run is called from within a task.
	ErrReentrantRun = errors.New("taskmaster: cannot call Run from within a task")

	// ErrFDOutOfRange is returned for negative file descriptors.
	ErrFDOutOfRange = errors.New("taskmaster: fd out of range")

	// ErrFDAlreadyRegistered is returned when a read (or write) task is
	// already pending for the fd.
	ErrFDAlreadyRegistered = errors.New("taskmaster: fd already registered")

	// ErrPollerClosed is returned by a poller that has been closed.
	ErrPollerClosed = errors.New("taskmaster: poller closed")

	// errInterrupted is returned by a poller wait interrupted by a signal.
	// It is never surfaced by the Master.
	errInterrupted = errors.New("taskmaster: wait interrupted")
)

// FilterError is returned by ParseTaskTypeMask for an unknown filter letter.
type FilterError struct {
	Filter string
	Char   byte
}

func (e *FilterError) Error() string {
	return fmt.Sprintf("taskmaster: invalid filter %q: unknown task type %q", e.Filter, e.Char)
}

// PanicError wraps a value recovered from a panicking task.
type PanicError struct {
	Value any
	Name  string
}

func (e PanicError) Error() string {
	return fmt.Sprintf("taskmaster: task %s panicked: %v", e.Name, e.Value)
}

// Unwrap returns the panic value, if it is an error.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
