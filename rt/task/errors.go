package task

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSchedule is returned by SetSchedule, ParseSchedule and New when a schedule
	// name is not one of concurrent, drop, restart or enqueue.
	ErrInvalidSchedule = errors.New("task: invalid schedule")

	// ErrCanceled is returned by Instance.Wait when the instance was cancelled.
	//
	// Cancellation is not a failure: it never reaches Completion or LastErrorValue.
	ErrCanceled = errors.New("task: instance cancelled")

	// ErrDestroyed is returned by New when the group has already been destroyed.
	ErrDestroyed = errors.New("task: group destroyed")

	// ErrPanicked indicates a procedure panicked. The failure error is a *PanicError.
	ErrPanicked = errors.New("task: procedure panicked")

	// ErrPending is returned by Future.Result while the future is unsettled.
	ErrPending = errors.New("task: future pending")

	// ErrInvalidName is returned by New when a task name is invalid.
	//
	// Name rules:
	//   - name is optional (empty means unnamed)
	//   - non-empty name must match [A-Za-z0-9._-]
	//   - name is normalized by strings.TrimSpace before validation
	ErrInvalidName = errors.New("task: invalid name")

	// ErrDuplicateName is returned by New when a non-empty task name is already registered
	// on the same group.
	ErrDuplicateName = errors.New("task: duplicate name")
)

// PanicError is the failure recorded for an instance whose procedure panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task: procedure panicked: %v", e.Value)
}

func (e *PanicError) Unwrap() error { return ErrPanicked }
