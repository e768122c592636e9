package lifecycle

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotConnected   = errors.New("room not connected")
	ErrNotStarted     = errors.New("session not started")
	ErrAlreadyStarted = errors.New("session already started")
	ErrTerminated     = errors.New("session terminated")
	ErrGreetingIssued = errors.New("greeting already issued")
)

// SessionStartError means the session rejected the room binding. It is fatal.
type SessionStartError struct {
	Err error
}

func (e *SessionStartError) Error() string { return fmt.Sprintf("start session: %v", e.Err) }
func (e *SessionStartError) Unwrap() error { return e.Err }

// GreetingError is logged and counted; the session keeps running.
type GreetingError struct {
	Err error
}

func (e *GreetingError) Error() string { return fmt.Sprintf("greeting: %v", e.Err) }
func (e *GreetingError) Unwrap() error { return e.Err }

// ShutdownError reports resources that failed to release. The controller still terminates.
type ShutdownError struct {
	Trigger string
	Err     error
}

func (e *ShutdownError) Error() string {
	return fmt.Sprintf("shutdown (%s): %v", e.Trigger, e.Err)
}
func (e *ShutdownError) Unwrap() error { return e.Err }

// ShutdownTimeoutError means release did not finish in time and the session was abandoned.
type ShutdownTimeoutError struct {
	Trigger string
	Timeout time.Duration
}

func (e *ShutdownTimeoutError) Error() string {
	return fmt.Sprintf("shutdown (%s) exceeded %s", e.Trigger, e.Timeout)
}
