package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for the coordination failure taxonomy. Callers match
// with errors.Is; the concrete *Error types carry details for errors.As.
var (
	ErrLockTimeout        = errors.New("lock acquisition timed out")
	ErrStartupTimeout     = errors.New("cluster startup timed out")
	ErrPartialAcquisition = errors.New("partial resource acquisition")
)

// LockTimeoutError is returned when a resource or instance could not be
// acquired within its timeout. Recoverable: the caller may retry or fail
// the test.
type LockTimeoutError struct {
	Resources []string
	Timeout   time.Duration
}

func (e *LockTimeoutError) Error() string {
	if len(e.Resources) == 0 {
		return fmt.Sprintf("timed out after %v waiting for a free cluster instance", e.Timeout)
	}
	return fmt.Sprintf("timed out after %v waiting for resources: %s",
		e.Timeout, strings.Join(e.Resources, ", "))
}

func (e *LockTimeoutError) Unwrap() error { return ErrLockTimeout }

// StartupTimeoutError is returned when an instance failed its readiness
// probe. Fatal for the slot: it is marked dead and never reused.
type StartupTimeoutError struct {
	Instance int
	Timeout  time.Duration
	Message  string
}

func (e *StartupTimeoutError) Error() string {
	msg := fmt.Sprintf("instance %d not ready after %v", e.Instance, e.Timeout)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func (e *StartupTimeoutError) Unwrap() error { return ErrStartupTimeout }

// PartialAcquisitionError is returned when one name of a multi-resource
// request could not be locked. All locks taken earlier in the same call
// have already been released when this error is observed.
type PartialAcquisitionError struct {
	Acquired []string
	Missing  string
	Cause    error
}

func (e *PartialAcquisitionError) Error() string {
	return fmt.Sprintf("could not lock %q (released %d already-held locks): %v",
		e.Missing, len(e.Acquired), e.Cause)
}

func (e *PartialAcquisitionError) Unwrap() error { return e.Cause }

func (e *PartialAcquisitionError) Is(target error) bool {
	return target == ErrPartialAcquisition
}
