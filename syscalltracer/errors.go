package syscalltracer

import (
	"errors"
	"fmt"
)

var (
	// ErrBootstrap is returned when the spawned child does not stop at its
	// initial exec trap.
	ErrBootstrap = errors.New("child did not reach its initial stop")
	// ErrWaitAnomaly is returned when wait reports no pid and no error.
	ErrWaitAnomaly = errors.New("wait returned no pid without an error")
	// ErrStringTooLong is returned when no terminator was found within the
	// configured maximum path length.
	ErrStringTooLong = errors.New("string exceeds maximum length")
)

// TracerError is a failed ptrace or wait operation on one pid.
type TracerError struct {
	Op  string
	PID int
	Err error
}

func (e *TracerError) Error() string {
	return fmt.Sprintf("%s (pid %d): %v", e.Op, e.PID, e.Err)
}

func (e *TracerError) Unwrap() error {
	return e.Err
}
