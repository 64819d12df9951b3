package nexstar

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrTimeout is returned when the mount sends no bytes within the read timeout.
	ErrTimeout = errors.New("transport timeout")
	// ErrProtocol indicates a malformed reply or missing ACK. The stream is
	// probably out of sync.
	ErrProtocol = errors.New("protocol error")
	// ErrMotionTimeout is returned when a blocking move outlives its wait.
	ErrMotionTimeout = errors.New("motion timeout")
	// ErrCancelled is returned for a move that was stopped or superseded.
	ErrCancelled = errors.New("move cancelled")
	// ErrSlewTimeout is returned when a slew exceeds Config.SlewTimeout.
	ErrSlewTimeout = errors.New("slew did not converge in time")
	ErrClosed      = errors.New("mount closed")
)

// TimeoutError is a read that did not complete before its deadline.
type TimeoutError struct {
	Op string
	// Got holds whatever arrived before the deadline.
	Got []byte
}

func (e *TimeoutError) Error() string {
	if len(e.Got) == 0 {
		return fmt.Sprintf("%s: no reply", e.Op)
	}
	return fmt.Sprintf("%s: partial reply %q", e.Op, e.Got)
}

func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}

// ProtocolError describes a reply that did not match what the command expects.
type ProtocolError struct {
	Command []byte
	Want    string
	Got     []byte
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("command %q: want %s, got %q", e.Command, e.Want, e.Got)
}

func (e *ProtocolError) Unwrap() error {
	return ErrProtocol
}
