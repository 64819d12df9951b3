package nexstar

import (
	"context"
	"sync"
	"time"

	"github.com/w1xm/mount_interface/rotator"
)

// Slew is one rate-controlled move. It runs on its own goroutine until it
// converges, fails, or is cancelled.
type Slew struct {
	target  rotator.Pose
	gain    float64
	started time.Time

	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	state SlewState
	err   error
}

func newSlew(target rotator.Pose, gain float64, cancel context.CancelFunc) *Slew {
	return &Slew{
		target:  target,
		gain:    gain,
		started: time.Now(),
		cancel:  cancel,
		done:    make(chan struct{}),
		state:   SlewSlewing,
	}
}

func (s *Slew) Target() rotator.Pose {
	return s.target
}

func (s *Slew) Gain() float64 {
	return s.gain
}

func (s *Slew) State() SlewState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the result of a finished slew: nil on success, an error
// matching ErrCancelled when stopped, or the failure.
func (s *Slew) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once the slew reaches a terminal state.
func (s *Slew) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the slew finishes or ctx is done.
func (s *Slew) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Slew) finish(state SlewState, err error) {
	s.mu.Lock()
	s.state = state
	s.err = err
	s.mu.Unlock()
	close(s.done)
}

// stop cancels the slew and waits for its goroutine to exit.
func (s *Slew) stop() {
	s.cancel()
	<-s.done
}
