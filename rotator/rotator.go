package rotator

import (
	"context"
	"math"
	"time"
)

// Rotator is an alt-az mount that can be pointed and rate-driven.
type Rotator interface {
	MoveTo(ctx context.Context, target Pose, opts MoveOptions) error
	SetRate(rate Rate) error
	Stop() error
	Pose() (Pose, error)
	IsMoving() (bool, error)
	State() State
}

// MoveOptions controls how MoveTo reaches its target.
type MoveOptions struct {
	// Block waits for the move to finish before returning.
	Block bool
	// RateControl slews with the closed-loop rate controller instead of a
	// single goto command.
	RateControl bool
	// Gain overrides the proportional gain when non-zero.
	Gain float64
	// WaitTimeout overrides the blocking wait when non-zero.
	WaitTimeout time.Duration
}

type StatusCallback func(status State)

// Pose is an altitude/azimuth pair in degrees.
type Pose struct {
	Alt float64 `json:"alt"`
	Az  float64 `json:"az"`
}

// Normalize wraps both axes into (-180, 180].
func (p Pose) Normalize() Pose {
	return Pose{Alt: Normalize(p.Alt), Az: Normalize(p.Az)}
}

// Rate is an axis rate pair in degrees/second.
type Rate struct {
	Alt float64 `json:"alt_rate"`
	Az  float64 `json:"az_rate"`
}

// State is the last known position and commanded rate of a mount.
type State struct {
	Pose
	Rate
	// Updated is when the pose was last read from the mount.
	Updated time.Time `json:"updated"`
	// Slewing is true while a rate-controlled slew is running.
	Slewing bool `json:"slewing"`
}

// Normalize wraps an angle in degrees into (-180, 180].
func Normalize(deg float64) float64 {
	r := math.Mod(deg, 360)
	if r <= -180 {
		r += 360
	} else if r > 180 {
		r -= 360
	}
	return r
}

// Wrap360 wraps an angle in degrees into [0, 360).
func Wrap360(deg float64) float64 {
	r := math.Mod(deg, 360)
	if r < 0 {
		r += 360
	}
	if r >= 360 {
		r = 0
	}
	return r
}
