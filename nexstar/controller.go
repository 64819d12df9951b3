package nexstar

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/w1xm/mount_interface/rotator"
)

// SlewState is the lifecycle of one rate-controlled slew.
type SlewState int

const (
	SlewIdle SlewState = iota
	SlewSlewing
	SlewSucceeded
	SlewCancelled
	SlewFailed
)

func (s SlewState) String() string {
	switch s {
	case SlewIdle:
		return "idle"
	case SlewSlewing:
		return "slewing"
	case SlewSucceeded:
		return "succeeded"
	case SlewCancelled:
		return "cancelled"
	case SlewFailed:
		return "failed"
	}
	return fmt.Sprintf("SlewState(%d)", int(s))
}

// Terminal reports whether no further transitions can happen.
func (s SlewState) Terminal() bool {
	return s == SlewSucceeded || s == SlewCancelled || s == SlewFailed
}

// axes is the part of the mount the controller drives.
type axes interface {
	pose() (rotator.Pose, error)
	setRate(rate rotator.Rate) error
}

// rateController drives the axes with a rate proportional to the
// remaining error until both axes are within tolerance.
type rateController struct {
	target    rotator.Pose
	gain      float64
	maxRate   rotator.Rate
	tolerance float64
	// timeout bounds the whole slew; zero runs until convergence or cancellation.
	timeout time.Duration

	log     *zap.Logger
	metrics *Metrics
}

func clamp(v, limit float64) float64 {
	return math.Max(-limit, math.Min(limit, v))
}

// step returns the rate to command from the current pose and whether the
// target has been reached.
func (c *rateController) step(current rotator.Pose) (rotator.Rate, bool) {
	rate := rotator.Rate{
		Alt: clamp(c.gain*rotator.Normalize(c.target.Alt-current.Alt), c.maxRate.Alt),
		Az:  clamp(c.gain*rotator.Normalize(c.target.Az-current.Az), c.maxRate.Az),
	}
	if math.Abs(rate.Alt) < c.tolerance && math.Abs(rate.Az) < c.tolerance {
		return rotator.Rate{}, true
	}
	return rate, false
}

func (c *rateController) run(ctx context.Context, a axes) (SlewState, error) {
	var expired <-chan time.Time
	if c.timeout > 0 {
		timer := time.NewTimer(c.timeout)
		defer timer.Stop()
		expired = timer.C
	}
	for {
		select {
		case <-ctx.Done():
			return SlewCancelled, c.halt(a, ErrCancelled)
		case <-expired:
			return SlewFailed, c.halt(a, errors.Wrapf(ErrSlewTimeout, "after %v", c.timeout))
		default:
		}
		c.metrics.iteration()
		current, err := a.pose()
		if err != nil {
			return SlewFailed, c.halt(a, err)
		}
		rate, done := c.step(current)
		if err := a.setRate(rate); err != nil {
			return SlewFailed, c.halt(a, err)
		}
		if done {
			c.log.Debug("slew converged", zap.Float64("alt", current.Alt), zap.Float64("az", current.Az))
			return SlewSucceeded, nil
		}
	}
}

// halt commands zero rate and returns cause, plus any error from stopping.
func (c *rateController) halt(a axes, cause error) error {
	if err := a.setRate(rotator.Rate{}); err != nil {
		return multierr.Append(cause, errors.Wrap(err, "stopping axes"))
	}
	return cause
}
