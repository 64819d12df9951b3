package rotator

import (
	"context"
	"sync"
)

// Offset applies a pointing correction to a Rotator. The offset is added
// to reported positions and subtracted from requested targets, so limits
// configured on the underlying mount stay in mount coordinates.
type Offset struct {
	Rotator
	mu     sync.Mutex
	offset Pose
}

// NewOffset returns an Offset with no Rotator attached yet. Set Rotator
// before use.
func NewOffset(offset Pose) *Offset {
	return &Offset{offset: offset.Normalize()}
}

func (o *Offset) Offset() Pose {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.offset
}

// SetOffset changes the correction. A move already in progress is not
// retargeted.
func (o *Offset) SetOffset(offset Pose) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.offset = offset.Normalize()
}

func add(p, offset Pose) Pose {
	return Pose{Alt: p.Alt + offset.Alt, Az: p.Az + offset.Az}.Normalize()
}

func sub(p, offset Pose) Pose {
	return Pose{Alt: p.Alt - offset.Alt, Az: p.Az - offset.Az}.Normalize()
}

func (o *Offset) MoveTo(ctx context.Context, target Pose, opts MoveOptions) error {
	return o.Rotator.MoveTo(ctx, sub(target, o.Offset()), opts)
}

func (o *Offset) Pose() (Pose, error) {
	p, err := o.Rotator.Pose()
	if err != nil {
		return p, err
	}
	return add(p, o.Offset()), nil
}

func (o *Offset) State() State {
	s := o.Rotator.State()
	s.Pose = add(s.Pose, o.Offset())
	return s
}

// Callback wraps cb so that it sees corrected positions.
func (o *Offset) Callback(cb StatusCallback) StatusCallback {
	return func(status State) {
		status.Pose = add(status.Pose, o.Offset())
		cb(status)
	}
}
