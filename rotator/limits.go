package rotator

import (
	"errors"
	"fmt"
	"math"
)

var ErrOutOfRange = errors.New("target out of range")

// Limits is the operating envelope for absolute moves. A nil bound is
// unbounded on that side.
type Limits struct {
	AltMin, AltMax *float64
	AzMin, AzMax   *float64
}

// Bound returns a pointer suitable for a Limits field.
func Bound(v float64) *float64 {
	return &v
}

// RangeError reports which axis of a target fell outside the limits.
type RangeError struct {
	Axis     string
	Value    float64
	Min, Max *float64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%s %.4f outside [%s, %s]", e.Axis, e.Value, fmtBound(e.Min, "-inf"), fmtBound(e.Max, "+inf"))
}

func (e *RangeError) Unwrap() error {
	return ErrOutOfRange
}

func fmtBound(b *float64, unbounded string) string {
	if b == nil {
		return unbounded
	}
	return fmt.Sprintf("%.4f", *b)
}

// Validate checks target against each configured bound. NaN and infinite
// angles are always out of range. Finite angles are normalized first.
// Validate never touches the mount.
func (l Limits) Validate(target Pose) error {
	for _, c := range []struct {
		axis     string
		v        float64
		min, max *float64
	}{
		{"altitude", target.Alt, l.AltMin, l.AltMax},
		{"azimuth", target.Az, l.AzMin, l.AzMax},
	} {
		if math.IsNaN(c.v) || math.IsInf(c.v, 0) {
			return &RangeError{Axis: c.axis, Value: c.v, Min: c.min, Max: c.max}
		}
		v := Normalize(c.v)
		if (c.min != nil && v < *c.min) || (c.max != nil && v > *c.max) {
			return &RangeError{Axis: c.axis, Value: v, Min: c.min, Max: c.max}
		}
	}
	return nil
}
