package rotator

import (
	"errors"
	"math"
	"testing"
)

func TestNormalize(t *testing.T) {
	for _, test := range []struct {
		in, want float64
	}{
		{0, 0},
		{180, 180},
		{-180, 180},
		{181, -179},
		{-181, 179},
		{360, 0},
		{540, 180},
		{-540, 180},
		{720.5, 0.5},
		{-1e6, -1e6 + 2778*360},
		{359.75, -0.25},
	} {
		got := Normalize(test.in)
		if math.Abs(got-test.want) > 1e-9 {
			t.Errorf("Normalize(%v) = %v, want %v", test.in, got, test.want)
		}
	}
}

func TestNormalizeIdempotentAndInRange(t *testing.T) {
	for x := -5000.0; x <= 5000; x += 7.25 {
		n := Normalize(x)
		if n <= -180 || n > 180 {
			t.Fatalf("Normalize(%v) = %v outside (-180, 180]", x, n)
		}
		if nn := Normalize(n); nn != n {
			t.Fatalf("Normalize(Normalize(%v)) = %v, want %v", x, nn, n)
		}
	}
	for k := -10; k <= 10; k++ {
		if n := Normalize(float64(k) * 360); n != 0 {
			t.Errorf("Normalize(%d*360) = %v, want 0", k, n)
		}
	}
}

func TestWrap360(t *testing.T) {
	for _, test := range []struct {
		in, want float64
	}{
		{0, 0},
		{-90, 270},
		{360, 0},
		{-1e-20, 0},
		{725, 5},
	} {
		if got := Wrap360(test.in); math.Abs(got-test.want) > 1e-9 {
			t.Errorf("Wrap360(%v) = %v, want %v", test.in, got, test.want)
		}
	}
}

func TestLimitsValidate(t *testing.T) {
	limits := Limits{AltMin: Bound(-5), AltMax: Bound(95)}
	for _, test := range []struct {
		name   string
		limits Limits
		target Pose
		axis   string
	}{
		{"inside", limits, Pose{Alt: 45, Az: 170}, ""},
		{"above", limits, Pose{Alt: 120, Az: 0}, "altitude"},
		{"below", limits, Pose{Alt: -10, Az: 0}, "altitude"},
		{"unbounded", Limits{}, Pose{Alt: 179, Az: -179}, ""},
		{"azimuth", Limits{AzMin: Bound(-90), AzMax: Bound(90)}, Pose{Alt: 0, Az: 135}, "azimuth"},
		{"normalized first", Limits{AzMax: Bound(10)}, Pose{Az: 365}, ""},
		{"NaN altitude", limits, Pose{Alt: math.NaN()}, "altitude"},
		{"+Inf altitude", limits, Pose{Alt: math.Inf(1)}, "altitude"},
		{"-Inf azimuth", limits, Pose{Az: math.Inf(-1)}, "azimuth"},
		{"NaN unbounded", Limits{}, Pose{Az: math.NaN()}, "azimuth"},
	} {
		t.Run(test.name, func(t *testing.T) {
			err := test.limits.Validate(test.target)
			if test.axis == "" {
				if err != nil {
					t.Fatalf("Validate(%+v) = %v, want nil", test.target, err)
				}
				return
			}
			if !errors.Is(err, ErrOutOfRange) {
				t.Fatalf("Validate(%+v) = %v, want ErrOutOfRange", test.target, err)
			}
			var re *RangeError
			if !errors.As(err, &re) || re.Axis != test.axis {
				t.Errorf("Validate(%+v) = %v, want axis %q", test.target, err, test.axis)
			}
		})
	}
}

func TestHorizontal(t *testing.T) {
	for _, test := range []struct {
		name              string
		ha, dec, latitude float64
		want              Pose
	}{
		{"meridian", 0, 0, 40, Pose{Alt: 50, Az: 180}},
		{"setting", 90, 0, 40, Pose{Alt: 0, Az: -90}},
		{"rising", -90, 0, 40, Pose{Alt: 0, Az: 90}},
	} {
		t.Run(test.name, func(t *testing.T) {
			got := Horizontal(test.ha, test.dec, test.latitude)
			if math.Abs(got.Alt-test.want.Alt) > 1e-6 || math.Abs(Normalize(got.Az-test.want.Az)) > 1e-6 {
				t.Errorf("Horizontal(%v, %v, %v) = %+v, want %+v", test.ha, test.dec, test.latitude, got, test.want)
			}
		})
	}
}
