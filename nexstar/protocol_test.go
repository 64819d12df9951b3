package nexstar

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/w1xm/mount_interface/rotator"
)

func TestEncodeGoto(t *testing.T) {
	for _, test := range []struct {
		alt, az float64
		want    string
	}{
		{0, 0, "b00000000,00000000"},
		{45, 90, "b40000000,20000000"},
		{-90, 180, "b80000000,C0000000"},
		{0.00001, 0, "b00000000,00000000"},
		{360, -360, "b00000000,00000000"},
	} {
		if got := string(EncodeGoto(test.alt, test.az)); got != test.want {
			t.Errorf("EncodeGoto(%v, %v) = %q, want %q", test.alt, test.az, got, test.want)
		}
	}
}

func TestGotoRoundTripWithinResolution(t *testing.T) {
	const resolution = 360.0 / (1 << 24)
	for alt := -180.0; alt <= 180; alt += 12.345 {
		for az := -179.9999999; az <= 180; az += 17.777 {
			cmd := EncodeGoto(alt, az)
			gotAlt, gotAz, err := DecodePosition(cmd[1:])
			if err != nil {
				t.Fatalf("DecodePosition(%q): %v", cmd[1:], err)
			}
			dAlt := rotator.Normalize(CountsToDegrees(gotAlt) - alt)
			dAz := rotator.Normalize(CountsToDegrees(gotAz) - az)
			if math.Abs(dAlt) > resolution || math.Abs(dAz) > resolution {
				t.Fatalf("round trip of (%v, %v) off by (%g, %g), want <= %g", alt, az, dAlt, dAz, resolution)
			}
		}
	}
}

func TestDecodePosition(t *testing.T) {
	for _, test := range []struct {
		reply   string
		alt, az uint32
		err     error
	}{
		{"40000000,20000000", 0x20000000, 0x40000000, nil},
		{"40000000,20000000#", 0x20000000, 0x40000000, nil},
		{"0000ab00,FFFFFF00", 0xFFFFFF00, 0xAB00, nil},
		{"", 0, 0, ErrProtocol},
		{"12345678", 0, 0, ErrProtocol},
		{"12345678,zz", 0, 0, ErrProtocol},
		{"1,2,3", 0, 0, ErrProtocol},
		{"123456789,00000000", 0, 0, ErrProtocol},
	} {
		t.Run(test.reply, func(t *testing.T) {
			alt, az, err := DecodePosition([]byte(test.reply))
			if !errors.Is(err, test.err) {
				t.Fatalf("DecodePosition(%q) error = %v, want %v", test.reply, err, test.err)
			}
			if alt != test.alt || az != test.az {
				t.Errorf("DecodePosition(%q) = (%#x, %#x), want (%#x, %#x)", test.reply, alt, az, test.alt, test.az)
			}
		})
	}
}

func TestCountsToDegrees(t *testing.T) {
	for _, test := range []struct {
		counts uint32
		want   float64
	}{
		{0, 0},
		{0x40000000, 90},
		{0x80000000, 180},
		{0xC0000000, -90},
	} {
		if got := CountsToDegrees(test.counts); got != test.want {
			t.Errorf("CountsToDegrees(%#x) = %v, want %v", test.counts, got, test.want)
		}
	}
}

func TestEncodeSetRate(t *testing.T) {
	for _, test := range []struct {
		name string
		axis Axis
		dps  float64
		want []byte
	}{
		{"zero", AxisAzimuth, 0, []byte{'P', 3, 16, 6, 0, 0, 0, 0}},
		{"negative zero", AxisAltitude, math.Copysign(0, -1), []byte{'P', 3, 17, 6, 0, 0, 0, 0}},
		{"one", AxisAzimuth, 1, []byte{'P', 3, 16, 6, 0x38, 0x40, 0, 0}},
		{"negative half", AxisAltitude, -0.5, []byte{'P', 3, 17, 7, 0x1C, 0x20, 0, 0}},
		{"max", AxisAzimuth, 4, []byte{'P', 3, 16, 6, 0xE1, 0x00, 0, 0}},
		{"saturates", AxisAltitude, -10, []byte{'P', 3, 17, 7, 0xFF, 0xFF, 0, 0}},
	} {
		t.Run(test.name, func(t *testing.T) {
			got := EncodeSetRate(test.axis, test.dps)
			if diff := cmp.Diff(test.want, got); diff != "" {
				t.Errorf("EncodeSetRate(%v, %v) mismatch (-want +got):\n%s", test.axis, test.dps, diff)
			}
		})
	}
}

func TestDecodeSetRate(t *testing.T) {
	for _, dps := range []float64{0, 1, -1, 3.25, -4} {
		axis, got, err := decodeSetRate(EncodeSetRate(AxisAltitude, dps))
		if err != nil {
			t.Fatalf("decodeSetRate: %v", err)
		}
		if axis != AxisAltitude || got != dps {
			t.Errorf("decodeSetRate(EncodeSetRate(%v)) = %v, %v", dps, axis, got)
		}
	}
	if _, _, err := decodeSetRate([]byte{'P', 3, 16, 9, 0, 0, 0, 0}); !errors.Is(err, ErrProtocol) {
		t.Errorf("bad direction: got %v, want ErrProtocol", err)
	}
}

func TestCelestronFrames(t *testing.T) {
	var c Celestron
	for _, test := range []struct {
		name  string
		frame Frame
		want  Frame
	}{
		{"identify", c.Identify(), Frame{Command: []byte("m"), Reply: 1}},
		{"position", c.GetPosition(), Frame{Command: []byte("z"), Reply: ReplyUntilAck}},
		{"tracking", c.TrackingOff(), Frame{Command: []byte{'T', 0}}},
		{"moving", c.IsMoving(), Frame{Command: []byte("L"), Reply: 1}},
		{"goto", c.Goto(rotator.Pose{Alt: 45, Az: 90}), Frame{Command: []byte("b40000000,20000000")}},
	} {
		if diff := cmp.Diff(test.want, test.frame); diff != "" {
			t.Errorf("%s frame mismatch (-want +got):\n%s", test.name, diff)
		}
	}
}

func TestDecodeMoving(t *testing.T) {
	var c Celestron
	for _, test := range []struct {
		payload string
		want    bool
		err     error
	}{
		{"0", false, nil},
		{"1", true, nil},
		{"\x01", true, nil},
		{"", false, ErrProtocol},
	} {
		got, err := c.DecodeMoving([]byte(test.payload))
		if !errors.Is(err, test.err) || got != test.want {
			t.Errorf("DecodeMoving(%q) = %v, %v; want %v, %v", test.payload, got, err, test.want, test.err)
		}
	}
}
