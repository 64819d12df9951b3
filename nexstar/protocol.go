package nexstar

import (
	"bytes"
	"fmt"
	"math"
	"strconv"

	"github.com/w1xm/mount_interface/rotator"
)

// Protocol docs at https://www.nexstarsite.com/download/manuals/NexStarCommunicationProtocolV1.2.zip

// Axis selects a motor in pass-through rate commands.
type Axis byte

const (
	AxisAzimuth  Axis = 16
	AxisAltitude Axis = 17
)

func (a Axis) String() string {
	switch a {
	case AxisAzimuth:
		return "azimuth"
	case AxisAltitude:
		return "altitude"
	}
	return fmt.Sprintf("axis(%d)", byte(a))
}

// Ack terminates every reply.
const Ack = '#'

// ReplyUntilAck marks a Frame whose reply has no fixed length.
const ReplyUntilAck = -1

const (
	// counts per revolution of the 32-bit position encoding
	fullCircle = 1 << 32
	// goto positions carry 24 significant bits
	gotoMask = 0xFFFFFF00
	// rate commands are in quarter arcseconds per second
	rateScale = 3600 * 4

	dirPositive = 6
	dirNegative = 7
)

// Frame is a command and the shape of the reply it expects.
type Frame struct {
	Command []byte
	// Reply is the number of payload bytes the mount sends before the
	// ACK, or ReplyUntilAck.
	Reply int
}

// Codec encodes commands for one protocol family and decodes its replies.
type Codec interface {
	Identify() Frame
	GetPosition() Frame
	DecodePosition(payload []byte) (rotator.Pose, error)
	Goto(target rotator.Pose) Frame
	SetRate(axis Axis, dps float64) Frame
	TrackingOff() Frame
	IsMoving() Frame
	DecodeMoving(payload []byte) (bool, error)
}

// Celestron is the NexStar hand controller command set.
type Celestron struct{}

var _ Codec = Celestron{}

func (Celestron) Identify() Frame {
	return Frame{Command: EncodeIdentify(), Reply: 1}
}

func (Celestron) GetPosition() Frame {
	return Frame{Command: EncodeGetPosition(), Reply: ReplyUntilAck}
}

func (Celestron) DecodePosition(payload []byte) (rotator.Pose, error) {
	alt, az, err := DecodePosition(payload)
	if err != nil {
		return rotator.Pose{}, err
	}
	return rotator.Pose{Alt: CountsToDegrees(alt), Az: CountsToDegrees(az)}, nil
}

func (Celestron) Goto(target rotator.Pose) Frame {
	return Frame{Command: EncodeGoto(target.Alt, target.Az)}
}

func (Celestron) SetRate(axis Axis, dps float64) Frame {
	return Frame{Command: EncodeSetRate(axis, dps)}
}

func (Celestron) TrackingOff() Frame {
	return Frame{Command: EncodeTrackingOff()}
}

func (Celestron) IsMoving() Frame {
	return Frame{Command: EncodeIsMoving(), Reply: 1}
}

func (Celestron) DecodeMoving(payload []byte) (bool, error) {
	if len(payload) != 1 {
		return false, &ProtocolError{Command: EncodeIsMoving(), Want: "one status byte", Got: payload}
	}
	return payload[0] != '0', nil
}

func EncodeIdentify() []byte {
	return []byte("m")
}

func EncodeGetPosition() []byte {
	return []byte("z")
}

func EncodeIsMoving() []byte {
	return []byte("L")
}

func EncodeTrackingOff() []byte {
	return []byte{'T', 0}
}

// DecodePosition parses a precise position reply "AZ,ALT" where each half
// is eight hex digits. A trailing ACK is ignored.
func DecodePosition(reply []byte) (alt, az uint32, err error) {
	body := bytes.TrimSuffix(reply, []byte{Ack})
	parts := bytes.Split(body, []byte{','})
	if len(parts) != 2 {
		return 0, 0, &ProtocolError{Command: EncodeGetPosition(), Want: "AZ,ALT hex pair", Got: reply}
	}
	var counts [2]uint32
	for i, part := range parts {
		v, perr := strconv.ParseUint(string(part), 16, 32)
		if perr != nil {
			return 0, 0, &ProtocolError{Command: EncodeGetPosition(), Want: "AZ,ALT hex pair", Got: reply}
		}
		counts[i] = uint32(v)
	}
	return counts[1], counts[0], nil
}

// CountsToDegrees converts a 32-bit encoder count into a normalized angle.
func CountsToDegrees(counts uint32) float64 {
	return rotator.Normalize(float64(counts) / fullCircle * 360)
}

// DegreesToCounts converts an angle to the 32-bit goto encoding. The low
// byte is cleared to match the controller's 24-bit resolution.
func DegreesToCounts(deg float64) uint32 {
	c := uint64(math.Round(rotator.Wrap360(deg) / 360 * fullCircle))
	return uint32(c) & gotoMask
}

// EncodeGoto builds a precise alt-az goto.
func EncodeGoto(alt, az float64) []byte {
	return []byte(fmt.Sprintf("b%08X,%08X", DegreesToCounts(az), DegreesToCounts(alt)))
}

// EncodeSetRate builds a variable-rate pass-through command. Rates beyond
// the 16-bit magnitude saturate.
func EncodeSetRate(axis Axis, dps float64) []byte {
	raw := int64(math.Round(dps * rateScale))
	dir := byte(dirPositive)
	if raw < 0 {
		dir = dirNegative
		raw = -raw
	}
	if raw > 0xFFFF {
		raw = 0xFFFF
	}
	return []byte{'P', 3, byte(axis), dir, byte(raw >> 8 & 0xFF), byte(raw & 0xFF), 0, 0}
}

// decodeSetRate is the inverse of EncodeSetRate.
func decodeSetRate(cmd []byte) (Axis, float64, error) {
	if len(cmd) != 8 || cmd[0] != 'P' || cmd[1] != 3 {
		return 0, 0, &ProtocolError{Command: cmd, Want: "P 3 axis dir hi lo 0 0"}
	}
	mag := float64(int(cmd[4])<<8|int(cmd[5])) / rateScale
	switch cmd[3] {
	case dirPositive:
	case dirNegative:
		mag = -mag
	default:
		return 0, 0, &ProtocolError{Command: cmd, Want: "direction 6 or 7"}
	}
	return Axis(cmd[2]), mag, nil
}
