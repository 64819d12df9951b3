package nexstar

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/w1xm/mount_interface/rotator"
)

// argLen is the number of bytes following each command byte.
var argLen = map[byte]int{
	'm': 0,
	'z': 0,
	'L': 0,
	'T': 1,
	'P': 7,
	'b': 17,
}

// DefaultGotoRate is the simulated slew speed for goto commands, degrees/second.
const DefaultGotoRate = 4.0

// RateCommand is one pass-through rate command seen by the simulator.
type RateCommand struct {
	Axis Axis
	DPS  float64
}

// Simulator answers the NexStar command set over an in-memory pipe.
type Simulator struct {
	conn io.ReadWriteCloser
	log  *zap.Logger

	mu sync.Mutex
	// step advances simulated time by a fixed amount on every position or
	// motion query instead of following the wall clock.
	step     time.Duration
	gotoRate float64
	model    byte
	jammed   bool

	last       time.Time
	pose       rotator.Pose
	rate       rotator.Rate
	gotoTarget *rotator.Pose
	tracking   bool
	received   map[byte]int
	rates      []RateCommand
}

// NewSimulator returns a simulator and the client end of its link.
func NewSimulator(log *zap.Logger) (*Simulator, net.Conn) {
	if log == nil {
		log = zap.NewNop()
	}
	a, b := net.Pipe()
	return &Simulator{
		conn:     a,
		log:      log,
		gotoRate: DefaultGotoRate,
		model:    20,
		last:     time.Now(),
		tracking: true,
		received: make(map[byte]int),
	}, b
}

// SetStep switches to lockstep time: each 'z' or 'L' query advances the
// simulation by d. Zero follows the wall clock.
func (s *Simulator) SetStep(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.step = d
}

// SetJammed makes the axes ignore motion commands, as if the drive had stalled.
func (s *Simulator) SetJammed(jammed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jammed = jammed
}

func (s *Simulator) SetPose(p rotator.Pose) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pose = p.Normalize()
}

func (s *Simulator) Pose() rotator.Pose {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pose
}

func (s *Simulator) Rate() rotator.Rate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate
}

func (s *Simulator) Tracking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracking
}

// Received returns how many times cmd has been handled.
func (s *Simulator) Received(cmd byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received[cmd]
}

// RateCommands returns every rate command handled so far, oldest first.
func (s *Simulator) RateCommands() []RateCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RateCommand(nil), s.rates...)
}

// Run serves commands until ctx is done or the client hangs up.
func (s *Simulator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Wait for context to be canceled, then close connection.
		<-ctx.Done()
		return s.conn.Close()
	})
	g.Go(func() error {
		err := s.reader()
		if err == nil {
			err = io.EOF
		}
		return err
	})
	err := g.Wait()
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Simulator) reader() error {
	r := bufio.NewReader(s.conn)
	for {
		cmd, err := r.ReadByte()
		if err != nil {
			return err
		}
		n, ok := argLen[cmd]
		if !ok {
			s.log.Warn("unknown command", zap.Uint8("cmd", cmd))
			continue
		}
		args := make([]byte, n)
		if _, err := io.ReadFull(r, args); err != nil {
			return err
		}
		reply, err := s.handle(cmd, args)
		if err != nil {
			// A real hand controller stays silent on garbage.
			s.log.Warn("rejecting command", zap.String("cmd", string(cmd)), zap.Binary("args", args), zap.Error(err))
			continue
		}
		s.log.Debug("srv->sim", zap.String("cmd", string(cmd)), zap.ByteString("reply", reply))
		if _, err := s.conn.Write(reply); err != nil {
			return err
		}
	}
}

func (s *Simulator) handle(cmd byte, args []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received[cmd]++
	switch cmd {
	case 'm':
		return []byte{s.model, Ack}, nil
	case 'z':
		s.advance()
		return []byte(fmt.Sprintf("%08X,%08X#", rawCounts(s.pose.Az), rawCounts(s.pose.Alt))), nil
	case 'L':
		s.advance()
		if s.gotoTarget != nil {
			return []byte{'1', Ack}, nil
		}
		return []byte{'0', Ack}, nil
	case 'T':
		s.tracking = args[0] != 0
		return []byte{Ack}, nil
	case 'P':
		axis, dps, err := decodeSetRate(append([]byte{cmd}, args...))
		if err != nil {
			return nil, err
		}
		if s.step == 0 {
			s.advance()
		}
		switch axis {
		case AxisAzimuth:
			s.rate.Az = dps
		case AxisAltitude:
			s.rate.Alt = dps
		default:
			return nil, errors.Errorf("unknown axis %d", axis)
		}
		s.gotoTarget = nil
		s.rates = append(s.rates, RateCommand{Axis: axis, DPS: dps})
		return []byte{Ack}, nil
	case 'b':
		alt, az, err := DecodePosition(args)
		if err != nil {
			return nil, err
		}
		if s.step == 0 {
			s.advance()
		}
		s.rate = rotator.Rate{}
		s.gotoTarget = &rotator.Pose{Alt: CountsToDegrees(alt), Az: CountsToDegrees(az)}
		return []byte{Ack}, nil
	}
	return nil, errors.Errorf("unhandled command %q", cmd)
}

// advance moves the simulated axes up to now.
func (s *Simulator) advance() {
	now := time.Now()
	dt := now.Sub(s.last).Seconds()
	if s.step > 0 {
		dt = s.step.Seconds()
	}
	s.last = now
	if s.jammed {
		return
	}
	if s.gotoTarget != nil {
		reached := true
		for _, axis := range []struct{ cur, target *float64 }{
			{&s.pose.Alt, &s.gotoTarget.Alt},
			{&s.pose.Az, &s.gotoTarget.Az},
		} {
			d := rotator.Normalize(*axis.target - *axis.cur)
			if stride := s.gotoRate * dt; math.Abs(d) > stride {
				*axis.cur = rotator.Normalize(*axis.cur + math.Copysign(stride, d))
				reached = false
			} else {
				*axis.cur = *axis.target
			}
		}
		if reached {
			s.gotoTarget = nil
		}
		return
	}
	s.pose.Alt = rotator.Normalize(s.pose.Alt + s.rate.Alt*dt)
	s.pose.Az = rotator.Normalize(s.pose.Az + s.rate.Az*dt)
}

// rawCounts is the unmasked 32-bit position a real encoder reports.
func rawCounts(deg float64) uint32 {
	return uint32(uint64(math.Round(rotator.Wrap360(deg) / 360 * fullCircle)))
}
