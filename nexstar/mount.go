package nexstar

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/w1xm/mount_interface/rotator"
)

const (
	DefaultMaxRate      = 4.0
	DefaultGain         = 1.5
	DefaultTolerance    = 0.001
	DefaultWaitTimeout  = 120 * time.Second
	DefaultPollInterval = 500 * time.Millisecond
)

// Config controls a Mount. Zero fields take the defaults above.
type Config struct {
	Limits rotator.Limits
	// MaxRate caps the controller's commanded rate per axis in degrees/second.
	MaxRate rotator.Rate
	Gain    float64
	// Tolerance is the rate below which both axes count as converged.
	Tolerance float64
	// WaitTimeout bounds a blocking MoveTo.
	WaitTimeout time.Duration
	// PollInterval paces is-moving queries while waiting on a goto.
	PollInterval time.Duration
	// SlewTimeout bounds a rate-controlled slew even when nobody waits on
	// it. Zero lets a slew run until it converges or is stopped.
	SlewTimeout time.Duration
	// Timeout bounds each read and write on the link.
	Timeout time.Duration

	Codec          Codec
	Logger         *zap.Logger
	Metrics        *Metrics
	TracerProvider trace.TracerProvider
	// StatusCallback runs synchronously on whichever goroutine changed the
	// state, sometimes with the Mount's locks held. It must not call back
	// into the Mount.
	StatusCallback rotator.StatusCallback
}

func (c Config) withDefaults() Config {
	if c.MaxRate.Alt <= 0 {
		c.MaxRate.Alt = DefaultMaxRate
	}
	if c.MaxRate.Az <= 0 {
		c.MaxRate.Az = DefaultMaxRate
	}
	if c.Gain <= 0 {
		c.Gain = DefaultGain
	}
	if c.Tolerance <= 0 {
		c.Tolerance = DefaultTolerance
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = DefaultWaitTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Codec == nil {
		c.Codec = Celestron{}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.TracerProvider == nil {
		c.TracerProvider = otel.GetTracerProvider()
	}
	return c
}

// Mount supervises motion of a NexStar mount. At most one Slew runs at a
// time, and every command/reply pair is serialized on the link.
type Mount struct {
	cfg    Config
	codec  Codec
	log    *zap.Logger
	tracer trace.Tracer
	closer io.Closer

	// mu is held across each full round trip.
	mu     sync.Mutex
	t      *Transport
	closed bool

	// slewMu serializes stop-then-start of slews.
	slewMu sync.Mutex
	slew   *Slew
	// moveGen advances whenever a motion command supersedes the last one.
	moveGen uint64

	stateMu sync.RWMutex
	state   rotator.State
}

var _ rotator.Rotator = (*Mount)(nil)

// New wraps an open, verified link to the mount. If port is an io.Closer
// it is closed by Close.
func New(port io.ReadWriter, cfg Config) *Mount {
	cfg = cfg.withDefaults()
	m := &Mount{
		cfg:    cfg,
		codec:  cfg.Codec,
		log:    cfg.Logger,
		tracer: cfg.TracerProvider.Tracer("github.com/w1xm/mount_interface/nexstar"),
		t:      NewTransport(port, cfg.Timeout),
	}
	if c, ok := port.(io.Closer); ok {
		m.closer = c
	}
	return m
}

func (m *Mount) exchange(command string, f Frame) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	start := time.Now()
	payload, err := m.t.Exchange(f)
	m.cfg.Metrics.observeRoundTrip(command, time.Since(start), err)
	if err != nil {
		m.log.Debug("round trip failed", zap.String("command", command), zap.Error(err))
		return nil, errors.Wrap(err, command)
	}
	return payload, nil
}

func (m *Mount) updateState(update func(s *rotator.State)) {
	m.stateMu.Lock()
	update(&m.state)
	state := m.state
	m.stateMu.Unlock()
	if m.cfg.StatusCallback != nil {
		m.cfg.StatusCallback(state)
	}
}

func (m *Mount) pose() (rotator.Pose, error) {
	payload, err := m.exchange("get position", m.codec.GetPosition())
	if err != nil {
		return rotator.Pose{}, err
	}
	p, err := m.codec.DecodePosition(payload)
	if err != nil {
		m.cfg.Metrics.observeError(err)
		return rotator.Pose{}, errors.Wrap(err, "get position")
	}
	p = p.Normalize()
	m.updateState(func(s *rotator.State) {
		s.Pose = p
		s.Updated = time.Now()
	})
	return p, nil
}

func (m *Mount) setRate(rate rotator.Rate) error {
	if _, err := m.exchange("set azimuth rate", m.codec.SetRate(AxisAzimuth, rate.Az)); err != nil {
		return err
	}
	if _, err := m.exchange("set altitude rate", m.codec.SetRate(AxisAltitude, rate.Alt)); err != nil {
		return err
	}
	m.updateState(func(s *rotator.State) {
		s.Rate = rate
	})
	return nil
}

// Pose reads the current position from the mount.
func (m *Mount) Pose() (rotator.Pose, error) {
	return m.pose()
}

// IsMoving reports whether a goto is in progress or a slew is running.
func (m *Mount) IsMoving() (bool, error) {
	if s := m.Session(); s != nil && !s.State().Terminal() {
		return true, nil
	}
	return m.gotoInProgress()
}

func (m *Mount) gotoInProgress() (bool, error) {
	payload, err := m.exchange("is moving", m.codec.IsMoving())
	if err != nil {
		return false, err
	}
	moving, err := m.codec.DecodeMoving(payload)
	if err != nil {
		m.cfg.Metrics.observeError(err)
		return false, errors.Wrap(err, "is moving")
	}
	return moving, nil
}

// Identify returns the model byte reported by the hand controller.
func (m *Mount) Identify() (byte, error) {
	payload, err := m.exchange("identify", m.codec.Identify())
	if err != nil {
		return 0, err
	}
	if len(payload) == 0 {
		return 0, &ProtocolError{Command: EncodeIdentify(), Want: "model byte"}
	}
	return payload[0], nil
}

func (m *Mount) DisableTracking() error {
	_, err := m.exchange("tracking off", m.codec.TrackingOff())
	return err
}

// State returns the cached position and rate without touching the link.
func (m *Mount) State() rotator.State {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state
}

// Session returns the most recent slew, which may already be finished.
func (m *Mount) Session() *Slew {
	m.slewMu.Lock()
	defer m.slewMu.Unlock()
	return m.slew
}

// cancelSlew supersedes the current motion: a pending goto wait is released
// and the live slew, if any, is stopped and joined. Callers hold slewMu.
func (m *Mount) cancelSlew() {
	m.moveGen++
	if m.slew != nil {
		m.slew.stop()
	}
}

// SetRate drives both axes at rate. Limits are not applied, and rates are
// not clamped to Config.MaxRate; each axis only saturates at the protocol
// maximum. A running slew is cancelled first.
func (m *Mount) SetRate(rate rotator.Rate) error {
	m.slewMu.Lock()
	defer m.slewMu.Unlock()
	m.cancelSlew()
	return m.setRate(rate)
}

// Stop cancels any slew and always commands zero rate on both axes.
func (m *Mount) Stop() error {
	_, span := m.tracer.Start(context.Background(), "nexstar.Stop")
	defer span.End()
	m.slewMu.Lock()
	defer m.slewMu.Unlock()
	m.cancelSlew()
	if err := m.setRate(rotator.Rate{}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return errors.Wrap(err, "stop")
	}
	m.log.Info("stopped")
	return nil
}

// MoveTo points the mount at target. Limits are checked before anything is
// sent. Any running slew is cancelled and joined first.
func (m *Mount) MoveTo(ctx context.Context, target rotator.Pose, opts rotator.MoveOptions) (err error) {
	target = target.Normalize()
	ctx, span := m.tracer.Start(ctx, "nexstar.MoveTo", trace.WithAttributes(
		attribute.Float64("target.alt", target.Alt),
		attribute.Float64("target.az", target.Az),
		attribute.Bool("block", opts.Block),
		attribute.Bool("rate_control", opts.RateControl),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := m.cfg.Limits.Validate(target); err != nil {
		m.log.Warn("rejecting move", zap.Float64("alt", target.Alt), zap.Float64("az", target.Az), zap.Error(err))
		return err
	}
	wait := opts.WaitTimeout
	if wait <= 0 {
		wait = m.cfg.WaitTimeout
	}

	m.slewMu.Lock()
	if m.isClosed() {
		m.slewMu.Unlock()
		return ErrClosed
	}
	m.cancelSlew()
	if !opts.RateControl {
		gen := m.moveGen
		_, err := m.exchange("goto", m.codec.Goto(target))
		m.slewMu.Unlock()
		if err != nil {
			return err
		}
		m.log.Info("goto", zap.Float64("alt", target.Alt), zap.Float64("az", target.Az))
		if !opts.Block {
			return nil
		}
		return m.waitGoto(ctx, gen, wait)
	}
	gain := opts.Gain
	if gain <= 0 {
		gain = m.cfg.Gain
	}
	s := m.startSlew(ctx, target, gain)
	m.slewMu.Unlock()
	if !opts.Block {
		return nil
	}
	return m.waitSlew(ctx, s, wait)
}

func (m *Mount) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// startSlew launches a controller goroutine. Callers hold slewMu.
func (m *Mount) startSlew(ctx context.Context, target rotator.Pose, gain float64) *Slew {
	sctx, cancel := context.WithCancel(context.Background())
	s := newSlew(target, gain, cancel)
	m.slew = s
	c := &rateController{
		target:    target,
		gain:      gain,
		maxRate:   m.cfg.MaxRate,
		tolerance: m.cfg.Tolerance,
		timeout:   m.cfg.SlewTimeout,
		log:       m.log,
		metrics:   m.cfg.Metrics,
	}
	// The slew outlives the request that started it; link rather than parent.
	_, span := m.tracer.Start(sctx, "nexstar.slew", trace.WithLinks(trace.LinkFromContext(ctx)))
	log := m.log.With(zap.Float64("target_alt", target.Alt), zap.Float64("target_az", target.Az))
	log.Info("slew started", zap.Float64("gain", gain))
	m.cfg.Metrics.setSlewing(true)
	m.updateState(func(st *rotator.State) { st.Slewing = true })
	go func() {
		state, err := c.run(sctx, m)
		m.cfg.Metrics.observeSlew(state)
		m.cfg.Metrics.setSlewing(false)
		m.updateState(func(st *rotator.State) { st.Slewing = false })
		switch state {
		case SlewFailed:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			log.Error("slew failed", zap.Error(err))
		default:
			log.Info("slew finished", zap.Stringer("state", state), zap.Duration("elapsed", time.Since(s.started)))
		}
		span.SetAttributes(attribute.String("result", state.String()))
		span.End()
		s.finish(state, err)
	}()
	return s
}

func (m *Mount) waitSlew(ctx context.Context, s *Slew, wait time.Duration) error {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-s.Done():
		return s.Err()
	case <-timer.C:
		m.abandon(s)
		return errors.Wrapf(ErrMotionTimeout, "slew not done after %v", wait)
	case <-ctx.Done():
		m.abandon(s)
		return ctx.Err()
	}
}

// abandon cancels s if it is still the current slew.
func (m *Mount) abandon(s *Slew) {
	m.slewMu.Lock()
	defer m.slewMu.Unlock()
	if m.slew == s {
		m.cancelSlew()
	}
}

// pollGoto asks whether the goto started at generation gen is still
// moving. Once another command has superseded it, it returns ErrCancelled
// without touching the link.
func (m *Mount) pollGoto(gen uint64) (bool, error) {
	m.slewMu.Lock()
	defer m.slewMu.Unlock()
	if m.moveGen != gen {
		return false, errors.Wrap(ErrCancelled, "goto superseded")
	}
	return m.gotoInProgress()
}

// abandonGoto halts the axes if the goto at generation gen is still current.
func (m *Mount) abandonGoto(gen uint64) error {
	m.slewMu.Lock()
	defer m.slewMu.Unlock()
	if m.moveGen != gen {
		return nil
	}
	m.cancelSlew()
	return errors.Wrap(m.setRate(rotator.Rate{}), "stop")
}

func (m *Mount) waitGoto(ctx context.Context, gen uint64, wait time.Duration) error {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		moving, err := m.pollGoto(gen)
		if err != nil {
			return err
		}
		if !moving {
			return nil
		}
		select {
		case <-ticker.C:
		case <-timer.C:
			return multierr.Append(errors.Wrapf(ErrMotionTimeout, "goto not done after %v", wait), m.abandonGoto(gen))
		case <-ctx.Done():
			return multierr.Append(ctx.Err(), m.abandonGoto(gen))
		}
	}
}

// Close stops the mount and releases the link. It is safe to call more than once.
func (m *Mount) Close() error {
	m.slewMu.Lock()
	defer m.slewMu.Unlock()
	if m.isClosed() {
		return nil
	}
	m.cancelSlew()
	err := m.setRate(rotator.Rate{})
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	if m.closer != nil {
		err = multierr.Append(err, m.closer.Close())
	}
	return err
}
