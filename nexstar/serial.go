package nexstar

import (
	"github.com/pkg/errors"
	"github.com/tarm/serial"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Baud is the hand controller's fixed line rate.
const Baud = 9600

// Open opens a serial port, checks that a hand controller answers, turns
// tracking off, and returns a Mount that owns the port.
func Open(name string, cfg Config) (*Mount, error) {
	cfg = cfg.withDefaults()
	c := &serial.Config{
		Name:        name,
		Baud:        Baud,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: cfg.Timeout,
	}
	port, err := serial.OpenPort(c)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %q", name)
	}
	// Drop anything left over from a previous session.
	if err := port.Flush(); err != nil {
		return nil, multierr.Append(errors.Wrapf(err, "flushing %q", name), port.Close())
	}
	m := New(port, cfg)
	model, err := m.Identify()
	if err != nil {
		return nil, multierr.Append(errors.Wrapf(err, "identifying %q", name), port.Close())
	}
	if err := m.DisableTracking(); err != nil {
		return nil, multierr.Append(errors.Wrapf(err, "configuring %q", name), port.Close())
	}
	cfg.Logger.Info("opened mount", zap.String("port", name), zap.Uint8("model", model))
	return m, nil
}
