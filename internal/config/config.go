// Package config reads the mount daemon's KEY=VALUE configuration file.
package config

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/w1xm/mount_interface/nexstar"
	"github.com/w1xm/mount_interface/rotator"
)

// Config holds everything mountd can be told through the config file.
// Unset numeric fields fall back to the nexstar defaults.
type Config struct {
	// Serial link
	SerialPort    string
	SerialTimeout time.Duration

	// Limits, nil when unbounded
	AltMin, AltMax *float64
	AzMin, AzMax   *float64

	// Controller
	MaxRateAlt  float64
	MaxRateAz   float64
	Gain        float64
	Tolerance   float64
	WaitTimeout time.Duration
	// PollInterval paces is-moving queries during a goto.
	PollInterval time.Duration
	SlewTimeout  time.Duration

	// Site latitude in degrees, used for equatorial gotos.
	Latitude float64
	// Pointing correction added to mount positions.
	AltOffset, AzOffset float64

	// Servers
	HTTPAddr    string
	RotctldAddr string

	// MQTT
	MQTTBroker   string
	MQTTClientID string
	MQTTTopic    string
}

// Load reads the configuration file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening config file")
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads KEY=VALUE lines from r. Blank lines and lines starting with
// '#' are ignored.
func Parse(r io.Reader) (*Config, error) {
	cfg := &Config{}
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, errors.Errorf("invalid config line %d: %q", lineNum, line)
		}
		if err := cfg.setValue(strings.TrimSpace(key), strings.TrimSpace(value)); err != nil {
			return nil, errors.Wrapf(err, "config line %d", lineNum)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading config file")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseFloat(key, value string) (float64, error) {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s %q", key, value)
	}
	return v, nil
}

func parsePositive(key, value string) (float64, error) {
	v, err := parseFloat(key, value)
	if err != nil {
		return 0, err
	}
	if v <= 0 {
		return 0, errors.Errorf("%s must be positive, got %v", key, v)
	}
	return v, nil
}

func parseDuration(key, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s %q", key, value)
	}
	if d < 0 {
		return 0, errors.Errorf("%s must not be negative, got %v", key, d)
	}
	return d, nil
}

func (c *Config) setValue(key, value string) (err error) {
	bound := func() *float64 {
		var v float64
		v, err = parseFloat(key, value)
		return &v
	}
	switch key {
	case "SERIAL_PORT":
		c.SerialPort = value
	case "SERIAL_TIMEOUT":
		c.SerialTimeout, err = parseDuration(key, value)

	case "ALT_MIN":
		c.AltMin = bound()
	case "ALT_MAX":
		c.AltMax = bound()
	case "AZ_MIN":
		c.AzMin = bound()
	case "AZ_MAX":
		c.AzMax = bound()

	case "MAX_RATE_ALT":
		c.MaxRateAlt, err = parsePositive(key, value)
	case "MAX_RATE_AZ":
		c.MaxRateAz, err = parsePositive(key, value)
	case "GAIN":
		c.Gain, err = parsePositive(key, value)
	case "TOLERANCE":
		c.Tolerance, err = parsePositive(key, value)
	case "WAIT_TIMEOUT":
		c.WaitTimeout, err = parseDuration(key, value)
	case "POLL_INTERVAL":
		c.PollInterval, err = parseDuration(key, value)
	case "SLEW_TIMEOUT":
		c.SlewTimeout, err = parseDuration(key, value)

	case "LATITUDE":
		c.Latitude, err = parseFloat(key, value)
		if err == nil && (c.Latitude < -90 || c.Latitude > 90) {
			err = errors.Errorf("LATITUDE must be within [-90, 90], got %v", c.Latitude)
		}

	case "ALT_OFFSET":
		c.AltOffset, err = parseFloat(key, value)
	case "AZ_OFFSET":
		c.AzOffset, err = parseFloat(key, value)

	case "HTTP_ADDR":
		c.HTTPAddr = value
	case "ROTCTLD_ADDR":
		c.RotctldAddr = value

	case "MQTT_BROKER":
		c.MQTTBroker = value
	case "MQTT_CLIENT_ID":
		c.MQTTClientID = value
	case "MQTT_TOPIC":
		c.MQTTTopic = value

	default:
		return errors.Errorf("unknown key %q", key)
	}
	return err
}

func (c *Config) validate() error {
	for _, pair := range []struct {
		axis     string
		min, max *float64
	}{
		{"altitude", c.AltMin, c.AltMax},
		{"azimuth", c.AzMin, c.AzMax},
	} {
		if pair.min != nil && pair.max != nil && *pair.min > *pair.max {
			return errors.Errorf("%s minimum %v is above maximum %v", pair.axis, *pair.min, *pair.max)
		}
	}
	if c.MQTTBroker != "" && c.MQTTTopic == "" {
		return errors.New("MQTT_TOPIC is required when MQTT_BROKER is set")
	}
	return nil
}

// Limits returns the configured soft limits.
func (c *Config) Limits() rotator.Limits {
	return rotator.Limits{
		AltMin: c.AltMin,
		AltMax: c.AltMax,
		AzMin:  c.AzMin,
		AzMax:  c.AzMax,
	}
}

// Offset returns the configured pointing correction.
func (c *Config) Offset() rotator.Pose {
	return rotator.Pose{Alt: c.AltOffset, Az: c.AzOffset}
}

// Mount returns the mount settings from the file. Callers fill in the
// logger, metrics and callbacks.
func (c *Config) Mount() nexstar.Config {
	return nexstar.Config{
		Limits:       c.Limits(),
		MaxRate:      rotator.Rate{Alt: c.MaxRateAlt, Az: c.MaxRateAz},
		Gain:         c.Gain,
		Tolerance:    c.Tolerance,
		WaitTimeout:  c.WaitTimeout,
		PollInterval: c.PollInterval,
		SlewTimeout:  c.SlewTimeout,
		Timeout:      c.SerialTimeout,
	}
}
