package nexstar

import (
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus collectors for mount traffic and slews. A nil
// *Metrics records nothing.
type Metrics struct {
	RoundTrips *prometheus.HistogramVec
	Errors     *prometheus.CounterVec
	Slews      *prometheus.CounterVec
	Iterations prometheus.Counter
	Slewing    prometheus.Gauge
}

// NewMetrics registers mount metrics against reg, defaulting to the global
// registry when nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	roundTrips, err := register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mount_round_trip_seconds",
		Help:    "Latency of one command and its reply on the serial link.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"command"}), "mount_round_trip_seconds")
	if err != nil {
		return nil, err
	}
	errs, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mount_errors_total",
		Help: "Failed round trips, labeled by kind (timeout, protocol, io).",
	}, []string{"kind"}), "mount_errors_total")
	if err != nil {
		return nil, err
	}
	slews, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mount_slews_total",
		Help: "Finished rate-controlled slews, labeled by result.",
	}, []string{"result"}), "mount_slews_total")
	if err != nil {
		return nil, err
	}
	iterations, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mount_controller_iterations_total",
		Help: "Rate controller iterations across all slews.",
	}), "mount_controller_iterations_total")
	if err != nil {
		return nil, err
	}
	slewing, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mount_slewing",
		Help: "1 while a rate-controlled slew is running.",
	}), "mount_slewing")
	if err != nil {
		return nil, err
	}
	return &Metrics{
		RoundTrips: roundTrips,
		Errors:     errs,
		Slews:      slews,
		Iterations: iterations,
		Slewing:    slewing,
	}, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T, name string) (T, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
			return c, errors.Errorf("collector %s already registered with incompatible type", name)
		}
		return c, err
	}
	return c, nil
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	}
	return "io"
}

func (m *Metrics) observeRoundTrip(command string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.RoundTrips.WithLabelValues(command).Observe(d.Seconds())
	if err != nil {
		m.observeError(err)
	}
}

func (m *Metrics) observeError(err error) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(errorKind(err)).Inc()
}

func (m *Metrics) observeSlew(state SlewState) {
	if m == nil {
		return
	}
	m.Slews.WithLabelValues(state.String()).Inc()
}

func (m *Metrics) iteration() {
	if m == nil {
		return
	}
	m.Iterations.Inc()
}

func (m *Metrics) setSlewing(on bool) {
	if m == nil {
		return
	}
	if on {
		m.Slewing.Set(1)
	} else {
		m.Slewing.Set(0)
	}
}
