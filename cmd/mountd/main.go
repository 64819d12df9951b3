// Command mountd drives a NexStar mount and serves its state over HTTP,
// WebSocket, rotctld and MQTT.
package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/w1xm/mount_interface/internal/config"
	"github.com/w1xm/mount_interface/internal/publish"
	"github.com/w1xm/mount_interface/nexstar"
	"github.com/w1xm/mount_interface/rotator"
)

var (
	configPath   = flag.String("config", "", "KEY=VALUE configuration file")
	serialPort   = flag.String("serial", "", "serial port name")
	simulate     = flag.Bool("sim", false, "drive a simulated mount instead of a serial port")
	httpAddr     = flag.String("addr", "127.0.0.1:8502", "HTTP listen address")
	rotctldAddr  = flag.String("rotctld_addr", "", "rotctld listen address, e.g. :4533")
	mqttBroker   = flag.String("mqtt_broker", "", "MQTT broker URL")
	mqttClientID = flag.String("mqtt_client_id", "mountd", "MQTT client ID")
	mqttTopic    = flag.String("mqtt_topic", "mount/state", "MQTT topic for state updates")
	latitude     = flag.Float64("latitude", 42.36, "site latitude in degrees")
	pollInterval = flag.Duration("poll_interval", time.Second, "how often to refresh the position while idle")
	debug        = flag.Bool("debug", false, "enable debug logging")
)

// loadConfig reads -config and lets explicitly set flags override it.
func loadConfig() (*config.Config, error) {
	cfg := &config.Config{
		HTTPAddr:     *httpAddr,
		MQTTClientID: *mqttClientID,
		MQTTTopic:    *mqttTopic,
		Latitude:     *latitude,
	}
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			return nil, err
		}
		if cfg.HTTPAddr == "" {
			cfg.HTTPAddr = *httpAddr
		}
		if cfg.MQTTClientID == "" {
			cfg.MQTTClientID = *mqttClientID
		}
		if cfg.MQTTTopic == "" {
			cfg.MQTTTopic = *mqttTopic
		}
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "serial":
			cfg.SerialPort = *serialPort
		case "addr":
			cfg.HTTPAddr = *httpAddr
		case "rotctld_addr":
			cfg.RotctldAddr = *rotctldAddr
		case "mqtt_broker":
			cfg.MQTTBroker = *mqttBroker
		case "mqtt_client_id":
			cfg.MQTTClientID = *mqttClientID
		case "mqtt_topic":
			cfg.MQTTTopic = *mqttTopic
		case "latitude":
			cfg.Latitude = *latitude
		}
	})
	if cfg.SerialPort == "" && !*simulate {
		return nil, errors.New("one of -serial, SERIAL_PORT or -sim is required")
	}
	return cfg, nil
}

func newLogger() (*zap.Logger, error) {
	if *debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func main() {
	flag.Parse()
	log, err := newLogger()
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	if err := run(log); err != nil {
		log.Fatal("mountd exited", zap.Error(err))
	}
}

func run(log *zap.Logger) (err error) {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := nexstar.NewMetrics(reg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	srv := NewServer(cfg.Latitude, log.Named("server"))
	var pub *publish.Publisher
	if cfg.MQTTBroker != "" {
		pub, err = publish.Connect(cfg.MQTTBroker, cfg.MQTTClientID, cfg.MQTTTopic, log.Named("mqtt"))
		if err != nil {
			return err
		}
		g.Go(func() error {
			return pub.Run(ctx)
		})
	}

	offset := rotator.NewOffset(cfg.Offset())
	mcfg := cfg.Mount()
	mcfg.Logger = log.Named("nexstar")
	mcfg.Metrics = metrics
	mcfg.StatusCallback = offset.Callback(func(status rotator.State) {
		srv.statusCallback(status)
		if pub != nil {
			pub.Update(status)
		}
	})

	var m *nexstar.Mount
	if *simulate {
		sim, conn := nexstar.NewSimulator(log.Named("sim"))
		// The simulator outlives the run group so that Close can still
		// command zero rate on the way out.
		simCtx, stopSim := context.WithCancel(context.Background())
		simDone := make(chan error, 1)
		go func() {
			simDone <- sim.Run(simCtx)
		}()
		defer func() {
			stopSim()
			err = multierr.Append(err, <-simDone)
		}()
		m = nexstar.New(conn, mcfg)
		log.Info("using simulated mount")
	} else {
		m, err = nexstar.Open(cfg.SerialPort, mcfg)
		if err != nil {
			return err
		}
	}
	defer func() {
		err = multierr.Append(err, m.Close())
	}()
	offset.Rotator = m
	srv.r = offset
	srv.offset = offset

	g.Go(func() error {
		return pollPose(ctx, m, *pollInterval, log)
	})

	httpSrv := &http.Server{
		Handler:      srv.Router(reg),
		Addr:         cfg.HTTPAddr,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	g.Go(func() error {
		log.Info("serving HTTP", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if cfg.RotctldAddr != "" {
		ln, err := net.Listen("tcp", cfg.RotctldAddr)
		if err != nil {
			return errors.Wrap(err, "listening for rotctld")
		}
		g.Go(func() error {
			return srv.ServeRotctld(ctx, ln)
		})
	}

	return g.Wait()
}

// pollPose keeps the state cache fresh while nothing else is talking to
// the mount.
func pollPose(ctx context.Context, m *nexstar.Mount, interval time.Duration, log *zap.Logger) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		if s := m.Session(); s != nil && !s.State().Terminal() {
			continue
		}
		if _, err := m.Pose(); err != nil {
			log.Warn("polling position", zap.Error(err))
		}
	}
}
