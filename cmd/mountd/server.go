package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/w1xm/mount_interface/rotator"
)

type Server struct {
	r rotator.Rotator
	// offset, if set, is the pointing correction wrapped around r.
	offset   *rotator.Offset
	latitude float64
	log      *zap.Logger

	statusMu sync.RWMutex
	status   rotator.State
	// changed is closed and replaced on every status update.
	changed chan struct{}
}

func NewServer(latitude float64, log *zap.Logger) *Server {
	return &Server{
		latitude: latitude,
		log:      log,
		changed:  make(chan struct{}),
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) Router(gatherer prometheus.Gatherer) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/status", s.StatusHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/ws", s.StatusSocketHandler)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return r
}

func (s *Server) currentStatus() (rotator.State, <-chan struct{}) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status, s.changed
}

func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	status, _ := s.currentStatus()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.log.Warn("writing status", zap.Error(err))
	}
}

type Command struct {
	Command string `json:"command"`
	// move_to, set_offset
	Alt float64 `json:"alt"`
	Az  float64 `json:"az"`
	// goto_equatorial, in degrees
	HourAngle float64 `json:"hour_angle"`
	Dec       float64 `json:"dec"`
	// set_rate
	AltRate float64 `json:"alt_rate"`
	AzRate  float64 `json:"az_rate"`

	RateControl bool    `json:"rate_control"`
	Gain        float64 `json:"gain"`
}

type commandError struct {
	Command string `json:"command"`
	Error   string `json:"error"`
}

func (s *Server) handleCommand(ctx context.Context, msg Command) error {
	opts := rotator.MoveOptions{RateControl: msg.RateControl, Gain: msg.Gain}
	switch msg.Command {
	case "move_to":
		return s.r.MoveTo(ctx, rotator.Pose{Alt: msg.Alt, Az: msg.Az}, opts)
	case "goto_equatorial":
		target := rotator.Horizontal(msg.HourAngle, msg.Dec, s.latitude)
		s.log.Info("equatorial goto",
			zap.Float64("hour_angle", msg.HourAngle),
			zap.Float64("dec", msg.Dec),
			zap.Float64("alt", target.Alt),
			zap.Float64("az", target.Az))
		return s.r.MoveTo(ctx, target, opts)
	case "set_rate":
		return s.r.SetRate(rotator.Rate{Alt: msg.AltRate, Az: msg.AzRate})
	case "stop":
		return s.r.Stop()
	case "set_offset":
		if s.offset == nil {
			return errors.New("pointing offset not enabled")
		}
		offset := rotator.Pose{Alt: msg.Alt, Az: msg.Az}
		s.offset.SetOffset(offset)
		s.log.Info("pointing offset changed", zap.Float64("alt", offset.Alt), zap.Float64("az", offset.Az))
		return nil
	}
	return errors.Errorf("unknown command %q", msg.Command)
}

func (s *Server) StatusSocketHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrading websocket", zap.Error(err))
		return
	}
	defer conn.Close()
	log := s.log.With(zap.String("remote", r.RemoteAddr))

	errc := make(chan commandError, 8)
	// Read and process incoming messages
	go func() {
		defer cancel()
		for {
			var msg Command
			if err := conn.ReadJSON(&msg); err != nil {
				log.Debug("websocket closed", zap.Error(err))
				return
			}
			if err := s.handleCommand(ctx, msg); err != nil {
				log.Warn("command failed", zap.String("command", msg.Command), zap.Error(err))
				select {
				case errc <- commandError{Command: msg.Command, Error: err.Error()}:
				default:
				}
			}
		}
	}()

	for {
		status, changed := s.currentStatus()
		if err := conn.WriteJSON(status); err != nil {
			log.Warn("writing status", zap.Error(err))
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-changed:
		case ce := <-errc:
			if err := conn.WriteJSON(ce); err != nil {
				log.Warn("writing error", zap.Error(err))
				return
			}
		}
	}
}

func (s *Server) statusCallback(status rotator.State) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.status = status
	close(s.changed)
	s.changed = make(chan struct{})
}
