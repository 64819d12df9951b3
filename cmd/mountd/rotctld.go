package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/w1xm/mount_interface/nexstar"
	"github.com/w1xm/mount_interface/rotator"
)

// hamlib error codes reported in RPRT lines.
const (
	rprtOK     = 0
	rprtEINVAL = -22
	rprtEIO    = -5
)

// ServeRotctld accepts rotctld clients on ln until ctx is done.
func (s *Server) ServeRotctld(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		s.log.Info("shutdown; closing rotctld socket")
		ln.Close()
	}()
	s.log.Info("serving rotctld", zap.Stringer("addr", ln.Addr()))
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.log.Warn("failed to accept", zap.Error(err))
				continue
			}
			return err
		}
		go func() {
			defer conn.Close()
			log := s.log.With(zap.Stringer("remote", conn.RemoteAddr()))
			log.Info("accepted rotctld connection")
			s.handleRotctld(ctx, conn, log)
		}()
	}
}

func moveResult(err error) int {
	switch {
	case err == nil:
		return rprtOK
	case errors.Is(err, rotator.ErrOutOfRange):
		return rprtEINVAL
	}
	return rprtEIO
}

func (s *Server) handleRotctld(ctx context.Context, conn io.ReadWriter, log *zap.Logger) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		// Two forms of command: single character, or "+\" followed by command name.
		cmd := scanner.Text()
		var args []string
		var extended bool
		if len(cmd) == 0 {
			continue
		} else if len(cmd) > 2 && cmd[0:2] == `+\` {
			extended = true
			parts := strings.Fields(cmd[2:])
			if len(parts) == 0 {
				continue
			}
			cmd = parts[0]
			args = parts[1:]
			fmt.Fprintf(conn, "%s:\n", cmd)
		} else {
			// Space after command is optional.
			args = strings.Fields(cmd[1:])
			cmd = cmd[:1]
		}
		log.Debug("rotctld command", zap.String("cmd", cmd), zap.Strings("args", args))
		rprt := rprtEINVAL
		switch cmd {
		case "1", "dump_caps":
			fmt.Fprint(conn, `Model name: NexStar
Mfg name: Celestron
Rot type: Az-El
Min Azimuth: -180.00
Max Azimuth: 180.00
Min Elevation: -90.00
Max Elevation: 90.00
Can set Position: Y
Can get Position: Y
Can Stop: Y
Can Park: N
Can Reset: N
Can Move: Y
Can get Info: N
`)
			rprt = rprtOK
		case "S", "stop":
			extended = true // always print RPRT
			rprt = moveResult(s.r.Stop())
		case "P", "set_pos":
			extended = true // always print RPRT
			if len(args) != 2 {
				break
			}
			az, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				break
			}
			el, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				break
			}
			err = s.r.MoveTo(ctx, rotator.Pose{Alt: el, Az: az}, rotator.MoveOptions{RateControl: true})
			if err != nil {
				log.Warn("set_pos failed", zap.Error(err))
			}
			rprt = moveResult(err)
		case "M", "move":
			extended = true // always print RPRT
			if len(args) != 2 {
				break
			}
			dir, err := strconv.Atoi(args[0])
			if err != nil {
				break
			}
			// Speed is 0-100, scaled to the controller's full rate.
			speed, err := strconv.Atoi(args[1])
			if err != nil || speed < 0 || speed > 100 {
				break
			}
			dps := float64(speed) / 100 * nexstar.DefaultMaxRate
			rate := s.r.State().Rate
			var axis *float64
			switch dir {
			case 2: // Up
				axis = &rate.Alt
			case 4: // Down
				axis, dps = &rate.Alt, -dps
			case 8: // Left
				axis, dps = &rate.Az, -dps
			case 16: // Right
				axis = &rate.Az
			}
			if axis == nil {
				break
			}
			*axis = dps
			rprt = moveResult(s.r.SetRate(rate))
		case "p", "get_pos":
			pose, err := s.r.Pose()
			if err != nil {
				log.Warn("get_pos failed", zap.Error(err))
				rprt = rprtEIO
				break
			}
			if extended {
				fmt.Fprintf(conn, "Azimuth: %.6f\nElevation: %.6f\n", pose.Az, pose.Alt)
			} else {
				fmt.Fprintf(conn, "%.6f\n%.6f\n", pose.Az, pose.Alt)
			}
			rprt = rprtOK
		}
		if extended || rprt != rprtOK {
			fmt.Fprintf(conn, "RPRT %d\n", rprt)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Warn("reading rotctld connection", zap.Error(err))
	}
}
