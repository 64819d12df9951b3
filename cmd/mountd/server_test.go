package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"

	"github.com/w1xm/mount_interface/rotator"
)

type call struct {
	Method string
	Pose   rotator.Pose
	Rate   rotator.Rate
	Opts   rotator.MoveOptions
}

// fakeRotator records calls and fails moves outside its limits.
type fakeRotator struct {
	limits rotator.Limits

	mu    sync.Mutex
	calls []call
	state rotator.State
}

func (f *fakeRotator) record(c call) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *fakeRotator) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func (f *fakeRotator) MoveTo(ctx context.Context, target rotator.Pose, opts rotator.MoveOptions) error {
	if err := f.limits.Validate(target); err != nil {
		return err
	}
	f.record(call{Method: "MoveTo", Pose: target, Opts: opts})
	return nil
}

func (f *fakeRotator) SetRate(rate rotator.Rate) error {
	f.record(call{Method: "SetRate", Rate: rate})
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.Rate = rate
	return nil
}

func (f *fakeRotator) Stop() error {
	f.record(call{Method: "Stop"})
	return nil
}

func (f *fakeRotator) Pose() (rotator.Pose, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.Pose, nil
}

func (f *fakeRotator) IsMoving() (bool, error) {
	return false, nil
}

func (f *fakeRotator) State() rotator.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func newTestServer(t *testing.T, r rotator.Rotator) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(0, zaptest.NewLogger(t))
	s.r = r
	ts := httptest.NewServer(s.Router(prometheus.NewRegistry()))
	t.Cleanup(ts.Close)
	return s, ts
}

func TestStatusHandler(t *testing.T) {
	s, ts := newTestServer(t, &fakeRotator{})
	want := rotator.State{Pose: rotator.Pose{Alt: 12, Az: -3}, Slewing: true}
	s.statusCallback(want)

	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var got rotator.State
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t, &fakeRotator{})
	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /metrics = %s", resp.Status)
	}
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/ws", nil)
	if err != nil {
		t.Fatalf("dialing websocket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func TestStatusSocketStreamsUpdates(t *testing.T) {
	s, ts := newTestServer(t, &fakeRotator{})
	conn := dial(t, ts)

	var got rotator.State
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("reading initial status: %v", err)
	}
	want := rotator.State{Pose: rotator.Pose{Alt: 1, Az: 2}}
	s.statusCallback(want)
	for got.Pose != want.Pose {
		if err := conn.ReadJSON(&got); err != nil {
			t.Fatalf("reading status: %v", err)
		}
	}
}

func TestStatusSocketCommands(t *testing.T) {
	r := &fakeRotator{limits: rotator.Limits{AltMin: rotator.Bound(0)}}
	s, ts := newTestServer(t, r)
	s.latitude = 40
	conn := dial(t, ts)

	for _, cmd := range []Command{
		{Command: "move_to", Alt: 30, Az: 10, RateControl: true},
		{Command: "set_rate", AltRate: 1, AzRate: -1},
		{Command: "goto_equatorial", HourAngle: 0, Dec: 0},
		{Command: "stop"},
	} {
		if err := conn.WriteJSON(cmd); err != nil {
			t.Fatalf("sending %s: %v", cmd.Command, err)
		}
	}
	want := []call{
		{Method: "MoveTo", Pose: rotator.Pose{Alt: 30, Az: 10}, Opts: rotator.MoveOptions{RateControl: true}},
		{Method: "SetRate", Rate: rotator.Rate{Alt: 1, Az: -1}},
		{Method: "MoveTo", Pose: rotator.Pose{Alt: 50, Az: 180}},
		{Method: "Stop"},
	}
	deadline := time.Now().Add(5 * time.Second)
	for len(r.Calls()) < len(want) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if diff := cmp.Diff(want, r.Calls(), cmp.Comparer(func(a, b float64) bool {
		return a-b < 1e-9 && b-a < 1e-9
	})); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestSetOffset(t *testing.T) {
	r := &fakeRotator{}
	s, ts := newTestServer(t, r)
	s.offset = rotator.NewOffset(rotator.Pose{})
	s.offset.Rotator = r
	s.r = s.offset
	conn := dial(t, ts)

	for _, cmd := range []Command{
		{Command: "set_offset", Alt: 1, Az: -2},
		{Command: "move_to", Alt: 30, Az: 10},
	} {
		if err := conn.WriteJSON(cmd); err != nil {
			t.Fatalf("sending %s: %v", cmd.Command, err)
		}
	}
	deadline := time.Now().Add(5 * time.Second)
	for len(r.Calls()) < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	want := []call{{Method: "MoveTo", Pose: rotator.Pose{Alt: 29, Az: 12}}}
	if diff := cmp.Diff(want, r.Calls()); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
	if got := s.offset.Offset(); got != (rotator.Pose{Alt: 1, Az: -2}) {
		t.Errorf("offset = %+v", got)
	}
}

func TestStatusSocketReportsErrors(t *testing.T) {
	r := &fakeRotator{limits: rotator.Limits{AltMax: rotator.Bound(10)}}
	_, ts := newTestServer(t, r)
	conn := dial(t, ts)

	if err := conn.WriteJSON(Command{Command: "move_to", Alt: 45}); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(Command{Command: "dance"}); err != nil {
		t.Fatal(err)
	}
	var errs []commandError
	for len(errs) < 2 {
		var msg map[string]interface{}
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("reading: %v", err)
		}
		if e, ok := msg["error"].(string); ok {
			errs = append(errs, commandError{Command: msg["command"].(string), Error: e})
		}
	}
	if errs[0].Command != "move_to" || !strings.Contains(errs[0].Error, "altitude 45.0000 outside") {
		t.Errorf("first error = %+v, want move_to altitude limit", errs[0])
	}
	if errs[1].Command != "dance" || !strings.Contains(errs[1].Error, "unknown command") {
		t.Errorf("second error = %+v, want unknown command", errs[1])
	}
}
