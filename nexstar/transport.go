package nexstar

import (
	"io"
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
)

// DefaultTimeout bounds each read and write on the serial link.
const DefaultTimeout = 3500 * time.Millisecond

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Transport is a timeout-bounded byte duplex to the mount. It is not safe
// for concurrent use; replies are not framed, so callers must hold a lock
// across each command and its reply.
type Transport struct {
	port    io.ReadWriter
	timeout time.Duration
}

func NewTransport(port io.ReadWriter, timeout time.Duration) *Transport {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Transport{port: port, timeout: timeout}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (t *Transport) Write(p []byte) error {
	if d, ok := t.port.(writeDeadliner); ok {
		if err := d.SetWriteDeadline(time.Now().Add(t.timeout)); err != nil {
			return errors.Wrap(err, "setting write deadline")
		}
		defer d.SetWriteDeadline(time.Time{})
	}
	if _, err := t.port.Write(p); err != nil {
		if isTimeout(err) {
			return &TimeoutError{Op: "write " + string(p)}
		}
		return errors.Wrapf(err, "writing %q", p)
	}
	return nil
}

// ReadExact reads exactly n bytes.
func (t *Transport) ReadExact(n int, timeout time.Duration) ([]byte, error) {
	return t.read("read", timeout, func(got []byte) bool {
		return len(got) == n
	})
}

// ReadUntil reads up to and including term.
func (t *Transport) ReadUntil(term byte, timeout time.Duration) ([]byte, error) {
	return t.read("read until "+string(term), timeout, func(got []byte) bool {
		return got[len(got)-1] == term
	})
}

// read pulls one byte at a time so a reply never consumes bytes that
// belong to the next one.
func (t *Transport) read(op string, timeout time.Duration, done func([]byte) bool) ([]byte, error) {
	if timeout <= 0 {
		timeout = t.timeout
	}
	deadline := time.Now().Add(timeout)
	d, hasDeadline := t.port.(readDeadliner)
	if hasDeadline {
		if err := d.SetReadDeadline(deadline); err != nil {
			return nil, errors.Wrap(err, "setting read deadline")
		}
		defer d.SetReadDeadline(time.Time{})
	}
	var got []byte
	var b [1]byte
	for {
		n, err := t.port.Read(b[:])
		if n == 1 {
			got = append(got, b[0])
			if done(got) {
				return got, nil
			}
			continue
		}
		switch {
		case isTimeout(err):
			return got, &TimeoutError{Op: op, Got: got}
		case err == io.EOF && hasDeadline:
			// A connection reports EOF only once the far end is gone.
			return got, errors.Wrap(io.ErrUnexpectedEOF, op)
		case err != nil && err != io.EOF:
			return got, errors.Wrap(err, op)
		}
		// Serial ports return nothing when their own read timeout lapses.
		if !time.Now().Before(deadline) {
			return got, &TimeoutError{Op: op, Got: got}
		}
	}
}

// Exchange sends f.Command and returns the reply payload with its ACK
// removed.
func (t *Transport) Exchange(f Frame) ([]byte, error) {
	if err := t.Write(f.Command); err != nil {
		return nil, err
	}
	if f.Reply == ReplyUntilAck {
		reply, err := t.ReadUntil(Ack, t.timeout)
		if err != nil {
			return nil, err
		}
		return reply[:len(reply)-1], nil
	}
	reply, err := t.ReadExact(f.Reply+1, t.timeout)
	if err != nil {
		return nil, err
	}
	if reply[f.Reply] != Ack {
		return nil, &ProtocolError{Command: f.Command, Want: `trailing "#"`, Got: reply}
	}
	return reply[:f.Reply], nil
}
