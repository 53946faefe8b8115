// Package session wraps a single TCP connection with the tunnel's framing
// discipline: a read half that produces a finite sequence of decoded
// Frames, and a write half that serializes concurrent writers so that a
// frame's header and payload are never interleaved with another frame.
package session

import (
	"errors"
	"net"
	"sync"

	"github.com/openbmx/udptcptun/internal/frame"
)

// ErrClosed is returned by WriteFrame once the session has been closed
// locally. ReadFrame on a closed session returns the connection's own error.
var ErrClosed = errors.New("session: closed")

// Session is one-to-one with an active TCP connection. It is destroyed
// (via Close) on disconnect; a new Session is created for the next accept
// cycle or reconnect attempt.
type Session struct {
	conn net.Conn

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// Wrap adopts an established net.Conn as a tunnel Session.
func Wrap(conn net.Conn) *Session {
	return &Session{conn: conn, closed: make(chan struct{})}
}

// RemoteAddr reports the peer's address, for logging.
func (s *Session) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// ReadFrame decodes the next frame from the TCP stream. It returns io.EOF
// when the peer closes cleanly, or a wrapped error on a framing or I/O
// fault; either case means the session must be torn down.
func (s *Session) ReadFrame() (frame.Frame, error) {
	return frame.Decode(s.conn)
}

// WriteFrame encodes and writes f atomically with respect to other
// concurrent callers of WriteFrame on the same Session. This is the
// tunnel's single-writer discipline: the Forwarder must route every
// outbound frame through this method rather than writing to the
// connection directly.
func (s *Session) WriteFrame(f frame.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	return frame.Encode(s.conn, f)
}

// Close tears down the underlying connection. Safe to call more than
// once and from multiple goroutines.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}
