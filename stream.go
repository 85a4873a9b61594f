package streaming

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"
)

// Stream adapts a Conn to net.Conn so it can be used with io.Copy, bufio,
// http and the rest of the standard library.
type Stream struct {
	conn       *Conn
	localAddr  net.Addr
	remoteAddr net.Addr

	mu            sync.Mutex
	readDeadline  time.Time
	writeDeadline time.Time
}

var _ net.Conn = (*Stream)(nil)

// NewStream wraps c. The addresses are only reported, never used.
func NewStream(c *Conn, localAddr, remoteAddr net.Addr) *Stream {
	return &Stream{conn: c, localAddr: localAddr, remoteAddr: remoteAddr}
}

// Conn returns the underlying connection.
func (s *Stream) Conn() *Conn {
	return s.conn
}

// Read implements net.Conn. It returns io.EOF once the peer closed its side
// and every byte was read.
func (s *Stream) Read(p []byte) (int, error) {
	ctx, cancel := s.deadlineContext(s.getReadDeadline())
	defer cancel()
	n, err := s.conn.Receive(ctx, p)
	return n, mapDeadlineError(err)
}

// Write implements net.Conn. It returns once p has been transmitted; the
// peer's receive window therefore throttles writers.
func (s *Stream) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	ctx, cancel := s.deadlineContext(s.getWriteDeadline())
	defer cancel()
	if err := s.conn.Send(p).Wait(ctx); err != nil {
		return 0, mapDeadlineError(err)
	}
	return len(p), nil
}

// Close performs the graceful close and waits until the connection is fully
// closed, TIME-WAIT included. Closing an already closed stream returns nil.
func (s *Stream) Close() error {
	cfg := s.conn.cfg
	ctx, cancel := context.WithTimeout(context.Background(), cfg.UserTimeout+2*cfg.MSL+time.Second)
	defer cancel()

	err := s.conn.Close().Wait(ctx)
	switch {
	case err == nil, errors.Is(err, ErrConnectionClosed):
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		s.conn.Abort()
		return &TimeoutError{Reason: ReasonCloseTimeout}
	default:
		return err
	}
}

func (s *Stream) LocalAddr() net.Addr  { return s.localAddr }
func (s *Stream) RemoteAddr() net.Addr { return s.remoteAddr }

func (s *Stream) SetDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readDeadline = t
	s.writeDeadline = t
	return nil
}

// SetReadDeadline applies to future Read calls.
func (s *Stream) SetReadDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readDeadline = t
	return nil
}

// SetWriteDeadline applies to future Write calls.
func (s *Stream) SetWriteDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeDeadline = t
	return nil
}

func (s *Stream) getReadDeadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readDeadline
}

func (s *Stream) getWriteDeadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeDeadline
}

func (s *Stream) deadlineContext(deadline time.Time) (context.Context, context.CancelFunc) {
	if deadline.IsZero() {
		return context.WithCancel(context.Background())
	}
	return context.WithDeadline(context.Background(), deadline)
}

func mapDeadlineError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &deadlineError{}
	}
	return err
}
