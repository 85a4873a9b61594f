package streaming

import (
	"errors"
	"fmt"
)

// Errors surfaced through futures and events. They mirror the error conditions
// named by RFC 9293's user interface ("connection does not exist",
// "connection closing", ...).
var (
	// ErrConnectionClosed is returned for calls on a connection that does not exist (CLOSED).
	ErrConnectionClosed = errors.New("connection does not exist")
	// ErrConnectionExists is returned when OPEN is called on an open connection.
	ErrConnectionExists = errors.New("connection already exists")
	// ErrConnectionClosing is returned for SEND after CLOSE, and for calls failed by a close.
	ErrConnectionClosing = errors.New("connection closing")
	// ErrConnectionReset is returned after the peer reset the connection.
	ErrConnectionReset = errors.New("connection reset by peer")
	// ErrConnectionRefused is returned when the peer answers our SYN with RST.
	ErrConnectionRefused = errors.New("connection refused")
	// ErrConnectionAborted is returned to pending calls after ABORT.
	ErrConnectionAborted = errors.New("connection aborted")
	// ErrEndpointClosed is returned by an Endpoint after Close.
	ErrEndpointClosed = errors.New("endpoint closed")
	// ErrFrameTooLarge is returned by a packet connection for a frame that
	// does not fit the read buffer. The frame is discarded.
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrTimeout matches every *TimeoutError via errors.Is.
	ErrTimeout = errors.New("timeout")
)

// Reason classifies why a connection failed.
type Reason int

const (
	ReasonNone Reason = iota
	// ReasonHandshakeTimeout: the handshake did not complete within HandshakeTimeout
	ReasonHandshakeTimeout
	// ReasonCloseTimeout: the close sequence did not reach TIME-WAIT or CLOSED within UserTimeout
	ReasonCloseTimeout
	// ReasonRetransmissionLimit: a segment was retransmitted MaxRetries times without being acknowledged
	ReasonRetransmissionLimit
	// ReasonUserTimeout: sent data stayed unacknowledged for UserTimeout
	ReasonUserTimeout
	// ReasonConnectionReset: the peer sent RST on a synchronized connection
	ReasonConnectionReset
	// ReasonConnectionRefused: the peer answered our SYN with RST
	ReasonConnectionRefused
	// ReasonAborted: ABORT was called locally
	ReasonAborted
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonHandshakeTimeout:
		return "handshake-timeout"
	case ReasonCloseTimeout:
		return "close-timeout"
	case ReasonRetransmissionLimit:
		return "retransmission-limit"
	case ReasonUserTimeout:
		return "user-timeout"
	case ReasonConnectionReset:
		return "connection-reset"
	case ReasonConnectionRefused:
		return "connection-refused"
	case ReasonAborted:
		return "aborted"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// TimeoutError reports a handshake, teardown, or retransmission timeout.
// It implements net.Error.
type TimeoutError struct {
	Reason Reason
}

func (e *TimeoutError) Error() string   { return "connection timed out: " + e.Reason.String() }
func (e *TimeoutError) Timeout() bool   { return true }
func (e *TimeoutError) Temporary() bool { return false }

// Is makes errors.Is(err, ErrTimeout) true for every TimeoutError.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// deadlineError is returned by Stream when a read or write deadline passes.
type deadlineError struct{}

func (e *deadlineError) Error() string   { return "i/o timeout" }
func (e *deadlineError) Timeout() bool   { return true }
func (e *deadlineError) Temporary() bool { return true }

// DecodeError reports a malformed wire frame. Frames that fail to decode are
// dropped without changing connection state.
type DecodeError struct {
	Length int
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed segment (%d bytes): %s", e.Length, e.Reason)
}

// ProtocolError reports a segment that is well-formed but not acceptable in
// the connection's current state. It is logged and the segment dropped,
// optionally answered with RST.
type ProtocolError struct {
	State   State
	Segment Segment
	Reason  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol violation in %s: %s: %s", e.State, e.Reason, e.Segment)
}

// reasonError maps a failure reason to the error handed to pending calls.
func reasonError(r Reason) error {
	switch r {
	case ReasonHandshakeTimeout, ReasonCloseTimeout, ReasonRetransmissionLimit, ReasonUserTimeout:
		return &TimeoutError{Reason: r}
	case ReasonConnectionReset:
		return ErrConnectionReset
	case ReasonConnectionRefused:
		return ErrConnectionRefused
	case ReasonAborted:
		return ErrConnectionAborted
	default:
		return ErrConnectionClosed
	}
}
