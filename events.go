package streaming

import "fmt"

// EventType identifies a lifecycle event emitted by a connection.
type EventType int

const (
	// EventHandshakeCompleted is emitted once when the connection reaches ESTABLISHED.
	EventHandshakeCompleted EventType = iota + 1
	// EventConnectionClosing is emitted when the peer sent FIN. The application
	// should confirm by calling Close once it has finished sending.
	EventConnectionClosing
	// EventHandshakeFailed is emitted when the handshake could not complete.
	EventHandshakeFailed
	// EventTimeout is emitted when an established connection timed out.
	EventTimeout
	// EventReset is emitted when the peer reset an established connection.
	EventReset
	// EventClosed is always the last event of a connection.
	EventClosed
)

func (t EventType) String() string {
	switch t {
	case EventHandshakeCompleted:
		return "HandshakeCompleted"
	case EventConnectionClosing:
		return "ConnectionClosing"
	case EventHandshakeFailed:
		return "HandshakeFailed"
	case EventTimeout:
		return "Timeout"
	case EventReset:
		return "Reset"
	case EventClosed:
		return "Closed"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event is a lifecycle notification. Reason and Err are set for failure events.
type Event struct {
	Type   EventType
	Reason Reason
	Err    error
}

func (e Event) String() string {
	if e.Err != nil {
		return fmt.Sprintf("%s(%s: %v)", e.Type, e.Reason, e.Err)
	}
	return e.Type.String()
}

// eventQueueSize bounds the events channel. A connection emits at most one
// handshake event, one closing event, one failure event and EventClosed, so
// the executor never blocks on emission.
const eventQueueSize = 8
