package streaming

// State represents the current state of a connection.
// Follows the RFC 9293 connection state machine.
type State int

const (
	// StateClosed represents no connection state at all
	StateClosed State = iota
	// StateListen waits for a connection request from the peer
	StateListen
	// StateSynSent waits for a matching SYN after having sent one
	StateSynSent
	// StateSynReceived waits for the acknowledgment of our SYN after having received the peer's SYN
	StateSynReceived
	// StateEstablished is the data transfer phase
	StateEstablished
	// StateFinWait1 waits for the ACK of our FIN, or the peer's FIN
	StateFinWait1
	// StateFinWait2 waits for the peer's FIN after ours was acknowledged
	StateFinWait2
	// StateCloseWait waits for the local user to close after the peer's FIN
	StateCloseWait
	// StateClosing waits for the ACK of our FIN after both sides sent FIN
	StateClosing
	// StateLastAck waits for the ACK of our FIN after the peer closed first
	StateLastAck
	// StateTimeWait quarantines the connection for 2*MSL
	StateTimeWait
)

// String returns a human-readable representation of the connection state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateListen:
		return "LISTEN"
	case StateSynSent:
		return "SYN-SENT"
	case StateSynReceived:
		return "SYN-RECEIVED"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN-WAIT-1"
	case StateFinWait2:
		return "FIN-WAIT-2"
	case StateCloseWait:
		return "CLOSE-WAIT"
	case StateClosing:
		return "CLOSING"
	case StateLastAck:
		return "LAST-ACK"
	case StateTimeWait:
		return "TIME-WAIT"
	default:
		return "UNKNOWN"
	}
}

// synchronized reports whether both ISNs are known (RFC 9293 "synchronized states").
func (s State) synchronized() bool {
	return s >= StateEstablished
}

// canSendData reports whether new data segments may be formed in s. Data
// queued before CLOSE still drains in FIN-WAIT-1 and LAST-ACK until the FIN
// has been sent.
func (s State) canSendData() bool {
	switch s {
	case StateEstablished, StateCloseWait, StateFinWait1, StateLastAck:
		return true
	default:
		return false
	}
}

// canReceiveData reports whether segment text is accepted in s.
func (s State) canReceiveData() bool {
	switch s {
	case StateEstablished, StateFinWait1, StateFinWait2:
		return true
	default:
		return false
	}
}
