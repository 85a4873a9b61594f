package streaming

import "time"

// counters are maintained by the executor.
type counters struct {
	bytesSent           uint64
	bytesAcked          uint64
	bytesReceived       uint64
	segmentsSent        uint64
	segmentsReceived    uint64
	retransmissions     uint64
	fastRetransmissions uint64
	duplicateAcks       uint64
	duplicateSegments   uint64
	outOfOrderSegments  uint64
	windowProbes        uint64
}

// Stats is a point-in-time view of a connection's variables and counters.
type Stats struct {
	ID    string
	State State

	SndUna uint32
	SndNxt uint32
	SndWnd uint32
	RcvNxt uint32
	RcvWnd uint32

	SRTT        time.Duration
	RTTVariance time.Duration
	RTO         time.Duration

	// BytesSent counts first transmissions only.
	BytesSent           uint64
	BytesAcked          uint64
	BytesReceived       uint64
	SegmentsSent        uint64
	SegmentsReceived    uint64
	Retransmissions     uint64
	FastRetransmissions uint64
	DuplicateAcks       uint64
	DuplicateSegments   uint64
	OutOfOrderSegments  uint64
	WindowProbes        uint64

	// Unacknowledged and Unsent describe the send buffer, Unread the receive
	// buffer.
	Unacknowledged int
	Unsent         int
	Unread         int
}

func (c *Conn) snapshot() Stats {
	return Stats{
		ID:                  c.id,
		State:               c.state,
		SndUna:              c.sndUna,
		SndNxt:              c.sndNxt,
		SndWnd:              c.sndWnd,
		RcvNxt:              c.rcvNxt,
		RcvWnd:              c.recvBuf.window(),
		SRTT:                c.rto.srtt,
		RTTVariance:         c.rto.rttVariance,
		RTO:                 c.rto.current(),
		BytesSent:           c.stats.bytesSent,
		BytesAcked:          c.stats.bytesAcked,
		BytesReceived:       c.stats.bytesReceived,
		SegmentsSent:        c.stats.segmentsSent,
		SegmentsReceived:    c.stats.segmentsReceived,
		Retransmissions:     c.stats.retransmissions,
		FastRetransmissions: c.stats.fastRetransmissions,
		DuplicateAcks:       c.stats.duplicateAcks,
		DuplicateSegments:   c.stats.duplicateSegments,
		OutOfOrderSegments:  c.stats.outOfOrderSegments,
		WindowProbes:        c.stats.windowProbes,
		Unacknowledged:      c.sendBuf.outstanding(),
		Unsent:              c.sendBuf.unsent(),
		Unread:              c.recvBuf.unread(),
	}
}
