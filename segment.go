package streaming

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strings"
)

// Flags is the control bit set carried by every segment.
type Flags uint8

// Control flags per the wire format. Flags are combinable, e.g. FlagSYN|FlagACK.
const (
	// FlagSYN synchronizes sequence numbers during connection setup
	FlagSYN Flags = 1 << 0
	// FlagACK marks the acknowledgment number as meaningful
	FlagACK Flags = 1 << 1
	// FlagFIN indicates the sender has no more data
	FlagFIN Flags = 1 << 2
	// FlagRST aborts the connection
	FlagRST Flags = 1 << 3

	flagMask = FlagSYN | FlagACK | FlagFIN | FlagRST
)

// Has reports whether every bit in f2 is set in f.
func (f Flags) Has(f2 Flags) bool {
	return f&f2 == f2
}

// String renders the flag set as e.g. "SYN|ACK".
func (f Flags) String() string {
	if f == 0 {
		return "-"
	}
	names := make([]string, 0, 4)
	for _, flag := range []struct {
		bit  Flags
		name string
	}{{FlagSYN, "SYN"}, {FlagACK, "ACK"}, {FlagFIN, "FIN"}, {FlagRST, "RST"}} {
		if f&flag.bit != 0 {
			names = append(names, flag.name)
		}
	}
	return strings.Join(names, "|")
}

// Segment is one protocol data unit. Segments are values: once built they are
// never mutated, and the payload slice is owned by the segment.
type Segment struct {
	Seq     uint32 // sequence number of the first octet (or of the SYN/FIN)
	Ack     uint32 // next sequence number expected from the peer, valid with FlagACK
	Flags   Flags
	Window  uint16 // receive window advertised by the sender
	Payload []byte
}

// Len returns the amount of sequence space the segment occupies. SYN and FIN
// each consume one sequence number on top of the payload.
func (s Segment) Len() uint32 {
	n := uint32(len(s.Payload))
	if s.Flags&FlagSYN != 0 {
		n++
	}
	if s.Flags&FlagFIN != 0 {
		n++
	}
	return n
}

// End returns the sequence number following the segment.
func (s Segment) End() uint32 {
	return s.Seq + s.Len()
}

// IsSYN reports whether the SYN flag is set.
func (s Segment) IsSYN() bool { return s.Flags&FlagSYN != 0 }

// IsACK reports whether the ACK flag is set.
func (s Segment) IsACK() bool { return s.Flags&FlagACK != 0 }

// IsFIN reports whether the FIN flag is set.
func (s Segment) IsFIN() bool { return s.Flags&FlagFIN != 0 }

// IsRST reports whether the RST flag is set.
func (s Segment) IsRST() bool { return s.Flags&FlagRST != 0 }

// String is used in log output.
func (s Segment) String() string {
	return fmt.Sprintf("<SEQ=%d><ACK=%d><CTL=%s><WND=%d><LEN=%d>", s.Seq, s.Ack, s.Flags, s.Window, len(s.Payload))
}

// generateISN generates a random Initial Sequence Number.
// Per RFC 6528 the ISN should be unpredictable to prevent sequence number
// attacks.
func generateISN() (uint32, error) {
	var isn [4]byte
	if _, err := rand.Read(isn[:]); err != nil {
		return 0, fmt.Errorf("generate random ISN: %w", err)
	}
	return binary.BigEndian.Uint32(isn[:]), nil
}

// randomISN is the default ISN supplier. crypto/rand does not fail on
// supported platforms; should it ever, a zero ISN is still a valid one.
func randomISN() uint32 {
	isn, err := generateISN()
	if err != nil {
		return 0
	}
	return isn
}
