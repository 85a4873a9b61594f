package streaming

import (
	"encoding/binary"
)

// HeaderSize is the fixed size of the segment header on the wire.
//
// Segment format (all multi-byte integers in big-endian):
//   - Seq:     4 bytes
//   - Ack:     4 bytes
//   - Flags:   1 byte (SYN=0x1, ACK=0x2, FIN=0x4, RST=0x8)
//   - Window:  2 bytes
//   - Payload: remaining bytes of the frame
//
// The segment relies on the framing of the underlying channel (one datagram or
// one websocket message per segment), so there is no length field.
const HeaderSize = 11

// Marshal serializes the segment into a freshly allocated frame. The returned
// frame is complete: callers hand it to the channel in a single write so
// frames of concurrent connections never interleave.
func (s Segment) Marshal() []byte {
	buf := make([]byte, HeaderSize+len(s.Payload))
	binary.BigEndian.PutUint32(buf[0:4], s.Seq)
	binary.BigEndian.PutUint32(buf[4:8], s.Ack)
	buf[8] = byte(s.Flags)
	binary.BigEndian.PutUint16(buf[9:11], s.Window)
	copy(buf[HeaderSize:], s.Payload)
	return buf
}

// Unmarshal parses exactly one frame into a Segment.
//
// The payload is copied, so the caller may reuse frame afterwards. Frames
// shorter than the header, or with undefined flag bits, yield a *DecodeError.
func Unmarshal(frame []byte) (Segment, error) {
	if len(frame) < HeaderSize {
		return Segment{}, &DecodeError{Length: len(frame), Reason: "frame shorter than header"}
	}

	flags := Flags(frame[8])
	if flags&^flagMask != 0 {
		return Segment{}, &DecodeError{Length: len(frame), Reason: "undefined control bits set"}
	}

	seg := Segment{
		Seq:    binary.BigEndian.Uint32(frame[0:4]),
		Ack:    binary.BigEndian.Uint32(frame[4:8]),
		Flags:  flags,
		Window: binary.BigEndian.Uint16(frame[9:11]),
	}
	if len(frame) > HeaderSize {
		seg.Payload = append([]byte(nil), frame[HeaderSize:]...)
	}

	return seg, nil
}
