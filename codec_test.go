package streaming

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSegmentWireFormat(t *testing.T) {
	seg := Segment{
		Seq:     0x01020304,
		Ack:     0xA0B0C0D0,
		Flags:   FlagSYN | FlagACK,
		Window:  0x1234,
		Payload: []byte("hi"),
	}

	frame := seg.Marshal()
	require.Equal(t, []byte{
		0x01, 0x02, 0x03, 0x04,
		0xA0, 0xB0, 0xC0, 0xD0,
		0x03,
		0x12, 0x34,
		'h', 'i',
	}, frame)

	decoded, err := Unmarshal(frame)
	require.NoError(t, err)
	require.Equal(t, seg, decoded)
}

func TestUnmarshalCopiesPayload(t *testing.T) {
	frame := Segment{Seq: 1, Flags: FlagACK, Payload: []byte("abc")}.Marshal()
	seg, err := Unmarshal(frame)
	require.NoError(t, err)

	frame[HeaderSize] = 'X'
	require.Equal(t, []byte("abc"), seg.Payload)
}

func TestUnmarshalHeaderOnly(t *testing.T) {
	seg, err := Unmarshal(Segment{Seq: 9, Flags: FlagFIN | FlagACK}.Marshal())
	require.NoError(t, err)
	require.Nil(t, seg.Payload)
	require.Equal(t, uint32(1), seg.Len())
}

func TestUnmarshalRejectsMalformedFrames(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
	}{
		{"empty", nil},
		{"short header", make([]byte, HeaderSize-1)},
		{"undefined flag bits", []byte{0, 0, 0, 0, 0, 0, 0, 0, 0x10, 0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Unmarshal(tt.frame)
			var decodeErr *DecodeError
			require.True(t, errors.As(err, &decodeErr))
			require.Equal(t, len(tt.frame), decodeErr.Length)
		})
	}
}

func TestSegmentLength(t *testing.T) {
	tests := []struct {
		seg  Segment
		want uint32
	}{
		{Segment{Flags: FlagACK}, 0},
		{Segment{Flags: FlagSYN}, 1},
		{Segment{Flags: FlagFIN | FlagACK, Payload: make([]byte, 10)}, 11},
		{Segment{Flags: FlagSYN | FlagFIN}, 2},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, tt.seg.Len(), tt.seg.String())
	}

	require.Equal(t, uint32(1), Segment{Seq: 0xFFFFFFFF, Flags: FlagSYN, Payload: []byte("x")}.End())
}

func TestFlagsString(t *testing.T) {
	require.Equal(t, "-", Flags(0).String())
	require.Equal(t, "SYN|ACK", (FlagSYN | FlagACK).String())
	require.Equal(t, "ACK|FIN|RST", (FlagRST | FlagFIN | FlagACK).String())
	require.True(t, (FlagSYN | FlagACK).Has(FlagACK))
	require.False(t, FlagACK.Has(FlagSYN|FlagACK))
}

func TestResetFor(t *testing.T) {
	rst, ok := resetFor(Segment{Seq: 5, Ack: 77, Flags: FlagACK, Payload: []byte("data")})
	require.True(t, ok)
	require.Equal(t, Segment{Seq: 77, Flags: FlagRST}, rst)

	rst, ok = resetFor(Segment{Seq: 5, Flags: FlagSYN})
	require.True(t, ok)
	require.Equal(t, Segment{Seq: 0, Ack: 6, Flags: FlagRST | FlagACK}, rst)

	_, ok = resetFor(Segment{Seq: 5, Flags: FlagRST})
	require.False(t, ok)
}
