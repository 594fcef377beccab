package rtp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPacketRoundTrip(t *testing.T) {
	p := &Packet{
		Header: Header{
			Marker:         true,
			PayloadType:    96,
			SequenceNumber: 1000,
			Timestamp:      90000,
			SSRC:           0xdeadbeef,
			CSRC:           []uint32{1, 2},
		},
		Payload: []byte{0x01, 0x02, 0x03, 0x04},
	}
	p.Header.SetExtension(1, []byte{0x11, 0x22, 0x33})

	buf, err := p.Marshal()
	require.NoError(t, err)

	var got Packet
	require.NoError(t, got.Unmarshal(buf))
	require.Equal(t, p.Header.SequenceNumber, got.Header.SequenceNumber)
	require.Equal(t, p.Header.Timestamp, got.Header.Timestamp)
	require.Equal(t, p.Header.SSRC, got.Header.SSRC)
	require.Equal(t, p.Header.CSRC, got.Header.CSRC)
	require.Equal(t, p.Payload, got.Payload)
	ext, ok := got.Header.FindExtension(1)
	require.True(t, ok)
	require.Equal(t, []byte{0x11, 0x22, 0x33}, ext)
}

func TestPacketPadding(t *testing.T) {
	p := &Packet{
		Header:  Header{PayloadType: 0, SequenceNumber: 5, Timestamp: 1, SSRC: 1},
		Payload: []byte{0xAA, 0xBB},
		PadLen:  4,
	}
	buf, err := p.Marshal()
	require.NoError(t, err)

	var got Packet
	require.NoError(t, got.Unmarshal(buf))
	require.Equal(t, []byte{0xAA, 0xBB}, got.Payload)
}

func TestUnmarshalShortBuffer(t *testing.T) {
	var p Packet
	require.Error(t, p.Unmarshal([]byte{1, 2, 3}))
}

func TestClampPacketsLost(t *testing.T) {
	require.Equal(t, int32(100), ClampPacketsLost(100))
	require.Equal(t, int32(1<<23-1), ClampPacketsLost(1<<24))
	require.Equal(t, int32(-(1<<23)), ClampPacketsLost(-(1 << 24)))
}

func TestSeqNoWrap(t *testing.T) {
	var a SeqNo = 65535
	b := a.PlusOne()
	require.Equal(t, SeqNo(0), b)
	require.True(t, b.GT(a))
	require.False(t, a.GT(b))
}

func TestTSNHalfModulus(t *testing.T) {
	var a TSN = 0
	var b TSN = 1 << 31
	// exactly half the modulus apart, neither compares greater under the
	// half-modulus rule
	require.False(t, a.GT(b))
	require.False(t, b.GT(a))
}
