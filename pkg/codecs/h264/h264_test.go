package h264

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitAnnexBDropsSEI(t *testing.T) {
	sei := []byte{0x06, 0xAA, 0xBB}
	slice := []byte{0x65, 0x01, 0x02, 0x03}
	stream := append(append([]byte{0, 0, 0, 1}, sei...), append([]byte{0, 0, 0, 1}, slice...)...)
	nalus := SplitAnnexB(stream)
	require.Len(t, nalus, 1)
	require.Equal(t, slice, nalus[0])
}

func TestFUARoundTrip(t *testing.T) {
	nalu := append([]byte{0x65}, make([]byte, 3000)...)
	for i := range nalu[1:] {
		nalu[i+1] = byte(i)
	}
	p := Packetizer{}
	pkts := p.Packetize([][]byte{nalu}, 1300)
	require.True(t, len(pkts) > 1)

	d := &Depacketizer{}
	var got [][]byte
	for _, pkt := range pkts {
		nalus, err := d.Unpacketize(pkt)
		require.NoError(t, err)
		got = append(got, nalus...)
	}
	require.Len(t, got, 1)
	require.Equal(t, nalu, got[0])
}

func TestSTAPAAggregatesAndMergesNRIByMax(t *testing.T) {
	low := []byte{0x21, 0xAA}  // NRI=01 (0x20)
	high := []byte{0x65, 0xBB} // NRI=11 (0x60)
	p := Packetizer{}
	pkts := p.Packetize([][]byte{low, high}, 1300)
	require.Len(t, pkts, 1)
	require.Equal(t, uint8(NALUTypeSTAPA), pkts[0][0]&0x1F)
	require.Equal(t, byte(0x60), pkts[0][0]&0x60) // max(0x20,0x60)=0x60

	d := &Depacketizer{}
	nalus, err := d.Unpacketize(pkts[0])
	require.NoError(t, err)
	require.Equal(t, [][]byte{low, high}, nalus)
}

func TestSingleNALUPassThrough(t *testing.T) {
	nalu := []byte{0x65, 0x01, 0x02}
	p := Packetizer{}
	pkts := p.Packetize([][]byte{nalu}, 1300)
	require.Len(t, pkts, 1)
	require.Equal(t, nalu, pkts[0])
}
