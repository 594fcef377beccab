package vp8

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDescriptorRoundTrip(t *testing.T) {
	d := Descriptor{StartOfPartition: true, PartitionID: 3, PictureIDPresent: true, PictureID: 0x1234 & 0x7FFF}
	buf := d.Marshal()
	got, n, err := Unmarshal(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, d.StartOfPartition, got.StartOfPartition)
	require.Equal(t, d.PartitionID, got.PartitionID)
	require.Equal(t, d.PictureID, got.PictureID)
}

func TestPacketizerIncrementsPictureID(t *testing.T) {
	p := &Packetizer{}
	frame := make([]byte, 4000)
	pkts := p.Packetize(frame, 1300)
	require.True(t, len(pkts) > 1)

	firstDesc, _, err := Unmarshal(pkts[0])
	require.NoError(t, err)
	require.True(t, firstDesc.StartOfPartition)

	idAfterFirstFrame := p.pictureID
	p.Packetize(make([]byte, 10), 1300)
	require.Equal(t, (idAfterFirstFrame+1)&0x7FFF, p.pictureID)
}
