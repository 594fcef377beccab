package vp9

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDescriptorRoundTrip(t *testing.T) {
	d := Descriptor{PictureIDPresent: true, PictureID: 300, Begin: true, End: true}
	buf := d.Marshal()
	got, n, err := Unmarshal(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, d.PictureID, got.PictureID)
	require.Equal(t, d.Begin, got.Begin)
	require.Equal(t, d.End, got.End)
}

func TestPFlagSequencing(t *testing.T) {
	p := &Packetizer{}
	first := p.Packetize([]byte{1, 2, 3}, 1300)
	d0, _, err := Unmarshal(first[0])
	require.NoError(t, err)
	require.False(t, d0.InterPicPredicted)

	second := p.Packetize([]byte{1, 2, 3}, 1300)
	d1, _, err := Unmarshal(second[0])
	require.NoError(t, err)
	require.True(t, d1.InterPicPredicted)

	p.ForceKeyframe()
	third := p.Packetize([]byte{1, 2, 3}, 1300)
	d2, _, err := Unmarshal(third[0])
	require.NoError(t, err)
	require.False(t, d2.InterPicPredicted)
}
