package jitter

import (
	"testing"

	"github.com/arzzra/rtcstack/pkg/rtp"
	"github.com/stretchr/testify/require"
)

func TestBufferEmitsCompleteFrame(t *testing.T) {
	b := New(Capacity)
	require.True(t, b.Add(1, 1000, false, true, []byte("AA")))
	require.True(t, b.Add(2, 1000, true, false, []byte("BB")))

	f, ok := b.Pop()
	require.True(t, ok)
	require.Equal(t, []byte("AABB"), f.Payload)
	require.Equal(t, rtp.SeqNo(1), f.FirstSeq)
}

func TestBufferWaitsForMarker(t *testing.T) {
	b := New(Capacity)
	require.True(t, b.Add(1, 1000, false, true, []byte("AA")))
	_, ok := b.Pop()
	require.False(t, ok)
}

func TestBufferResyncsFarBehind(t *testing.T) {
	b := New(Capacity)
	b.Add(5000, 1, false, true, []byte("x"))
	ok := b.Add(1, 1, false, true, []byte("y")) // far behind -> resync
	require.True(t, ok)
}
