package rtcp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSenderReportRoundTrip(t *testing.T) {
	sr := &SenderReport{
		SSRC:         1234,
		NTPTimestamp: 0x1122334455667788,
		RTPTimestamp: 90000,
		PacketCount:  10,
		OctetCount:   1200,
		Reports: []ReceptionReport{
			{SSRC: 5678, FractionLost: 1, PacketsLost: -5, HighestSeqReceived: 100, Jitter: 3, LastSR: 9, DelaySinceLastSR: 2},
		},
	}
	buf, err := sr.Marshal()
	require.NoError(t, err)

	var got SenderReport
	require.NoError(t, got.Unmarshal(buf))
	require.Equal(t, sr.SSRC, got.SSRC)
	require.Equal(t, sr.NTPTimestamp, got.NTPTimestamp)
	require.Equal(t, sr.Reports, got.Reports)
}

func TestNACKLostSeqNumbers(t *testing.T) {
	p := NACKPair{PacketID: 100, LostPacketsBitmap: 0b101}
	require.Equal(t, []uint16{100, 101, 103}, p.LostSeqNumbers())
}

func TestREMBRoundTrip(t *testing.T) {
	r := &REMB{SenderSSRC: 1, SSRCs: []uint32{10, 20}, BitrateBps: 2_500_000}
	buf, err := r.Marshal()
	require.NoError(t, err)

	var got REMB
	require.NoError(t, got.Unmarshal(buf))
	require.Equal(t, r.SSRCs, got.SSRCs)
	// top 18 mantissa bits must match (testable property 8); exact value may
	// lose low-order precision once the exponent shifts right.
	wantMantissa := RembBitrateTop18Bits(r.BitrateBps)
	gotMantissa := RembBitrateTop18Bits(got.BitrateBps)
	require.Equal(t, wantMantissa, gotMantissa)
}

func TestSDESRoundTrip(t *testing.T) {
	s := &SourceDescription{Chunks: []SourceDescriptionChunk{
		{SSRC: 42, Items: []SDESItem{{Type: SDESCNAME, Text: "user@host"}}},
	}}
	buf, err := s.Marshal()
	require.NoError(t, err)

	var got SourceDescription
	require.NoError(t, got.Unmarshal(buf))
	require.Equal(t, s.Chunks, got.Chunks)
}

func TestParseCompound(t *testing.T) {
	sr := &SenderReport{SSRC: 1, NTPTimestamp: 1, RTPTimestamp: 1, PacketCount: 1, OctetCount: 1}
	bye := &Bye{Sources: []uint32{1}}
	buf, err := MarshalCompound(sr, bye)
	require.NoError(t, err)

	pkts, err := ParseCompound(buf)
	require.NoError(t, err)
	require.Len(t, pkts, 2)
	require.Equal(t, uint8(TypeSR), pkts[0].Type())
	require.Equal(t, uint8(TypeBYE), pkts[1].Type())
}
