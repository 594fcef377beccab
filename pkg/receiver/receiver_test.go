package receiver

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arzzra/rtcstack/pkg/jitter"
	"github.com/arzzra/rtcstack/pkg/rtcp"
	"github.com/arzzra/rtcstack/pkg/rtp"
)

type fakeTransport struct {
	rtcpPkts [][]byte
}

func (f *fakeTransport) SendRTCP(b []byte) error {
	f.rtcpPkts = append(f.rtcpPkts, append([]byte(nil), b...))
	return nil
}

type fakeSink struct {
	frames []jitter.Frame
}

func (f *fakeSink) OnFrame(fr jitter.Frame) { f.frames = append(f.frames, fr) }

func TestHandleRTPAudioPassThrough(t *testing.T) {
	sink := &fakeSink{}
	r := New(Config{SSRC: 1, ClockRate: 8000, Sink: sink})
	r.HandleRTP(&rtp.Packet{Header: rtp.Header{SequenceNumber: 1, SSRC: 1}, Payload: []byte{1, 2}})
	r.HandleRTP(&rtp.Packet{Header: rtp.Header{SequenceNumber: 2, SSRC: 1}, Payload: []byte{3, 4}})
	require.Len(t, sink.frames, 2)
}

func TestHandleRTPVideoBuffersUntilMarker(t *testing.T) {
	sink := &fakeSink{}
	r := New(Config{SSRC: 1, ClockRate: 90000, IsVideo: true, Sink: sink})
	r.HandleRTP(&rtp.Packet{Header: rtp.Header{SequenceNumber: 1, SSRC: 1, Marker: false}, Payload: []byte{0xAA}})
	require.Len(t, sink.frames, 0)
	r.HandleRTP(&rtp.Packet{Header: rtp.Header{SequenceNumber: 2, SSRC: 1, Marker: true}, Payload: []byte{0xBB}})
	require.Len(t, sink.frames, 1)
	require.Equal(t, []byte{0xAA, 0xBB}, sink.frames[0].Payload)
}

func TestMarkLostQueuesNACKCandidates(t *testing.T) {
	r := New(Config{SSRC: 1, NACKEnabled: true})
	// the first two packets satisfy RFC 3550 Appendix A.1's probation window
	// before loss tracking engages
	r.HandleRTP(&rtp.Packet{Header: rtp.Header{SequenceNumber: 1, SSRC: 1}})
	r.HandleRTP(&rtp.Packet{Header: rtp.Header{SequenceNumber: 2, SSRC: 1}})
	r.HandleRTP(&rtp.Packet{Header: rtp.Header{SequenceNumber: 6, SSRC: 1}})
	pending := r.PendingNACKs()
	require.ElementsMatch(t, []uint16{3, 4, 5}, pending)
}

func TestSendNACKBuildsPairs(t *testing.T) {
	tr := &fakeTransport{}
	r := New(Config{SSRC: 1, SenderSSRC: 42, NACKEnabled: true, Transport: tr})
	r.HandleRTP(&rtp.Packet{Header: rtp.Header{SequenceNumber: 1, SSRC: 1}})
	r.HandleRTP(&rtp.Packet{Header: rtp.Header{SequenceNumber: 2, SSRC: 1}})
	r.HandleRTP(&rtp.Packet{Header: rtp.Header{SequenceNumber: 11, SSRC: 1}})
	err := r.SendNACK()
	require.NoError(t, err)
	require.Len(t, tr.rtcpPkts, 1)

	var n rtcp.NACK
	require.NoError(t, n.Unmarshal(tr.rtcpPkts[0]))
	require.Equal(t, uint32(42), n.MediaSSRC)
	seqs := n.Pairs[0].LostSeqNumbers()
	require.ElementsMatch(t, []uint16{3, 4, 5, 6, 7, 8, 9, 10}, seqs)
}

func TestBuildReportTracksLoss(t *testing.T) {
	r := New(Config{SSRC: 1, SenderSSRC: 42})
	r.HandleRTP(&rtp.Packet{Header: rtp.Header{SequenceNumber: 0, SSRC: 1}})
	r.HandleRTP(&rtp.Packet{Header: rtp.Header{SequenceNumber: 1, SSRC: 1}})
	r.HandleRTP(&rtp.Packet{Header: rtp.Header{SequenceNumber: 4, SSRC: 1}})
	report := r.buildReport()
	require.Equal(t, uint32(42), report.SSRC)
	require.Greater(t, report.PacketsLost, int32(0))
}

func TestSendPLI(t *testing.T) {
	tr := &fakeTransport{}
	r := New(Config{SSRC: 1, SenderSSRC: 7, Transport: tr})
	require.NoError(t, r.SendPLI())
	require.Len(t, tr.rtcpPkts, 1)
	var pli rtcp.PLI
	require.NoError(t, pli.Unmarshal(tr.rtcpPkts[0]))
	require.Equal(t, uint32(7), pli.MediaSSRC)
}
