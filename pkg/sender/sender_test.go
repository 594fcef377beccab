package sender

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arzzra/rtcstack/pkg/rtcp"
	"github.com/arzzra/rtcstack/pkg/rtp"
)

type fakeTransport struct {
	mu   sync.Mutex
	rtp  [][]byte
	rtcp [][]byte
}

func (f *fakeTransport) SendRTP(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rtp = append(f.rtp, append([]byte(nil), b...))
	return nil
}

func (f *fakeTransport) SendRTCP(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rtcp = append(f.rtcp, append([]byte(nil), b...))
	return nil
}

func (f *fakeTransport) rtpCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rtp)
}

type oneShotSource struct {
	frame Frame
	sent  bool
	mu    sync.Mutex
}

func (s *oneShotSource) Pull(ctx context.Context) (Frame, bool) {
	s.mu.Lock()
	if !s.sent {
		s.sent = true
		s.mu.Unlock()
		return s.frame, true
	}
	s.mu.Unlock()
	select {
	case <-ctx.Done():
		return Frame{}, false
	case <-time.After(50 * time.Millisecond):
		return Frame{}, false
	}
}

func TestSenderSendsFrameAndSavesHistory(t *testing.T) {
	tr := &fakeTransport{}
	src := &oneShotSource{frame: Frame{Payloads: [][]byte{{1, 2, 3}}, TimestampAdv: 3000}}
	s := New(Config{SSRC: 0xabcd, PayloadType: 96, Transport: tr, Source: src})
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	require.Eventually(t, func() bool { return tr.rtpCount() >= 1 }, time.Second, time.Millisecond)

	cancel()
	s.Stop()

	_, ok := s.lookupHistory(s.state.nextSeq.MinusOne())
	require.True(t, ok)
}

func TestHandleNACKRetransmitsFromHistory(t *testing.T) {
	tr := &fakeTransport{}
	s := New(Config{SSRC: 42, PayloadType: 96, Transport: tr})
	seq := s.state.nextSeq
	p := &rtp.Packet{Header: rtp.Header{SSRC: 42, SequenceNumber: seq, PayloadType: 96}, Payload: []byte{9, 9}}
	s.saveHistory(p)

	nack := &rtcp.NACK{MediaSSRC: 42, Pairs: []rtcp.NACKPair{{PacketID: uint16(seq)}}}
	s.HandleRTCP(nack)

	require.Equal(t, 1, tr.rtpCount())
}

func TestHandleRTCPPLISetsForceKeyframe(t *testing.T) {
	s := New(Config{SSRC: 1})
	require.False(t, s.ForceKeyframeRequested())
	s.HandleRTCP(&rtcp.PLI{MediaSSRC: 1})
	require.True(t, s.ForceKeyframeRequested())
	s.ClearForceKeyframe()
	require.False(t, s.ForceKeyframeRequested())
}

func TestUnwrapRTX(t *testing.T) {
	p := &rtp.Packet{Payload: []byte{0x01, 0x02, 0xAA, 0xBB}}
	seq, payload, err := UnwrapRTX(p)
	require.NoError(t, err)
	require.Equal(t, rtp.SeqNo(0x0102), seq)
	require.Equal(t, []byte{0xAA, 0xBB}, payload)
}

func TestUnwrapRTXTooShort(t *testing.T) {
	p := &rtp.Packet{Payload: []byte{0x01}}
	_, _, err := UnwrapRTX(p)
	require.Error(t, err)
}
