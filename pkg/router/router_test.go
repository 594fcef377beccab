package router

import (
	"testing"

	"github.com/arzzra/rtcstack/pkg/rtcp"
	"github.com/arzzra/rtcstack/pkg/rtp"
	"github.com/stretchr/testify/require"
)

type fakeReceiver struct {
	ssrcs []uint32
	pts   []uint8
	got   []*rtp.Packet
}

func (f *fakeReceiver) HandleRTP(p *rtp.Packet)    { f.got = append(f.got, p) }
func (f *fakeReceiver) HandleRTCP(rtcp.Packet)     {}
func (f *fakeReceiver) SSRCs() []uint32            { return f.ssrcs }
func (f *fakeReceiver) PayloadTypes() []uint8      { return f.pts }

func TestDispatchRTPBindsUnknownSSRCByUniquePT(t *testing.T) {
	r := New()
	recv := &fakeReceiver{pts: []uint8{96}}
	r.RegisterReceiver(recv, nil, []uint8{96}, "")

	p := &rtp.Packet{Header: rtp.Header{SSRC: 111, PayloadType: 96}}
	r.DispatchRTP(p)
	require.Len(t, recv.got, 1)

	// second packet with same new ssrc now resolves directly
	p2 := &rtp.Packet{Header: rtp.Header{SSRC: 111, PayloadType: 96}}
	r.DispatchRTP(p2)
	require.Len(t, recv.got, 2)
}

func TestDispatchRTPDropsAmbiguousPT(t *testing.T) {
	r := New()
	a := &fakeReceiver{pts: []uint8{96}}
	b := &fakeReceiver{pts: []uint8{96}}
	r.RegisterReceiver(a, nil, []uint8{96}, "")
	r.RegisterReceiver(b, nil, []uint8{96}, "")

	p := &rtp.Packet{Header: rtp.Header{SSRC: 999, PayloadType: 96}}
	r.DispatchRTP(p)
	require.Empty(t, a.got)
	require.Empty(t, b.got)
}

type fakeSender struct {
	ssrc uint32
	got  []rtcp.Packet
}

func (f *fakeSender) HandleRTCP(p rtcp.Packet) { f.got = append(f.got, p) }
func (f *fakeSender) SSRC() uint32             { return f.ssrc }

func TestDispatchRTCPNackToSender(t *testing.T) {
	r := New()
	s := &fakeSender{ssrc: 42}
	r.RegisterSender(s)

	r.DispatchRTCP(&rtcp.NACK{MediaSSRC: 42})
	require.Len(t, s.got, 1)
}
