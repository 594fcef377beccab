// Package sender implements the RTP sender: an RTP transmit task, an RTCP
// SR/SDES/BYE task, RTX-wrapped NACK retransmission, PLI force-keyframe
// handling, and REMB-driven target bitrate. One coded frame is split into
// RTP payloads by the pkg/codecs/{vp8,vp9,h264} packetizer named by
// Config.Codec (see packetize.go) before transmission.
package sender

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arzzra/rtcstack/pkg/clock"
	"github.com/arzzra/rtcstack/pkg/rtcerr"
	"github.com/arzzra/rtcstack/pkg/rtcp"
	"github.com/arzzra/rtcstack/pkg/rtp"
)

// HistorySize is the ring size for retransmit history.
const HistorySize = 128

// Transport is the narrow interface the sender needs below it.
type Transport interface {
	SendRTP([]byte) error
	SendRTCP([]byte) error
}

// Frame is one encoded media unit handed to the sender by the (out of
// scope) encoder/track. Set Payload to one undivided coded frame (e.g. a
// VP8/VP9 frame or an Annex-B H.264 access unit) when Config.Codec names a
// packetizer, which splits it into RTP-sized payloads; set
// Payloads directly for already RTP-sized units (audio, or video with no
// packetizer configured).
type Frame struct {
	Payload       []byte
	Payloads      [][]byte // one or more payload units
	TimestampAdv  uint32
}

// FrameSource supplies encoded frames; Pull blocks until one is ready or ctx
// is done.
type FrameSource interface {
	Pull(ctx context.Context) (Frame, bool)
}

// Config configures one RTP sender instance.
type Config struct {
	SSRC          uint32
	RTXSSRC       uint32
	RTXEnabled    bool
	PayloadType   uint8
	RTXPayloadType uint8
	CNAME         string
	MID           string
	MIDExtID      uint8
	AbsSendTimeExtID uint8
	ClockRate     uint32
	Source        FrameSource
	Transport     Transport
	Clock         clock.Source

	// Codec names the pkg/codecs packetizer Frame.Payload is split through
	//; CodecNone leaves Frame.Payloads as given.
	Codec Codec
	// MaxPayloadSize bounds each packetized RTP payload; 0 uses the codec's
	// own PacketMax.
	MaxPayloadSize int

	// OnTargetBitrate is invoked with the bitrate carried by each inbound
	// REMB, the bandwidth estimator's (pkg/bwe) feedback channel to the
	// encoder.
	OnTargetBitrate func(bps uint64)
}

type historyEntry struct {
	valid   bool
	seq     rtp.SeqNo
	packet  *rtp.Packet
}

// State is the per-SSRC outgoing stream state.
type State struct {
	SSRC        uint32
	RTXSSRC     uint32
	nextSeq     rtp.SeqNo
	nextRTXSeq  rtp.SeqNo
	tsOrigin    uint32
	packetCount uint32
	octetCount  uint32
	rtt         float64
	lastSR      uint32
	lastSRTime  time.Time
	targetBitrateBps uint64
}

// Sender owns outbound media for one track.
type Sender struct {
	cfg   Config
	state State

	history [HistorySize]historyEntry

	forceKeyframe int32 // atomic bool

	pktz packetizer

	mu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	rtpExited  chan struct{}
	rtcpExited chan struct{}
}

// New creates a Sender with a random sequence/timestamp origin.
func New(cfg Config) *Sender {
	if cfg.Clock == nil {
		cfg.Clock = clock.SystemSource{}
	}
	s := &Sender{
		cfg: cfg,
		state: State{
			SSRC:       cfg.SSRC,
			RTXSSRC:    cfg.RTXSSRC,
			nextSeq:    rtp.SeqNo(randUint16()),
			nextRTXSeq: rtp.SeqNo(randUint16()),
			tsOrigin:   randUint32(),
		},
		rtpExited:  make(chan struct{}),
		rtcpExited: make(chan struct{}),
		pktz:       newPacketizer(cfg.Codec),
	}
	return s
}

func randUint16() uint16 {
	var b [2]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint16(b[:])
}

func randUint32() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

// Start launches the RTP transmit task and RTCP task.
func (s *Sender) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(2)
	go s.rtpTask()
	go s.rtcpTask()
}

// Stop cancels both tasks and awaits their exit events.
func (s *Sender) Stop() {
	s.cancel()
	<-s.rtpExited
	<-s.rtcpExited
}

func (s *Sender) rtpTask() {
	defer s.wg.Done()
	defer close(s.rtpExited)
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}
		if s.cfg.Source == nil {
			select {
			case <-time.After(20 * time.Millisecond):
			case <-s.ctx.Done():
				return
			}
			continue
		}
		frame, ok := s.cfg.Source.Pull(s.ctx)
		if !ok {
			return
		}
		s.sendFrame(frame)
	}
}

func (s *Sender) sendFrame(frame Frame) {
	s.mu.Lock()
	s.state.tsOrigin += frame.TimestampAdv
	ts := s.state.tsOrigin
	s.mu.Unlock()

	payloads := frame.Payloads
	if s.pktz != nil && frame.Payload != nil {
		maxPayload := s.cfg.MaxPayloadSize
		payloads = s.pktz.Packetize(frame.Payload, maxPayload)
	}

	for i, payload := range payloads {
		s.mu.Lock()
		seq := s.state.nextSeq
		s.state.nextSeq = seq.PlusOne()
		s.mu.Unlock()

		h := rtp.Header{
			PayloadType:    s.cfg.PayloadType,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           s.cfg.SSRC,
			Marker:         i == len(payloads)-1,
		}
		ns := s.cfg.Clock.Now().UnixNano()
		absSendTime := uint32((ns/1e9)<<18|((ns%1e9)<<18)/1e9) & 0xFFFFFF // 6.18 fixed-point seconds
		if s.cfg.AbsSendTimeExtID != 0 {
			h.SetExtension(s.cfg.AbsSendTimeExtID, []byte{byte(absSendTime >> 16), byte(absSendTime >> 8), byte(absSendTime)})
		}
		if s.cfg.MIDExtID != 0 && s.cfg.MID != "" {
			h.SetExtension(s.cfg.MIDExtID, []byte(s.cfg.MID))
		}
		p := &rtp.Packet{Header: h, Payload: payload}
		buf, err := p.Marshal()
		if err != nil {
			continue
		}
		if s.cfg.Transport != nil {
			_ = s.cfg.Transport.SendRTP(buf)
		}
		s.saveHistory(p)
		s.mu.Lock()
		s.state.packetCount++
		s.state.octetCount += uint32(len(payload))
		s.mu.Unlock()
	}
}

func (s *Sender) saveHistory(p *rtp.Packet) {
	idx := int(uint16(p.Header.SequenceNumber)) % HistorySize
	cp := *p
	s.history[idx] = historyEntry{valid: true, seq: p.Header.SequenceNumber, packet: &cp}
}

func (s *Sender) lookupHistory(seq rtp.SeqNo) (*rtp.Packet, bool) {
	idx := int(uint16(seq)) % HistorySize
	e := s.history[idx]
	if e.valid && e.seq == seq {
		return e.packet, true
	}
	return nil, false
}

func (s *Sender) rtcpTask() {
	defer s.wg.Done()
	defer close(s.rtcpExited)
	for {
		interval := 500*time.Millisecond + time.Duration(randFloat01()*float64(time.Second))
		select {
		case <-time.After(interval):
			s.sendReport()
		case <-s.ctx.Done():
			s.sendBye()
			return
		}
	}
}

func randFloat01() float64 {
	return float64(randUint32()) / float64(1<<32)
}

func (s *Sender) sendReport() {
	now := s.cfg.Clock.Now()
	ntp := clock.ToNTP(now)

	s.mu.Lock()
	sr := &rtcp.SenderReport{
		SSRC:         s.cfg.SSRC,
		NTPTimestamp: ntp,
		RTPTimestamp: s.state.tsOrigin,
		PacketCount:  s.state.packetCount,
		OctetCount:   s.state.octetCount,
	}
	s.state.lastSR = clock.NTPMiddle32(ntp)
	s.state.lastSRTime = now
	s.mu.Unlock()

	sdes := &rtcp.SourceDescription{Chunks: []rtcp.SourceDescriptionChunk{
		{SSRC: s.cfg.SSRC, Items: []rtcp.SDESItem{{Type: rtcp.SDESCNAME, Text: s.cfg.CNAME}}},
	}}
	buf, err := rtcp.MarshalCompound(sr, sdes)
	if err != nil || s.cfg.Transport == nil {
		return
	}
	_ = s.cfg.Transport.SendRTCP(buf)
}

func (s *Sender) sendBye() {
	if s.cfg.Transport == nil {
		return
	}
	buf, err := (&rtcp.Bye{Sources: []uint32{s.cfg.SSRC}}).Marshal()
	if err == nil {
		_ = s.cfg.Transport.SendRTCP(buf)
	}
}

// SSRC implements router.Sender.
func (s *Sender) SSRC() uint32 { return s.cfg.SSRC }

// HandleRTCP processes feedback addressed to this sender.
func (s *Sender) HandleRTCP(pkt rtcp.Packet) {
	switch v := pkt.(type) {
	case *rtcp.SenderReport:
		s.handleReportBlocks(v.Reports)
	case *rtcp.ReceiverReport:
		s.handleReportBlocks(v.Reports)
	case *rtcp.NACK:
		s.handleNACK(v)
	case *rtcp.PLI:
		atomic.StoreInt32(&s.forceKeyframe, 1)
	case *rtcp.REMB:
		s.mu.Lock()
		s.state.targetBitrateBps = v.BitrateBps
		s.mu.Unlock()
		if s.cfg.OnTargetBitrate != nil {
			s.cfg.OnTargetBitrate(v.BitrateBps)
		}
	}
}

func (s *Sender) handleReportBlocks(reports []rtcp.ReceptionReport) {
	now := s.cfg.Clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range reports {
		if r.SSRC != s.cfg.SSRC {
			continue
		}
		if r.LastSR == 0 || r.LastSR != s.state.lastSR || r.DelaySinceLastSR == 0 {
			continue
		}
		rtt := now.Sub(s.state.lastSRTime).Seconds() - float64(r.DelaySinceLastSR)/65536.0
		if rtt < 0 {
			rtt = 0
		}
		if s.state.rtt == 0 {
			s.state.rtt = rtt
		} else {
			s.state.rtt = 0.85*s.state.rtt + 0.15*rtt
		}
	}
}

// handleNACK retransmits history entries, wrapped as RTX if negotiated,
//
func (s *Sender) handleNACK(n *rtcp.NACK) {
	if n.MediaSSRC != s.cfg.SSRC {
		return
	}
	for _, pair := range n.Pairs {
		for _, lost := range pair.LostSeqNumbers() {
			pkt, ok := s.lookupHistory(rtp.SeqNo(lost))
			if !ok {
				continue
			}
			s.retransmit(pkt)
		}
	}
}

func (s *Sender) retransmit(orig *rtp.Packet) {
	if !s.cfg.RTXEnabled {
		buf, err := orig.Marshal()
		if err == nil && s.cfg.Transport != nil {
			_ = s.cfg.Transport.SendRTP(buf)
		}
		return
	}
	s.mu.Lock()
	rtxSeq := s.state.nextRTXSeq
	s.state.nextRTXSeq = rtxSeq.PlusOne()
	s.mu.Unlock()

	origSeqPrefix := []byte{byte(orig.Header.SequenceNumber >> 8), byte(orig.Header.SequenceNumber)}
	rtxPacket := &rtp.Packet{
		Header: rtp.Header{
			PayloadType:    s.cfg.RTXPayloadType,
			SequenceNumber: rtxSeq,
			Timestamp:      orig.Header.Timestamp,
			SSRC:           s.cfg.RTXSSRC,
			Marker:         orig.Header.Marker,
		},
		Payload: append(origSeqPrefix, orig.Payload...),
	}
	buf, err := rtxPacket.Marshal()
	if err != nil || s.cfg.Transport == nil {
		return
	}
	_ = s.cfg.Transport.SendRTP(buf)
}

// UnwrapRTX recovers the original sequence number and payload from an RTX
// packet ("original sequence recoverable via unwrap_rtx").
func UnwrapRTX(p *rtp.Packet) (origSeq rtp.SeqNo, payload []byte, err error) {
	if len(p.Payload) < 2 {
		return 0, nil, rtcerr.New(rtcerr.InvalidFraming, "rtx payload shorter than 2 bytes")
	}
	seq := uint16(p.Payload[0])<<8 | uint16(p.Payload[1])
	return rtp.SeqNo(seq), p.Payload[2:], nil
}

// ForceKeyframeRequested reports whether a PLI has set the force-keyframe
// flag; it does not clear the flag (ClearForceKeyframe does).
func (s *Sender) ForceKeyframeRequested() bool {
	return atomic.LoadInt32(&s.forceKeyframe) == 1
}

// ClearForceKeyframe resets the PLI flag after the next frame is encoded.
func (s *Sender) ClearForceKeyframe() { atomic.StoreInt32(&s.forceKeyframe, 0) }

// RTT returns the current EWMA round-trip estimate in seconds.
func (s *Sender) RTT() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.rtt
}

// TargetBitrateBps returns the most recent REMB-carried target bitrate, or
// 0 if none has arrived yet ("push to the encoder's
// target_bitrate if the encoder exposes that property").
func (s *Sender) TargetBitrateBps() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.targetBitrateBps
}
