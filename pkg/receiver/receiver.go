// Package receiver implements the RTP receiver: per-SSRC jitter/loss
// statistics (RFC 3550 §6.4.1), wrap-aware NACK generation, a periodic
// RTCP RR task, on-demand PLI (SendPLI), and depacketization hand-off into pkg/jitter for
// video. Video payloads run through the pkg/codecs/{vp8,vp9,h264}
// depacketizer named by Config.Codec (see depacketize.go) before reaching
// the jitter buffer, so frame boundaries reflect the payload format's own
// descriptor rather than a fixed per-packet assumption.
package receiver

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"github.com/arzzra/rtcstack/pkg/clock"
	"github.com/arzzra/rtcstack/pkg/jitter"
	"github.com/arzzra/rtcstack/pkg/rtcp"
	"github.com/arzzra/rtcstack/pkg/rtp"
)

// Transport is the narrow interface the receiver needs below it.
type Transport interface {
	SendRTCP([]byte) error
}

// FrameSink receives reassembled, order-correct media frames for decode.
type FrameSink interface {
	OnFrame(jitter.Frame)
}

// Config configures one RTP receiver instance.
type Config struct {
	SSRC        uint32
	PayloadType uint8
	ClockRate   uint32
	IsVideo     bool  // video frames depacketize through pkg/jitter; audio decodes immediately
	Codec       Codec // payload format run through pkg/codecs before the jitter buffer; CodecNone leaves payloads as-is
	SenderSSRC  uint32
	CNAME       string
	Transport   Transport
	Sink        FrameSink
	Clock       clock.Source
	NACKEnabled bool
}

// statistics is the RFC 3550 §6.4.1 per-source tracking state.
type statistics struct {
	haveBaseSeq     bool
	baseSeq         uint16
	maxSeq          uint16
	cycles          uint32
	badSeq          uint32
	probation       int
	received        uint32
	expectedPrior   uint32
	receivedPrior   uint32
	jitter          float64
	transit         uint32
	haveTransit     bool
	lastSR          uint32
	lastSRRecvTime  time.Time
	haveLastSR      bool
}

const (
	minSequential = 2
	maxDropout    = 3000
	maxMisorder   = 100
	reorderBuf    = 1 << 16
)

// Receiver owns inbound media for one SSRC.
type Receiver struct {
	cfg   Config
	stats statistics

	jbuf *jitter.Buffer
	depk depacketizer

	mu sync.Mutex

	pendingNACK map[uint16]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	exited chan struct{}
}

// New creates a Receiver; if cfg.IsVideo, frames are depacketized through a
// pkg/jitter.Buffer before being handed to Sink.
func New(cfg Config) *Receiver {
	if cfg.Clock == nil {
		cfg.Clock = clock.SystemSource{}
	}
	r := &Receiver{
		cfg:         cfg,
		pendingNACK: make(map[uint16]bool),
		exited:      make(chan struct{}),
	}
	if cfg.IsVideo {
		r.jbuf = jitter.New(jitter.Capacity)
		r.depk = newDepacketizer(cfg.Codec)
	}
	return r
}

// SSRCs implements router.Receiver.
func (r *Receiver) SSRCs() []uint32 { return []uint32{r.cfg.SSRC} }

// PayloadTypes implements router.Receiver.
func (r *Receiver) PayloadTypes() []uint8 { return []uint8{r.cfg.PayloadType} }

// Start launches the periodic RTCP RR task.
func (r *Receiver) Start(ctx context.Context) {
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.rtcpTask()
}

// Stop cancels the RTCP task and waits for it to exit.
func (r *Receiver) Stop() {
	r.cancel()
	<-r.exited
}

// HandleRTP ingests one RTP packet: updates statistics (RFC 3550 §6.4.1),
// tracks loss for NACK generation, and drives the jitter buffer for video
// or hands payload straight to the sink for audio.
func (r *Receiver) HandleRTP(p *rtp.Packet) {
	r.mu.Lock()
	newSeq := r.updateSeq(uint16(p.Header.SequenceNumber))
	if newSeq {
		r.updateJitter(p.Header.Timestamp)
	}
	r.mu.Unlock()

	if !newSeq {
		return
	}

	if r.cfg.IsVideo && r.jbuf != nil {
		units := []depacketizedUnit{{Payload: p.Payload, FirstInFrame: true}}
		if r.depk != nil {
			units = r.depk.Depacketize(p.Payload, p.Header.Marker)
		}
		for _, u := range units {
			r.jbuf.Add(p.Header.SequenceNumber, p.Header.Timestamp, p.Header.Marker, u.FirstInFrame, u.Payload)
		}
		for {
			f, ok := r.jbuf.Pop()
			if !ok {
				break
			}
			if r.cfg.Sink != nil {
				r.cfg.Sink.OnFrame(f)
			}
		}
	} else if r.cfg.Sink != nil {
		r.cfg.Sink.OnFrame(jitter.Frame{Payload: p.Payload, FirstSeq: p.Header.SequenceNumber, RTPTimestamp: p.Header.Timestamp})
	}
}

// updateSeq implements RFC 3550 Appendix A.1's source-validation state
// machine, generalized to flag gaps for NACK generation.
func (r *Receiver) updateSeq(seq uint16) bool {
	s := &r.stats
	if !s.haveBaseSeq {
		s.haveBaseSeq = true
		s.baseSeq = seq
		s.maxSeq = seq
		s.probation = minSequential - 1
		s.received = 1
		return true
	}

	udelta := seq - s.maxSeq
	if s.probation > 0 {
		if seq == s.maxSeq+1 {
			s.probation--
			s.maxSeq = seq
			if s.probation == 0 {
				s.received++
				return true
			}
		} else {
			s.probation = minSequential - 1
			s.maxSeq = seq
		}
		return false
	}

	switch {
	case udelta < maxDropout:
		if seq < s.maxSeq {
			s.cycles += 1 << 16
		}
		if int(seq)-int(s.maxSeq) > 1 {
			r.markLost(s.maxSeq, seq)
		}
		s.maxSeq = seq
	case udelta <= reorderBuf-maxMisorder:
		s.badSeq++
		return false
	default:
		// duplicate or reordered within tolerance: accept without updating maxSeq
	}
	s.received++
	return true
}

func (r *Receiver) markLost(from, to uint16) {
	if !r.cfg.NACKEnabled {
		return
	}
	for seq := from + 1; seq != to; seq++ {
		r.pendingNACK[seq] = true
	}
}

// updateJitter implements RFC 3550 §6.4.1's interarrival jitter recurrence.
func (r *Receiver) updateJitter(rtpTimestamp uint32) {
	s := &r.stats
	rate := r.cfg.ClockRate
	if rate == 0 {
		rate = clock.RateVideo
	}
	arrival := uint32(r.cfg.Clock.Now().UnixNano()*int64(rate)/1e9) & 0xFFFFFFFF
	transit := arrival - rtpTimestamp
	if s.haveTransit {
		d := int32(transit) - int32(s.transit)
		if d < 0 {
			d = -d
		}
		s.jitter += (float64(d) - s.jitter) / 16.0
	}
	s.transit = transit
	s.haveTransit = true
}

// HandleRTCP processes a sender report addressed to this receiver, keeping
// the LSR value needed for the next RR's DLSR.
func (r *Receiver) HandleRTCP(pkt rtcp.Packet) {
	sr, ok := pkt.(*rtcp.SenderReport)
	if !ok || sr.SSRC != r.cfg.SenderSSRC {
		return
	}
	r.mu.Lock()
	r.stats.lastSR = clock.NTPMiddle32(sr.NTPTimestamp)
	r.stats.lastSRRecvTime = r.cfg.Clock.Now()
	r.stats.haveLastSR = true
	r.mu.Unlock()
}

func (r *Receiver) rtcpTask() {
	defer r.wg.Done()
	defer close(r.exited)
	for {
		interval := 500*time.Millisecond + time.Duration(randFloat01()*float64(time.Second))
		select {
		case <-time.After(interval):
			r.sendRR()
		case <-r.ctx.Done():
			return
		}
	}
}

func randFloat01() float64 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return float64(binary.BigEndian.Uint32(b[:])) / float64(1<<32)
}

func (r *Receiver) sendRR() {
	report := r.buildReport()
	rr := &rtcp.ReceiverReport{SSRC: r.cfg.SSRC, Reports: []rtcp.ReceptionReport{report}}
	buf, err := rr.Marshal()
	if err != nil || r.cfg.Transport == nil {
		return
	}
	_ = r.cfg.Transport.SendRTCP(buf)
}

func (r *Receiver) buildReport() rtcp.ReceptionReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &r.stats

	extMax := s.cycles + uint32(s.maxSeq)
	expected := extMax - uint32(s.baseSeq) + 1
	expectedInterval := expected - s.expectedPrior
	receivedInterval := s.received - s.receivedPrior
	lostInterval := int32(expectedInterval) - int32(receivedInterval)
	s.expectedPrior = expected
	s.receivedPrior = s.received

	var fraction uint8
	if expectedInterval > 0 && lostInterval > 0 {
		fraction = uint8((lostInterval << 8) / int32(expectedInterval))
	}
	totalLost := rtp.ClampPacketsLost(int32(expected) - int32(s.received))

	var dlsr uint32
	if s.haveLastSR {
		elapsed := r.cfg.Clock.Now().Sub(s.lastSRRecvTime)
		dlsr = uint32(elapsed.Seconds() * 65536)
	}

	return rtcp.ReceptionReport{
		SSRC:               r.cfg.SenderSSRC,
		FractionLost:       fraction,
		PacketsLost:        totalLost,
		HighestSeqReceived: extMax,
		Jitter:             uint32(s.jitter),
		LastSR:             s.lastSR,
		DelaySinceLastSR:   dlsr,
	}
}

// SendPLI requests a keyframe from the sender of this stream.
func (r *Receiver) SendPLI() error {
	if r.cfg.Transport == nil {
		return nil
	}
	pli := &rtcp.PLI{MediaSSRC: r.cfg.SenderSSRC}
	buf, err := pli.Marshal()
	if err != nil {
		return err
	}
	return r.cfg.Transport.SendRTCP(buf)
}

// PendingNACKs drains and returns the sequence numbers observed missing
// since the last call, for the caller to fold into a single generic NACK.
func (r *Receiver) PendingNACKs() []uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint16, 0, len(r.pendingNACK))
	for seq := range r.pendingNACK {
		out = append(out, seq)
		delete(r.pendingNACK, seq)
	}
	return out
}

// SendNACK emits a generic NACK covering the currently pending lost
// sequence numbers, if any.
func (r *Receiver) SendNACK() error {
	seqs := r.PendingNACKs()
	if len(seqs) == 0 || r.cfg.Transport == nil {
		return nil
	}
	pairs := buildNACKPairs(seqs)
	n := &rtcp.NACK{MediaSSRC: r.cfg.SenderSSRC, Pairs: pairs}
	buf, err := n.Marshal()
	if err != nil {
		return err
	}
	return r.cfg.Transport.SendRTCP(buf)
}

// buildNACKPairs packs a sorted set of lost sequence numbers into the
// minimal set of (PID, BLP) pairs per RFC 4585 §6.2.1.
func buildNACKPairs(seqs []uint16) []rtcp.NACKPair {
	sorted := append([]uint16(nil), seqs...)
	insertionSort(sorted)

	var pairs []rtcp.NACKPair
	i := 0
	for i < len(sorted) {
		pid := sorted[i]
		var blp uint16
		j := i + 1
		for j < len(sorted) {
			d := sorted[j] - pid
			if d == 0 || d > 16 {
				break
			}
			blp |= 1 << uint(d-1)
			j++
		}
		pairs = append(pairs, rtcp.NACKPair{PacketID: pid, LostPacketsBitmap: blp})
		i = j
	}
	return pairs
}

func insertionSort(s []uint16) {
	for i := 1; i < len(s); i++ {
		v := s[i]
		j := i - 1
		for j >= 0 && s[j] > v {
			s[j+1] = s[j]
			j--
		}
		s[j+1] = v
	}
}
