// Package sctp (continued): the association state machine, built on
// looplab/fsm the same way pkg/dtlssrtp's transport state machine is, with
// T1/T2/T3 retransmit timers (pkg/sctp/timer.go) driving retries.
package sctp

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"sort"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/arzzra/rtcstack/pkg/metrics"
	"github.com/arzzra/rtcstack/pkg/rtcerr"
)

// Protocol constants for the association's wire behavior.
const (
	USERDATAMaxLength  = 1200
	AdvertisedRwnd     = 131072
	MaxInitRetrans     = 8
	MaxAssocRetrans    = 10
	ReconfigMaxStreams = 80
)

// Role is the association's handshake role: the DTLS client always
// initiates SCTP by sending INIT.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// State is the association lifecycle (RFC 4960 §4).
type State string

const (
	StateClosed            State = "closed"
	StateCookieWait         State = "cookie_wait"
	StateCookieEchoed       State = "cookie_echoed"
	StateEstablished        State = "established"
	StateShutdownPending    State = "shutdown_pending"
	StateShutdownSent       State = "shutdown_sent"
	StateShutdownReceived   State = "shutdown_received"
	StateShutdownAckSent    State = "shutdown_ack_sent"
)

// Transport is the narrow interface the association needs below it: the
// DTLS-SRTP transport's user-data send method ("User data frames
// are exchanged via the DTLS send_data / handle_data methods, not
// sockets").
type Transport interface {
	SendData([]byte) error
}

// Config configures one association.
type Config struct {
	Role            Role
	Transport       Transport
	InboundStreams  uint16
	OutboundStreams uint16
	OnMessage       func(streamID uint16, ppid uint32, data []byte, unordered bool)
	OnStreamClosed  func(streamID uint16)
	OnStateChange   func(State)
	Metrics         *metrics.Collector
}

type outboundChunk struct {
	chunk      *DataChunk
	bookSize   int
	acked      bool
	misses     int
	retransmit bool
	sentCount  int
	sentTime   time.Time
}

// Association implements an SCTP association end to end: handshake,
// TSN-space fragmentation/reassembly, SACK-driven congestion control,
// RFC 6525 stream reconfiguration, and heartbeat/shutdown.
type Association struct {
	cfg Config

	mu  sync.Mutex
	fsm *fsm.FSM

	timers *timerManager

	localVerificationTag  uint32
	remoteVerificationTag uint32
	hmacKey               []byte // server only

	localInitialTSN uint32
	nextTSN         uint32
	lastSackedTSN   uint32
	initRetries     int
	assocRetries    int

	peerInitialTSN  uint32
	lastReceivedTSN uint32
	haveReceived    bool
	pendingByTSN    map[uint32]*DataChunk
	duplicates      []uint32
	sackNeeded      bool
	rwnd            uint32

	outbound          []*outboundChunk
	cong              *congestionState
	outboundStreamSeq map[uint16]uint16

	reassembly map[uint16]*reassemblyState

	reconfigRequestSeq uint32
	pendingReconfig     map[uint32][]uint16

	peerSupportsReconfig bool
}

type reassemblyState struct {
	streamSeq uint16
	started   bool
	buf       []byte
	ppid      uint32
	unordered bool
}

// New creates an association in CLOSED state; call Associate (client) or
// simply start receiving (server) to begin the handshake.
func New(cfg Config) *Association {
	a := &Association{
		cfg:               cfg,
		timers:            newTimerManager(),
		pendingByTSN:      make(map[uint32]*DataChunk),
		reassembly:        make(map[uint16]*reassemblyState),
		outboundStreamSeq: make(map[uint16]uint16),
		pendingReconfig:   make(map[uint32][]uint16),
		rwnd:              AdvertisedRwnd,
	}
	a.localVerificationTag = randUint32()
	a.localInitialTSN = randUint32()
	a.nextTSN = a.localInitialTSN
	a.cong = newCongestionState(AdvertisedRwnd)

	a.fsm = fsm.NewFSM(string(StateClosed),
		fsm.Events{
			{Name: "init_sent", Src: []string{string(StateClosed)}, Dst: string(StateCookieWait)},
			{Name: "cookie_echoed", Src: []string{string(StateCookieWait)}, Dst: string(StateCookieEchoed)},
			{Name: "established", Src: []string{string(StateCookieEchoed), string(StateClosed)}, Dst: string(StateEstablished)},
			{Name: "shutdown_sent", Src: []string{string(StateEstablished)}, Dst: string(StateShutdownSent)},
			{Name: "shutdown_received", Src: []string{string(StateEstablished)}, Dst: string(StateShutdownReceived)},
			{Name: "shutdown_ack_sent", Src: []string{string(StateShutdownReceived)}, Dst: string(StateShutdownAckSent)},
			{Name: "closed", Src: []string{
				string(StateCookieWait), string(StateCookieEchoed), string(StateEstablished),
				string(StateShutdownSent), string(StateShutdownReceived), string(StateShutdownAckSent),
			}, Dst: string(StateClosed)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				if a.cfg.OnStateChange != nil {
					a.cfg.OnStateChange(State(e.Dst))
				}
			},
		},
	)
	return a
}

func randUint32() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

// State returns the current association state.
func (a *Association) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return State(a.fsm.Current())
}

func (a *Association) send(pkt *Packet) error {
	buf, err := pkt.Marshal()
	if err != nil {
		return err
	}
	if a.cfg.Transport == nil {
		return rtcerr.New(rtcerr.NotConnected, "sctp association has no transport")
	}
	return a.cfg.Transport.SendData(buf)
}

// Associate begins the client-side handshake by sending INIT.
func (a *Association) Associate() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	init := &InitChunk{
		InitiateTag:      a.localVerificationTag,
		AdvertisedRwnd:   AdvertisedRwnd,
		OutboundStreams:  a.cfg.OutboundStreams,
		InboundStreams:   a.cfg.InboundStreams,
		InitialTSN:       a.localInitialTSN,
		SupportsReconfig: true,
	}
	pkt := &Packet{Header: Header{SourcePort: 5000, DestPort: 5000}, Chunks: []Chunk{init}}
	if err := a.send(pkt); err != nil {
		return err
	}
	_ = a.fsm.Event(context.Background(), "init_sent")
	a.scheduleT1(func() { a.retransmitInit(init) })
	return nil
}

func (a *Association) scheduleT1(retransmit func()) {
	a.timers.Start(TimerT1, a.cong.rto, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.initRetries++
		if a.initRetries > MaxInitRetrans {
			a.timers.Stop(TimerT1)
			_ = a.fsm.Event(context.Background(), "closed")
			return
		}
		retransmit()
		a.timers.Start(TimerT1, a.cong.rto, func() { a.t1Expired(retransmit) })
	})
}

func (a *Association) t1Expired(retransmit func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.initRetries++
	if a.initRetries > MaxInitRetrans {
		a.timers.Stop(TimerT1)
		_ = a.fsm.Event(context.Background(), "closed")
		return
	}
	retransmit()
	a.timers.Start(TimerT1, a.cong.rto, func() { a.t1Expired(retransmit) })
}

func (a *Association) retransmitInit(init *InitChunk) {
	pkt := &Packet{Header: Header{SourcePort: 5000, DestPort: 5000}, Chunks: []Chunk{init}}
	_ = a.send(pkt)
}

// HandleIncoming parses and processes one SCTP packet received from the
// transport (registered against pkg/dtlssrtp.Transport.OnData).
func (a *Association) HandleIncoming(data []byte) {
	var pkt Packet
	if err := pkt.Unmarshal(data); err != nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range pkt.Chunks {
		a.handleChunk(c)
	}
	if a.sackNeeded {
		a.sendSACKLocked()
	}
}

func (a *Association) handleChunk(c Chunk) {
	switch v := c.(type) {
	case *InitChunk:
		a.handleInit(v)
	case *InitAckChunk:
		a.handleInitAck(v)
	case *CookieEchoChunk:
		a.handleCookieEcho(v)
	case *CookieAckChunk:
		a.handleCookieAck(v)
	case *DataChunk:
		a.handleData(v)
	case *SackChunk:
		a.handleSack(v)
	case *HeartbeatChunk:
		a.handleHeartbeat(v)
	case *HeartbeatAckChunk:
		// no RTO measurement hung off heartbeat in this simplified model
	case *AbortChunk:
		a.handleAbort()
	case *ShutdownChunk:
		a.handleShutdown(v)
	case *ShutdownAckChunk:
		a.handleShutdownAck()
	case *ShutdownCompleteChunk:
		a.handleShutdownComplete()
	case *ErrorChunk:
		a.handleError(v)
	case *ReconfigChunk:
		a.handleReconfig(v)
	}
}

// --- server-side handshake ---

func (a *Association) handleInit(init *InitChunk) {
	if a.cfg.Role != RoleServer {
		return
	}
	if a.hmacKey == nil {
		a.hmacKey = make([]byte, 20)
		_, _ = rand.Read(a.hmacKey)
	}
	a.remoteVerificationTag = init.InitiateTag
	a.peerInitialTSN = init.InitialTSN
	a.peerSupportsReconfig = init.SupportsReconfig
	a.lastReceivedTSN = init.InitialTSN - 1
	a.haveReceived = true

	cookie := generateStateCookie(a.hmacKey, time.Now())
	ack := &InitAckChunk{
		InitiateTag:      a.localVerificationTag,
		AdvertisedRwnd:   AdvertisedRwnd,
		OutboundStreams:  a.cfg.OutboundStreams,
		InboundStreams:   a.cfg.InboundStreams,
		InitialTSN:       a.localInitialTSN,
		StateCookie:      cookie,
		SupportsReconfig: true,
	}
	pkt := &Packet{Header: Header{SourcePort: 5000, DestPort: 5000, VerificationTag: a.remoteVerificationTag}, Chunks: []Chunk{ack}}
	_ = a.send(pkt)
}

func (a *Association) handleCookieEcho(echo *CookieEchoChunk) {
	if a.cfg.Role != RoleServer || a.hmacKey == nil {
		return
	}
	if err := verifyStateCookie(a.hmacKey, echo.Cookie, time.Now()); err != nil {
		if stale, ok := err.(*staleCookieError); ok {
			errChunk := NewStaleCookieError(stale.stalenessMs)
			pkt := &Packet{Header: Header{SourcePort: 5000, DestPort: 5000, VerificationTag: a.remoteVerificationTag}, Chunks: []Chunk{errChunk}}
			_ = a.send(pkt)
		}
		return
	}
	ackPkt := &Packet{Header: Header{SourcePort: 5000, DestPort: 5000, VerificationTag: a.remoteVerificationTag}, Chunks: []Chunk{&CookieAckChunk{}}}
	_ = a.send(ackPkt)
	_ = a.fsm.Event(context.Background(), "established")
	if a.cfg.Metrics != nil {
		a.cfg.Metrics.SCTPAssociationOpened()
	}
}

// --- client-side handshake ---

func (a *Association) handleInitAck(ack *InitAckChunk) {
	if a.cfg.Role != RoleClient || State(a.fsm.Current()) != StateCookieWait {
		return
	}
	a.timers.Stop(TimerT1)
	a.initRetries = 0
	a.remoteVerificationTag = ack.InitiateTag
	a.peerInitialTSN = ack.InitialTSN
	a.peerSupportsReconfig = ack.SupportsReconfig
	a.lastReceivedTSN = ack.InitialTSN - 1
	a.haveReceived = true
	a.rwnd = ack.AdvertisedRwnd

	echo := &CookieEchoChunk{Cookie: ack.StateCookie}
	pkt := &Packet{Header: Header{SourcePort: 5000, DestPort: 5000, VerificationTag: a.remoteVerificationTag}, Chunks: []Chunk{echo}}
	_ = a.send(pkt)
	_ = a.fsm.Event(context.Background(), "cookie_echoed")
	a.scheduleT1(func() { _ = a.send(pkt) })
}

func (a *Association) handleCookieAck(_ *CookieAckChunk) {
	if State(a.fsm.Current()) != StateCookieEchoed {
		return
	}
	a.timers.Stop(TimerT1)
	_ = a.fsm.Event(context.Background(), "established")
	if a.cfg.Metrics != nil {
		a.cfg.Metrics.SCTPAssociationOpened()
	}
}

func (a *Association) handleError(e *ErrorChunk) {
	if e.Cause == CauseStaleCookie {
		// no action: T1 keeps retransmitting the same COOKIE-ECHO and the
		// association closes once MaxInitRetrans is exceeded.
	}
}

func (a *Association) handleAbort() {
	a.timers.StopAll()
	_ = a.fsm.Event(context.Background(), "closed")
	if a.cfg.Metrics != nil {
		a.cfg.Metrics.SCTPAssociationClosed()
	}
}

// --- user data send path ---

// SendMessage fragments data into USERDATAMaxLength-byte DATA chunks and
// enqueues them for transmission ("Sending user data").
func (a *Association) SendMessage(streamID uint16, ppid uint32, data []byte, unordered bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var streamSeq uint16
	if !unordered {
		streamSeq = a.outboundStreamSeq[streamID]
		a.outboundStreamSeq[streamID] = streamSeq + 1
	}

	if len(data) == 0 {
		data = []byte{}
	}
	total := len(data)
	if total == 0 {
		total = 1 // still emit one empty fragment
	}
	for off := 0; off < total; off += USERDATAMaxLength {
		end := off + USERDATAMaxLength
		if end > len(data) {
			end = len(data)
		}
		chunk := &DataChunk{
			Unordered: unordered,
			Beginning: off == 0,
			Ending:    end == len(data),
			TSN:       a.nextTSN,
			StreamID:  streamID,
			StreamSeq: streamSeq,
			PPID:      ppid,
			UserData:  data[off:end],
		}
		a.nextTSN++
		a.outbound = append(a.outbound, &outboundChunk{chunk: chunk, bookSize: len(chunk.UserData)})
		if len(data) == 0 {
			break
		}
	}
	a.transmitLocked()
	return nil
}

func (a *Association) transmitLocked() {
	for _, oc := range a.outbound {
		if oc.sentCount > 0 && !oc.retransmit {
			continue
		}
		if oc.acked {
			continue
		}
		if !a.cong.canSend(oc.bookSize) {
			break
		}
		oc.sentCount++
		oc.sentTime = time.Now()
		oc.retransmit = false
		a.cong.flightSize += float64(oc.bookSize)
		pkt := &Packet{Header: Header{SourcePort: 5000, DestPort: 5000, VerificationTag: a.remoteVerificationTag}, Chunks: []Chunk{oc.chunk}}
		_ = a.send(pkt)
		if !a.timers.IsActive(TimerT3) {
			a.timers.Start(TimerT3, a.cong.rto, a.handleT3Expiry)
		}
	}
}

func (a *Association) handleT3Expiry() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cong.onT3Expiry()
	for _, oc := range a.outbound {
		if !oc.acked {
			oc.retransmit = true
		}
	}
	if a.cfg.Metrics != nil {
		a.cfg.Metrics.SCTPChunkRetransmitted()
	}
	a.transmitLocked()
}

// --- user data receive path ---

func (a *Association) handleData(d *DataChunk) {
	if !a.haveReceived {
		a.lastReceivedTSN = d.TSN - 1
		a.haveReceived = true
	}
	a.sackNeeded = true

	tsn := d.TSN
	if !tsnGT(tsn, a.lastReceivedTSN) {
		a.duplicates = append(a.duplicates, tsn)
		return
	}
	if tsn == a.lastReceivedTSN+1 {
		a.rwnd -= uint32(len(d.UserData))
		a.deliverDataChunk(d)
		a.lastReceivedTSN = tsn
		a.rwnd += uint32(len(d.UserData))
		for {
			next, ok := a.pendingByTSN[a.lastReceivedTSN+1]
			if !ok {
				break
			}
			delete(a.pendingByTSN, a.lastReceivedTSN+1)
			a.rwnd -= uint32(len(next.UserData))
			a.deliverDataChunk(next)
			a.lastReceivedTSN++
			a.rwnd += uint32(len(next.UserData))
		}
		return
	}
	if _, exists := a.pendingByTSN[tsn]; exists {
		a.duplicates = append(a.duplicates, tsn)
		return
	}
	a.pendingByTSN[tsn] = d
	a.rwnd -= uint32(len(d.UserData))
}

// tsnGT reports whether tsn is strictly after ref under the half-modulus
// rule ("TSN space").
func tsnGT(tsn, ref uint32) bool {
	if tsn == ref {
		return false
	}
	if tsn < ref {
		return ref-tsn > 1<<31
	}
	return tsn-ref < 1<<31
}

func (a *Association) deliverDataChunk(d *DataChunk) {
	rs, ok := a.reassembly[d.StreamID]
	if !ok {
		rs = &reassemblyState{}
		a.reassembly[d.StreamID] = rs
	}
	if d.Beginning {
		rs.buf = nil
		rs.streamSeq = d.StreamSeq
		rs.ppid = d.PPID
		rs.unordered = d.Unordered
		rs.started = true
	}
	if !rs.started {
		return
	}
	rs.buf = append(rs.buf, d.UserData...)
	if d.Ending {
		if a.cfg.OnMessage != nil {
			a.cfg.OnMessage(d.StreamID, rs.ppid, append([]byte(nil), rs.buf...), rs.unordered)
		}
		rs.started = false
		rs.buf = nil
	}
}

func (a *Association) sendSACKLocked() {
	sack := &SackChunk{
		CumulativeTSNAck: a.lastReceivedTSN,
		AdvertisedRwnd:   a.rwnd,
		GapAckBlocks:     a.buildGapAckBlocks(),
		DuplicateTSNs:    append([]uint32(nil), a.duplicates...),
	}
	pkt := &Packet{Header: Header{SourcePort: 5000, DestPort: 5000, VerificationTag: a.remoteVerificationTag}, Chunks: []Chunk{sack}}
	_ = a.send(pkt)
	a.duplicates = nil
	a.sackNeeded = false
}

// buildGapAckBlocks folds the out-of-order buffer into the minimal set of
// (start, end) relative-offset runs ("gap blocks (relative
// offsets of the out-of-order set)").
func (a *Association) buildGapAckBlocks() []GapAckBlock {
	if len(a.pendingByTSN) == 0 {
		return nil
	}
	tsns := make([]uint32, 0, len(a.pendingByTSN))
	for tsn := range a.pendingByTSN {
		tsns = append(tsns, tsn)
	}
	sort.Slice(tsns, func(i, j int) bool { return tsns[i] < tsns[j] })

	var blocks []GapAckBlock
	start := tsns[0]
	prev := tsns[0]
	for _, tsn := range tsns[1:] {
		if tsn == prev+1 {
			prev = tsn
			continue
		}
		blocks = append(blocks, GapAckBlock{Start: uint16(start - a.lastReceivedTSN), End: uint16(prev - a.lastReceivedTSN)})
		start = tsn
		prev = tsn
	}
	blocks = append(blocks, GapAckBlock{Start: uint16(start - a.lastReceivedTSN), End: uint16(prev - a.lastReceivedTSN)})
	return blocks
}

// --- SACK handling (congestion control) ---

func (a *Association) handleSack(s *SackChunk) {
	var bytesAcked float64
	for _, oc := range a.outbound {
		if oc.acked {
			continue
		}
		if !tsnGT(oc.chunk.TSN, s.CumulativeTSNAck) {
			oc.acked = true
			bytesAcked += float64(oc.bookSize)
			a.cong.flightSize -= float64(oc.bookSize)
			if oc.sentCount == 1 {
				a.cong.updateRTO(time.Since(oc.sentTime))
			}
		}
	}
	a.lastSackedTSN = s.CumulativeTSNAck

	highestGap := uint32(0)
	for _, g := range s.GapAckBlocks {
		lo := s.CumulativeTSNAck + uint32(g.Start)
		hi := s.CumulativeTSNAck + uint32(g.End)
		if hi > highestGap {
			highestGap = hi
		}
		for _, oc := range a.outbound {
			if oc.acked {
				continue
			}
			rel := oc.chunk.TSN - s.CumulativeTSNAck
			if rel >= uint32(g.Start) && rel <= uint32(g.End) {
				oc.acked = true
				bytesAcked += float64(oc.bookSize)
				a.cong.flightSize -= float64(oc.bookSize)
			}
		}
	}

	lost := false
	for _, oc := range a.outbound {
		if oc.acked {
			continue
		}
		rel := oc.chunk.TSN - s.CumulativeTSNAck
		if rel < highestGap {
			oc.misses++
			if oc.misses >= 3 {
				oc.retransmit = true
				lost = true
			}
		}
	}

	if lost {
		a.cong.onLoss()
	} else if bytesAcked > 0 {
		a.cong.onBytesAcked(bytesAcked)
	}

	a.outbound = compactAcked(a.outbound)
	if len(a.outbound) == 0 || allClean(a.outbound) {
		a.timers.Stop(TimerT3)
	}
	a.transmitLocked()
}

func compactAcked(chunks []*outboundChunk) []*outboundChunk {
	out := chunks[:0]
	for _, oc := range chunks {
		if !oc.acked {
			out = append(out, oc)
		}
	}
	return out
}

func allClean(chunks []*outboundChunk) bool {
	for _, oc := range chunks {
		if oc.sentCount > 0 && !oc.acked {
			return false
		}
	}
	return true
}

// --- heartbeat ---

func (a *Association) handleHeartbeat(h *HeartbeatChunk) {
	ack := &HeartbeatAckChunk{Info: h.Info}
	pkt := &Packet{Header: Header{SourcePort: 5000, DestPort: 5000, VerificationTag: a.remoteVerificationTag}, Chunks: []Chunk{ack}}
	_ = a.send(pkt)
}

// --- shutdown ---

// Close initiates the graceful shutdown sequence.
func (a *Association) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if State(a.fsm.Current()) != StateEstablished {
		return nil
	}
	shutdown := &ShutdownChunk{CumulativeTSNAck: a.lastReceivedTSN}
	pkt := &Packet{Header: Header{SourcePort: 5000, DestPort: 5000, VerificationTag: a.remoteVerificationTag}, Chunks: []Chunk{shutdown}}
	if err := a.send(pkt); err != nil {
		return err
	}
	_ = a.fsm.Event(context.Background(), "shutdown_sent")
	a.timers.Start(TimerT2, a.cong.rto, func() { a.t2Expired(shutdown) })
	return nil
}

func (a *Association) t2Expired(shutdown *ShutdownChunk) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.assocRetries++
	if a.assocRetries > MaxAssocRetrans {
		a.timers.Stop(TimerT2)
		_ = a.fsm.Event(context.Background(), "closed")
		return
	}
	pkt := &Packet{Header: Header{SourcePort: 5000, DestPort: 5000, VerificationTag: a.remoteVerificationTag}, Chunks: []Chunk{shutdown}}
	_ = a.send(pkt)
	a.timers.Start(TimerT2, a.cong.rto, func() { a.t2Expired(shutdown) })
}

func (a *Association) handleShutdown(s *ShutdownChunk) {
	if State(a.fsm.Current()) != StateEstablished {
		return
	}
	_ = a.fsm.Event(context.Background(), "shutdown_received")
	ack := &ShutdownAckChunk{}
	pkt := &Packet{Header: Header{SourcePort: 5000, DestPort: 5000, VerificationTag: a.remoteVerificationTag}, Chunks: []Chunk{ack}}
	_ = a.send(pkt)
	_ = a.fsm.Event(context.Background(), "shutdown_ack_sent")
	a.timers.Start(TimerT2, a.cong.rto, func() {})
}

func (a *Association) handleShutdownAck() {
	a.timers.Stop(TimerT2)
	complete := &ShutdownCompleteChunk{}
	pkt := &Packet{Header: Header{SourcePort: 5000, DestPort: 5000, VerificationTag: a.remoteVerificationTag}, Chunks: []Chunk{complete}}
	_ = a.send(pkt)
	_ = a.fsm.Event(context.Background(), "closed")
	if a.cfg.Metrics != nil {
		a.cfg.Metrics.SCTPAssociationClosed()
	}
}

func (a *Association) handleShutdownComplete() {
	a.timers.Stop(TimerT2)
	_ = a.fsm.Event(context.Background(), "closed")
	if a.cfg.Metrics != nil {
		a.cfg.Metrics.SCTPAssociationClosed()
	}
}

// --- RFC 6525 stream reconfiguration ---

// CloseStream requests closing one outgoing stream ("Stream
// reconfiguration"). At most ReconfigMaxStreams ids may be batched by
// calling this repeatedly before the response arrives is the caller's
// responsibility; this implementation sends one request per call.
func (a *Association) CloseStream(streamID uint16) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	reqSeq := a.reconfigRequestSeq
	a.reconfigRequestSeq++
	req := &OutgoingResetRequest{
		RequestSeq:      reqSeq,
		ResponseSeq:     0,
		LastAssignedTSN: a.nextTSN - 1,
		StreamIDs:       []uint16{streamID},
	}
	a.pendingReconfig[reqSeq] = []uint16{streamID}
	chunk := &ReconfigChunk{OutgoingReset: req}
	pkt := &Packet{Header: Header{SourcePort: 5000, DestPort: 5000, VerificationTag: a.remoteVerificationTag}, Chunks: []Chunk{chunk}}
	return a.send(pkt)
}

func (a *Association) handleReconfig(rc *ReconfigChunk) {
	if rc.OutgoingReset != nil {
		for _, sid := range rc.OutgoingReset.StreamIDs {
			delete(a.reassembly, sid)
			if a.cfg.OnStreamClosed != nil {
				a.cfg.OnStreamClosed(sid)
			}
		}
		resp := &ReconfigResponse{RequestSeq: rc.OutgoingReset.RequestSeq, Result: ReconfigResultSuccess}
		chunk := &ReconfigChunk{Response: resp}
		pkt := &Packet{Header: Header{SourcePort: 5000, DestPort: 5000, VerificationTag: a.remoteVerificationTag}, Chunks: []Chunk{chunk}}
		_ = a.send(pkt)
	}
	if rc.Response != nil {
		if streams, ok := a.pendingReconfig[rc.Response.RequestSeq]; ok {
			delete(a.pendingReconfig, rc.Response.RequestSeq)
			for _, sid := range streams {
				if a.cfg.OnStreamClosed != nil {
					a.cfg.OnStreamClosed(sid)
				}
			}
		}
	}
}
