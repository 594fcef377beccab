// Package router implements the RTP/RTCP dispatch table: a mutex-protected
// SSRC-keyed binding table routing inbound packets to the receiver or
// sender that owns them.
package router

import (
	"sync"

	"github.com/arzzra/rtcstack/pkg/rtcp"
	"github.com/arzzra/rtcstack/pkg/rtp"
)

// Receiver is the narrow interface the router needs from an RTP receiver to
// deliver packets and RTCP it produced or is targeted by.
type Receiver interface {
	HandleRTP(*rtp.Packet)
	HandleRTCP(rtcp.Packet)
	SSRCs() []uint32
	PayloadTypes() []uint8
}

// Sender is the narrow interface the router needs from an RTP sender to
// deliver RTCP feedback addressed to it.
type Sender interface {
	HandleRTCP(rtcp.Packet)
	SSRC() uint32
}

type receiverBinding struct {
	recv         Receiver
	payloadTypes map[uint8]bool
	mid          string
}

// Router dispatches parsed packets to registered receivers/senders by
// SSRC/payload-type/mid (RTP) or by purpose (RTCP).
type Router struct {
	mu          sync.Mutex
	bySSRC      map[uint32]*receiverBinding
	byPT        map[uint8][]*receiverBinding // all bindings declaring this PT
	senders     map[uint32]Sender
}

// New creates an empty router.
func New() *Router {
	return &Router{
		bySSRC: make(map[uint32]*receiverBinding),
		byPT:   make(map[uint8][]*receiverBinding),
		senders: make(map[uint32]Sender),
	}
}

// RegisterReceiver registers recv for the given ssrcs and payload types.
func (r *Router) RegisterReceiver(recv Receiver, ssrcs []uint32, payloadTypes []uint8, mid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ptSet := make(map[uint8]bool, len(payloadTypes))
	for _, pt := range payloadTypes {
		ptSet[pt] = true
	}
	b := &receiverBinding{recv: recv, payloadTypes: ptSet, mid: mid}
	for _, s := range ssrcs {
		r.bySSRC[s] = b
	}
	for pt := range ptSet {
		r.byPT[pt] = append(r.byPT[pt], b)
	}
}

// RegisterSender registers a sender under its ssrc for RTCP feedback delivery.
func (r *Router) RegisterSender(s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[s.SSRC()] = s
}

// Unregister removes every ssrc and payload-type binding referencing recv;
// senders are removed with UnregisterSender.
func (r *Router) Unregister(recv Receiver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ssrc, b := range r.bySSRC {
		if b.recv == recv {
			delete(r.bySSRC, ssrc)
		}
	}
	for pt, bindings := range r.byPT {
		filtered := bindings[:0]
		for _, b := range bindings {
			if b.recv != recv {
				filtered = append(filtered, b)
			}
		}
		r.byPT[pt] = filtered
	}
}

// UnregisterSender removes a sender binding by ssrc.
func (r *Router) UnregisterSender(ssrc uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.senders, ssrc)
}

// DispatchRTP routes one parsed RTP packet: lookup by ssrc and
// by payload type; if both agree, deliver; if ssrc unknown but pt is
// unambiguous, bind the ssrc and deliver; if pt maps to >1 receiver, drop;
// otherwise drop.
func (r *Router) DispatchRTP(p *rtp.Packet) {
	r.mu.Lock()
	b, ssrcKnown := r.bySSRC[p.Header.SSRC]
	if ssrcKnown && !b.payloadTypes[p.Header.PayloadType] {
		r.mu.Unlock()
		return // ssrc and pt disagree: drop
	}
	if !ssrcKnown {
		candidates := r.byPT[p.Header.PayloadType]
		if len(candidates) == 1 {
			b = candidates[0]
			r.bySSRC[p.Header.SSRC] = b
		} else {
			r.mu.Unlock()
			return // unknown or ambiguous: drop
		}
	}
	r.mu.Unlock()
	if b != nil {
		b.recv.HandleRTP(p)
	}
}

// DispatchRTCP routes one parsed RTCP packet to every interested receiver
// or sender using the packet type's own purpose-based rules. A single
// datagram may yield multiple deliveries, so callers should pass each
// constituent packet of a parsed compound individually.
func (r *Router) DispatchRTCP(pkt rtcp.Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch v := pkt.(type) {
	case *rtcp.SenderReport:
		if b, ok := r.bySSRC[v.SSRC]; ok {
			b.recv.HandleRTCP(pkt)
		}
		for _, rr := range v.Reports {
			if s, ok := r.senders[rr.SSRC]; ok {
				s.HandleRTCP(pkt)
			}
		}
	case *rtcp.ReceiverReport:
		for _, rr := range v.Reports {
			if s, ok := r.senders[rr.SSRC]; ok {
				s.HandleRTCP(pkt)
			}
		}
	case *rtcp.Bye:
		seen := map[Receiver]bool{}
		for _, ssrc := range v.Sources {
			if b, ok := r.bySSRC[ssrc]; ok && !seen[b.recv] {
				b.recv.HandleRTCP(pkt)
				seen[b.recv] = true
			}
		}
	case *rtcp.NACK:
		if s, ok := r.senders[v.MediaSSRC]; ok {
			s.HandleRTCP(pkt)
		}
	case *rtcp.PLI:
		if s, ok := r.senders[v.MediaSSRC]; ok {
			s.HandleRTCP(pkt)
		}
	case *rtcp.REMB:
		// REMB's media ssrc field is unused (0); deliver to every sender
		// named in its ssrc list.
		for _, ssrc := range v.SSRCs {
			if s, ok := r.senders[ssrc]; ok {
				s.HandleRTCP(pkt)
			}
		}
	}
}
