// Package jitter implements a fixed-capacity ring jitter buffer: a ring of
// C=128 slots indexed by (head+Δseq) mod C, reassembling packets into
// contiguous, order-correct coded frames bounded by RTP marker bits.
package jitter

import "github.com/arzzra/rtcstack/pkg/rtp"

const (
	// Capacity is the default ring size ("RTP jitter-buffer capacity").
	Capacity     = 128
	MaxMisorder  = 100
	MaxDropout   = 3000
)

type slot struct {
	occupied bool
	seq      rtp.SeqNo
	ts       uint32
	marker   bool
	firstInFrame bool
	payload  []byte
}

// Frame is one reassembled coded frame.
type Frame struct {
	Payload           []byte
	FirstSeq          rtp.SeqNo
	RTPTimestamp      uint32
}

// Buffer is the fixed-capacity ring described above.
type Buffer struct {
	capacity int
	slots    []slot
	origin   rtp.SeqNo
	hasOrigin bool
	head     int // index of origin within slots
}

// New creates a ring buffer with the given capacity (0 means Capacity).
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = Capacity
	}
	return &Buffer{capacity: capacity, slots: make([]slot, capacity)}
}

func (b *Buffer) reset(origin rtp.SeqNo) {
	b.slots = make([]slot, b.capacity)
	b.origin = origin
	b.hasOrigin = true
	b.head = 0
}

// Add positions an incoming packet relative to the buffer's origin,
// returning true if it was accepted into a slot.
func (b *Buffer) Add(seq rtp.SeqNo, ts uint32, marker, firstInFrame bool, payload []byte) bool {
	if !b.hasOrigin {
		b.reset(seq)
	}
	delta := int32(seq.Diff(b.origin))
	switch {
	case delta < 0 && -delta > MaxMisorder:
		// too far behind: resync on the new packet
		b.reset(seq)
		delta = 0
	case delta >= int32(b.capacity):
		if delta <= MaxDropout {
			return false // within tolerance but no room: drop
		}
		b.reset(seq)
		delta = 0
	case delta < 0:
		// within MAX_MISORDER tolerance but before origin: no slot for it
		// without shifting head; treat as a late, accepted insert only if
		// still within the ring when viewed from head.
		idx := (b.head + int(delta) + b.capacity) % b.capacity
		if b.slots[idx].occupied {
			return false
		}
		b.slots[idx] = slot{occupied: true, seq: seq, ts: ts, marker: marker, firstInFrame: firstInFrame, payload: payload}
		return true
	}
	idx := (b.head + int(delta)) % b.capacity
	b.slots[idx] = slot{occupied: true, seq: seq, ts: ts, marker: marker, firstInFrame: firstInFrame, payload: payload}
	return true
}

// Pop attempts to emit the next complete frame starting at head: a
// contiguous run from a first-in-frame packet through a marker packet.
func (b *Buffer) Pop() (Frame, bool) {
	if !b.hasOrigin {
		return Frame{}, false
	}
	// find first occupied slot from head that is first-in-frame
	start := -1
	for i := 0; i < b.capacity; i++ {
		s := b.slots[b.head]
		if !s.occupied {
			return Frame{}, false // gap before any frame start: nothing ready
		}
		if s.firstInFrame {
			start = 0
			break
		}
		// packet without firstInFrame before we've found a start: skip
		// (discard orphaned tail fragments by advancing head past them)
		b.slots[b.head] = slot{}
		b.head = (b.head + 1) % b.capacity
		b.origin = b.origin.Add(1)
	}
	if start == -1 {
		return Frame{}, false
	}
	// collect contiguous run from start to a marker
	var payload []byte
	var firstSeq rtp.SeqNo
	var ts uint32
	found := false
	runLen := 0
	for i := start; i < b.capacity; i++ {
		idx := (b.head + i) % b.capacity
		s := b.slots[idx]
		if !s.occupied {
			return Frame{}, false // incomplete: wait for more packets
		}
		if i == start {
			firstSeq = s.seq
			ts = s.ts
		}
		payload = append(payload, s.payload...)
		runLen = i + 1
		if s.marker {
			found = true
			break
		}
	}
	if !found {
		return Frame{}, false
	}
	// clear emitted slots and advance head past them
	for i := 0; i < runLen; i++ {
		idx := (b.head + i) % b.capacity
		b.slots[idx] = slot{}
	}
	b.head = (b.head + runLen) % b.capacity
	b.origin = b.origin.Add(uint16(runLen))
	return Frame{Payload: payload, FirstSeq: firstSeq, RTPTimestamp: ts}, true
}
