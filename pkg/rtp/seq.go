package rtp

// SeqNo is a 16-bit RTP sequence number with wrap-aware comparisons,
// exposed as add/gt/gte/plus_one/minus_one methods so callers never inline
// the modulus arithmetic themselves.
type SeqNo uint16

// Add returns s+delta modulo 2^16.
func (s SeqNo) Add(delta uint16) SeqNo { return SeqNo(uint16(s) + delta) }

// PlusOne returns s+1 modulo 2^16.
func (s SeqNo) PlusOne() SeqNo { return s.Add(1) }

// MinusOne returns s-1 modulo 2^16.
func (s SeqNo) MinusOne() SeqNo { return SeqNo(uint16(s) - 1) }

// GT reports whether s is "greater than" other in the wrap-aware sense: the
// sign of the 16-bit two's-complement difference.
func (s SeqNo) GT(other SeqNo) bool {
	return int16(other-s) < 0
}

// GTE reports s >= other in the wrap-aware sense.
func (s SeqNo) GTE(other SeqNo) bool {
	return s == other || s.GT(other)
}

// Diff returns the signed wrap-aware distance s-other, in [-32768, 32767].
func (s SeqNo) Diff(other SeqNo) int32 {
	return int32(int16(s - other))
}

// TSN is a 32-bit SCTP transmission sequence number, or equivalently an RTP
// timestamp, with half-modulus wrap-aware comparison.
type TSN uint32

// GT reports whether t is "greater than" other using SCTP's half-modulus
// rule: a>b iff (a<b and b-a>2^31) or (a>b and a-b<2^31).
func (t TSN) GT(other TSN) bool {
	if t == other {
		return false
	}
	if t < other {
		return other-t > (1 << 31)
	}
	return t-other < (1 << 31)
}

func (t TSN) GTE(other TSN) bool { return t == other || t.GT(other) }

func (t TSN) Add(delta uint32) TSN { return TSN(uint32(t) + delta) }

func (t TSN) MinusOne() TSN { return TSN(uint32(t) - 1) }
