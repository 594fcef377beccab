// Package bwe implements the arrival-time bandwidth estimator: an
// inter-arrival grouping filter, a two-state Kalman overuse estimator, an
// adaptive-threshold overuse detector, and an AIMD rate controller,
// following the GCC congestion-control family's structure. Constants are
// parametrized rather than hard-coded so callers can override the
// 30fps/1200-byte assumption.
package bwe

const (
	timestampGroupLengthMs = 5
	burstDeltaThresholdMs  = 5
	// absSendTimeWrapMs is the period of the 24-bit 6.18 fixed-point
	// abs-send-time (64 s), in milliseconds.
	absSendTimeWrapMs = 64000
)

// ArrivalSample is one inbound RTP packet's abs-send-time-derived sample.
type ArrivalSample struct {
	SendTimeMs24 uint32 // send time in ms decoded from the 24-bit abs-send-time, in [0, absSendTimeWrapMs)
	ArrivalTimeMs int64
	Size          int
	SSRC          uint32
}

// InterArrivalDelta is the relative delta between two timestamp groups.
type InterArrivalDelta struct {
	TimestampDeltaMs int64
	ArrivalDeltaMs   int64
	SizeDelta        int
}

type group struct {
	firstTimestampMs int64
	timestampMs      int64
	arrivalMs        int64
	size             int
	complete         bool
}

// InterArrivalFilter groups packets into TIMESTAMP_GROUP_LENGTH_MS windows
// and emits a delta each time a new group opens.
type InterArrivalFilter struct {
	current    group
	prevGroup  group
	haveGroup  bool
	haveTS     bool
	lastTSMs   int64
}

// NewInterArrivalFilter creates an empty filter.
func NewInterArrivalFilter() *InterArrivalFilter {
	return &InterArrivalFilter{}
}

// Add feeds one sample; returns a delta and true when a new group boundary
// closes the previous one. The send time wraps every 64 s
// (absSendTimeWrapMs): a backward step of more than half that period is a
// wrap and restarts grouping from this packet; a smaller backward step is an
// out-of-order packet and is ignored.
func (f *InterArrivalFilter) Add(s ArrivalSample) (InterArrivalDelta, bool) {
	tsMs := int64(s.SendTimeMs24) // already in ms: the caller decodes abs-send-time

	if f.haveTS && tsMs < f.lastTSMs-absSendTimeWrapMs/2 {
		*f = InterArrivalFilter{} // treat large backward jump as wrap, not reorder: start over
	}
	if f.haveTS && tsMs < f.lastTSMs {
		return InterArrivalDelta{}, false // out-of-order: ignore
	}
	f.lastTSMs = tsMs
	f.haveTS = true

	if !f.haveGroup {
		f.current = group{firstTimestampMs: tsMs, timestampMs: tsMs, arrivalMs: s.ArrivalTimeMs, size: s.Size}
		f.haveGroup = true
		return InterArrivalDelta{}, false
	}

	belongsToBurst := false
	arrivalDelta := s.ArrivalTimeMs - f.current.arrivalMs
	timestampDelta := tsMs - f.current.timestampMs
	if timestampDelta == 0 {
		belongsToBurst = true
	} else {
		propagationDelta := arrivalDelta - timestampDelta
		if propagationDelta < 0 && arrivalDelta <= burstDeltaThresholdMs {
			belongsToBurst = true
		}
	}

	newGroup := tsMs-f.current.firstTimestampMs > timestampGroupLengthMs && !belongsToBurst
	if !newGroup {
		f.current.timestampMs = tsMs
		f.current.arrivalMs = s.ArrivalTimeMs
		f.current.size += s.Size
		return InterArrivalDelta{}, false
	}

	delta := InterArrivalDelta{
		TimestampDeltaMs: f.current.timestampMs - f.prevGroup.timestampMs,
		ArrivalDeltaMs:   f.current.arrivalMs - f.prevGroup.arrivalMs,
		SizeDelta:        f.current.size - f.prevGroup.size,
	}
	hadPrev := f.prevGroup.complete
	f.prevGroup = f.current
	f.prevGroup.complete = true
	f.current = group{firstTimestampMs: tsMs, timestampMs: tsMs, arrivalMs: s.ArrivalTimeMs, size: s.Size}
	return delta, hadPrev
}
