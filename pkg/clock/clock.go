// Package clock provides the millisecond and NTP time helpers the
// core consumes from the host: RTCP sender-report timestamps and the
// bandwidth estimator's arrival-time model both need a consistent,
// injectable notion of "now".
package clock

import "time"

// ntpEpochOffset is the number of seconds between the NTP epoch
// (1 Jan 1900 UTC) and the Unix epoch (1 Jan 1970 UTC).
const ntpEpochOffset = 2208988800

// Source supplies the current time; production code uses SystemSource,
// tests inject a fixed or stepped fake.
type Source interface {
	Now() time.Time
}

// SystemSource reads the real wall clock.
type SystemSource struct{}

func (SystemSource) Now() time.Time { return time.Now() }

// NowMillis returns s.Now() as Unix milliseconds. It follows whatever clock
// s reads; with SystemSource that is the wall clock, so the value is not
// monotonic across wall-clock adjustments.
func NowMillis(s Source) int64 {
	return s.Now().UnixMilli()
}

// ToNTP converts a time.Time to the 64-bit NTP timestamp format: the upper
// 32 bits are seconds since the NTP epoch, the lower 32 bits are a binary
// fraction of a second (frac = microseconds * 2^32 / 1e6).
func ToNTP(t time.Time) uint64 {
	secs := uint64(t.Unix() + ntpEpochOffset)
	frac := uint64(t.Nanosecond()) * (1 << 32) / 1e9
	return (secs << 32) | (frac & 0xFFFFFFFF)
}

// NTPMiddle32 returns the middle 32 bits of a 64-bit NTP timestamp, as used
// in RTCP SR "LSR" fields and echoed back via DLSR.
func NTPMiddle32(ntp uint64) uint32 {
	return uint32(ntp >> 16)
}

// FromNTP converts a 64-bit NTP timestamp back to a time.Time.
func FromNTP(ntp uint64) time.Time {
	secs := int64(ntp>>32) - ntpEpochOffset
	frac := ntp & 0xFFFFFFFF
	nanos := int64(frac * 1e9 / (1 << 32))
	return time.Unix(secs, nanos).UTC()
}

// Clock rates in Hz for RTP timestamp advance, per codec.
const (
	RateG711    = 8000
	RateG722    = 8000
	RateOpus    = 48000
	RateVideo   = 90000
	DefaultFPS  = 30
	VideoPerFrm = RateVideo / DefaultFPS
)
