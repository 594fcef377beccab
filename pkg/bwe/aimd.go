package bwe

import "math"

// RateControlState is the AIMD controller's state machine.
type RateControlState int

const (
	Hold RateControlState = iota
	Increase
	Decrease
)

// Config parametrizes the estimator instead of hard-coding a fixed
// frame-rate/packet-size assumption.
type Config struct {
	FrameRate        float64 // frames per second, default 30
	PacketSize       float64 // bytes per packet, default 1200
	FeedbackInterval int64   // ms, default 500
	MinBitrateBps    float64
}

// DefaultConfig returns the standard 30fps/1200-byte/500ms assumptions.
func DefaultConfig() Config {
	return Config{FrameRate: 30, PacketSize: 1200, FeedbackInterval: 500, MinBitrateBps: 4000}
}

// Estimate is the bandwidth estimator's externally visible output.
type Estimate struct {
	CurrentBitrateBps float64
	State             RateControlState
	LatestThroughput  float64
	RTTEstimateMs     float64
}

// Controller combines the inter-arrival filter, overuse detector, and AIMD
// rate control into one end-to-end bandwidth estimator.
type Controller struct {
	cfg      Config
	interArr *InterArrivalFilter
	detector *OveruseDetector

	state         RateControlState
	currentBitrate float64
	avgMaxBitrate  float64
	varMaxBitrate  float64
	haveAvgMax     bool
	nearMax        bool

	lastUpdateMs   int64
	haveLastUpdate bool
	lastEmitMs     int64

	rttMs float64
}

// NewController creates a controller starting in HOLD with an initial
// bitrate estimate.
func NewController(cfg Config, initialBitrateBps float64) *Controller {
	return &Controller{
		cfg:            cfg,
		interArr:       NewInterArrivalFilter(),
		detector:       NewOveruseDetector(),
		state:          Hold,
		currentBitrate: initialBitrateBps,
		rttMs:          100,
	}
}

// SetRTT updates the controller's RTT estimate (fed from the sender's RTCP
// round-trip computation).
func (c *Controller) SetRTT(rttMs float64) { c.rttMs = rttMs }

// OnPacket feeds one inbound RTP arrival sample. It returns an Estimate and
// true whenever the controller emits a new target — at most once per
// feedback_interval, or immediately when OVERUSING is observed.
func (c *Controller) OnPacket(s ArrivalSample) (Estimate, bool) {
	delta, ok := c.interArr.Add(s)
	incomingBitrate := 0.0
	if ok && delta.TimestampDeltaMs > 0 {
		incomingBitrate = float64(delta.SizeDelta*8*1000) / float64(delta.TimestampDeltaMs)
	}
	if !ok {
		return c.snapshot(), false
	}

	state := c.detector.Update(delta, s.ArrivalTimeMs)
	c.transition(state)

	emit := state == Overusing
	if !c.haveLastUpdate || s.ArrivalTimeMs-c.lastEmitMs >= c.cfg.FeedbackInterval {
		emit = true
	}

	if incomingBitrate > 0 {
		c.applyRateControl(incomingBitrate, s.ArrivalTimeMs)
	}

	c.haveLastUpdate = true
	if emit {
		c.lastEmitMs = s.ArrivalTimeMs
		est := c.snapshot()
		est.LatestThroughput = incomingBitrate
		return est, true
	}
	return c.snapshot(), false
}

func (c *Controller) transition(d DetectorState) {
	switch c.state {
	case Hold:
		if d == Normal {
			c.state = Increase
		} else if d == Overusing {
			c.state = Decrease
		}
	case Increase:
		if d == Overusing {
			c.state = Decrease
		} else if d == Underusing {
			c.state = Hold
		}
	case Decrease:
		if d == Underusing {
			c.state = Hold
		} else if d == Normal {
			c.state = Increase
		}
	}
}

func (c *Controller) applyRateControl(incomingBitrate float64, nowMs int64) {
	elapsedMs := int64(0)
	if c.haveLastUpdate {
		elapsedMs = nowMs - c.lastUpdateMs
	}
	if elapsedMs < 0 {
		elapsedMs = 0
	}
	c.lastUpdateMs = nowMs

	switch c.state {
	case Increase:
		var deltaBits float64
		if c.nearMax {
			deltaBits = float64(elapsedMs) * c.nearMaxRateIncreaseBps() / 1000.0
			c.currentBitrate += deltaBits
		} else {
			elapsedS := float64(elapsedMs) / 1000.0
			c.currentBitrate *= math.Pow(1.08, elapsedS)
		}
	case Decrease:
		newTarget := 0.85 * incomingBitrate
		c.updateMaxBitrateStats(c.currentBitrate)
		c.currentBitrate = newTarget
		c.nearMax = true
	case Hold:
		// no change
	}

	upperBound := math.Max(1.5*incomingBitrate+10000, c.currentBitrate)
	if c.currentBitrate > upperBound {
		c.currentBitrate = upperBound
	}
	if c.currentBitrate < c.cfg.MinBitrateBps {
		c.currentBitrate = c.cfg.MinBitrateBps
	}
}

// nearMaxRateIncreaseBps assumes a FrameRate fps, PacketSize-byte-per-packet
// model and a response time of rtt+100ms, floored at 4000bps.
func (c *Controller) nearMaxRateIncreaseBps() float64 {
	responseTimeMs := c.rttMs + 100
	packetsPerFrame := math.Ceil(c.currentBitrate / (c.cfg.FrameRate * c.cfg.PacketSize * 8))
	expectedPacketSizeBits := c.cfg.PacketSize * 8
	if responseTimeMs <= 0 {
		responseTimeMs = 100
	}
	rate := 1000.0 * packetsPerFrame * expectedPacketSizeBits * c.cfg.FrameRate / responseTimeMs
	if rate < 4000 {
		rate = 4000
	}
	return rate
}

func (c *Controller) updateMaxBitrateStats(bitrate float64) {
	const alpha = 0.05
	if !c.haveAvgMax {
		c.avgMaxBitrate = bitrate
		c.haveAvgMax = true
		return
	}
	diff := bitrate - c.avgMaxBitrate
	c.avgMaxBitrate += alpha * diff
	c.varMaxBitrate = (1-alpha)*c.varMaxBitrate + alpha*diff*diff
}

func (c *Controller) snapshot() Estimate {
	return Estimate{CurrentBitrateBps: c.currentBitrate, State: c.state, RTTEstimateMs: c.rttMs}
}
