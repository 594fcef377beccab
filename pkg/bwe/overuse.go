package bwe

import "math"

// DetectorState is the overuse detector's output state.
type DetectorState int

const (
	Normal DetectorState = iota
	Overusing
	Underusing
)

// kalmanFilter tracks slope and offset of the propagation-time residual via
// a 2-state Kalman filter.
type kalmanFilter struct {
	slope  float64
	offset float64
	e      [2][2]float64 // state covariance
	processNoise [2]float64
	varNoise float64
}

func newKalmanFilter() *kalmanFilter {
	k := &kalmanFilter{slope: 1.0 / 512.0, processNoise: [2]float64{1e-13, 1e-3}, varNoise: 50}
	k.e[0][0] = 100
	k.e[1][1] = 1e-1
	return k
}

// update runs one Kalman step given tDelta (the t_ts_delta residual
// sample) and tsDelta (the timestamp delta of the group, ms). The current
// detector state boosts process noise on the second state when the
// detector is oscillating.
func (k *kalmanFilter) update(tDelta, tsDelta float64, state DetectorState) {
	minFramePeriod := 1.0
	if tsDelta > 0 && tsDelta < minFramePeriod {
		tsDelta = minFramePeriod
	}
	procNoise := k.processNoise
	if state != Normal {
		procNoise[1] *= 10
	}
	// predict: e = e + T*procNoise (T approximated as tsDelta/1000 seconds)
	T := tsDelta / 1000.0
	k.e[0][0] += T * procNoise[0]
	k.e[1][1] += T * procNoise[1]

	h0, h1 := tsDelta, 1.0
	// Kalman gain
	ih0 := k.e[0][0]*h0 + k.e[0][1]*h1
	ih1 := k.e[1][0]*h0 + k.e[1][1]*h1
	denom := k.varNoise + h0*ih0 + h1*ih1
	if denom <= 0 {
		denom = 1e-9
	}
	k0 := ih0 / denom
	k1 := ih1 / denom

	residual := tDelta - (h0*k.slope + h1*k.offset)

	// adapt observation noise from residuals within +-3 sigma when NORMAL
	if state == Normal {
		maxResidual := 3 * math.Sqrt(k.varNoise)
		r := residual
		if r > maxResidual {
			r = maxResidual
		}
		if r < -maxResidual {
			r = -maxResidual
		}
		k.varNoise += (r*r - k.varNoise) * 0.01
		if k.varNoise < 1 {
			k.varNoise = 1
		}
	}

	k.slope += k0 * residual
	k.offset += k1 * residual

	e00 := k.e[0][0]
	e01 := k.e[0][1]
	e10 := k.e[1][0]
	e11 := k.e[1][1]
	k.e[0][0] = e00 - k0*(h0*e00+h1*e01)
	k.e[0][1] = e01 - k0*(h0*e01+h1*e11)
	k.e[1][0] = e10 - k1*(h0*e00+h1*e01)
	k.e[1][1] = e11 - k1*(h0*e01+h1*e11)
}

// OveruseDetector implements the Kalman-filter-backed adaptive-threshold
// detector
type OveruseDetector struct {
	kf                *kalmanFilter
	gamma             float64 // adaptive threshold, init 12.5
	numDeltas         int
	overuseTimeMs     float64
	overuseCounter    int
	prevOffset        float64
	lastUpdateMs      int64
	haveLast          bool

	KDown              float64
	KUp                float64
	MaxAdaptOffsetMs   float64
	OveruseTimeThresholdMs float64
}

// NewOveruseDetector creates a detector with the standard GCC constants.
func NewOveruseDetector() *OveruseDetector {
	return &OveruseDetector{
		kf:                     newKalmanFilter(),
		gamma:                  12.5,
		KDown:                  0.039,
		KUp:                    0.0087,
		MaxAdaptOffsetMs:       15,
		OveruseTimeThresholdMs: 10,
	}
}

// Update feeds one InterArrivalDelta and returns the current detector state.
func (d *OveruseDetector) Update(delta InterArrivalDelta, nowMs int64) DetectorState {
	tDelta := float64(delta.ArrivalDeltaMs - delta.TimestampDeltaMs)
	state := d.currentRawState()
	d.kf.update(tDelta, float64(delta.TimestampDeltaMs), state)
	d.numDeltas++

	offset := d.kf.offset
	k := d.KDown
	if math.Abs(offset) >= d.gamma {
		k = d.KUp
	}
	d.gamma += (float64(timeSinceLast(d, nowMs)) / 1000.0) * k * (math.Abs(offset) - d.gamma)
	if d.gamma < 6 {
		d.gamma = 6
	}
	if d.gamma > 600 {
		d.gamma = 600
	}
	_ = d.MaxAdaptOffsetMs

	n := d.numDeltas
	if n > 60 {
		n = 60
	}
	T := float64(n) * offset

	var result DetectorState
	if T > d.gamma {
		if !d.haveLast {
			d.overuseTimeMs = 0
		} else {
			d.overuseTimeMs += float64(nowMs - d.lastUpdateMs)
		}
		if offset >= d.prevOffset {
			d.overuseCounter++
		} else {
			d.overuseCounter = 0
		}
		if d.overuseTimeMs > d.OveruseTimeThresholdMs && d.overuseCounter > 1 {
			result = Overusing
		} else {
			result = Normal
		}
	} else if T < -d.gamma {
		result = Underusing
		d.overuseTimeMs = 0
		d.overuseCounter = 0
	} else {
		result = Normal
		d.overuseTimeMs = 0
		d.overuseCounter = 0
	}
	d.prevOffset = offset
	d.lastUpdateMs = nowMs
	d.haveLast = true
	return result
}

func (d *OveruseDetector) currentRawState() DetectorState {
	// used only to decide Kalman process-noise boost; approximate with the
	// overuse counter so oscillation against the prior offset gets extra
	// process noise.
	if d.overuseCounter > 0 {
		return Overusing
	}
	return Normal
}

func timeSinceLast(d *OveruseDetector, nowMs int64) int64 {
	if !d.haveLast {
		return 0
	}
	return nowMs - d.lastUpdateMs
}
