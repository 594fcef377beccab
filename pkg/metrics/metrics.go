// Package metrics exports Prometheus collectors for the core transport
// stack: real prometheus.Counter/Gauge/Histogram collectors registered via
// promauto covering RTP/RTCP/SCTP/bandwidth-estimator counters.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config holds a namespace/subsystem pair plus an enable switch so tests
// and embedders can opt out of Prometheus registration entirely.
type Config struct {
	Enabled   bool
	Namespace string
	Subsystem string
}

// DefaultConfig returns sensible defaults for this module's metric
// namespace.
func DefaultConfig() Config {
	return Config{Enabled: true, Namespace: "rtcstack", Subsystem: "core"}
}

// Collector aggregates every Prometheus series this module emits, plus a
// few atomic fast-path counters for cheap internal diagnostics.
type Collector struct {
	enabled bool

	rtpPacketsSent     prometheus.Counter
	rtpPacketsReceived prometheus.Counter
	rtpBytesSent       prometheus.Counter
	rtpBytesReceived   prometheus.Counter
	rtpPacketsLost     prometheus.Counter
	rtxPacketsSent     prometheus.Counter

	rtcpEventsTotal *prometheus.CounterVec // labels: type (sr, rr, nack, pli, remb, bye)

	jitterMs        prometheus.Histogram
	jitterBufferGap *prometheus.CounterVec // labels: reason (misorder, dropout, resync)

	bweCurrentBitrate prometheus.Gauge
	bweState          *prometheus.GaugeVec // labels: state (hold, increase, decrease), value 0/1

	sctpAssociations      prometheus.Gauge
	sctpChunksRetransmit  prometheus.Counter
	sctpStateTransitions  *prometheus.CounterVec

	dataChannelsOpen prometheus.Gauge

	dtlsHandshakeDuration prometheus.Histogram

	// atomic fast-path counters, read without touching the Prometheus
	// registry
	totalRTPSent     int64
	totalRTPReceived int64
	totalRTPLost     int64
}

// New builds and registers a Collector. If !cfg.Enabled, it returns a
// Collector whose methods are no-ops.
func New(cfg Config) *Collector {
	if !cfg.Enabled {
		return &Collector{enabled: false}
	}
	ns, sub := cfg.Namespace, cfg.Subsystem
	c := &Collector{enabled: true}

	c.rtpPacketsSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, Name: "rtp_packets_sent_total",
		Help: "Total RTP packets sent.",
	})
	c.rtpPacketsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, Name: "rtp_packets_received_total",
		Help: "Total RTP packets received.",
	})
	c.rtpBytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, Name: "rtp_bytes_sent_total",
		Help: "Total RTP payload bytes sent.",
	})
	c.rtpBytesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, Name: "rtp_bytes_received_total",
		Help: "Total RTP payload bytes received.",
	})
	c.rtpPacketsLost = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, Name: "rtp_packets_lost_total",
		Help: "Total RTP packets inferred lost from sequence-number gaps.",
	})
	c.rtxPacketsSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, Name: "rtx_packets_sent_total",
		Help: "Total retransmission packets sent in response to NACK.",
	})

	c.rtcpEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, Name: "rtcp_events_total",
		Help: "Total RTCP packets processed, by type.",
	}, []string{"type"})

	c.jitterMs = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: sub, Name: "jitter_milliseconds",
		Help:    "Interarrival jitter estimate (RFC 3550 §6.4.1), in milliseconds.",
		Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200, 500},
	})
	c.jitterBufferGap = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, Name: "jitter_buffer_gaps_total",
		Help: "Total jitter-buffer boundary events, by reason.",
	}, []string{"reason"})

	c.bweCurrentBitrate = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub, Name: "bwe_target_bitrate_bps",
		Help: "Current bandwidth-estimator target bitrate in bits per second.",
	})
	c.bweState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub, Name: "bwe_state",
		Help: "1 for the currently active rate-control state, 0 otherwise.",
	}, []string{"state"})

	c.sctpAssociations = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub, Name: "sctp_associations_active",
		Help: "Number of currently established SCTP associations.",
	})
	c.sctpChunksRetransmit = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, Name: "sctp_chunks_retransmitted_total",
		Help: "Total SCTP DATA chunks retransmitted.",
	})
	c.sctpStateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, Name: "sctp_state_transitions_total",
		Help: "Total SCTP association state transitions.",
	}, []string{"from", "to"})

	c.dataChannelsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub, Name: "data_channels_open",
		Help: "Number of currently open data channels.",
	})

	c.dtlsHandshakeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: sub, Name: "dtls_handshake_duration_seconds",
		Help:    "Duration of completed DTLS handshakes.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	})

	return c
}

func (c *Collector) RTPSent(bytes int) {
	if !c.enabled {
		return
	}
	c.rtpPacketsSent.Inc()
	c.rtpBytesSent.Add(float64(bytes))
	atomic.AddInt64(&c.totalRTPSent, 1)
}

func (c *Collector) RTPReceived(bytes int) {
	if !c.enabled {
		return
	}
	c.rtpPacketsReceived.Inc()
	c.rtpBytesReceived.Add(float64(bytes))
	atomic.AddInt64(&c.totalRTPReceived, 1)
}

func (c *Collector) RTPLost(n int) {
	if !c.enabled || n <= 0 {
		return
	}
	c.rtpPacketsLost.Add(float64(n))
	atomic.AddInt64(&c.totalRTPLost, int64(n))
}

func (c *Collector) RTXSent() {
	if !c.enabled {
		return
	}
	c.rtxPacketsSent.Inc()
}

func (c *Collector) RTCPEvent(kind string) {
	if !c.enabled {
		return
	}
	c.rtcpEventsTotal.WithLabelValues(kind).Inc()
}

func (c *Collector) ObserveJitter(ms float64) {
	if !c.enabled {
		return
	}
	c.jitterMs.Observe(ms)
}

func (c *Collector) JitterBufferGap(reason string) {
	if !c.enabled {
		return
	}
	c.jitterBufferGap.WithLabelValues(reason).Inc()
}

// SetBandwidthEstimate records the current target bitrate and marks the
// active rate-control state, clearing the other known states to 0.
func (c *Collector) SetBandwidthEstimate(bitrateBps float64, state string) {
	if !c.enabled {
		return
	}
	c.bweCurrentBitrate.Set(bitrateBps)
	for _, s := range []string{"hold", "increase", "decrease"} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		c.bweState.WithLabelValues(s).Set(v)
	}
}

func (c *Collector) SCTPAssociationOpened() {
	if !c.enabled {
		return
	}
	c.sctpAssociations.Inc()
}

func (c *Collector) SCTPAssociationClosed() {
	if !c.enabled {
		return
	}
	c.sctpAssociations.Dec()
}

func (c *Collector) SCTPChunkRetransmitted() {
	if !c.enabled {
		return
	}
	c.sctpChunksRetransmit.Inc()
}

func (c *Collector) SCTPStateTransition(from, to string) {
	if !c.enabled {
		return
	}
	c.sctpStateTransitions.WithLabelValues(from, to).Inc()
}

func (c *Collector) DataChannelOpened() {
	if !c.enabled {
		return
	}
	c.dataChannelsOpen.Inc()
}

func (c *Collector) DataChannelClosed() {
	if !c.enabled {
		return
	}
	c.dataChannelsOpen.Dec()
}

func (c *Collector) ObserveDTLSHandshake(d time.Duration) {
	if !c.enabled {
		return
	}
	c.dtlsHandshakeDuration.Observe(d.Seconds())
}

// FastPathCounters returns the atomic counters kept alongside the
// Prometheus series, for cheap internal diagnostics without touching the
// registry.
func (c *Collector) FastPathCounters() map[string]int64 {
	if !c.enabled {
		return nil
	}
	return map[string]int64{
		"rtp_sent":     atomic.LoadInt64(&c.totalRTPSent),
		"rtp_received": atomic.LoadInt64(&c.totalRTPReceived),
		"rtp_lost":     atomic.LoadInt64(&c.totalRTPLost),
	}
}
