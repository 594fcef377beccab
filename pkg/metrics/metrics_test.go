package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCollectorRecordsFastPathCounters(t *testing.T) {
	c := New(Config{Enabled: true, Namespace: "rtcstack_test", Subsystem: "collector"})
	c.RTPSent(100)
	c.RTPSent(50)
	c.RTPReceived(80)
	c.RTPLost(2)
	c.RTXSent()
	c.RTCPEvent("nack")
	c.ObserveJitter(12.5)
	c.JitterBufferGap("dropout")
	c.SetBandwidthEstimate(500_000, "increase")
	c.SCTPAssociationOpened()
	c.SCTPChunkRetransmitted()
	c.SCTPStateTransition("cookie_wait", "established")
	c.DataChannelOpened()
	c.ObserveDTLSHandshake(25 * time.Millisecond)

	counters := c.FastPathCounters()
	require.Equal(t, int64(2), counters["rtp_sent"])
	require.Equal(t, int64(1), counters["rtp_received"])
	require.Equal(t, int64(2), counters["rtp_lost"])
}

func TestDisabledCollectorIsNoOp(t *testing.T) {
	c := New(Config{Enabled: false})
	require.NotPanics(t, func() {
		c.RTPSent(10)
		c.RTPReceived(10)
		c.RTPLost(1)
		c.SetBandwidthEstimate(1000, "hold")
	})
	require.Nil(t, c.FastPathCounters())
}
