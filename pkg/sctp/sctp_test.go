package sctp

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketMarshalUnmarshalRoundTrip(t *testing.T) {
	data := &DataChunk{
		Beginning: true,
		Ending:    true,
		TSN:       42,
		StreamID:  3,
		StreamSeq: 1,
		PPID:      53,
		UserData:  []byte("hello"),
	}
	pkt := &Packet{Header: Header{SourcePort: 5000, DestPort: 5000, VerificationTag: 0xdeadbeef}, Chunks: []Chunk{data}}

	buf, err := pkt.Marshal()
	require.NoError(t, err)

	var got Packet
	require.NoError(t, got.Unmarshal(buf))
	require.Len(t, got.Chunks, 1)
	gotData, ok := got.Chunks[0].(*DataChunk)
	require.True(t, ok)
	assert.Equal(t, data.TSN, gotData.TSN)
	assert.Equal(t, data.StreamID, gotData.StreamID)
	assert.Equal(t, data.UserData, gotData.UserData)
	assert.True(t, gotData.Beginning)
	assert.True(t, gotData.Ending)
}

func TestPacketUnmarshalRejectsBadChecksum(t *testing.T) {
	pkt := &Packet{Header: Header{SourcePort: 1, DestPort: 2}, Chunks: []Chunk{&CookieAckChunk{}}}
	buf, err := pkt.Marshal()
	require.NoError(t, err)
	buf[len(buf)-1] ^= 0xff

	var got Packet
	err = got.Unmarshal(buf)
	require.Error(t, err)
}

func TestInitChunkRoundTripWithReconfigSupport(t *testing.T) {
	init := &InitChunk{
		InitiateTag:      1234,
		AdvertisedRwnd:   AdvertisedRwnd,
		OutboundStreams:  16,
		InboundStreams:   16,
		InitialTSN:       99,
		SupportsReconfig: true,
	}
	buf, err := init.Marshal()
	require.NoError(t, err)

	var got InitChunk
	require.NoError(t, got.Unmarshal(buf, 0))
	assert.Equal(t, init.InitiateTag, got.InitiateTag)
	assert.Equal(t, init.InitialTSN, got.InitialTSN)
	assert.True(t, got.SupportsReconfig)
}

func TestSackChunkRoundTripWithGapsAndDuplicates(t *testing.T) {
	sack := &SackChunk{
		CumulativeTSNAck: 100,
		AdvertisedRwnd:   65536,
		GapAckBlocks:     []GapAckBlock{{Start: 2, End: 4}, {Start: 6, End: 6}},
		DuplicateTSNs:    []uint32{101, 105},
	}
	buf, err := sack.Marshal()
	require.NoError(t, err)

	var got SackChunk
	require.NoError(t, got.Unmarshal(buf, 0))
	assert.Equal(t, sack.CumulativeTSNAck, got.CumulativeTSNAck)
	assert.Equal(t, sack.GapAckBlocks, got.GapAckBlocks)
	assert.Equal(t, sack.DuplicateTSNs, got.DuplicateTSNs)
}

func TestReconfigChunkOutgoingResetRoundTrip(t *testing.T) {
	req := &OutgoingResetRequest{RequestSeq: 5, ResponseSeq: 0, LastAssignedTSN: 77, StreamIDs: []uint16{2, 4, 6}}
	chunk := &ReconfigChunk{OutgoingReset: req}
	buf, err := chunk.Marshal()
	require.NoError(t, err)

	var got ReconfigChunk
	require.NoError(t, got.Unmarshal(buf, 0))
	require.NotNil(t, got.OutgoingReset)
	assert.Equal(t, req.RequestSeq, got.OutgoingReset.RequestSeq)
	assert.Equal(t, req.StreamIDs, got.OutgoingReset.StreamIDs)
}

func TestGenerateAndVerifyStateCookie(t *testing.T) {
	key := []byte("a-test-hmac-key")
	now := time.Unix(1_700_000_000, 0)
	cookie := generateStateCookie(key, now)

	err := verifyStateCookie(key, cookie, now.Add(5*time.Second))
	assert.NoError(t, err)
}

func TestVerifyStateCookieDetectsStaleness(t *testing.T) {
	key := []byte("a-test-hmac-key")
	now := time.Unix(1_700_000_000, 0)
	cookie := generateStateCookie(key, now)

	err := verifyStateCookie(key, cookie, now.Add(90*time.Second))
	require.Error(t, err)
	stale, ok := err.(*staleCookieError)
	require.True(t, ok)
	assert.Greater(t, stale.stalenessMs, uint32(60_000))
}

func TestVerifyStateCookieDetectsTamperedMAC(t *testing.T) {
	key := []byte("a-test-hmac-key")
	now := time.Unix(1_700_000_000, 0)
	cookie := generateStateCookie(key, now)
	cookie[len(cookie)-1] ^= 0xff

	err := verifyStateCookie(key, cookie, now)
	require.Error(t, err)
	_, ok := err.(*staleCookieError)
	assert.False(t, ok)
}

func TestCongestionSlowStartGrowsByAckedBytesCappedAtMTU(t *testing.T) {
	c := newCongestionState(AdvertisedRwnd)
	before := c.cwnd
	c.onBytesAcked(2000)
	assert.Equal(t, before+USERDATAMaxLength, c.cwnd)
}

func TestCongestionAvoidanceAccumulatesPartialBytes(t *testing.T) {
	c := newCongestionState(AdvertisedRwnd)
	c.ssthresh = c.cwnd - 1 // cwnd > ssthresh: force congestion avoidance immediately
	before := c.cwnd
	for i := 0; i < 10; i++ {
		c.onBytesAcked(USERDATAMaxLength)
	}
	assert.Greater(t, c.cwnd, before)
}

func TestCongestionOnLossHalvesWindowWithFloor(t *testing.T) {
	c := newCongestionState(AdvertisedRwnd)
	c.cwnd = 100
	c.onLoss()
	assert.Equal(t, 4*float64(USERDATAMaxLength), c.ssthresh)
	assert.Equal(t, c.ssthresh, c.cwnd)
}

func TestCongestionOnT3ExpiryCollapsesToOneMTU(t *testing.T) {
	c := newCongestionState(AdvertisedRwnd)
	c.cwnd = 50000
	c.flightSize = 3000
	c.onT3Expiry()
	assert.Equal(t, float64(USERDATAMaxLength), c.cwnd)
	assert.Equal(t, float64(0), c.flightSize)
}

// wireTransport connects two associations back-to-back in-process, feeding
// each side's sent packets directly into the other's HandleIncoming.
type wireTransport struct {
	mu   sync.Mutex
	peer *Association
}

func (w *wireTransport) SendData(b []byte) error {
	w.mu.Lock()
	peer := w.peer
	w.mu.Unlock()
	if peer == nil {
		return nil
	}
	cp := append([]byte(nil), b...)
	go peer.HandleIncoming(cp)
	return nil
}

func TestAssociationHandshakeReachesEstablished(t *testing.T) {
	clientTransport := &wireTransport{}
	serverTransport := &wireTransport{}

	var clientState, serverState State
	var mu sync.Mutex

	client := New(Config{
		Role:            RoleClient,
		Transport:       clientTransport,
		OutboundStreams: 16,
		InboundStreams:  16,
		OnStateChange: func(s State) {
			mu.Lock()
			clientState = s
			mu.Unlock()
		},
	})
	server := New(Config{
		Role:            RoleServer,
		Transport:       serverTransport,
		OutboundStreams: 16,
		InboundStreams:  16,
		OnStateChange: func(s State) {
			mu.Lock()
			serverState = s
			mu.Unlock()
		},
	})
	clientTransport.peer = server
	serverTransport.peer = client

	require.NoError(t, client.Associate())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return clientState == StateEstablished && serverState == StateEstablished
	}, 2*time.Second, 5*time.Millisecond)
}

func TestAssociationSendMessageDeliversAcrossWire(t *testing.T) {
	clientTransport := &wireTransport{}
	serverTransport := &wireTransport{}

	received := make(chan []byte, 1)

	client := New(Config{Role: RoleClient, Transport: clientTransport, OutboundStreams: 4, InboundStreams: 4})
	server := New(Config{
		Role:            RoleServer,
		Transport:       serverTransport,
		OutboundStreams: 4,
		InboundStreams:  4,
		OnMessage: func(streamID uint16, ppid uint32, data []byte, unordered bool) {
			received <- data
		},
	})
	clientTransport.peer = server
	serverTransport.peer = client

	require.NoError(t, client.Associate())
	require.Eventually(t, func() bool {
		return client.State() == StateEstablished
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, client.SendMessage(1, 53, []byte("hello data channel"), false))

	select {
	case got := <-received:
		assert.Equal(t, "hello data channel", string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("message was not delivered")
	}
}

func TestTSNGreaterThanHandlesWraparound(t *testing.T) {
	assert.True(t, tsnGT(1, 0xFFFFFFFF))
	assert.False(t, tsnGT(0xFFFFFFFF, 1))
	assert.True(t, tsnGT(5, 4))
	assert.False(t, tsnGT(4, 4))
}
