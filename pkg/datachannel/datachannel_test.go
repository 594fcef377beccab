package datachannel

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/rtcstack/pkg/sctp"
)

func TestDCEPOpenRoundTrip(t *testing.T) {
	open := dcepOpen{
		ChannelType: ChannelReliable,
		Priority:    0,
		Reliability: 0,
		Label:       "chat",
		Protocol:    "",
	}
	buf := marshalDCEPOpen(open)
	require.True(t, isDCEPOpen(buf))

	got, err := parseDCEPOpen(buf)
	require.NoError(t, err)
	assert.Equal(t, open.Label, got.Label)
	assert.Equal(t, open.ChannelType, got.ChannelType)
}

func TestReliabilityChannelTypeMapping(t *testing.T) {
	n := uint16(5)
	r := Reliability{Ordered: false, MaxRetransmits: &n}
	assert.Equal(t, ChannelPartialRexmitUnordered, r.channelType())
	assert.Equal(t, uint32(5), r.reliabilityParameter())

	r2 := Reliability{Ordered: true}
	assert.Equal(t, ChannelReliable, r2.channelType())
}

// wireTransport wires two associations back-to-back, as in pkg/sctp's own
// handshake test.
type wireTransport struct {
	mu   sync.Mutex
	peer *sctp.Association
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

func TestOpenChannelHandshakeAndMessageDelivery(t *testing.T) {
	clientTransport := &wireTransport{}
	serverTransport := &wireTransport{}

	received := make(chan string, 1)
	var serverChannel *Channel
	var mu sync.Mutex

	client := NewManager(Config{Role: sctp.RoleClient, Transport: clientTransport, OutboundStreams: 8, InboundStreams: 8})
	server := NewManager(Config{
		Role:            sctp.RoleServer,
		Transport:       serverTransport,
		OutboundStreams: 8,
		InboundStreams:  8,
		OnChannel: func(ch *Channel) {
			mu.Lock()
			serverChannel = ch
			mu.Unlock()
			ch.OnMessage = func(data []byte, isString bool) {
				received <- string(data)
			}
		},
	})

	// Manager keeps its association in an unexported field; clientAssocOf
	// reads it so each side's transport feeds the other side's association.
	clientTransport.peer = clientAssocOf(server)
	serverTransport.peer = clientAssocOf(client)

	require.NoError(t, client.Associate())

	require.Eventually(t, func() bool {
		return clientAssocOf(client).State() == sctp.StateEstablished
	}, 2*time.Second, 5*time.Millisecond)

	ch, err := client.OpenChannel("chat", "", Reliability{Ordered: true})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return ch.State() == StateOpen
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return serverChannel != nil && serverChannel.State() == StateOpen
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, ch.SendText("hello"))

	select {
	case got := <-received:
		assert.Equal(t, "hello", got)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func clientAssocOf(m *Manager) *sctp.Association { return m.assoc }

func TestBufferedAmountLowFires(t *testing.T) {
	clientTransport := &wireTransport{}
	serverTransport := &wireTransport{}
	client := NewManager(Config{Role: sctp.RoleClient, Transport: clientTransport, OutboundStreams: 8, InboundStreams: 8})
	server := NewManager(Config{Role: sctp.RoleServer, Transport: serverTransport, OutboundStreams: 8, InboundStreams: 8})
	clientTransport.peer = clientAssocOf(server)
	serverTransport.peer = clientAssocOf(client)

	require.NoError(t, client.Associate())
	require.Eventually(t, func() bool {
		return clientAssocOf(client).State() == sctp.StateEstablished
	}, 2*time.Second, 5*time.Millisecond)

	ch, err := client.OpenChannel("bulk", "", Reliability{Ordered: true})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return ch.State() == StateOpen }, 2*time.Second, 5*time.Millisecond)

	ch.SetBufferedAmountLowThreshold(0)
	fired := make(chan struct{}, 1)
	ch.OnBufferedAmountLow = func() { fired <- struct{}{} }

	require.NoError(t, ch.Send([]byte("some payload bytes")))

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("bufferedamountlow did not fire")
	}
}
