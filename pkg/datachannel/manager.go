package datachannel

import (
	"sync"

	"github.com/arzzra/rtcstack/pkg/metrics"
	"github.com/arzzra/rtcstack/pkg/rtcerr"
	"github.com/arzzra/rtcstack/pkg/sctp"
)

// Manager owns one SCTP association and the data channels multiplexed over
// it via the DCEP control protocol. Stream ids are allocated by parity: 1
// for the DTLS client, 0 for the server, incrementing by 2.
type Manager struct {
	assoc *sctp.Association

	role    sctp.Role
	metrics *metrics.Collector

	mu       sync.Mutex
	nextID   uint16
	channels map[uint16]*Channel

	OnChannel func(*Channel) // fired when the remote peer opens a channel
	OnError   func(error)    // fired on protocol violations that don't otherwise surface
}

// Config configures a Manager; Transport is the DTLS-SRTP transport's
// user-data channel.
type Config struct {
	Role            sctp.Role
	Transport       sctp.Transport
	InboundStreams  uint16
	OutboundStreams uint16
	Metrics         *metrics.Collector
	OnChannel       func(*Channel)
	OnError         func(error)
}

// NewManager constructs a Manager and the SCTP association beneath it.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		role:      cfg.Role,
		metrics:   cfg.Metrics,
		channels:  make(map[uint16]*Channel),
		OnChannel: cfg.OnChannel,
		OnError:   cfg.OnError,
	}
	if cfg.Role == sctp.RoleClient {
		m.nextID = 1
	} else {
		m.nextID = 0
	}

	m.assoc = sctp.New(sctp.Config{
		Role:            cfg.Role,
		Transport:       cfg.Transport,
		InboundStreams:  cfg.InboundStreams,
		OutboundStreams: cfg.OutboundStreams,
		Metrics:         cfg.Metrics,
		OnMessage:       m.handleMessage,
		OnStreamClosed:  m.handleStreamClosed,
	})
	return m
}

// Associate begins the SCTP handshake; only meaningful for the DTLS
// client side.
func (m *Manager) Associate() error {
	return m.assoc.Associate()
}

// HandleIncoming feeds one received SCTP packet (wire up via
// dtlssrtp.Transport.OnData).
func (m *Manager) HandleIncoming(data []byte) {
	m.assoc.HandleIncoming(data)
}

func (m *Manager) allocateID() uint16 {
	id := m.nextID
	m.nextID += 2
	return id
}

func (m *Manager) idMatchesOurParity(id uint16) bool {
	if m.role == sctp.RoleClient {
		return id%2 == 1
	}
	return id%2 == 0
}

// OpenChannel opens a new data channel and sends the DCEP OPEN message.
func (m *Manager) OpenChannel(label, protocol string, reliability Reliability) (*Channel, error) {
	m.mu.Lock()
	id := m.allocateID()
	ch := &Channel{
		manager:     m,
		ID:          id,
		Label:       label,
		Protocol:    protocol,
		Reliability: reliability,
		state:       StateConnecting,
	}
	m.channels[id] = ch
	m.mu.Unlock()

	msg := marshalDCEPOpen(dcepOpen{
		ChannelType: reliability.channelType(),
		Priority:    0,
		Reliability: reliability.reliabilityParameter(),
		Label:       label,
		Protocol:    protocol,
	})
	if err := m.assoc.SendMessage(id, PPIDControl, msg, false); err != nil {
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.DataChannelOpened()
	}
	return ch, nil
}

func (m *Manager) handleMessage(streamID uint16, ppid uint32, data []byte, unordered bool) {
	switch ppid {
	case PPIDControl:
		m.handleControl(streamID, data)
	case PPIDString, PPIDStringEmpty:
		m.deliver(streamID, data, ppid == PPIDStringEmpty, true)
	case PPIDBinary, PPIDBinaryEmpty:
		m.deliver(streamID, data, ppid == PPIDBinaryEmpty, false)
	}
}

func (m *Manager) handleControl(streamID uint16, data []byte) {
	switch {
	case isDCEPOpen(data):
		open, err := parseDCEPOpen(data)
		if err != nil {
			return
		}
		if m.idMatchesOurParity(streamID) {
			// RFC 8832 parity collision: peer picked an id that belongs to
			// our own half of the stream-id space.
			err := rtcerr.New(rtcerr.ProtocolViolation, "remote data channel id collides with local parity")
			if m.OnError != nil {
				m.OnError(err)
			}
			return
		}
		m.mu.Lock()
		ch, exists := m.channels[streamID]
		if !exists {
			ch = &Channel{manager: m, ID: streamID, Label: open.Label, Protocol: open.Protocol, state: StateConnecting}
			m.channels[streamID] = ch
		}
		m.mu.Unlock()

		ch.Reliability = Reliability{Ordered: open.ChannelType.ordered()}
		_ = m.assoc.SendMessage(streamID, PPIDControl, marshalDCEPAck(), false)
		ch.markOpen()
		if m.metrics != nil {
			m.metrics.DataChannelOpened()
		}
		if !exists && m.OnChannel != nil {
			m.OnChannel(ch)
		}
	case isDCEPAck(data):
		m.mu.Lock()
		ch := m.channels[streamID]
		m.mu.Unlock()
		if ch != nil {
			ch.markOpen()
		}
	}
}

func (m *Manager) deliver(streamID uint16, data []byte, empty, isString bool) {
	m.mu.Lock()
	ch := m.channels[streamID]
	m.mu.Unlock()
	if ch == nil || ch.OnMessage == nil {
		return
	}
	if empty {
		data = nil
	}
	ch.OnMessage(data, isString)
}

func (m *Manager) handleStreamClosed(streamID uint16) {
	m.mu.Lock()
	ch := m.channels[streamID]
	delete(m.channels, streamID)
	m.mu.Unlock()
	if ch == nil {
		return
	}
	ch.markClosed()
	if m.metrics != nil {
		m.metrics.DataChannelClosed()
	}
}
