package datachannel

import (
	"sync"
	"time"

	"github.com/arzzra/rtcstack/pkg/rtcerr"
	"github.com/arzzra/rtcstack/pkg/sctp"
)

// ReadyState mirrors the browser-facing RTCDataChannel ready states.
type ReadyState string

const (
	StateConnecting ReadyState = "connecting"
	StateOpen       ReadyState = "open"
	StateClosing    ReadyState = "closing"
	StateClosed     ReadyState = "closed"
)

// Reliability describes the retransmission policy negotiated at open time.
// Exactly one of MaxRetransmits/MaxLifetime is meaningful unless both are
// nil (fully reliable).
type Reliability struct {
	Ordered         bool
	MaxRetransmits  *uint16
	MaxLifetime     *time.Duration
}

func (r Reliability) channelType() ChannelType {
	switch {
	case r.MaxRetransmits != nil && r.Ordered:
		return ChannelPartialRexmit
	case r.MaxRetransmits != nil && !r.Ordered:
		return ChannelPartialRexmitUnordered
	case r.MaxLifetime != nil && r.Ordered:
		return ChannelPartialTimed
	case r.MaxLifetime != nil && !r.Ordered:
		return ChannelPartialTimedUnordered
	case !r.Ordered:
		return ChannelReliableUnordered
	default:
		return ChannelReliable
	}
}

func (r Reliability) reliabilityParameter() uint32 {
	if r.MaxRetransmits != nil {
		return uint32(*r.MaxRetransmits)
	}
	if r.MaxLifetime != nil {
		return uint32(r.MaxLifetime.Milliseconds())
	}
	return 0
}

// Channel is one user-visible data channel: id, label, protocol, ordered
// flag, reliability policy, ready state, and buffered-amount accounting.
type Channel struct {
	manager *Manager

	ID          uint16
	Label       string
	Protocol    string
	Reliability Reliability

	mu             sync.Mutex
	state          ReadyState
	bufferedAmount uint64
	lowThreshold   uint64

	OnOpen             func()
	OnMessage          func(data []byte, isString bool)
	OnClose            func()
	OnBufferedAmountLow func()
}

// State returns the channel's current ready state.
func (c *Channel) State() ReadyState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// BufferedAmount returns the number of bytes queued but not yet flushed.
func (c *Channel) BufferedAmount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bufferedAmount
}

// SetBufferedAmountLowThreshold sets the threshold that triggers
// OnBufferedAmountLow when buffered-amount crosses it downward.
func (c *Channel) SetBufferedAmountLowThreshold(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lowThreshold = n
}

// Send transmits a binary message, updating the buffered-amount counter.
func (c *Channel) Send(data []byte) error {
	return c.send(data, PPIDBinary, PPIDBinaryEmpty)
}

// SendText transmits a UTF-8 string message.
func (c *Channel) SendText(s string) error {
	return c.send([]byte(s), PPIDString, PPIDStringEmpty)
}

func (c *Channel) send(data []byte, ppid, emptyPPID uint32) error {
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return rtcerr.New(rtcerr.InvalidState, "data channel is not open")
	}
	c.bufferedAmount += uint64(len(data))
	c.mu.Unlock()

	useppid := ppid
	if len(data) == 0 {
		useppid = emptyPPID
		data = []byte{0}
	}
	err := c.manager.assoc.SendMessage(c.ID, useppid, data, !c.Reliability.Ordered)

	c.mu.Lock()
	wasAbove := c.bufferedAmount > c.lowThreshold
	if uint64(len(data)) <= c.bufferedAmount {
		c.bufferedAmount -= uint64(len(data))
	} else {
		c.bufferedAmount = 0
	}
	crossedLow := wasAbove && c.bufferedAmount <= c.lowThreshold
	cb := c.OnBufferedAmountLow
	c.mu.Unlock()

	if crossedLow && cb != nil {
		cb()
	}
	return err
}

// Close requests closing the channel's outgoing stream via SCTP stream
// reconfiguration.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.state == StateClosing || c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing
	c.mu.Unlock()
	return c.manager.assoc.CloseStream(c.ID)
}

func (c *Channel) markOpen() {
	c.mu.Lock()
	already := c.state == StateOpen
	c.state = StateOpen
	cb := c.OnOpen
	c.mu.Unlock()
	if !already && cb != nil {
		cb()
	}
}

func (c *Channel) markClosed() {
	c.mu.Lock()
	already := c.state == StateClosed
	c.state = StateClosed
	cb := c.OnClose
	c.mu.Unlock()
	if !already && cb != nil {
		cb()
	}
}
