// Package datachannel implements the WebRTC data channel surface on top
// of pkg/sctp: the DCEP control handshake (RFC 8832), string/binary PPID
// framing, stream-id parity allocation, and buffered-amount accounting.
// Wire parsing follows the same hand-rolled struct-per-message style as
// pkg/sctp/chunks.go.
package datachannel

import (
	"encoding/binary"

	"github.com/arzzra/rtcstack/pkg/rtcerr"
)

// PPIDs for the SCTP payload-protocol-identifier field, per RFC 8832:
// 50 control, 51 string, 53 binary, 56 empty-string, 57 empty-binary.
const (
	PPIDControl      = 50
	PPIDString       = 51
	PPIDBinary       = 53
	PPIDStringEmpty  = 56
	PPIDBinaryEmpty  = 57
)

// DCEP message types (RFC 8832 §5.1/5.2).
const (
	messageTypeAck  = 2
	messageTypeOpen = 3
)

// ChannelType is the DCEP channel_type octet (RFC 8832 §5.1).
type ChannelType uint8

const (
	ChannelReliable               ChannelType = 0x00
	ChannelReliableUnordered      ChannelType = 0x80
	ChannelPartialRexmit          ChannelType = 0x01
	ChannelPartialRexmitUnordered ChannelType = 0x81
	ChannelPartialTimed           ChannelType = 0x02
	ChannelPartialTimedUnordered  ChannelType = 0x82
)

func (ct ChannelType) ordered() bool {
	return ct&0x80 == 0
}

// dcepOpen is the DATA_CHANNEL_OPEN message body (RFC 8832 §5.1).
type dcepOpen struct {
	ChannelType ChannelType
	Priority    uint16
	Reliability uint32
	Label       string
	Protocol    string
}

func marshalDCEPOpen(o dcepOpen) []byte {
	label := []byte(o.Label)
	protocol := []byte(o.Protocol)
	buf := make([]byte, 12+len(label)+len(protocol))
	buf[0] = messageTypeOpen
	buf[1] = byte(o.ChannelType)
	binary.BigEndian.PutUint16(buf[2:4], o.Priority)
	binary.BigEndian.PutUint32(buf[4:8], o.Reliability)
	binary.BigEndian.PutUint16(buf[8:10], uint16(len(label)))
	binary.BigEndian.PutUint16(buf[10:12], uint16(len(protocol)))
	copy(buf[12:], label)
	copy(buf[12+len(label):], protocol)
	return buf
}

func parseDCEPOpen(buf []byte) (dcepOpen, error) {
	if len(buf) < 12 {
		return dcepOpen{}, rtcerr.New(rtcerr.InvalidFraming, "dcep open message shorter than 12 bytes")
	}
	labelLen := int(binary.BigEndian.Uint16(buf[8:10]))
	protocolLen := int(binary.BigEndian.Uint16(buf[10:12]))
	if len(buf) < 12+labelLen+protocolLen {
		return dcepOpen{}, rtcerr.New(rtcerr.InvalidFraming, "dcep open message truncated")
	}
	return dcepOpen{
		ChannelType: ChannelType(buf[1]),
		Priority:    binary.BigEndian.Uint16(buf[2:4]),
		Reliability: binary.BigEndian.Uint32(buf[4:8]),
		Label:       string(buf[12 : 12+labelLen]),
		Protocol:    string(buf[12+labelLen : 12+labelLen+protocolLen]),
	}, nil
}

func marshalDCEPAck() []byte {
	return []byte{messageTypeAck}
}

func isDCEPAck(buf []byte) bool {
	return len(buf) == 1 && buf[0] == messageTypeAck
}

func isDCEPOpen(buf []byte) bool {
	return len(buf) >= 1 && buf[0] == messageTypeOpen
}
