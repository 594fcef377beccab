// Package rtp implements the RTP wire packet and header-extension parsers
// the core owns outright, in the same hand-rolled parser style as pkg/rtcp:
// RFC 3550 §5.1 for the fixed header, RFC 5285 for the one-byte (0xBEDE)
// and two-byte (0x1000) header-extension forms.
package rtp

import (
	"encoding/binary"
	"fmt"

	"github.com/arzzra/rtcstack/pkg/rtcerr"
)

const (
	fixedHeaderLen  = 12
	version2        = 2
	oneByteExtProf  = 0xBEDE
	twoByteExtProf  = 0x1000
	twoByteExtMask  = 0xFFF0
)

// Well-known header-extension URIs negotiated out-of-band and mapped to a
// local numeric id.
const (
	ExtAbsSendTime       = "http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time"
	ExtAudioLevel        = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"
	ExtMID               = "urn:ietf:params:rtp-hdrext:sdes:mid"
	ExtRepairedRTPStream = "urn:ietf:params:rtp-hdrext:sdes:repaired-rtp-stream-id"
	ExtRTPStreamID       = "urn:ietf:params:rtp-hdrext:sdes:rtp-stream-id"
	ExtTransmissionTimeOffset = "urn:ietf:params:rtp-hdrext:toffset"
	ExtTransportSeqNum   = "http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01"
)

// Extension is one parsed header-extension element: the id is local to the
// negotiated extension map, not inherent in the wire bytes.
type Extension struct {
	ID      uint8
	Payload []byte
}

// Header is the fixed RTP header plus CSRC list and parsed extensions.
type Header struct {
	Version        uint8
	Padding        bool
	Marker         bool
	PayloadType    uint8
	SequenceNumber SeqNo
	Timestamp      uint32
	SSRC           uint32
	CSRC           []uint32
	Extensions     []Extension
	extProfile     uint16 // remembered for re-serialization
}

// Packet is one RTP datagram: header plus payload, with the trailing
// padding length (if any) stripped out of Payload.
type Packet struct {
	Header     Header
	Payload    []byte
	PadLen     uint8
}

// Unmarshal parses buf into p, failing with rtcerr.InvalidFraming on any
// under-length or malformed input.
func (p *Packet) Unmarshal(buf []byte) error {
	if len(buf) < fixedHeaderLen {
		return rtcerr.New(rtcerr.InvalidFraming, "rtp header shorter than 12 bytes")
	}
	h := &p.Header
	h.Version = buf[0] >> 6
	if h.Version != version2 {
		return rtcerr.New(rtcerr.InvalidFraming, "rtp version != 2")
	}
	h.Padding = (buf[0]>>5)&0x1 == 1
	hasExt := (buf[0]>>4)&0x1 == 1
	csrcCount := int(buf[0] & 0x0F)
	h.Marker = (buf[1]>>7)&0x1 == 1
	h.PayloadType = buf[1] & 0x7F
	h.SequenceNumber = SeqNo(binary.BigEndian.Uint16(buf[2:4]))
	h.Timestamp = binary.BigEndian.Uint32(buf[4:8])
	h.SSRC = binary.BigEndian.Uint32(buf[8:12])

	offset := fixedHeaderLen
	if len(buf) < offset+csrcCount*4 {
		return rtcerr.New(rtcerr.InvalidFraming, "rtp csrc list truncated")
	}
	h.CSRC = make([]uint32, csrcCount)
	for i := 0; i < csrcCount; i++ {
		h.CSRC[i] = binary.BigEndian.Uint32(buf[offset : offset+4])
		offset += 4
	}

	if hasExt {
		exts, extProfile, n, err := parseExtensions(buf[offset:])
		if err != nil {
			return err
		}
		h.Extensions = exts
		h.extProfile = extProfile
		offset += n
	}

	if offset > len(buf) {
		return rtcerr.New(rtcerr.InvalidFraming, "rtp extension overruns packet")
	}
	payload := buf[offset:]
	if h.Padding {
		if len(payload) == 0 {
			return rtcerr.New(rtcerr.InvalidFraming, "rtp padding flag set on empty payload")
		}
		pad := payload[len(payload)-1]
		if pad == 0 || int(pad) > len(payload) {
			return rtcerr.New(rtcerr.InvalidFraming, "rtp padding length out of range")
		}
		p.PadLen = pad
		payload = payload[:len(payload)-int(pad)]
	}
	p.Payload = payload
	return nil
}

func parseExtensions(buf []byte) ([]Extension, uint16, int, error) {
	if len(buf) < 4 {
		return nil, 0, 0, rtcerr.New(rtcerr.InvalidFraming, "rtp extension header truncated")
	}
	profile := binary.BigEndian.Uint16(buf[0:2])
	lengthWords := binary.BigEndian.Uint16(buf[2:4])
	total := 4 + int(lengthWords)*4
	if len(buf) < total {
		return nil, 0, 0, rtcerr.New(rtcerr.InvalidFraming, "rtp extension body truncated")
	}
	body := buf[4:total]
	var exts []Extension
	switch {
	case profile == oneByteExtProf:
		i := 0
		for i < len(body) {
			b := body[i]
			if b == 0x00 { // padding
				i++
				continue
			}
			id := b >> 4
			length := int(b&0x0F) + 1
			i++
			if id == 15 { // reserved for future extension, stop
				break
			}
			if i+length > len(body) {
				return nil, 0, 0, rtcerr.New(rtcerr.InvalidFraming, "one-byte rtp extension truncated")
			}
			exts = append(exts, Extension{ID: id, Payload: append([]byte(nil), body[i:i+length]...)})
			i += length
		}
	case profile&twoByteExtMask == twoByteExtProf:
		i := 0
		for i < len(body) {
			if body[i] == 0x00 {
				i++
				continue
			}
			if i+2 > len(body) {
				return nil, 0, 0, rtcerr.New(rtcerr.InvalidFraming, "two-byte rtp extension header truncated")
			}
			id := body[i]
			length := int(body[i+1])
			i += 2
			if i+length > len(body) {
				return nil, 0, 0, rtcerr.New(rtcerr.InvalidFraming, "two-byte rtp extension truncated")
			}
			exts = append(exts, Extension{ID: id, Payload: append([]byte(nil), body[i:i+length]...)})
			i += length
		}
	default:
		// Unknown profile: treat the whole body as opaque and keep nothing
		// parsed, but still account for its length so payload offset is right.
	}
	return exts, profile, total, nil
}

// Marshal serializes p back to wire bytes.
func (p *Packet) Marshal() ([]byte, error) {
	h := p.Header
	if h.Version == 0 {
		h.Version = version2
	}
	if len(h.CSRC) > 15 {
		return nil, rtcerr.New(rtcerr.InvalidFraming, "too many csrc entries")
	}

	var extBytes []byte
	hasExt := len(h.Extensions) > 0
	if hasExt {
		extBytes = marshalExtensions(h.Extensions, h.extProfile)
	}

	size := fixedHeaderLen + 4*len(h.CSRC) + len(extBytes) + len(p.Payload)
	if p.PadLen > 0 {
		size += int(p.PadLen)
	}
	buf := make([]byte, size)

	b0 := h.Version << 6
	if p.PadLen > 0 {
		b0 |= 0x20
	}
	if hasExt {
		b0 |= 0x10
	}
	b0 |= uint8(len(h.CSRC)) & 0x0F
	buf[0] = b0

	b1 := h.PayloadType & 0x7F
	if h.Marker {
		b1 |= 0x80
	}
	buf[1] = b1

	binary.BigEndian.PutUint16(buf[2:4], uint16(h.SequenceNumber))
	binary.BigEndian.PutUint32(buf[4:8], h.Timestamp)
	binary.BigEndian.PutUint32(buf[8:12], h.SSRC)

	offset := fixedHeaderLen
	for _, c := range h.CSRC {
		binary.BigEndian.PutUint32(buf[offset:offset+4], c)
		offset += 4
	}
	copy(buf[offset:], extBytes)
	offset += len(extBytes)
	copy(buf[offset:], p.Payload)
	offset += len(p.Payload)
	if p.PadLen > 0 {
		buf[len(buf)-1] = p.PadLen
	}
	return buf, nil
}

func marshalExtensions(exts []Extension, profile uint16) []byte {
	if profile == 0 {
		profile = oneByteExtProf
	}
	var body []byte
	if profile == oneByteExtProf {
		for _, e := range exts {
			if len(e.Payload) == 0 || len(e.Payload) > 16 {
				continue
			}
			body = append(body, (e.ID<<4)|uint8(len(e.Payload)-1))
			body = append(body, e.Payload...)
		}
	} else {
		for _, e := range exts {
			body = append(body, e.ID, uint8(len(e.Payload)))
			body = append(body, e.Payload...)
		}
	}
	for len(body)%4 != 0 {
		body = append(body, 0x00)
	}
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint16(out[0:2], profile)
	binary.BigEndian.PutUint16(out[2:4], uint16(len(body)/4))
	copy(out[4:], body)
	return out
}

// FindExtension returns the payload for the first extension with the given
// negotiated id, or nil, false if absent.
func (h *Header) FindExtension(id uint8) ([]byte, bool) {
	for _, e := range h.Extensions {
		if e.ID == id {
			return e.Payload, true
		}
	}
	return nil, false
}

// SetExtension adds or replaces the extension with the given id.
func (h *Header) SetExtension(id uint8, payload []byte) {
	if h.extProfile == 0 {
		if len(payload) > 16 {
			h.extProfile = twoByteExtProf
		} else {
			h.extProfile = oneByteExtProf
		}
	}
	for i := range h.Extensions {
		if h.Extensions[i].ID == id {
			h.Extensions[i].Payload = payload
			return
		}
	}
	h.Extensions = append(h.Extensions, Extension{ID: id, Payload: payload})
}

// ClampPacketsLost clamps x to the 24-bit signed range [-2^23, 2^23-1]
// used by RTCP cumulative/fraction-lost fields.
func ClampPacketsLost(x int32) int32 {
	const max = 1<<23 - 1
	const min = -(1 << 23)
	if x > max {
		return max
	}
	if x < min {
		return min
	}
	return x
}

func (h Header) String() string {
	return fmt.Sprintf("rtp seq=%d ts=%d ssrc=%x pt=%d marker=%v", h.SequenceNumber, h.Timestamp, h.SSRC, h.PayloadType, h.Marker)
}
