package rtcp

import (
	"encoding/binary"

	"github.com/arzzra/rtcstack/pkg/rtcerr"
)

// ParseCompound splits a compound RTCP datagram into its constituent
// packets, type-switching on each decoded packet.
func ParseCompound(buf []byte) ([]Packet, error) {
	var out []Packet
	for len(buf) > 0 {
		if len(buf) < 4 {
			return out, rtcerr.New(rtcerr.InvalidFraming, "trailing bytes too short for rtcp header")
		}
		length := binary.BigEndian.Uint16(buf[2:4])
		size := (int(length) + 1) * 4
		if size > len(buf) {
			return out, rtcerr.New(rtcerr.InvalidFraming, "rtcp packet length exceeds buffer")
		}
		chunk := buf[:size]
		pkt, err := parseOne(chunk)
		if err != nil {
			return out, err
		}
		out = append(out, pkt)
		buf = buf[size:]
	}
	return out, nil
}

func parseOne(buf []byte) (Packet, error) {
	h, err := parseHeader(buf)
	if err != nil {
		return nil, err
	}
	var pkt Packet
	switch h.Type {
	case TypeSR:
		pkt = &SenderReport{}
	case TypeRR:
		pkt = &ReceiverReport{}
	case TypeSDES:
		pkt = &SourceDescription{}
	case TypeBYE:
		pkt = &Bye{}
	case TypeRTPFB:
		if h.Count == FmtNACK {
			pkt = &NACK{}
		} else {
			return nil, rtcerr.New(rtcerr.Unsupported, "unsupported rtpfb fmt")
		}
	case TypePSFB:
		switch h.Count {
		case FmtPLI:
			pkt = &PLI{}
		case FmtREMB:
			pkt = &REMB{}
		default:
			return nil, rtcerr.New(rtcerr.Unsupported, "unsupported psfb fmt")
		}
	default:
		return nil, rtcerr.New(rtcerr.Unsupported, "unknown rtcp packet type")
	}
	if err := pkt.Unmarshal(buf); err != nil {
		return nil, err
	}
	return pkt, nil
}

// MarshalCompound concatenates multiple RTCP packets into one datagram.
func MarshalCompound(pkts ...Packet) ([]byte, error) {
	var out []byte
	for _, p := range pkts {
		b, err := p.Marshal()
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}
