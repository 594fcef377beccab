// Package h264 implements the H.264 RTP packetization modes of RFC 6184:
// single-NAL-unit, STAP-A aggregation, and FU-A fragmentation, plus
// Annex-B start-code splitting of encoder output into NALUs.
package h264

import (
	"bytes"

	"github.com/arzzra/rtcstack/pkg/rtcerr"
)

const PacketMax = 1300

const (
	NALUTypeSTAPA = 24
	NALUTypeFUA   = 28
	NALUTypeSEI   = 6
)

// SplitAnnexB splits encoder output delimited by Annex-B start codes
// (00 00 00 01 or 00 00 01) into individual NALUs, discarding SEI NALUs
// (type 6)
func SplitAnnexB(stream []byte) [][]byte {
	var nalus [][]byte
	starts := findStartCodes(stream)
	for i, s := range starts {
		end := len(stream)
		if i+1 < len(starts) {
			end = starts[i+1].pos
		}
		nalu := stream[s.pos+s.len : end]
		// strip trailing zero bytes that belong to the next start code
		for len(nalu) > 0 && nalu[len(nalu)-1] == 0x00 {
			nalu = nalu[:len(nalu)-1]
		}
		if len(nalu) == 0 {
			continue
		}
		if nalu[0]&0x1F == NALUTypeSEI {
			continue
		}
		nalus = append(nalus, nalu)
	}
	return nalus
}

type startCode struct {
	pos int
	len int
}

func findStartCodes(stream []byte) []startCode {
	var out []startCode
	i := 0
	for i < len(stream)-2 {
		if stream[i] == 0 && stream[i+1] == 0 {
			if i+3 < len(stream) && stream[i+2] == 0 && stream[i+3] == 1 {
				out = append(out, startCode{pos: i, len: 4})
				i += 4
				continue
			}
			if stream[i+2] == 1 {
				out = append(out, startCode{pos: i, len: 3})
				i += 3
				continue
			}
		}
		i++
	}
	return out
}

func nri(nalHeader byte) byte  { return nalHeader & 0x60 }
func nalType(nalHeader byte) byte { return nalHeader & 0x1F }

// Packetizer turns a slice of NALUs (one coded frame) into RTP payloads.
type Packetizer struct{}

// Packetize produces one payload per NALU when it fits in maxPayload,
// aggregates small consecutive NALUs into STAP-A, and fragments large ones
// via FU-A.
func (Packetizer) Packetize(nalus [][]byte, maxPayload int) [][]byte {
	if maxPayload <= 0 || maxPayload > PacketMax {
		maxPayload = PacketMax
	}
	var out [][]byte
	i := 0
	for i < len(nalus) {
		n := nalus[i]
		if len(n) > maxPayload {
			out = append(out, fragmentFUA(n, maxPayload)...)
			i++
			continue
		}
		// try to aggregate with following small NALUs into one STAP-A
		agg := [][]byte{n}
		size := 1 + 2 + len(n) // STAP-A header + first NALU's size+bytes
		j := i + 1
		for j < len(nalus) && len(nalus[j]) <= maxPayload {
			add := 2 + len(nalus[j])
			if size+add > maxPayload {
				break
			}
			agg = append(agg, nalus[j])
			size += add
			j++
		}
		if len(agg) == 1 {
			out = append(out, n)
			i++
		} else {
			out = append(out, marshalSTAPA(agg))
			i = j
		}
	}
	return out
}

func fragmentFUA(nalu []byte, maxPayload int) [][]byte {
	header := nalu[0]
	payload := nalu[1:]
	budget := maxPayload - 2
	if budget < 1 {
		budget = 1
	}
	var out [][]byte
	for i := 0; i < len(payload); i += budget {
		end := i + budget
		if end > len(payload) {
			end = len(payload)
		}
		fuIndicator := (header & 0xE0) | NALUTypeFUA
		fuHeader := nalType(header)
		if i == 0 {
			fuHeader |= 0x80
		}
		if end == len(payload) {
			fuHeader |= 0x40
		}
		pkt := append([]byte{fuIndicator, fuHeader}, payload[i:end]...)
		out = append(out, pkt)
	}
	return out
}

// marshalSTAPA aggregates NALUs as (u16 size || nalu)+, with the STAP-A
// header's F|NRI set to the MAXIMUM of constituent NRI values per RFC 6184
// §5.7.1.
func marshalSTAPA(nalus [][]byte) []byte {
	var maxNRI byte
	for _, n := range nalus {
		if v := nri(n[0]); v > maxNRI {
			maxNRI = v
		}
	}
	header := maxNRI | NALUTypeSTAPA
	buf := []byte{header}
	for _, n := range nalus {
		buf = append(buf, byte(len(n)>>8), byte(len(n)))
		buf = append(buf, n...)
	}
	return buf
}

// Depacketizer reassembles RTP payloads into NALUs, buffering FU-A
// fragments across packets.
type Depacketizer struct {
	fuBuf []byte
	fuHdr byte
}

// Unpacketize consumes one RTP payload, returning any complete NALUs it
// yields (zero for an FU-A continuation, one for single-NAL or the FU-A
// final fragment, many for STAP-A).
func (d *Depacketizer) Unpacketize(payload []byte) ([][]byte, error) {
	if len(payload) == 0 {
		return nil, rtcerr.New(rtcerr.InvalidFraming, "empty h264 rtp payload")
	}
	t := nalType(payload[0])
	switch {
	case t == NALUTypeSTAPA:
		return unmarshalSTAPA(payload[1:])
	case t == NALUTypeFUA:
		if len(payload) < 2 {
			return nil, rtcerr.New(rtcerr.InvalidFraming, "fu-a header truncated")
		}
		fuIndicator := payload[0]
		fuHeader := payload[1]
		start := fuHeader&0x80 != 0
		end := fuHeader&0x40 != 0
		if start {
			naluHeader := (fuIndicator & 0xE0) | (fuHeader & 0x1F)
			d.fuBuf = append([]byte{naluHeader}, payload[2:]...)
		} else {
			if d.fuBuf == nil {
				return nil, rtcerr.New(rtcerr.ProtocolViolation, "fu-a continuation without start")
			}
			d.fuBuf = append(d.fuBuf, payload[2:]...)
		}
		if end {
			out := d.fuBuf
			d.fuBuf = nil
			return [][]byte{out}, nil
		}
		return nil, nil
	default:
		if t == NALUTypeSEI {
			return nil, nil
		}
		return [][]byte{append([]byte(nil), payload...)}, nil
	}
}

func unmarshalSTAPA(body []byte) ([][]byte, error) {
	var out [][]byte
	off := 0
	for off < len(body) {
		if off+2 > len(body) {
			return nil, rtcerr.New(rtcerr.InvalidFraming, "stap-a size field truncated")
		}
		size := int(body[off])<<8 | int(body[off+1])
		off += 2
		if off+size > len(body) {
			return nil, rtcerr.New(rtcerr.InvalidFraming, "stap-a nalu truncated")
		}
		nalu := body[off : off+size]
		if len(nalu) > 0 && nalType(nalu[0]) != NALUTypeSEI {
			out = append(out, append([]byte(nil), nalu...))
		}
		off += size
	}
	return out, nil
}

// AnnexBStartCode4 is the 4-byte Annex-B start code used when re-framing
// NALUs for a decoder that expects bitstream format.
var AnnexBStartCode4 = []byte{0x00, 0x00, 0x00, 0x01}

// JoinAnnexB re-frames a slice of NALUs with 4-byte Annex-B start codes.
func JoinAnnexB(nalus [][]byte) []byte {
	var buf bytes.Buffer
	for _, n := range nalus {
		buf.Write(AnnexBStartCode4)
		buf.Write(n)
	}
	return buf.Bytes()
}
