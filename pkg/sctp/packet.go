// Package sctp implements a simplified but conformant SCTP association for
// WebRTC data channels, framed inside the DTLS user-data channel of
// pkg/dtlssrtp per RFC 8261 rather than over a socket. Wire format and the
// common chunk header use the same hand-rolled parser style as pkg/rtcp,
// generalized from RTCP's header/TLV shapes to SCTP's (RFC 4960 §3).
package sctp

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/arzzra/rtcstack/pkg/rtcerr"
)

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

const commonHeaderLen = 12

// Header is the 12-byte SCTP common header (RFC 4960 §3.1). Ports are
// fixed placeholders since this association is framed inside DTLS user
// data, not routed by a socket layer.
type Header struct {
	SourcePort      uint16
	DestPort        uint16
	VerificationTag uint32
	Checksum        uint32
}

// Packet is one SCTP packet: a common header followed by one or more
// chunks.
type Packet struct {
	Header Header
	Chunks []Chunk
}

// Chunk is the common interface every concrete chunk type implements,
// mirroring pkg/rtcp.Packet's Marshal/Unmarshal/Type shape.
type Chunk interface {
	ChunkType() uint8
	Marshal() ([]byte, error)
	Unmarshal(value []byte, flags uint8) error
	Flags() uint8
}

// Marshal serializes the packet, computing the CRC32C checksum over the
// whole packet with the checksum field itself zeroed (RFC 4960 §6.8).
func (p *Packet) Marshal() ([]byte, error) {
	var body []byte
	for _, c := range p.Chunks {
		cb, err := marshalChunk(c)
		if err != nil {
			return nil, err
		}
		body = append(body, cb...)
	}
	buf := make([]byte, commonHeaderLen+len(body))
	binary.BigEndian.PutUint16(buf[0:2], p.Header.SourcePort)
	binary.BigEndian.PutUint16(buf[2:4], p.Header.DestPort)
	binary.BigEndian.PutUint32(buf[4:8], p.Header.VerificationTag)
	copy(buf[commonHeaderLen:], body)
	crc := crc32.Checksum(buf, castagnoliTable)
	binary.BigEndian.PutUint32(buf[8:12], crc)
	return buf, nil
}

func marshalChunk(c Chunk) ([]byte, error) {
	value, err := c.Marshal()
	if err != nil {
		return nil, err
	}
	length := 4 + len(value)
	padded := length
	for padded%4 != 0 {
		padded++
	}
	buf := make([]byte, padded)
	buf[0] = c.ChunkType()
	buf[1] = c.Flags()
	binary.BigEndian.PutUint16(buf[2:4], uint16(length))
	copy(buf[4:], value)
	return buf, nil
}

// Unmarshal parses buf into p, verifying the CRC32C checksum and each
// chunk's common header, failing with rtcerr.InvalidFraming on any
// under-length or malformed input.
func (p *Packet) Unmarshal(buf []byte) error {
	if len(buf) < commonHeaderLen {
		return rtcerr.New(rtcerr.InvalidFraming, "sctp packet shorter than common header")
	}
	gotCRC := binary.BigEndian.Uint32(buf[8:12])
	check := make([]byte, len(buf))
	copy(check, buf)
	binary.BigEndian.PutUint32(check[8:12], 0)
	wantCRC := crc32.Checksum(check, castagnoliTable)
	if gotCRC != wantCRC {
		return rtcerr.New(rtcerr.IntegrityFailure, "sctp packet crc32c mismatch")
	}

	p.Header = Header{
		SourcePort:      binary.BigEndian.Uint16(buf[0:2]),
		DestPort:        binary.BigEndian.Uint16(buf[2:4]),
		VerificationTag: binary.BigEndian.Uint32(buf[4:8]),
		Checksum:        gotCRC,
	}

	off := commonHeaderLen
	for off < len(buf) {
		if off+4 > len(buf) {
			return rtcerr.New(rtcerr.InvalidFraming, "sctp chunk header truncated")
		}
		typ := buf[off]
		flags := buf[off+1]
		length := int(binary.BigEndian.Uint16(buf[off+2 : off+4]))
		if length < 4 || off+length > len(buf) {
			return rtcerr.New(rtcerr.InvalidFraming, "sctp chunk length out of range")
		}
		value := buf[off+4 : off+length]
		chunk, err := newChunk(typ)
		if err != nil {
			return err
		}
		if err := chunk.Unmarshal(value, flags); err != nil {
			return err
		}
		p.Chunks = append(p.Chunks, chunk)

		padded := length
		for padded%4 != 0 {
			padded++
		}
		off += padded
	}
	return nil
}
