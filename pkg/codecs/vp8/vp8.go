// Package vp8 implements the VP8 RTP payload descriptor of RFC 7741,
// packetizing one coded frame into RTP payloads each bounded by
// PACKET_MAX=1300 bytes.
package vp8

import "github.com/arzzra/rtcstack/pkg/rtcerr"

const PacketMax = 1300

// Descriptor is the VP8 payload descriptor (RFC 7741 §4.2).
type Descriptor struct {
	StartOfPartition bool
	PartitionID      uint8 // 0..15
	PictureIDPresent bool
	PictureID        uint16 // 7-bit or 15-bit, MSB flags 15-bit mode
	TL0PICIDXPresent bool
	TL0PICIDX        uint8
	TIDPresent       bool
	TID              uint8
	LayerSync        bool
	KeyIdxPresent    bool
	KeyIdx           uint8
}

// Marshal serializes the descriptor header bytes (not including payload).
func (d Descriptor) Marshal() []byte {
	hasExt := d.PictureIDPresent || d.TL0PICIDXPresent || d.TIDPresent || d.KeyIdxPresent
	b0 := d.PartitionID & 0x0F
	if d.StartOfPartition {
		b0 |= 0x10
	}
	if hasExt {
		b0 |= 0x80
	}
	out := []byte{b0}
	if !hasExt {
		return out
	}
	var ext byte
	if d.PictureIDPresent {
		ext |= 0x80
	}
	if d.TL0PICIDXPresent {
		ext |= 0x40
	}
	if d.TIDPresent {
		ext |= 0x20
	}
	if d.KeyIdxPresent {
		ext |= 0x10
	}
	out = append(out, ext)
	if d.PictureIDPresent {
		if d.PictureID > 0x7F {
			out = append(out, byte(0x80|((d.PictureID>>8)&0x7F)), byte(d.PictureID))
		} else {
			out = append(out, byte(d.PictureID&0x7F))
		}
	}
	if d.TL0PICIDXPresent {
		out = append(out, d.TL0PICIDX)
	}
	if d.TIDPresent || d.KeyIdxPresent {
		var b byte
		if d.TIDPresent {
			b |= (d.TID & 0x3) << 6
			if d.LayerSync {
				b |= 0x20
			}
		}
		if d.KeyIdxPresent {
			b |= d.KeyIdx & 0x1F
		}
		out = append(out, b)
	}
	return out
}

// Unmarshal parses a VP8 payload descriptor from the start of buf,
// returning the descriptor and the number of header bytes consumed.
func Unmarshal(buf []byte) (Descriptor, int, error) {
	if len(buf) < 1 {
		return Descriptor{}, 0, rtcerr.New(rtcerr.InvalidFraming, "empty vp8 payload")
	}
	var d Descriptor
	d.StartOfPartition = buf[0]&0x10 != 0
	d.PartitionID = buf[0] & 0x0F
	hasExt := buf[0]&0x80 != 0
	off := 1
	if !hasExt {
		return d, off, nil
	}
	if len(buf) < 2 {
		return Descriptor{}, 0, rtcerr.New(rtcerr.InvalidFraming, "vp8 extension byte missing")
	}
	ext := buf[1]
	off = 2
	d.PictureIDPresent = ext&0x80 != 0
	d.TL0PICIDXPresent = ext&0x40 != 0
	d.TIDPresent = ext&0x20 != 0
	d.KeyIdxPresent = ext&0x10 != 0

	if d.PictureIDPresent {
		if len(buf) < off+1 {
			return Descriptor{}, 0, rtcerr.New(rtcerr.InvalidFraming, "vp8 picture id missing")
		}
		if buf[off]&0x80 != 0 {
			if len(buf) < off+2 {
				return Descriptor{}, 0, rtcerr.New(rtcerr.InvalidFraming, "vp8 15-bit picture id truncated")
			}
			d.PictureID = (uint16(buf[off]&0x7F) << 8) | uint16(buf[off+1])
			off += 2
		} else {
			d.PictureID = uint16(buf[off] & 0x7F)
			off++
		}
	}
	if d.TL0PICIDXPresent {
		if len(buf) < off+1 {
			return Descriptor{}, 0, rtcerr.New(rtcerr.InvalidFraming, "vp8 tl0picidx missing")
		}
		d.TL0PICIDX = buf[off]
		off++
	}
	if d.TIDPresent || d.KeyIdxPresent {
		if len(buf) < off+1 {
			return Descriptor{}, 0, rtcerr.New(rtcerr.InvalidFraming, "vp8 tid/keyidx byte missing")
		}
		b := buf[off]
		d.TID = (b >> 6) & 0x3
		d.LayerSync = b&0x20 != 0
		d.KeyIdx = b & 0x1F
		off++
	}
	return d, off, nil
}

// Packetizer fragments one VP8 frame into RTP payloads.
type Packetizer struct {
	pictureID uint16
}

// Packetize splits frame into payloads of at most PacketMax bytes,
// incrementing the picture id once per frame modulo 2^15.
func (p *Packetizer) Packetize(frame []byte, maxPayload int) [][]byte {
	if maxPayload <= 0 || maxPayload > PacketMax {
		maxPayload = PacketMax
	}
	var out [][]byte
	for i := 0; i < len(frame) || (len(frame) == 0 && i == 0); {
		d := Descriptor{
			StartOfPartition: i == 0,
			PictureIDPresent: true,
			PictureID:        p.pictureID,
		}
		hdr := d.Marshal()
		budget := maxPayload - len(hdr)
		if budget < 1 {
			budget = 1
		}
		end := i + budget
		if end > len(frame) {
			end = len(frame)
		}
		payload := append(append([]byte(nil), hdr...), frame[i:end]...)
		out = append(out, payload)
		i = end
		if len(frame) == 0 {
			break
		}
	}
	p.pictureID = (p.pictureID + 1) & 0x7FFF
	return out
}

// Depacketizer strips the VP8 payload descriptor from one RTP payload at a
// time; it does not join the payloads of a frame.
type Depacketizer struct{}

// Unpacketize strips the descriptor and returns the remaining payload bytes.
func (Depacketizer) Unpacketize(payload []byte) ([]byte, Descriptor, error) {
	d, n, err := Unmarshal(payload)
	if err != nil {
		return nil, Descriptor{}, err
	}
	return payload[n:], d, nil
}
