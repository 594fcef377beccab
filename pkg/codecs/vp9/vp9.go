// Package vp9 implements the VP9 RTP payload descriptor of RFC 9628: flags
// byte {I,P,L,F,B,E,V,Z}, optional picture id, optional layer indices,
// begin/end fragmentation markers.
package vp9

import "github.com/arzzra/rtcstack/pkg/rtcerr"

const PacketMax = 1300

// Descriptor is the VP9 payload descriptor.
type Descriptor struct {
	PictureIDPresent bool // I
	InterPicPredicted bool // P: 0 for keyframes, 1 otherwise
	LayerIndicesPresent bool // L
	FlexibleMode bool // F
	Begin bool // B
	End bool   // E
	ScalabilityStructurePresent bool // V
	NotReference bool // Z

	PictureID uint16 // wraps at 2^15 (or 2^7 if not MSB-flagged)

	TID uint8
	U   bool
	SID uint8
	D   bool
	TL0PICIDX uint8
}

func (d Descriptor) Marshal() []byte {
	var b0 byte
	if d.PictureIDPresent {
		b0 |= 0x80
	}
	if d.InterPicPredicted {
		b0 |= 0x40
	}
	if d.LayerIndicesPresent {
		b0 |= 0x20
	}
	if d.FlexibleMode {
		b0 |= 0x10
	}
	if d.Begin {
		b0 |= 0x08
	}
	if d.End {
		b0 |= 0x04
	}
	if d.ScalabilityStructurePresent {
		b0 |= 0x02
	}
	if d.NotReference {
		b0 |= 0x01
	}
	out := []byte{b0}
	if d.PictureIDPresent {
		if d.PictureID > 0x7F {
			out = append(out, byte(0x80|((d.PictureID>>8)&0x7F)), byte(d.PictureID))
		} else {
			out = append(out, byte(d.PictureID&0x7F))
		}
	}
	if d.LayerIndicesPresent {
		var lb byte
		lb |= (d.TID & 0x7) << 5
		if d.U {
			lb |= 0x10
		}
		lb |= (d.SID & 0x7) << 1
		if d.D {
			lb |= 0x01
		}
		out = append(out, lb)
		if !d.FlexibleMode {
			out = append(out, d.TL0PICIDX)
		}
	}
	return out
}

func Unmarshal(buf []byte) (Descriptor, int, error) {
	if len(buf) < 1 {
		return Descriptor{}, 0, rtcerr.New(rtcerr.InvalidFraming, "empty vp9 payload")
	}
	var d Descriptor
	b0 := buf[0]
	d.PictureIDPresent = b0&0x80 != 0
	d.InterPicPredicted = b0&0x40 != 0
	d.LayerIndicesPresent = b0&0x20 != 0
	d.FlexibleMode = b0&0x10 != 0
	d.Begin = b0&0x08 != 0
	d.End = b0&0x04 != 0
	d.ScalabilityStructurePresent = b0&0x02 != 0
	d.NotReference = b0&0x01 != 0
	off := 1

	if d.PictureIDPresent {
		if len(buf) < off+1 {
			return Descriptor{}, 0, rtcerr.New(rtcerr.InvalidFraming, "vp9 picture id missing")
		}
		if buf[off]&0x80 != 0 {
			if len(buf) < off+2 {
				return Descriptor{}, 0, rtcerr.New(rtcerr.InvalidFraming, "vp9 15-bit picture id truncated")
			}
			d.PictureID = (uint16(buf[off]&0x7F) << 8) | uint16(buf[off+1])
			off += 2
		} else {
			d.PictureID = uint16(buf[off] & 0x7F)
			off++
		}
	}
	if d.LayerIndicesPresent {
		if len(buf) < off+1 {
			return Descriptor{}, 0, rtcerr.New(rtcerr.InvalidFraming, "vp9 layer byte missing")
		}
		lb := buf[off]
		d.TID = (lb >> 5) & 0x7
		d.U = lb&0x10 != 0
		d.SID = (lb >> 1) & 0x7
		d.D = lb&0x01 != 0
		off++
		if !d.FlexibleMode {
			if len(buf) < off+1 {
				return Descriptor{}, 0, rtcerr.New(rtcerr.InvalidFraming, "vp9 tl0picidx missing")
			}
			d.TL0PICIDX = buf[off]
			off++
		}
	}
	return d, off, nil
}

// Packetizer fragments one VP9 frame into RTP payloads, tracking the
// inter-picture-predicted flag across frames (testable property: P=0 on
// the first/keyframe, P=1 on subsequent frames until a forced keyframe).
type Packetizer struct {
	pictureID   uint16
	sawKeyframe bool
	forceKey    bool
}

// ForceKeyframe resets P to 0 on the next call to Packetize.
func (p *Packetizer) ForceKeyframe() { p.forceKey = true }

func (p *Packetizer) Packetize(frame []byte, maxPayload int) [][]byte {
	if maxPayload <= 0 || maxPayload > PacketMax {
		maxPayload = PacketMax
	}
	interPredicted := p.sawKeyframe && !p.forceKey
	p.sawKeyframe = true
	p.forceKey = false

	var out [][]byte
	for i := 0; i < len(frame) || (len(frame) == 0 && i == 0); {
		budget := maxPayload - 3
		if budget < 1 {
			budget = 1
		}
		end := i + budget
		if end > len(frame) {
			end = len(frame)
		}
		d := Descriptor{
			PictureIDPresent:  true,
			InterPicPredicted: interPredicted,
			Begin:             i == 0,
			End:               end == len(frame),
			PictureID:         p.pictureID,
		}
		hdr := d.Marshal()
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

// Depacketizer strips the VP9 payload descriptor from one RTP payload at a
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
