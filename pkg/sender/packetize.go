package sender

import (
	"github.com/arzzra/rtcstack/pkg/codecs/h264"
	"github.com/arzzra/rtcstack/pkg/codecs/vp8"
	"github.com/arzzra/rtcstack/pkg/codecs/vp9"
)

// Codec selects which payload-format packetizer a Sender runs one coded
// frame through before it is split into RTP payloads.
type Codec string

const (
	CodecNone Codec = ""
	CodecVP8  Codec = "vp8"
	CodecVP9  Codec = "vp9"
	CodecH264 Codec = "h264"
)

// packetizer fragments one coded frame into RTP payloads bounded by
// maxPayload.
type packetizer interface {
	Packetize(frame []byte, maxPayload int) [][]byte
}

func newPacketizer(codec Codec) packetizer {
	switch codec {
	case CodecVP8:
		return &vp8.Packetizer{}
	case CodecVP9:
		return &vp9.Packetizer{}
	case CodecH264:
		return &h264Packetizer{}
	default:
		return nil
	}
}

// h264Packetizer adapts h264.Packetizer's NALU-slice input to the
// raw-Annex-B-frame shape the other codecs take, splitting on start codes
// first.
type h264Packetizer struct {
	p h264.Packetizer
}

func (a *h264Packetizer) Packetize(frame []byte, maxPayload int) [][]byte {
	return a.p.Packetize(h264.SplitAnnexB(frame), maxPayload)
}
