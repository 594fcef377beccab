package receiver

import (
	"github.com/arzzra/rtcstack/pkg/codecs/h264"
	"github.com/arzzra/rtcstack/pkg/codecs/vp8"
	"github.com/arzzra/rtcstack/pkg/codecs/vp9"
)

// Codec selects which payload-format depacketizer a video Receiver runs
// inbound RTP through before handing payloads to the jitter buffer.
type Codec string

const (
	CodecNone Codec = ""
	CodecVP8  Codec = "vp8"
	CodecVP9  Codec = "vp9"
	CodecH264 Codec = "h264"
)

// depacketizedUnit is one payload ready for the jitter buffer, tagged with
// whether it opens a new coded frame ("first-fragment flag").
type depacketizedUnit struct {
	Payload      []byte
	FirstInFrame bool
}

// depacketizer adapts one codec's RTP payload format to the uniform shape
// HandleRTP needs. marker is the RTP packet's marker bit, used by formats
// that don't carry their own frame-start flag.
type depacketizer interface {
	Depacketize(payload []byte, marker bool) []depacketizedUnit
}

func newDepacketizer(codec Codec) depacketizer {
	switch codec {
	case CodecVP8:
		return &vp8Depacketizer{}
	case CodecVP9:
		return &vp9Depacketizer{}
	case CodecH264:
		return &h264Depacketizer{nextStartsFrame: true}
	default:
		return nil
	}
}

// vp8Depacketizer strips the RFC 7741 descriptor; a packet starts a new
// frame iff it is the first packet of the first partition (S=1, PID=0).
type vp8Depacketizer struct {
	d vp8.Depacketizer
}

func (a *vp8Depacketizer) Depacketize(payload []byte, _ bool) []depacketizedUnit {
	data, desc, err := a.d.Unpacketize(payload)
	if err != nil {
		return nil
	}
	first := desc.StartOfPartition && desc.PartitionID == 0
	return []depacketizedUnit{{Payload: data, FirstInFrame: first}}
}

// vp9Depacketizer strips the RFC 9628 descriptor; the descriptor's Begin
// flag marks the first packet of a frame directly.
type vp9Depacketizer struct {
	d vp9.Depacketizer
}

func (a *vp9Depacketizer) Depacketize(payload []byte, _ bool) []depacketizedUnit {
	data, desc, err := a.d.Unpacketize(payload)
	if err != nil {
		return nil
	}
	return []depacketizedUnit{{Payload: data, FirstInFrame: desc.Begin}}
}

// h264Depacketizer reassembles STAP-A/FU-A payloads into complete NALUs
// (RFC 6184) and re-frames them Annex-B style for the jitter buffer. RTP
// payload formats carry no per-packet frame-start flag, so the access-unit
// boundary is tracked from the previous packet's marker bit instead.
type h264Depacketizer struct {
	d               h264.Depacketizer
	nextStartsFrame bool
}

func (a *h264Depacketizer) Depacketize(payload []byte, marker bool) []depacketizedUnit {
	nalus, err := a.d.Unpacketize(payload)
	if err != nil || len(nalus) == 0 {
		return nil
	}
	first := a.nextStartsFrame
	a.nextStartsFrame = marker
	return []depacketizedUnit{{Payload: h264.JoinAnnexB(nalus), FirstInFrame: first}}
}
