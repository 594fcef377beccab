package sctp

import (
	"encoding/binary"

	"github.com/arzzra/rtcstack/pkg/rtcerr"
)

// Chunk types (RFC 4960 §3.2, RFC 6525 §3.1).
const (
	ChunkData             = 0
	ChunkInit             = 1
	ChunkInitAck          = 2
	ChunkSack             = 3
	ChunkHeartbeat        = 4
	ChunkHeartbeatAck     = 5
	ChunkAbort            = 6
	ChunkShutdown         = 7
	ChunkShutdownAck      = 8
	ChunkError            = 9
	ChunkCookieEcho       = 10
	ChunkCookieAck        = 11
	ChunkShutdownComplete = 14
	ChunkReconfig         = 130
)

// DATA chunk flags (RFC 4960 §3.3.1).
const (
	dataFlagUnordered = 0x04
	dataFlagBeginning = 0x02
	dataFlagEnding    = 0x01
)

// shutdownCompleteFlagT marks "no TCB" on SHUTDOWN-COMPLETE.
const shutdownCompleteFlagT = 0x01

// Error causes (RFC 4960 §3.3.10).
const (
	CauseStaleCookie = 3
)

// Reconfiguration parameter types (RFC 6525 §4): outgoing-reset (13),
// re-configuration response (16), add-outgoing-streams (17).
const (
	ParamOutgoingReset      = 13
	ParamReconfigResponse   = 16
	ParamAddOutgoingStreams = 17
	// ParamSupportedExtensions (RFC 5061 §4.2.7) advertises extension
	// chunk types, here used by INIT to advertise RECONFIG support.
	ParamSupportedExtensions = 0x8008
)

func newChunk(typ uint8) (Chunk, error) {
	switch typ {
	case ChunkData:
		return &DataChunk{}, nil
	case ChunkInit:
		return &InitChunk{}, nil
	case ChunkInitAck:
		return &InitAckChunk{}, nil
	case ChunkSack:
		return &SackChunk{}, nil
	case ChunkHeartbeat:
		return &HeartbeatChunk{}, nil
	case ChunkHeartbeatAck:
		return &HeartbeatAckChunk{}, nil
	case ChunkAbort:
		return &AbortChunk{}, nil
	case ChunkShutdown:
		return &ShutdownChunk{}, nil
	case ChunkShutdownAck:
		return &ShutdownAckChunk{}, nil
	case ChunkError:
		return &ErrorChunk{}, nil
	case ChunkCookieEcho:
		return &CookieEchoChunk{}, nil
	case ChunkCookieAck:
		return &CookieAckChunk{}, nil
	case ChunkShutdownComplete:
		return &ShutdownCompleteChunk{}, nil
	case ChunkReconfig:
		return &ReconfigChunk{}, nil
	default:
		return nil, rtcerr.New(rtcerr.Unsupported, "unrecognized sctp chunk type")
	}
}

func pad4(b []byte) []byte {
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	return b
}

// DataChunk carries one fragment of user data (RFC 4960 §3.3.1).
type DataChunk struct {
	Unordered bool
	Beginning bool
	Ending    bool
	TSN       uint32
	StreamID  uint16
	StreamSeq uint16
	PPID      uint32
	UserData  []byte
}

func (c *DataChunk) ChunkType() uint8 { return ChunkData }

func (c *DataChunk) Flags() uint8 {
	var f uint8
	if c.Unordered {
		f |= dataFlagUnordered
	}
	if c.Beginning {
		f |= dataFlagBeginning
	}
	if c.Ending {
		f |= dataFlagEnding
	}
	return f
}

func (c *DataChunk) Marshal() ([]byte, error) {
	buf := make([]byte, 12+len(c.UserData))
	binary.BigEndian.PutUint32(buf[0:4], c.TSN)
	binary.BigEndian.PutUint16(buf[4:6], c.StreamID)
	binary.BigEndian.PutUint16(buf[6:8], c.StreamSeq)
	binary.BigEndian.PutUint32(buf[8:12], c.PPID)
	copy(buf[12:], c.UserData)
	return buf, nil
}

func (c *DataChunk) Unmarshal(value []byte, flags uint8) error {
	if len(value) < 12 {
		return rtcerr.New(rtcerr.InvalidFraming, "data chunk shorter than 12 bytes")
	}
	c.Unordered = flags&dataFlagUnordered != 0
	c.Beginning = flags&dataFlagBeginning != 0
	c.Ending = flags&dataFlagEnding != 0
	c.TSN = binary.BigEndian.Uint32(value[0:4])
	c.StreamID = binary.BigEndian.Uint16(value[4:6])
	c.StreamSeq = binary.BigEndian.Uint16(value[6:8])
	c.PPID = binary.BigEndian.Uint32(value[8:12])
	c.UserData = append([]byte(nil), value[12:]...)
	return nil
}

// param is one generic TLV parameter shared by INIT/INIT-ACK/RECONFIG.
type param struct {
	Type  uint16
	Value []byte
}

func marshalParams(params []param) []byte {
	var out []byte
	for _, p := range params {
		h := make([]byte, 4)
		binary.BigEndian.PutUint16(h[0:2], p.Type)
		binary.BigEndian.PutUint16(h[2:4], uint16(4+len(p.Value)))
		out = append(out, h...)
		out = append(out, p.Value...)
		out = pad4(out)
	}
	return out
}

func parseParams(buf []byte) ([]param, error) {
	var out []param
	off := 0
	for off < len(buf) {
		if off+4 > len(buf) {
			return nil, rtcerr.New(rtcerr.InvalidFraming, "sctp parameter header truncated")
		}
		typ := binary.BigEndian.Uint16(buf[off : off+2])
		length := int(binary.BigEndian.Uint16(buf[off+2 : off+4]))
		if length < 4 || off+length > len(buf) {
			return nil, rtcerr.New(rtcerr.InvalidFraming, "sctp parameter length out of range")
		}
		out = append(out, param{Type: typ, Value: buf[off+4 : off+length]})
		padded := length
		for padded%4 != 0 {
			padded++
		}
		off += padded
	}
	return out, nil
}

func findParam(params []param, typ uint16) (param, bool) {
	for _, p := range params {
		if p.Type == typ {
			return p, true
		}
	}
	return param{}, false
}

// InitChunk is RFC 4960 §3.3.2.
type InitChunk struct {
	InitiateTag     uint32
	AdvertisedRwnd  uint32
	OutboundStreams uint16
	InboundStreams  uint16
	InitialTSN      uint32
	SupportsReconfig bool
}

func (c *InitChunk) ChunkType() uint8 { return ChunkInit }
func (c *InitChunk) Flags() uint8     { return 0 }

func (c *InitChunk) Marshal() ([]byte, error) {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint32(buf[0:4], c.InitiateTag)
	binary.BigEndian.PutUint32(buf[4:8], c.AdvertisedRwnd)
	binary.BigEndian.PutUint16(buf[8:10], c.OutboundStreams)
	binary.BigEndian.PutUint16(buf[10:12], c.InboundStreams)
	binary.BigEndian.PutUint32(buf[12:16], c.InitialTSN)
	var params []param
	if c.SupportsReconfig {
		params = append(params, param{Type: ParamSupportedExtensions, Value: []byte{ChunkReconfig}})
	}
	buf = append(buf, marshalParams(params)...)
	return buf, nil
}

func (c *InitChunk) Unmarshal(value []byte, _ uint8) error {
	if len(value) < 16 {
		return rtcerr.New(rtcerr.InvalidFraming, "init chunk shorter than 16 bytes")
	}
	c.InitiateTag = binary.BigEndian.Uint32(value[0:4])
	c.AdvertisedRwnd = binary.BigEndian.Uint32(value[4:8])
	c.OutboundStreams = binary.BigEndian.Uint16(value[8:10])
	c.InboundStreams = binary.BigEndian.Uint16(value[10:12])
	c.InitialTSN = binary.BigEndian.Uint32(value[12:16])
	params, err := parseParams(value[16:])
	if err != nil {
		return err
	}
	if p, ok := findParam(params, ParamSupportedExtensions); ok {
		for _, b := range p.Value {
			if b == ChunkReconfig {
				c.SupportsReconfig = true
			}
		}
	}
	return nil
}

// InitAckChunk is RFC 4960 §3.3.3, carrying the mandatory STATE-COOKIE
// parameter (type 7).
type InitAckChunk struct {
	InitiateTag      uint32
	AdvertisedRwnd   uint32
	OutboundStreams  uint16
	InboundStreams   uint16
	InitialTSN       uint32
	StateCookie      []byte
	SupportsReconfig bool
}

const paramStateCookie = 7

func (c *InitAckChunk) ChunkType() uint8 { return ChunkInitAck }
func (c *InitAckChunk) Flags() uint8     { return 0 }

func (c *InitAckChunk) Marshal() ([]byte, error) {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint32(buf[0:4], c.InitiateTag)
	binary.BigEndian.PutUint32(buf[4:8], c.AdvertisedRwnd)
	binary.BigEndian.PutUint16(buf[8:10], c.OutboundStreams)
	binary.BigEndian.PutUint16(buf[10:12], c.InboundStreams)
	binary.BigEndian.PutUint32(buf[12:16], c.InitialTSN)
	params := []param{{Type: paramStateCookie, Value: c.StateCookie}}
	if c.SupportsReconfig {
		params = append(params, param{Type: ParamSupportedExtensions, Value: []byte{ChunkReconfig}})
	}
	buf = append(buf, marshalParams(params)...)
	return buf, nil
}

func (c *InitAckChunk) Unmarshal(value []byte, _ uint8) error {
	if len(value) < 16 {
		return rtcerr.New(rtcerr.InvalidFraming, "init-ack chunk shorter than 16 bytes")
	}
	c.InitiateTag = binary.BigEndian.Uint32(value[0:4])
	c.AdvertisedRwnd = binary.BigEndian.Uint32(value[4:8])
	c.OutboundStreams = binary.BigEndian.Uint16(value[8:10])
	c.InboundStreams = binary.BigEndian.Uint16(value[10:12])
	c.InitialTSN = binary.BigEndian.Uint32(value[12:16])
	params, err := parseParams(value[16:])
	if err != nil {
		return err
	}
	if p, ok := findParam(params, paramStateCookie); ok {
		c.StateCookie = append([]byte(nil), p.Value...)
	}
	if p, ok := findParam(params, ParamSupportedExtensions); ok {
		for _, b := range p.Value {
			if b == ChunkReconfig {
				c.SupportsReconfig = true
			}
		}
	}
	return nil
}

// GapAckBlock is one (start, end) relative-offset pair in a SACK (RFC 4960
// §3.3.4).
type GapAckBlock struct {
	Start uint16
	End   uint16
}

// SackChunk is RFC 4960 §3.3.4.
type SackChunk struct {
	CumulativeTSNAck uint32
	AdvertisedRwnd   uint32
	GapAckBlocks     []GapAckBlock
	DuplicateTSNs    []uint32
}

func (c *SackChunk) ChunkType() uint8 { return ChunkSack }
func (c *SackChunk) Flags() uint8     { return 0 }

func (c *SackChunk) Marshal() ([]byte, error) {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], c.CumulativeTSNAck)
	binary.BigEndian.PutUint32(buf[4:8], c.AdvertisedRwnd)
	binary.BigEndian.PutUint16(buf[8:10], uint16(len(c.GapAckBlocks)))
	binary.BigEndian.PutUint16(buf[10:12], uint16(len(c.DuplicateTSNs)))
	for _, g := range c.GapAckBlocks {
		gb := make([]byte, 4)
		binary.BigEndian.PutUint16(gb[0:2], g.Start)
		binary.BigEndian.PutUint16(gb[2:4], g.End)
		buf = append(buf, gb...)
	}
	for _, d := range c.DuplicateTSNs {
		db := make([]byte, 4)
		binary.BigEndian.PutUint32(db, d)
		buf = append(buf, db...)
	}
	return buf, nil
}

func (c *SackChunk) Unmarshal(value []byte, _ uint8) error {
	if len(value) < 12 {
		return rtcerr.New(rtcerr.InvalidFraming, "sack chunk shorter than 12 bytes")
	}
	c.CumulativeTSNAck = binary.BigEndian.Uint32(value[0:4])
	c.AdvertisedRwnd = binary.BigEndian.Uint32(value[4:8])
	numGap := int(binary.BigEndian.Uint16(value[8:10]))
	numDup := int(binary.BigEndian.Uint16(value[10:12]))
	off := 12
	for i := 0; i < numGap; i++ {
		if off+4 > len(value) {
			return rtcerr.New(rtcerr.InvalidFraming, "sack gap ack blocks truncated")
		}
		c.GapAckBlocks = append(c.GapAckBlocks, GapAckBlock{
			Start: binary.BigEndian.Uint16(value[off : off+2]),
			End:   binary.BigEndian.Uint16(value[off+2 : off+4]),
		})
		off += 4
	}
	for i := 0; i < numDup; i++ {
		if off+4 > len(value) {
			return rtcerr.New(rtcerr.InvalidFraming, "sack duplicate tsns truncated")
		}
		c.DuplicateTSNs = append(c.DuplicateTSNs, binary.BigEndian.Uint32(value[off:off+4]))
		off += 4
	}
	return nil
}

// HeartbeatChunk/HeartbeatAckChunk echo an opaque sender-supplied info
// parameter (RFC 4960 §3.3.5/6).
const paramHeartbeatInfo = 1

type HeartbeatChunk struct{ Info []byte }

func (c *HeartbeatChunk) ChunkType() uint8 { return ChunkHeartbeat }
func (c *HeartbeatChunk) Flags() uint8     { return 0 }
func (c *HeartbeatChunk) Marshal() ([]byte, error) {
	return marshalParams([]param{{Type: paramHeartbeatInfo, Value: c.Info}}), nil
}
func (c *HeartbeatChunk) Unmarshal(value []byte, _ uint8) error {
	params, err := parseParams(value)
	if err != nil {
		return err
	}
	if p, ok := findParam(params, paramHeartbeatInfo); ok {
		c.Info = append([]byte(nil), p.Value...)
	}
	return nil
}

type HeartbeatAckChunk struct{ Info []byte }

func (c *HeartbeatAckChunk) ChunkType() uint8 { return ChunkHeartbeatAck }
func (c *HeartbeatAckChunk) Flags() uint8     { return 0 }
func (c *HeartbeatAckChunk) Marshal() ([]byte, error) {
	return marshalParams([]param{{Type: paramHeartbeatInfo, Value: c.Info}}), nil
}
func (c *HeartbeatAckChunk) Unmarshal(value []byte, _ uint8) error {
	params, err := parseParams(value)
	if err != nil {
		return err
	}
	if p, ok := findParam(params, paramHeartbeatInfo); ok {
		c.Info = append([]byte(nil), p.Value...)
	}
	return nil
}

// AbortChunk is RFC 4960 §3.3.7: immediate, ungraceful termination.
type AbortChunk struct {
	Reason string
}

func (c *AbortChunk) ChunkType() uint8 { return ChunkAbort }
func (c *AbortChunk) Flags() uint8     { return 0 }
func (c *AbortChunk) Marshal() ([]byte, error) {
	return []byte(c.Reason), nil
}
func (c *AbortChunk) Unmarshal(value []byte, _ uint8) error {
	c.Reason = string(value)
	return nil
}

// ShutdownChunk is RFC 4960 §3.3.8.
type ShutdownChunk struct {
	CumulativeTSNAck uint32
}

func (c *ShutdownChunk) ChunkType() uint8 { return ChunkShutdown }
func (c *ShutdownChunk) Flags() uint8     { return 0 }
func (c *ShutdownChunk) Marshal() ([]byte, error) {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, c.CumulativeTSNAck)
	return buf, nil
}
func (c *ShutdownChunk) Unmarshal(value []byte, _ uint8) error {
	if len(value) < 4 {
		return rtcerr.New(rtcerr.InvalidFraming, "shutdown chunk shorter than 4 bytes")
	}
	c.CumulativeTSNAck = binary.BigEndian.Uint32(value[0:4])
	return nil
}

// ShutdownAckChunk is RFC 4960 §3.3.9: no value fields.
type ShutdownAckChunk struct{}

func (c *ShutdownAckChunk) ChunkType() uint8                    { return ChunkShutdownAck }
func (c *ShutdownAckChunk) Flags() uint8                        { return 0 }
func (c *ShutdownAckChunk) Marshal() ([]byte, error)            { return nil, nil }
func (c *ShutdownAckChunk) Unmarshal(_ []byte, _ uint8) error   { return nil }

// ErrorChunk is RFC 4960 §3.3.10, carrying one or more error causes; this
// module only needs STALE_COOKIE.
type ErrorChunk struct {
	Cause            uint16
	StalenessMs      uint32
	hasStalenessInfo bool
}

func (c *ErrorChunk) ChunkType() uint8 { return ChunkError }
func (c *ErrorChunk) Flags() uint8     { return 0 }

func (c *ErrorChunk) Marshal() ([]byte, error) {
	var info []byte
	if c.hasStalenessInfo {
		info = make([]byte, 4)
		binary.BigEndian.PutUint32(info, c.StalenessMs)
	}
	h := make([]byte, 4)
	binary.BigEndian.PutUint16(h[0:2], c.Cause)
	binary.BigEndian.PutUint16(h[2:4], uint16(4+len(info)))
	out := append(h, info...)
	return pad4(out), nil
}

func (c *ErrorChunk) Unmarshal(value []byte, _ uint8) error {
	if len(value) < 4 {
		return rtcerr.New(rtcerr.InvalidFraming, "error chunk shorter than 4 bytes")
	}
	c.Cause = binary.BigEndian.Uint16(value[0:2])
	length := int(binary.BigEndian.Uint16(value[2:4]))
	if length < 4 || length > len(value) {
		return rtcerr.New(rtcerr.InvalidFraming, "error cause length out of range")
	}
	if c.Cause == CauseStaleCookie && length >= 8 {
		c.StalenessMs = binary.BigEndian.Uint32(value[4:8])
		c.hasStalenessInfo = true
	}
	return nil
}

// NewStaleCookieError builds the ERROR(STALE_COOKIE) chunk sent when a
// COOKIE-ECHO arrives past the cookie's lifetime.
func NewStaleCookieError(stalenessMs uint32) *ErrorChunk {
	return &ErrorChunk{Cause: CauseStaleCookie, StalenessMs: stalenessMs, hasStalenessInfo: true}
}

// CookieEchoChunk is RFC 4960 §3.3.11: the opaque state cookie echoed back.
type CookieEchoChunk struct {
	Cookie []byte
}

func (c *CookieEchoChunk) ChunkType() uint8 { return ChunkCookieEcho }
func (c *CookieEchoChunk) Flags() uint8     { return 0 }
func (c *CookieEchoChunk) Marshal() ([]byte, error) {
	return c.Cookie, nil
}
func (c *CookieEchoChunk) Unmarshal(value []byte, _ uint8) error {
	c.Cookie = append([]byte(nil), value...)
	return nil
}

// CookieAckChunk is RFC 4960 §3.3.12: no value fields.
type CookieAckChunk struct{}

func (c *CookieAckChunk) ChunkType() uint8                  { return ChunkCookieAck }
func (c *CookieAckChunk) Flags() uint8                      { return 0 }
func (c *CookieAckChunk) Marshal() ([]byte, error)          { return nil, nil }
func (c *CookieAckChunk) Unmarshal(_ []byte, _ uint8) error { return nil }

// ShutdownCompleteChunk is RFC 4960 §3.3.13.
type ShutdownCompleteChunk struct {
	NoTCB bool
}

func (c *ShutdownCompleteChunk) ChunkType() uint8 { return ChunkShutdownComplete }
func (c *ShutdownCompleteChunk) Flags() uint8 {
	if c.NoTCB {
		return shutdownCompleteFlagT
	}
	return 0
}
func (c *ShutdownCompleteChunk) Marshal() ([]byte, error) { return nil, nil }
func (c *ShutdownCompleteChunk) Unmarshal(_ []byte, flags uint8) error {
	c.NoTCB = flags&shutdownCompleteFlagT != 0
	return nil
}

// OutgoingResetRequest is RFC 6525 §4.1's Outgoing SSN Reset Request
// Parameter (type 13).
type OutgoingResetRequest struct {
	RequestSeq     uint32
	ResponseSeq    uint32
	LastAssignedTSN uint32
	StreamIDs      []uint16
}

// ReconfigResponse is RFC 6525 §4.4's Re-configuration Response Parameter
// (type 16).
type ReconfigResponse struct {
	RequestSeq uint32
	Result     uint32
}

// Reconfiguration result codes (RFC 6525 §4.4).
const (
	ReconfigResultSuccess = 1
)

// ReconfigChunk is RFC 6525 §3.1 (chunk type 130): carries one or two
// stream-reconfiguration parameters.
type ReconfigChunk struct {
	OutgoingReset *OutgoingResetRequest
	Response      *ReconfigResponse
}

func (c *ReconfigChunk) ChunkType() uint8 { return ChunkReconfig }
func (c *ReconfigChunk) Flags() uint8     { return 0 }

func (c *ReconfigChunk) Marshal() ([]byte, error) {
	var params []param
	if c.OutgoingReset != nil {
		r := c.OutgoingReset
		v := make([]byte, 12)
		binary.BigEndian.PutUint32(v[0:4], r.RequestSeq)
		binary.BigEndian.PutUint32(v[4:8], r.ResponseSeq)
		binary.BigEndian.PutUint32(v[8:12], r.LastAssignedTSN)
		for _, id := range r.StreamIDs {
			b := make([]byte, 2)
			binary.BigEndian.PutUint16(b, id)
			v = append(v, b...)
		}
		params = append(params, param{Type: ParamOutgoingReset, Value: v})
	}
	if c.Response != nil {
		v := make([]byte, 8)
		binary.BigEndian.PutUint32(v[0:4], c.Response.RequestSeq)
		binary.BigEndian.PutUint32(v[4:8], c.Response.Result)
		params = append(params, param{Type: ParamReconfigResponse, Value: v})
	}
	return marshalParams(params), nil
}

func (c *ReconfigChunk) Unmarshal(value []byte, _ uint8) error {
	params, err := parseParams(value)
	if err != nil {
		return err
	}
	for _, p := range params {
		switch p.Type {
		case ParamOutgoingReset:
			if len(p.Value) < 12 {
				return rtcerr.New(rtcerr.InvalidFraming, "outgoing-reset parameter shorter than 12 bytes")
			}
			r := &OutgoingResetRequest{
				RequestSeq:      binary.BigEndian.Uint32(p.Value[0:4]),
				ResponseSeq:     binary.BigEndian.Uint32(p.Value[4:8]),
				LastAssignedTSN: binary.BigEndian.Uint32(p.Value[8:12]),
			}
			for off := 12; off+2 <= len(p.Value); off += 2 {
				r.StreamIDs = append(r.StreamIDs, binary.BigEndian.Uint16(p.Value[off:off+2]))
			}
			c.OutgoingReset = r
		case ParamReconfigResponse:
			if len(p.Value) < 8 {
				return rtcerr.New(rtcerr.InvalidFraming, "reconfig-response parameter shorter than 8 bytes")
			}
			c.Response = &ReconfigResponse{
				RequestSeq: binary.BigEndian.Uint32(p.Value[0:4]),
				Result:     binary.BigEndian.Uint32(p.Value[4:8]),
			}
		}
	}
	return nil
}
