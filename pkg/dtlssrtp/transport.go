// Package dtlssrtp implements the DTLS-SRTP transport: a single duplex
// byte channel multiplexing DTLS handshake records, SRTP media, SRTCP
// feedback, and opaque SCTP user data. The keying and first-byte demultiplex
// logic follows the same pattern pion/webrtc's internal network manager
// uses (startDTLS/startSRTP/handleSRTP/handleSRTCP).
//
// receiveLoop is the sole reader of the wire connection. It classifies each
// datagram by first byte and either decrypts it inline (SRTP/SRTCP) or
// pushes it onto a demuxEndpoint, a net.Conn-shaped adapter mirroring
// network.Manager's mux.Endpoint; pion/dtls reads and writes through that
// endpoint for the handshake and for all subsequent SCTP user data, while
// dtlsReadLoop is the sole reader of the resulting dtlsConn and delivers
// decrypted application data to onData.
package dtlssrtp

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"
	"github.com/pion/dtls/v2"
	"github.com/pion/srtp/v2"

	"github.com/arzzra/rtcstack/pkg/bwe"
	"github.com/arzzra/rtcstack/pkg/rtcerr"
	"github.com/arzzra/rtcstack/pkg/rtcp"
	"github.com/arzzra/rtcstack/pkg/rtp"
)

const (
	srtpMasterKeyLen     = 16
	srtpMasterKeySaltLen = 14
	srtpReplayWindow     = 1024
	receiveMTU           = 8192
	exporterLabel        = "EXTRACTOR-dtls_srtp"
)

// Role is the transport's DTLS role, derived from the ICE controlling
// role: server if ICE-controlling, client otherwise.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// Config configures the DTLS-SRTP multiplexed transport.
type Config struct {
	Certificates       []tls.Certificate
	RemoteFingerprints []string // hex SHA-256, matched case-insensitively
	Role               Role
	InsecureSkipVerify bool
	HandshakeTimeout   time.Duration

	// AbsSendTimeExtID is the RTP header-extension id carrying abs-send-time
	// on inbound media. When non-zero the transport runs the bandwidth
	// estimator over every decrypted inbound RTP packet and
	// reports estimates back to the sending peer as REMB.
	AbsSendTimeExtID uint8
}

// State is the transport state machine: new -> connecting ->
// connected -> {closed | failed}.
type State string

const (
	StateNew        State = "new"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateClosed     State = "closed"
	StateFailed     State = "failed"
)

// StateChangeHandler is invoked on every transition ("Emits
// statechange on every transition").
type StateChangeHandler func(State)

// Counters tracks bytes/packets per direction for the stats report.
type Counters struct {
	BytesSent     uint64
	BytesReceived uint64
	PacketsSent   uint64
	PacketsReceived uint64
}

// Transport is the DTLS-SRTP transport
type Transport struct {
	cfg  Config
	conn net.Conn

	fsm *fsm.FSM

	dtlsEndpoint *demuxEndpoint
	dtlsConn     *dtls.Conn

	inboundCtx  *srtp.Context
	outboundCtx *srtp.Context

	onRTP  func([]byte)
	onRTCP func([]byte)
	onData func([]byte)
	onStateChange StateChangeHandler

	bweCtrl   *bwe.Controller
	startTime time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	counters Counters
	closed   int32
}

// New constructs a transport bound to an already-connected datagram
// connection (ICE negotiation is out of scope; conn is assumed ready).
func New(conn net.Conn, cfg Config) *Transport {
	t := &Transport{cfg: cfg, conn: conn, startTime: time.Now()}
	if cfg.AbsSendTimeExtID != 0 {
		t.bweCtrl = bwe.NewController(bwe.DefaultConfig(), 300000)
	}
	t.fsm = fsm.NewFSM(string(StateNew),
		fsm.Events{
			{Name: "start", Src: []string{string(StateNew)}, Dst: string(StateConnecting)},
			{Name: "connect", Src: []string{string(StateConnecting)}, Dst: string(StateConnected)},
			{Name: "fail", Src: []string{string(StateNew), string(StateConnecting), string(StateConnected)}, Dst: string(StateFailed)},
			{Name: "close", Src: []string{string(StateNew), string(StateConnecting), string(StateConnected), string(StateFailed)}, Dst: string(StateClosed)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				if t.onStateChange != nil {
					t.onStateChange(State(e.Dst))
				}
			},
		},
	)
	t.ctx, t.cancel = context.WithCancel(context.Background())
	return t
}

// OnRTP registers the callback invoked with each unprotected RTP payload.
func (t *Transport) OnRTP(f func([]byte)) { t.onRTP = f }

// OnRTCP registers the callback invoked with each unprotected RTCP payload.
func (t *Transport) OnRTCP(f func([]byte)) { t.onRTCP = f }

// OnData registers the callback invoked with each SCTP user-data payload.
func (t *Transport) OnData(f func([]byte)) { t.onData = f }

// OnStateChange registers the state-change callback.
func (t *Transport) OnStateChange(f StateChangeHandler) { t.onStateChange = f }

func (t *Transport) State() State { return State(t.fsm.Current()) }

// Start runs the DTLS handshake and, on success, the SRTP keying and the
// receive loops. The raw-datagram receive loop is started before the
// handshake so that DTLS records classified off the wire have somewhere to
// land: pion/dtls blocks reading its own conn for ClientHello/ServerHello
// before Server/Client returns.
func (t *Transport) Start(ctx context.Context) error {
	_ = t.fsm.Event(ctx, "start")

	t.dtlsEndpoint = newDemuxEndpoint(t.conn)
	t.wg.Add(1)
	go t.receiveLoop()

	dtlsConfig := &dtls.Config{
		Certificates:         t.cfg.Certificates,
		InsecureSkipVerify:   t.cfg.InsecureSkipVerify,
		ConnectContextMaker: func() (context.Context, func()) {
			return context.WithTimeout(ctx, t.handshakeTimeout())
		},
		VerifyPeerCertificate: t.verifyFingerprint,
	}

	var dtlsConn *dtls.Conn
	var err error
	if t.cfg.Role == RoleServer {
		dtlsConn, err = dtls.Server(t.dtlsEndpoint, dtlsConfig)
	} else {
		dtlsConn, err = dtls.Client(t.dtlsEndpoint, dtlsConfig)
	}
	if err != nil {
		_ = t.fsm.Event(ctx, "fail")
		return rtcerr.Wrap(rtcerr.Timeout, "dtls handshake failed", err)
	}
	t.dtlsConn = dtlsConn

	if err := t.startSRTP(); err != nil {
		_ = t.fsm.Event(ctx, "fail")
		return err
	}

	_ = t.fsm.Event(ctx, "connect")
	t.wg.Add(1)
	go t.dtlsReadLoop()
	return nil
}

func (t *Transport) handshakeTimeout() time.Duration {
	if t.cfg.HandshakeTimeout > 0 {
		return t.cfg.HandshakeTimeout
	}
	return 30 * time.Second
}

// verifyFingerprint checks the peer certificate's SHA-256 fingerprint
// against the declared list, case-insensitively.
func (t *Transport) verifyFingerprint(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(t.cfg.RemoteFingerprints) == 0 {
		return nil // negotiation layer didn't supply one; nothing to check
	}
	for _, raw := range rawCerts {
		sum := sha256.Sum256(raw)
		hexFp := hexDigits(sum[:])
		for _, want := range t.cfg.RemoteFingerprints {
			if strings.EqualFold(hexFp, strings.ReplaceAll(want, ":", "")) {
				return nil
			}
		}
	}
	return fmt.Errorf("dtls peer certificate fingerprint mismatch")
}

func hexDigits(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hextable[v>>4]
		out[i*2+1] = hextable[v&0x0F]
	}
	return string(out)
}

// startSRTP derives SRTP keying material via the DTLS exporter and builds
// the inbound/outbound SRTP+SRTCP sessions.
func (t *Transport) startSRTP() error {
	material, err := t.dtlsConn.ExportKeyingMaterial(exporterLabel, nil, 2*(srtpMasterKeyLen+srtpMasterKeySaltLen))
	if err != nil {
		return rtcerr.Wrap(rtcerr.IntegrityFailure, "srtp keying material export failed", err)
	}

	offset := 0
	clientWriteKey := append([]byte{}, material[offset:offset+srtpMasterKeyLen]...)
	offset += srtpMasterKeyLen
	serverWriteKey := append([]byte{}, material[offset:offset+srtpMasterKeyLen]...)
	offset += srtpMasterKeyLen
	clientWriteSalt := material[offset : offset+srtpMasterKeySaltLen]
	offset += srtpMasterKeySaltLen
	serverWriteSalt := material[offset : offset+srtpMasterKeySaltLen]

	clientWriteKey = append(clientWriteKey, clientWriteSalt...)
	serverWriteKey = append(serverWriteKey, serverWriteSalt...)

	var readKey, writeKey []byte
	if t.cfg.Role == RoleServer {
		readKey, writeKey = clientWriteKey, serverWriteKey
	} else {
		readKey, writeKey = serverWriteKey, clientWriteKey
	}

	inboundCtx, err := srtp.CreateContext(readKey[:srtpMasterKeyLen], readKey[srtpMasterKeyLen:], srtp.ProtectionProfileAes128CmHmacSha1_80)
	if err != nil {
		return rtcerr.Wrap(rtcerr.IntegrityFailure, "srtp inbound context", err)
	}
	outboundCtx, err := srtp.CreateContext(writeKey[:srtpMasterKeyLen], writeKey[srtpMasterKeyLen:], srtp.ProtectionProfileAes128CmHmacSha1_80)
	if err != nil {
		return rtcerr.Wrap(rtcerr.IntegrityFailure, "srtp outbound context", err)
	}
	t.inboundCtx = inboundCtx
	t.outboundCtx = outboundCtx
	return nil
}

// receiveLoop reads datagrams from the underlying connection and
// demultiplexes by first byte.
func (t *Transport) receiveLoop() {
	defer t.wg.Done()
	buf := make([]byte, receiveMTU)
	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}
		n, err := t.conn.Read(buf)
		if err != nil {
			t.handleDisconnect()
			return
		}
		t.mu.Lock()
		t.counters.BytesReceived += uint64(n)
		t.counters.PacketsReceived++
		t.mu.Unlock()
		t.dispatch(append([]byte(nil), buf[:n]...))
	}
}

func (t *Transport) dispatch(data []byte) {
	if len(data) == 0 {
		return
	}
	b := data[0]
	switch {
	case b >= 20 && b <= 63:
		// DTLS record (RFC 7983 §7): hand it to pion/dtls's own Read loop
		// via the demux endpoint rather than reading t.conn directly, since
		// dtlsConn owns its own record parsing and retransmit timers.
		if t.dtlsEndpoint != nil {
			t.dtlsEndpoint.push(data)
		}
	case b >= 128 && b <= 191:
		if len(data) >= 2 && data[1] >= 192 && data[1] <= 223 {
			t.handleSRTCP(data)
		} else {
			t.handleSRTP(data)
		}
	default:
		// STUN or other ICE traffic: not this transport's concern.
	}
}

func (t *Transport) handleSRTP(data []byte) {
	if t.inboundCtx == nil {
		return // keying not complete yet; a peer racing ahead of us is dropped
	}
	plain, err := t.inboundCtx.DecryptRTP(nil, data, nil)
	if err != nil {
		return // IntegrityFailure on SRTP is silently dropped
	}
	if t.bweCtrl != nil {
		t.feedBandwidthEstimator(plain)
	}
	if t.onRTP != nil {
		t.onRTP(plain)
	}
}

// feedBandwidthEstimator derives (send time in ms decoded from abs-send-time,
// arrival_time_ms, payload_size, ssrc) from one decrypted inbound RTP packet and runs it
// through the inter-arrival/overuse/AIMD chain. Whenever the
// controller emits a new estimate it is reported back to the sending peer
// as REMB so that peer's sender can push target_bitrate to its encoder.
func (t *Transport) feedBandwidthEstimator(plain []byte) {
	var p rtp.Packet
	if err := p.Unmarshal(plain); err != nil {
		return
	}
	ext, ok := p.Header.FindExtension(t.cfg.AbsSendTimeExtID)
	if !ok || len(ext) < 3 {
		return
	}
	raw24 := uint32(ext[0])<<16 | uint32(ext[1])<<8 | uint32(ext[2])
	sample := bwe.ArrivalSample{
		SendTimeMs24:  uint32(uint64(raw24) * 1000 >> 18), // 6.18 fixed-point seconds to ms
		ArrivalTimeMs: time.Since(t.startTime).Milliseconds(),
		Size:          len(plain),
		SSRC:          p.Header.SSRC,
	}
	est, ok := t.bweCtrl.OnPacket(sample)
	if !ok {
		return
	}
	remb := &rtcp.REMB{BitrateBps: uint64(est.CurrentBitrateBps), SSRCs: []uint32{p.Header.SSRC}}
	buf, err := remb.Marshal()
	if err != nil {
		return
	}
	_ = t.SendRTCP(buf)
}

func (t *Transport) handleSRTCP(data []byte) {
	if t.inboundCtx == nil {
		return
	}
	plain, err := t.inboundCtx.DecryptRTCP(nil, data, nil)
	if err != nil {
		return
	}
	if t.onRTCP != nil {
		t.onRTCP(plain)
	}
}

// dtlsReadLoop delivers decrypted DTLS application data — SCTP user data in
// this stack — to onData. This is the sole reader of dtlsConn;
// pion/dtls manages its own record layer underneath via dtlsEndpoint.
func (t *Transport) dtlsReadLoop() {
	defer t.wg.Done()
	buf := make([]byte, receiveMTU)
	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}
		n, err := t.dtlsConn.Read(buf)
		if err != nil {
			t.handleDisconnect()
			return
		}
		if t.onData != nil {
			t.onData(append([]byte(nil), buf[:n]...))
		}
	}
}

func (t *Transport) handleDisconnect() {
	if atomic.CompareAndSwapInt32(&t.closed, 0, 1) {
		if t.dtlsEndpoint != nil {
			_ = t.dtlsEndpoint.Close()
		}
		_ = t.fsm.Event(context.Background(), "fail")
	}
}

// SendRTP protects and writes one RTP packet.
func (t *Transport) SendRTP(plain []byte) error {
	if t.State() != StateConnected {
		return rtcerr.New(rtcerr.NotConnected, "send_rtp on non-connected transport")
	}
	out, err := t.outboundCtx.EncryptRTP(nil, plain, nil)
	if err != nil {
		return rtcerr.Wrap(rtcerr.IntegrityFailure, "srtp protect failed", err)
	}
	return t.write(out)
}

// SendRTCP protects and writes one RTCP packet.
func (t *Transport) SendRTCP(plain []byte) error {
	if t.State() != StateConnected {
		return rtcerr.New(rtcerr.NotConnected, "send_rtcp on non-connected transport")
	}
	out, err := t.outboundCtx.EncryptRTCP(nil, plain, nil)
	if err != nil {
		return rtcerr.Wrap(rtcerr.IntegrityFailure, "srtcp protect failed", err)
	}
	return t.write(out)
}

// SendData writes an opaque SCTP user-data PDU over the DTLS connection
// directly, ("exchanged via the DTLS send_data/handle_data
// methods, not sockets").
func (t *Transport) SendData(data []byte) error {
	if t.State() != StateConnected {
		return rtcerr.New(rtcerr.NotConnected, "send_data on non-connected transport")
	}
	_, err := t.dtlsConn.Write(data)
	return err
}

func (t *Transport) write(b []byte) error {
	n, err := t.conn.Write(b)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.counters.BytesSent += uint64(n)
	t.counters.PacketsSent++
	t.mu.Unlock()
	return nil
}

// Close transitions to closed, cancels the receive loops, closes the DTLS
// connection and waits for the loops to exit. The SRTP contexts are not
// released; SendRTP and SendRTCP fail with NotConnected once the state is
// closed.
func (t *Transport) Close() error {
	if !atomic.CompareAndSwapInt32(&t.closed, 0, 1) {
		return nil
	}
	t.cancel()
	_ = t.fsm.Event(context.Background(), "close")
	if t.dtlsConn != nil {
		_ = t.dtlsConn.Close()
	}
	if t.dtlsEndpoint != nil {
		_ = t.dtlsEndpoint.Close()
	}
	t.wg.Wait()
	return nil
}

// Stats returns a copy of the current byte/packet counters.
func (t *Transport) Stats() Counters {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counters
}
