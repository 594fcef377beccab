package dtlssrtp

import (
	"io"
	"net"
	"sync"
	"time"
)

// demuxEndpoint presents the DTLS-record slice of one multiplexed datagram
// connection as its own net.Conn, the same role mux.Endpoint plays in the
// retrieved old pion/webrtc internal/network.Manager this file is grounded
// on (NewEndpoint(mux.MatchDTLS) fed by one shared reader). receiveLoop
// classifies each raw datagram by first byte and pushes only the
// DTLS-record ones here; pion/dtls reads and writes through this endpoint
// exactly as it would a socket, while RTP/RTCP stays on the transport's
// synchronous decrypt path.
type demuxEndpoint struct {
	raw net.Conn

	mu       sync.Mutex
	deadline time.Time

	in        chan []byte
	pending   []byte
	closeOnce sync.Once
	closed    chan struct{}
}

func newDemuxEndpoint(raw net.Conn) *demuxEndpoint {
	return &demuxEndpoint{raw: raw, in: make(chan []byte, 128), closed: make(chan struct{})}
}

// push hands one classified datagram to a blocked or future Read. Dropped
// once the endpoint is closed or its backlog is full, matching UDP's
// best-effort delivery.
func (e *demuxEndpoint) push(b []byte) {
	cp := append([]byte(nil), b...)
	select {
	case e.in <- cp:
	case <-e.closed:
	default:
	}
}

func (e *demuxEndpoint) Read(b []byte) (int, error) {
	for len(e.pending) == 0 {
		e.mu.Lock()
		deadline := e.deadline
		e.mu.Unlock()

		var timeoutCh <-chan time.Time
		if !deadline.IsZero() {
			d := time.Until(deadline)
			if d <= 0 {
				return 0, timeoutError{}
			}
			timer := time.NewTimer(d)
			defer timer.Stop()
			timeoutCh = timer.C
		}

		select {
		case buf, ok := <-e.in:
			if !ok {
				return 0, io.EOF
			}
			e.pending = buf
		case <-timeoutCh:
			return 0, timeoutError{}
		case <-e.closed:
			return 0, io.EOF
		}
	}
	n := copy(b, e.pending)
	e.pending = e.pending[n:]
	return n, nil
}

func (e *demuxEndpoint) Write(b []byte) (int, error) { return e.raw.Write(b) }

func (e *demuxEndpoint) Close() error {
	e.closeOnce.Do(func() { close(e.closed) })
	return nil
}

func (e *demuxEndpoint) LocalAddr() net.Addr  { return e.raw.LocalAddr() }
func (e *demuxEndpoint) RemoteAddr() net.Addr { return e.raw.RemoteAddr() }

func (e *demuxEndpoint) SetDeadline(t time.Time) error {
	_ = e.SetReadDeadline(t)
	return e.raw.SetWriteDeadline(t)
}

func (e *demuxEndpoint) SetReadDeadline(t time.Time) error {
	e.mu.Lock()
	e.deadline = t
	e.mu.Unlock()
	return nil
}

func (e *demuxEndpoint) SetWriteDeadline(t time.Time) error { return e.raw.SetWriteDeadline(t) }

type timeoutError struct{}

func (timeoutError) Error() string   { return "dtlssrtp: demux endpoint read timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
