package rtsp

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// ErrPacketTooLarge is returned for packets that do not fit the 16-bit
// interleaved length field.
var ErrPacketTooLarge = errors.New("packet exceeds interleaved frame size")

type deadliner interface {
	SetWriteDeadline(t time.Time) error
}

// InterleavedWriter serializes everything written to one RTSP TCP
// connection: control responses and RTP/RTCP frames on any channel.
// The lock is held for exactly one burst and released after the flush.
type InterleavedWriter struct {
	mu      sync.Mutex
	w       *bufio.Writer
	dl      deadliner
	timeout time.Duration
}

// NewInterleavedWriter wraps w. When w supports write deadlines each burst
// must complete within timeout.
func NewInterleavedWriter(w io.Writer, timeout time.Duration) *InterleavedWriter {
	iw := &InterleavedWriter{w: bufio.NewWriterSize(w, 64*1024), timeout: timeout}
	if dl, ok := w.(deadliner); ok && timeout > 0 {
		iw.dl = dl
	}
	return iw
}

// WriteFrames writes packets on channel as one burst, each prefixed with
// '$', the channel and the big-endian length. It returns the bytes written.
func (iw *InterleavedWriter) WriteFrames(channel uint8, packets [][]byte) (int, error) {
	for _, p := range packets {
		if len(p) > 0xFFFF {
			return 0, fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, len(p))
		}
	}

	iw.mu.Lock()
	defer iw.mu.Unlock()
	iw.armDeadline()

	var hdr [4]byte
	hdr[0] = '$'
	hdr[1] = channel
	n := 0
	for _, p := range packets {
		binary.BigEndian.PutUint16(hdr[2:], uint16(len(p)))
		if _, err := iw.w.Write(hdr[:]); err != nil {
			return n, err
		}
		if _, err := iw.w.Write(p); err != nil {
			return n, err
		}
		n += len(hdr) + len(p)
	}
	return n, iw.w.Flush()
}

// WriteMessage writes a control message under the same lock.
func (iw *InterleavedWriter) WriteMessage(b []byte) error {
	iw.mu.Lock()
	defer iw.mu.Unlock()
	iw.armDeadline()
	if _, err := iw.w.Write(b); err != nil {
		return err
	}
	return iw.w.Flush()
}

func (iw *InterleavedWriter) armDeadline() {
	if iw.dl != nil {
		_ = iw.dl.SetWriteDeadline(time.Now().Add(iw.timeout))
	}
}

// InterleavedTransport carries RTP and RTCP for a session's tracks over the
// RTSP connection itself.
type InterleavedTransport struct {
	w        *InterleavedWriter
	mu       sync.RWMutex
	channels map[int][2]uint8 // track -> RTP, RTCP channel
}

// NewInterleavedTransport returns a transport with no tracks routed yet.
func NewInterleavedTransport(w *InterleavedWriter) *InterleavedTransport {
	return &InterleavedTransport{w: w, channels: make(map[int][2]uint8)}
}

// SetChannels routes track to the given RTP and RTCP channels.
func (t *InterleavedTransport) SetChannels(track int, rtpCh, rtcpCh uint8) {
	t.mu.Lock()
	t.channels[track] = [2]uint8{rtpCh, rtcpCh}
	t.mu.Unlock()
}

func (t *InterleavedTransport) route(track int) ([2]uint8, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ch, ok := t.channels[track]
	return ch, ok
}

// SendRTP writes the packets of one frame. Unrouted tracks are a no-op.
func (t *InterleavedTransport) SendRTP(track int, packets [][]byte) (int, error) {
	ch, ok := t.route(track)
	if !ok {
		return 0, nil
	}
	return t.w.WriteFrames(ch[0], packets)
}

// SendRTCP writes one RTCP packet. Unrouted tracks are a no-op.
func (t *InterleavedTransport) SendRTCP(track int, packet []byte) error {
	ch, ok := t.route(track)
	if !ok {
		return nil
	}
	_, err := t.w.WriteFrames(ch[1], [][]byte{packet})
	return err
}

// Close is a no-op: the connection belongs to the RTSP session.
func (t *InterleavedTransport) Close() error { return nil }
