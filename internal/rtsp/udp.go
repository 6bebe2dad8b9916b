package rtsp

import (
	"errors"
	"fmt"
	"net"
	"sync"
)

type udpTrack struct {
	rtp, rtcp         *net.UDPConn
	rtpAddr, rtcpAddr *net.UDPAddr
}

// UDPTransport sends each track's RTP and RTCP to the client ports
// negotiated in SETUP. Delivery is best effort.
type UDPTransport struct {
	mu     sync.RWMutex
	tracks map[int]*udpTrack
	closed bool
}

// NewUDPTransport returns a transport with no tracks set up.
func NewUDPTransport() *UDPTransport {
	return &UDPTransport{tracks: make(map[int]*udpTrack)}
}

// Setup opens a local socket pair for track on localIP and targets the
// client's RTP/RTCP ports. It returns the local ports.
func (u *UDPTransport) Setup(track int, localIP, remoteIP net.IP, clientRTP, clientRTCP int) (int, int, error) {
	rtpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: localIP})
	if err != nil {
		return 0, 0, fmt.Errorf("open rtp socket: %w", err)
	}
	rtcpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: localIP})
	if err != nil {
		rtpConn.Close()
		return 0, 0, fmt.Errorf("open rtcp socket: %w", err)
	}

	t := &udpTrack{
		rtp:      rtpConn,
		rtcp:     rtcpConn,
		rtpAddr:  &net.UDPAddr{IP: remoteIP, Port: clientRTP},
		rtcpAddr: &net.UDPAddr{IP: remoteIP, Port: clientRTCP},
	}

	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		rtpConn.Close()
		rtcpConn.Close()
		return 0, 0, net.ErrClosed
	}
	if old := u.tracks[track]; old != nil {
		old.rtp.Close()
		old.rtcp.Close()
	}
	u.tracks[track] = t
	u.mu.Unlock()

	return rtpConn.LocalAddr().(*net.UDPAddr).Port, rtcpConn.LocalAddr().(*net.UDPAddr).Port, nil
}

func (u *UDPTransport) track(id int) *udpTrack {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.tracks[id]
}

// SendRTP sends the packets of one frame. A track with no socket drops the
// packets silently. Only a closed transport is an error.
func (u *UDPTransport) SendRTP(track int, packets [][]byte) (int, error) {
	t := u.track(track)
	if t == nil {
		return 0, nil
	}
	n := 0
	for _, p := range packets {
		w, err := t.rtp.WriteToUDP(p, t.rtpAddr)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return n, err
			}
			continue
		}
		n += w
	}
	return n, nil
}

// SendRTCP sends one RTCP packet to the client's RTCP port.
func (u *UDPTransport) SendRTCP(track int, packet []byte) error {
	t := u.track(track)
	if t == nil {
		return nil
	}
	if _, err := t.rtcp.WriteToUDP(packet, t.rtcpAddr); err != nil && errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Close releases every socket.
func (u *UDPTransport) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.closed = true
	for id, t := range u.tracks {
		t.rtp.Close()
		t.rtcp.Close()
		delete(u.tracks, id)
	}
	return nil
}
