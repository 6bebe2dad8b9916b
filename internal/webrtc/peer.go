package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"device-streaming/internal/clients"
	"device-streaming/internal/media"
	"device-streaming/internal/transport"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"
	pion "github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// signal is one signaling message, in the shape browsers produce with
// RTCSessionDescription and RTCIceCandidate.toJSON().
type signal struct {
	Type      string                   `json:"type"`
	ClientID  uint64                   `json:"clientId,omitempty"`
	Offer     *pion.SessionDescription `json:"offer,omitempty"`
	Answer    *pion.SessionDescription `json:"answer,omitempty"`
	Candidate *pion.ICECandidateInit   `json:"candidate,omitempty"`
}

type peer struct {
	id     uint64
	srv    *Server
	log    logging.LeveledLogger
	ws     *websocket.Conn
	pc     *pion.PeerConnection
	tracks map[int]*pion.TrackLocalStaticSample
	box    *transport.Outbox
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	offered bool
	pending []pion.ICECandidateInit
	synced  bool
	last    map[int]time.Duration

	closeOnce sync.Once
}

func codecCapability(c media.Codec) (pion.RTPCodecCapability, string, bool) {
	switch c {
	case media.CodecH264:
		return pion.RTPCodecCapability{MimeType: pion.MimeTypeH264, ClockRate: 90000}, "video", true
	case media.CodecOpus:
		return pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "audio", true
	case media.CodecPCMA:
		return pion.RTPCodecCapability{MimeType: pion.MimeTypePCMA, ClockRate: 8000}, "audio", true
	default:
		return pion.RTPCodecCapability{}, "", false
	}
}

func (s *Server) newPeer(base context.Context, api *pion.API, ws *websocket.Conn, client clients.Client) (*peer, error) {
	pc, err := api.NewPeerConnection(s.opts.ICE)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(base)
	p := &peer{
		id:     client.ID,
		srv:    s,
		log:    s.log,
		ws:     ws,
		pc:     pc,
		tracks: make(map[int]*pion.TrackLocalStaticSample),
		send:   make(chan []byte, 256),
		ctx:    ctx,
		cancel: cancel,
		last:   make(map[int]time.Duration),
	}
	p.box = transport.NewOutbox(s.opts.Outbox, func(slow bool) {
		s.reg.MarkSlow(client.ID, slow)
	})

	for id, codec := range s.opts.Codecs {
		capability, kind, ok := codecCapability(codec)
		if !ok {
			continue
		}
		track, err := pion.NewTrackLocalStaticSample(capability, kind, "screen")
		if err != nil {
			cancel()
			pc.Close()
			return nil, err
		}
		sender, err := pc.AddTrack(track)
		if err != nil {
			cancel()
			pc.Close()
			return nil, err
		}
		p.tracks[id] = track

		// RTCP has to be read for the interceptors to run.
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := sender.Read(buf); err != nil {
					return
				}
			}
		}()
	}

	pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		p.mu.Lock()
		defer p.mu.Unlock()
		if !p.offered {
			p.pending = append(p.pending, init)
			return
		}
		p.enqueue(signal{Type: "candidate", Candidate: &init})
	})
	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		p.log.Debugf("viewer %d peer connection %s", p.id, state)
		switch state {
		case pion.PeerConnectionStateFailed, pion.PeerConnectionStateClosed:
			p.cancel()
		}
	})
	return p, nil
}

// sendOffer creates the offer and releases candidates gathered meanwhile.
func (p *peer) sendOffer() error {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.enqueue(signal{Type: "offer", ClientID: p.id, Offer: &offer})
	p.offered = true
	for i := range p.pending {
		p.enqueue(signal{Type: "candidate", Candidate: &p.pending[i]})
	}
	p.pending = nil
	return nil
}

// enqueue hands a message to writePump without blocking.
func (p *peer) enqueue(sig signal) {
	b, err := json.Marshal(sig)
	if err != nil {
		p.log.Errorf("viewer %d marshal %s: %v", p.id, sig.Type, err)
		return
	}
	select {
	case p.send <- b:
	default:
		p.log.Warnf("viewer %d signaling queue full, dropping %s", p.id, sig.Type)
	}
}

func (p *peer) readPump() {
	defer p.close()

	p.ws.SetReadDeadline(time.Now().Add(pongWait))
	p.ws.SetPongHandler(func(string) error {
		p.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := p.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) {
				p.log.Debugf("viewer %d read: %v", p.id, err)
			}
			return
		}
		p.ws.SetReadDeadline(time.Now().Add(pongWait))

		var sig signal
		if err := json.Unmarshal(data, &sig); err != nil {
			p.log.Warnf("viewer %d sent malformed message: %v", p.id, err)
			continue
		}
		switch sig.Type {
		case "answer":
			if sig.Answer == nil {
				continue
			}
			if err := p.pc.SetRemoteDescription(*sig.Answer); err != nil {
				p.log.Warnf("viewer %d answer: %v", p.id, err)
				return
			}
		case "candidate":
			if sig.Candidate == nil {
				continue
			}
			if err := p.pc.AddICECandidate(*sig.Candidate); err != nil {
				p.log.Debugf("viewer %d candidate: %v", p.id, err)
			}
		case "bye":
			return
		}
	}
}

func (p *peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.ws.Close()
	}()

	for {
		select {
		case <-p.ctx.Done():
			p.ws.SetWriteDeadline(time.Now().Add(writeWait))
			p.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-p.send:
			p.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				p.cancel()
				return
			}
		case <-ticker.C:
			p.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.cancel()
				return
			}
		}
	}
}

// mediaPump writes queued packets as samples until the viewer goes away.
func (p *peer) mediaPump() {
	err := p.box.Run(p.ctx, p.write)
	if err != nil && !errors.Is(err, context.Canceled) {
		p.log.Debugf("viewer %d media: %v", p.id, err)
	}
	p.cancel()
}

func (p *peer) write(pkt media.Packet) error {
	track := p.tracks[pkt.Track]
	if track == nil {
		return nil
	}
	d := pkt.Timestamp - p.last[pkt.Track]
	p.last[pkt.Track] = pkt.Timestamp
	if d <= 0 || d > time.Second {
		d = defaultDuration(pkt.Codec)
	}
	if err := track.WriteSample(pionmedia.Sample{Data: pkt.Data, Duration: d}); err != nil {
		return err
	}
	p.srv.reg.AddBytes(p.id, len(pkt.Data))
	return nil
}

func defaultDuration(c media.Codec) time.Duration {
	if c == media.CodecH264 {
		return time.Second / 30
	}
	return 20 * time.Millisecond
}

// offer queues pkt; video starts at its first keyframe.
func (p *peer) offer(pkt media.Packet) {
	if pkt.Codec == media.CodecH264 {
		p.mu.Lock()
		if !p.synced && !pkt.KeyFrame {
			p.mu.Unlock()
			return
		}
		p.synced = true
		p.mu.Unlock()
	}
	p.box.Offer(pkt)
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		p.cancel()
		p.box.Close()
		if err := p.pc.Close(); err != nil {
			p.log.Debugf("viewer %d close: %v", p.id, err)
		}
		p.ws.Close()
		p.srv.removePeer(p)
	})
}
