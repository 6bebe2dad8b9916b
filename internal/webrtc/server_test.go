package webrtc

import (
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"device-streaming/internal/clients"
	"device-streaming/internal/logging"
	"device-streaming/internal/media"
	"device-streaming/internal/netif"
	"device-streaming/internal/transport"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	pion "github.com/pion/webrtc/v4"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func newTestServer(t *testing.T, opts Options) (*Server, *clients.Registry, string) {
	t.Helper()
	reg := clients.NewRegistry(clients.DefaultOptions())
	s := NewServer(opts, reg, logging.Discard())
	api, err := s.newAPI([]netif.NetInterface{{Name: "lo", Addr: netip.MustParseAddr("127.0.0.1")}})
	if err != nil {
		t.Fatal(err)
	}
	s.activate(api)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return s, reg, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func TestCodecCapability(t *testing.T) {
	if c, kind, ok := codecCapability(media.CodecH264); !ok || kind != "video" || c.ClockRate != 90000 {
		t.Errorf("h264: %+v %q %v", c, kind, ok)
	}
	if _, kind, ok := codecCapability(media.CodecPCMA); !ok || kind != "audio" {
		t.Errorf("pcma: %q %v", kind, ok)
	}
	if _, _, ok := codecCapability(media.CodecJPEG); ok {
		t.Error("jpeg accepted")
	}
}

func TestOfferAnswer(t *testing.T) {
	s, reg, url := newTestServer(t, Options{})

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))

	var offer signal
	for offer.Type != "offer" {
		if err := ws.ReadJSON(&offer); err != nil {
			t.Fatal(err)
		}
	}
	if offer.Offer == nil || !strings.Contains(offer.Offer.SDP, "H264") {
		t.Fatalf("offer = %+v", offer)
	}
	roster := reg.Snapshot()
	if len(roster) != 1 || roster[0].Transport != Name || roster[0].ID != offer.ClientID {
		t.Fatalf("roster = %+v", roster)
	}

	viewer, err := pion.NewPeerConnection(pion.Configuration{})
	if err != nil {
		t.Fatal(err)
	}
	defer viewer.Close()
	if err := viewer.SetRemoteDescription(*offer.Offer); err != nil {
		t.Fatal(err)
	}
	answer, err := viewer.CreateAnswer(nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := viewer.SetLocalDescription(answer); err != nil {
		t.Fatal(err)
	}
	if err := ws.WriteJSON(signal{Type: "answer", Answer: &answer}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "remote description", func() bool {
		s.mu.Lock()
		p := s.peers[offer.ClientID]
		s.mu.Unlock()
		return p != nil && p.pc.RemoteDescription() != nil
	})

	ws.WriteJSON(signal{Type: "bye"})
	waitFor(t, "peer removal", func() bool { return s.Peers() == 0 })
	if reg.Active() != 0 {
		t.Fatalf("active clients = %d", reg.Active())
	}
}

func TestSignalingRequiresPin(t *testing.T) {
	_, _, url := newTestServer(t, Options{
		Pin: func() (string, bool) { return "4321", true },
	})

	_, resp, err := websocket.DefaultDialer.Dial(url+"?pin=0000", nil)
	if err == nil {
		t.Fatal("dial with wrong pin succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("response = %v", resp)
	}

	ws, _, err := websocket.DefaultDialer.Dial(url+"?pin=4321", nil)
	if err != nil {
		t.Fatalf("dial with pin: %v", err)
	}
	ws.Close()
}

func TestRejectsForeignOrigin(t *testing.T) {
	_, _, url := newTestServer(t, Options{AllowedOrigins: []string{"https://viewer.example.org"}})

	h := http.Header{"Origin": []string{"https://evil.example.com"}}
	if _, _, err := websocket.DefaultDialer.Dial(url, h); err == nil {
		t.Fatal("foreign origin accepted")
	}
	h.Set("Origin", "https://viewer.example.org")
	ws, _, err := websocket.DefaultDialer.Dial(url, h)
	if err != nil {
		t.Fatalf("allowed origin: %v", err)
	}
	ws.Close()
}

func TestOfferWaitsForKeyFrame(t *testing.T) {
	p := &peer{box: transport.NewOutbox(transport.OutboxOptions{Capacity: 8}, nil)}

	p.offer(media.Packet{Codec: media.CodecH264, Data: []byte{0, 0, 0, 1, 0x41}})
	p.offer(media.Packet{Codec: media.CodecPCMA, Data: []byte{0xD5}})
	if p.box.Len() != 1 {
		t.Fatalf("queued %d packets before the keyframe, want only audio", p.box.Len())
	}
	p.offer(media.Packet{Codec: media.CodecH264, Data: []byte{0, 0, 0, 1, 0x65}, KeyFrame: true})
	p.offer(media.Packet{Codec: media.CodecH264, Data: []byte{0, 0, 0, 1, 0x41}})
	if p.box.Len() != 3 {
		t.Fatalf("queued %d packets, want 3", p.box.Len())
	}
}
