package rtsp

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/netip"
	"net/textproto"
	"strconv"
	"strings"
	"testing"
	"time"

	"device-streaming/internal/clients"
	"device-streaming/internal/logging"
	"device-streaming/internal/media"
	"device-streaming/internal/netif"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
)

var keyFrame = []byte{
	0, 0, 0, 1, 0x67, 0x42, 0xC0, 0x1F, 0xDA, 0x01,
	0, 0, 0, 1, 0x68, 0xCE, 0x3C, 0x80,
	0, 0, 0, 1, 0x65, 0x88, 0x84, 0x00, 0x33, 0xFF,
}

func TestParseTransport(t *testing.T) {
	tests := []struct {
		in      string
		want    TransportSpec
		wantErr bool
	}{
		{in: "RTP/AVP/TCP;unicast;interleaved=2-3", want: TransportSpec{TCP: true, Interleaved: [2]int{2, 3}}},
		{in: "RTP/AVP/TCP;unicast", want: TransportSpec{TCP: true, Interleaved: [2]int{-1, -1}}},
		{in: "RTP/AVP;unicast;client_port=5000-5001", want: TransportSpec{Interleaved: [2]int{-1, -1}, ClientPorts: [2]int{5000, 5001}}},
		{in: "RTP/AVP/UDP;unicast;client_port=6000", want: TransportSpec{Interleaved: [2]int{-1, -1}, ClientPorts: [2]int{6000, 6001}}},
		{in: "RTP/AVP;multicast", want: TransportSpec{Multicast: true, Interleaved: [2]int{-1, -1}}},
		{in: "RTP/AVP;unicast", wantErr: true},
		{in: "RAW/RAW/UDP;unicast", wantErr: true},
		{in: "RTP/AVP/TCP;interleaved=x-1", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseTransport(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("%q: err = %v", tt.in, err)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("%q: got %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestReadRequestSkipsInterleavedData(t *testing.T) {
	raw := "$\x01\x00\x03abc" +
		"OPTIONS rtsp://host/screen RTSP/1.0\r\nCSeq: 7\r\n\r\n" +
		"SET_PARAMETER rtsp://host/screen RTSP/1.0\r\nCSeq: 8\r\nSession: abc;timeout=60\r\nContent-Length: 4\r\n\r\nbody"
	br := bufio.NewReader(strings.NewReader(raw))

	req, err := readRequest(br)
	if err != nil {
		t.Fatal(err)
	}
	if req.Method != "OPTIONS" || req.CSeq() != "7" {
		t.Fatalf("first request = %+v", req)
	}
	req, err = readRequest(br)
	if err != nil {
		t.Fatal(err)
	}
	if req.Session() != "abc" || string(req.Body) != "body" {
		t.Fatalf("second request session %q body %q", req.Session(), req.Body)
	}
	if _, err := readRequest(br); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestReadRequestMalformed(t *testing.T) {
	br := bufio.NewReader(strings.NewReader("HELLO\r\n\r\n"))
	if _, err := readRequest(br); err == nil {
		t.Fatal("malformed request accepted")
	}
}

func TestResponseMarshal(t *testing.T) {
	r := newResponse(454)
	r.Header["Session"] = "x"
	got := string(r.marshal("3"))
	want := "RTSP/1.0 454 Session Not Found\r\nCSeq: 3\r\nSession: x\r\n\r\n"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestDescribeSDP(t *testing.T) {
	sps, pps := media.ParameterSets(keyFrame)
	body, err := describe("192.168.1.5", []media.Codec{media.CodecH264, media.CodecPCMA}, sps, pps)
	if err != nil {
		t.Fatal(err)
	}
	var d sdp.SessionDescription
	if err := d.Unmarshal(body); err != nil {
		t.Fatalf("unmarshal: %v\n%s", err, body)
	}
	if len(d.MediaDescriptions) != 2 {
		t.Fatalf("%d media sections", len(d.MediaDescriptions))
	}
	video := d.MediaDescriptions[0]
	if rtpmap, _ := video.Attribute("rtpmap"); rtpmap != "96 H264/90000" {
		t.Errorf("video rtpmap %q", rtpmap)
	}
	if fmtp, _ := video.Attribute("fmtp"); !strings.Contains(fmtp, "sprop-parameter-sets=") || !strings.Contains(fmtp, "profile-level-id=42C01F") {
		t.Errorf("video fmtp %q", fmtp)
	}
	if ctl, _ := video.Attribute("control"); ctl != "trackID=0" {
		t.Errorf("video control %q", ctl)
	}
	audio := d.MediaDescriptions[1]
	if audio.MediaName.Media != "audio" {
		t.Errorf("second media %q", audio.MediaName.Media)
	}
	if ctl, _ := audio.Attribute("control"); ctl != "trackID=1" {
		t.Errorf("audio control %q", ctl)
	}
}

func TestTrackFromURL(t *testing.T) {
	if id, ok := trackFromURL("rtsp://h:8554/screen/trackID=1"); !ok || id != 1 {
		t.Errorf("got %d %v", id, ok)
	}
	if _, ok := trackFromURL("rtsp://h:8554/screen"); ok {
		t.Error("url without track accepted")
	}
}

type rtspClient struct {
	t    *testing.T
	nc   net.Conn
	br   *bufio.Reader
	seq  int
	base string
}

func dial(t *testing.T, s *Server) *rtspClient {
	t.Helper()
	s.mu.Lock()
	addr := s.listeners[0].Addr().String()
	s.mu.Unlock()
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { nc.Close() })
	nc.SetDeadline(time.Now().Add(5 * time.Second))
	return &rtspClient{t: t, nc: nc, br: bufio.NewReader(nc), base: "rtsp://" + addr + "/screen"}
}

func (c *rtspClient) do(method, url string, headers ...string) (int, textproto.MIMEHeader, []byte) {
	c.t.Helper()
	c.seq++
	req := fmt.Sprintf("%s %s RTSP/1.0\r\nCSeq: %d\r\n", method, url, c.seq)
	for _, h := range headers {
		req += h + "\r\n"
	}
	if _, err := io.WriteString(c.nc, req+"\r\n"); err != nil {
		c.t.Fatal(err)
	}

	tp := textproto.NewReader(c.br)
	line, err := tp.ReadLine()
	if err != nil {
		c.t.Fatal(err)
	}
	fields := strings.Fields(line)
	if len(fields) < 2 {
		c.t.Fatalf("status line %q", line)
	}
	status, _ := strconv.Atoi(fields[1])
	h, err := tp.ReadMIMEHeader()
	if err != nil {
		c.t.Fatal(err)
	}
	if h.Get("CSeq") != strconv.Itoa(c.seq) {
		c.t.Fatalf("cseq %q, want %d", h.Get("CSeq"), c.seq)
	}
	var body []byte
	if n, _ := strconv.Atoi(h.Get("Content-Length")); n > 0 {
		body = make([]byte, n)
		if _, err := io.ReadFull(c.br, body); err != nil {
			c.t.Fatal(err)
		}
	}
	return status, h, body
}

func (c *rtspClient) readFrame() (uint8, []byte) {
	c.t.Helper()
	var hdr [4]byte
	if _, err := io.ReadFull(c.br, hdr[:]); err != nil {
		c.t.Fatal(err)
	}
	if hdr[0] != '$' {
		c.t.Fatalf("frame starts with %q", hdr[0])
	}
	payload := make([]byte, binary.BigEndian.Uint16(hdr[2:]))
	if _, err := io.ReadFull(c.br, payload); err != nil {
		c.t.Fatal(err)
	}
	return hdr[1], payload
}

func waitPlaying(t *testing.T, s *Server) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		s.mu.Lock()
		playing := false
		for c := range s.conns {
			c.mu.Lock()
			playing = playing || c.playing
			c.mu.Unlock()
		}
		s.mu.Unlock()
		if playing {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("session never started playing")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestServer(t *testing.T, opts Options) (*Server, *clients.Registry) {
	t.Helper()
	reg := clients.NewRegistry(clients.DefaultOptions())
	s := NewServer(opts, reg, logging.Discard())
	lo := []netif.NetInterface{{Name: "lo", Addr: netip.MustParseAddr("127.0.0.1")}}
	if err := s.Open(context.Background(), lo, func(err error) { t.Errorf("server error: %v", err) }); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s, reg
}

func TestInterleavedSession(t *testing.T) {
	opts := DefaultOptions()
	opts.Port = 0
	s, reg := newTestServer(t, opts)
	c := dial(t, s)

	if status, h, _ := c.do("OPTIONS", c.base); status != 200 || !strings.Contains(h.Get("Public"), "DESCRIBE") {
		t.Fatalf("OPTIONS: %d %v", status, h)
	}
	if status, _, _ := c.do("DESCRIBE", "rtsp://x/other"); status != 404 {
		t.Fatalf("DESCRIBE wrong path: %d", status)
	}
	status, h, body := c.do("DESCRIBE", c.base, "Accept: application/sdp")
	if status != 200 || h.Get("Content-Type") != "application/sdp" || !strings.Contains(string(body), "H264/90000") {
		t.Fatalf("DESCRIBE: %d %v\n%s", status, h, body)
	}
	if status, _, _ := c.do("SETUP", c.base+"/trackID=9", "Transport: RTP/AVP/TCP;unicast;interleaved=0-1"); status != 400 {
		t.Fatalf("SETUP unknown track: %d", status)
	}
	if status, _, _ := c.do("PLAY", c.base); status != 454 {
		t.Fatalf("PLAY before SETUP: %d", status)
	}

	status, h, _ = c.do("SETUP", c.base+"/trackID=0", "Transport: RTP/AVP/TCP;unicast;interleaved=0-1")
	if status != 200 || !strings.HasPrefix(h.Get("Transport"), "RTP/AVP/TCP;unicast;interleaved=0-1;ssrc=") {
		t.Fatalf("SETUP: %d %v", status, h)
	}
	session, _, _ := strings.Cut(h.Get("Session"), ";")
	if session == "" {
		t.Fatal("no session id")
	}
	if status, _, _ := c.do("GET_PARAMETER", c.base, "Session: nope"); status != 454 {
		t.Fatalf("GET_PARAMETER wrong session: %d", status)
	}
	status, h, _ = c.do("PLAY", c.base, "Session: "+session)
	if status != 200 || !strings.Contains(h.Get("RTP-Info"), "trackID=0;seq=") {
		t.Fatalf("PLAY: %d %v", status, h)
	}

	waitPlaying(t, s)

	// Until the first keyframe nothing is sent.
	s.SendFrame(media.Packet{Track: media.TrackVideo, Codec: media.CodecH264, Data: []byte{0, 0, 0, 1, 0x41, 0x9A}})
	s.SendFrame(media.Packet{Track: media.TrackVideo, Codec: media.CodecJPEG, Data: []byte{0xFF, 0xD8}})
	s.SendFrame(media.Packet{Track: media.TrackVideo, Codec: media.CodecH264, Data: keyFrame, KeyFrame: true})

	ch, payload := c.readFrame()
	if ch != 0 {
		t.Fatalf("first frame on channel %d", ch)
	}
	var p rtp.Packet
	if err := p.Unmarshal(payload); err != nil {
		t.Fatal(err)
	}
	if p.PayloadType != 96 {
		t.Fatalf("payload type %d", p.PayloadType)
	}

	roster := reg.Snapshot()
	if len(roster) != 1 || roster[0].Transport != Name || roster[0].Disconnected {
		t.Fatalf("roster = %+v", roster)
	}

	s.Close()
	// Remaining RTP is followed by a BYE on the RTCP channel, then EOF.
	var sawBye bool
	for !sawBye {
		ch, payload := c.readFrame()
		if ch != 1 {
			continue
		}
		pkts, err := rtcp.Unmarshal(payload)
		if err != nil {
			t.Fatal(err)
		}
		for _, pkt := range pkts {
			if bye, ok := pkt.(*rtcp.Goodbye); ok && len(bye.Sources) == 1 && bye.Sources[0] == p.SSRC {
				sawBye = true
			}
		}
	}
	if _, err := c.br.ReadByte(); err == nil {
		t.Fatal("connection still open after close")
	}
	if reg.Active() != 0 {
		t.Fatalf("active clients after close = %d", reg.Active())
	}
}

func TestUDPSetupRefusedWhenDisabled(t *testing.T) {
	opts := DefaultOptions()
	opts.Port = 0
	opts.AllowUDP = false
	s, _ := newTestServer(t, opts)
	c := dial(t, s)

	if status, _, _ := c.do("SETUP", c.base+"/trackID=0", "Transport: RTP/AVP;unicast;client_port=5000-5001"); status != 461 {
		t.Fatalf("SETUP udp: %d", status)
	}
}

func TestUDPSetupAnnouncesServerPorts(t *testing.T) {
	opts := DefaultOptions()
	opts.Port = 0
	s, _ := newTestServer(t, opts)
	c := dial(t, s)

	status, h, _ := c.do("SETUP", c.base+"/trackID=0", "Transport: RTP/AVP;unicast;client_port=5000-5001")
	if status != 200 {
		t.Fatalf("SETUP udp: %d", status)
	}
	if tr := h.Get("Transport"); !strings.Contains(tr, "client_port=5000-5001;server_port=") {
		t.Fatalf("transport %q", tr)
	}
	if status, _, _ := c.do("SETUP", c.base+"/trackID=0", "Transport: RTP/AVP/TCP;unicast;interleaved=0-1", "Session: "+strings.Split(h.Get("Session"), ";")[0]); status != 461 {
		t.Fatalf("mixing transports: %d", status)
	}
}
