package rtsp

import (
	"bytes"
	"encoding/binary"
	"net"
	"runtime"
	"sync"
	"testing"
	"time"

	"device-streaming/internal/media"

	"github.com/pion/rtp"
)

// choppyWriter hands bytes to the buffer a few at a time and yields in
// between, so unsynchronized writers would interleave.
type choppyWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *choppyWriter) Write(p []byte) (int, error) {
	for i := 0; i < len(p); i += 7 {
		end := i + 7
		if end > len(p) {
			end = len(p)
		}
		w.mu.Lock()
		w.buf.Write(p[i:end])
		w.mu.Unlock()
		runtime.Gosched()
	}
	return len(p), nil
}

func TestInterleavedBurstsDoNotInterleave(t *testing.T) {
	w := &choppyWriter{}
	iw := NewInterleavedWriter(w, 0)

	const channels, bursts = 4, 50
	var wg sync.WaitGroup
	for ch := 0; ch < channels; ch++ {
		wg.Add(1)
		go func(ch uint8) {
			defer wg.Done()
			for i := 0; i < bursts; i++ {
				size := 10 + int(ch)*300 + i
				pkt := bytes.Repeat([]byte{ch}, size)
				if _, err := iw.WriteFrames(ch, [][]byte{pkt, pkt}); err != nil {
					t.Error(err)
					return
				}
			}
		}(uint8(ch))
	}
	wg.Wait()

	data := w.buf.Bytes()
	counts := make(map[uint8]int)
	for len(data) > 0 {
		if len(data) < 4 || data[0] != '$' {
			t.Fatalf("bad frame header %x", data[:min(4, len(data))])
		}
		ch := data[1]
		n := int(binary.BigEndian.Uint16(data[2:4]))
		payload := data[4 : 4+n]
		if !bytes.Equal(payload, bytes.Repeat([]byte{ch}, n)) {
			t.Fatalf("channel %d payload mixed with another channel", ch)
		}
		counts[ch]++
		data = data[4+n:]
	}
	for ch := uint8(0); ch < channels; ch++ {
		if counts[ch] != 2*bursts {
			t.Errorf("channel %d: %d frames, want %d", ch, counts[ch], 2*bursts)
		}
	}
}

func TestInterleavedRejectsOversizedPacket(t *testing.T) {
	var buf bytes.Buffer
	iw := NewInterleavedWriter(&buf, 0)
	if _, err := iw.WriteFrames(0, [][]byte{make([]byte, 0x10000)}); err == nil {
		t.Fatal("oversized packet accepted")
	}
	if buf.Len() != 0 {
		t.Fatal("partial frame written")
	}
}

func TestInterleavedUnroutedTrackIsNoop(t *testing.T) {
	var buf bytes.Buffer
	it := NewInterleavedTransport(NewInterleavedWriter(&buf, 0))
	it.SetChannels(media.TrackVideo, 0, 1)

	n, err := it.SendRTP(media.TrackAudio, [][]byte{{1, 2, 3}})
	if n != 0 || err != nil {
		t.Fatalf("unrouted track: n=%d err=%v", n, err)
	}
	if buf.Len() != 0 {
		t.Fatal("unrouted track wrote bytes")
	}
	if err := it.SendRTCP(media.TrackVideo, []byte{9}); err != nil {
		t.Fatal(err)
	}
	if got := buf.Bytes(); !bytes.Equal(got, []byte{'$', 1, 0, 1, 9}) {
		t.Fatalf("rtcp frame = %x", got)
	}
}

func TestUDPUnresolvedTrackDropsSilently(t *testing.T) {
	sink, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer sink.Close()
	port := sink.LocalAddr().(*net.UDPAddr).Port

	u := NewUDPTransport()
	defer u.Close()
	lo := net.IPv4(127, 0, 0, 1)
	if _, _, err := u.Setup(media.TrackVideo, lo, lo, port, port+1); err != nil {
		t.Fatal(err)
	}

	n, err := u.SendRTP(media.TrackAudio, [][]byte{[]byte("audio")})
	if n != 0 || err != nil {
		t.Fatalf("audio without socket: n=%d err=%v", n, err)
	}

	if _, err := u.SendRTP(media.TrackVideo, [][]byte{[]byte("video")}); err != nil {
		t.Fatal(err)
	}
	sink.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, _, err = sink.ReadFromUDP(buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "video" {
		t.Fatalf("received %q", buf[:n])
	}
}

func TestUDPClosedTransportReportsError(t *testing.T) {
	u := NewUDPTransport()
	lo := net.IPv4(127, 0, 0, 1)
	u.Close()
	if _, _, err := u.Setup(media.TrackVideo, lo, lo, 5000, 5001); err == nil {
		t.Fatal("setup on closed transport succeeded")
	}
}

func TestPacketizerFragmentsLargeFrame(t *testing.T) {
	pk, err := NewPacketizer(media.CodecH264, 200)
	if err != nil {
		t.Fatal(err)
	}
	idr := append([]byte{0, 0, 0, 1, 0x65}, bytes.Repeat([]byte{0xAB}, 1000)...)
	first := pk.NextSequence()

	packets, err := pk.Packetize(media.Packet{Codec: media.CodecH264, Data: idr, Timestamp: time.Second, KeyFrame: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(packets) < 5 {
		t.Fatalf("got %d packets for a 1000 byte NAL at mtu 200", len(packets))
	}
	for i, b := range packets {
		if len(b) > 200 {
			t.Errorf("packet %d is %d bytes", i, len(b))
		}
		var p rtp.Packet
		if err := p.Unmarshal(b); err != nil {
			t.Fatal(err)
		}
		if p.SequenceNumber != first+uint16(i) {
			t.Errorf("packet %d seq %d, want %d", i, p.SequenceNumber, first+uint16(i))
		}
		if p.Marker != (i == len(packets)-1) {
			t.Errorf("packet %d marker %v", i, p.Marker)
		}
		if p.PayloadType != 96 || p.SSRC != pk.SSRC() {
			t.Errorf("packet %d pt %d ssrc %x", i, p.PayloadType, p.SSRC)
		}
		if p.Timestamp != pk.RTPTime(time.Second) {
			t.Errorf("packet %d timestamp %d", i, p.Timestamp)
		}
	}

	sr := pk.SenderReport(time.Now())
	if sr.PacketCount != uint32(len(packets)) || sr.SSRC != pk.SSRC() {
		t.Errorf("sender report %+v", sr)
	}
}

func TestPacketizerRejectsJPEG(t *testing.T) {
	if _, err := NewPacketizer(media.CodecJPEG, 1400); err == nil {
		t.Fatal("jpeg packetizer created")
	}
}
