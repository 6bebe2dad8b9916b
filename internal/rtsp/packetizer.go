package rtsp

import (
	"fmt"
	"sync"
	"time"

	"device-streaming/internal/media"

	"github.com/pion/randutil"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
)

const rtpHeaderSize = 12

// ntpEpochOffset is the number of seconds between 1900 and 1970.
const ntpEpochOffset = 2208988800

// payloadType returns the RTP payload type announced for codec.
func payloadType(c media.Codec) uint8 {
	switch c {
	case media.CodecH264:
		return 96
	case media.CodecOpus:
		return 97
	case media.CodecPCMA:
		return 8
	default:
		return 0
	}
}

func newPayloader(c media.Codec) (rtp.Payloader, error) {
	switch c {
	case media.CodecH264:
		return &codecs.H264Payloader{}, nil
	case media.CodecOpus:
		return &codecs.OpusPayloader{}, nil
	case media.CodecPCMA:
		return &codecs.G711Payloader{}, nil
	default:
		return nil, fmt.Errorf("%w: %s cannot be carried over RTP", media.ErrFrameFormat, c)
	}
}

// Packetizer turns packets of one track into RTP packets with their own
// SSRC and sequence space, and keeps the counters sender reports need.
type Packetizer struct {
	codec     media.Codec
	pt        uint8
	clock     uint32
	mtu       uint16
	ssrc      uint32
	base      uint32
	payloader rtp.Payloader

	mu       sync.Mutex
	seq      uint16
	packets  uint32
	octets   uint32
	lastTS   uint32
	lastWall time.Time
}

// NewPacketizer returns a packetizer for codec with a random SSRC,
// sequence start and timestamp base.
func NewPacketizer(c media.Codec, mtu int) (*Packetizer, error) {
	pl, err := newPayloader(c)
	if err != nil {
		return nil, err
	}
	if mtu <= rtpHeaderSize {
		mtu = 1400
	}
	gen := randutil.NewMathRandomGenerator()
	p := &Packetizer{
		codec:     c,
		pt:        payloadType(c),
		clock:     c.ClockRate(),
		mtu:       uint16(mtu),
		ssrc:      gen.Uint32(),
		base:      gen.Uint32(),
		payloader: pl,
		seq:       uint16(gen.Uint32()),
	}
	p.lastTS = p.base
	return p, nil
}

func (p *Packetizer) SSRC() uint32 { return p.ssrc }

func (p *Packetizer) Codec() media.Codec { return p.codec }

// RTPTime converts a media timestamp to this track's RTP clock.
func (p *Packetizer) RTPTime(ts time.Duration) uint32 {
	return p.base + uint32(int64(ts)*int64(p.clock)/int64(time.Second))
}

// Packetize splits pkt into marshalled RTP packets. The marker bit is set
// on the last packet of the frame.
func (p *Packetizer) Packetize(pkt media.Packet) ([][]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	payloads := p.payloader.Payload(p.mtu-rtpHeaderSize, pkt.Data)
	if len(payloads) == 0 {
		return nil, nil
	}
	ts := p.RTPTime(pkt.Timestamp)

	out := make([][]byte, 0, len(payloads))
	var octets int
	for i, payload := range payloads {
		r := rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    p.pt,
				SequenceNumber: p.seq,
				Timestamp:      ts,
				SSRC:           p.ssrc,
				Marker:         i == len(payloads)-1,
			},
			Payload: payload,
		}
		b, err := r.Marshal()
		if err != nil {
			return nil, fmt.Errorf("marshal rtp: %w", err)
		}
		p.seq++
		out = append(out, b)
		octets += len(payload)
	}

	p.packets += uint32(len(out))
	p.octets += uint32(octets)
	p.lastTS = ts
	p.lastWall = time.Now()
	return out, nil
}

// NextSequence returns the sequence number the next packet will carry.
func (p *Packetizer) NextSequence() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seq
}

// SenderReport builds an RTCP SR for now, extrapolating the RTP time from
// the last packet sent.
func (p *Packetizer) SenderReport(now time.Time) *rtcp.SenderReport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &rtcp.SenderReport{
		SSRC:        p.ssrc,
		NTPTime:     ntpTime(now),
		RTPTime:     p.rtpTimeAtLocked(now),
		PacketCount: p.packets,
		OctetCount:  p.octets,
	}
}

// RTPTimeAt extrapolates the track's RTP clock to now from the last packet
// sent.
func (p *Packetizer) RTPTimeAt(now time.Time) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rtpTimeAtLocked(now)
}

func (p *Packetizer) rtpTimeAtLocked(now time.Time) uint32 {
	if p.lastWall.IsZero() {
		return p.lastTS
	}
	return p.lastTS + uint32(now.Sub(p.lastWall).Seconds()*float64(p.clock))
}

// Goodbye builds the RTCP BYE sent when the session ends.
func (p *Packetizer) Goodbye() *rtcp.Goodbye {
	return &rtcp.Goodbye{Sources: []uint32{p.ssrc}}
}

func ntpTime(t time.Time) uint64 {
	secs := uint64(t.Unix() + ntpEpochOffset)
	frac := uint64(t.Nanosecond()) << 32 / uint64(time.Second)
	return secs<<32 | frac
}
