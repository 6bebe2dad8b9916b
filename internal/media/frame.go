package media

import (
	"errors"
	"time"
)

// Track identifiers. Video is always track 0.
const (
	TrackVideo = 0
	TrackAudio = 1
)

// PixelFormat describes how Frame.Data is laid out.
type PixelFormat int

const (
	FormatRGBA PixelFormat = iota
	FormatJPEG
	FormatH264
	FormatOpus
	FormatPCMA
)

func (f PixelFormat) String() string {
	switch f {
	case FormatRGBA:
		return "rgba"
	case FormatJPEG:
		return "jpeg"
	case FormatH264:
		return "h264"
	case FormatOpus:
		return "opus"
	case FormatPCMA:
		return "pcma"
	default:
		return "unknown"
	}
}

// Codec is the encoding of a Packet payload.
type Codec int

const (
	CodecJPEG Codec = iota
	CodecH264
	CodecOpus
	CodecPCMA
)

func (c Codec) String() string {
	switch c {
	case CodecJPEG:
		return "JPEG"
	case CodecH264:
		return "H264"
	case CodecOpus:
		return "opus"
	case CodecPCMA:
		return "PCMA"
	default:
		return "unknown"
	}
}

// ClockRate returns the RTP clock rate used for the codec.
func (c Codec) ClockRate() uint32 {
	switch c {
	case CodecOpus:
		return 48000
	case CodecPCMA:
		return 8000
	default:
		return 90000
	}
}

// Frame is one captured unit pushed by a Source.
// Timestamp is relative to the start of capture; frames may arrive at any interval.
type Frame struct {
	Track     int
	Width     int
	Height    int
	Format    PixelFormat
	Data      []byte
	Timestamp time.Duration
}

// Packet is an encoded frame ready for transport.
type Packet struct {
	Track     int
	Codec     Codec
	Data      []byte
	Timestamp time.Duration
	KeyFrame  bool
}

// ErrFrameFormat is returned by encoders that cannot handle a frame.
var ErrFrameFormat = errors.New("unsupported frame format")

// ErrCapture is returned by sources that fail to start or die mid-stream.
var ErrCapture = errors.New("capture failed")

// ErrCaptureRevoked is returned by sources whose capture authorization was withdrawn.
var ErrCaptureRevoked = errors.New("capture authorization revoked")

// Encoder turns raw frames into transport packets.
type Encoder interface {
	Encode(f Frame) (Packet, error)
}

// Source pushes frames into sink until Stop is called or it fails.
// A failing source reports the reason through onError exactly once.
type Source interface {
	Start(sink func(Frame), onError func(error)) error
	Stop() error
}
