package media

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
)

// DefaultEncoder compresses RGBA frames to JPEG and passes already encoded
// frames through unchanged.
type DefaultEncoder struct {
	Quality int
}

// NewEncoder returns an encoder producing JPEGs at the given quality (1-100).
func NewEncoder(quality int) *DefaultEncoder {
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	return &DefaultEncoder{Quality: quality}
}

func (e *DefaultEncoder) Encode(f Frame) (Packet, error) {
	if len(f.Data) == 0 {
		return Packet{}, fmt.Errorf("%w: empty frame", ErrFrameFormat)
	}
	p := Packet{Track: f.Track, Timestamp: f.Timestamp}

	switch f.Format {
	case FormatRGBA:
		data, err := e.encodeRGBA(f)
		if err != nil {
			return Packet{}, err
		}
		p.Codec, p.Data, p.KeyFrame = CodecJPEG, data, true
	case FormatJPEG:
		if !IsJPEG(f.Data) {
			return Packet{}, fmt.Errorf("%w: missing JPEG SOI marker", ErrFrameFormat)
		}
		p.Codec, p.Data, p.KeyFrame = CodecJPEG, f.Data, true
	case FormatH264:
		p.Codec, p.Data, p.KeyFrame = CodecH264, f.Data, IsH264KeyFrame(f.Data)
	case FormatOpus:
		p.Codec, p.Data, p.KeyFrame = CodecOpus, f.Data, true
	case FormatPCMA:
		p.Codec, p.Data, p.KeyFrame = CodecPCMA, f.Data, true
	default:
		return Packet{}, fmt.Errorf("%w: %s", ErrFrameFormat, f.Format)
	}
	return p, nil
}

func (e *DefaultEncoder) encodeRGBA(f Frame) ([]byte, error) {
	if f.Width <= 0 || f.Height <= 0 || len(f.Data) != f.Width*f.Height*4 {
		return nil, fmt.Errorf("%w: rgba %dx%d with %d bytes", ErrFrameFormat, f.Width, f.Height, len(f.Data))
	}
	img := &image.RGBA{
		Pix:    f.Data,
		Stride: f.Width * 4,
		Rect:   image.Rect(0, 0, f.Width, f.Height),
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: e.Quality}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFrameFormat, err)
	}
	return buf.Bytes(), nil
}

// IsJPEG reports whether data starts with a JPEG SOI marker.
func IsJPEG(data []byte) bool {
	return len(data) >= 2 && data[0] == 0xFF && data[1] == 0xD8
}
