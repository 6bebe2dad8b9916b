package video

import (
	"bytes"

	"device-streaming/internal/media"
)

var annexBStartCode = []byte{0, 0, 0, 1}

// JPEGSplitter cuts a concatenated MJPEG byte stream into single images.
type JPEGSplitter struct {
	buf []byte
}

// Write consumes p and returns every image completed by it.
func (s *JPEGSplitter) Write(p []byte) [][]byte {
	s.buf = append(s.buf, p...)
	var out [][]byte
	for {
		soi := bytes.Index(s.buf, []byte{0xFF, 0xD8})
		if soi < 0 {
			// Keep a trailing 0xFF that may start the next marker.
			if n := len(s.buf); n > 0 && s.buf[n-1] == 0xFF {
				s.buf = append(s.buf[:0], 0xFF)
			} else {
				s.buf = s.buf[:0]
			}
			return out
		}
		eoi := bytes.Index(s.buf[soi+2:], []byte{0xFF, 0xD9})
		if eoi < 0 {
			s.buf = s.buf[soi:]
			return out
		}
		end := soi + 2 + eoi + 2
		img := make([]byte, end-soi)
		copy(img, s.buf[soi:end])
		out = append(out, img)
		s.buf = s.buf[end:]
	}
}

// AccessUnitSplitter cuts an H.264 Annex-B byte stream into access units.
// IDR access units that arrive without parameter sets get the last seen
// SPS and PPS prepended so every keyframe is decodable on its own.
type AccessUnitSplitter struct {
	buf     []byte
	nalus   [][]byte
	picture bool
	sps     []byte
	pps     []byte
}

// Write consumes p and returns every access unit completed by it.
func (s *AccessUnitSplitter) Write(p []byte) [][]byte {
	s.buf = append(s.buf, p...)
	var out [][]byte
	for {
		start, n := findStartCode(s.buf, 0)
		if start < 0 {
			return out
		}
		next, _ := findStartCode(s.buf, start+n)
		if next < 0 {
			s.buf = s.buf[start:]
			return out
		}
		nalu := bytes.TrimRight(s.buf[start+n:next], "\x00")
		if len(nalu) > 0 {
			if au := s.push(append([]byte(nil), nalu...)); au != nil {
				out = append(out, au)
			}
		}
		s.buf = s.buf[next:]
	}
}

// Flush returns the access units still being assembled at end of stream.
func (s *AccessUnitSplitter) Flush() [][]byte {
	var out [][]byte
	if start, n := findStartCode(s.buf, 0); start >= 0 {
		if nalu := bytes.TrimRight(s.buf[start+n:], "\x00"); len(nalu) > 0 {
			if au := s.push(append([]byte(nil), nalu...)); au != nil {
				out = append(out, au)
			}
		}
	}
	s.buf = nil
	if au := s.flush(); au != nil {
		out = append(out, au)
	}
	return out
}

func (s *AccessUnitSplitter) push(nalu []byte) []byte {
	var done []byte
	switch media.NALUType(nalu) {
	case media.NALUTypeAUD:
		done = s.flush()
	case media.NALUTypeSPS, media.NALUTypePPS, media.NALUTypeSEI:
		if s.picture {
			done = s.flush()
		}
		if media.NALUType(nalu) == media.NALUTypeSPS {
			s.sps = nalu
		} else if media.NALUType(nalu) == media.NALUTypePPS {
			s.pps = nalu
		}
	case media.NALUTypeNonIDR, media.NALUTypeIDR:
		// first_mb_in_slice == 0 starts a new picture.
		if s.picture && len(nalu) > 1 && nalu[1]&0x80 != 0 {
			done = s.flush()
		}
		s.picture = true
	}
	s.nalus = append(s.nalus, nalu)
	return done
}

// flush emits the pending access unit if it holds a picture.
func (s *AccessUnitSplitter) flush() []byte {
	if !s.picture {
		return nil
	}
	idr, hasSPS, hasPPS := false, false, false
	for _, nalu := range s.nalus {
		switch media.NALUType(nalu) {
		case media.NALUTypeIDR:
			idr = true
		case media.NALUTypeSPS:
			hasSPS = true
		case media.NALUTypePPS:
			hasPPS = true
		}
	}

	var au []byte
	if idr && !hasSPS && !hasPPS && s.sps != nil && s.pps != nil {
		au = append(au, annexBStartCode...)
		au = append(au, s.sps...)
		au = append(au, annexBStartCode...)
		au = append(au, s.pps...)
	}
	for _, nalu := range s.nalus {
		au = append(au, annexBStartCode...)
		au = append(au, nalu...)
	}
	s.nalus = nil
	s.picture = false
	return au
}

// findStartCode returns the index and length of the first start code at
// or after from.
func findStartCode(b []byte, from int) (int, int) {
	for i := from; i+2 < len(b); i++ {
		if b[i] == 0 && b[i+1] == 0 && b[i+2] == 1 {
			if i > from && b[i-1] == 0 {
				return i - 1, 4
			}
			return i, 3
		}
	}
	return -1, 0
}
