package media

import (
	"bytes"
	"errors"
	"testing"
)

func TestSplitNALUs(t *testing.T) {
	au := []byte{
		0, 0, 0, 1, 0x67, 0xAA, 0xBB, // SPS, 4-byte start code
		0, 0, 1, 0x68, 0xCC, // PPS, 3-byte start code
		0, 0, 0, 1, 0x65, 0x01, 0x02, 0x03, // IDR
	}

	nalus := SplitNALUs(au)
	if len(nalus) != 3 {
		t.Fatalf("expected 3 NAL units, got %d", len(nalus))
	}
	want := []int{NALUTypeSPS, NALUTypePPS, NALUTypeIDR}
	for i, n := range nalus {
		if got := NALUType(n); got != want[i] {
			t.Errorf("nalu %d: type = %d, want %d", i, got, want[i])
		}
	}
	if !bytes.Equal(nalus[0], []byte{0x67, 0xAA, 0xBB}) {
		t.Errorf("SPS = %x", nalus[0])
	}
	if !IsH264KeyFrame(au) {
		t.Error("access unit with IDR not reported as keyframe")
	}

	sps, pps := ParameterSets(au)
	if sps == nil || pps == nil {
		t.Fatalf("parameter sets not found: sps=%x pps=%x", sps, pps)
	}
}

func TestIsH264KeyFrameNonIDR(t *testing.T) {
	if IsH264KeyFrame([]byte{0, 0, 0, 1, 0x41, 0x9A}) {
		t.Error("non-IDR slice reported as keyframe")
	}
}

func TestEncodeRGBA(t *testing.T) {
	enc := NewEncoder(80)
	f := Frame{Width: 4, Height: 2, Format: FormatRGBA, Data: make([]byte, 4*2*4)}

	p, err := enc.Encode(f)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if p.Codec != CodecJPEG || !IsJPEG(p.Data) {
		t.Errorf("expected JPEG packet, got codec %s", p.Codec)
	}
	if !p.KeyFrame {
		t.Error("JPEG packets are always keyframes")
	}
}

func TestEncodeRejectsBadFrames(t *testing.T) {
	enc := NewEncoder(0)
	cases := []struct {
		name  string
		frame Frame
	}{
		{"empty", Frame{Format: FormatRGBA}},
		{"short rgba", Frame{Width: 10, Height: 10, Format: FormatRGBA, Data: make([]byte, 12)}},
		{"not a jpeg", Frame{Format: FormatJPEG, Data: []byte{1, 2, 3}}},
		{"unknown format", Frame{Format: PixelFormat(42), Data: []byte{1}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := enc.Encode(tc.frame); !errors.Is(err, ErrFrameFormat) {
				t.Errorf("expected ErrFrameFormat, got %v", err)
			}
		})
	}
}
