package media

// H.264 NAL unit types used by the engine.
const (
	NALUTypeNonIDR = 1
	NALUTypeIDR    = 5
	NALUTypeSEI    = 6
	NALUTypeSPS    = 7
	NALUTypePPS    = 8
	NALUTypeAUD    = 9
)

// SplitNALUs splits an Annex-B byte stream into NAL units without start codes.
func SplitNALUs(data []byte) [][]byte {
	var nalus [][]byte
	start := -1
	i := 0
	for i+2 < len(data) {
		if data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			if start >= 0 {
				nalus = appendNALU(nalus, data[start:i])
			}
			i += 3
			start = i
			continue
		}
		i++
	}
	if start >= 0 && start < len(data) {
		nalus = appendNALU(nalus, data[start:])
	}
	return nalus
}

// appendNALU trims the zero byte that belongs to a following 4-byte start code.
func appendNALU(nalus [][]byte, nalu []byte) [][]byte {
	for len(nalu) > 0 && nalu[len(nalu)-1] == 0 {
		nalu = nalu[:len(nalu)-1]
	}
	if len(nalu) == 0 {
		return nalus
	}
	return append(nalus, nalu)
}

// NALUType returns the type of a NAL unit without start code.
func NALUType(nalu []byte) int {
	if len(nalu) == 0 {
		return 0
	}
	return int(nalu[0] & 0x1F)
}

// IsH264KeyFrame reports whether the access unit contains an IDR slice.
func IsH264KeyFrame(au []byte) bool {
	for _, nalu := range SplitNALUs(au) {
		if NALUType(nalu) == NALUTypeIDR {
			return true
		}
	}
	return false
}

// ParameterSets returns the last SPS and PPS found in the access unit.
func ParameterSets(au []byte) (sps, pps []byte) {
	for _, nalu := range SplitNALUs(au) {
		switch NALUType(nalu) {
		case NALUTypeSPS:
			sps = nalu
		case NALUTypePPS:
			pps = nalu
		}
	}
	return sps, pps
}
