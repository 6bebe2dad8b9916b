package rtsp

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"device-streaming/internal/media"

	"github.com/pion/sdp/v3"
)

// describe builds the session description announced by DESCRIBE. Each
// track is addressed as trackID=<index>.
func describe(host string, codecs []media.Codec, sps, pps []byte) ([]byte, error) {
	addrType := "IP4"
	if ip := parseIP(host); ip != nil && ip.To4() == nil {
		addrType = "IP6"
	}

	d := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      uint64(time.Now().UnixNano()),
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    addrType,
			UnicastAddress: host,
		},
		SessionName: "Screen",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addrType,
			Address:     &sdp.Address{Address: host},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
	}
	d.WithValueAttribute("control", "*")
	d.WithValueAttribute("range", "npt=0-")

	for i, c := range codecs {
		md, err := mediaDescription(i, c, sps, pps)
		if err != nil {
			return nil, err
		}
		d.WithMedia(md)
	}
	return d.Marshal()
}

func mediaDescription(track int, c media.Codec, sps, pps []byte) (*sdp.MediaDescription, error) {
	pt := strconv.Itoa(int(payloadType(c)))
	kind := "audio"
	if c == media.CodecH264 {
		kind = "video"
	}
	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   kind,
			Port:    sdp.RangedPort{Value: 0},
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{pt},
		},
	}

	switch c {
	case media.CodecH264:
		md.WithValueAttribute("rtpmap", pt+" H264/90000")
		fmtp := pt + " packetization-mode=1"
		if len(sps) >= 4 && len(pps) > 0 {
			fmtp += fmt.Sprintf(";profile-level-id=%02X%02X%02X;sprop-parameter-sets=%s,%s",
				sps[1], sps[2], sps[3],
				base64.StdEncoding.EncodeToString(sps),
				base64.StdEncoding.EncodeToString(pps))
		}
		md.WithValueAttribute("fmtp", fmtp)
	case media.CodecOpus:
		md.WithValueAttribute("rtpmap", pt+" opus/48000/2")
		md.WithValueAttribute("fmtp", pt+" sprop-stereo=0")
	case media.CodecPCMA:
		md.WithValueAttribute("rtpmap", pt+" PCMA/8000")
	default:
		return nil, fmt.Errorf("%w: %s has no RTP mapping", media.ErrFrameFormat, c)
	}
	md.WithValueAttribute("control", "trackID="+strconv.Itoa(track))
	return md, nil
}
