package media

import "github.com/pion/webrtc/v4"

// videoCodecOrder is the platform-native codec order before any preference
// is applied; ties in NegotiatePreference preserve this order.
var videoCodecOrder = []CodecPreference{CodecAV1, CodecVP9, CodecH264, CodecVP8}

var codecMimeTypes = map[CodecPreference]string{
	CodecAV1:  "video/AV1",
	CodecVP9:  "video/VP9",
	CodecH264: "video/H264",
	CodecVP8:  "video/VP8",
}

func codecMimeType(pref CodecPreference) string {
	if pref == CodecAuto {
		pref = CodecAV1
	}
	if mt, ok := codecMimeTypes[pref]; ok {
		return mt
	}
	return codecMimeTypes[CodecAV1]
}

// NegotiatePreference returns the environment's supported video codecs
// ordered with the requested preference first; ties preserve platform
// order. `auto` resolves to AV1 first, per spec.md §4.3.
func NegotiatePreference(pref CodecPreference) []webrtc.RTPCodecCapability {
	if pref == CodecAuto {
		pref = CodecAV1
	}

	ordered := make([]CodecPreference, 0, len(videoCodecOrder))
	ordered = append(ordered, pref)
	for _, c := range videoCodecOrder {
		if c != pref {
			ordered = append(ordered, c)
		}
	}

	caps := make([]webrtc.RTPCodecCapability, 0, len(ordered))
	for _, c := range ordered {
		mt, ok := codecMimeTypes[c]
		if !ok {
			continue
		}
		caps = append(caps, webrtc.RTPCodecCapability{MimeType: mt, ClockRate: 90000})
	}
	return caps
}

// ApplyPreference applies the codec ordering to a video transceiver via
// SetCodecPreferences. Neither the Mesh Controller nor the Peer Session
// calls it: tracks are added and renegotiated without any codec ordering
// being applied to their transceivers.
func ApplyPreference(transceiver *webrtc.RTPTransceiver, pref CodecPreference, all []webrtc.RTPCodecParameters) error {
	order := NegotiatePreference(pref)
	var ordered []webrtc.RTPCodecParameters
	for _, want := range order {
		for _, have := range all {
			if have.RTPCodecCapability.MimeType == want.MimeType {
				ordered = append(ordered, have)
			}
		}
	}
	if len(ordered) == 0 {
		return nil
	}
	return transceiver.SetCodecPreferences(ordered)
}
