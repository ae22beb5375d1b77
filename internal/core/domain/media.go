package domain

import "encoding/json"

// ConnectionID identifies one live signaling connection. A new id is
// assigned on every connect; ids never outlive the connection.
type ConnectionID string

// MediaKind is the media type of a producer or consumer.
type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

// RtpCodecCapability describes one codec the router supports.
type RtpCodecCapability struct {
	Kind                 MediaKind              `json:"kind"`
	MimeType             string                 `json:"mimeType"`
	PreferredPayloadType int                    `json:"preferredPayloadType,omitempty"`
	ClockRate            int                    `json:"clockRate"`
	Channels             int                    `json:"channels,omitempty"`
	Parameters           map[string]interface{} `json:"parameters,omitempty"`
	RtcpFeedback         []RtcpFeedback         `json:"rtcpFeedback,omitempty"`
}

// RtcpFeedback is an RTCP feedback mechanism supported by a codec.
type RtcpFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

// RtpCapabilities is the codec/parameter set a party can send or receive.
// Header extensions are carried opaquely: the orchestration layer never
// interprets them, it only relays them between clients and the engine.
type RtpCapabilities struct {
	Codecs           []RtpCodecCapability `json:"codecs"`
	HeaderExtensions json.RawMessage      `json:"headerExtensions,omitempty"`
}

// CodecForKind returns the first codec of the given kind, used by the
// recording pipeline to build the single-codec capability set the external
// process expects.
func (c RtpCapabilities) CodecForKind(kind MediaKind) (RtpCodecCapability, bool) {
	for _, codec := range c.Codecs {
		if codec.Kind == kind {
			return codec, true
		}
	}
	return RtpCodecCapability{}, false
}
