package recorder

import (
	"fmt"
	"strings"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"
)

// sdpKindOrder fixes the media section order so the ffmpeg -map indexes
// stay stable regardless of map iteration order.
var sdpKindOrder = []domain.MediaKind{domain.MediaKindVideo, domain.MediaKindAudio}

// buildSDP renders the session description ffmpeg reads to find the RTP
// streams. One media section per recorded kind, receive-only from
// ffmpeg's point of view.
func buildSDP(job ports.RecordingJob, host string) string {
	var b strings.Builder
	b.WriteString("v=0\n")
	fmt.Fprintf(&b, "o=- 0 0 IN IP4 %s\n", host)
	b.WriteString("s=FFmpeg\n")
	fmt.Fprintf(&b, "c=IN IP4 %s\n", host)
	b.WriteString("t=0 0\n")

	for _, kind := range sdpKindOrder {
		endpoint, ok := job.Endpoints[kind]
		if !ok {
			continue
		}
		pt := payloadType(endpoint)
		fmt.Fprintf(&b, "m=%s %d RTP/AVP %d\n", kind, endpoint.RtpPort, pt)
		fmt.Fprintf(&b, "a=rtpmap:%d %s\n", pt, rtpmap(endpoint.Codec))
		if endpoint.RtcpPort > 0 {
			fmt.Fprintf(&b, "a=rtcp:%d\n", endpoint.RtcpPort)
		}
		b.WriteString("a=sendonly\n")
	}
	return b.String()
}

func payloadType(endpoint ports.StreamEndpoint) int {
	if endpoint.Codec.PreferredPayloadType > 0 {
		return endpoint.Codec.PreferredPayloadType
	}
	if endpoint.Kind == domain.MediaKindAudio {
		return 111
	}
	return 96
}

// rtpmap renders "VP8/90000" or "opus/48000/2" from a codec capability.
func rtpmap(codec domain.RtpCodecCapability) string {
	name := codec.MimeType
	if idx := strings.IndexByte(name, '/'); idx >= 0 {
		name = name[idx+1:]
	}
	if codec.Channels > 1 {
		return fmt.Sprintf("%s/%d/%d", name, codec.ClockRate, codec.Channels)
	}
	return fmt.Sprintf("%s/%d", name, codec.ClockRate)
}
