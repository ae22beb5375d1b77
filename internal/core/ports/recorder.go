package ports

import (
	"context"
	"encoding/json"

	"roomcast/internal/core/domain"
)

// StreamEndpoint describes where and how the external process receives
// one media kind of a recording.
type StreamEndpoint struct {
	Kind          domain.MediaKind
	RtpPort       int
	RtcpPort      int // zero when RTCP is multiplexed on RtpPort
	LocalRtcpPort int // engine-side RTCP port, zero when unknown
	Codec         domain.RtpCodecCapability
	RtpParameters json.RawMessage
}

// RecordingJob is the complete per-kind endpoint/codec description handed
// to the launcher.
type RecordingJob struct {
	RecordingID string
	RoomName    string
	Endpoints   map[domain.MediaKind]StreamEndpoint
}

// Launcher spawns and supervises the external media-consuming process.
type Launcher interface {
	Launch(ctx context.Context, job RecordingJob) (Process, error)
}

// Process is a handle to a running recording process.
type Process interface {
	ID() string
	Terminate() error
}
