package ports

import (
	"context"
	"encoding/json"

	"roomcast/internal/core/domain"
)

// MediaEngine is the capability surface of the external media engine
// worker process. The orchestration layer never routes media itself; it
// only creates routers and reacts to lifecycle events.
type MediaEngine interface {
	// CreateRouter creates a router with the given codec set. It fails
	// only when the worker process is unavailable, which is fatal.
	CreateRouter(ctx context.Context, codecs []domain.RtpCodecCapability) (Router, error)

	// OnDied registers a handler invoked when the worker process dies.
	OnDied(handler func(err error))

	Close() error
}

// ListenInfo is one address/protocol pair a WebRTC transport listens on.
type ListenInfo struct {
	Protocol    string // "udp" or "tcp"
	IP          string
	AnnouncedIP string
}

// WebRtcTransportOptions configures an ICE/DTLS transport for a browser
// peer.
type WebRtcTransportOptions struct {
	ListenInfos []ListenInfo
	PreferUDP   bool
}

// PlainTransportOptions configures a non-ICE RTP transport used to feed
// the recording process.
type PlainTransportOptions struct {
	ListenIP    string
	AnnouncedIP string
	RtcpMux     bool
	Comedia     bool
}

// TransportConnectOptions carries either the DTLS material of a WebRTC
// transport connect or the fixed endpoint of a plain transport connect.
type TransportConnectOptions struct {
	DtlsParameters json.RawMessage

	IP       string
	Port     int
	RtcpPort int
}

// Router routes media between transports of one room.
type Router interface {
	ID() string
	RtpCapabilities() domain.RtpCapabilities
	CanConsume(producerID string, caps domain.RtpCapabilities) bool
	CreateWebRtcTransport(ctx context.Context, opts WebRtcTransportOptions) (Transport, error)
	CreatePlainTransport(ctx context.Context, opts PlainTransportOptions) (Transport, error)
	Close() error
}

// WebRtcConnectionParams is the ICE/DTLS material a client needs to
// connect to a freshly created WebRTC transport.
type WebRtcConnectionParams struct {
	ID             string          `json:"id"`
	IceParameters  json.RawMessage `json:"iceParameters"`
	IceCandidates  json.RawMessage `json:"iceCandidates"`
	DtlsParameters json.RawMessage `json:"dtlsParameters"`
}

// Transport is a negotiated network path on a router.
type Transport interface {
	ID() string
	Closed() bool

	// ConnectionParams returns the ICE/DTLS material for WebRTC
	// transports; it is zero-valued for plain transports.
	ConnectionParams() WebRtcConnectionParams

	Connect(ctx context.Context, opts TransportConnectOptions) error
	SetMaxIncomingBitrate(bitrate int) error
	Produce(ctx context.Context, kind domain.MediaKind, rtpParameters json.RawMessage) (Producer, error)
	Consume(ctx context.Context, producerID string, caps domain.RtpCapabilities, paused bool) (Consumer, error)

	// LocalRtcpPort returns the transport-local RTCP port of a plain
	// transport when RTCP is not multiplexed.
	LocalRtcpPort() (int, bool)

	// OnDtlsStateChange fires on DTLS handshake state transitions
	// ("connecting", "connected", "closed", "failed").
	OnDtlsStateChange(handler func(state string))

	Close() error
}

// Producer is one inbound media stream published through a transport.
type Producer interface {
	ID() string
	Kind() domain.MediaKind

	// OnTransportClose fires when the owning transport closes; the
	// engine force-closes the producer in that case.
	OnTransportClose(handler func())

	Close() error
}

// Consumer is one outbound media stream sourced from a producer.
// Consumers are created paused and resumed by their owner.
type Consumer interface {
	ID() string
	Kind() domain.MediaKind
	ProducerID() string
	RtpParameters() json.RawMessage

	Resume(ctx context.Context) error
	RequestKeyFrame(ctx context.Context) error

	// OnProducerClose fires when the consumed producer closes.
	OnProducerClose(handler func())

	Close() error
}
