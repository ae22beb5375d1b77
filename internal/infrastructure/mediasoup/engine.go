// Package mediasoup adapts the mediasoup worker library to the
// orchestration ports. It is the only package that imports the engine
// SDK; everything above it speaks domain types.
package mediasoup

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	mediasoup "github.com/jiyeyuran/mediasoup-go/v2"
	"go.uber.org/zap"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"
)

// Config holds worker process settings.
type Config struct {
	RtcMinPort int
	RtcMaxPort int
}

// Engine owns one mediasoup worker process and creates routers on it.
type Engine struct {
	worker  *mediasoup.Worker
	closing atomic.Bool
	logger  *zap.SugaredLogger
}

// NewEngine spawns the worker. The worker is a separate OS process; its
// death is unrecoverable and reported through OnDied.
func NewEngine(cfg Config, logger *zap.SugaredLogger) (*Engine, error) {
	worker, err := mediasoup.NewWorker(
		mediasoup.WithRtcMinPort(uint16(cfg.RtcMinPort)),
		mediasoup.WithRtcMaxPort(uint16(cfg.RtcMaxPort)),
	)
	if err != nil {
		return nil, fmt.Errorf("start media worker: %w", err)
	}
	logger.Infow("media worker started", "rtc_min_port", cfg.RtcMinPort, "rtc_max_port", cfg.RtcMaxPort)
	return &Engine{worker: worker, logger: logger}, nil
}

func (e *Engine) CreateRouter(_ context.Context, codecs []domain.RtpCodecCapability) (ports.Router, error) {
	mediaCodecs := make([]*mediasoup.RtpCodecCapability, 0, len(codecs))
	for _, codec := range codecs {
		converted := &mediasoup.RtpCodecCapability{}
		if err := roundTrip(codec, converted); err != nil {
			return nil, fmt.Errorf("convert codec %s: %w", codec.MimeType, err)
		}
		mediaCodecs = append(mediaCodecs, converted)
	}

	router, err := e.worker.CreateRouter(&mediasoup.RouterOptions{MediaCodecs: mediaCodecs})
	if err != nil {
		return nil, fmt.Errorf("create router: %w", err)
	}
	return &routerAdapter{router: router, logger: e.logger}, nil
}

func (e *Engine) OnDied(handler func(err error)) {
	e.worker.OnClose(func(context.Context) {
		// A close we initiated ourselves is shutdown, not death.
		if e.closing.Load() {
			return
		}
		handler(fmt.Errorf("media worker process exited"))
	})
}

func (e *Engine) Close() error {
	e.closing.Store(true)
	e.worker.Close()
	return nil
}

type routerAdapter struct {
	router *mediasoup.Router
	logger *zap.SugaredLogger
}

func (r *routerAdapter) ID() string {
	return r.router.Id()
}

func (r *routerAdapter) RtpCapabilities() domain.RtpCapabilities {
	var caps domain.RtpCapabilities
	if err := roundTrip(r.router.RtpCapabilities(), &caps); err != nil {
		r.logger.Errorw("converting router capabilities", "router_id", r.router.Id(), "error", err)
	}
	return caps
}

func (r *routerAdapter) CanConsume(producerID string, caps domain.RtpCapabilities) bool {
	converted := &mediasoup.RtpCapabilities{}
	if err := roundTrip(caps, converted); err != nil {
		return false
	}
	return r.router.CanConsume(producerID, converted)
}

func (r *routerAdapter) CreateWebRtcTransport(ctx context.Context, opts ports.WebRtcTransportOptions) (ports.Transport, error) {
	listenInfos := make([]mediasoup.TransportListenInfo, 0, len(opts.ListenInfos))
	for _, li := range opts.ListenInfos {
		listenInfos = append(listenInfos, mediasoup.TransportListenInfo{
			Protocol:         mediasoup.TransportProtocol(strings.ToLower(li.Protocol)),
			Ip:               li.IP,
			AnnouncedAddress: li.AnnouncedIP,
		})
	}

	transport, err := r.router.CreateWebRtcTransport(&mediasoup.WebRtcTransportOptions{
		ListenInfos: listenInfos,
		EnableTcp:   true,
		PreferUdp:   opts.PreferUDP,
	})
	if err != nil {
		return nil, err
	}
	return &transportAdapter{transport: transport, logger: r.logger}, nil
}

func (r *routerAdapter) CreatePlainTransport(ctx context.Context, opts ports.PlainTransportOptions) (ports.Transport, error) {
	rtcpMux := opts.RtcpMux
	transport, err := r.router.CreatePlainTransport(&mediasoup.PlainTransportOptions{
		ListenInfo: mediasoup.TransportListenInfo{
			Protocol:         mediasoup.TransportProtocol("udp"),
			Ip:               opts.ListenIP,
			AnnouncedAddress: opts.AnnouncedIP,
		},
		RtcpMux: &rtcpMux,
		Comedia: opts.Comedia,
	})
	if err != nil {
		return nil, err
	}
	return &transportAdapter{transport: transport, logger: r.logger}, nil
}

func (r *routerAdapter) Close() error {
	return r.router.Close()
}

type transportAdapter struct {
	transport *mediasoup.Transport
	logger    *zap.SugaredLogger
}

func (t *transportAdapter) ID() string {
	return t.transport.Id()
}

func (t *transportAdapter) Closed() bool {
	return t.transport.Closed()
}

func (t *transportAdapter) ConnectionParams() ports.WebRtcConnectionParams {
	data := t.transport.Data().WebRtcTransportData
	if data == nil {
		return ports.WebRtcConnectionParams{}
	}
	return ports.WebRtcConnectionParams{
		ID:             t.transport.Id(),
		IceParameters:  mustMarshal(data.IceParameters),
		IceCandidates:  mustMarshal(data.IceCandidates),
		DtlsParameters: mustMarshal(data.DtlsParameters),
	}
}

func (t *transportAdapter) Connect(ctx context.Context, opts ports.TransportConnectOptions) error {
	connectOpts := &mediasoup.TransportConnectOptions{}
	if len(opts.DtlsParameters) > 0 {
		params := &mediasoup.DtlsParameters{}
		if err := json.Unmarshal(opts.DtlsParameters, params); err != nil {
			return fmt.Errorf("parse dtls parameters: %w", err)
		}
		connectOpts.DtlsParameters = params
	} else {
		connectOpts.Ip = opts.IP
		port := uint16(opts.Port)
		connectOpts.Port = &port
		if opts.RtcpPort > 0 {
			rtcpPort := uint16(opts.RtcpPort)
			connectOpts.RtcpPort = &rtcpPort
		}
	}
	return t.transport.ConnectContext(ctx, connectOpts)
}

func (t *transportAdapter) SetMaxIncomingBitrate(bitrate int) error {
	return t.transport.SetMaxIncomingBitrate(uint32(bitrate))
}

func (t *transportAdapter) Produce(ctx context.Context, kind domain.MediaKind, rtpParameters json.RawMessage) (ports.Producer, error) {
	params := &mediasoup.RtpParameters{}
	if err := json.Unmarshal(rtpParameters, params); err != nil {
		return nil, fmt.Errorf("parse rtp parameters: %w", err)
	}

	producer, err := t.transport.ProduceContext(ctx, &mediasoup.ProducerOptions{
		Kind:          mediasoup.MediaKind(kind),
		RtpParameters: params,
	})
	if err != nil {
		return nil, err
	}
	return &producerAdapter{producer: producer}, nil
}

func (t *transportAdapter) Consume(ctx context.Context, producerID string, caps domain.RtpCapabilities, paused bool) (ports.Consumer, error) {
	converted := &mediasoup.RtpCapabilities{}
	if err := roundTrip(caps, converted); err != nil {
		return nil, fmt.Errorf("convert rtp capabilities: %w", err)
	}

	consumer, err := t.transport.ConsumeContext(ctx, &mediasoup.ConsumerOptions{
		ProducerId:      producerID,
		RtpCapabilities: converted,
		Paused:          paused,
	})
	if err != nil {
		return nil, err
	}
	return &consumerAdapter{consumer: consumer}, nil
}

func (t *transportAdapter) LocalRtcpPort() (int, bool) {
	data := t.transport.Data().PlainTransportData
	if data == nil || data.RtcpTuple == nil {
		return 0, false
	}
	var tuple struct {
		LocalPort int `json:"localPort"`
	}
	if err := roundTrip(data.RtcpTuple, &tuple); err != nil || tuple.LocalPort == 0 {
		return 0, false
	}
	return tuple.LocalPort, true
}

func (t *transportAdapter) OnDtlsStateChange(handler func(state string)) {
	t.transport.OnDtlsStateChange(func(state mediasoup.DtlsState) {
		handler(string(state))
	})
}

func (t *transportAdapter) Close() error {
	return t.transport.Close()
}

type producerAdapter struct {
	producer *mediasoup.Producer
}

func (p *producerAdapter) ID() string {
	return p.producer.Id()
}

func (p *producerAdapter) Kind() domain.MediaKind {
	return domain.MediaKind(p.producer.Kind())
}

func (p *producerAdapter) OnTransportClose(handler func()) {
	// The library closes the producer when its transport closes, so a
	// close listener covers the transport-close case.
	p.producer.OnClose(func(context.Context) {
		handler()
	})
}

func (p *producerAdapter) Close() error {
	return p.producer.Close()
}

type consumerAdapter struct {
	consumer *mediasoup.Consumer
}

func (c *consumerAdapter) ID() string {
	return c.consumer.Id()
}

func (c *consumerAdapter) Kind() domain.MediaKind {
	return domain.MediaKind(c.consumer.Kind())
}

func (c *consumerAdapter) ProducerID() string {
	return c.consumer.ProducerId()
}

func (c *consumerAdapter) RtpParameters() json.RawMessage {
	return mustMarshal(c.consumer.RtpParameters())
}

func (c *consumerAdapter) Resume(ctx context.Context) error {
	return c.consumer.ResumeContext(ctx)
}

func (c *consumerAdapter) RequestKeyFrame(ctx context.Context) error {
	return c.consumer.RequestKeyFrameContext(ctx)
}

func (c *consumerAdapter) OnProducerClose(handler func()) {
	c.consumer.OnProducerClose(func(context.Context) {
		handler()
	})
}

func (c *consumerAdapter) Close() error {
	return c.consumer.Close()
}

// roundTrip converts between domain types and library types through
// their shared JSON shape, so neither side depends on the other's field
// layout.
func roundTrip(from, to interface{}) error {
	data, err := json.Marshal(from)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, to)
}

func mustMarshal(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}
