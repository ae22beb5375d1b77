package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/stretchr/testify/mock"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"
)

// Stateful engine fakes. The engine handles carry state (paused flags,
// registered callbacks, close status) that interaction mocks cannot
// express, so they are hand-rolled; one-way collaborators (launcher,
// notifier, process) use testify mocks below.

type fakeEngine struct {
	mu          sync.Mutex
	routerSeq   int
	routers     []*fakeRouter
	createErr   error
	diedHandler func(err error)
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{}
}

func (e *fakeEngine) CreateRouter(_ context.Context, codecs []domain.RtpCodecCapability) (ports.Router, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.createErr != nil {
		return nil, e.createErr
	}
	e.routerSeq++
	router := &fakeRouter{
		id:     fmt.Sprintf("router-%d", e.routerSeq),
		codecs: codecs,
		engine: e,
	}
	e.routers = append(e.routers, router)
	return router, nil
}

func (e *fakeEngine) OnDied(handler func(err error)) {
	e.diedHandler = handler
}

func (e *fakeEngine) Close() error { return nil }

type fakeRouter struct {
	mu         sync.Mutex
	id         string
	codecs     []domain.RtpCodecCapability
	engine     *fakeEngine
	transports []*fakeTransport
	closed     bool

	transportSeq int

	// denyConsume lists producer ids CanConsume rejects.
	denyConsume map[string]bool

	webRtcErr error
	plainErr  error
}

func (r *fakeRouter) ID() string { return r.id }

func (r *fakeRouter) RtpCapabilities() domain.RtpCapabilities {
	return domain.RtpCapabilities{Codecs: r.codecs}
}

func (r *fakeRouter) CanConsume(producerID string, _ domain.RtpCapabilities) bool {
	return !r.denyConsume[producerID]
}

func (r *fakeRouter) newTransport(plain bool) *fakeTransport {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.transportSeq++
	transport := &fakeTransport{
		id:     fmt.Sprintf("%s-transport-%d", r.id, r.transportSeq),
		router: r,
		plain:  plain,
	}
	r.transports = append(r.transports, transport)
	return transport
}

func (r *fakeRouter) CreateWebRtcTransport(_ context.Context, _ ports.WebRtcTransportOptions) (ports.Transport, error) {
	if r.webRtcErr != nil {
		return nil, r.webRtcErr
	}
	return r.newTransport(false), nil
}

func (r *fakeRouter) CreatePlainTransport(_ context.Context, opts ports.PlainTransportOptions) (ports.Transport, error) {
	if r.plainErr != nil {
		return nil, r.plainErr
	}
	transport := r.newTransport(true)
	transport.rtcpMux = opts.RtcpMux
	return transport, nil
}

func (r *fakeRouter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	return nil
}

type fakeTransport struct {
	mu     sync.Mutex
	id     string
	router *fakeRouter
	plain  bool

	rtcpMux     bool
	closed      bool
	connected   bool
	connectOpts ports.TransportConnectOptions
	maxBitrate  int

	producerSeq int
	consumerSeq int
	producers   []*fakeProducer
	consumers   []*fakeConsumer

	connectErr error
	produceErr error
	consumeErr error

	dtlsHandler func(state string)
}

func (t *fakeTransport) ID() string   { return t.id }
func (t *fakeTransport) Closed() bool { t.mu.Lock(); defer t.mu.Unlock(); return t.closed }

func (t *fakeTransport) ConnectionParams() ports.WebRtcConnectionParams {
	if t.plain {
		return ports.WebRtcConnectionParams{}
	}
	return ports.WebRtcConnectionParams{
		ID:             t.id,
		IceParameters:  json.RawMessage(`{"usernameFragment":"frag"}`),
		IceCandidates:  json.RawMessage(`[]`),
		DtlsParameters: json.RawMessage(`{"role":"auto"}`),
	}
}

func (t *fakeTransport) Connect(_ context.Context, opts ports.TransportConnectOptions) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connectErr != nil {
		return t.connectErr
	}
	t.connected = true
	t.connectOpts = opts
	return nil
}

func (t *fakeTransport) SetMaxIncomingBitrate(bitrate int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.maxBitrate = bitrate
	return nil
}

func (t *fakeTransport) Produce(_ context.Context, kind domain.MediaKind, _ json.RawMessage) (ports.Producer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.produceErr != nil {
		return nil, t.produceErr
	}
	t.producerSeq++
	producer := &fakeProducer{
		id:   fmt.Sprintf("%s-producer-%d", t.id, t.producerSeq),
		kind: kind,
	}
	t.producers = append(t.producers, producer)
	return producer, nil
}

func (t *fakeTransport) Consume(_ context.Context, producerID string, _ domain.RtpCapabilities, paused bool) (ports.Consumer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.consumeErr != nil {
		return nil, t.consumeErr
	}
	t.consumerSeq++
	consumer := &fakeConsumer{
		id:         fmt.Sprintf("%s-consumer-%d", t.id, t.consumerSeq),
		kind:       domain.MediaKindVideo,
		producerID: producerID,
		paused:     paused,
	}
	t.consumers = append(t.consumers, consumer)
	return consumer, nil
}

func (t *fakeTransport) LocalRtcpPort() (int, bool) {
	if t.plain && !t.rtcpMux {
		return 40000, true
	}
	return 0, false
}

func (t *fakeTransport) OnDtlsStateChange(handler func(state string)) {
	t.dtlsHandler = handler
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	return nil
}

type fakeProducer struct {
	mu             sync.Mutex
	id             string
	kind           domain.MediaKind
	closed         bool
	transportClose func()
}

func (p *fakeProducer) ID() string             { return p.id }
func (p *fakeProducer) Kind() domain.MediaKind { return p.kind }

func (p *fakeProducer) OnTransportClose(handler func()) {
	p.transportClose = handler
}

func (p *fakeProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	return nil
}

type fakeConsumer struct {
	mu            sync.Mutex
	id            string
	kind          domain.MediaKind
	producerID    string
	paused        bool
	closed        bool
	keyFrames     int
	resumeErr     error
	producerClose func()
}

func (c *fakeConsumer) ID() string             { return c.id }
func (c *fakeConsumer) Kind() domain.MediaKind { return c.kind }
func (c *fakeConsumer) ProducerID() string     { return c.producerID }

func (c *fakeConsumer) RtpParameters() json.RawMessage {
	return json.RawMessage(`{"codecs":[]}`)
}

func (c *fakeConsumer) Resume(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.resumeErr != nil {
		return c.resumeErr
	}
	c.paused = false
	return nil
}

func (c *fakeConsumer) RequestKeyFrame(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.keyFrames++
	return nil
}

func (c *fakeConsumer) OnProducerClose(handler func()) {
	c.producerClose = handler
}

func (c *fakeConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	return nil
}

func (c *fakeConsumer) isPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.paused
}

// MockNotifier records notifications per connection.
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(connID domain.ConnectionID, event string, payload interface{}) error {
	args := m.Called(connID, event, payload)
	return args.Error(0)
}

// recordingNotifier is a notifier that just accumulates events; handy
// when a test cares about some notifications but must not fail on
// incidental ones.
type recordingNotifier struct {
	mu     sync.Mutex
	events []notification
}

type notification struct {
	ConnID  domain.ConnectionID
	Event   string
	Payload interface{}
}

func (n *recordingNotifier) Notify(connID domain.ConnectionID, event string, payload interface{}) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.events = append(n.events, notification{ConnID: connID, Event: event, Payload: payload})
	return nil
}

func (n *recordingNotifier) eventsFor(connID domain.ConnectionID, event string) []notification {
	n.mu.Lock()
	defer n.mu.Unlock()

	var out []notification
	for _, evt := range n.events {
		if evt.ConnID == connID && evt.Event == event {
			out = append(out, evt)
		}
	}
	return out
}

type MockLauncher struct {
	mock.Mock
}

func (m *MockLauncher) Launch(ctx context.Context, job ports.RecordingJob) (ports.Process, error) {
	args := m.Called(ctx, job)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(ports.Process), args.Error(1)
}

type MockProcess struct {
	mock.Mock
}

func (m *MockProcess) ID() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockProcess) Terminate() error {
	args := m.Called()
	return args.Error(0)
}

// nopCollector satisfies ports.Collector for tests that do not assert
// on metrics.
type nopCollector struct{}

func (nopCollector) ConnectionOpened()                   {}
func (nopCollector) ConnectionClosed()                   {}
func (nopCollector) RoomCreated()                        {}
func (nopCollector) RoomClosed()                         {}
func (nopCollector) ProducerAdded()                      {}
func (nopCollector) ProducerRemoved()                    {}
func (nopCollector) ConsumerAdded()                      {}
func (nopCollector) ConsumerRemoved()                    {}
func (nopCollector) RecordingStarted()                   {}
func (nopCollector) RecordingStopped()                   {}
func (nopCollector) RequestHandled(string, error, float64) {}

var testCodecs = []domain.RtpCodecCapability{
	{
		Kind:      domain.MediaKindAudio,
		MimeType:  "audio/opus",
		ClockRate: 48000,
		Channels:  2,
	},
	{
		Kind:      domain.MediaKindVideo,
		MimeType:  "video/VP8",
		ClockRate: 90000,
		RtcpFeedback: []domain.RtcpFeedback{
			{Type: "nack"},
			{Type: "nack", Parameter: "pli"},
		},
	},
}
