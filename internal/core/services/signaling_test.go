package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"roomcast/internal/core/domain"
	sigerr "roomcast/pkg/errors"
	"roomcast/pkg/portpool"
)

type signalingFixture struct {
	engine    *fakeEngine
	registry  *RoomRegistry
	tracker   *ResourceTracker
	sessions  *SessionStore
	recording *RecordingService
	notifier  *recordingNotifier
	launcher  *MockLauncher
	pool      *portpool.Pool
	service   *SignalingService
}

func newSignalingFixture(t *testing.T) *signalingFixture {
	logger := zaptest.NewLogger(t).Sugar()
	engine := newFakeEngine()
	registry := NewRoomRegistry(engine, testCodecs, logger)
	tracker := NewResourceTracker(logger)
	sessions := NewSessionStore()
	notifier := &recordingNotifier{}
	launcher := new(MockLauncher)
	pool := portpool.New(20000, 20009)

	recording := NewRecordingService(
		RecordingConfig{Host: "127.0.0.1", ListenIP: "0.0.0.0", RtcpMux: false},
		registry, tracker, sessions, pool, launcher, nopCollector{}, logger,
	)
	service := NewSignalingService(
		SignalingConfig{PreferUDP: true, MaxIncomingBitrate: 1500000},
		registry, tracker, sessions, recording, notifier, nopCollector{}, logger,
	)
	return &signalingFixture{
		engine:    engine,
		registry:  registry,
		tracker:   tracker,
		sessions:  sessions,
		recording: recording,
		notifier:  notifier,
		launcher:  launcher,
		pool:      pool,
		service:   service,
	}
}

// joinAndProduce walks a connection through connect, join, transport
// creation and producing one video stream.
func (f *signalingFixture) joinAndProduce(t *testing.T, connID domain.ConnectionID, roomName string) string {
	ctx := context.Background()
	f.service.Connect(connID)

	_, err := f.service.JoinRoom(ctx, connID, roomName)
	require.NoError(t, err)

	_, err = f.service.CreateWebRtcTransport(ctx, connID, false)
	require.NoError(t, err)
	require.NoError(t, f.service.TransportConnect(ctx, connID, json.RawMessage(`{}`)))

	reply, err := f.service.TransportProduce(ctx, connID, domain.MediaKindVideo, json.RawMessage(`{"codecs":[]}`))
	require.NoError(t, err)
	return reply.ID
}

func TestSignaling_ConnectGreetsWithSocketID(t *testing.T) {
	f := newSignalingFixture(t)
	f.service.Connect("conn-a")

	greetings := f.notifier.eventsFor("conn-a", "connection-success")
	require.Len(t, greetings, 1)
	payload := greetings[0].Payload.(map[string]interface{})
	assert.Equal(t, domain.ConnectionID("conn-a"), payload["socketId"])
}

func TestSignaling_JoinRoom(t *testing.T) {
	f := newSignalingFixture(t)
	ctx := context.Background()

	f.service.Connect("conn-a")
	f.service.Connect("conn-b")

	replyA, err := f.service.JoinRoom(ctx, "conn-a", "news")
	require.NoError(t, err)
	assert.True(t, replyA.IsAdmin)
	assert.Len(t, replyA.RtpCapabilities.Codecs, 2)

	replyB, err := f.service.JoinRoom(ctx, "conn-b", "news")
	require.NoError(t, err)
	assert.False(t, replyB.IsAdmin)
	assert.Equal(t, replyA.RtpCapabilities, replyB.RtpCapabilities, "members negotiate against the same router capabilities")

	assert.Len(t, f.notifier.eventsFor("conn-a", "room-start"), 1)
	assert.Empty(t, f.notifier.eventsFor("conn-b", "room-start"))
}

func TestSignaling_JoinRoomValidation(t *testing.T) {
	f := newSignalingFixture(t)
	ctx := context.Background()
	f.service.Connect("conn-a")

	_, err := f.service.JoinRoom(ctx, "conn-a", "")
	assert.True(t, sigerr.Is(err, sigerr.ErrCodeProtocolViolation))

	_, err = f.service.JoinRoom(ctx, "conn-a", "news")
	require.NoError(t, err)
	_, err = f.service.JoinRoom(ctx, "conn-a", "sports")
	assert.True(t, sigerr.Is(err, sigerr.ErrCodeProtocolViolation), "double join is rejected")

	_, err = f.service.JoinRoom(ctx, "ghost", "news")
	assert.True(t, sigerr.Is(err, sigerr.ErrCodeNotFound))
}

func TestSignaling_OperationsRequireJoin(t *testing.T) {
	f := newSignalingFixture(t)
	ctx := context.Background()
	f.service.Connect("conn-a")

	_, err := f.service.GetRtpCapabilities("conn-a")
	assert.True(t, sigerr.Is(err, sigerr.ErrCodeProtocolViolation))

	_, err = f.service.CreateWebRtcTransport(ctx, "conn-a", false)
	assert.True(t, sigerr.Is(err, sigerr.ErrCodeProtocolViolation))

	_, err = f.service.GetProducers("conn-a")
	assert.True(t, sigerr.Is(err, sigerr.ErrCodeProtocolViolation))

	err = f.service.StartRecord(ctx, "conn-a")
	assert.True(t, sigerr.Is(err, sigerr.ErrCodeProtocolViolation))
}

func TestSignaling_ProduceBeforeTransportIsRejected(t *testing.T) {
	f := newSignalingFixture(t)
	ctx := context.Background()
	f.service.Connect("conn-a")
	_, err := f.service.JoinRoom(ctx, "conn-a", "news")
	require.NoError(t, err)

	err = f.service.TransportConnect(ctx, "conn-a", json.RawMessage(`{}`))
	assert.True(t, sigerr.Is(err, sigerr.ErrCodeProtocolViolation))

	_, err = f.service.TransportProduce(ctx, "conn-a", domain.MediaKindVideo, nil)
	assert.True(t, sigerr.Is(err, sigerr.ErrCodeProtocolViolation))
}

func TestSignaling_ProduceFansOutToOtherMembers(t *testing.T) {
	f := newSignalingFixture(t)
	ctx := context.Background()

	f.service.Connect("conn-b")
	_, err := f.service.JoinRoom(ctx, "conn-b", "news")
	require.NoError(t, err)

	producerID := f.joinAndProduce(t, "conn-a", "news")

	fanOut := f.notifier.eventsFor("conn-b", "new-producer")
	require.Len(t, fanOut, 1)
	payload := fanOut[0].Payload.(map[string]interface{})
	assert.Equal(t, producerID, payload["producerId"])

	// The producing connection does not hear about its own producer.
	assert.Empty(t, f.notifier.eventsFor("conn-a", "new-producer"))
}

func TestSignaling_ProducersExistFlag(t *testing.T) {
	f := newSignalingFixture(t)
	ctx := context.Background()

	f.service.Connect("conn-a")
	_, err := f.service.JoinRoom(ctx, "conn-a", "news")
	require.NoError(t, err)
	_, err = f.service.CreateWebRtcTransport(ctx, "conn-a", false)
	require.NoError(t, err)

	first, err := f.service.TransportProduce(ctx, "conn-a", domain.MediaKindAudio, nil)
	require.NoError(t, err)
	assert.False(t, first.ProducersExist, "first producer in the room sees no others")

	second, err := f.service.TransportProduce(ctx, "conn-a", domain.MediaKindVideo, nil)
	require.NoError(t, err)
	assert.True(t, second.ProducersExist)
}

func TestSignaling_GetProducersExcludesOwn(t *testing.T) {
	f := newSignalingFixture(t)

	producerA := f.joinAndProduce(t, "conn-a", "news")
	producerB := f.joinAndProduce(t, "conn-b", "news")

	idsA, err := f.service.GetProducers("conn-a")
	require.NoError(t, err)
	assert.Equal(t, []string{producerB}, idsA)

	idsB, err := f.service.GetProducers("conn-b")
	require.NoError(t, err)
	assert.Equal(t, []string{producerA}, idsB)

	// A member with no remote producers gets an empty, non-nil list.
	f.service.Connect("conn-c")
	_, err = f.service.JoinRoom(context.Background(), "conn-c", "sports")
	require.NoError(t, err)
	idsC, err := f.service.GetProducers("conn-c")
	require.NoError(t, err)
	assert.NotNil(t, idsC)
	assert.Empty(t, idsC)
}

func TestSignaling_ConsumeLifecycle(t *testing.T) {
	f := newSignalingFixture(t)
	ctx := context.Background()

	producerID := f.joinAndProduce(t, "conn-a", "news")

	f.service.Connect("conn-b")
	_, err := f.service.JoinRoom(ctx, "conn-b", "news")
	require.NoError(t, err)
	recvParams, err := f.service.CreateWebRtcTransport(ctx, "conn-b", true)
	require.NoError(t, err)
	require.NoError(t, f.service.TransportRecvConnect(ctx, "conn-b", recvParams.ID, json.RawMessage(`{}`)))

	reply, err := f.service.Consume(ctx, "conn-b", recvParams.ID, producerID, json.RawMessage(`{"codecs":[]}`))
	require.NoError(t, err)
	assert.Equal(t, producerID, reply.ProducerID)
	assert.Equal(t, reply.ID, reply.ServerConsumerID)

	consumer, err := f.tracker.Consumer("conn-b", reply.ID)
	require.NoError(t, err)
	assert.True(t, consumer.(*fakeConsumer).isPaused(), "consumers start paused")

	require.NoError(t, f.service.ConsumerResume(ctx, "conn-b", reply.ID))
	assert.False(t, consumer.(*fakeConsumer).isPaused())
}

func TestSignaling_ConsumeRejectedWhenNotConsumable(t *testing.T) {
	f := newSignalingFixture(t)
	ctx := context.Background()

	producerID := f.joinAndProduce(t, "conn-a", "news")
	f.engine.routers[0].denyConsume = map[string]bool{producerID: true}

	f.service.Connect("conn-b")
	_, err := f.service.JoinRoom(ctx, "conn-b", "news")
	require.NoError(t, err)
	recvParams, err := f.service.CreateWebRtcTransport(ctx, "conn-b", true)
	require.NoError(t, err)

	_, err = f.service.Consume(ctx, "conn-b", recvParams.ID, producerID, json.RawMessage(`{"codecs":[]}`))
	assert.True(t, sigerr.Is(err, sigerr.ErrCodeNotConsumable))

	// The rejection leaves no consumer behind.
	_ = f.sessions.With("conn-b", func(session *domain.PeerSession) error {
		assert.Empty(t, session.ConsumerIDs)
		return nil
	})
}

func TestSignaling_ConsumeOnForeignTransportIsRejected(t *testing.T) {
	f := newSignalingFixture(t)
	ctx := context.Background()

	producerID := f.joinAndProduce(t, "conn-a", "news")

	f.service.Connect("conn-b")
	_, err := f.service.JoinRoom(ctx, "conn-b", "news")
	require.NoError(t, err)
	recvParams, err := f.service.CreateWebRtcTransport(ctx, "conn-b", true)
	require.NoError(t, err)

	f.service.Connect("conn-c")
	_, err = f.service.JoinRoom(ctx, "conn-c", "news")
	require.NoError(t, err)

	_, err = f.service.Consume(ctx, "conn-c", recvParams.ID, producerID, json.RawMessage(`{"codecs":[]}`))
	assert.True(t, sigerr.Is(err, sigerr.ErrCodeNotFound))
}

func TestSignaling_ProducerCloseNotifiesConsumers(t *testing.T) {
	f := newSignalingFixture(t)
	ctx := context.Background()

	producerID := f.joinAndProduce(t, "conn-a", "news")

	f.service.Connect("conn-b")
	_, err := f.service.JoinRoom(ctx, "conn-b", "news")
	require.NoError(t, err)
	recvParams, err := f.service.CreateWebRtcTransport(ctx, "conn-b", true)
	require.NoError(t, err)
	reply, err := f.service.Consume(ctx, "conn-b", recvParams.ID, producerID, json.RawMessage(`{"codecs":[]}`))
	require.NoError(t, err)

	consumer, err := f.tracker.Consumer("conn-b", reply.ID)
	require.NoError(t, err)

	// Fire the engine's producer-close event.
	consumer.(*fakeConsumer).producerClose()

	assert.Eventually(t, func() bool {
		return len(f.notifier.eventsFor("conn-b", "producer-closed")) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Eventually(t, func() bool {
		_, err := f.tracker.Consumer("conn-b", reply.ID)
		return err != nil
	}, time.Second, 5*time.Millisecond, "consumer and its transport are torn down")
}

func TestSignaling_DisconnectCleansUpEverything(t *testing.T) {
	f := newSignalingFixture(t)

	f.joinAndProduce(t, "conn-a", "news")
	require.True(t, f.sessions.Exists("conn-a"))

	f.service.Disconnect("conn-a")

	assert.False(t, f.sessions.Exists("conn-a"))
	assert.False(t, f.tracker.OwnedBy("conn-a"))
	_, ok := f.registry.Router("news")
	assert.False(t, ok, "last member's disconnect frees the room")
	assert.True(t, f.engine.routers[0].closed)
}

func TestSignaling_DisconnectKeepsRoomForRemainingMembers(t *testing.T) {
	f := newSignalingFixture(t)

	f.joinAndProduce(t, "conn-a", "news")
	f.joinAndProduce(t, "conn-b", "news")

	f.service.Disconnect("conn-a")

	_, ok := f.registry.Router("news")
	assert.True(t, ok)
	ids, err := f.service.GetProducers("conn-b")
	require.NoError(t, err)
	assert.Empty(t, ids, "the leaver's producers are gone")
}

func TestSignaling_StopRecordWithoutRecording(t *testing.T) {
	f := newSignalingFixture(t)
	f.joinAndProduce(t, "conn-a", "news")

	err := f.service.StopRecord("conn-a")
	assert.True(t, sigerr.Is(err, sigerr.ErrCodeNotRecording))
}
