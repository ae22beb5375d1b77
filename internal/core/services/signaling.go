package services

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"
	sigerr "roomcast/pkg/errors"
	"roomcast/pkg/validation"
)

// SignalingConfig is the subset of process configuration the signaling
// service needs for transport creation.
type SignalingConfig struct {
	ListenInfos        []ports.ListenInfo
	PreferUDP          bool
	MaxIncomingBitrate int
}

// JoinReply answers a joinRoom request.
type JoinReply struct {
	RtpCapabilities domain.RtpCapabilities `json:"rtpCapabilities"`
	IsAdmin         bool                   `json:"isAdmin"`
}

// ProduceReply answers a transport-produce request. ProducersExist tells
// the client whether the room already had media to consume.
type ProduceReply struct {
	ID             string `json:"id"`
	ProducersExist bool   `json:"producersExist"`
}

// ConsumeReply answers a consume request. The consumer starts paused;
// the client must send consumer-resume once its receiving side is ready.
type ConsumeReply struct {
	ID               string          `json:"id"`
	ProducerID       string          `json:"producerId"`
	Kind             domain.MediaKind `json:"kind"`
	RtpParameters    json.RawMessage `json:"rtpParameters"`
	ServerConsumerID string          `json:"serverConsumerId"`
}

// SignalingService is the protocol state machine. Requests arrive from
// the gateway strictly in per-connection order; preconditions are
// validated against the registry, tracker and session state before any
// engine call is made.
type SignalingService struct {
	cfg       SignalingConfig
	registry  *RoomRegistry
	tracker   *ResourceTracker
	sessions  *SessionStore
	recording *RecordingService
	notifier  ports.Notifier
	collector ports.Collector
	logger    *zap.SugaredLogger
}

func NewSignalingService(
	cfg SignalingConfig,
	registry *RoomRegistry,
	tracker *ResourceTracker,
	sessions *SessionStore,
	recording *RecordingService,
	notifier ports.Notifier,
	collector ports.Collector,
	logger *zap.SugaredLogger,
) *SignalingService {
	return &SignalingService{
		cfg:       cfg,
		registry:  registry,
		tracker:   tracker,
		sessions:  sessions,
		recording: recording,
		notifier:  notifier,
		collector: collector,
		logger:    logger,
	}
}

// Connect registers a new connection and greets it with its id.
func (s *SignalingService) Connect(connID domain.ConnectionID) {
	s.sessions.Create(connID)
	s.collector.ConnectionOpened()
	s.notify(connID, "connection-success", map[string]interface{}{"socketId": connID})
	s.logger.Infow("connection established", "conn_id", connID)
}

// Disconnect tears down everything the connection owns: active
// recording, engine resources, room membership, session. Cleanup is
// best-effort and always runs to completion.
func (s *SignalingService) Disconnect(connID domain.ConnectionID) {
	if err := s.recording.StopIfActive(connID); err != nil {
		s.logger.Warnw("stopping recording on disconnect", "conn_id", connID, "error", err)
	}

	s.tracker.RemoveByConnection(connID)

	var roomName string
	_ = s.sessions.With(connID, func(session *domain.PeerSession) error {
		roomName = session.RoomName
		return nil
	})
	if roomName != "" {
		if s.registry.Leave(roomName, connID) {
			s.collector.RoomClosed()
		}
	}
	s.sessions.Delete(connID)
	s.collector.ConnectionClosed()
	s.logger.Infow("connection cleaned up", "conn_id", connID, "room", roomName)
}

// GetRtpCapabilities returns the codec capability set of the
// connection's room router.
func (s *SignalingService) GetRtpCapabilities(connID domain.ConnectionID) (domain.RtpCapabilities, error) {
	roomName, err := s.roomOf(connID)
	if err != nil {
		return domain.RtpCapabilities{}, err
	}
	router, ok := s.registry.Router(roomName)
	if !ok {
		return domain.RtpCapabilities{}, sigerr.NewNotFound("room router")
	}
	return router.RtpCapabilities(), nil
}

// JoinRoom joins the connection to roomName, creating the room's router
// on first join. The creator becomes room administrator and receives a
// room-start notification.
func (s *SignalingService) JoinRoom(ctx context.Context, connID domain.ConnectionID, roomName string) (JoinReply, error) {
	if err := validation.ValidateRoomName(roomName); err != nil {
		return JoinReply{}, sigerr.NewProtocolViolation(err.Error())
	}

	var alreadyJoined bool
	err := s.sessions.With(connID, func(session *domain.PeerSession) error {
		alreadyJoined = session.Joined()
		return nil
	})
	if err != nil {
		return JoinReply{}, sigerr.Wrap(err, sigerr.ErrCodeNotFound, "unknown connection")
	}
	if alreadyJoined {
		return JoinReply{}, sigerr.NewProtocolViolation("connection already joined a room")
	}

	router, isAdmin, err := s.registry.GetOrCreateRouter(ctx, roomName, connID)
	if err != nil {
		return JoinReply{}, sigerr.Wrap(err, sigerr.ErrCodeEngineFatal, "failed to create room router")
	}
	if isAdmin {
		s.collector.RoomCreated()
	}

	_ = s.sessions.With(connID, func(session *domain.PeerSession) error {
		session.RoomName = roomName
		session.IsAdmin = isAdmin
		return nil
	})

	if isAdmin {
		s.notify(connID, "room-start", map[string]interface{}{"roomName": roomName})
	}

	return JoinReply{RtpCapabilities: router.RtpCapabilities(), IsAdmin: isAdmin}, nil
}

// CreateWebRtcTransport creates an ICE/DTLS transport on the room
// router. Producer-side transports get the configured incoming bitrate
// cap applied.
func (s *SignalingService) CreateWebRtcTransport(ctx context.Context, connID domain.ConnectionID, isConsumer bool) (ports.WebRtcConnectionParams, error) {
	roomName, err := s.roomOf(connID)
	if err != nil {
		return ports.WebRtcConnectionParams{}, err
	}
	router, ok := s.registry.Router(roomName)
	if !ok {
		return ports.WebRtcConnectionParams{}, sigerr.NewNotFound("room router")
	}

	transport, err := router.CreateWebRtcTransport(ctx, ports.WebRtcTransportOptions{
		ListenInfos: s.cfg.ListenInfos,
		PreferUDP:   s.cfg.PreferUDP,
	})
	if err != nil {
		return ports.WebRtcConnectionParams{}, sigerr.Wrap(err, sigerr.ErrCodeInternal, "failed to create transport")
	}

	if !isConsumer && s.cfg.MaxIncomingBitrate > 0 {
		if err := transport.SetMaxIncomingBitrate(s.cfg.MaxIncomingBitrate); err != nil {
			s.logger.Warnw("setting max incoming bitrate", "transport_id", transport.ID(), "error", err)
		}
	}

	transportID := transport.ID()
	transport.OnDtlsStateChange(func(state string) {
		if state != "closed" {
			return
		}
		s.registry.Dispatch(roomName, func() {
			s.tracker.RemoveTransport(transportID)
		})
	})

	s.tracker.AddTransport(transport, connID, roomName, isConsumer)
	_ = s.sessions.With(connID, func(session *domain.PeerSession) error {
		session.AddTransport(transportID)
		return nil
	})

	s.logger.Debugw("transport created", "conn_id", connID, "transport_id", transportID, "consumer_side", isConsumer)
	return transport.ConnectionParams(), nil
}

// TransportConnect completes the DTLS handshake of the connection's
// producer-side transport.
func (s *SignalingService) TransportConnect(ctx context.Context, connID domain.ConnectionID, dtlsParameters json.RawMessage) error {
	transport, err := s.tracker.ProducerTransport(connID)
	if err != nil {
		return sigerr.NewProtocolViolation("no producer transport; create one before connecting")
	}
	if err := transport.Connect(ctx, ports.TransportConnectOptions{DtlsParameters: dtlsParameters}); err != nil {
		return sigerr.Wrap(err, sigerr.ErrCodeInternal, "transport connect failed")
	}
	return nil
}

// TransportRecvConnect completes DTLS on a registered consumer-side
// transport identified by id.
func (s *SignalingService) TransportRecvConnect(ctx context.Context, connID domain.ConnectionID, transportID string, dtlsParameters json.RawMessage) error {
	transport, err := s.tracker.ConsumerTransport(connID, transportID)
	if err != nil {
		return sigerr.NewNotFound("consumer transport")
	}
	if err := transport.Connect(ctx, ports.TransportConnectOptions{DtlsParameters: dtlsParameters}); err != nil {
		return sigerr.Wrap(err, sigerr.ErrCodeInternal, "transport connect failed")
	}
	return nil
}

// TransportProduce creates a producer on the connection's producer
// transport, registers it, and fans the new producer id out to every
// other room member before replying, so a getProducers issued on receipt
// of the notification always observes it.
func (s *SignalingService) TransportProduce(ctx context.Context, connID domain.ConnectionID, kind domain.MediaKind, rtpParameters json.RawMessage) (ProduceReply, error) {
	roomName, err := s.roomOf(connID)
	if err != nil {
		return ProduceReply{}, err
	}
	if kind != domain.MediaKindAudio && kind != domain.MediaKindVideo {
		return ProduceReply{}, sigerr.NewProtocolViolation("kind must be audio or video")
	}

	transport, err := s.tracker.ProducerTransport(connID)
	if err != nil {
		return ProduceReply{}, sigerr.NewProtocolViolation("no producer transport; create and connect one before producing")
	}

	producer, err := transport.Produce(ctx, kind, rtpParameters)
	if err != nil {
		return ProduceReply{}, sigerr.Wrap(err, sigerr.ErrCodeInternal, "produce failed")
	}

	producerID := producer.ID()
	producer.OnTransportClose(func() {
		s.registry.Dispatch(roomName, func() {
			s.tracker.RemoveProducer(producerID)
			s.collector.ProducerRemoved()
		})
	})

	s.tracker.AddProducer(producer, connID, roomName)
	_ = s.sessions.With(connID, func(session *domain.PeerSession) error {
		session.AddProducer(producerID, kind)
		return nil
	})
	s.collector.ProducerAdded()

	// Fan out before replying: registration must be visible to other
	// members before the producing client learns its producer id.
	for _, member := range s.registry.Members(roomName) {
		if member == connID {
			continue
		}
		s.notify(member, "new-producer", map[string]interface{}{"producerId": producerID})
	}

	producersExist := s.tracker.ProducerCount(roomName) > 1
	s.logger.Infow("producer registered", "conn_id", connID, "producer_id", producerID, "kind", kind, "room", roomName)

	return ProduceReply{ID: producerID, ProducersExist: producersExist}, nil
}

// GetProducers lists every producer id in the room not owned by the
// caller.
func (s *SignalingService) GetProducers(connID domain.ConnectionID) ([]string, error) {
	roomName, err := s.roomOf(connID)
	if err != nil {
		return nil, err
	}
	ids := s.tracker.RoomProducers(roomName, connID)
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// Consume creates a paused consumer for a remote producer on one of the
// caller's consumer-side transports. A capability mismatch is a normal
// negotiation outcome, rejected without creating any state.
func (s *SignalingService) Consume(ctx context.Context, connID domain.ConnectionID, transportID, remoteProducerID string, rtpCapabilities json.RawMessage) (ConsumeReply, error) {
	roomName, err := s.roomOf(connID)
	if err != nil {
		return ConsumeReply{}, err
	}
	router, ok := s.registry.Router(roomName)
	if !ok {
		return ConsumeReply{}, sigerr.NewNotFound("room router")
	}
	transport, err := s.tracker.ConsumerTransport(connID, transportID)
	if err != nil {
		return ConsumeReply{}, sigerr.NewNotFound("consumer transport")
	}

	var caps domain.RtpCapabilities
	if err := json.Unmarshal(rtpCapabilities, &caps); err != nil {
		return ConsumeReply{}, sigerr.NewProtocolViolation("malformed rtpCapabilities")
	}

	if !router.CanConsume(remoteProducerID, caps) {
		return ConsumeReply{}, sigerr.NewNotConsumable(remoteProducerID)
	}

	consumer, err := transport.Consume(ctx, remoteProducerID, caps, true)
	if err != nil {
		return ConsumeReply{}, sigerr.Wrap(err, sigerr.ErrCodeInternal, "consume failed")
	}

	consumerID := consumer.ID()
	consumer.OnProducerClose(func() {
		s.registry.Dispatch(roomName, func() {
			// The connection may already be gone; only notify and tear
			// down when it is still registered.
			if !s.sessions.Exists(connID) {
				return
			}
			s.notify(connID, "producer-closed", map[string]interface{}{"remoteProducerId": remoteProducerID})
			s.tracker.RemoveConsumer(consumerID)
			s.tracker.RemoveTransport(transportID)
			s.collector.ConsumerRemoved()
		})
	})

	s.tracker.AddConsumer(consumer, connID, roomName)
	_ = s.sessions.With(connID, func(session *domain.PeerSession) error {
		session.AddConsumer(consumerID)
		return nil
	})
	s.collector.ConsumerAdded()

	return ConsumeReply{
		ID:               consumerID,
		ProducerID:       remoteProducerID,
		Kind:             consumer.Kind(),
		RtpParameters:    consumer.RtpParameters(),
		ServerConsumerID: consumerID,
	}, nil
}

// ConsumerResume resumes media flow on a consumer owned by the caller.
func (s *SignalingService) ConsumerResume(ctx context.Context, connID domain.ConnectionID, consumerID string) error {
	consumer, err := s.tracker.Consumer(connID, consumerID)
	if err != nil {
		return sigerr.NewNotFound("consumer")
	}
	if err := consumer.Resume(ctx); err != nil {
		return sigerr.Wrap(err, sigerr.ErrCodeInternal, "consumer resume failed")
	}
	return nil
}

// StartRecord triggers the recording pipeline for the caller's
// producers. The reply is immediate; pipeline setup runs to completion
// before the next request of this connection is handled.
func (s *SignalingService) StartRecord(ctx context.Context, connID domain.ConnectionID) error {
	if _, err := s.roomOf(connID); err != nil {
		return err
	}
	return s.recording.Start(ctx, connID)
}

// StopRecord stops the caller's active recording.
func (s *SignalingService) StopRecord(connID domain.ConnectionID) error {
	return s.recording.Stop(connID)
}

func (s *SignalingService) roomOf(connID domain.ConnectionID) (string, error) {
	var roomName string
	err := s.sessions.With(connID, func(session *domain.PeerSession) error {
		roomName = session.RoomName
		return nil
	})
	if err != nil {
		return "", sigerr.Wrap(err, sigerr.ErrCodeNotFound, "unknown connection")
	}
	if roomName == "" {
		return "", sigerr.NewProtocolViolation("join a room first")
	}
	return roomName, nil
}

func (s *SignalingService) notify(connID domain.ConnectionID, event string, payload interface{}) {
	if err := s.notifier.Notify(connID, event, payload); err != nil {
		s.logger.Debugw("notification delivery failed", "conn_id", connID, "event", event, "error", err)
	}
}
