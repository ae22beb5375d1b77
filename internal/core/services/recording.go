package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"
	sigerr "roomcast/pkg/errors"
	"roomcast/pkg/portpool"
)

// RecordingConfig is the plain-transport and endpoint configuration of
// the recording pipeline.
type RecordingConfig struct {
	Host        string // address the external process listens on
	ListenIP    string
	AnnouncedIP string
	RtcpMux     bool
	Comedia     bool
}

// RecordingService forwards a connection's producers to an external
// recording process over plain RTP transports. Setup is transactional:
// on any failure every transport, consumer and port acquired so far is
// released before the error is returned.
type RecordingService struct {
	cfg       RecordingConfig
	registry  *RoomRegistry
	tracker   *ResourceTracker
	sessions  *SessionStore
	pool      *portpool.Pool
	launcher  ports.Launcher
	collector ports.Collector
	logger    *zap.SugaredLogger

	mu        sync.Mutex
	processes map[domain.ConnectionID]ports.Process
}

func NewRecordingService(
	cfg RecordingConfig,
	registry *RoomRegistry,
	tracker *ResourceTracker,
	sessions *SessionStore,
	pool *portpool.Pool,
	launcher ports.Launcher,
	collector ports.Collector,
	logger *zap.SugaredLogger,
) *RecordingService {
	return &RecordingService{
		cfg:       cfg,
		registry:  registry,
		tracker:   tracker,
		sessions:  sessions,
		pool:      pool,
		launcher:  launcher,
		collector: collector,
		logger:    logger,
		processes: make(map[domain.ConnectionID]ports.Process),
	}
}

// recordingSetup accumulates resources acquired during Start so they can
// be rolled back together on failure.
type recordingSetup struct {
	ports        []int
	transportIDs []string
	consumerIDs  []string
	consumers    []ports.Consumer
	endpoints    map[domain.MediaKind]ports.StreamEndpoint
}

func (r *RecordingService) rollback(setup *recordingSetup) {
	for _, id := range setup.consumerIDs {
		r.tracker.RemoveConsumer(id)
	}
	for _, id := range setup.transportIDs {
		r.tracker.RemoveTransport(id)
	}
	for _, port := range setup.ports {
		r.pool.Release(port)
	}
}

// Start creates one plain transport and paused consumer per producer the
// connection owns, launches the external process against the allocated
// endpoints, then resumes every consumer and requests a keyframe so the
// process does not wait indefinitely for one. Zero producers is a clean
// no-op.
func (r *RecordingService) Start(ctx context.Context, connID domain.ConnectionID) error {
	var (
		roomName  string
		producers []domain.ProducerRef
		recording bool
	)
	err := r.sessions.With(connID, func(session *domain.PeerSession) error {
		roomName = session.RoomName
		producers = append([]domain.ProducerRef(nil), session.Producers...)
		recording = session.Recording()
		return nil
	})
	if err != nil {
		return sigerr.Wrap(err, sigerr.ErrCodeNotFound, "unknown connection")
	}
	if roomName == "" {
		return sigerr.NewProtocolViolation("join a room first")
	}
	if recording {
		return sigerr.NewProtocolViolation("recording already active")
	}
	if len(producers) == 0 {
		r.logger.Infow("start recording skipped, no producers", "conn_id", connID)
		return nil
	}

	router, ok := r.registry.Router(roomName)
	if !ok {
		return sigerr.NewNotFound("room router")
	}

	setup := &recordingSetup{endpoints: make(map[domain.MediaKind]ports.StreamEndpoint)}
	for _, producer := range producers {
		endpoint, err := r.publishProducerStream(ctx, connID, roomName, router, producer, setup)
		if err != nil {
			r.rollback(setup)
			return err
		}
		setup.endpoints[producer.Kind] = endpoint
	}

	recordingID := fmt.Sprintf("%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
	process, err := r.launcher.Launch(ctx, ports.RecordingJob{
		RecordingID: recordingID,
		RoomName:    roomName,
		Endpoints:   setup.endpoints,
	})
	if err != nil {
		r.rollback(setup)
		return sigerr.Wrap(err, sigerr.ErrCodeInternal, "failed to launch recording process")
	}

	r.mu.Lock()
	r.processes[connID] = process
	r.mu.Unlock()

	_ = r.sessions.With(connID, func(session *domain.PeerSession) error {
		session.RecordingID = recordingID
		for _, port := range setup.ports {
			session.AddRemotePort(port)
		}
		return nil
	})

	// The process is up; unpause the feed and force a keyframe per
	// stream. Failures here are logged, not fatal: the recording keeps
	// whatever streams did resume.
	for _, consumer := range setup.consumers {
		if err := consumer.Resume(ctx); err != nil {
			r.logger.Warnw("resuming recording consumer", "consumer_id", consumer.ID(), "error", err)
			continue
		}
		if err := consumer.RequestKeyFrame(ctx); err != nil {
			r.logger.Warnw("requesting keyframe", "consumer_id", consumer.ID(), "error", err)
		}
	}

	r.collector.RecordingStarted()
	r.logger.Infow("recording started", "conn_id", connID, "recording_id", recordingID, "streams", len(setup.endpoints))
	return nil
}

func (r *RecordingService) publishProducerStream(
	ctx context.Context,
	connID domain.ConnectionID,
	roomName string,
	router ports.Router,
	producer domain.ProducerRef,
	setup *recordingSetup,
) (ports.StreamEndpoint, error) {
	transport, err := router.CreatePlainTransport(ctx, ports.PlainTransportOptions{
		ListenIP:    r.cfg.ListenIP,
		AnnouncedIP: r.cfg.AnnouncedIP,
		RtcpMux:     r.cfg.RtcpMux,
		Comedia:     r.cfg.Comedia,
	})
	if err != nil {
		return ports.StreamEndpoint{}, sigerr.Wrap(err, sigerr.ErrCodeInternal, "failed to create plain transport")
	}
	r.tracker.AddTransport(transport, connID, roomName, true)
	setup.transportIDs = append(setup.transportIDs, transport.ID())

	rtpPort, err := r.pool.Acquire()
	if err != nil {
		return ports.StreamEndpoint{}, err
	}
	setup.ports = append(setup.ports, rtpPort)

	rtcpPort := 0
	if !r.cfg.RtcpMux {
		rtcpPort, err = r.pool.Acquire()
		if err != nil {
			return ports.StreamEndpoint{}, err
		}
		setup.ports = append(setup.ports, rtcpPort)
	}

	if err := transport.Connect(ctx, ports.TransportConnectOptions{
		IP:       r.cfg.Host,
		Port:     rtpPort,
		RtcpPort: rtcpPort,
	}); err != nil {
		return ports.StreamEndpoint{}, sigerr.Wrap(err, sigerr.ErrCodeInternal, "failed to connect plain transport")
	}

	// The external process expects exactly the one codec matching the
	// producer's kind, not the router's full capability list.
	codec, ok := router.RtpCapabilities().CodecForKind(producer.Kind)
	if !ok {
		return ports.StreamEndpoint{}, sigerr.NewInternal("router has no codec for kind " + string(producer.Kind))
	}
	codec.RtcpFeedback = nil
	singleCodecCaps := domain.RtpCapabilities{Codecs: []domain.RtpCodecCapability{codec}}

	consumer, err := transport.Consume(ctx, producer.ID, singleCodecCaps, true)
	if err != nil {
		return ports.StreamEndpoint{}, sigerr.Wrap(err, sigerr.ErrCodeInternal, "failed to create recording consumer")
	}
	r.tracker.AddConsumer(consumer, connID, roomName)
	setup.consumerIDs = append(setup.consumerIDs, consumer.ID())
	setup.consumers = append(setup.consumers, consumer)

	localRtcpPort, _ := transport.LocalRtcpPort()
	return ports.StreamEndpoint{
		Kind:          producer.Kind,
		RtpPort:       rtpPort,
		RtcpPort:      rtcpPort,
		LocalRtcpPort: localRtcpPort,
		Codec:         codec,
		RtpParameters: consumer.RtpParameters(),
	}, nil
}

// Stop terminates the connection's recording process and releases its
// ports. Fails with NOT_RECORDING when no process is active.
func (r *RecordingService) Stop(connID domain.ConnectionID) error {
	r.mu.Lock()
	process, ok := r.processes[connID]
	if ok {
		delete(r.processes, connID)
	}
	r.mu.Unlock()

	if !ok {
		return sigerr.NewNotRecording(string(connID))
	}

	if err := process.Terminate(); err != nil {
		r.logger.Warnw("terminating recording process", "conn_id", connID, "error", err)
	}

	_ = r.sessions.With(connID, func(session *domain.PeerSession) error {
		for _, port := range session.RemotePorts {
			r.pool.Release(port)
		}
		session.RemotePorts = nil
		session.RecordingID = ""
		return nil
	})

	r.collector.RecordingStopped()
	r.logger.Infow("recording stopped", "conn_id", connID)
	return nil
}

// StopIfActive stops a recording when one is active; used by disconnect
// cleanup where "not recording" is not an error.
func (r *RecordingService) StopIfActive(connID domain.ConnectionID) error {
	err := r.Stop(connID)
	if err != nil && sigerr.Is(err, sigerr.ErrCodeNotRecording) {
		return nil
	}
	return err
}

// Active reports whether a recording process is running for connID.
func (r *RecordingService) Active(connID domain.ConnectionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.processes[connID]
	return ok
}
