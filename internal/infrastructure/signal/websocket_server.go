package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"
	"roomcast/internal/core/services"
	sigerr "roomcast/pkg/errors"
	"roomcast/pkg/tracing"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Should be configured properly for production
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Options tunes connection keepalive and rate limiting.
type Options struct {
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration

	RateLimitEnabled  bool
	MessagesPerSecond float64
	Burst             int
}

// RequestEnvelope is one client request. RequestID correlates the
// response; requests of one connection are processed strictly in
// arrival order.
type RequestEnvelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ResponseEnvelope answers one request.
type ResponseEnvelope struct {
	Type      string         `json:"type"`
	RequestID string         `json:"request_id,omitempty"`
	OK        bool           `json:"ok"`
	Payload   interface{}    `json:"payload,omitempty"`
	Error     *ErrorEnvelope `json:"error,omitempty"`
}

// ErrorEnvelope is the wire form of a failed request.
type ErrorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NotificationEnvelope is a server-initiated event.
type NotificationEnvelope struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// clientConn pairs a websocket with the mutex serializing its writes:
// responses from the handler loop and notifications from other
// connections' handlers interleave on the same socket.
type clientConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// WebSocketServer is the connection gateway: it owns the sockets,
// assigns connection ids, feeds requests to the signaling service in
// order, and delivers notifications back. It implements ports.Notifier.
type WebSocketServer struct {
	signaling *services.SignalingService
	collector ports.Collector
	opts      Options

	connections map[domain.ConnectionID]*clientConn
	mu          sync.RWMutex

	logger *zap.SugaredLogger
}

func NewWebSocketServer(collector ports.Collector, opts Options, logger *zap.SugaredLogger) *WebSocketServer {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = 60 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	return &WebSocketServer{
		collector:   collector,
		opts:        opts,
		connections: make(map[domain.ConnectionID]*clientConn),
		logger:      logger,
	}
}

// Bind wires the signaling service after construction. The gateway and
// the service reference each other (requests in, notifications out), so
// one side has to be attached late.
func (s *WebSocketServer) Bind(signaling *services.SignalingService) {
	s.signaling = signaling
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	connID := domain.ConnectionID(uuid.NewString())
	client := &clientConn{conn: conn}

	s.mu.Lock()
	s.connections[connID] = client
	s.mu.Unlock()

	s.logger.Infow("client connected", "conn_id", connID, "remote", r.RemoteAddr)
	s.signaling.Connect(connID)

	conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
		return nil
	})

	pingTicker := time.NewTicker(s.opts.PingInterval)
	defer pingTicker.Stop()

	var limiter *rate.Limiter
	if s.opts.RateLimitEnabled {
		limiter = rate.NewLimiter(rate.Limit(s.opts.MessagesPerSecond), s.opts.Burst)
	}

	messageChan := make(chan RequestEnvelope, 10)
	errorChan := make(chan error, 1)

	go func() {
		for {
			var msg RequestEnvelope
			if err := conn.ReadJSON(&msg); err != nil {
				errorChan <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
			messageChan <- msg
		}
	}()

	// Requests are handled here, one at a time, preserving the order
	// the client sent them in.
	for {
		select {
		case msg := <-messageChan:
			if limiter != nil && !limiter.Allow() {
				s.logger.Warnw("rate limit exceeded", "conn_id", connID, "type", msg.Type)
				s.respondError(client, msg, sigerr.NewProtocolViolation("rate limit exceeded"))
				continue
			}
			s.handleRequest(client, connID, msg)

		case <-pingTicker.C:
			client.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			client.writeMu.Unlock()
			if err != nil {
				s.logger.Infow("ping failed", "conn_id", connID, "error", err)
				goto cleanup
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Infow("read error", "conn_id", connID, "error", err)
			}
			goto cleanup
		}
	}

cleanup:
	s.mu.Lock()
	delete(s.connections, connID)
	s.mu.Unlock()

	s.signaling.Disconnect(connID)
	s.logger.Infow("client disconnected", "conn_id", connID)
}

func (s *WebSocketServer) handleRequest(client *clientConn, connID domain.ConnectionID, msg RequestEnvelope) {
	start := time.Now()
	ctx, span := tracing.TraceSignalRequest(context.Background(), msg.Type, string(connID))
	defer span.End()

	payload, err := s.dispatch(ctx, connID, msg)
	s.collector.RequestHandled(msg.Type, err, time.Since(start).Seconds())

	if err != nil {
		tracing.RecordError(ctx, err)
		s.logger.Infow("request failed",
			"conn_id", connID,
			"type", msg.Type,
			"code", sigerr.CodeOf(err),
			"error", err,
		)
		s.respondError(client, msg, err)
		return
	}
	s.respond(client, ResponseEnvelope{
		Type:      "response",
		RequestID: msg.RequestID,
		OK:        true,
		Payload:   payload,
	})
}

func (s *WebSocketServer) dispatch(ctx context.Context, connID domain.ConnectionID, msg RequestEnvelope) (interface{}, error) {
	switch msg.Type {
	case "getRtpCapabilities":
		caps, err := s.signaling.GetRtpCapabilities(connID)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"rtpCapabilities": caps}, nil

	case "joinRoom":
		var payload struct {
			RoomName string `json:"roomName"`
		}
		if err := unmarshalPayload(msg.Payload, &payload); err != nil {
			return nil, err
		}
		return s.signaling.JoinRoom(ctx, connID, payload.RoomName)

	case "createWebRtcTransport":
		var payload struct {
			Consumer bool `json:"consumer"`
		}
		if err := unmarshalPayload(msg.Payload, &payload); err != nil {
			return nil, err
		}
		params, err := s.signaling.CreateWebRtcTransport(ctx, connID, payload.Consumer)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"params": params}, nil

	case "transport-connect":
		var payload struct {
			DtlsParameters json.RawMessage `json:"dtlsParameters"`
		}
		if err := unmarshalPayload(msg.Payload, &payload); err != nil {
			return nil, err
		}
		return nil, s.signaling.TransportConnect(ctx, connID, payload.DtlsParameters)

	case "transport-produce":
		var payload struct {
			Kind          domain.MediaKind `json:"kind"`
			RtpParameters json.RawMessage  `json:"rtpParameters"`
		}
		if err := unmarshalPayload(msg.Payload, &payload); err != nil {
			return nil, err
		}
		return s.signaling.TransportProduce(ctx, connID, payload.Kind, payload.RtpParameters)

	case "transport-recv-connect":
		var payload struct {
			ServerConsumerTransportID string          `json:"serverConsumerTransportId"`
			DtlsParameters            json.RawMessage `json:"dtlsParameters"`
		}
		if err := unmarshalPayload(msg.Payload, &payload); err != nil {
			return nil, err
		}
		return nil, s.signaling.TransportRecvConnect(ctx, connID, payload.ServerConsumerTransportID, payload.DtlsParameters)

	case "getProducers":
		ids, err := s.signaling.GetProducers(connID)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"producerIds": ids}, nil

	case "consume":
		var payload struct {
			ServerConsumerTransportID string          `json:"serverConsumerTransportId"`
			RemoteProducerID          string          `json:"remoteProducerId"`
			RtpCapabilities           json.RawMessage `json:"rtpCapabilities"`
		}
		if err := unmarshalPayload(msg.Payload, &payload); err != nil {
			return nil, err
		}
		return s.signaling.Consume(ctx, connID, payload.ServerConsumerTransportID, payload.RemoteProducerID, payload.RtpCapabilities)

	case "consumer-resume":
		var payload struct {
			ServerConsumerID string `json:"serverConsumerId"`
		}
		if err := unmarshalPayload(msg.Payload, &payload); err != nil {
			return nil, err
		}
		return nil, s.signaling.ConsumerResume(ctx, connID, payload.ServerConsumerID)

	case "startRecord":
		return nil, s.signaling.StartRecord(ctx, connID)

	case "stopRecord":
		return nil, s.signaling.StopRecord(connID)

	default:
		return nil, sigerr.NewProtocolViolation(fmt.Sprintf("unknown request type: %s", msg.Type))
	}
}

func unmarshalPayload(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return sigerr.NewProtocolViolation("payload is required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return sigerr.NewProtocolViolation("malformed payload")
	}
	return nil
}

// Notify delivers a server-initiated event to one connection.
func (s *WebSocketServer) Notify(connID domain.ConnectionID, event string, payload interface{}) error {
	s.mu.RLock()
	client, ok := s.connections[connID]
	s.mu.RUnlock()

	if !ok {
		return fmt.Errorf("connection %s not registered", connID)
	}
	return s.write(client, NotificationEnvelope{Type: event, Payload: payload})
}

func (s *WebSocketServer) respond(client *clientConn, resp ResponseEnvelope) {
	if err := s.write(client, resp); err != nil {
		s.logger.Debugw("response write failed", "error", err)
	}
}

func (s *WebSocketServer) respondError(client *clientConn, msg RequestEnvelope, err error) {
	s.respond(client, ResponseEnvelope{
		Type:      "response",
		RequestID: msg.RequestID,
		OK:        false,
		Error: &ErrorEnvelope{
			Code:    string(sigerr.CodeOf(err)),
			Message: sigerr.MessageOf(err),
		},
	})
}

func (s *WebSocketServer) write(client *clientConn, data interface{}) error {
	client.writeMu.Lock()
	defer client.writeMu.Unlock()

	client.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	return client.conn.WriteJSON(data)
}

// ConnectionCount reports the number of open websockets.
func (s *WebSocketServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.connections)
}
