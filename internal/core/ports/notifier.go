package ports

import "roomcast/internal/core/domain"

// Notifier delivers one-way server-to-client notifications. The
// connection gateway implements it; services use it to fan out room
// events without knowing about websockets.
type Notifier interface {
	Notify(connID domain.ConnectionID, event string, payload interface{}) error
}

// Collector receives orchestration metrics. Implemented by the
// Prometheus collector; a no-op implementation is used in tests.
type Collector interface {
	ConnectionOpened()
	ConnectionClosed()
	RoomCreated()
	RoomClosed()
	ProducerAdded()
	ProducerRemoved()
	ConsumerAdded()
	ConsumerRemoved()
	RecordingStarted()
	RecordingStopped()
	RequestHandled(requestType string, err error, seconds float64)
}
