package services

import (
	"sync"

	"go.uber.org/zap"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"
)

type transportEntry struct {
	transport    ports.Transport
	connID       domain.ConnectionID
	roomName     string
	consumerSide bool
}

type producerEntry struct {
	producer ports.Producer
	connID   domain.ConnectionID
	roomName string
}

type consumerEntry struct {
	consumer ports.Consumer
	connID   domain.ConnectionID
	roomName string
}

// ResourceTracker owns the live transports, producers and consumers,
// indexed by engine id and by owning connection. Teardown by connection
// id is best-effort: engine close errors are logged and swallowed so
// disconnect cleanup always completes.
type ResourceTracker struct {
	mu         sync.RWMutex
	transports map[string]*transportEntry
	producers  map[string]*producerEntry
	consumers  map[string]*consumerEntry

	// byConn indexes resource ids per connection for O(1) bulk teardown.
	byConn map[domain.ConnectionID]*connResources

	logger *zap.SugaredLogger
}

type connResources struct {
	transportIDs map[string]struct{}
	producerIDs  map[string]struct{}
	consumerIDs  map[string]struct{}
}

func newConnResources() *connResources {
	return &connResources{
		transportIDs: make(map[string]struct{}),
		producerIDs:  make(map[string]struct{}),
		consumerIDs:  make(map[string]struct{}),
	}
}

func NewResourceTracker(logger *zap.SugaredLogger) *ResourceTracker {
	return &ResourceTracker{
		transports: make(map[string]*transportEntry),
		producers:  make(map[string]*producerEntry),
		consumers:  make(map[string]*consumerEntry),
		byConn:     make(map[domain.ConnectionID]*connResources),
		logger:     logger,
	}
}

func (t *ResourceTracker) conn(connID domain.ConnectionID) *connResources {
	res, ok := t.byConn[connID]
	if !ok {
		res = newConnResources()
		t.byConn[connID] = res
	}
	return res
}

// AddTransport registers a transport under its owning connection.
func (t *ResourceTracker) AddTransport(transport ports.Transport, connID domain.ConnectionID, roomName string, consumerSide bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.transports[transport.ID()] = &transportEntry{
		transport:    transport,
		connID:       connID,
		roomName:     roomName,
		consumerSide: consumerSide,
	}
	t.conn(connID).transportIDs[transport.ID()] = struct{}{}
}

// AddProducer registers a producer under its owning connection.
func (t *ResourceTracker) AddProducer(producer ports.Producer, connID domain.ConnectionID, roomName string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.producers[producer.ID()] = &producerEntry{
		producer: producer,
		connID:   connID,
		roomName: roomName,
	}
	t.conn(connID).producerIDs[producer.ID()] = struct{}{}
}

// AddConsumer registers a consumer under its owning connection.
func (t *ResourceTracker) AddConsumer(consumer ports.Consumer, connID domain.ConnectionID, roomName string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.consumers[consumer.ID()] = &consumerEntry{
		consumer: consumer,
		connID:   connID,
		roomName: roomName,
	}
	t.conn(connID).consumerIDs[consumer.ID()] = struct{}{}
}

// ProducerTransport returns the connection's single non-consumer-side
// transport. Absence signals a protocol-order misuse (produce or connect
// before createWebRtcTransport).
func (t *ResourceTracker) ProducerTransport(connID domain.ConnectionID) (ports.Transport, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	res, ok := t.byConn[connID]
	if !ok {
		return nil, domain.ErrTransportNotFound
	}
	for id := range res.transportIDs {
		entry := t.transports[id]
		if entry != nil && !entry.consumerSide {
			return entry.transport, nil
		}
	}
	return nil, domain.ErrTransportNotFound
}

// ConsumerTransport returns the consumer-side transport matching both the
// connection and the requested id.
func (t *ResourceTracker) ConsumerTransport(connID domain.ConnectionID, transportID string) (ports.Transport, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entry, ok := t.transports[transportID]
	if !ok || entry.connID != connID || !entry.consumerSide {
		return nil, domain.ErrTransportNotFound
	}
	return entry.transport, nil
}

// Consumer returns a consumer owned by the given connection.
func (t *ResourceTracker) Consumer(connID domain.ConnectionID, consumerID string) (ports.Consumer, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entry, ok := t.consumers[consumerID]
	if !ok || entry.connID != connID {
		return nil, domain.ErrConsumerNotFound
	}
	return entry.consumer, nil
}

// Producer returns any registered producer by id.
func (t *ResourceTracker) Producer(producerID string) (ports.Producer, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entry, ok := t.producers[producerID]
	if !ok {
		return nil, domain.ErrProducerNotFound
	}
	return entry.producer, nil
}

// RoomProducers lists producer ids in a room, excluding those owned by
// excludeConn. Used by getProducers and the new-producer fan-out.
func (t *ResourceTracker) RoomProducers(roomName string, excludeConn domain.ConnectionID) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var ids []string
	for id, entry := range t.producers {
		if entry.roomName == roomName && entry.connID != excludeConn {
			ids = append(ids, id)
		}
	}
	return ids
}

// ProducersExist reports whether the room has any producer not owned by
// excludeConn.
func (t *ResourceTracker) ProducersExist(roomName string, excludeConn domain.ConnectionID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, entry := range t.producers {
		if entry.roomName == roomName && entry.connID != excludeConn {
			return true
		}
	}
	return false
}

// ProducerCount returns the number of producers registered in a room.
func (t *ResourceTracker) ProducerCount(roomName string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, entry := range t.producers {
		if entry.roomName == roomName {
			n++
		}
	}
	return n
}

// RemoveTransport closes and unregisters a single transport.
func (t *ResourceTracker) RemoveTransport(transportID string) {
	t.mu.Lock()
	entry, ok := t.transports[transportID]
	if ok {
		delete(t.transports, transportID)
		if res, found := t.byConn[entry.connID]; found {
			delete(res.transportIDs, transportID)
		}
	}
	t.mu.Unlock()

	if ok {
		t.closeQuiet("transport", transportID, entry.transport.Close)
	}
}

// RemoveConsumer closes and unregisters a single consumer.
func (t *ResourceTracker) RemoveConsumer(consumerID string) {
	t.mu.Lock()
	entry, ok := t.consumers[consumerID]
	if ok {
		delete(t.consumers, consumerID)
		if res, found := t.byConn[entry.connID]; found {
			delete(res.consumerIDs, consumerID)
		}
	}
	t.mu.Unlock()

	if ok {
		t.closeQuiet("consumer", consumerID, entry.consumer.Close)
	}
}

// RemoveProducer unregisters a single producer without closing it (the
// engine already closed it when this is called from a lifecycle event).
func (t *ResourceTracker) RemoveProducer(producerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.producers[producerID]
	if !ok {
		return
	}
	delete(t.producers, producerID)
	if res, found := t.byConn[entry.connID]; found {
		delete(res.producerIDs, producerID)
	}
}

// RemoveByConnection closes and unregisters everything the connection
// owns: consumers first, then producers, then transports, so downstream
// resources are gone before the paths feeding them. Close errors are
// logged and swallowed; closing an already-closed engine handle is a
// no-op at the engine level, which keeps this idempotent.
func (t *ResourceTracker) RemoveByConnection(connID domain.ConnectionID) {
	t.mu.Lock()
	res, ok := t.byConn[connID]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.byConn, connID)

	var consumers []*consumerEntry
	var producers []*producerEntry
	var transports []*transportEntry

	for id := range res.consumerIDs {
		if entry, found := t.consumers[id]; found {
			consumers = append(consumers, entry)
			delete(t.consumers, id)
		}
	}
	for id := range res.producerIDs {
		if entry, found := t.producers[id]; found {
			producers = append(producers, entry)
			delete(t.producers, id)
		}
	}
	for id := range res.transportIDs {
		if entry, found := t.transports[id]; found {
			transports = append(transports, entry)
			delete(t.transports, id)
		}
	}
	t.mu.Unlock()

	for _, entry := range consumers {
		t.closeQuiet("consumer", entry.consumer.ID(), entry.consumer.Close)
	}
	for _, entry := range producers {
		t.closeQuiet("producer", entry.producer.ID(), entry.producer.Close)
	}
	for _, entry := range transports {
		t.closeQuiet("transport", entry.transport.ID(), entry.transport.Close)
	}
}

// OwnedBy reports whether the connection still owns any resource; used by
// engine callbacks to check the connection was not torn down meanwhile.
func (t *ResourceTracker) OwnedBy(connID domain.ConnectionID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	res, ok := t.byConn[connID]
	if !ok {
		return false
	}
	return len(res.transportIDs)+len(res.producerIDs)+len(res.consumerIDs) > 0
}

func (t *ResourceTracker) closeQuiet(what, id string, closeFn func() error) {
	if err := closeFn(); err != nil {
		t.logger.Debugw("closing "+what+" during teardown", "id", id, "error", err)
	}
}
