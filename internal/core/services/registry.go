package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"
)

type room struct {
	name      string
	router    ports.Router
	members   []domain.ConnectionID
	admin     domain.ConnectionID
	createdAt time.Time
	tasks     *taskQueue
}

func (r *room) removeMember(connID domain.ConnectionID) {
	for i, member := range r.members {
		if member == connID {
			r.members = append(r.members[:i], r.members[i+1:]...)
			return
		}
	}
}

// RoomRegistry maps room names to media routers and member lists. A
// router is created lazily on the first join for a name; the first
// joiner becomes the room administrator. When the last member leaves,
// the room is deregistered and its router closed.
type RoomRegistry struct {
	engine ports.MediaEngine
	codecs []domain.RtpCodecCapability

	mu    sync.RWMutex
	rooms map[string]*room

	onRoomEmpty func(roomName string)
	logger      *zap.SugaredLogger
}

func NewRoomRegistry(engine ports.MediaEngine, codecs []domain.RtpCodecCapability, logger *zap.SugaredLogger) *RoomRegistry {
	return &RoomRegistry{
		engine: engine,
		codecs: codecs,
		rooms:  make(map[string]*room),
		logger: logger,
	}
}

// OnRoomEmpty registers a hook fired after an emptied room's router has
// been closed.
func (r *RoomRegistry) OnRoomEmpty(hook func(roomName string)) {
	r.onRoomEmpty = hook
}

// GetOrCreateRouter joins connID to roomName. For an existing room it
// returns the shared router and isAdmin=false; otherwise it creates a
// router with the configured codec set and marks the caller as admin.
// Router creation fails only when the engine worker is unavailable, which
// is surfaced as a hard error.
func (r *RoomRegistry) GetOrCreateRouter(ctx context.Context, roomName string, connID domain.ConnectionID) (ports.Router, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rm, ok := r.rooms[roomName]; ok {
		rm.members = append(rm.members, connID)
		return rm.router, false, nil
	}

	router, err := r.engine.CreateRouter(ctx, r.codecs)
	if err != nil {
		return nil, false, fmt.Errorf("create router for room %q: %w", roomName, err)
	}

	rm := &room{
		name:      roomName,
		router:    router,
		members:   []domain.ConnectionID{connID},
		admin:     connID,
		createdAt: time.Now(),
		tasks:     newTaskQueue(64),
	}
	r.rooms[roomName] = rm

	r.logger.Infow("room created", "room", roomName, "router_id", router.ID(), "admin", connID)
	return router, true, nil
}

// Leave removes connID from the room's member list. When the list
// empties, the room is deregistered, its router closed and the
// room-empty hook fired. Returns whether the room was torn down.
func (r *RoomRegistry) Leave(roomName string, connID domain.ConnectionID) bool {
	r.mu.Lock()
	rm, ok := r.rooms[roomName]
	if !ok {
		r.mu.Unlock()
		return false
	}

	rm.removeMember(connID)
	if len(rm.members) > 0 {
		r.mu.Unlock()
		return false
	}
	delete(r.rooms, roomName)
	r.mu.Unlock()

	rm.tasks.Close()
	if err := rm.router.Close(); err != nil {
		r.logger.Warnw("closing router of empty room", "room", roomName, "error", err)
	}
	r.logger.Infow("room empty, router released", "room", roomName)
	if r.onRoomEmpty != nil {
		r.onRoomEmpty(roomName)
	}
	return true
}

// Router returns the room's router.
func (r *RoomRegistry) Router(roomName string) (ports.Router, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[roomName]
	if !ok {
		return nil, false
	}
	return rm.router, true
}

// Members returns a copy of the room's ordered member list.
func (r *RoomRegistry) Members(roomName string) []domain.ConnectionID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[roomName]
	if !ok {
		return nil
	}
	members := make([]domain.ConnectionID, len(rm.members))
	copy(members, rm.members)
	return members
}

// Admin returns the room's administrator connection id.
func (r *RoomRegistry) Admin(roomName string) (domain.ConnectionID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[roomName]
	if !ok {
		return "", false
	}
	return rm.admin, true
}

// Dispatch enqueues fn onto the room's serial task queue. Engine
// lifecycle callbacks go through here so they never mutate shared state
// concurrently with each other. Events for rooms already torn down are
// dropped.
func (r *RoomRegistry) Dispatch(roomName string, fn func()) {
	r.mu.RLock()
	rm, ok := r.rooms[roomName]
	r.mu.RUnlock()

	if !ok {
		return
	}
	rm.tasks.Enqueue(fn)
}

// Snapshot returns read-only room summaries for the HTTP API. Producer
// counts are filled in by the caller from the resource tracker.
func (r *RoomRegistry) Snapshot() []domain.RoomInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]domain.RoomInfo, 0, len(r.rooms))
	for _, rm := range r.rooms {
		infos = append(infos, domain.RoomInfo{
			Name:        rm.name,
			Members:     len(rm.members),
			CreatedAt:   rm.createdAt,
			AdminConnID: string(rm.admin),
		})
	}
	return infos
}
