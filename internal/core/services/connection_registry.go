package services

import (
	"context"
	"sort"
	"sync"

	"framerelay/internal/core/domain"
	"framerelay/internal/core/ports"

	"github.com/google/uuid"
)

// ConnectionRegistry tracks live connections and the rooms each one joined.
// The room set kept here is the reverse index of the room directory.
type ConnectionRegistry struct {
	mu    sync.RWMutex
	conns map[domain.ConnectionID]map[domain.RoomID]struct{}

	hooksMu sync.RWMutex
	hooks   []ports.UnregisterHook

	newID func() string
}

func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		conns: make(map[domain.ConnectionID]map[domain.RoomID]struct{}),
		newID: uuid.NewString,
	}
}

// Register creates a new live connection and returns its id.
func (r *ConnectionRegistry) Register() domain.ConnectionID {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := domain.ConnectionID(r.newID())
	for {
		if _, exists := r.conns[id]; !exists {
			break
		}
		id = domain.ConnectionID(r.newID())
	}
	r.conns[id] = make(map[domain.RoomID]struct{})
	return id
}

// Unregister removes the connection and runs the unregister hooks with the
// rooms it was still in. Unknown ids are ignored and report false.
func (r *ConnectionRegistry) Unregister(ctx context.Context, id domain.ConnectionID) bool {
	r.mu.Lock()
	joined, exists := r.conns[id]
	if !exists {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, id)
	r.mu.Unlock()

	rooms := sortedRooms(joined)

	r.hooksMu.RLock()
	hooks := append([]ports.UnregisterHook(nil), r.hooks...)
	r.hooksMu.RUnlock()

	for _, hook := range hooks {
		hook(ctx, id, rooms)
	}
	return true
}

func (r *ConnectionRegistry) RoomsOf(id domain.ConnectionID) []domain.RoomID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return sortedRooms(r.conns[id])
}

func (r *ConnectionRegistry) IsLive(id domain.ConnectionID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.conns[id]
	return exists
}

func (r *ConnectionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.conns)
}

// TrackJoin records that id joined room. It fails for connections that are
// not live, which keeps a late join from outliving the disconnect.
func (r *ConnectionRegistry) TrackJoin(id domain.ConnectionID, room domain.RoomID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	joined, exists := r.conns[id]
	if !exists {
		return false
	}
	joined[room] = struct{}{}
	return true
}

func (r *ConnectionRegistry) TrackLeave(id domain.ConnectionID, room domain.RoomID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if joined, exists := r.conns[id]; exists {
		delete(joined, room)
	}
}

func (r *ConnectionRegistry) OnUnregister(hook ports.UnregisterHook) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()

	r.hooks = append(r.hooks, hook)
}

func sortedRooms(set map[domain.RoomID]struct{}) []domain.RoomID {
	rooms := make([]domain.RoomID, 0, len(set))
	for room := range set {
		rooms = append(rooms, room)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
	return rooms
}
