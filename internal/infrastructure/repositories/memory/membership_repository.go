package memory

import (
	"context"
	"sync"

	"framerelay/internal/core/domain"
	"framerelay/internal/core/ports"
)

// MemoryMembershipRepository keeps room member lists in process. Members are
// reported in join order.
type MemoryMembershipRepository struct {
	rooms map[domain.RoomID][]domain.ConnectionID
	mu    sync.RWMutex
}

func NewMemoryMembershipRepository() ports.MembershipRepository {
	return &MemoryMembershipRepository{
		rooms: make(map[domain.RoomID][]domain.ConnectionID),
	}
}

func (r *MemoryMembershipRepository) Add(ctx context.Context, room domain.RoomID, conn domain.ConnectionID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.rooms[room]
	for _, member := range members {
		if member == conn {
			return false, nil
		}
	}

	r.rooms[room] = append(members, conn)
	return true, nil
}

func (r *MemoryMembershipRepository) Remove(ctx context.Context, room domain.RoomID, conn domain.ConnectionID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, exists := r.rooms[room]
	if !exists {
		return false, nil
	}

	for i, member := range members {
		if member != conn {
			continue
		}
		if len(members) == 1 {
			delete(r.rooms, room)
			return true, nil
		}
		r.rooms[room] = append(members[:i:i], members[i+1:]...)
		return true, nil
	}
	return false, nil
}

func (r *MemoryMembershipRepository) Members(ctx context.Context, room domain.RoomID) ([]domain.ConnectionID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[room]
	result := make([]domain.ConnectionID, len(members))
	copy(result, members)
	return result, nil
}

func (r *MemoryMembershipRepository) RoomCount(ctx context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.rooms), nil
}
