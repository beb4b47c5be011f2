package ports

import (
	"context"

	"framerelay/internal/core/domain"
)

// MembershipRepository stores room member sets. Only the room directory
// writes to it; a room with no members must not be reported by RoomCount.
type MembershipRepository interface {
	Add(ctx context.Context, room domain.RoomID, conn domain.ConnectionID) (bool, error)
	Remove(ctx context.Context, room domain.RoomID, conn domain.ConnectionID) (bool, error)
	Members(ctx context.Context, room domain.RoomID) ([]domain.ConnectionID, error)
	RoomCount(ctx context.Context) (int, error)
}
