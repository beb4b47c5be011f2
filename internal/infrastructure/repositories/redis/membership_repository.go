package redis

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"framerelay/internal/core/domain"
	"framerelay/pkg/tracing"

	"github.com/redis/go-redis/v9"
)

// RedisMembershipRepository stores each room as a sorted set scored by join
// order, plus one set listing the non-empty rooms. Connection ids are only
// meaningful to the process that issued them, so the keys belong to a single
// instance and are cleared with Reset on startup.
type RedisMembershipRepository struct {
	client   *redis.Client
	prefix   string
	keyRooms string

	// joins orders members within a room; the keys never outlive the process.
	joins atomic.Int64
}

func NewRedisMembershipRepository(client *redis.Client, prefix string) *RedisMembershipRepository {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "framerelay"
	}
	return &RedisMembershipRepository{
		client:   client,
		prefix:   p,
		keyRooms: fmt.Sprintf("%s:rooms", p),
	}
}

func (r *RedisMembershipRepository) roomKey(room domain.RoomID) string {
	return fmt.Sprintf("%s:room:%s:members", r.prefix, room)
}

func (r *RedisMembershipRepository) nextScore() float64 {
	return float64(r.joins.Add(1))
}

// Reset deletes every key this repository owns.
func (r *RedisMembershipRepository) Reset(ctx context.Context) error {
	keys := []string{r.keyRooms}

	iter := r.client.Scan(ctx, 0, fmt.Sprintf("%s:room:*", r.prefix), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan room keys: %w", err)
	}

	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete room keys: %w", err)
	}
	return nil
}

func (r *RedisMembershipRepository) Add(ctx context.Context, room domain.RoomID, conn domain.ConnectionID) (bool, error) {
	ctx, span := tracing.TraceRepositoryOperation(ctx, "add", string(room))
	defer span.End()

	pipe := r.client.TxPipeline()
	added := pipe.ZAddNX(ctx, r.roomKey(room), redis.Z{Score: r.nextScore(), Member: string(conn)})
	_ = pipe.SAdd(ctx, r.keyRooms, string(room))
	if _, err := pipe.Exec(ctx); err != nil {
		tracing.RecordError(ctx, err)
		return false, fmt.Errorf("failed to add member to room: %w", err)
	}

	return added.Val() == 1, nil
}

func (r *RedisMembershipRepository) Remove(ctx context.Context, room domain.RoomID, conn domain.ConnectionID) (bool, error) {
	ctx, span := tracing.TraceRepositoryOperation(ctx, "remove", string(room))
	defer span.End()

	pipe := r.client.TxPipeline()
	removed := pipe.ZRem(ctx, r.roomKey(room), string(conn))
	remaining := pipe.ZCard(ctx, r.roomKey(room))
	if _, err := pipe.Exec(ctx); err != nil {
		tracing.RecordError(ctx, err)
		return false, fmt.Errorf("failed to remove member from room: %w", err)
	}

	if remaining.Val() == 0 {
		if err := r.client.SRem(ctx, r.keyRooms, string(room)).Err(); err != nil {
			return removed.Val() == 1, fmt.Errorf("failed to drop empty room: %w", err)
		}
	}

	return removed.Val() == 1, nil
}

func (r *RedisMembershipRepository) Members(ctx context.Context, room domain.RoomID) ([]domain.ConnectionID, error) {
	ctx, span := tracing.TraceRepositoryOperation(ctx, "members", string(room))
	defer span.End()

	ids, err := r.client.ZRange(ctx, r.roomKey(room), 0, -1).Result()
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("failed to list room members: %w", err)
	}

	members := make([]domain.ConnectionID, len(ids))
	for i, id := range ids {
		members[i] = domain.ConnectionID(id)
	}
	return members, nil
}

func (r *RedisMembershipRepository) RoomCount(ctx context.Context) (int, error) {
	count, err := r.client.SCard(ctx, r.keyRooms).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count rooms: %w", err)
	}
	return int(count), nil
}
