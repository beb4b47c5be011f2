package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"framerelay/internal/core/domain"
	"framerelay/internal/core/ports"
	"framerelay/pkg/validation"

	"go.uber.org/zap"
)

// RoomDirectory owns room membership. Every mutation and broadcast for a room
// runs under that room's lock, and delivery only enqueues onto the
// recipient's outbound queue, so events for one room leave in the order they
// were produced.
type RoomDirectory struct {
	repo     ports.MembershipRepository
	registry ports.ConnectionRegistry
	sink     ports.EventSink
	metrics  ports.Metrics
	logger   *zap.SugaredLogger

	locksMu sync.Mutex
	locks   map[domain.RoomID]*roomLock
}

type roomLock struct {
	mu   sync.Mutex
	refs int
}

func NewRoomDirectory(
	repo ports.MembershipRepository,
	registry ports.ConnectionRegistry,
	sink ports.EventSink,
	metrics ports.Metrics,
	logger *zap.SugaredLogger,
) *RoomDirectory {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	d := &RoomDirectory{
		repo:     repo,
		registry: registry,
		sink:     sink,
		metrics:  metrics,
		logger:   logger,
		locks:    make(map[domain.RoomID]*roomLock),
	}
	registry.OnUnregister(d.handleUnregister)
	return d
}

func (d *RoomDirectory) lock(room domain.RoomID) *roomLock {
	d.locksMu.Lock()
	l, exists := d.locks[room]
	if !exists {
		l = &roomLock{}
		d.locks[room] = l
	}
	l.refs++
	d.locksMu.Unlock()

	l.mu.Lock()
	return l
}

func (d *RoomDirectory) unlock(room domain.RoomID, l *roomLock) {
	l.mu.Unlock()

	d.locksMu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(d.locks, room)
	}
	d.locksMu.Unlock()
}

// Join adds conn to room and tells the existing members about it. Joining a
// room twice changes nothing and sends nothing.
func (d *RoomDirectory) Join(ctx context.Context, room domain.RoomID, conn domain.ConnectionID) (domain.JoinResult, error) {
	if err := validation.ValidateRoomID(string(room)); err != nil {
		return domain.JoinResult{}, fmt.Errorf("%w: %v", domain.ErrInvalidRoomID, err)
	}

	l := d.lock(room)
	defer d.unlock(room, l)

	if !d.registry.TrackJoin(conn, room) {
		return domain.JoinResult{}, domain.ErrConnectionNotFound
	}

	added, err := d.repo.Add(ctx, room, conn)
	if err != nil {
		d.registry.TrackLeave(conn, room)
		return domain.JoinResult{}, fmt.Errorf("add member: %w", err)
	}

	members, err := d.repo.Members(ctx, room)
	if err != nil {
		return domain.JoinResult{}, fmt.Errorf("list members: %w", err)
	}

	result := domain.JoinResult{RoomID: room, Added: added, Members: members}
	if !added {
		return result, nil
	}

	if len(members) == 1 {
		d.metrics.RoomOpened()
	}
	d.logger.Infow("peer joined room", "room_id", room, "connection_id", conn, "members", len(members))

	if _, err := d.notifyPeerJoined(room, conn, members); err != nil {
		return result, err
	}
	return result, nil
}

// NotifyPeerJoined sends peer-joined(conn) to every other member of room.
func (d *RoomDirectory) NotifyPeerJoined(ctx context.Context, room domain.RoomID, conn domain.ConnectionID) (int, error) {
	l := d.lock(room)
	defer d.unlock(room, l)

	members, err := d.repo.Members(ctx, room)
	if err != nil {
		return 0, fmt.Errorf("list members: %w", err)
	}
	return d.notifyPeerJoined(room, conn, members)
}

func (d *RoomDirectory) notifyPeerJoined(room domain.RoomID, conn domain.ConnectionID, members []domain.ConnectionID) (int, error) {
	event, err := domain.NewEvent(domain.EventPeerJoined, conn)
	if err != nil {
		return 0, err
	}
	return d.deliverExcept(room, members, conn, event), nil
}

// Leave removes conn from room after telling the remaining members. It is a
// no-op for rooms conn is not in.
func (d *RoomDirectory) Leave(ctx context.Context, room domain.RoomID, conn domain.ConnectionID) (bool, error) {
	l := d.lock(room)
	defer d.unlock(room, l)

	return d.leaveLocked(ctx, room, conn)
}

func (d *RoomDirectory) leaveLocked(ctx context.Context, room domain.RoomID, conn domain.ConnectionID) (bool, error) {
	defer d.registry.TrackLeave(conn, room)

	members, err := d.repo.Members(ctx, room)
	if err != nil {
		return false, fmt.Errorf("list members: %w", err)
	}
	if !containsConnection(members, conn) {
		return false, nil
	}

	event, err := domain.NewEvent(domain.EventPeerLeft, conn)
	if err != nil {
		return false, err
	}
	d.deliverExcept(room, members, conn, event)

	removed, err := d.repo.Remove(ctx, room, conn)
	if err != nil {
		return false, fmt.Errorf("remove member: %w", err)
	}
	if removed && len(members) == 1 {
		d.metrics.RoomClosed()
	}

	d.logger.Infow("peer left room", "room_id", room, "connection_id", conn, "members", len(members)-1)
	return removed, nil
}

// LeaveAll removes conn from every room it is in and returns how many rooms
// it left.
func (d *RoomDirectory) LeaveAll(ctx context.Context, conn domain.ConnectionID) int {
	return d.leaveRooms(ctx, conn, d.registry.RoomsOf(conn))
}

// NotifyPeerLeft announces the departure of conn to each of its rooms and
// removes it from them.
func (d *RoomDirectory) NotifyPeerLeft(ctx context.Context, conn domain.ConnectionID) int {
	return d.LeaveAll(ctx, conn)
}

func (d *RoomDirectory) handleUnregister(ctx context.Context, conn domain.ConnectionID, rooms []domain.RoomID) {
	d.leaveRooms(ctx, conn, rooms)
}

func (d *RoomDirectory) leaveRooms(ctx context.Context, conn domain.ConnectionID, rooms []domain.RoomID) int {
	left := 0
	for _, room := range rooms {
		removed, err := d.Leave(ctx, room, conn)
		if err != nil {
			d.logger.Warnw("failed to leave room", "room_id", room, "connection_id", conn, "error", err)
			continue
		}
		if removed {
			left++
		}
	}
	return left
}

// Broadcast delivers event to every member of room except sender and returns
// the number of recipients. An empty or unknown room is not an error.
func (d *RoomDirectory) Broadcast(ctx context.Context, room domain.RoomID, sender domain.ConnectionID, event domain.Event) (int, error) {
	if room == "" {
		return 0, nil
	}

	l := d.lock(room)
	defer d.unlock(room, l)

	members, err := d.repo.Members(ctx, room)
	if err != nil {
		return 0, fmt.Errorf("list members: %w", err)
	}
	return d.deliverExcept(room, members, sender, event), nil
}

func (d *RoomDirectory) Members(ctx context.Context, room domain.RoomID) ([]domain.ConnectionID, error) {
	l := d.lock(room)
	defer d.unlock(room, l)

	return d.repo.Members(ctx, room)
}

func (d *RoomDirectory) deliverExcept(room domain.RoomID, members []domain.ConnectionID, skip domain.ConnectionID, event domain.Event) int {
	delivered := 0
	for _, member := range members {
		if member == skip {
			continue
		}
		if err := d.sink.Deliver(member, event); err != nil {
			if errors.Is(err, domain.ErrSendQueueFull) {
				d.metrics.EventDropped("queue_full")
			}
			d.logger.Debugw("event not delivered",
				"room_id", room,
				"connection_id", member,
				"event", event.Kind,
				"error", err,
			)
			continue
		}
		delivered++
	}
	return delivered
}

func containsConnection(members []domain.ConnectionID, conn domain.ConnectionID) bool {
	for _, member := range members {
		if member == conn {
			return true
		}
	}
	return false
}
