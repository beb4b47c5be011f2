package services

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"testing"

	"framerelay/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoomDirectory_JoinNotifiesExistingMembers(t *testing.T) {
	rig := newTestRig(t)
	a := rig.registry.Register()
	b := rig.registry.Register()
	c := rig.registry.Register()

	result := rig.join(t, "room1", a)
	assert.True(t, result.Added)
	assert.Equal(t, []domain.ConnectionID{a}, result.Members)
	assert.Empty(t, rig.sink.EventsFor(a))

	rig.join(t, "room1", b)
	rig.join(t, "room1", c)

	aEvents := rig.sink.EventsFor(a)
	require.Len(t, aEvents, 2)
	assert.Equal(t, domain.EventPeerJoined, aEvents[0].Kind)
	assert.Equal(t, b, decodeConnectionID(t, aEvents[0]))
	assert.Equal(t, c, decodeConnectionID(t, aEvents[1]))

	bEvents := rig.sink.EventsFor(b)
	require.Len(t, bEvents, 1)
	assert.Equal(t, c, decodeConnectionID(t, bEvents[0]))

	assert.Empty(t, rig.sink.EventsFor(c), "joiner is never told about itself")
}

func TestRoomDirectory_DuplicateJoinIsNoop(t *testing.T) {
	rig := newTestRig(t)
	a := rig.registry.Register()
	b := rig.registry.Register()

	rig.join(t, "room1", a)
	rig.join(t, "room1", b)
	rig.sink.Reset()

	result := rig.join(t, "room1", b)

	assert.False(t, result.Added)
	assert.Len(t, result.Members, 2)
	assert.Zero(t, rig.sink.Total())
}

func TestRoomDirectory_JoinRejectsInvalidRoom(t *testing.T) {
	rig := newTestRig(t)
	a := rig.registry.Register()

	for _, room := range []domain.RoomID{"", "   ", domain.RoomID(strings.Repeat("r", 101))} {
		_, err := rig.directory.Join(context.Background(), room, a)
		assert.ErrorIs(t, err, domain.ErrInvalidRoomID)
	}
	assert.Empty(t, rig.registry.RoomsOf(a))

	count, err := rig.repo.RoomCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRoomDirectory_JoinAfterDisconnectFails(t *testing.T) {
	rig := newTestRig(t)
	a := rig.registry.Register()
	rig.registry.Unregister(context.Background(), a)

	_, err := rig.directory.Join(context.Background(), "room1", a)
	assert.ErrorIs(t, err, domain.ErrConnectionNotFound)

	members, err := rig.directory.Members(context.Background(), "room1")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestRoomDirectory_LeaveNotifiesRemainingMembers(t *testing.T) {
	rig := newTestRig(t)
	a := rig.registry.Register()
	b := rig.registry.Register()

	rig.join(t, "room1", a)
	rig.join(t, "room1", b)
	rig.sink.Reset()

	removed, err := rig.directory.Leave(context.Background(), "room1", b)
	require.NoError(t, err)
	assert.True(t, removed)

	events := rig.sink.EventsFor(a)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventPeerLeft, events[0].Kind)
	assert.Equal(t, b, decodeConnectionID(t, events[0]))
	assert.Empty(t, rig.sink.EventsFor(b))
	assert.Empty(t, rig.registry.RoomsOf(b))
}

func TestRoomDirectory_LeaveWhenNotMember(t *testing.T) {
	rig := newTestRig(t)
	a := rig.registry.Register()
	b := rig.registry.Register()
	rig.join(t, "room1", a)
	rig.sink.Reset()

	removed, err := rig.directory.Leave(context.Background(), "room1", b)
	require.NoError(t, err)
	assert.False(t, removed)

	removed, err = rig.directory.Leave(context.Background(), "nowhere", a)
	require.NoError(t, err)
	assert.False(t, removed)

	assert.Zero(t, rig.sink.Total())
}

func TestRoomDirectory_LastLeaveRemovesRoom(t *testing.T) {
	rig := newTestRig(t)
	a := rig.registry.Register()
	rig.join(t, "room1", a)

	_, err := rig.directory.Leave(context.Background(), "room1", a)
	require.NoError(t, err)

	count, err := rig.repo.RoomCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRoomDirectory_BroadcastReachesOthersOnly(t *testing.T) {
	rig := newTestRig(t)
	const n = 5

	members := make([]domain.ConnectionID, n)
	for i := range members {
		members[i] = rig.registry.Register()
		rig.join(t, "room1", members[i])
	}
	outsider := rig.registry.Register()
	rig.join(t, "room2", outsider)
	rig.sink.Reset()

	event := mustEvent(t, domain.EventOffer, map[string]string{"sdp": "x"})

	delivered, err := rig.directory.Broadcast(context.Background(), "room1", members[0], event)
	require.NoError(t, err)
	assert.Equal(t, n-1, delivered)
	assert.Empty(t, rig.sink.EventsFor(members[0]))
	for _, member := range members[1:] {
		assert.Len(t, rig.sink.EventsFor(member), 1)
	}
	assert.Empty(t, rig.sink.EventsFor(outsider))

	rig.sink.Reset()
	delivered, err = rig.directory.Broadcast(context.Background(), "room1", outsider, event)
	require.NoError(t, err)
	assert.Equal(t, n, delivered)
	assert.Empty(t, rig.sink.EventsFor(outsider))
}

func TestRoomDirectory_BroadcastToEmptyOrUnknownRoom(t *testing.T) {
	rig := newTestRig(t)
	a := rig.registry.Register()
	event := mustEvent(t, domain.EventOffer, map[string]string{"sdp": "x"})

	delivered, err := rig.directory.Broadcast(context.Background(), "", a, event)
	require.NoError(t, err)
	assert.Zero(t, delivered)

	delivered, err = rig.directory.Broadcast(context.Background(), "nobody-here", a, event)
	require.NoError(t, err)
	assert.Zero(t, delivered)
}

func TestRoomDirectory_DisconnectLeavesEveryRoomOnce(t *testing.T) {
	rig := newTestRig(t)
	x := rig.registry.Register()
	peerA := rig.registry.Register()
	peerB := rig.registry.Register()

	rig.join(t, "A", x)
	rig.join(t, "B", x)
	rig.join(t, "A", peerA)
	rig.join(t, "B", peerB)
	rig.sink.Reset()

	assert.True(t, rig.registry.Unregister(context.Background(), x))

	for _, peer := range []domain.ConnectionID{peerA, peerB} {
		events := rig.sink.EventsFor(peer)
		require.Len(t, events, 1)
		assert.Equal(t, domain.EventPeerLeft, events[0].Kind)
		assert.Equal(t, x, decodeConnectionID(t, events[0]))
	}

	for _, room := range []domain.RoomID{"A", "B"} {
		members, err := rig.directory.Members(context.Background(), room)
		require.NoError(t, err)
		assert.NotContains(t, members, x)
	}

	rig.sink.Reset()
	assert.False(t, rig.registry.Unregister(context.Background(), x))
	assert.Zero(t, rig.sink.Total())
}

func TestRoomDirectory_LeaveAllAndNotifyPeerLeft(t *testing.T) {
	rig := newTestRig(t)
	a := rig.registry.Register()
	b := rig.registry.Register()

	rig.join(t, "room1", a)
	rig.join(t, "room2", a)
	rig.join(t, "room1", b)
	rig.sink.Reset()

	assert.Equal(t, 2, rig.directory.LeaveAll(context.Background(), a))
	assert.Len(t, rig.sink.EventsFor(b), 1)
	assert.Empty(t, rig.registry.RoomsOf(a))
	assert.True(t, rig.registry.IsLive(a), "leaving rooms keeps the connection")

	assert.Equal(t, 0, rig.directory.NotifyPeerLeft(context.Background(), a))
}

func TestRoomDirectory_NotifyPeerJoined(t *testing.T) {
	rig := newTestRig(t)
	a := rig.registry.Register()
	b := rig.registry.Register()
	rig.join(t, "room1", a)
	rig.join(t, "room1", b)
	rig.sink.Reset()

	delivered, err := rig.directory.NotifyPeerJoined(context.Background(), "room1", b)
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	assert.Len(t, rig.sink.EventsFor(a), 1)
}

func TestRoomDirectory_ConcurrentJoinsAndLeaves(t *testing.T) {
	rig := newTestRig(t)

	conns := make([]domain.ConnectionID, 40)
	for i := range conns {
		conns[i] = rig.registry.Register()
	}

	var wg sync.WaitGroup
	for i, conn := range conns {
		wg.Add(1)
		go func(i int, conn domain.ConnectionID) {
			defer wg.Done()
			_, _ = rig.directory.Join(context.Background(), "room1", conn)
			if i%2 == 0 {
				_, _ = rig.directory.Leave(context.Background(), "room1", conn)
			}
		}(i, conn)
	}
	wg.Wait()

	members, err := rig.directory.Members(context.Background(), "room1")
	require.NoError(t, err)
	assert.Len(t, members, len(conns)/2)
	for i, conn := range conns {
		if i%2 == 0 {
			assert.NotContains(t, members, conn)
		} else {
			assert.Contains(t, members, conn)
		}
	}
}

// membershipModel is the reference the directory is replayed against.
type membershipModel struct {
	rooms map[domain.RoomID]map[domain.ConnectionID]bool
}

func (m *membershipModel) join(room domain.RoomID, conn domain.ConnectionID) int {
	members := m.rooms[room]
	if members == nil {
		members = make(map[domain.ConnectionID]bool)
		m.rooms[room] = members
	}
	if members[conn] {
		return 0
	}
	notified := len(members)
	members[conn] = true
	return notified
}

func (m *membershipModel) leave(room domain.RoomID, conn domain.ConnectionID) int {
	members := m.rooms[room]
	if !members[conn] {
		return 0
	}
	delete(members, conn)
	if len(members) == 0 {
		delete(m.rooms, room)
	}
	return len(members)
}

func (m *membershipModel) disconnect(conn domain.ConnectionID) int {
	notified := 0
	for room := range m.rooms {
		notified += m.leave(room, conn)
	}
	return notified
}

func (m *membershipModel) members(room domain.RoomID) []string {
	var out []string
	for conn := range m.rooms[room] {
		out = append(out, string(conn))
	}
	sort.Strings(out)
	return out
}

func TestRoomDirectory_ReplayMatchesReferenceModel(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		t.Run(fmt.Sprintf("seed_%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			rig := newTestRig(t)
			model := &membershipModel{rooms: make(map[domain.RoomID]map[domain.ConnectionID]bool)}
			ctx := context.Background()

			rooms := []domain.RoomID{"r1", "r2", "r3", "r4"}
			conns := make([]domain.ConnectionID, 6)
			for i := range conns {
				conns[i] = rig.registry.Register()
			}

			for step := 0; step < 200; step++ {
				slot := rng.Intn(len(conns))
				conn := conns[slot]
				room := rooms[rng.Intn(len(rooms))]
				before := rig.sink.Total()

				var expected int
				switch rng.Intn(5) {
				case 0, 1:
					expected = model.join(room, conn)
					_, err := rig.directory.Join(ctx, room, conn)
					require.NoError(t, err)
				case 2, 3:
					expected = model.leave(room, conn)
					_, err := rig.directory.Leave(ctx, room, conn)
					require.NoError(t, err)
				default:
					expected = model.disconnect(conn)
					rig.registry.Unregister(ctx, conn)
					conns[slot] = rig.registry.Register()
				}

				assert.Equal(t, expected, rig.sink.Total()-before, "step %d notifications", step)

				for _, r := range rooms {
					members, err := rig.directory.Members(ctx, r)
					require.NoError(t, err)
					got := make([]string, 0, len(members))
					for _, member := range members {
						got = append(got, string(member))
					}
					sort.Strings(got)
					want := model.members(r)
					if want == nil {
						want = []string{}
					}
					require.Equal(t, want, got, "step %d room %s", step, r)
				}

				count, err := rig.repo.RoomCount(ctx)
				require.NoError(t, err)
				require.Equal(t, len(model.rooms), count, "step %d room count", step)
			}
		})
	}
}
