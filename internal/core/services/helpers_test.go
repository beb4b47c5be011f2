package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"framerelay/internal/core/domain"
	"framerelay/internal/core/ports"
	"framerelay/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// recordingSink stores delivered events per connection and refuses delivery
// to connections the registry no longer knows.
type recordingSink struct {
	registry ports.ConnectionRegistry

	mu     sync.Mutex
	events map[domain.ConnectionID][]domain.Event
}

func newRecordingSink(registry ports.ConnectionRegistry) *recordingSink {
	return &recordingSink{
		registry: registry,
		events:   make(map[domain.ConnectionID][]domain.Event),
	}
}

func (s *recordingSink) Deliver(to domain.ConnectionID, event domain.Event) error {
	if s.registry != nil && !s.registry.IsLive(to) {
		return domain.ErrConnectionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[to] = append(s.events[to], event)
	return nil
}

func (s *recordingSink) EventsFor(conn domain.ConnectionID) []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Event(nil), s.events[conn]...)
}

func (s *recordingSink) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for _, events := range s.events {
		total += len(events)
	}
	return total
}

func (s *recordingSink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = make(map[domain.ConnectionID][]domain.Event)
}

// waitForEvents polls until conn has received n events.
func (s *recordingSink) waitForEvents(t *testing.T, conn domain.ConnectionID, n int) []domain.Event {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(s.EventsFor(conn)) >= n
	}, 2*time.Second, 5*time.Millisecond)
	return s.EventsFor(conn)
}

type MockAnalyzer struct {
	mock.Mock
}

func (m *MockAnalyzer) Analyze(ctx context.Context, frame []byte) (*domain.AnalysisResult, error) {
	args := m.Called(ctx, frame)
	result, _ := args.Get(0).(*domain.AnalysisResult)
	return result, args.Error(1)
}

type testRig struct {
	registry  *ConnectionRegistry
	repo      ports.MembershipRepository
	sink      *recordingSink
	directory *RoomDirectory
	relay     *NegotiationRelay
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	logger := zap.NewNop().Sugar()
	registry := NewConnectionRegistry()
	repo := memory.NewMemoryMembershipRepository()
	sink := newRecordingSink(registry)
	directory := NewRoomDirectory(repo, registry, sink, nil, logger)

	return &testRig{
		registry:  registry,
		repo:      repo,
		sink:      sink,
		directory: directory,
		relay:     NewNegotiationRelay(directory, nil, logger),
	}
}

func (r *testRig) join(t *testing.T, room domain.RoomID, conn domain.ConnectionID) domain.JoinResult {
	t.Helper()
	result, err := r.directory.Join(context.Background(), room, conn)
	require.NoError(t, err)
	return result
}

func mustEvent(t *testing.T, kind domain.EventKind, data interface{}) domain.Event {
	t.Helper()
	event, err := domain.NewEvent(kind, data)
	require.NoError(t, err)
	return event
}

func decodeData(t *testing.T, event domain.Event) map[string]interface{} {
	t.Helper()
	var data map[string]interface{}
	require.NoError(t, json.Unmarshal(event.Data, &data))
	return data
}

func decodeConnectionID(t *testing.T, event domain.Event) domain.ConnectionID {
	t.Helper()
	var id domain.ConnectionID
	require.NoError(t, json.Unmarshal(event.Data, &id))
	return id
}
