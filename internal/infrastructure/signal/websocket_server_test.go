package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"framerelay/internal/core/domain"
	"framerelay/internal/core/ports"
	"framerelay/internal/core/services"
	"framerelay/internal/infrastructure/analysis"
	"framerelay/internal/infrastructure/repositories/memory"
	"framerelay/pkg/circuitbreaker"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testServer struct {
	ws        *WebSocketServer
	directory *services.RoomDirectory
	bridge    *services.AnalysisBridge
	url       string
}

func newTestServer(t *testing.T, analyzer ports.Analyzer, analysisTimeout time.Duration) *testServer {
	t.Helper()
	return newCustomTestServer(t, memory.NewMemoryMembershipRepository(), Config{}, analyzer, analysisTimeout)
}

func newCustomTestServer(t *testing.T, repo ports.MembershipRepository, cfg Config, analyzer ports.Analyzer, analysisTimeout time.Duration) *testServer {
	t.Helper()

	logger := zap.NewNop().Sugar()
	registry := services.NewConnectionRegistry()

	cfg.PingInterval = time.Second
	cfg.PongTimeout = 5 * time.Second
	ws := NewWebSocketServer(registry, nil, cfg, logger)
	directory := services.NewRoomDirectory(repo, registry, ws, nil, logger)
	relay := services.NewNegotiationRelay(directory, nil, logger)
	bridge := services.NewAnalysisBridge(analyzer, registry, ws, nil, logger, services.AnalysisBridgeConfig{
		Timeout: analysisTimeout,
	})
	ws.SetHandlers(relay, bridge)

	srv := httptest.NewServer(http.HandlerFunc(ws.HandleWebSocket))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = ws.Close(ctx)
		_ = bridge.Wait(ctx)
		srv.Close()
	})

	return &testServer{ws: ws, directory: directory, bridge: bridge, url: "ws" + srv.URL[4:]}
}

// waitMembers blocks until room has n members, so joins from different
// connections land in a known order.
func (s *testServer) waitMembers(t *testing.T, room string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		members, err := s.directory.Members(context.Background(), domain.RoomID(room))
		return err == nil && len(members) == n
	}, 2*time.Second, 5*time.Millisecond)
}

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
	id   domain.ConnectionID
}

// dial connects and consumes the connected greeting.
func (s *testServer) dial(t *testing.T) *testClient {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	c := &testClient{t: t, conn: conn}
	greeting := c.next()
	require.Equal(t, domain.EventConnected, greeting.Kind)

	var payload domain.ConnectedPayload
	require.NoError(t, json.Unmarshal(greeting.Data, &payload))
	require.NotEmpty(t, payload.ID)
	c.id = payload.ID
	return c
}

func (c *testClient) send(kind domain.EventKind, data interface{}) {
	c.t.Helper()
	event, err := domain.NewEvent(kind, data)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(event))
}

func (c *testClient) sendRaw(text string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, []byte(text)))
}

func (c *testClient) sendFrame(frame []byte) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(websocket.BinaryMessage, frame))
}

func (c *testClient) next() domain.Event {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	messageType, data, err := c.conn.ReadMessage()
	require.NoError(c.t, err)
	require.Equal(c.t, websocket.TextMessage, messageType)

	var event domain.Event
	require.NoError(c.t, json.Unmarshal(data, &event))
	return event
}

func (c *testClient) join(room string) {
	c.send(domain.EventJoinRoom, domain.RoomRequest{RoomID: domain.RoomID(room)})
}

func decodeString(t *testing.T, raw json.RawMessage) string {
	t.Helper()
	var s string
	require.NoError(t, json.Unmarshal(raw, &s))
	return s
}

type stubAnalyzer struct{}

func (stubAnalyzer) Analyze(ctx context.Context, frame []byte) (*domain.AnalysisResult, error) {
	return &domain.AnalysisResult{Width: 1, Height: 1, Processed: "x", Raw: json.RawMessage(`{}`)}, nil
}

func TestWebSocketServer_Greeting(t *testing.T) {
	s := newTestServer(t, stubAnalyzer{}, time.Second)

	a := s.dial(t)
	b := s.dial(t)

	assert.Len(t, string(a.id), 36)
	assert.NotEqual(t, a.id, b.id)
	assert.Eventually(t, func() bool { return s.ws.ConnectionCount() == 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, s.ws.IsConnected(a.id))
}

func TestWebSocketServer_NegotiationScenario(t *testing.T) {
	s := newTestServer(t, stubAnalyzer{}, time.Second)

	x := s.dial(t)
	y := s.dial(t)

	x.join("room1")
	s.waitMembers(t, "room1", 1)
	// the plain string form is accepted too
	y.send(domain.EventJoinRoom, "room1")

	joined := x.next()
	assert.Equal(t, domain.EventPeerJoined, joined.Kind)
	assert.Equal(t, string(y.id), decodeString(t, joined.Data))

	y.sendRaw(`{"event":"webrtc-offer","data":{"roomId":"room1","sdp":"O1"}}`)
	offer := x.next()
	assert.Equal(t, domain.EventOffer, offer.Kind)
	assert.JSONEq(t, `{"from":"`+string(y.id)+`","sdp":"O1"}`, string(offer.Data))

	x.sendRaw(`{"event":"webrtc-ice","data":{"roomId":"room1","candidate":{"c":1}}}`)
	ice := y.next()
	// y saw neither its own join nor its own offer
	assert.Equal(t, domain.EventICECandidate, ice.Kind)
	assert.JSONEq(t, `{"from":"`+string(x.id)+`","candidate":{"c":1}}`, string(ice.Data))

	y.sendRaw(`{"event":"webrtc-answer","data":{"roomId":"room1","sdp":{"type":"answer","sdp":"A1"}}}`)
	answer := x.next()
	assert.Equal(t, domain.EventAnswer, answer.Kind)
	assert.JSONEq(t, `{"from":"`+string(y.id)+`","sdp":{"type":"answer","sdp":"A1"}}`, string(answer.Data))

	require.NoError(t, y.conn.Close())
	left := x.next()
	assert.Equal(t, domain.EventPeerLeft, left.Kind)
	assert.Equal(t, string(y.id), decodeString(t, left.Data))
}

func TestWebSocketServer_MalformedInputKeepsConnection(t *testing.T) {
	s := newTestServer(t, stubAnalyzer{}, time.Second)

	x := s.dial(t)
	y := s.dial(t)

	x.join("room1")
	s.waitMembers(t, "room1", 1)

	y.sendRaw("not json")
	y.sendRaw(`{"data":{}}`)
	y.sendRaw(`{"event":"no-such-event","data":{}}`)
	y.sendRaw(`{"event":"webrtc-offer","data":{"sdp":"no room"}}`)
	y.sendRaw(`{"event":"join-room","data":""}`)
	y.join("room1")

	joined := x.next()
	assert.Equal(t, domain.EventPeerJoined, joined.Kind)
	assert.Equal(t, string(y.id), decodeString(t, joined.Data))
}

func TestWebSocketServer_LeaveRoom(t *testing.T) {
	s := newTestServer(t, stubAnalyzer{}, time.Second)

	x := s.dial(t)
	y := s.dial(t)

	x.join("room1")
	s.waitMembers(t, "room1", 1)
	y.join("room1")
	assert.Equal(t, domain.EventPeerJoined, x.next().Kind)

	y.send(domain.EventLeaveRoom, domain.RoomRequest{RoomID: "room1"})
	left := x.next()
	assert.Equal(t, domain.EventPeerLeft, left.Kind)
	assert.Equal(t, string(y.id), decodeString(t, left.Data))

	// a non-member can still address the room; every member receives it
	y.sendRaw(`{"event":"webrtc-offer","data":{"roomId":"room1","sdp":"late"}}`)
	offer := x.next()
	assert.Equal(t, domain.EventOffer, offer.Kind)
	assert.JSONEq(t, `{"from":"`+string(y.id)+`","sdp":"late"}`, string(offer.Data))

	y.join("room1")
	assert.Equal(t, domain.EventPeerJoined, x.next().Kind)
}

func TestWebSocketServer_FrameAnalysis(t *testing.T) {
	body := `{"width":640,"height":480,"edge_pixels":1234,"processed":"abc"}`
	service := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	defer service.Close()

	client := analysis.NewClient(analysis.Config{
		URL:     service.URL,
		Timeout: time.Second,
		Breaker: circuitbreaker.DefaultConfig(),
	}, zap.NewNop().Sugar())
	s := newTestServer(t, client, time.Second)

	x := s.dial(t)
	y := s.dial(t)
	x.join("room1")
	s.waitMembers(t, "room1", 1)
	y.join("room1")
	assert.Equal(t, domain.EventPeerJoined, x.next().Kind)

	y.sendFrame([]byte{0xff, 0xd8, 0xff, 0xd9})
	result := y.next()
	assert.Equal(t, domain.EventAnalysis, result.Kind)
	assert.Equal(t, uint64(1), result.Seq)
	assert.JSONEq(t, body, string(result.Data))

	// base64 frame over a text message
	y.send(domain.EventFrame, []byte{0xff, 0xd8, 0xff, 0xd9})
	result = y.next()
	assert.Equal(t, domain.EventAnalysis, result.Kind)
	assert.Equal(t, uint64(2), result.Seq)

	// x received nothing from y's frames; its next event is the ice below
	y.sendRaw(`{"event":"webrtc-ice","data":{"roomId":"room1","candidate":"c"}}`)
	assert.Equal(t, domain.EventICECandidate, x.next().Kind)
}

func TestWebSocketServer_AnalysisUnreachable(t *testing.T) {
	client := analysis.NewClient(analysis.Config{
		URL:     "http://127.0.0.1:1/analyze",
		Timeout: 500 * time.Millisecond,
		Breaker: circuitbreaker.DefaultConfig(),
	}, zap.NewNop().Sugar())
	s := newTestServer(t, client, 500*time.Millisecond)

	z := s.dial(t)
	z.join("room2")
	s.waitMembers(t, "room2", 1)

	start := time.Now()
	z.sendFrame([]byte{0xff, 0xd8, 0xff, 0xd9})

	failure := z.next()
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, domain.EventAnalysisError, failure.Kind)
	assert.Equal(t, uint64(1), failure.Seq)

	var payload domain.AnalysisErrorPayload
	require.NoError(t, json.Unmarshal(failure.Data, &payload))
	assert.NotEmpty(t, payload.Message)

	// still serving
	other := s.dial(t)
	other.join("room2")
	joined := z.next()
	assert.Equal(t, domain.EventPeerJoined, joined.Kind)
	assert.Equal(t, string(other.id), decodeString(t, joined.Data))
}

func TestWebSocketServer_DeliverUnknownConnection(t *testing.T) {
	ws := NewWebSocketServer(services.NewConnectionRegistry(), nil, Config{}, zap.NewNop().Sugar())

	event, err := domain.NewEvent(domain.EventPeerLeft, "x")
	require.NoError(t, err)
	assert.ErrorIs(t, ws.Deliver("missing", event), domain.ErrConnectionNotFound)
}

func TestWebSocketServer_CloseRejectsNewConnections(t *testing.T) {
	s := newTestServer(t, stubAnalyzer{}, time.Second)
	x := s.dial(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.ws.Close(ctx))

	require.NoError(t, x.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := x.conn.ReadMessage()
	assert.Error(t, err)
	assert.Zero(t, s.ws.ConnectionCount())

	_, resp, err := websocket.DefaultDialer.Dial(s.url, nil)
	assert.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	}
}

func TestSession_Enqueue(t *testing.T) {
	sess := newSession("a", nil, Config{SendQueueSize: 1})

	require.NoError(t, sess.enqueue([]byte("one")))
	assert.ErrorIs(t, sess.enqueue([]byte("two")), domain.ErrSendQueueFull)

	close(sess.done)
	assert.ErrorIs(t, sess.enqueue([]byte("three")), domain.ErrConnectionNotFound)
}

func TestSession_Limiter(t *testing.T) {
	assert.Nil(t, newSession("a", nil, Config{SendQueueSize: 1}).limiter)

	sess := newSession("a", nil, Config{SendQueueSize: 1, MessagesPerSecond: 1, Burst: 2})
	require.NotNil(t, sess.limiter)
	assert.True(t, sess.limiter.Allow())
	assert.True(t, sess.limiter.Allow())
	assert.False(t, sess.limiter.Allow())
}

func TestWebSocketServer_CheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"wildcard", []string{"*"}, "http://evil.example", true},
		{"no origin header", []string{"http://app.example"}, "", true},
		{"listed", []string{"http://app.example"}, "http://APP.example", true},
		{"not listed", []string{"http://app.example"}, "http://evil.example", false},
		{"nothing configured", nil, "http://any.example", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws := NewWebSocketServer(services.NewConnectionRegistry(), nil, Config{AllowedOrigins: tt.allowed}, zap.NewNop().Sugar())
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, ws.checkOrigin(req))
		})
	}
}

// contextAwareRepo fails like a network-backed store once ctx is cancelled.
type contextAwareRepo struct {
	ports.MembershipRepository
}

func (r contextAwareRepo) Remove(ctx context.Context, room domain.RoomID, conn domain.ConnectionID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return r.MembershipRepository.Remove(ctx, room, conn)
}

func (r contextAwareRepo) Members(ctx context.Context, room domain.RoomID) ([]domain.ConnectionID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.MembershipRepository.Members(ctx, room)
}

func TestWebSocketServer_CloseClearsMembership(t *testing.T) {
	s := newCustomTestServer(t, contextAwareRepo{memory.NewMemoryMembershipRepository()}, Config{}, stubAnalyzer{}, time.Second)

	a := s.dial(t)
	b := s.dial(t)
	a.join("room1")
	s.waitMembers(t, "room1", 1)
	b.join("room1")
	s.waitMembers(t, "room1", 2)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.ws.Close(ctx))

	members, err := s.directory.Members(context.Background(), "room1")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestWebSocketServer_RateLimitedFrameGetsFailure(t *testing.T) {
	s := newCustomTestServer(t, memory.NewMemoryMembershipRepository(),
		Config{MessagesPerSecond: 0.001, Burst: 1}, stubAnalyzer{}, time.Second)

	c := s.dial(t)
	c.sendFrame([]byte{0xff, 0xd8, 0xff, 0xd9})
	c.send(domain.EventFrame, []byte{0xff, 0xd8, 0xff, 0xd9})

	bySeq := map[uint64]domain.Event{}
	for i := 0; i < 2; i++ {
		event := c.next()
		bySeq[event.Seq] = event
	}

	require.Contains(t, bySeq, uint64(1))
	require.Contains(t, bySeq, uint64(2))
	assert.Equal(t, domain.EventAnalysis, bySeq[1].Kind)
	assert.Equal(t, domain.EventAnalysisError, bySeq[2].Kind)

	var payload domain.AnalysisErrorPayload
	require.NoError(t, json.Unmarshal(bySeq[2].Data, &payload))
	assert.Equal(t, "rate limit exceeded", payload.Message)
}

func TestIsFrameMessage(t *testing.T) {
	assert.True(t, isFrameMessage(websocket.BinaryMessage, []byte{0xff}))
	assert.True(t, isFrameMessage(websocket.TextMessage, []byte(`{"event":"frame","data":"AA=="}`)))
	assert.False(t, isFrameMessage(websocket.TextMessage, []byte(`{"event":"join-room","data":"room1"}`)))
	assert.False(t, isFrameMessage(websocket.TextMessage, []byte(`not json`)))
}
