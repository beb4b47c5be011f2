package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"framerelay/internal/core/domain"
	"framerelay/internal/core/ports"
	"framerelay/internal/core/services"
	"framerelay/pkg/config"
	apperrors "framerelay/pkg/errors"
	rlog "framerelay/pkg/logger"
	"framerelay/pkg/tracing"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// cleanupTimeout bounds membership cleanup after a connection ends.
const cleanupTimeout = 5 * time.Second

type Config struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	SendQueueSize  int
	MaxMessageSize int64
	AllowedOrigins []string

	// MessagesPerSecond limits inbound messages per connection. Zero disables
	// the limit.
	MessagesPerSecond float64
	Burst             int
}

// ConfigFrom picks the transport settings out of the application config.
func ConfigFrom(cfg *config.Config) Config {
	c := Config{
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		SendQueueSize:  cfg.Signal.SendQueueSize,
		MaxMessageSize: cfg.Signal.MaxMessageSize,
		AllowedOrigins: cfg.Signal.AllowedOrigins,
	}
	if cfg.RateLimiting.Enabled {
		c.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		c.Burst = cfg.RateLimiting.WebSocket.Burst
	}
	return c
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 60 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 256
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 8 << 20
	}
	return c
}

// WebSocketServer terminates client sockets. Text messages are JSON event
// envelopes handed to the negotiation relay, binary messages are frames for
// the analysis bridge. It is also the EventSink every outbound event goes
// through.
type WebSocketServer struct {
	registry ports.ConnectionRegistry
	relay    ports.NegotiationRelay
	bridge   ports.AnalysisBridge
	metrics  ports.Metrics
	config   Config
	upgrader websocket.Upgrader

	sessions map[domain.ConnectionID]*session
	mu       sync.RWMutex

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	logger    *zap.SugaredLogger
	ctxLogger *rlog.ContextLogger
}

func NewWebSocketServer(
	registry ports.ConnectionRegistry,
	metrics ports.Metrics,
	cfg Config,
	logger *zap.SugaredLogger,
) *WebSocketServer {
	if metrics == nil {
		metrics = services.NopMetrics{}
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	s := &WebSocketServer{
		registry:  registry,
		metrics:   metrics,
		config:    cfg,
		sessions:  make(map[domain.ConnectionID]*session),
		baseCtx:   ctx,
		cancel:    cancel,
		logger:    logger,
		ctxLogger: rlog.NewContextLogger(logger.Desugar()),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:     s.checkOrigin,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	return s
}

// SetHandlers wires the relay and the bridge. Both depend on the server as
// their EventSink, so they are attached after construction and before the
// server starts accepting connections.
func (s *WebSocketServer) SetHandlers(relay ports.NegotiationRelay, bridge ports.AnalysisBridge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relay = relay
	s.bridge = bridge
}

func (s *WebSocketServer) handlers() (ports.NegotiationRelay, ports.AnalysisBridge) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.relay, s.bridge
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.config.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.baseCtx.Err() != nil {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()

	conn.SetReadLimit(s.config.MaxMessageSize)

	id := s.registry.Register()
	sess := newSession(id, conn, s.config)

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
	s.metrics.ConnectionOpened()

	ctx, cancel := context.WithCancel(rlog.WithConnectionID(s.baseCtx, string(id)))
	defer cancel()

	s.ctxLogger.LogInfo(ctx, "client connected", zap.String("remote_addr", r.RemoteAddr))

	go s.writePump(sess)

	greeting, err := domain.NewEvent(domain.EventConnected, domain.ConnectedPayload{ID: id})
	if err == nil {
		err = s.Deliver(id, greeting)
	}
	if err != nil {
		s.logger.Warnw("failed to greet client", "connection_id", id, "error", err)
	}

	s.readPump(ctx, sess)
	s.disconnect(ctx, sess)
}

func (s *WebSocketServer) readPump(ctx context.Context, sess *session) {
	conn := sess.conn
	_ = conn.SetReadDeadline(time.Now().Add(s.config.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.config.PongTimeout))
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("read error", "connection_id", sess.id, "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.config.PongTimeout))

		if sess.limiter != nil && !sess.limiter.Allow() {
			s.logger.Debugw("inbound message dropped, rate limit exceeded", "connection_id", sess.id)
			s.metrics.EventDropped("rate_limited")
			// a dropped frame still gets its one outcome event
			if _, bridge := s.handlers(); bridge != nil && isFrameMessage(messageType, data) {
				bridge.Reject(sess.id, apperrors.NewRateLimitError())
			}
			continue
		}

		s.dispatch(ctx, sess.id, messageType, data)
	}
}

func (s *WebSocketServer) writePump(sess *session) {
	ticker := time.NewTicker(s.config.PingInterval)
	defer func() {
		ticker.Stop()
		_ = sess.conn.Close()
	}()

	for {
		select {
		case message := <-sess.send:
			_ = sess.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if err := sess.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.logger.Debugw("write failed", "connection_id", sess.id, "error", err)
				return
			}

		case <-ticker.C:
			_ = sess.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if err := sess.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Debugw("ping failed", "connection_id", sess.id, "error", err)
				return
			}

		case <-sess.done:
			_ = sess.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.config.WriteTimeout),
			)
			return
		}
	}
}

func (s *WebSocketServer) dispatch(ctx context.Context, id domain.ConnectionID, messageType int, data []byte) {
	relay, bridge := s.handlers()

	if messageType == websocket.BinaryMessage {
		s.submitFrame(ctx, bridge, id, data)
		return
	}

	var event domain.Event
	if err := json.Unmarshal(data, &event); err != nil || event.Kind == "" {
		s.logger.Warnw("malformed message", "connection_id", id, "bytes", len(data), "error", err)
		return
	}

	// JSON frames carry the image as a base64 string.
	if event.Kind == domain.EventFrame {
		var frame []byte
		if err := json.Unmarshal(event.Data, &frame); err != nil || len(frame) == 0 {
			s.logger.Warnw("malformed frame payload", "connection_id", id, "error", err)
			return
		}
		s.submitFrame(ctx, bridge, id, frame)
		return
	}

	if relay == nil || !relay.Handles(event.Kind) {
		s.logger.Debugw("unknown event", "connection_id", id, "event", event.Kind)
		return
	}

	ctx, span := tracing.TraceWebSocketMessage(ctx, string(event.Kind), string(id))
	defer span.End()

	if err := relay.Relay(ctx, id, event); err != nil {
		tracing.RecordError(ctx, err)
		s.logger.Warnw("failed to handle event", "connection_id", id, "event", event.Kind, "error", err)
	}
}

// isFrameMessage reports whether a raw inbound message is a frame submission.
func isFrameMessage(messageType int, data []byte) bool {
	if messageType == websocket.BinaryMessage {
		return true
	}
	var head struct {
		Kind domain.EventKind `json:"event"`
	}
	return json.Unmarshal(data, &head) == nil && head.Kind == domain.EventFrame
}

func (s *WebSocketServer) submitFrame(ctx context.Context, bridge ports.AnalysisBridge, id domain.ConnectionID, frame []byte) {
	if bridge == nil {
		s.logger.Debugw("frame dropped, no analysis bridge", "connection_id", id)
		return
	}

	ctx, span := tracing.TraceWebSocketMessage(ctx, string(domain.EventFrame), string(id))
	defer span.End()

	seq := bridge.Submit(ctx, id, frame)
	s.logger.Debugw("frame submitted", "connection_id", id, "seq", seq, "bytes", len(frame))
}

// disconnect unregisters the connection, which takes it out of its rooms,
// then stops the write pump. Cleanup still runs when ctx was cancelled by
// Close.
func (s *WebSocketServer) disconnect(ctx context.Context, sess *session) {
	sess.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()

		s.registry.Unregister(ctx, sess.id)

		s.mu.Lock()
		delete(s.sessions, sess.id)
		s.mu.Unlock()

		close(sess.done)
		s.metrics.ConnectionClosed()
		s.ctxLogger.LogInfo(ctx, "client disconnected")
	})
}

// Deliver queues event for one connection. It never blocks: a full queue
// drops the event.
func (s *WebSocketServer) Deliver(to domain.ConnectionID, event domain.Event) error {
	s.mu.RLock()
	sess, exists := s.sessions[to]
	s.mu.RUnlock()
	if !exists {
		return domain.ErrConnectionNotFound
	}

	message, err := json.Marshal(event)
	if err != nil {
		return err
	}

	err = sess.enqueue(message)
	if errors.Is(err, domain.ErrSendQueueFull) {
		s.logger.Warnw("outbound event dropped, send queue full", "connection_id", to, "event", event.Kind)
	}
	return err
}

func (s *WebSocketServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *WebSocketServer) IsConnected(id domain.ConnectionID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.sessions[id]
	return exists
}

// Close stops accepting connections, closes the open ones and waits for
// their handlers to finish or ctx to end.
func (s *WebSocketServer) Close(ctx context.Context) error {
	s.cancel()

	s.mu.RLock()
	for _, sess := range s.sessions {
		_ = sess.conn.Close()
	}
	s.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type session struct {
	id      domain.ConnectionID
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	limiter *rate.Limiter

	closeOnce sync.Once
}

func newSession(id domain.ConnectionID, conn *websocket.Conn, cfg Config) *session {
	sess := &session{
		id:   id,
		conn: conn,
		send: make(chan []byte, cfg.SendQueueSize),
		done: make(chan struct{}),
	}
	if cfg.MessagesPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		sess.limiter = rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), burst)
	}
	return sess
}

func (s *session) enqueue(message []byte) error {
	select {
	case <-s.done:
		return domain.ErrConnectionNotFound
	default:
	}

	select {
	case s.send <- message:
		return nil
	default:
		return domain.ErrSendQueueFull
	}
}
