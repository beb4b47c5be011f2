package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"framerelay/internal/core/domain"
	"framerelay/internal/core/ports"

	"go.uber.org/zap"
)

type relayHandler func(ctx context.Context, from domain.ConnectionID, event domain.Event) error

// NegotiationRelay routes room membership requests and negotiation messages.
// It keeps no state of its own; the room directory decides who receives what.
type NegotiationRelay struct {
	directory ports.RoomDirectory
	metrics   ports.Metrics
	logger    *zap.SugaredLogger

	handlers map[domain.EventKind]relayHandler
}

func NewNegotiationRelay(directory ports.RoomDirectory, metrics ports.Metrics, logger *zap.SugaredLogger) *NegotiationRelay {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	r := &NegotiationRelay{
		directory: directory,
		metrics:   metrics,
		logger:    logger,
	}
	r.handlers = map[domain.EventKind]relayHandler{
		domain.EventJoinRoom:     r.handleJoin,
		domain.EventLeaveRoom:    r.handleLeave,
		domain.EventOffer:        r.handleSignal,
		domain.EventAnswer:       r.handleSignal,
		domain.EventICECandidate: r.handleSignal,
	}
	return r
}

func (r *NegotiationRelay) Handles(kind domain.EventKind) bool {
	_, ok := r.handlers[kind]
	return ok
}

func (r *NegotiationRelay) Relay(ctx context.Context, from domain.ConnectionID, event domain.Event) error {
	handler, ok := r.handlers[event.Kind]
	if !ok {
		return fmt.Errorf("unknown event kind: %s", event.Kind)
	}
	return handler(ctx, from, event)
}

func (r *NegotiationRelay) handleJoin(ctx context.Context, from domain.ConnectionID, event domain.Event) error {
	room, err := parseRoomID(event.Data)
	if err != nil {
		return fmt.Errorf("invalid %s payload: %w", event.Kind, err)
	}

	result, err := r.directory.Join(ctx, room, from)
	if err != nil {
		return fmt.Errorf("join %q: %w", room, err)
	}
	if result.Added {
		r.metrics.MessageRelayed(domain.EventPeerJoined, len(result.Members)-1)
	}
	return nil
}

func (r *NegotiationRelay) handleLeave(ctx context.Context, from domain.ConnectionID, event domain.Event) error {
	room, err := parseRoomID(event.Data)
	if err != nil {
		return fmt.Errorf("invalid %s payload: %w", event.Kind, err)
	}

	if _, err := r.directory.Leave(ctx, room, from); err != nil {
		return fmt.Errorf("leave %q: %w", room, err)
	}
	return nil
}

// handleSignal forwards an offer, answer or ICE candidate to the rest of the
// room. Only "from" is added; sdp and candidate are passed through as sent.
func (r *NegotiationRelay) handleSignal(ctx context.Context, from domain.ConnectionID, event domain.Event) error {
	var req domain.SignalRequest
	if err := json.Unmarshal(event.Data, &req); err != nil || req.RoomID == "" {
		r.logger.Debugw("negotiation message without room, dropping",
			"connection_id", from,
			"event", event.Kind,
		)
		return nil
	}

	out, err := domain.NewEvent(event.Kind, domain.SignalPayload{
		From:      from,
		SDP:       req.SDP,
		Candidate: req.Candidate,
	})
	if err != nil {
		return err
	}

	delivered, err := r.directory.Broadcast(ctx, req.RoomID, from, out)
	if err != nil {
		return fmt.Errorf("broadcast %s to %q: %w", event.Kind, req.RoomID, err)
	}

	r.metrics.MessageRelayed(event.Kind, delivered)
	r.logger.Debugw("relayed negotiation message",
		"connection_id", from,
		"room_id", req.RoomID,
		"event", event.Kind,
		"recipients", delivered,
	)
	return nil
}

// parseRoomID accepts either a bare JSON string or {"roomId": "..."}.
func parseRoomID(data json.RawMessage) (domain.RoomID, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return "", fmt.Errorf("room id is required")
	}

	if trimmed[0] == '"' {
		var room string
		if err := json.Unmarshal(trimmed, &room); err != nil {
			return "", err
		}
		return domain.RoomID(room), nil
	}

	var req domain.RoomRequest
	if err := json.Unmarshal(trimmed, &req); err != nil {
		return "", err
	}
	return req.RoomID, nil
}
