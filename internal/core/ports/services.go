package ports

import (
	"context"
	"time"

	"framerelay/internal/core/domain"
)

// UnregisterHook runs after a connection is unregistered with the rooms it
// still belonged to.
type UnregisterHook func(ctx context.Context, id domain.ConnectionID, rooms []domain.RoomID)

type ConnectionRegistry interface {
	Register() domain.ConnectionID
	Unregister(ctx context.Context, id domain.ConnectionID) bool
	RoomsOf(id domain.ConnectionID) []domain.RoomID
	IsLive(id domain.ConnectionID) bool
	Count() int
	TrackJoin(id domain.ConnectionID, room domain.RoomID) bool
	TrackLeave(id domain.ConnectionID, room domain.RoomID)
	OnUnregister(hook UnregisterHook)
}

type RoomDirectory interface {
	Join(ctx context.Context, room domain.RoomID, conn domain.ConnectionID) (domain.JoinResult, error)
	Leave(ctx context.Context, room domain.RoomID, conn domain.ConnectionID) (bool, error)
	LeaveAll(ctx context.Context, conn domain.ConnectionID) int
	Broadcast(ctx context.Context, room domain.RoomID, sender domain.ConnectionID, event domain.Event) (int, error)
	NotifyPeerJoined(ctx context.Context, room domain.RoomID, conn domain.ConnectionID) (int, error)
	NotifyPeerLeft(ctx context.Context, conn domain.ConnectionID) int
	Members(ctx context.Context, room domain.RoomID) ([]domain.ConnectionID, error)
}

type NegotiationRelay interface {
	Handles(kind domain.EventKind) bool
	Relay(ctx context.Context, from domain.ConnectionID, event domain.Event) error
}

type AnalysisBridge interface {
	Submit(ctx context.Context, from domain.ConnectionID, frame []byte) uint64
	// Reject answers a frame that will not be analyzed with an
	// analysis_error carrying reason.
	Reject(from domain.ConnectionID, reason error) uint64
}

// Analyzer calls the external image-analysis service.
type Analyzer interface {
	Analyze(ctx context.Context, frame []byte) (*domain.AnalysisResult, error)
}

// EventSink delivers an outbound event to one live connection. It returns
// domain.ErrConnectionNotFound when the connection is gone.
type EventSink interface {
	Deliver(to domain.ConnectionID, event domain.Event) error
}

type Metrics interface {
	ConnectionOpened()
	ConnectionClosed()
	RoomOpened()
	RoomClosed()
	MessageRelayed(kind domain.EventKind, recipients int)
	EventDropped(reason string)
	AnalysisStarted()
	AnalysisFinished(outcome string, duration time.Duration)
}
