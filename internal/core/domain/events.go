package domain

import (
	"encoding/json"
	"fmt"
)

type EventKind string

// Inbound event kinds.
const (
	EventJoinRoom  EventKind = "join-room"
	EventLeaveRoom EventKind = "leave-room"
	EventFrame     EventKind = "frame"
)

// Negotiation kinds are relayed under the same name they arrive with.
const (
	EventOffer        EventKind = "webrtc-offer"
	EventAnswer       EventKind = "webrtc-answer"
	EventICECandidate EventKind = "webrtc-ice"
)

// Outbound event kinds.
const (
	EventConnected     EventKind = "connected"
	EventPeerJoined    EventKind = "peer-joined"
	EventPeerLeft      EventKind = "peer-left"
	EventAnalysis      EventKind = "analysis"
	EventAnalysisError EventKind = "analysis_error"
)

// Event is the envelope exchanged with clients in both directions.
// Seq is only set on analysis results.
type Event struct {
	Kind EventKind       `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
	Seq  uint64          `json:"seq,omitempty"`
}

// NewEvent marshals data into an event of the given kind.
func NewEvent(kind EventKind, data interface{}) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return Event{Kind: kind, Data: raw}, nil
}

// IsNegotiation reports whether kind is relayed between room members.
func (k EventKind) IsNegotiation() bool {
	switch k {
	case EventOffer, EventAnswer, EventICECandidate:
		return true
	}
	return false
}

// RoomRequest is the object form of a join-room / leave-room payload.
type RoomRequest struct {
	RoomID RoomID `json:"roomId"`
}

// SignalRequest is an inbound negotiation message. SDP and Candidate are
// carried through untouched.
type SignalRequest struct {
	RoomID    RoomID          `json:"roomId"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// SignalPayload is a relayed negotiation message with the sender attached.
type SignalPayload struct {
	From      ConnectionID    `json:"from"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

type ConnectedPayload struct {
	ID ConnectionID `json:"id"`
}

type AnalysisErrorPayload struct {
	Message string `json:"message"`
}
