package domain

type ConnectionID string
type RoomID string

// JoinResult describes the outcome of a room join.
type JoinResult struct {
	RoomID  RoomID
	Added   bool
	Members []ConnectionID
}
