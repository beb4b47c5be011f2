package domain

import "errors"

var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrSendQueueFull      = errors.New("send queue full")
	ErrInvalidRoomID      = errors.New("invalid room id")
	ErrTooManyInFlight    = errors.New("too many analysis requests in flight")
)
