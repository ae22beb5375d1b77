package domain

import "errors"

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrRoomNotFound      = errors.New("room not found")
	ErrTransportNotFound = errors.New("transport not found")
	ErrProducerNotFound  = errors.New("producer not found")
	ErrConsumerNotFound  = errors.New("consumer not found")
	ErrAlreadyJoined     = errors.New("connection already joined a room")
)
