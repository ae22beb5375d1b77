package domain

import "time"

// RoomInfo is a read-only snapshot of a room, served by the HTTP API.
type RoomInfo struct {
	Name          string    `json:"name"`
	Members       int       `json:"members"`
	Producers     int       `json:"producers"`
	CreatedAt     time.Time `json:"created_at"`
	AdminConnID   string    `json:"admin_connection_id,omitempty"`
	RecordingLive bool      `json:"recording_live"`
}
