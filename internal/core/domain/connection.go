package domain

import "time"

type ConnectionID string
type RoomCode string
type UserID string

// Connection identifies one client's transport channel to the broker.
// The ID is stable for the connection's lifetime; Room is empty until a
// successful join.
type Connection struct {
	ID          ConnectionID
	Room        RoomCode
	DisplayName string
	Alive       bool
	ConnectedAt time.Time
}

// Member is one entry of a room's membership list, ordered by join time.
type Member struct {
	ConnectionID ConnectionID `json:"connection_id"`
	DisplayName  string       `json:"display_name,omitempty"`
	JoinedAt     time.Time    `json:"joined_at"`
}
