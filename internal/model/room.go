package model

import "time"

type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	// Ephemeral rooms drop messages RetentionSeconds after creation.
	Ephemeral        bool `json:"ephemeral"`
	RetentionSeconds int  `json:"retention_seconds,omitempty"`
}

type RoomMember struct {
	RoomID   string    `json:"room_id"`
	UserID   string    `json:"user_id"`
	JoinedAt time.Time `json:"joined_at"`
}
