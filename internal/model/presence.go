package model

import "time"

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusAway    PresenceStatus = "away"
	StatusOffline PresenceStatus = "offline"
)

// PresenceRecord — наблюдаемый статус пользователя. Отсутствие heartbeat само по себе
// статус не меняет: переходы делает владелец статуса (клиент) или разрыв соединения.
type PresenceRecord struct {
	UserID   string         `json:"user_id"`
	Status   PresenceStatus `json:"status"`
	LastSeen time.Time      `json:"last_seen"`
}

// TouchPoint is a single ephemeral touch coordinate shared with room peers.
type TouchPoint struct {
	RoomID string    `json:"room_id"`
	UserID string    `json:"user_id"`
	X      float64   `json:"x"`
	Y      float64   `json:"y"`
	SentAt time.Time `json:"sent_at"`
}
