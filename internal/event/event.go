// Package event defines the wire protocol spoken between the sync server and
// clients: a JSON envelope with a type tag and a typed payload per event kind.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/heartline/internal/model"
)

type Type string

const (
	// Client -> server commands.
	TypeJoinRoom       Type = "join_room"
	TypeLeaveRoom      Type = "leave_room"
	TypeNewMessage     Type = "new_message"
	TypeDeleteMessage  Type = "delete_message"
	TypeReactionToggle Type = "reaction_toggle"
	TypeTyping         Type = "typing"
	TypeTypingStop     Type = "typing_stop"
	TypePresence       Type = "presence"
	TypeTouch          Type = "touch"

	// Server -> client events. new_message, typing, typing_stop, presence and
	// touch are relayed under the same type tags as the commands above.
	TypeRoomJoined      Type = "room_joined"
	TypeRoomLeft        Type = "room_left"
	TypeMessageDeleted  Type = "message_deleted"
	TypeReactionAdded   Type = "reaction_added"
	TypeReactionRemoved Type = "reaction_removed"
	TypeError           Type = "error"
)

// ClientEvent is what a client sends to the server. One flat struct for all
// command kinds; unused fields stay empty and are omitted on the wire.
type ClientEvent struct {
	Type   Type   `json:"type"`
	RoomID string `json:"room_id,omitempty"`

	// For new_message: the client generates the message id so that redelivery
	// after a network retry dedupes server-side (insert is idempotent).
	MessageID   string            `json:"message_id,omitempty"`
	Content     string            `json:"content,omitempty"`
	ContentType model.ContentType `json:"content_type,omitempty"`
	FileURL     string            `json:"file_url,omitempty"`
	FileName    string            `json:"file_name,omitempty"`

	// For reactions
	Emoji string `json:"emoji,omitempty"`

	// For typing: truncated preview of in-progress input.
	Preview string `json:"preview,omitempty"`

	// For presence
	Status model.PresenceStatus `json:"status,omitempty"`

	// For touch
	X float64 `json:"x,omitempty"`
	Y float64 `json:"y,omitempty"`
}

// ServerEvent is the envelope the server sends to clients. Payload is kept raw
// so receivers decode only the events they care about.
type ServerEvent struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// New builds a ServerEvent, marshaling the payload.
func New(t Type, payload any) (ServerEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return ServerEvent{}, fmt.Errorf("event.New %s: %w", t, err)
	}
	return ServerEvent{Type: t, Payload: raw}, nil
}

// MustNew is New for payloads that cannot fail to marshal (our own structs).
func MustNew(t Type, payload any) ServerEvent {
	ev, err := New(t, payload)
	if err != nil {
		panic(err)
	}
	return ev
}

// Decode unmarshals the payload into v.
func (e ServerEvent) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("event decode %s: %w", e.Type, err)
	}
	return nil
}

// --- Typed payloads (avoid map[string]any on the hot path) ---

// RoomJoinedPayload acks a join_room command. Warning is set when a secondary
// channel feature failed but messaging still works (degraded join).
type RoomJoinedPayload struct {
	RoomID   string                 `json:"room_id"`
	Warning  string                 `json:"warning,omitempty"`
	Members  []model.PresenceRecord `json:"members,omitempty"`
	Messages []model.Message        `json:"messages,omitempty"`
}

// RoomLeftPayload acks a leave_room command.
type RoomLeftPayload struct {
	RoomID string `json:"room_id"`
}

// MessageDeletedPayload is broadcast when a message is soft-deleted or a
// transient message expires server-side.
type MessageDeletedPayload struct {
	MessageID string `json:"message_id"`
	RoomID    string `json:"room_id"`
}

// ReactionPayload is broadcast when a reaction is added or removed.
type ReactionPayload struct {
	MessageID string `json:"message_id"`
	RoomID    string `json:"room_id"`
	UserID    string `json:"user_id"`
	Username  string `json:"username,omitempty"`
	Emoji     string `json:"emoji"`
}

// TypingPayload is relayed while a user is composing.
type TypingPayload struct {
	RoomID   string    `json:"room_id"`
	UserID   string    `json:"user_id"`
	Username string    `json:"username,omitempty"`
	Preview  string    `json:"preview,omitempty"`
	SentAt   time.Time `json:"sent_at"`
}

// TypingStopPayload is relayed on an explicit stop (input cleared or sent).
type TypingStopPayload struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}

// TouchPayload is relayed best-effort, never persisted.
type TouchPayload struct {
	RoomID string  `json:"room_id"`
	UserID string  `json:"user_id"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

// ErrorPayload reports a failed command. Ref correlates with the message or
// room id of the command that failed. Fatal distinguishes unrecoverable
// failures (bad room, not a member) from transient ones.
type ErrorPayload struct {
	Code   string `json:"code"`
	Ref    string `json:"ref,omitempty"`
	Reason string `json:"reason,omitempty"`
	Fatal  bool   `json:"fatal"`
}

// Error codes used in ErrorPayload.Code.
const (
	CodeBadRequest   = "bad_request"
	CodeNotAMember   = "not_a_member"
	CodeNotFound     = "not_found"
	CodeForbidden    = "forbidden"
	CodeInternal     = "internal"
	CodePresenceWarn = "presence_unavailable"
)
