package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/heartline/internal/logger"
	"github.com/heartline/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

// Create inserts a message. Insert is idempotent by id: a client resending the
// same message after a network retry does not produce a duplicate row.
// Returns true when the row was actually inserted.
func (r *MessageRepository) Create(ctx context.Context, m *model.Message) (bool, error) {
	defer logger.DeferLogDuration("msg.Create", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO messages (id, room_id, sender_id, content, content_type, file_url, file_name, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO NOTHING`,
		m.ID, m.RoomID, m.SenderID, m.Content, m.Type, m.FileURL, m.FileName, m.CreatedAt, m.ExpiresAt,
	)
	if err != nil {
		return false, fmt.Errorf("msgRepo.Create: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetByID", time.Now())()
	m := &model.Message{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, room_id, sender_id, content, content_type, file_url, file_name, is_deleted, created_at, expires_at
		 FROM messages WHERE id = $1`, id,
	).Scan(&m.ID, &m.RoomID, &m.SenderID, &m.Content, &m.Type, &m.FileURL, &m.FileName, &m.IsDeleted, &m.CreatedAt, &m.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetByID: %w", err)
	}
	return m, nil
}

// GetRoomMessages returns live (not deleted, not expired) messages of a room,
// newest first, for history pagination.
func (r *MessageRepository) GetRoomMessages(ctx context.Context, roomID string, limit, offset int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.GetRoomMessages", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT id, room_id, sender_id, content, content_type, file_url, file_name, is_deleted, created_at, expires_at
		 FROM messages
		 WHERE room_id = $1 AND NOT is_deleted AND (expires_at IS NULL OR expires_at > now())
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`, roomID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetRoomMessages query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, limit)
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.Content, &m.Type, &m.FileURL, &m.FileName, &m.IsDeleted, &m.CreatedAt, &m.ExpiresAt); err != nil {
			return nil, fmt.Errorf("msgRepo.GetRoomMessages scan: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.GetRoomMessages rows: %w", err)
	}
	return messages, nil
}

// SoftDelete marks a message deleted. Ownership is enforced here, not only in
// the hub: the WHERE clause refuses to touch someone else's message.
func (r *MessageRepository) SoftDelete(ctx context.Context, messageID, senderID string) error {
	defer logger.DeferLogDuration("msg.SoftDelete", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE messages SET is_deleted = true WHERE id = $1 AND sender_id = $2`,
		messageID, senderID,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.SoftDelete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Либо нет строки, либо чужое сообщение — различаем для вызывающего.
		var exists bool
		if err := r.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1)`, messageID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("msgRepo.SoftDelete check: %w", err)
		}
		if exists {
			return ErrForbidden
		}
		return ErrNotFound
	}
	return nil
}

// ExpiredRef identifies an expired message for fan-out of its removal.
type ExpiredRef struct {
	MessageID string
	RoomID    string
}

// ReapExpired physically removes messages past their retention window and
// returns what was removed so the hub can notify room members.
func (r *MessageRepository) ReapExpired(ctx context.Context, now time.Time) ([]ExpiredRef, error) {
	defer logger.DeferLogDuration("msg.ReapExpired", time.Now())()
	rows, err := r.pool.Query(ctx,
		`DELETE FROM messages WHERE expires_at IS NOT NULL AND expires_at <= $1
		 RETURNING id, room_id`, now,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.ReapExpired query: %w", err)
	}
	defer rows.Close()

	refs := make([]ExpiredRef, 0, 16)
	for rows.Next() {
		var ref ExpiredRef
		if err := rows.Scan(&ref.MessageID, &ref.RoomID); err != nil {
			return nil, fmt.Errorf("msgRepo.ReapExpired scan: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.ReapExpired rows: %w", err)
	}
	return refs, nil
}
