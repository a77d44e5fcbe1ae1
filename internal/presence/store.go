// Package presence хранит статусы пользователей в Redis. Записи без TTL:
// отсутствие heartbeat само по себе статус не сбрасывает — переходы делает
// владелец статуса или hub при разрыве соединения.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/heartline/internal/logger"
	"github.com/heartline/internal/model"
)

const keyPrefix = "presence:"

type Store struct {
	cli *redis.Client
}

func NewStore(cli *redis.Client) *Store {
	return &Store{cli: cli}
}

// Set записывает статус и обновляет last_seen.
func (s *Store) Set(ctx context.Context, userID string, status model.PresenceStatus) error {
	defer logger.DeferLogDuration("presence.Set", time.Now())()
	err := s.cli.HSet(ctx, keyPrefix+userID,
		"status", string(status),
		"last_seen", time.Now().UTC().Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return fmt.Errorf("presence.Set: %w", err)
	}
	return nil
}

// Touch обновляет только last_seen (heartbeat при статусе online).
func (s *Store) Touch(ctx context.Context, userID string) error {
	err := s.cli.HSet(ctx, keyPrefix+userID,
		"last_seen", time.Now().UTC().Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return fmt.Errorf("presence.Touch: %w", err)
	}
	return nil
}

// Get возвращает запись; для неизвестного пользователя — offline с нулевым last_seen.
func (s *Store) Get(ctx context.Context, userID string) (model.PresenceRecord, error) {
	defer logger.DeferLogDuration("presence.Get", time.Now())()
	rec := model.PresenceRecord{UserID: userID, Status: model.StatusOffline}
	vals, err := s.cli.HGetAll(ctx, keyPrefix+userID).Result()
	if err != nil {
		return rec, fmt.Errorf("presence.Get: %w", err)
	}
	if status, ok := vals["status"]; ok && status != "" {
		rec.Status = model.PresenceStatus(status)
	}
	if raw, ok := vals["last_seen"]; ok && raw != "" {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			rec.LastSeen = ts
		}
	}
	return rec, nil
}

// GetMany возвращает записи для набора пользователей (для room_joined).
func (s *Store) GetMany(ctx context.Context, userIDs []string) ([]model.PresenceRecord, error) {
	defer logger.DeferLogDuration("presence.GetMany", time.Now())()
	records := make([]model.PresenceRecord, 0, len(userIDs))
	for _, id := range userIDs {
		rec, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}
