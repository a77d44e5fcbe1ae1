// Package push отправляет Web Push-уведомления (VAPID). Подписки хранятся в Redis.
package push

import (
	"context"
	"encoding/json"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/redis/go-redis/v9"

	"github.com/heartline/internal/logger"
)

const (
	redisKeyPrefix  = "push:subs:"
	maxSubsPerUser  = 10
	subscriptionTTL = 30 * 24 * time.Hour
)

// Subscription — подписка из браузера.
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// Notifier рассылает уведомления по всем подпискам пользователя.
// Если VAPID-ключи не заданы — Notify no-op (подписки при этом сохраняются).
type Notifier struct {
	redis *redis.Client
	vapid *webpush.Options
}

func NewNotifier(rdb *redis.Client, vapidPublic, vapidPrivate, subscriber string) *Notifier {
	var opts *webpush.Options
	if vapidPublic != "" && vapidPrivate != "" {
		if subscriber == "" {
			subscriber = "heartline-push"
		}
		opts = &webpush.Options{
			Subscriber:      subscriber,
			VAPIDPublicKey:  vapidPublic,
			VAPIDPrivateKey: vapidPrivate,
			TTL:             30,
		}
	}
	return &Notifier{redis: rdb, vapid: opts}
}

// Subscribe сохраняет подписку для userID (не более maxSubsPerUser, TTL 30 дней).
func (n *Notifier) Subscribe(ctx context.Context, userID string, sub Subscription) error {
	raw, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	key := redisKeyPrefix + userID
	pipe := n.redis.Pipeline()
	pipe.RPush(ctx, key, string(raw))
	pipe.LTrim(ctx, key, -maxSubsPerUser, -1)
	pipe.Expire(ctx, key, subscriptionTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// Unsubscribe удаляет подписку по endpoint.
func (n *Notifier) Unsubscribe(ctx context.Context, userID, endpoint string) error {
	key := redisKeyPrefix + userID
	list, err := n.redis.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return err
	}
	var kept []string
	for _, item := range list {
		var sub Subscription
		if json.Unmarshal([]byte(item), &sub) == nil && sub.Endpoint != endpoint {
			kept = append(kept, item)
		}
	}
	n.redis.Del(ctx, key)
	if len(kept) > 0 {
		for _, v := range kept {
			n.redis.RPush(ctx, key, v)
		}
		n.redis.Expire(ctx, key, subscriptionTTL)
	}
	return nil
}

// Notify отправляет уведомление во все подписки пользователя. Ошибки доставки
// логируются, мёртвые подписки (404/410) удаляются.
func (n *Notifier) Notify(ctx context.Context, userID, title, body string, data map[string]string) {
	if n.vapid == nil {
		return
	}
	key := redisKeyPrefix + userID
	list, err := n.redis.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		logger.Errorf("push notify redis user=%s: %v", userID, err)
		return
	}
	payload, _ := json.Marshal(map[string]any{"title": title, "body": body, "data": data})
	for _, item := range list {
		var sub Subscription
		if json.Unmarshal([]byte(item), &sub) != nil || sub.Endpoint == "" {
			continue
		}
		wpSub := &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth},
		}
		resp, err := webpush.SendNotificationWithContext(ctx, payload, wpSub, n.vapid)
		if err != nil {
			logger.Errorf("push send user=%s: %v", userID, err)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == 410 || resp.StatusCode == 404 {
			if err := n.Unsubscribe(ctx, userID, sub.Endpoint); err != nil {
				logger.Errorf("push drop dead subscription user=%s: %v", userID, err)
			}
		}
	}
}
