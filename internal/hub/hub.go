// Package hub owns the server side of the realtime protocol: it tracks
// connected clients, validates commands against the authoritative store and
// fans events out to room members.
package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/heartline/internal/event"
	"github.com/heartline/internal/logger"
	"github.com/heartline/internal/model"
	"github.com/heartline/internal/repository"
)

const joinHistoryLimit = 50

// RoomStore is the slice of the room repository the hub needs.
type RoomStore interface {
	GetByID(ctx context.Context, id string) (*model.Room, error)
	IsMember(ctx context.Context, roomID, userID string) (bool, error)
	GetMemberIDs(ctx context.Context, roomID string) ([]string, error)
	GetUserRooms(ctx context.Context, userID string) ([]model.Room, error)
}

// MessageStore persists messages; it is the source of truth, client state is
// a projection.
type MessageStore interface {
	Create(ctx context.Context, m *model.Message) (bool, error)
	GetByID(ctx context.Context, id string) (*model.Message, error)
	GetRoomMessages(ctx context.Context, roomID string, limit, offset int) ([]model.Message, error)
	SoftDelete(ctx context.Context, messageID, senderID string) error
	ReapExpired(ctx context.Context, now time.Time) ([]repository.ExpiredRef, error)
}

// ReactionStore toggles reactions atomically against the uniqueness constraint.
type ReactionStore interface {
	Toggle(ctx context.Context, messageID, userID, emoji string) (added bool, err error)
	GetByMessage(ctx context.Context, messageID string) ([]model.Reaction, error)
}

// PresenceStore keeps user status and last-seen.
type PresenceStore interface {
	Set(ctx context.Context, userID string, status model.PresenceStatus) error
	Touch(ctx context.Context, userID string) error
	Get(ctx context.Context, userID string) (model.PresenceRecord, error)
	GetMany(ctx context.Context, userIDs []string) ([]model.PresenceRecord, error)
}

// PushNotifier отправляет пуш-уведомления. Если nil — пуши не отправляются.
type PushNotifier interface {
	Notify(ctx context.Context, userID, title, body string, data map[string]string)
}

type Hub struct {
	mu       sync.RWMutex
	clients  map[string]map[*Client]struct{}
	total    int
	maxConns int

	rooms      RoomStore
	messages   MessageStore
	reactions  ReactionStore
	presence   PresenceStore
	pushClient PushNotifier

	janitorInterval time.Duration

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(
	rooms RoomStore,
	messages MessageStore,
	reactions ReactionStore,
	presence PresenceStore,
	pushClient PushNotifier,
	maxConns int,
	janitorInterval time.Duration,
) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	if janitorInterval <= 0 {
		janitorInterval = 5 * time.Second
	}
	return &Hub{
		clients:         make(map[string]map[*Client]struct{}),
		maxConns:        maxConns,
		rooms:           rooms,
		messages:        messages,
		reactions:       reactions,
		presence:        presence,
		pushClient:      pushClient,
		janitorInterval: janitorInterval,
		register:        make(chan *Client, 64),
		unregister:      make(chan *Client, 64),
		done:            make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	janitor := time.NewTicker(h.janitorInterval)
	defer janitor.Stop()
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		case <-janitor.C:
			h.reapExpired()
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	// Close connections outside the lock (network I/O).
	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.maxConns, c.userID)
		c.Close()
		return
	}
	if _, ok := h.clients[c.userID]; !ok {
		h.clients[c.userID] = make(map[*Client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	h.total++
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.presence.Set(ctx, c.userID, model.StatusOnline); err != nil {
		logger.Errorf("ws set online user=%s: %v", c.userID, err)
	}
	h.broadcastPresence(c.userID, model.StatusOnline)
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	clients, ok := h.clients[c.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	h.total--
	lastClient := len(clients) == 0
	if lastClient {
		delete(h.clients, c.userID)
	}
	h.mu.Unlock()

	// Network I/O outside the lock.
	c.Close()

	if lastClient {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.presence.Set(ctx, c.userID, model.StatusOffline); err != nil {
			logger.Errorf("ws set offline user=%s: %v", c.userID, err)
		}
		h.broadcastPresence(c.userID, model.StatusOffline)
	}
}

// HandleCommand dispatches incoming client commands.
func (h *Hub) HandleCommand(ctx context.Context, c *Client, cmd event.ClientEvent) {
	switch cmd.Type {
	case event.TypeJoinRoom:
		h.handleJoinRoom(ctx, c, cmd)
	case event.TypeLeaveRoom:
		h.handleLeaveRoom(c, cmd)
	case event.TypeNewMessage:
		h.handleNewMessage(ctx, c, cmd)
	case event.TypeDeleteMessage:
		h.handleDeleteMessage(ctx, c, cmd)
	case event.TypeReactionToggle:
		h.handleToggleReaction(ctx, c, cmd)
	case event.TypeTyping:
		h.handleTyping(ctx, c, cmd)
	case event.TypeTypingStop:
		h.handleTypingStop(ctx, c, cmd)
	case event.TypePresence:
		h.handlePresence(ctx, c, cmd)
	case event.TypeTouch:
		h.handleTouch(ctx, c, cmd)
	default:
		h.sendError(c, event.CodeBadRequest, "", "unknown event type", false)
	}
}

// handleJoinRoom acks a subscription. Membership failures fail the join;
// failures of secondary features (presence snapshot, history) degrade to a
// warning so basic messaging is not blocked on them.
func (h *Hub) handleJoinRoom(ctx context.Context, c *Client, cmd event.ClientEvent) {
	defer logger.DeferLogDuration("hub.handleJoinRoom", time.Now())()
	if cmd.RoomID == "" {
		h.sendError(c, event.CodeBadRequest, "", "room_id required", false)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	isMember, err := h.rooms.IsMember(ctx, cmd.RoomID, c.userID)
	if err != nil {
		logger.Errorf("ws join membership room=%s user=%s: %v", cmd.RoomID, c.userID, err)
		h.sendError(c, event.CodeInternal, cmd.RoomID, "internal error", false)
		return
	}
	if !isMember {
		h.sendError(c, event.CodeNotAMember, cmd.RoomID, "not a member", true)
		return
	}

	payload := event.RoomJoinedPayload{RoomID: cmd.RoomID}

	memberIDs, err := h.rooms.GetMemberIDs(ctx, cmd.RoomID)
	if err != nil {
		logger.Errorf("ws join members room=%s: %v", cmd.RoomID, err)
		payload.Warning = event.CodePresenceWarn
	} else {
		records, err := h.presence.GetMany(ctx, memberIDs)
		if err != nil {
			logger.Errorf("ws join presence room=%s: %v", cmd.RoomID, err)
			payload.Warning = event.CodePresenceWarn
		} else {
			payload.Members = records
		}
	}

	msgs, err := h.messages.GetRoomMessages(ctx, cmd.RoomID, joinHistoryLimit, 0)
	if err != nil {
		logger.Errorf("ws join history room=%s: %v", cmd.RoomID, err)
		if payload.Warning == "" {
			payload.Warning = "history_unavailable"
		}
	} else {
		// Клиент восстанавливает состояние реакций из снапшота при (ре)джойне.
		for i := range msgs {
			reactions, err := h.reactions.GetByMessage(ctx, msgs[i].ID)
			if err != nil {
				logger.Errorf("ws join reactions msg=%s: %v", msgs[i].ID, err)
				continue
			}
			if len(reactions) > 0 {
				msgs[i].Reactions = reactions
			}
		}
		payload.Messages = msgs
	}

	h.sendToClient(c, event.MustNew(event.TypeRoomJoined, payload))
}

func (h *Hub) handleLeaveRoom(c *Client, cmd event.ClientEvent) {
	if cmd.RoomID == "" {
		return
	}
	// Fan-out is membership-driven, so there is no per-room subscription state
	// to tear down here; the ack lets the client release its side cleanly.
	h.sendToClient(c, event.MustNew(event.TypeRoomLeft, event.RoomLeftPayload{RoomID: cmd.RoomID}))
}

func (h *Hub) handleNewMessage(ctx context.Context, c *Client, cmd event.ClientEvent) {
	defer logger.DeferLogDuration("hub.handleNewMessage", time.Now())()
	if cmd.RoomID == "" || cmd.MessageID == "" || (cmd.Content == "" && cmd.FileURL == "") {
		h.sendError(c, event.CodeBadRequest, cmd.MessageID, "room_id, message_id and content required", false)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	room, err := h.rooms.GetByID(ctx, cmd.RoomID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			h.sendError(c, event.CodeNotFound, cmd.MessageID, "room not found", true)
			return
		}
		logger.Errorf("ws get room %s: %v", cmd.RoomID, err)
		h.sendError(c, event.CodeInternal, cmd.MessageID, "internal error", false)
		return
	}
	isMember, err := h.rooms.IsMember(ctx, cmd.RoomID, c.userID)
	if err != nil {
		logger.Errorf("ws check membership room=%s user=%s: %v", cmd.RoomID, c.userID, err)
		h.sendError(c, event.CodeInternal, cmd.MessageID, "internal error", false)
		return
	}
	if !isMember {
		h.sendError(c, event.CodeNotAMember, cmd.MessageID, "not a member", true)
		return
	}

	contentType := model.ContentTypeText
	if cmd.ContentType != "" {
		contentType = cmd.ContentType
	}

	now := time.Now().UTC()
	m := &model.Message{
		ID:         cmd.MessageID,
		RoomID:     cmd.RoomID,
		SenderID:   c.userID,
		SenderName: c.username,
		Content:    cmd.Content,
		Type:       contentType,
		FileURL:    cmd.FileURL,
		FileName:   cmd.FileName,
		CreatedAt:  now,
	}
	if room.Ephemeral && room.RetentionSeconds > 0 {
		exp := now.Add(time.Duration(room.RetentionSeconds) * time.Second)
		m.ExpiresAt = &exp
	}

	inserted, err := h.messages.Create(ctx, m)
	if err != nil {
		logger.Errorf("ws save message room=%s user=%s: %v", cmd.RoomID, c.userID, err)
		h.sendError(c, event.CodeInternal, cmd.MessageID, "failed to save message", false)
		return
	}
	if !inserted {
		// Retry of an already stored id: the echo must carry the timestamps of
		// the stored row, not freshly minted ones.
		stored, err := h.messages.GetByID(ctx, cmd.MessageID)
		if err != nil {
			logger.Errorf("ws reread duplicate message %s: %v", cmd.MessageID, err)
			h.sendError(c, event.CodeInternal, cmd.MessageID, "failed to save message", false)
			return
		}
		stored.SenderName = m.SenderName
		m = stored
	}

	memberIDs, err := h.rooms.GetMemberIDs(ctx, cmd.RoomID)
	if err != nil {
		logger.Errorf("ws get members room=%s: %v", cmd.RoomID, err)
		return
	}

	// Duplicate delivery of the same id (network retry) still echoes back to
	// the sender so its pending send resolves; peers dedupe by id.
	out := event.MustNew(event.TypeNewMessage, m)
	for _, uid := range memberIDs {
		h.sendToUser(uid, out)
	}

	// Пуш-уведомления получателям (кроме отправителя), только для новых сообщений.
	if h.pushClient != nil && inserted {
		senderName := c.username
		if senderName == "" {
			senderName = "Сообщение"
		}
		body := m.Content
		if m.Type != model.ContentTypeText || body == "" {
			body = "Вложение"
		}
		if len(body) > 120 {
			body = body[:117] + "..."
		}
		data := map[string]string{"room_id": cmd.RoomID, "message_id": m.ID}
		for _, uid := range memberIDs {
			if uid != c.userID {
				uid := uid
				go h.pushClient.Notify(context.Background(), uid, senderName, body, data)
			}
		}
	}
}

func (h *Hub) handleDeleteMessage(ctx context.Context, c *Client, cmd event.ClientEvent) {
	defer logger.DeferLogDuration("hub.handleDeleteMessage", time.Now())()
	if cmd.MessageID == "" || cmd.RoomID == "" {
		h.sendError(c, event.CodeBadRequest, cmd.MessageID, "room_id and message_id required", false)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// Ownership is enforced by the store, not just here.
	if err := h.messages.SoftDelete(ctx, cmd.MessageID, c.userID); err != nil {
		switch {
		case errors.Is(err, repository.ErrForbidden):
			h.sendError(c, event.CodeForbidden, cmd.MessageID, "can only delete own messages", true)
		case errors.Is(err, repository.ErrNotFound):
			h.sendError(c, event.CodeNotFound, cmd.MessageID, "message not found", true)
		default:
			logger.Errorf("ws delete message %s: %v", cmd.MessageID, err)
			h.sendError(c, event.CodeInternal, cmd.MessageID, "failed to delete", false)
		}
		return
	}

	h.BroadcastToRoom(ctx, cmd.RoomID, event.MustNew(event.TypeMessageDeleted, event.MessageDeletedPayload{
		MessageID: cmd.MessageID,
		RoomID:    cmd.RoomID,
	}))
}

func (h *Hub) handleToggleReaction(ctx context.Context, c *Client, cmd event.ClientEvent) {
	defer logger.DeferLogDuration("hub.handleToggleReaction", time.Now())()
	if cmd.MessageID == "" || cmd.RoomID == "" || cmd.Emoji == "" {
		h.sendError(c, event.CodeBadRequest, cmd.MessageID, "room_id, message_id and emoji required", false)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	isMember, err := h.rooms.IsMember(ctx, cmd.RoomID, c.userID)
	if err != nil {
		logger.Errorf("ws reaction membership room=%s user=%s: %v", cmd.RoomID, c.userID, err)
		h.sendError(c, event.CodeInternal, cmd.MessageID, "internal error", false)
		return
	}
	if !isMember {
		h.sendError(c, event.CodeNotAMember, cmd.MessageID, "not a member", true)
		return
	}

	added, err := h.reactions.Toggle(ctx, cmd.MessageID, c.userID, cmd.Emoji)
	if err != nil {
		logger.Errorf("ws toggle reaction %s: %v", cmd.MessageID, err)
		h.sendError(c, event.CodeInternal, cmd.MessageID, "failed to toggle reaction", false)
		return
	}

	evType := event.TypeReactionRemoved
	if added {
		evType = event.TypeReactionAdded
	}
	h.BroadcastToRoom(ctx, cmd.RoomID, event.MustNew(evType, event.ReactionPayload{
		MessageID: cmd.MessageID,
		RoomID:    cmd.RoomID,
		UserID:    c.userID,
		Username:  c.username,
		Emoji:     cmd.Emoji,
	}))
}

func (h *Hub) handleTyping(ctx context.Context, c *Client, cmd event.ClientEvent) {
	if cmd.RoomID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	memberIDs, err := h.rooms.GetMemberIDs(ctx, cmd.RoomID)
	if err != nil {
		logger.Errorf("ws get members for typing room=%s: %v", cmd.RoomID, err)
		return
	}

	out := event.MustNew(event.TypeTyping, event.TypingPayload{
		RoomID:   cmd.RoomID,
		UserID:   c.userID,
		Username: c.username,
		Preview:  cmd.Preview,
		SentAt:   time.Now().UTC(),
	})
	for _, uid := range memberIDs {
		if uid != c.userID {
			h.sendToUser(uid, out)
		}
	}
}

func (h *Hub) handleTypingStop(ctx context.Context, c *Client, cmd event.ClientEvent) {
	if cmd.RoomID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	memberIDs, err := h.rooms.GetMemberIDs(ctx, cmd.RoomID)
	if err != nil {
		logger.Errorf("ws get members for typing stop room=%s: %v", cmd.RoomID, err)
		return
	}

	out := event.MustNew(event.TypeTypingStop, event.TypingStopPayload{
		RoomID: cmd.RoomID,
		UserID: c.userID,
	})
	for _, uid := range memberIDs {
		if uid != c.userID {
			h.sendToUser(uid, out)
		}
	}
}

// handlePresence stores an explicit status push or a heartbeat. Heartbeats
// only refresh last_seen; a status change additionally fans out to peers.
func (h *Hub) handlePresence(ctx context.Context, c *Client, cmd event.ClientEvent) {
	if cmd.Status == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	prev, err := h.presence.Get(ctx, c.userID)
	if err != nil {
		logger.Errorf("ws presence get user=%s: %v", c.userID, err)
	}
	if prev.Status == cmd.Status {
		if err := h.presence.Touch(ctx, c.userID); err != nil {
			logger.Errorf("ws presence touch user=%s: %v", c.userID, err)
		}
		return
	}
	if err := h.presence.Set(ctx, c.userID, cmd.Status); err != nil {
		logger.Errorf("ws presence set user=%s: %v", c.userID, err)
		return
	}
	h.broadcastPresence(c.userID, cmd.Status)
}

// handleTouch relays touch coordinates best-effort: no persistence, no ack.
func (h *Hub) handleTouch(ctx context.Context, c *Client, cmd event.ClientEvent) {
	if cmd.RoomID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	memberIDs, err := h.rooms.GetMemberIDs(ctx, cmd.RoomID)
	if err != nil {
		return
	}

	out := event.MustNew(event.TypeTouch, event.TouchPayload{
		RoomID: cmd.RoomID,
		UserID: c.userID,
		X:      cmd.X,
		Y:      cmd.Y,
	})
	for _, uid := range memberIDs {
		if uid != c.userID {
			h.sendToUser(uid, out)
		}
	}
}

func (h *Hub) broadcastPresence(userID string, status model.PresenceStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rooms, err := h.rooms.GetUserRooms(ctx, userID)
	if err != nil {
		logger.Errorf("ws get rooms for presence broadcast user=%s: %v", userID, err)
		return
	}

	out := event.MustNew(event.TypePresence, model.PresenceRecord{
		UserID:   userID,
		Status:   status,
		LastSeen: time.Now().UTC(),
	})

	notified := make(map[string]struct{}, 16)
	for _, room := range rooms {
		memberIDs, err := h.rooms.GetMemberIDs(ctx, room.ID)
		if err != nil {
			logger.Errorf("ws get members for presence broadcast room=%s: %v", room.ID, err)
			continue
		}
		for _, uid := range memberIDs {
			if uid == userID {
				continue
			}
			if _, ok := notified[uid]; ok {
				continue
			}
			notified[uid] = struct{}{}
			h.sendToUser(uid, out)
		}
	}
}

// reapExpired removes messages past their retention window and notifies room
// members so their projections drop them too.
func (h *Hub) reapExpired() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	refs, err := h.messages.ReapExpired(ctx, time.Now().UTC())
	if err != nil {
		logger.Errorf("janitor reap expired: %v", err)
		return
	}
	for _, ref := range refs {
		h.BroadcastToRoom(ctx, ref.RoomID, event.MustNew(event.TypeMessageDeleted, event.MessageDeletedPayload{
			MessageID: ref.MessageID,
			RoomID:    ref.RoomID,
		}))
	}
}

// BroadcastToRoom sends an event to all members of a room.
func (h *Hub) BroadcastToRoom(ctx context.Context, roomID string, ev event.ServerEvent) {
	defer logger.DeferLogDuration("hub.BroadcastToRoom", time.Now())()
	memberIDs, err := h.rooms.GetMemberIDs(ctx, roomID)
	if err != nil {
		logger.Errorf("ws broadcast to room %s: %v", roomID, err)
		return
	}
	for _, uid := range memberIDs {
		h.sendToUser(uid, ev)
	}
}

func (h *Hub) sendToUser(userID string, ev event.ServerEvent) {
	h.mu.RLock()
	clients, ok := h.clients[userID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Client, 0, len(clients))
	for c := range clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, ev)
	}
}

func (h *Hub) sendToClient(c *Client, ev event.ServerEvent) {
	select {
	case c.send <- ev:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.userID)
		c.Close()
	}
}

func (h *Hub) sendError(c *Client, code, ref, reason string, fatal bool) {
	h.sendToClient(c, event.MustNew(event.TypeError, event.ErrorPayload{
		Code:   code,
		Ref:    ref,
		Reason: reason,
		Fatal:  fatal,
	}))
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
