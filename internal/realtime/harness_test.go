package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/heartline/internal/event"
	"github.com/heartline/internal/model"
)

// fakeBroker is an in-memory stand-in for the sync server. It speaks the same
// wire protocol the hub does, so two clients connected to one broker exercise
// the full client stack without a network.
type fakeBroker struct {
	mu sync.Mutex

	conns map[*fakeConn]brokerUser
	// joined tracks which rooms each connection announced.
	joined map[*fakeConn]map[string]bool

	history   map[string][]model.Message
	msgIndex  map[string]model.Message
	reactions map[string]map[string]map[string]string // msg -> emoji -> userID -> username
	presence  map[string]model.PresenceRecord

	// deny rejects joins, warn degrades them, mute swallows new messages
	// without echoing (for timeout tests).
	deny map[string]bool
	warn map[string]string
	mute bool

	// ephemeralTTL, when set for a room, stamps ExpiresAt on its messages.
	ephemeralTTL map[string]time.Duration

	dialErrs int // fail this many dials before succeeding
	dials    int
	joinCmds int // join_room commands seen

	clock time.Time
}

type brokerUser struct {
	id, name string
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		conns:        make(map[*fakeConn]brokerUser),
		joined:       make(map[*fakeConn]map[string]bool),
		history:      make(map[string][]model.Message),
		msgIndex:     make(map[string]model.Message),
		reactions:    make(map[string]map[string]map[string]string),
		presence:     make(map[string]model.PresenceRecord),
		deny:         make(map[string]bool),
		warn:         make(map[string]string),
		ephemeralTTL: make(map[string]time.Duration),
		clock:        time.Now(),
	}
}

// dialer returns a Dialer that connects the given user to this broker.
func (b *fakeBroker) dialer(userID, username string) Dialer {
	return DialerFunc(func(ctx context.Context, token string) (Conn, error) {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.dials++
		if b.dialErrs > 0 {
			b.dialErrs--
			return nil, errors.New("dial refused")
		}
		c := &fakeConn{broker: b, events: make(chan event.ServerEvent, 64)}
		b.conns[c] = brokerUser{id: userID, name: username}
		b.joined[c] = make(map[string]bool)
		return c, nil
	})
}

// drop severs a user's connection server-side, as a network fault would.
func (b *fakeBroker) drop(userID string) {
	b.mu.Lock()
	var victims []*fakeConn
	for c, u := range b.conns {
		if u.id == userID {
			victims = append(victims, c)
		}
	}
	b.mu.Unlock()
	for _, c := range victims {
		c.Close()
	}
}

// seedMessage plants a message into a room's history.
func (b *fakeBroker) seedMessage(roomID, senderID, content string, at time.Time) model.Message {
	msg := model.Message{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		SenderID:  senderID,
		Content:   content,
		Type:      model.ContentTypeText,
		CreatedAt: at,
	}
	b.mu.Lock()
	b.history[roomID] = append(b.history[roomID], msg)
	b.msgIndex[msg.ID] = msg
	b.mu.Unlock()
	return msg
}

// redeliver pushes an already delivered message to a user again.
func (b *fakeBroker) redeliver(userID string, msg model.Message) {
	ev := event.MustNew(event.TypeNewMessage, msg)
	b.mu.Lock()
	for c, u := range b.conns {
		if u.id == userID {
			c.push(ev)
		}
	}
	b.mu.Unlock()
}

func (b *fakeBroker) joinCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.joinCmds
}

func (b *fakeBroker) handle(c *fakeConn, ev event.ClientEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	user, ok := b.conns[c]
	if !ok {
		return
	}

	switch ev.Type {
	case event.TypeJoinRoom:
		b.joinCmds++
		if b.deny[ev.RoomID] {
			c.push(event.MustNew(event.TypeError, event.ErrorPayload{
				Code: event.CodeNotAMember, Ref: ev.RoomID, Reason: "not a member", Fatal: true,
			}))
			return
		}
		p := event.RoomJoinedPayload{RoomID: ev.RoomID, Warning: b.warn[ev.RoomID]}
		if p.Warning == "" {
			for _, msg := range b.history[ev.RoomID] {
				for emoji, users := range b.reactions[msg.ID] {
					for uid, uname := range users {
						msg.Reactions = append(msg.Reactions, model.Reaction{
							MessageID: msg.ID, UserID: uid, Emoji: emoji, Username: uname,
						})
					}
				}
				p.Messages = append(p.Messages, msg)
			}
			for _, rec := range b.presence {
				p.Members = append(p.Members, rec)
			}
		}
		b.joined[c][ev.RoomID] = true
		c.push(event.MustNew(event.TypeRoomJoined, p))

	case event.TypeLeaveRoom:
		delete(b.joined[c], ev.RoomID)
		c.push(event.MustNew(event.TypeRoomLeft, event.RoomLeftPayload{RoomID: ev.RoomID}))

	case event.TypeNewMessage:
		if b.mute {
			return
		}
		msg, dup := b.msgIndex[ev.MessageID]
		if !dup {
			b.clock = b.clock.Add(time.Millisecond)
			msg = model.Message{
				ID:        ev.MessageID,
				RoomID:    ev.RoomID,
				SenderID:  user.id,
				Content:   ev.Content,
				Type:      ev.ContentType,
				FileURL:   ev.FileURL,
				FileName:  ev.FileName,
				CreatedAt: b.clock,
			}
			if ttl, ok := b.ephemeralTTL[ev.RoomID]; ok {
				exp := time.Now().Add(ttl)
				msg.ExpiresAt = &exp
			}
			b.history[ev.RoomID] = append(b.history[ev.RoomID], msg)
			b.msgIndex[msg.ID] = msg
		}
		out := event.MustNew(event.TypeNewMessage, msg)
		c.push(out) // echo is the sender's ack
		if !dup {
			b.relayLocked(c, ev.RoomID, out)
		}

	case event.TypeDeleteMessage:
		msg, ok := b.msgIndex[ev.MessageID]
		if !ok {
			c.push(event.MustNew(event.TypeError, event.ErrorPayload{
				Code: event.CodeNotFound, Ref: ev.MessageID, Reason: "no such message",
			}))
			return
		}
		if msg.SenderID != user.id {
			c.push(event.MustNew(event.TypeError, event.ErrorPayload{
				Code: event.CodeForbidden, Ref: ev.MessageID, Reason: "not the sender",
			}))
			return
		}
		delete(b.msgIndex, ev.MessageID)
		out := event.MustNew(event.TypeMessageDeleted, event.MessageDeletedPayload{MessageID: ev.MessageID, RoomID: msg.RoomID})
		c.push(out)
		b.relayLocked(c, msg.RoomID, out)

	case event.TypeReactionToggle:
		byEmoji, ok := b.reactions[ev.MessageID]
		if !ok {
			byEmoji = make(map[string]map[string]string)
			b.reactions[ev.MessageID] = byEmoji
		}
		users, ok := byEmoji[ev.Emoji]
		if !ok {
			users = make(map[string]string)
			byEmoji[ev.Emoji] = users
		}
		p := event.ReactionPayload{MessageID: ev.MessageID, RoomID: ev.RoomID, UserID: user.id, Username: user.name, Emoji: ev.Emoji}
		var out event.ServerEvent
		if _, has := users[user.id]; has {
			delete(users, user.id)
			out = event.MustNew(event.TypeReactionRemoved, p)
		} else {
			users[user.id] = user.name
			out = event.MustNew(event.TypeReactionAdded, p)
		}
		c.push(out)
		b.relayLocked(c, ev.RoomID, out)

	case event.TypeTyping:
		out := event.MustNew(event.TypeTyping, event.TypingPayload{
			RoomID: ev.RoomID, UserID: user.id, Username: user.name, Preview: ev.Preview, SentAt: time.Now(),
		})
		b.relayLocked(c, ev.RoomID, out)

	case event.TypeTypingStop:
		out := event.MustNew(event.TypeTypingStop, event.TypingStopPayload{RoomID: ev.RoomID, UserID: user.id})
		b.relayLocked(c, ev.RoomID, out)

	case event.TypeTouch:
		out := event.MustNew(event.TypeTouch, event.TouchPayload{RoomID: ev.RoomID, UserID: user.id, X: ev.X, Y: ev.Y})
		b.relayLocked(c, ev.RoomID, out)

	case event.TypePresence:
		rec := model.PresenceRecord{UserID: user.id, Status: ev.Status, LastSeen: time.Now()}
		b.presence[user.id] = rec
		out := event.MustNew(event.TypePresence, rec)
		for other := range b.conns {
			if other != c {
				other.push(out)
			}
		}
	}
}

// relayLocked fans an event out to every other connection joined to the room.
func (b *fakeBroker) relayLocked(from *fakeConn, roomID string, ev event.ServerEvent) {
	for other, rooms := range b.joined {
		if other != from && rooms[roomID] {
			other.push(ev)
		}
	}
}

type fakeConn struct {
	broker *fakeBroker
	events chan event.ServerEvent

	mu     sync.Mutex
	closed bool
}

func (c *fakeConn) Send(ctx context.Context, ev event.ClientEvent) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("use of closed connection")
	}
	c.mu.Unlock()
	c.broker.handle(c, ev)
	return nil
}

func (c *fakeConn) Events() <-chan event.ServerEvent { return c.events }

func (c *fakeConn) push(ev event.ServerEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
	}
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.broker.mu.Lock()
	delete(c.broker.conns, c)
	delete(c.broker.joined, c)
	c.broker.mu.Unlock()
	close(c.events)
	return nil
}

// newTestClient builds a connected client with short timers.
func newTestClient(t testingT, b *fakeBroker, userID, username string) *Client {
	t.Helper()
	c := NewClient(b.dialer(userID, username), Options{
		UserID:        userID,
		SendTimeout:   2 * time.Second,
		TypingTimeout: 150 * time.Millisecond,
		TypingSweep:   30 * time.Millisecond,
		Heartbeat:     50 * time.Millisecond,
		TouchTTL:      100 * time.Millisecond,
		BackoffUnit:   20 * time.Millisecond,
		MaxReconnects: 5,
	})
	if err := c.Connect(context.Background(), "token-"+userID); err != nil {
		t.Fatalf("connect %s: %v", userID, err)
	}
	t.Cleanup(c.Close)
	return c
}

// cmConnGeneration exposes how many transports the client has gone through.
func (c *Client) cmConnGeneration() int {
	c.cm.mu.Lock()
	defer c.cm.mu.Unlock()
	return c.cm.gen
}

// testingT is the slice of *testing.T the harness needs.
type testingT interface {
	Helper()
	Fatalf(format string, args ...any)
	Cleanup(func())
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
