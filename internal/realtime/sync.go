package realtime

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/heartline/internal/event"
	"github.com/heartline/internal/logger"
	"github.com/heartline/internal/model"
)

const defaultSendTimeout = 10 * time.Second

// MessageSync keeps the local message timeline for every tracked room: ordered
// by server creation time, deduplicated by message id, with transient messages
// removed locally when their expiry passes even if the server reap event is
// delayed. Send blocks until the server echoes the message back, which is the
// delivery confirmation.
type MessageSync struct {
	mu sync.Mutex

	reg         *Registry
	sendTimeout time.Duration

	rooms map[string]*roomTimeline

	observers map[int]func(roomID string)
	obsNext   int
	disposers []func()
}

type roomTimeline struct {
	messages []model.Message
	seen     map[string]struct{}
	// expiry holds the local countdown per transient message.
	expiry map[string]*time.Timer
}

func NewMessageSync(reg *Registry) *MessageSync {
	s := &MessageSync{
		reg:         reg,
		sendTimeout: defaultSendTimeout,
		rooms:       make(map[string]*roomTimeline),
		observers:   make(map[int]func(string)),
	}
	s.disposers = append(s.disposers,
		reg.OnMessage(s.onMessage),
		reg.OnMessageDeleted(s.onDeleted),
	)
	return s
}

// SetSendTimeout overrides how long Send waits for the server echo.
func (s *MessageSync) SetSendTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > 0 {
		s.sendTimeout = d
	}
}

// Track starts keeping a timeline for the room, seeded with the join snapshot.
func (s *MessageSync) Track(roomID string, history []model.Message) {
	s.mu.Lock()
	tl, ok := s.rooms[roomID]
	if !ok {
		tl = &roomTimeline{seen: make(map[string]struct{}), expiry: make(map[string]*time.Timer)}
		s.rooms[roomID] = tl
	}
	for _, msg := range history {
		s.insertLocked(tl, roomID, msg)
	}
	s.mu.Unlock()
	s.notify(roomID)
}

// Untrack drops the room's timeline and cancels its expiry timers.
func (s *MessageSync) Untrack(roomID string) {
	s.mu.Lock()
	tl, ok := s.rooms[roomID]
	if ok {
		for _, t := range tl.expiry {
			t.Stop()
		}
		delete(s.rooms, roomID)
	}
	s.mu.Unlock()
}

// Messages returns a copy of the room's timeline in creation order.
func (s *MessageSync) Messages(roomID string) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	tl, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]model.Message, len(tl.messages))
	copy(out, tl.messages)
	return out
}

// Send publishes a message and waits for the server echo. The message id is
// generated here so a retry after a network hiccup cannot duplicate the
// message server-side. Returns the delivered message as the server recorded it.
func (s *MessageSync) Send(ctx context.Context, roomID, content string, ct model.ContentType) (*model.Message, error) {
	return s.send(ctx, event.ClientEvent{
		Type:        event.TypeNewMessage,
		RoomID:      roomID,
		MessageID:   uuid.NewString(),
		Content:     content,
		ContentType: ct,
	})
}

// SendFile publishes a file or image message.
func (s *MessageSync) SendFile(ctx context.Context, roomID, fileURL, fileName string, ct model.ContentType) (*model.Message, error) {
	return s.send(ctx, event.ClientEvent{
		Type:        event.TypeNewMessage,
		RoomID:      roomID,
		MessageID:   uuid.NewString(),
		ContentType: ct,
		FileURL:     fileURL,
		FileName:    fileName,
	})
}

func (s *MessageSync) send(ctx context.Context, ev event.ClientEvent) (*model.Message, error) {
	s.mu.Lock()
	timeout := s.sendTimeout
	s.mu.Unlock()

	reply := s.reg.addWaiter(ev.MessageID)
	defer s.reg.removeWaiter(ev.MessageID)

	if err := s.reg.cm.Send(ctx, ev); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-reply:
		if res.err != nil {
			return nil, res.err
		}
		var msg model.Message
		if err := (event.ServerEvent{Type: event.TypeNewMessage, Payload: res.payload}).Decode(&msg); err != nil {
			return nil, &SendError{Ref: ev.MessageID, Err: err}
		}
		return &msg, nil
	case <-timer.C:
		return nil, &SendError{Ref: ev.MessageID, Err: ErrTimeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Delete asks the server to remove own message and waits for confirmation.
func (s *MessageSync) Delete(ctx context.Context, roomID, messageID string) error {
	s.mu.Lock()
	timeout := s.sendTimeout
	s.mu.Unlock()

	key := "del:" + messageID
	reply := s.reg.addWaiter(key)
	defer s.reg.removeWaiter(key)

	ev := event.ClientEvent{Type: event.TypeDeleteMessage, RoomID: roomID, MessageID: messageID}
	if err := s.reg.cm.Send(ctx, ev); err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-reply:
		return res.err
	case <-timer.C:
		return &SendError{Ref: messageID, Err: ErrTimeout}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnChange registers an observer called after a room's timeline changes.
func (s *MessageSync) OnChange(fn func(roomID string)) func() {
	s.mu.Lock()
	id := s.obsNext
	s.obsNext++
	s.observers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

func (s *MessageSync) onMessage(msg model.Message) {
	s.mu.Lock()
	tl, ok := s.rooms[msg.RoomID]
	if !ok {
		s.mu.Unlock()
		return
	}
	changed := s.insertLocked(tl, msg.RoomID, msg)
	s.mu.Unlock()
	if changed {
		s.notify(msg.RoomID)
	}
}

func (s *MessageSync) onDeleted(p event.MessageDeletedPayload) {
	s.mu.Lock()
	tl, ok := s.rooms[p.RoomID]
	if !ok {
		s.mu.Unlock()
		return
	}
	changed := s.removeLocked(tl, p.MessageID)
	s.mu.Unlock()
	if changed {
		s.notify(p.RoomID)
	}
}

// insertLocked adds one message to the timeline, keeping creation order.
// Redelivery of an already known id is a no-op, except that a transient
// message's expiry timer is rescheduled to the authoritative time.
func (s *MessageSync) insertLocked(tl *roomTimeline, roomID string, msg model.Message) bool {
	if _, dup := tl.seen[msg.ID]; dup {
		if msg.ExpiresAt != nil {
			s.scheduleExpiryLocked(tl, roomID, msg)
		}
		return false
	}
	tl.seen[msg.ID] = struct{}{}

	i := sort.Search(len(tl.messages), func(i int) bool {
		if tl.messages[i].CreatedAt.Equal(msg.CreatedAt) {
			return tl.messages[i].ID > msg.ID
		}
		return tl.messages[i].CreatedAt.After(msg.CreatedAt)
	})
	tl.messages = append(tl.messages, model.Message{})
	copy(tl.messages[i+1:], tl.messages[i:])
	tl.messages[i] = msg

	if msg.ExpiresAt != nil {
		s.scheduleExpiryLocked(tl, roomID, msg)
	}
	return true
}

func (s *MessageSync) scheduleExpiryLocked(tl *roomTimeline, roomID string, msg model.Message) {
	if old, ok := tl.expiry[msg.ID]; ok {
		old.Stop()
	}
	d := time.Until(*msg.ExpiresAt)
	if d < 0 {
		d = 0
	}
	id := msg.ID
	tl.expiry[id] = time.AfterFunc(d, func() {
		s.mu.Lock()
		cur, ok := s.rooms[roomID]
		changed := ok && s.removeLocked(cur, id)
		s.mu.Unlock()
		if changed {
			logger.Debugf("realtime: message %s expired locally", id)
			s.notify(roomID)
		}
	})
}

func (s *MessageSync) removeLocked(tl *roomTimeline, messageID string) bool {
	if t, ok := tl.expiry[messageID]; ok {
		t.Stop()
		delete(tl.expiry, messageID)
	}
	if _, ok := tl.seen[messageID]; !ok {
		return false
	}
	// seen stays populated so a late redelivery of a deleted message does not
	// resurrect it.
	for i, m := range tl.messages {
		if m.ID == messageID {
			tl.messages = append(tl.messages[:i], tl.messages[i+1:]...)
			return true
		}
	}
	return false
}

func (s *MessageSync) notify(roomID string) {
	s.mu.Lock()
	fns := make([]func(string), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(roomID)
	}
}

// Reset cancels all expiry timers and clears every timeline.
func (s *MessageSync) Reset() {
	s.mu.Lock()
	for _, tl := range s.rooms {
		for _, t := range tl.expiry {
			t.Stop()
		}
	}
	s.rooms = make(map[string]*roomTimeline)
	s.mu.Unlock()
}

// Close unsubscribes from the registry.
func (s *MessageSync) Close() {
	for _, d := range s.disposers {
		d()
	}
	s.Reset()
}
