package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/heartline/internal/event"
	"github.com/heartline/internal/logger"
)

const (
	defaultTypingTimeout = 10 * time.Second
	defaultSweepInterval = 5 * time.Second
	maxPreviewRunes      = 100
)

// TypingInfo is one remote user currently composing in a room.
type TypingInfo struct {
	UserID   string
	Username string
	Preview  string
	SeenAt   time.Time
}

// TypingCoordinator relays own typing activity and tracks who else is
// composing. Remote entries expire after a quiet period so a peer that
// disconnects mid-word does not stay "typing" forever.
type TypingCoordinator struct {
	mu sync.Mutex

	reg     *Registry
	timeout time.Duration
	selfID  string

	// active is keyed by room, then by user.
	active map[string]map[string]TypingInfo

	observers map[int]func(roomID string)
	obsNext   int
	disposers []func()

	sweepStop chan struct{}
	sweepOnce sync.Once
}

func NewTypingCoordinator(reg *Registry, selfID string, timeout, sweepEvery time.Duration) *TypingCoordinator {
	if timeout <= 0 {
		timeout = defaultTypingTimeout
	}
	if sweepEvery <= 0 {
		sweepEvery = defaultSweepInterval
	}
	c := &TypingCoordinator{
		reg:       reg,
		timeout:   timeout,
		selfID:    selfID,
		active:    make(map[string]map[string]TypingInfo),
		observers: make(map[int]func(string)),
		sweepStop: make(chan struct{}),
	}
	c.disposers = append(c.disposers,
		reg.OnTyping(c.onTyping),
		reg.OnTypingStop(c.onTypingStop),
	)
	go c.sweep(sweepEvery)
	return c
}

// NotifyTyping announces that the local user is composing. Preview is cut to
// the first 100 runes before hitting the wire. Best effort.
func (c *TypingCoordinator) NotifyTyping(ctx context.Context, roomID, preview string) {
	if r := []rune(preview); len(r) > maxPreviewRunes {
		preview = string(r[:maxPreviewRunes])
	}
	ev := event.ClientEvent{Type: event.TypeTyping, RoomID: roomID, Preview: preview}
	if err := c.reg.cm.Send(ctx, ev); err != nil {
		logger.Debugf("realtime: typing notify dropped: %v", err)
	}
}

// NotifyStopped announces that composing ended (input cleared or sent).
func (c *TypingCoordinator) NotifyStopped(ctx context.Context, roomID string) {
	ev := event.ClientEvent{Type: event.TypeTypingStop, RoomID: roomID}
	if err := c.reg.cm.Send(ctx, ev); err != nil {
		logger.Debugf("realtime: typing stop dropped: %v", err)
	}
}

// Typing returns who is composing in the room right now, excluding self.
func (c *TypingCoordinator) Typing(roomID string) []TypingInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	users := c.active[roomID]
	if len(users) == 0 {
		return nil
	}
	cutoff := time.Now().Add(-c.timeout)
	out := make([]TypingInfo, 0, len(users))
	for _, info := range users {
		if info.SeenAt.After(cutoff) {
			out = append(out, info)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// OnChange registers an observer called when a room's typing set changes.
func (c *TypingCoordinator) OnChange(fn func(roomID string)) func() {
	c.mu.Lock()
	id := c.obsNext
	c.obsNext++
	c.observers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.observers, id)
		c.mu.Unlock()
	}
}

func (c *TypingCoordinator) onTyping(p event.TypingPayload) {
	if p.UserID == c.selfID {
		return
	}
	c.mu.Lock()
	users, ok := c.active[p.RoomID]
	if !ok {
		users = make(map[string]TypingInfo)
		c.active[p.RoomID] = users
	}
	users[p.UserID] = TypingInfo{
		UserID:   p.UserID,
		Username: p.Username,
		Preview:  p.Preview,
		SeenAt:   time.Now(),
	}
	c.mu.Unlock()
	c.notify(p.RoomID)
}

func (c *TypingCoordinator) onTypingStop(p event.TypingStopPayload) {
	c.mu.Lock()
	users, ok := c.active[p.RoomID]
	if ok {
		if _, had := users[p.UserID]; !had {
			ok = false
		}
		delete(users, p.UserID)
		if len(users) == 0 {
			delete(c.active, p.RoomID)
		}
	}
	c.mu.Unlock()
	if ok {
		c.notify(p.RoomID)
	}
}

// sweep drops entries that went quiet without an explicit stop.
func (c *TypingCoordinator) sweep(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-c.timeout)
			var stale []string
			c.mu.Lock()
			for roomID, users := range c.active {
				changed := false
				for userID, info := range users {
					if !info.SeenAt.After(cutoff) {
						delete(users, userID)
						changed = true
					}
				}
				if len(users) == 0 {
					delete(c.active, roomID)
				}
				if changed {
					stale = append(stale, roomID)
				}
			}
			c.mu.Unlock()
			for _, roomID := range stale {
				c.notify(roomID)
			}
		case <-c.sweepStop:
			return
		}
	}
}

func (c *TypingCoordinator) notify(roomID string) {
	c.mu.Lock()
	fns := make([]func(string), 0, len(c.observers))
	for _, fn := range c.observers {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(roomID)
	}
}

// Reset clears all remote typing state.
func (c *TypingCoordinator) Reset() {
	c.mu.Lock()
	c.active = make(map[string]map[string]TypingInfo)
	c.mu.Unlock()
}

// Close stops the sweeper and unsubscribes from the registry.
func (c *TypingCoordinator) Close() {
	c.sweepOnce.Do(func() { close(c.sweepStop) })
	for _, d := range c.disposers {
		d()
	}
}
