package realtime

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/heartline/internal/event"
	"github.com/heartline/internal/logger"
	"github.com/heartline/internal/model"
)

// ReactionAggregator keeps the reaction counts per message and mediates own
// toggles. A toggle is resolved by the server's broadcast: the next
// reaction_added or reaction_removed carrying our user id and emoji for that
// message confirms which way it went. While a toggle is in flight, further
// toggles of the same (message, emoji) pair queue behind it so rapid taps
// settle to the tap parity, not to a random interleaving.
type ReactionAggregator struct {
	mu sync.Mutex

	reg    *Registry
	selfID string

	// counts per message id: emoji -> user ids.
	reactions map[string]map[string]map[string]string

	// inFlight serializes toggles per (message id, emoji).
	inFlight map[string]chan struct{}
	// pending resolves a toggle once the server broadcast reflecting our own
	// user id comes back. Keyed like inFlight.
	pending map[string]chan event.Type

	observers map[int]func(messageID string)
	obsNext   int
	disposers []func()
}

func NewReactionAggregator(reg *Registry, selfID string) *ReactionAggregator {
	a := &ReactionAggregator{
		reg:       reg,
		selfID:    selfID,
		reactions: make(map[string]map[string]map[string]string),
		inFlight:  make(map[string]chan struct{}),
		pending:   make(map[string]chan event.Type),
		observers: make(map[int]func(string)),
	}
	a.disposers = append(a.disposers, reg.OnReaction(a.onReaction))
	return a
}

// Seed loads reaction state from a join snapshot.
func (a *ReactionAggregator) Seed(messages []model.Message) {
	a.mu.Lock()
	for _, msg := range messages {
		for _, rc := range msg.Reactions {
			a.addLocked(msg.ID, rc.Emoji, rc.UserID, rc.Username)
		}
	}
	a.mu.Unlock()
}

// Toggle flips own reaction on a message. The server decides add vs remove
// atomically; the broadcast reflecting our own user id confirms the outcome.
// Returns true when the reaction ended up added.
func (a *ReactionAggregator) Toggle(ctx context.Context, roomID, messageID, emoji string) (added bool, err error) {
	key := messageID + "\x00" + emoji

	// Wait for any toggle of the same pair already in flight.
	for {
		a.mu.Lock()
		prev, busy := a.inFlight[key]
		if !busy {
			done := make(chan struct{})
			a.inFlight[key] = done
			a.mu.Unlock()
			defer func() {
				a.mu.Lock()
				delete(a.inFlight, key)
				a.mu.Unlock()
				close(done)
			}()
			break
		}
		a.mu.Unlock()
		select {
		case <-prev:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	confirm := make(chan event.Type, 1)
	a.mu.Lock()
	a.pending[key] = confirm
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.pending, key)
		a.mu.Unlock()
	}()

	ev := event.ClientEvent{Type: event.TypeReactionToggle, RoomID: roomID, MessageID: messageID, Emoji: emoji}
	if err := a.reg.cm.Send(ctx, ev); err != nil {
		return false, err
	}

	// The server decides; its broadcast carrying our own user id is the
	// confirmation of which way the toggle went.
	timer := time.NewTimer(10 * time.Second)
	defer timer.Stop()
	select {
	case t := <-confirm:
		return t == event.TypeReactionAdded, nil
	case <-timer.C:
		return false, &SendError{Ref: messageID, Err: ErrTimeout}
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Summary returns the room-visible aggregate for one message, emojis ordered
// by count descending.
func (a *ReactionAggregator) Summary(messageID string) []model.ReactionGroup {
	a.mu.Lock()
	defer a.mu.Unlock()
	byEmoji, ok := a.reactions[messageID]
	if !ok {
		return nil
	}
	out := make([]model.ReactionGroup, 0, len(byEmoji))
	for emoji, users := range byEmoji {
		grp := model.ReactionGroup{Emoji: emoji, Count: len(users)}
		for userID := range users {
			grp.Users = append(grp.Users, userID)
		}
		sort.Strings(grp.Users)
		out = append(out, grp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Emoji < out[j].Emoji
	})
	return out
}

// HasOwn reports whether the local user currently reacts with emoji.
func (a *ReactionAggregator) HasOwn(messageID, emoji string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hasLocked(messageID, emoji, a.selfID)
}

// OnChange registers an observer called when a message's reactions change.
func (a *ReactionAggregator) OnChange(fn func(messageID string)) func() {
	a.mu.Lock()
	id := a.obsNext
	a.obsNext++
	a.observers[id] = fn
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		delete(a.observers, id)
		a.mu.Unlock()
	}
}

func (a *ReactionAggregator) onReaction(t event.Type, p event.ReactionPayload) {
	a.mu.Lock()
	var changed bool
	switch t {
	case event.TypeReactionAdded:
		changed = a.addLocked(p.MessageID, p.Emoji, p.UserID, p.Username)
	case event.TypeReactionRemoved:
		changed = a.removeLocked(p.MessageID, p.Emoji, p.UserID)
	}
	if p.UserID == a.selfID {
		if confirm, ok := a.pending[p.MessageID+"\x00"+p.Emoji]; ok {
			select {
			case confirm <- t:
			default:
			}
		}
	}
	a.mu.Unlock()
	if changed {
		a.notify(p.MessageID)
	} else {
		logger.Debugf("realtime: reaction event for %s was a no-op", p.MessageID)
	}
}

func (a *ReactionAggregator) addLocked(messageID, emoji, userID, username string) bool {
	byEmoji, ok := a.reactions[messageID]
	if !ok {
		byEmoji = make(map[string]map[string]string)
		a.reactions[messageID] = byEmoji
	}
	users, ok := byEmoji[emoji]
	if !ok {
		users = make(map[string]string)
		byEmoji[emoji] = users
	}
	if _, dup := users[userID]; dup {
		return false
	}
	users[userID] = username
	return true
}

func (a *ReactionAggregator) removeLocked(messageID, emoji, userID string) bool {
	byEmoji, ok := a.reactions[messageID]
	if !ok {
		return false
	}
	users, ok := byEmoji[emoji]
	if !ok {
		return false
	}
	if _, had := users[userID]; !had {
		return false
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(byEmoji, emoji)
	}
	if len(byEmoji) == 0 {
		delete(a.reactions, messageID)
	}
	return true
}

func (a *ReactionAggregator) hasLocked(messageID, emoji, userID string) bool {
	if byEmoji, ok := a.reactions[messageID]; ok {
		if users, ok := byEmoji[emoji]; ok {
			_, has := users[userID]
			return has
		}
	}
	return false
}

func (a *ReactionAggregator) notify(messageID string) {
	a.mu.Lock()
	fns := make([]func(string), 0, len(a.observers))
	for _, fn := range a.observers {
		fns = append(fns, fn)
	}
	a.mu.Unlock()
	for _, fn := range fns {
		fn(messageID)
	}
}

// Forget drops aggregate state for messages of an untracked room.
func (a *ReactionAggregator) Forget(messageIDs []string) {
	a.mu.Lock()
	for _, id := range messageIDs {
		delete(a.reactions, id)
	}
	a.mu.Unlock()
}

// Reset clears all aggregate state.
func (a *ReactionAggregator) Reset() {
	a.mu.Lock()
	a.reactions = make(map[string]map[string]map[string]string)
	a.mu.Unlock()
}

// Close unsubscribes from the registry.
func (a *ReactionAggregator) Close() {
	for _, d := range a.disposers {
		d()
	}
}
