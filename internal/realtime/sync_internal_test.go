package realtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heartline/internal/event"
	"github.com/heartline/internal/model"
)

// newDetachedSync builds a MessageSync whose registry never connects; good for
// exercising timeline bookkeeping directly.
func newDetachedSync(t *testing.T) *MessageSync {
	t.Helper()
	cm := NewConnManager(DialerFunc(func(ctx context.Context, token string) (Conn, error) {
		return nil, errors.New("detached")
	}))
	s := NewMessageSync(NewRegistry(cm))
	t.Cleanup(s.Close)
	return s
}

func TestExpiryTimerRescheduledNotDuplicated(t *testing.T) {
	s := newDetachedSync(t)
	s.Track("flash", nil)

	exp := time.Now().Add(time.Hour)
	msg := model.Message{ID: "m1", RoomID: "flash", Content: "x", CreatedAt: time.Now(), ExpiresAt: &exp}
	s.onMessage(msg)

	// Redelivery of the same id re-arms the timer instead of stacking a second.
	later := time.Now().Add(2 * time.Hour)
	msg.ExpiresAt = &later
	s.onMessage(msg)

	s.mu.Lock()
	tl := s.rooms["flash"]
	timers := len(tl.expiry)
	entries := len(tl.messages)
	s.mu.Unlock()
	assert.Equal(t, 1, timers)
	assert.Equal(t, 1, entries)
}

func TestExpiredOnArrivalRemovedPromptly(t *testing.T) {
	s := newDetachedSync(t)
	s.Track("flash", nil)

	past := time.Now().Add(-time.Second)
	s.onMessage(model.Message{ID: "m1", RoomID: "flash", Content: "late", CreatedAt: time.Now(), ExpiresAt: &past})

	require.True(t, waitFor(time.Second, func() bool {
		return len(s.Messages("flash")) == 0
	}), "a message already past expiry never lingers")
}

func TestUntrackCancelsTimers(t *testing.T) {
	s := newDetachedSync(t)
	s.Track("flash", nil)

	exp := time.Now().Add(time.Hour)
	s.onMessage(model.Message{ID: "m1", RoomID: "flash", CreatedAt: time.Now(), ExpiresAt: &exp})
	s.Untrack("flash")

	assert.Nil(t, s.Messages("flash"))
	s.mu.Lock()
	_, tracked := s.rooms["flash"]
	s.mu.Unlock()
	assert.False(t, tracked)
}

func TestDeletedMessageNotResurrectedByRedelivery(t *testing.T) {
	s := newDetachedSync(t)
	s.Track("room1", nil)

	msg := model.Message{ID: "m1", RoomID: "room1", Content: "hi", CreatedAt: time.Now()}
	s.onMessage(msg)
	require.Len(t, s.Messages("room1"), 1)

	s.onDeleted(event.MessageDeletedPayload{MessageID: "m1", RoomID: "room1"})
	assert.Empty(t, s.Messages("room1"))

	// Late duplicate of the deleted message arrives after the delete.
	s.onMessage(msg)
	assert.Empty(t, s.Messages("room1"))
}
