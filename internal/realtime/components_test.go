package realtime

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heartline/internal/event"
	"github.com/heartline/internal/model"
)

func joinBoth(t *testing.T, b *fakeBroker, roomID string) (alice, bob *Client) {
	t.Helper()
	alice = newTestClient(t, b, "u1", "alice")
	bob = newTestClient(t, b, "u2", "bob")
	_, err := alice.JoinRoom(context.Background(), roomID)
	require.NoError(t, err)
	_, err = bob.JoinRoom(context.Background(), roomID)
	require.NoError(t, err)
	return alice, bob
}

func TestTypingRelay(t *testing.T) {
	b := newFakeBroker()
	alice, bob := joinBoth(t, b, "room1")

	bob.Typing.NotifyTyping(context.Background(), "room1", "hel")
	require.True(t, waitFor(time.Second, func() bool {
		return len(alice.Typing.Typing("room1")) == 1
	}))
	info := alice.Typing.Typing("room1")[0]
	assert.Equal(t, "u2", info.UserID)
	assert.Equal(t, "bob", info.Username)
	assert.Equal(t, "hel", info.Preview)

	// Explicit stop clears immediately.
	bob.Typing.NotifyStopped(context.Background(), "room1")
	require.True(t, waitFor(time.Second, func() bool {
		return len(alice.Typing.Typing("room1")) == 0
	}))
}

func TestTypingSelfExcluded(t *testing.T) {
	b := newFakeBroker()
	alice, _ := joinBoth(t, b, "room1")

	alice.Typing.NotifyTyping(context.Background(), "room1", "me")
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, alice.Typing.Typing("room1"), "own typing never shows locally")
}

func TestTypingExpiresWithoutStop(t *testing.T) {
	b := newFakeBroker()
	alice, bob := joinBoth(t, b, "room1")

	bob.Typing.NotifyTyping(context.Background(), "room1", "and then he just van")
	require.True(t, waitFor(time.Second, func() bool {
		return len(alice.Typing.Typing("room1")) == 1
	}))

	// No stop, no further typing events. The quiet-period sweep clears it.
	require.True(t, waitFor(time.Second, func() bool {
		return len(alice.Typing.Typing("room1")) == 0
	}))
}

func TestTypingKeepsLatestPreviewOnly(t *testing.T) {
	b := newFakeBroker()
	alice, bob := joinBoth(t, b, "room1")

	for _, p := range []string{"h", "he", "hel"} {
		bob.Typing.NotifyTyping(context.Background(), "room1", p)
	}
	require.True(t, waitFor(time.Second, func() bool {
		infos := alice.Typing.Typing("room1")
		return len(infos) == 1 && infos[0].Preview == "hel"
	}), "one entry per user, latest preview wins")
}

func TestTypingPreviewTruncated(t *testing.T) {
	b := newFakeBroker()
	alice, bob := joinBoth(t, b, "room1")

	long := strings.Repeat("ы", 250)
	bob.Typing.NotifyTyping(context.Background(), "room1", long)
	require.True(t, waitFor(time.Second, func() bool {
		return len(alice.Typing.Typing("room1")) == 1
	}))
	preview := alice.Typing.Typing("room1")[0].Preview
	assert.Equal(t, 100, len([]rune(preview)))
}

func TestReactionToggle(t *testing.T) {
	b := newFakeBroker()
	alice, bob := joinBoth(t, b, "room1")

	msg, err := alice.Messages.Send(context.Background(), "room1", "react to this", model.ContentTypeText)
	require.NoError(t, err)
	require.True(t, waitFor(time.Second, func() bool {
		return len(bob.Messages.Messages("room1")) == 1
	}))

	added, err := bob.Reactions.Toggle(context.Background(), "room1", msg.ID, "🔥")
	require.NoError(t, err)
	assert.True(t, added)

	require.True(t, waitFor(time.Second, func() bool {
		return len(alice.Reactions.Summary(msg.ID)) == 1
	}))
	sum := alice.Reactions.Summary(msg.ID)
	assert.Equal(t, "🔥", sum[0].Emoji)
	assert.Equal(t, 1, sum[0].Count)
	assert.Equal(t, []string{"u2"}, sum[0].Users)

	// Second toggle removes, everywhere.
	added, err = bob.Reactions.Toggle(context.Background(), "room1", msg.ID, "🔥")
	require.NoError(t, err)
	assert.False(t, added)
	require.True(t, waitFor(time.Second, func() bool {
		return len(alice.Reactions.Summary(msg.ID)) == 0
	}))
	assert.False(t, bob.Reactions.HasOwn(msg.ID, "🔥"))
}

func TestReactionCountsAcrossUsers(t *testing.T) {
	b := newFakeBroker()
	alice, bob := joinBoth(t, b, "room1")

	msg, err := alice.Messages.Send(context.Background(), "room1", "popular", model.ContentTypeText)
	require.NoError(t, err)
	require.True(t, waitFor(time.Second, func() bool {
		return len(bob.Messages.Messages("room1")) == 1
	}))

	_, err = alice.Reactions.Toggle(context.Background(), "room1", msg.ID, "❤️")
	require.NoError(t, err)
	_, err = bob.Reactions.Toggle(context.Background(), "room1", msg.ID, "❤️")
	require.NoError(t, err)
	_, err = bob.Reactions.Toggle(context.Background(), "room1", msg.ID, "👍")
	require.NoError(t, err)

	require.True(t, waitFor(time.Second, func() bool {
		sum := alice.Reactions.Summary(msg.ID)
		return len(sum) == 2 && sum[0].Count == 2
	}))
	sum := alice.Reactions.Summary(msg.ID)
	// Ordered by count descending.
	assert.Equal(t, "❤️", sum[0].Emoji)
	assert.ElementsMatch(t, []string{"u1", "u2"}, sum[0].Users)
	assert.Equal(t, "👍", sum[1].Emoji)
	assert.Equal(t, 1, sum[1].Count)
}

func TestReactionDuplicateEventIgnored(t *testing.T) {
	b := newFakeBroker()
	alice, bob := joinBoth(t, b, "room1")

	msg, err := alice.Messages.Send(context.Background(), "room1", "dup", model.ContentTypeText)
	require.NoError(t, err)
	require.True(t, waitFor(time.Second, func() bool {
		return len(bob.Messages.Messages("room1")) == 1
	}))

	_, err = bob.Reactions.Toggle(context.Background(), "room1", msg.ID, "🔥")
	require.NoError(t, err)
	require.True(t, waitFor(time.Second, func() bool {
		sum := alice.Reactions.Summary(msg.ID)
		return len(sum) == 1 && sum[0].Count == 1
	}))

	// A redelivered add for the same (user, emoji) does not bump the count.
	alice.Reactions.onReaction(event.TypeReactionAdded, event.ReactionPayload{
		MessageID: msg.ID, RoomID: "room1", UserID: "u2", Username: "bob", Emoji: "🔥",
	})
	sum := alice.Reactions.Summary(msg.ID)
	require.Len(t, sum, 1)
	assert.Equal(t, 1, sum[0].Count)
}

func TestReactionSeedFromSnapshot(t *testing.T) {
	b := newFakeBroker()
	base := time.Now().Add(-time.Hour)
	msg := b.seedMessage("room1", "u2", "old", base)
	b.mu.Lock()
	stored := b.msgIndex[msg.ID]
	stored.Reactions = []model.Reaction{
		{MessageID: msg.ID, UserID: "u2", Emoji: "🎉", Username: "bob"},
		{MessageID: msg.ID, UserID: "u3", Emoji: "🎉", Username: "carol"},
	}
	b.msgIndex[msg.ID] = stored
	b.history["room1"] = []model.Message{stored}
	b.mu.Unlock()

	c := newTestClient(t, b, "u1", "alice")
	_, err := c.JoinRoom(context.Background(), "room1")
	require.NoError(t, err)

	sum := c.Reactions.Summary(msg.ID)
	require.Len(t, sum, 1)
	assert.Equal(t, 2, sum[0].Count)
}

func TestReactionsHydratedForLateJoiner(t *testing.T) {
	b := newFakeBroker()
	alice := newTestClient(t, b, "u1", "alice")
	_, err := alice.JoinRoom(context.Background(), "room1")
	require.NoError(t, err)

	msg, err := alice.Messages.Send(context.Background(), "room1", "react before bob shows up", model.ContentTypeText)
	require.NoError(t, err)
	added, err := alice.Reactions.Toggle(context.Background(), "room1", msg.ID, "🎉")
	require.NoError(t, err)
	require.True(t, added)

	// Bob joins after the fact; the snapshot alone must rebuild his view.
	bob := newTestClient(t, b, "u2", "bob")
	_, err = bob.JoinRoom(context.Background(), "room1")
	require.NoError(t, err)

	sum := bob.Reactions.Summary(msg.ID)
	require.Len(t, sum, 1)
	assert.Equal(t, "🎉", sum[0].Emoji)
	assert.Equal(t, []string{"u1"}, sum[0].Users)
}

func TestLeaveRoomDropsReactionState(t *testing.T) {
	b := newFakeBroker()
	alice, bob := joinBoth(t, b, "room1")

	msg, err := alice.Messages.Send(context.Background(), "room1", "bye", model.ContentTypeText)
	require.NoError(t, err)
	require.True(t, waitFor(time.Second, func() bool {
		return len(bob.Messages.Messages("room1")) == 1
	}))
	_, err = bob.Reactions.Toggle(context.Background(), "room1", msg.ID, "🔥")
	require.NoError(t, err)
	require.True(t, waitFor(time.Second, func() bool {
		return len(alice.Reactions.Summary(msg.ID)) == 1
	}))

	// The last reference going away discards the timeline and with it the
	// reaction aggregates for the room's messages.
	alice.LeaveRoom("room1")
	require.True(t, waitFor(time.Second, func() bool {
		return !alice.Joined("room1")
	}))
	assert.Empty(t, alice.Reactions.Summary(msg.ID))
	assert.Nil(t, alice.Messages.Messages("room1"))
}

func TestPresenceBroadcast(t *testing.T) {
	b := newFakeBroker()
	alice, bob := joinBoth(t, b, "room1")

	require.NoError(t, bob.Presence.SetStatus(context.Background(), model.StatusOnline))
	require.True(t, waitFor(time.Second, func() bool {
		return alice.Presence.Status("u2").Status == model.StatusOnline
	}))

	require.NoError(t, bob.Presence.SetStatus(context.Background(), model.StatusAway))
	require.True(t, waitFor(time.Second, func() bool {
		return alice.Presence.Status("u2").Status == model.StatusAway
	}))

	// Unknown users read as offline, not as an error.
	assert.Equal(t, model.StatusOffline, alice.Presence.Status("stranger").Status)
}

func TestPresenceHeartbeatRefreshesLastSeen(t *testing.T) {
	b := newFakeBroker()
	alice, bob := joinBoth(t, b, "room1")

	require.NoError(t, bob.Presence.SetStatus(context.Background(), model.StatusOnline))
	require.True(t, waitFor(time.Second, func() bool {
		return alice.Presence.Status("u2").Status == model.StatusOnline
	}))
	first := alice.Presence.Status("u2").LastSeen

	// The heartbeat republishes online, so last_seen advances without any
	// explicit action from bob.
	require.True(t, waitFor(time.Second, func() bool {
		return alice.Presence.Status("u2").LastSeen.After(first)
	}))
	assert.Equal(t, model.StatusOnline, alice.Presence.Status("u2").Status)
}

func TestTouchRelayAndExpiry(t *testing.T) {
	b := newFakeBroker()
	alice, bob := joinBoth(t, b, "room1")

	bob.Touches.SendTouch(context.Background(), "room1", 0.25, 0.75)
	require.True(t, waitFor(time.Second, func() bool {
		return len(alice.Touches.Active("room1")) == 1
	}))
	pt := alice.Touches.Active("room1")[0]
	assert.Equal(t, "u2", pt.UserID)
	assert.Equal(t, 0.25, pt.X)
	assert.Equal(t, 0.75, pt.Y)

	// Points vanish after their TTL without any explicit clear.
	require.True(t, waitFor(time.Second, func() bool {
		return len(alice.Touches.Active("room1")) == 0
	}))

	// Sender never sees own touches.
	assert.Empty(t, bob.Touches.Active("room1"))
}

func TestTouchLatestPointPerUser(t *testing.T) {
	b := newFakeBroker()
	alice, bob := joinBoth(t, b, "room1")

	bob.Touches.SendTouch(context.Background(), "room1", 0.1, 0.1)
	bob.Touches.SendTouch(context.Background(), "room1", 0.9, 0.9)
	require.True(t, waitFor(time.Second, func() bool {
		pts := alice.Touches.Active("room1")
		return len(pts) == 1 && pts[0].X == 0.9
	}), "only the latest point per user is kept")
}
