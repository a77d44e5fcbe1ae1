package realtime

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heartline/internal/model"
)

func TestConnectFailure(t *testing.T) {
	b := newFakeBroker()
	b.dialErrs = 1

	c := NewClient(b.dialer("u1", "alice"), Options{UserID: "u1"})
	defer c.Close()

	err := c.Connect(context.Background(), "token")
	require.Error(t, err)
	var cerr *ConnectionError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "connect", cerr.Op)

	st, lastErr := c.State()
	assert.Equal(t, StateClosed, st)
	assert.Error(t, lastErr)
}

func TestJoinRoomSnapshot(t *testing.T) {
	b := newFakeBroker()
	base := time.Now().Add(-time.Hour)
	m1 := b.seedMessage("room1", "u2", "hi", base)
	m2 := b.seedMessage("room1", "u2", "there", base.Add(time.Minute))

	c := newTestClient(t, b, "u1", "alice")
	res, err := c.JoinRoom(context.Background(), "room1")
	require.NoError(t, err)
	assert.Empty(t, res.Warning)
	require.Len(t, res.Messages, 2)

	msgs := c.Messages.Messages("room1")
	require.Len(t, msgs, 2)
	assert.Equal(t, m1.ID, msgs[0].ID)
	assert.Equal(t, m2.ID, msgs[1].ID)
	assert.True(t, c.Joined("room1"))
}

func TestJoinRoomDenied(t *testing.T) {
	b := newFakeBroker()
	b.deny["secret"] = true

	c := newTestClient(t, b, "u1", "alice")
	_, err := c.JoinRoom(context.Background(), "secret")
	require.Error(t, err)
	var cherr *ChannelError
	require.True(t, errors.As(err, &cherr))
	assert.True(t, cherr.Fatal)
	assert.False(t, c.Joined("secret"))
}

func TestJoinRoomDegraded(t *testing.T) {
	b := newFakeBroker()
	b.warn["room1"] = "history unavailable"

	c := newTestClient(t, b, "u1", "alice")
	res, err := c.JoinRoom(context.Background(), "room1")
	require.NoError(t, err)
	assert.Equal(t, "history unavailable", res.Warning)
	// Degraded join still opens the channel.
	assert.True(t, c.Joined("room1"))
}

func TestChannelRefcounting(t *testing.T) {
	b := newFakeBroker()
	c := newTestClient(t, b, "u1", "alice")

	_, err := c.JoinRoom(context.Background(), "room1")
	require.NoError(t, err)
	_, err = c.JoinRoom(context.Background(), "room1")
	require.NoError(t, err)

	// The second join shares the first channel, no extra server traffic.
	assert.Equal(t, 1, b.joinCount())

	c.LeaveRoom("room1")
	assert.True(t, c.Joined("room1"), "one reference still held")
	c.LeaveRoom("room1")
	assert.False(t, c.Joined("room1"))

	// Leaving an unjoined room is a no-op.
	c.LeaveRoom("room1")
}

func TestSendDeliversAndEchoes(t *testing.T) {
	b := newFakeBroker()
	alice := newTestClient(t, b, "u1", "alice")
	bob := newTestClient(t, b, "u2", "bob")

	_, err := alice.JoinRoom(context.Background(), "room1")
	require.NoError(t, err)
	_, err = bob.JoinRoom(context.Background(), "room1")
	require.NoError(t, err)

	msg, err := alice.Messages.Send(context.Background(), "room1", "привет", model.ContentTypeText)
	require.NoError(t, err)
	assert.Equal(t, "u1", msg.SenderID)
	assert.False(t, msg.CreatedAt.IsZero(), "server stamps creation time")

	require.True(t, waitFor(time.Second, func() bool {
		return len(bob.Messages.Messages("room1")) == 1
	}))
	got := bob.Messages.Messages("room1")[0]
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, "привет", got.Content)

	// Sender's own timeline also has it, exactly once.
	assert.Len(t, alice.Messages.Messages("room1"), 1)
}

func TestDuplicateDeliveryIgnored(t *testing.T) {
	b := newFakeBroker()
	alice := newTestClient(t, b, "u1", "alice")
	bob := newTestClient(t, b, "u2", "bob")
	_, err := alice.JoinRoom(context.Background(), "room1")
	require.NoError(t, err)
	_, err = bob.JoinRoom(context.Background(), "room1")
	require.NoError(t, err)

	msg, err := alice.Messages.Send(context.Background(), "room1", "once", model.ContentTypeText)
	require.NoError(t, err)
	require.True(t, waitFor(time.Second, func() bool {
		return len(bob.Messages.Messages("room1")) == 1
	}))

	b.redeliver("u2", *msg)
	b.redeliver("u2", *msg)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, bob.Messages.Messages("room1"), 1)
}

func TestTimelineOrderedByCreation(t *testing.T) {
	b := newFakeBroker()
	c := newTestClient(t, b, "u1", "alice")
	_, err := c.JoinRoom(context.Background(), "room1")
	require.NoError(t, err)

	now := time.Now()
	late := b.seedMessage("room1", "u2", "third", now)
	early := b.seedMessage("room1", "u2", "first", now.Add(-2*time.Minute))
	mid := b.seedMessage("room1", "u2", "second", now.Add(-time.Minute))

	// Deliver out of order; the timeline sorts by server creation time.
	b.redeliver("u1", late)
	b.redeliver("u1", early)
	b.redeliver("u1", mid)

	require.True(t, waitFor(time.Second, func() bool {
		return len(c.Messages.Messages("room1")) == 3
	}))
	msgs := c.Messages.Messages("room1")
	assert.Equal(t, []string{"first", "second", "third"}, []string{msgs[0].Content, msgs[1].Content, msgs[2].Content})
}

func TestEphemeralMessageExpiresLocally(t *testing.T) {
	b := newFakeBroker()
	b.ephemeralTTL["flash"] = 80 * time.Millisecond

	alice := newTestClient(t, b, "u1", "alice")
	bob := newTestClient(t, b, "u2", "bob")
	_, err := alice.JoinRoom(context.Background(), "flash")
	require.NoError(t, err)
	_, err = bob.JoinRoom(context.Background(), "flash")
	require.NoError(t, err)

	msg, err := alice.Messages.Send(context.Background(), "flash", "gone soon", model.ContentTypeText)
	require.NoError(t, err)
	require.NotNil(t, msg.ExpiresAt)

	require.True(t, waitFor(time.Second, func() bool {
		return len(bob.Messages.Messages("flash")) == 1
	}))

	// Both sides drop the message when its expiry passes, without any
	// server-side reap event.
	require.True(t, waitFor(time.Second, func() bool {
		return len(alice.Messages.Messages("flash")) == 0 && len(bob.Messages.Messages("flash")) == 0
	}))
}

func TestSendTimeout(t *testing.T) {
	b := newFakeBroker()
	c := newTestClient(t, b, "u1", "alice")
	_, err := c.JoinRoom(context.Background(), "room1")
	require.NoError(t, err)

	c.Messages.SetSendTimeout(100 * time.Millisecond)
	b.mu.Lock()
	b.mute = true
	b.mu.Unlock()
	_, err = c.Messages.Send(context.Background(), "room1", "void", model.ContentTypeText)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
}

func TestDeleteOwnMessage(t *testing.T) {
	b := newFakeBroker()
	alice := newTestClient(t, b, "u1", "alice")
	bob := newTestClient(t, b, "u2", "bob")
	_, err := alice.JoinRoom(context.Background(), "room1")
	require.NoError(t, err)
	_, err = bob.JoinRoom(context.Background(), "room1")
	require.NoError(t, err)

	msg, err := alice.Messages.Send(context.Background(), "room1", "oops", model.ContentTypeText)
	require.NoError(t, err)
	require.True(t, waitFor(time.Second, func() bool {
		return len(bob.Messages.Messages("room1")) == 1
	}))

	require.NoError(t, alice.Messages.Delete(context.Background(), "room1", msg.ID))
	require.True(t, waitFor(time.Second, func() bool {
		return len(alice.Messages.Messages("room1")) == 0 && len(bob.Messages.Messages("room1")) == 0
	}))
}

func TestDeleteForeignMessageRejected(t *testing.T) {
	b := newFakeBroker()
	alice := newTestClient(t, b, "u1", "alice")
	bob := newTestClient(t, b, "u2", "bob")
	_, err := alice.JoinRoom(context.Background(), "room1")
	require.NoError(t, err)
	_, err = bob.JoinRoom(context.Background(), "room1")
	require.NoError(t, err)

	msg, err := alice.Messages.Send(context.Background(), "room1", "mine", model.ContentTypeText)
	require.NoError(t, err)
	require.True(t, waitFor(time.Second, func() bool {
		return len(bob.Messages.Messages("room1")) == 1
	}))

	err = bob.Messages.Delete(context.Background(), "room1", msg.ID)
	require.Error(t, err)
	var serr *SendError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "forbidden", serr.Code)

	// Nothing was removed anywhere.
	assert.Len(t, alice.Messages.Messages("room1"), 1)
	assert.Len(t, bob.Messages.Messages("room1"), 1)
}

func TestReconnectRejoinsAndCatchesUp(t *testing.T) {
	b := newFakeBroker()
	alice := newTestClient(t, b, "u1", "alice")
	bob := newTestClient(t, b, "u2", "bob")
	_, err := alice.JoinRoom(context.Background(), "room1")
	require.NoError(t, err)
	_, err = bob.JoinRoom(context.Background(), "room1")
	require.NoError(t, err)

	var lost atomic.Bool
	alice.OnConnectionLost(func() { lost.Store(true) })

	// Keep alice down for a couple of retry rounds.
	b.mu.Lock()
	b.dialErrs = 2
	b.mu.Unlock()
	b.drop("u1")

	// Bob talks while alice is away.
	_, err = bob.Messages.Send(context.Background(), "room1", "missed me?", model.ContentTypeText)
	require.NoError(t, err)

	require.True(t, waitFor(2*time.Second, func() bool {
		st, _ := alice.State()
		return st == StateOpen && alice.cmConnGeneration() > 1
	}), "should reconnect")
	assert.True(t, lost.Load())

	// The rejoin snapshot replays what was missed offline.
	require.True(t, waitFor(time.Second, func() bool {
		return len(alice.Messages.Messages("room1")) == 1
	}))
	assert.Equal(t, "missed me?", alice.Messages.Messages("room1")[0].Content)
}

func TestReconnectGivesUp(t *testing.T) {
	b := newFakeBroker()
	c := newTestClient(t, b, "u1", "alice")
	_, err := c.JoinRoom(context.Background(), "room1")
	require.NoError(t, err)

	b.mu.Lock()
	b.dialErrs = 100 // more than the retry budget
	b.mu.Unlock()
	b.drop("u1")

	require.True(t, waitFor(5*time.Second, func() bool {
		st, lastErr := c.State()
		return st == StateClosed && lastErr != nil
	}))
	_, lastErr := c.State()
	var cerr *ConnectionError
	require.True(t, errors.As(lastErr, &cerr))
	assert.Equal(t, "reconnect", cerr.Op)
}

func TestDisconnectFailsPendingSend(t *testing.T) {
	b := newFakeBroker()
	c := newTestClient(t, b, "u1", "alice")
	_, err := c.JoinRoom(context.Background(), "room1")
	require.NoError(t, err)

	b.mu.Lock()
	b.mute = true
	b.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Messages.Send(context.Background(), "room1", "stuck", model.ContentTypeText)
		errCh <- err
	}()
	time.Sleep(30 * time.Millisecond)
	c.Disconnect()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrClosed))
	case <-time.After(time.Second):
		t.Fatal("send did not unblock on disconnect")
	}
}

func TestDisconnectCancelsRetry(t *testing.T) {
	b := newFakeBroker()
	c := newTestClient(t, b, "u1", "alice")

	b.mu.Lock()
	b.dialErrs = 100
	dialsBefore := b.dials
	b.mu.Unlock()
	b.drop("u1")

	// Catch it mid-backoff and disconnect explicitly.
	require.True(t, waitFor(time.Second, func() bool {
		st, _ := c.State()
		return st == StateConnecting
	}))
	c.Disconnect()

	st, lastErr := c.State()
	assert.Equal(t, StateClosed, st)
	assert.NoError(t, lastErr, "explicit disconnect is not an error")

	// No further dial attempts fire after Disconnect.
	time.Sleep(150 * time.Millisecond)
	b.mu.Lock()
	dialsAfter := b.dials
	b.mu.Unlock()
	assert.LessOrEqual(t, dialsAfter-dialsBefore, 2)
}
