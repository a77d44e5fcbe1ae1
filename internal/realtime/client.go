package realtime

import (
	"context"
	"time"

	"github.com/heartline/internal/model"
)

// Options tunes the client's timers. Zero values take the defaults; tests
// shrink them to keep runs fast.
type Options struct {
	// UserID identifies the local user for self-exclusion in typing and
	// reaction confirmation. Must match the authenticated token.
	UserID string

	SendTimeout   time.Duration
	TypingTimeout time.Duration
	TypingSweep   time.Duration
	Heartbeat     time.Duration
	TouchTTL      time.Duration
	BackoffUnit   time.Duration
	MaxReconnects int
}

// Client is the facade over the sync layer: one connection, refcounted room
// channels and the per-concern components behind them.
type Client struct {
	cm  *ConnManager
	reg *Registry

	Messages  *MessageSync
	Typing    *TypingCoordinator
	Reactions *ReactionAggregator
	Presence  *PresenceTracker
	Touches   *TouchRelay
}

// NewClient wires the sync layer over a transport dialer.
func NewClient(dialer Dialer, opts Options) *Client {
	cm := NewConnManager(dialer)
	if opts.BackoffUnit > 0 || opts.MaxReconnects > 0 {
		cm.SetBackoff(opts.BackoffUnit, opts.MaxReconnects)
	}
	reg := NewRegistry(cm)

	c := &Client{
		cm:        cm,
		reg:       reg,
		Messages:  NewMessageSync(reg),
		Typing:    NewTypingCoordinator(reg, opts.UserID, opts.TypingTimeout, opts.TypingSweep),
		Reactions: NewReactionAggregator(reg, opts.UserID),
		Presence:  NewPresenceTracker(reg, opts.Heartbeat),
		Touches:   NewTouchRelay(reg, opts.TouchTTL),
	}
	if opts.SendTimeout > 0 {
		c.Messages.SetSendTimeout(opts.SendTimeout)
	}
	reg.setOnRelease(func(roomID string) {
		msgs := c.Messages.Messages(roomID)
		ids := make([]string, len(msgs))
		for i, m := range msgs {
			ids[i] = m.ID
		}
		c.Messages.Untrack(roomID)
		c.Reactions.Forget(ids)
	})
	return c
}

// Connect establishes the connection with the given auth token.
func (c *Client) Connect(ctx context.Context, token string) error {
	return c.cm.Connect(ctx, token)
}

// Disconnect tears down the connection and cancels pending operations. Local
// timelines and room registrations stay so a later Connect can resume.
func (c *Client) Disconnect() {
	c.cm.Disconnect()
	c.reg.Reset()
}

// State returns the connection state and the last connection error.
func (c *Client) State() (State, error) {
	return c.cm.State()
}

// OnStateChange registers a connection state observer.
func (c *Client) OnStateChange(fn func(State, error)) func() {
	return c.cm.OnStateChange(fn)
}

// JoinRoom opens (or references) a channel to the room. The first join per
// room seeds message history, reactions and member presence from the server
// snapshot. Warning on the result means the channel works but part of the
// snapshot is missing.
func (c *Client) JoinRoom(ctx context.Context, roomID string) (*JoinResult, error) {
	res, first, err := c.reg.Join(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if first {
		c.Messages.Track(roomID, res.Messages)
		c.Reactions.Seed(res.Messages)
		c.Presence.Seed(res.Members)
	}
	return res, nil
}

// LeaveRoom drops one reference to the room's channel. The last reference
// closes it and discards the room's local timeline.
func (c *Client) LeaveRoom(roomID string) {
	c.reg.Leave(roomID)
}

// Joined reports whether a channel to the room is open.
func (c *Client) Joined(roomID string) bool {
	return c.reg.Joined(roomID)
}

// OnConnectionLost registers fn to run when the connection drops and the
// client starts reconnecting.
func (c *Client) OnConnectionLost(fn func()) func() {
	return c.cm.OnStateChange(func(s State, _ error) {
		if s == StateConnecting {
			fn()
		}
	})
}

// Close shuts the client down for good.
func (c *Client) Close() {
	c.cm.Disconnect()
	c.reg.Reset()
	c.Messages.Close()
	c.Typing.Close()
	c.Reactions.Close()
	c.Presence.Close()
	c.Touches.Close()
}

// Self returns the locally published presence status.
func (c *Client) Self() model.PresenceStatus {
	return c.Presence.Self()
}
