// Package realtime is the client-side synchronization core: it joins per-room
// channels, publishes and receives message, reaction, typing, presence and
// touch events, and reconciles them into observable per-client state. All
// network access goes through the Conn/Dialer abstraction; the concrete
// WebSocket transport lives in wstransport.go.
package realtime

import (
	"context"

	"github.com/heartline/internal/event"
)

// Conn is one established bidirectional connection to the sync server.
type Conn interface {
	// Send publishes a command. Blocks until written or ctx expires.
	Send(ctx context.Context, ev event.ClientEvent) error
	// Events returns the inbound event stream. The channel is closed when the
	// connection dies, whatever the cause.
	Events() <-chan event.ServerEvent
	Close() error
}

// Dialer establishes connections; the credential token comes from the auth
// collaborator, the core never inspects it.
type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, token string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, token string) (Conn, error) {
	return f(ctx, token)
}
