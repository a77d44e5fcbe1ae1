package realtime

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed: операция на закрытом соединении.
	ErrClosed = errors.New("connection closed")
	// ErrTimeout: операция не уложилась в срок. Оборачивается в SendError или
	// ConnectionError, проверяется через errors.Is.
	ErrTimeout = errors.New("operation timed out")
)

// ConnectionError reports a failed transport handshake or an unexpected drop.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("realtime: connection %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ChannelError reports a failed room subscription. Fatal marks errors where a
// retry will not help (unknown room, not a member).
type ChannelError struct {
	RoomID string
	Code   string
	Reason string
	Fatal  bool
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("realtime: channel %s: %s (%s)", e.RoomID, e.Reason, e.Code)
}

// SendError reports a rejected or lost publish (message, reaction, typing).
type SendError struct {
	Ref    string
	Code   string
	Reason string
	Err    error
}

func (e *SendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("realtime: send %s: %v", e.Ref, e.Err)
	}
	return fmt.Sprintf("realtime: send %s: %s (%s)", e.Ref, e.Reason, e.Code)
}

func (e *SendError) Unwrap() error { return e.Err }
