package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/heartline/internal/event"
	"github.com/heartline/internal/logger"
)

// State is the connection lifecycle state.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

const (
	defaultBackoffUnit = time.Second
	defaultMaxAttempts = 5
	defaultDialTimeout = 10 * time.Second
)

// ConnManager owns the single logical connection to the sync server. It tracks
// connection state, reconnects with bounded backoff after a drop and surfaces
// state changes to observers. Background retry failures never propagate as
// errors to unrelated callers; they only update observable state.
type ConnManager struct {
	mu sync.Mutex

	dialer      Dialer
	backoffUnit time.Duration
	maxAttempts int
	dialTimeout time.Duration

	state   State
	lastErr error
	conn    Conn
	token   string
	// closed marks an explicit Disconnect: no reconnects until next Connect.
	closed bool
	// gen guards stale read loops after a reconnect.
	gen        int
	retryTimer *time.Timer

	handler func(event.ServerEvent)
	onOpen  func(resumed bool)

	obs     map[int]func(State, error)
	obsNext int
}

func NewConnManager(dialer Dialer) *ConnManager {
	return &ConnManager{
		dialer:      dialer,
		backoffUnit: defaultBackoffUnit,
		maxAttempts: defaultMaxAttempts,
		dialTimeout: defaultDialTimeout,
		state:       StateClosed,
		closed:      true,
		obs:         make(map[int]func(State, error)),
	}
}

// SetBackoff overrides the reconnect policy (attempt × unit, up to maxAttempts).
func (m *ConnManager) SetBackoff(unit time.Duration, maxAttempts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if unit > 0 {
		m.backoffUnit = unit
	}
	if maxAttempts > 0 {
		m.maxAttempts = maxAttempts
	}
}

// setHandler registers the single inbound event consumer (the room registry).
// Events are delivered sequentially from one goroutine: a handler finishes its
// state mutation before the next event is dispatched.
func (m *ConnManager) setHandler(h func(event.ServerEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// setOnOpen registers the hook invoked after every successful (re)connect.
// resumed is false for the initial Connect, true after an automatic reconnect.
func (m *ConnManager) setOnOpen(fn func(resumed bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOpen = fn
}

// State returns the current state and the last connection error, if any.
func (m *ConnManager) State() (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.lastErr
}

// OnStateChange registers an observer; the returned func unsubscribes it.
func (m *ConnManager) OnStateChange(fn func(State, error)) func() {
	m.mu.Lock()
	id := m.obsNext
	m.obsNext++
	m.obs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.obs, id)
		m.mu.Unlock()
	}
}

// Connect establishes the transport. Returns once the handshake completes or
// fails with a ConnectionError. Calling Connect while already connecting or
// connected is a no-op.
func (m *ConnManager) Connect(ctx context.Context, token string) error {
	m.mu.Lock()
	if m.state != StateClosed {
		m.mu.Unlock()
		return nil
	}
	m.closed = false
	m.token = token
	m.setStateLocked(StateConnecting, nil)
	m.mu.Unlock()
	m.notifyState()

	conn, err := m.dialer.Dial(ctx, token)
	if err != nil {
		cerr := &ConnectionError{Op: "connect", Err: err}
		m.mu.Lock()
		m.closed = true
		m.setStateLocked(StateClosed, cerr)
		m.mu.Unlock()
		m.notifyState()
		return cerr
	}

	m.mu.Lock()
	if m.closed {
		// Disconnect raced the handshake: drop the fresh connection.
		m.mu.Unlock()
		conn.Close()
		return &ConnectionError{Op: "connect", Err: ErrClosed}
	}
	m.conn = conn
	m.gen++
	gen := m.gen
	onOpen := m.onOpen
	m.setStateLocked(StateOpen, nil)
	m.mu.Unlock()
	m.notifyState()

	go m.readLoop(conn, gen)
	if onOpen != nil {
		onOpen(false)
	}
	return nil
}

// Disconnect tears the transport down. Always succeeds locally and cancels any
// reconnect pending mid-backoff.
func (m *ConnManager) Disconnect() {
	m.mu.Lock()
	m.closed = true
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	conn := m.conn
	m.conn = nil
	m.token = ""
	changed := m.state != StateClosed
	m.setStateLocked(StateClosed, nil)
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if changed {
		m.notifyState()
	}
}

// Send publishes a command over the current connection.
func (m *ConnManager) Send(ctx context.Context, ev event.ClientEvent) error {
	m.mu.Lock()
	conn := m.conn
	open := m.state == StateOpen
	m.mu.Unlock()
	if !open || conn == nil {
		return &SendError{Ref: string(ev.Type), Err: ErrClosed}
	}
	if err := conn.Send(ctx, ev); err != nil {
		return &SendError{Ref: string(ev.Type), Err: err}
	}
	return nil
}

// readLoop drains one connection's events. When the channel closes the
// transport is gone: schedule reconnect unless Disconnect was explicit.
func (m *ConnManager) readLoop(conn Conn, gen int) {
	for ev := range conn.Events() {
		m.mu.Lock()
		h := m.handler
		stale := m.gen != gen
		m.mu.Unlock()
		if stale {
			return
		}
		if h != nil {
			h(ev)
		}
	}

	m.mu.Lock()
	if m.gen != gen || m.closed {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.setStateLocked(StateConnecting, nil)
	m.mu.Unlock()
	m.notifyState()
	logger.Infof("realtime: connection lost, reconnecting")
	m.scheduleReconnect(1)
}

func (m *ConnManager) scheduleReconnect(attempt int) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	delay := time.Duration(attempt) * m.backoffUnit
	m.retryTimer = time.AfterFunc(delay, func() { m.tryReconnect(attempt) })
	m.mu.Unlock()
}

func (m *ConnManager) tryReconnect(attempt int) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	token := m.token
	timeout := m.dialTimeout
	maxAttempts := m.maxAttempts
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	conn, err := m.dialer.Dial(ctx, token)
	cancel()
	if err != nil {
		if attempt >= maxAttempts {
			cerr := &ConnectionError{Op: "reconnect", Err: err}
			m.mu.Lock()
			m.closed = true
			m.setStateLocked(StateClosed, cerr)
			m.mu.Unlock()
			m.notifyState()
			logger.Errorf("realtime: reconnect gave up after %d attempts: %v", attempt, err)
			return
		}
		logger.Infof("realtime: reconnect attempt %d failed: %v", attempt, err)
		m.scheduleReconnect(attempt + 1)
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.conn = conn
	m.gen++
	gen := m.gen
	onOpen := m.onOpen
	m.setStateLocked(StateOpen, nil)
	m.mu.Unlock()
	m.notifyState()

	go m.readLoop(conn, gen)
	if onOpen != nil {
		onOpen(true)
	}
}

func (m *ConnManager) setStateLocked(s State, err error) {
	m.state = s
	m.lastErr = err
}

// notifyState calls observers outside the lock so they may call back in.
func (m *ConnManager) notifyState() {
	m.mu.Lock()
	state := m.state
	err := m.lastErr
	fns := make([]func(State, error), 0, len(m.obs))
	for _, fn := range m.obs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(state, err)
	}
}
