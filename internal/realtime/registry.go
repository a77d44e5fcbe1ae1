package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/heartline/internal/event"
	"github.com/heartline/internal/logger"
	"github.com/heartline/internal/model"
)

// JoinResult is the server snapshot delivered on joining a room.
type JoinResult struct {
	RoomID string
	// Warning is set when the join succeeded but part of the snapshot
	// (history, presence) could not be loaded.
	Warning  string
	Members  []model.PresenceRecord
	Messages []model.Message
}

type roomChannel struct {
	refs int
	// ready closes once the room_joined snapshot lands, so concurrent joins
	// of the same room share one round trip.
	ready  chan struct{}
	result *JoinResult
	err    error
}

type waiterResult struct {
	payload json.RawMessage
	err     error
}

// Registry multiplexes the single connection into per-room channels. It keeps
// a refcount per room so independent screens can join the same room without
// duplicate server traffic, routes snapshot and ack replies back to the caller
// that is waiting on them, and fans events out to subscribers.
type Registry struct {
	mu sync.Mutex

	cm    *ConnManager
	rooms map[string]*roomChannel
	// waiters holds one pending reply slot per correlation key: the room id
	// for joins, the message id for sends, "del:"+id for deletes.
	waiters map[string]chan waiterResult

	// onRelease runs when a room's refcount drops to zero.
	onRelease func(roomID string)

	msgSubs      map[int]func(model.Message)
	delSubs      map[int]func(event.MessageDeletedPayload)
	reactSubs    map[int]func(event.Type, event.ReactionPayload)
	typingSubs   map[int]func(event.TypingPayload)
	typingStops  map[int]func(event.TypingStopPayload)
	touchSubs    map[int]func(event.TouchPayload)
	presenceSubs map[int]func(model.PresenceRecord)
	errSubs      map[int]func(event.ErrorPayload)
	subNext      int
}

func NewRegistry(cm *ConnManager) *Registry {
	r := &Registry{
		cm:           cm,
		rooms:        make(map[string]*roomChannel),
		waiters:      make(map[string]chan waiterResult),
		msgSubs:      make(map[int]func(model.Message)),
		delSubs:      make(map[int]func(event.MessageDeletedPayload)),
		reactSubs:    make(map[int]func(event.Type, event.ReactionPayload)),
		typingSubs:   make(map[int]func(event.TypingPayload)),
		typingStops:  make(map[int]func(event.TypingStopPayload)),
		touchSubs:    make(map[int]func(event.TouchPayload)),
		presenceSubs: make(map[int]func(model.PresenceRecord)),
		errSubs:      make(map[int]func(event.ErrorPayload)),
	}
	cm.setHandler(r.dispatch)
	cm.setOnOpen(func(resumed bool) {
		if resumed {
			r.rejoin()
		}
	})
	return r
}

func (r *Registry) setOnRelease(fn func(roomID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRelease = fn
}

// Join acquires a channel to the room. The first caller triggers the server
// round trip; later callers bump the refcount and share the cached snapshot.
// first reports whether this call opened the channel.
func (r *Registry) Join(ctx context.Context, roomID string) (res *JoinResult, first bool, err error) {
	r.mu.Lock()
	ch, ok := r.rooms[roomID]
	if ok {
		ch.refs++
		ready := ch.ready
		r.mu.Unlock()
		select {
		case <-ready:
		case <-ctx.Done():
			r.release(roomID)
			return nil, false, ctx.Err()
		}
		r.mu.Lock()
		res, err = ch.result, ch.err
		r.mu.Unlock()
		if err != nil {
			r.release(roomID)
			return nil, false, err
		}
		return res, false, nil
	}

	ch = &roomChannel{refs: 1, ready: make(chan struct{})}
	r.rooms[roomID] = ch
	r.mu.Unlock()

	res, err = r.sendJoin(ctx, roomID)

	r.mu.Lock()
	ch.result, ch.err = res, err
	close(ch.ready)
	r.mu.Unlock()

	if err != nil {
		r.release(roomID)
		return nil, false, err
	}
	return res, true, nil
}

func (r *Registry) sendJoin(ctx context.Context, roomID string) (*JoinResult, error) {
	reply := r.addWaiter(roomID)
	defer r.removeWaiter(roomID)

	ev := event.ClientEvent{Type: event.TypeJoinRoom, RoomID: roomID}
	if err := r.cm.Send(ctx, ev); err != nil {
		return nil, &ChannelError{RoomID: roomID, Code: event.CodeInternal, Reason: err.Error()}
	}

	select {
	case res := <-reply:
		if res.err != nil {
			return nil, res.err
		}
		var p event.RoomJoinedPayload
		if err := json.Unmarshal(res.payload, &p); err != nil {
			return nil, &ChannelError{RoomID: roomID, Code: event.CodeInternal, Reason: "malformed snapshot"}
		}
		return &JoinResult{RoomID: roomID, Warning: p.Warning, Members: p.Members, Messages: p.Messages}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Leave drops one reference. At zero the channel closes and the server is told.
func (r *Registry) Leave(roomID string) {
	r.release(roomID)
}

func (r *Registry) release(roomID string) {
	r.mu.Lock()
	ch, ok := r.rooms[roomID]
	if !ok {
		r.mu.Unlock()
		return
	}
	ch.refs--
	if ch.refs > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.rooms, roomID)
	onRelease := r.onRelease
	r.mu.Unlock()

	if onRelease != nil {
		onRelease(roomID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.cm.Send(ctx, event.ClientEvent{Type: event.TypeLeaveRoom, RoomID: roomID}); err != nil {
		logger.Debugf("realtime: leave %s not delivered: %v", roomID, err)
	}
}

// Joined reports whether a channel to the room is currently open.
func (r *Registry) Joined(roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rooms[roomID]
	return ok
}

// rejoin re-announces every open room after a reconnect. Snapshots arriving in
// response flow through dispatch like any other room_joined event.
func (r *Registry) rejoin() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := r.cm.Send(ctx, event.ClientEvent{Type: event.TypeJoinRoom, RoomID: id})
		cancel()
		if err != nil {
			logger.Errorf("realtime: rejoin %s failed: %v", id, err)
		}
	}
}

// Reset fails all pending waiters and is called when the connection is torn
// down for good. Open rooms stay registered so a later reconnect can rejoin.
func (r *Registry) Reset() {
	r.mu.Lock()
	for key, ch := range r.waiters {
		select {
		case ch <- waiterResult{err: ErrClosed}:
		default:
		}
		delete(r.waiters, key)
	}
	r.mu.Unlock()
}

func (r *Registry) addWaiter(key string) chan waiterResult {
	ch := make(chan waiterResult, 1)
	r.mu.Lock()
	r.waiters[key] = ch
	r.mu.Unlock()
	return ch
}

func (r *Registry) removeWaiter(key string) {
	r.mu.Lock()
	delete(r.waiters, key)
	r.mu.Unlock()
}

// resolveWaiter hands a reply to whoever is blocked on key. Returns false when
// nobody is waiting.
func (r *Registry) resolveWaiter(key string, res waiterResult) bool {
	r.mu.Lock()
	ch, ok := r.waiters[key]
	if ok {
		delete(r.waiters, key)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- res:
	default:
	}
	return true
}

// dispatch is the single inbound event handler. It runs on the connection's
// read goroutine, so handlers observe events in wire order.
func (r *Registry) dispatch(ev event.ServerEvent) {
	switch ev.Type {
	case event.TypeRoomJoined:
		var p event.RoomJoinedPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			logger.Errorf("realtime: bad room_joined payload: %v", err)
			return
		}
		if r.resolveWaiter(p.RoomID, waiterResult{payload: ev.Payload}) {
			return
		}
		// No waiter: this is a rejoin snapshot after a reconnect. Replay it
		// through the subscribers so the timeline catches up on what was
		// missed offline. Dedupe downstream makes the replay idempotent.
		for _, msg := range p.Messages {
			for _, fn := range r.messageSubs() {
				fn(msg)
			}
		}
		for _, rec := range p.Members {
			for _, fn := range r.presenceFns() {
				fn(rec)
			}
		}

	case event.TypeRoomLeft:
		// Ack only. Local state was already released.

	case event.TypeNewMessage:
		var msg model.Message
		if err := json.Unmarshal(ev.Payload, &msg); err != nil {
			logger.Errorf("realtime: bad new_message payload: %v", err)
			return
		}
		// Resolve a pending send first: the echo is the delivery ack.
		r.resolveWaiter(msg.ID, waiterResult{payload: ev.Payload})
		for _, fn := range r.messageSubs() {
			fn(msg)
		}

	case event.TypeMessageDeleted:
		var p event.MessageDeletedPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			logger.Errorf("realtime: bad message_deleted payload: %v", err)
			return
		}
		r.resolveWaiter("del:"+p.MessageID, waiterResult{payload: ev.Payload})
		for _, fn := range r.deletedSubs() {
			fn(p)
		}

	case event.TypeReactionAdded, event.TypeReactionRemoved:
		var p event.ReactionPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			logger.Errorf("realtime: bad reaction payload: %v", err)
			return
		}
		for _, fn := range r.reactionSubs() {
			fn(ev.Type, p)
		}

	case event.TypeTyping:
		var p event.TypingPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return
		}
		for _, fn := range r.typingStartSubs() {
			fn(p)
		}

	case event.TypeTypingStop:
		var p event.TypingStopPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return
		}
		for _, fn := range r.typingStopSubs() {
			fn(p)
		}

	case event.TypeTouch:
		var p event.TouchPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return
		}
		for _, fn := range r.touchFns() {
			fn(p)
		}

	case event.TypePresence:
		var rec model.PresenceRecord
		if err := json.Unmarshal(ev.Payload, &rec); err != nil {
			return
		}
		for _, fn := range r.presenceFns() {
			fn(rec)
		}

	case event.TypeError:
		var p event.ErrorPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			logger.Errorf("realtime: bad error payload: %v", err)
			return
		}
		r.routeError(p)

	default:
		logger.Debugf("realtime: unknown event type %q", ev.Type)
	}
}

// routeError matches a server error to the operation that caused it via Ref:
// a join waiter (room id), a send waiter (message id) or a delete waiter.
// Unmatched errors go to error subscribers.
func (r *Registry) routeError(p event.ErrorPayload) {
	if p.Ref != "" {
		err := &ChannelError{RoomID: p.Ref, Code: p.Code, Reason: p.Reason, Fatal: p.Fatal}
		if r.resolveWaiter(p.Ref, waiterResult{err: err}) {
			return
		}
		serr := &SendError{Ref: p.Ref, Code: p.Code, Reason: p.Reason}
		if r.resolveWaiter("del:"+p.Ref, waiterResult{err: serr}) {
			return
		}
	}
	for _, fn := range r.errorFns() {
		fn(p)
	}
}

// Subscriptions. Each returns a disposer.

func (r *Registry) OnMessage(fn func(model.Message)) func() {
	return r.subscribe(func(id int) { r.msgSubs[id] = fn }, func(id int) { delete(r.msgSubs, id) })
}

func (r *Registry) OnMessageDeleted(fn func(event.MessageDeletedPayload)) func() {
	return r.subscribe(func(id int) { r.delSubs[id] = fn }, func(id int) { delete(r.delSubs, id) })
}

func (r *Registry) OnReaction(fn func(event.Type, event.ReactionPayload)) func() {
	return r.subscribe(func(id int) { r.reactSubs[id] = fn }, func(id int) { delete(r.reactSubs, id) })
}

func (r *Registry) OnTyping(fn func(event.TypingPayload)) func() {
	return r.subscribe(func(id int) { r.typingSubs[id] = fn }, func(id int) { delete(r.typingSubs, id) })
}

func (r *Registry) OnTypingStop(fn func(event.TypingStopPayload)) func() {
	return r.subscribe(func(id int) { r.typingStops[id] = fn }, func(id int) { delete(r.typingStops, id) })
}

func (r *Registry) OnTouch(fn func(event.TouchPayload)) func() {
	return r.subscribe(func(id int) { r.touchSubs[id] = fn }, func(id int) { delete(r.touchSubs, id) })
}

func (r *Registry) OnPresence(fn func(model.PresenceRecord)) func() {
	return r.subscribe(func(id int) { r.presenceSubs[id] = fn }, func(id int) { delete(r.presenceSubs, id) })
}

func (r *Registry) OnError(fn func(event.ErrorPayload)) func() {
	return r.subscribe(func(id int) { r.errSubs[id] = fn }, func(id int) { delete(r.errSubs, id) })
}

func (r *Registry) subscribe(add func(id int), del func(id int)) func() {
	r.mu.Lock()
	id := r.subNext
	r.subNext++
	add(id)
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		del(id)
		r.mu.Unlock()
	}
}

func (r *Registry) messageSubs() []func(model.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]func(model.Message), 0, len(r.msgSubs))
	for _, fn := range r.msgSubs {
		out = append(out, fn)
	}
	return out
}

func (r *Registry) deletedSubs() []func(event.MessageDeletedPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]func(event.MessageDeletedPayload), 0, len(r.delSubs))
	for _, fn := range r.delSubs {
		out = append(out, fn)
	}
	return out
}

func (r *Registry) reactionSubs() []func(event.Type, event.ReactionPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]func(event.Type, event.ReactionPayload), 0, len(r.reactSubs))
	for _, fn := range r.reactSubs {
		out = append(out, fn)
	}
	return out
}

func (r *Registry) typingStartSubs() []func(event.TypingPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]func(event.TypingPayload), 0, len(r.typingSubs))
	for _, fn := range r.typingSubs {
		out = append(out, fn)
	}
	return out
}

func (r *Registry) typingStopSubs() []func(event.TypingStopPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]func(event.TypingStopPayload), 0, len(r.typingStops))
	for _, fn := range r.typingStops {
		out = append(out, fn)
	}
	return out
}

func (r *Registry) touchFns() []func(event.TouchPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]func(event.TouchPayload), 0, len(r.touchSubs))
	for _, fn := range r.touchSubs {
		out = append(out, fn)
	}
	return out
}

func (r *Registry) presenceFns() []func(model.PresenceRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]func(model.PresenceRecord), 0, len(r.presenceSubs))
	for _, fn := range r.presenceSubs {
		out = append(out, fn)
	}
	return out
}

func (r *Registry) errorFns() []func(event.ErrorPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]func(event.ErrorPayload), 0, len(r.errSubs))
	for _, fn := range r.errSubs {
		out = append(out, fn)
	}
	return out
}
