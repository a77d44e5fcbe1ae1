package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/heartline/internal/event"
	"github.com/heartline/internal/logger"
	"github.com/heartline/internal/model"
)

const defaultTouchTTL = 1400 * time.Millisecond

// TouchRelay carries ephemeral touch coordinates between room peers. Points
// are never persisted: each incoming point lives locally for a short TTL and
// then vanishes. Outgoing sends are fire-and-forget.
type TouchRelay struct {
	mu sync.Mutex

	reg *Registry
	ttl time.Duration

	// points is keyed by room, then by user: only the latest point per peer.
	points map[string]map[string]model.TouchPoint
	timers map[string]map[string]*time.Timer

	observers map[int]func(roomID string)
	obsNext   int
	disposers []func()
}

func NewTouchRelay(reg *Registry, ttl time.Duration) *TouchRelay {
	if ttl <= 0 {
		ttl = defaultTouchTTL
	}
	r := &TouchRelay{
		reg:       reg,
		ttl:       ttl,
		points:    make(map[string]map[string]model.TouchPoint),
		timers:    make(map[string]map[string]*time.Timer),
		observers: make(map[int]func(string)),
	}
	r.disposers = append(r.disposers, reg.OnTouch(r.onTouch))
	return r
}

// SendTouch publishes one coordinate. Loss is acceptable, errors only logged.
func (r *TouchRelay) SendTouch(ctx context.Context, roomID string, x, y float64) {
	ev := event.ClientEvent{Type: event.TypeTouch, RoomID: roomID, X: x, Y: y}
	if err := r.reg.cm.Send(ctx, ev); err != nil {
		logger.Debugf("realtime: touch dropped: %v", err)
	}
}

// Active returns the touch points currently alive in the room.
func (r *TouchRelay) Active(roomID string) []model.TouchPoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	byUser := r.points[roomID]
	if len(byUser) == 0 {
		return nil
	}
	out := make([]model.TouchPoint, 0, len(byUser))
	for _, pt := range byUser {
		out = append(out, pt)
	}
	return out
}

// OnChange registers an observer called when a room's touch set changes.
func (r *TouchRelay) OnChange(fn func(roomID string)) func() {
	r.mu.Lock()
	id := r.obsNext
	r.obsNext++
	r.observers[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.observers, id)
		r.mu.Unlock()
	}
}

func (r *TouchRelay) onTouch(p event.TouchPayload) {
	r.mu.Lock()
	byUser, ok := r.points[p.RoomID]
	if !ok {
		byUser = make(map[string]model.TouchPoint)
		r.points[p.RoomID] = byUser
		r.timers[p.RoomID] = make(map[string]*time.Timer)
	}
	byUser[p.UserID] = model.TouchPoint{RoomID: p.RoomID, UserID: p.UserID, X: p.X, Y: p.Y, SentAt: time.Now()}

	// Новая точка того же пользователя сдвигает таймер, старая точка замещается.
	if old, ok := r.timers[p.RoomID][p.UserID]; ok {
		old.Stop()
	}
	roomID, userID := p.RoomID, p.UserID
	r.timers[roomID][userID] = time.AfterFunc(r.ttl, func() { r.expire(roomID, userID) })
	r.mu.Unlock()
	r.notify(p.RoomID)
}

func (r *TouchRelay) expire(roomID, userID string) {
	r.mu.Lock()
	byUser, ok := r.points[roomID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if _, had := byUser[userID]; !had {
		r.mu.Unlock()
		return
	}
	delete(byUser, userID)
	delete(r.timers[roomID], userID)
	if len(byUser) == 0 {
		delete(r.points, roomID)
		delete(r.timers, roomID)
	}
	r.mu.Unlock()
	r.notify(roomID)
}

func (r *TouchRelay) notify(roomID string) {
	r.mu.Lock()
	fns := make([]func(string), 0, len(r.observers))
	for _, fn := range r.observers {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(roomID)
	}
}

// Reset cancels all TTL timers and clears points.
func (r *TouchRelay) Reset() {
	r.mu.Lock()
	for _, byUser := range r.timers {
		for _, t := range byUser {
			t.Stop()
		}
	}
	r.points = make(map[string]map[string]model.TouchPoint)
	r.timers = make(map[string]map[string]*time.Timer)
	r.mu.Unlock()
}

// Close unsubscribes from the registry.
func (r *TouchRelay) Close() {
	for _, d := range r.disposers {
		d()
	}
	r.Reset()
}
