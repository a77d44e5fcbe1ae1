package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/heartline/internal/event"
	"github.com/heartline/internal/logger"
	"github.com/heartline/internal/model"
)

const defaultHeartbeat = 30 * time.Second

// PresenceTracker publishes the local user's status and mirrors what the
// server broadcasts about peers. While the local status is online a heartbeat
// keeps last_seen fresh; setting away or offline stops it. A missing heartbeat
// never flips a peer's status here: transitions come only from the peer or
// from the server noticing its connection dropped.
type PresenceTracker struct {
	mu sync.Mutex

	reg       *Registry
	heartbeat time.Duration

	self    model.PresenceStatus
	records map[string]model.PresenceRecord

	// hbStop exists only while the heartbeat goroutine runs.
	hbStop chan struct{}

	observers map[int]func(userID string)
	obsNext   int
	disposers []func()
}

func NewPresenceTracker(reg *Registry, heartbeat time.Duration) *PresenceTracker {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	t := &PresenceTracker{
		reg:       reg,
		heartbeat: heartbeat,
		self:      model.StatusOffline,
		records:   make(map[string]model.PresenceRecord),
		observers: make(map[int]func(string)),
	}
	t.disposers = append(t.disposers, reg.OnPresence(t.onPresence))
	return t
}

// SetStatus publishes the local status. Going online starts the heartbeat,
// leaving online stops it.
func (t *PresenceTracker) SetStatus(ctx context.Context, status model.PresenceStatus) error {
	ev := event.ClientEvent{Type: event.TypePresence, Status: status}
	if err := t.reg.cm.Send(ctx, ev); err != nil {
		return err
	}

	t.mu.Lock()
	t.self = status
	if status == model.StatusOnline {
		if t.hbStop == nil {
			t.hbStop = make(chan struct{})
			go t.beat(t.hbStop)
		}
	} else if t.hbStop != nil {
		close(t.hbStop)
		t.hbStop = nil
	}
	t.mu.Unlock()
	return nil
}

// Self returns the status the local user last published.
func (t *PresenceTracker) Self() model.PresenceStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.self
}

// Status returns the last known status of a user, offline when never seen.
func (t *PresenceTracker) Status(userID string) model.PresenceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.records[userID]; ok {
		return rec
	}
	return model.PresenceRecord{UserID: userID, Status: model.StatusOffline}
}

// Seed loads peer statuses from a join snapshot.
func (t *PresenceTracker) Seed(members []model.PresenceRecord) {
	t.mu.Lock()
	for _, rec := range members {
		t.records[rec.UserID] = rec
	}
	t.mu.Unlock()
	for _, rec := range members {
		t.notify(rec.UserID)
	}
}

// OnChange registers an observer called when a user's presence changes.
func (t *PresenceTracker) OnChange(fn func(userID string)) func() {
	t.mu.Lock()
	id := t.obsNext
	t.obsNext++
	t.observers[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.observers, id)
		t.mu.Unlock()
	}
}

func (t *PresenceTracker) onPresence(rec model.PresenceRecord) {
	t.mu.Lock()
	t.records[rec.UserID] = rec
	t.mu.Unlock()
	t.notify(rec.UserID)
}

// beat republishes the online status periodically so last_seen stays fresh.
func (t *PresenceTracker) beat(stop chan struct{}) {
	ticker := time.NewTicker(t.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			ev := event.ClientEvent{Type: event.TypePresence, Status: model.StatusOnline}
			if err := t.reg.cm.Send(ctx, ev); err != nil {
				logger.Debugf("realtime: heartbeat dropped: %v", err)
			}
			cancel()
		case <-stop:
			return
		}
	}
}

func (t *PresenceTracker) notify(userID string) {
	t.mu.Lock()
	fns := make([]func(string), 0, len(t.observers))
	for _, fn := range t.observers {
		fns = append(fns, fn)
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn(userID)
	}
}

// Reset stops the heartbeat and clears peer state.
func (t *PresenceTracker) Reset() {
	t.mu.Lock()
	if t.hbStop != nil {
		close(t.hbStop)
		t.hbStop = nil
	}
	t.self = model.StatusOffline
	t.records = make(map[string]model.PresenceRecord)
	t.mu.Unlock()
}

// Close unsubscribes from the registry and stops the heartbeat.
func (t *PresenceTracker) Close() {
	for _, d := range t.disposers {
		d()
	}
	t.Reset()
}
