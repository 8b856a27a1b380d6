// Package events is the in-process publish/subscribe channel for sync
// lifecycle events.
package events

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tiendapos/possync/internal/logging"
	"github.com/tiendapos/possync/internal/offline"
)

// Type is one of the closed set of event kinds.
type Type string

const (
	Online       Type = "online"
	Offline      Type = "offline"
	SyncStart    Type = "sync_start"
	SyncComplete Type = "sync_complete"
	SyncError    Type = "sync_error"
	SyncSkipped  Type = "sync_skipped"
	AuthRequired Type = "auth_required"
)

// Types lists every event type.
var Types = []Type{Online, Offline, SyncStart, SyncComplete, SyncError, SyncSkipped, AuthRequired}

// Valid reports whether t belongs to the closed event set.
func (t Type) Valid() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// Event is delivered to subscribers.
type Event struct {
	Type Type      `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// ConnectivityData accompanies online and offline.
type ConnectivityData struct {
	Reason string `json:"reason,omitempty"`
}

// SyncStartData accompanies sync_start.
type SyncStartData struct {
	SessionID string `json:"sessionId"`
	Pending   int    `json:"pending"`
}

// SyncCompleteData accompanies sync_complete.
type SyncCompleteData struct {
	SessionID  string                                    `json:"sessionId"`
	DurationMs int64                                     `json:"durationMs"`
	Success    bool                                      `json:"success"`
	Succeeded  int                                       `json:"succeeded"`
	Failed     int                                       `json:"failed"`
	Conflicts  int                                       `json:"conflicts"`
	Deferred   int                                       `json:"deferred"`
	PerEntity  map[offline.EntityType]offline.SyncResult `json:"perEntity"`
}

// SyncErrorData accompanies sync_error.
type SyncErrorData struct {
	SessionID string `json:"sessionId,omitempty"`
	Kind      string `json:"kind"`
	Error     string `json:"error"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
}

// SyncSkippedData accompanies sync_skipped.
type SyncSkippedData struct {
	Reason string `json:"reason"`
}

// AuthRequiredData accompanies auth_required.
type AuthRequiredData struct {
	Entity     offline.EntityType `json:"entity"`
	MutationID string             `json:"mutationId"`
	Error      string             `json:"error"`
}

// Handler receives events.
type Handler func(Event)

// Publisher is what components need to emit events.
type Publisher interface {
	Publish(t Type, data any)
}

// Notifier fans events out to subscribers synchronously.
type Notifier struct {
	mu     sync.RWMutex
	subs   map[uint64]Handler
	nextID uint64
	clock  offline.Clock
	log    *logrus.Entry
}

// NewNotifier creates a notifier. A nil clock uses the system clock.
func NewNotifier(clock offline.Clock, logger *logrus.Logger) *Notifier {
	if clock == nil {
		clock = offline.SystemClock{}
	}
	return &Notifier{
		subs:  make(map[uint64]Handler),
		clock: clock,
		log:   logging.Component(logger, "events"),
	}
}

// Subscribe registers h and returns a function that removes it.
func (n *Notifier) Subscribe(h Handler) (unsubscribe func()) {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.subs[id] = h
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
		})
	}
}

// Publish delivers an event to every subscriber in subscription order. A
// panicking subscriber is logged and skipped.
func (n *Notifier) Publish(t Type, data any) {
	if !t.Valid() {
		n.log.WithField("type", string(t)).Error("dropping event of unknown type")
		return
	}
	ev := Event{Type: t, Time: n.clock.Now(), Data: data}

	n.mu.RLock()
	ids := make([]uint64, 0, len(n.subs))
	for id := range n.subs {
		ids = append(ids, id)
	}
	handlers := make([]Handler, 0, len(ids))
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		handlers = append(handlers, n.subs[id])
	}
	n.mu.RUnlock()

	for _, h := range handlers {
		n.deliver(h, ev)
	}
}

func (n *Notifier) deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			n.log.WithFields(logrus.Fields{
				"type":  string(ev.Type),
				"panic": fmt.Sprint(r),
			}).Error("event subscriber panicked")
		}
	}()
	h(ev)
}

// Len returns the number of subscribers.
func (n *Notifier) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subs)
}
