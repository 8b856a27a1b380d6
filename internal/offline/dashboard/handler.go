package dashboard

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/tiendapos/possync/internal/offline/events"
)

// Stats are running counters over the events the handler has seen.
type Stats struct {
	Events          map[events.Type]int `json:"events"`
	Online          bool                `json:"online"`
	LastSessionID   string              `json:"lastSessionId,omitempty"`
	LastSuccess     bool                `json:"lastSuccess"`
	LastSyncedCount int                 `json:"lastSyncedCount"`
	AuthRequired    bool                `json:"authRequired"`
}

// Handler bridges notifier events to the WebSocket server.
type Handler struct {
	server *Server

	mu    sync.Mutex
	stats Stats
}

// NewHandler creates a handler broadcasting through server.
func NewHandler(server *Server) *Handler {
	return &Handler{
		server: server,
		stats:  Stats{Events: make(map[events.Type]int)},
	}
}

// Attach subscribes the handler to n.
func (h *Handler) Attach(n *events.Notifier) (detach func()) {
	return n.Subscribe(h.OnEvent)
}

// OnEvent forwards ev to clients and updates the counters. State-changing
// events are followed by a stats message.
func (h *Handler) OnEvent(ev events.Event) {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		h.server.log.WithError(err).Warn("failed to marshal event data")
		return
	}
	h.server.Broadcast(Message{Type: MessageType(ev.Type), Timestamp: ev.Time, Data: data})

	h.mu.Lock()
	h.stats.Events[ev.Type]++
	changed := true
	switch ev.Type {
	case events.Online:
		h.stats.Online = true
	case events.Offline:
		h.stats.Online = false
	case events.SyncComplete:
		if d, ok := ev.Data.(events.SyncCompleteData); ok {
			h.stats.LastSessionID = d.SessionID
			h.stats.LastSuccess = d.Success
			h.stats.LastSyncedCount = d.Succeeded
		}
		h.stats.AuthRequired = false
	case events.SyncError:
		if d, ok := ev.Data.(events.SyncErrorData); ok {
			h.stats.LastSessionID = d.SessionID
		}
		h.stats.LastSuccess = false
	case events.AuthRequired:
		h.stats.AuthRequired = true
	default:
		changed = false
	}
	h.mu.Unlock()

	if changed {
		h.broadcastStats()
	}
}

func (h *Handler) broadcastStats() {
	data, err := json.Marshal(h.GetStats())
	if err != nil {
		h.server.log.WithError(err).Warn("failed to marshal stats")
		return
	}
	h.server.Broadcast(Message{Type: MessageTypeStats, Timestamp: time.Now(), Data: data})
}

// GetStats returns a copy of the current counters.
func (h *Handler) GetStats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.stats
	out.Events = make(map[events.Type]int, len(h.stats.Events))
	for k, v := range h.stats.Events {
		out.Events[k] = v
	}
	return out
}
