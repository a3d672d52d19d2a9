package registry

import (
	"time"

	"go.uber.org/zap"

	"github.com/whisper/relay/internal/metrics"
	"github.com/whisper/relay/internal/protocol"
)

// EventKind names a registry event.
type EventKind string

const (
	EventSessionOpened EventKind = "session_opened"
	EventSessionClosed EventKind = "session_closed"
	EventStatusChanged EventKind = "status_changed"
	EventMessage       EventKind = "message"

	// EventPresenceRefresh periodically carries the whole roster so
	// observers can renew state that expires.
	EventPresenceRefresh EventKind = "presence_refresh"
)

// Event describes a change in the registry. Message is set only for
// EventMessage; Status only for EventSessionOpened and EventStatusChanged;
// Users only for EventPresenceRefresh, which has no ClientID.
type Event struct {
	Kind     EventKind             `json:"kind"`
	ClientID string                `json:"client_id,omitempty"`
	Status   protocol.Status       `json:"status,omitempty"`
	Message  *protocol.ChatMessage `json:"message,omitempty"`
	Users    []protocol.UserStatus `json:"users,omitempty"`
	At       time.Time             `json:"at"`
}

// Observer receives registry events. Observe is called from a single
// goroutine, never while the registry lock is held, so it may block on I/O.
type Observer interface {
	Observe(ev Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ev Event)

// Observe calls f(ev).
func (f ObserverFunc) Observe(ev Event) { f(ev) }

// notifyLocked queues ev without blocking; a full queue drops it.
func (r *Registry) notifyLocked(ev Event) {
	if r.closed || len(r.observers) == 0 {
		return
	}
	if ev.At.IsZero() {
		ev.At = r.now()
	}
	select {
	case r.events <- ev:
	default:
		metrics.EventsDropped.Inc()
		r.log.Warn("observer queue full, dropping event",
			zap.String("kind", string(ev.Kind)),
			zap.String("client_id", ev.ClientID))
	}
}

func (r *Registry) pump() {
	defer close(r.pumpDone)
	for ev := range r.events {
		for _, o := range r.observers {
			o.Observe(ev)
		}
	}
}

// refreshLoop queues the roster every interval. Going through the event
// queue keeps refreshes ordered with the opens and closes around them.
func (r *Registry) refreshLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.mu.Lock()
			if len(r.sessions) > 0 {
				r.notifyLocked(Event{Kind: EventPresenceRefresh, Users: r.snapshotLocked()})
			}
			r.mu.Unlock()
		}
	}
}
