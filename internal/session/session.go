// Package session holds the server-side state of one connected relay client.
package session

import (
	"sync"
	"time"

	"github.com/whisper/relay/internal/protocol"
)

// Session is the per-connection state owned by the registry. All methods are
// goroutine-safe.
type Session struct {
	clientID    string
	connectedAt time.Time

	mu        sync.Mutex
	status    protocol.Status
	announced bool        // join announcement already sent
	joinTimer *time.Timer // nil when no join announcement is pending
	timerGen  uint64      // identifies the current joinTimer
}

// New creates an online session for clientID.
func New(clientID string, connectedAt time.Time) *Session {
	return &Session{
		clientID:    clientID,
		connectedAt: connectedAt,
		status:      protocol.StatusOnline,
	}
}

// ClientID returns the client identifier.
func (s *Session) ClientID() string { return s.clientID }

// ConnectedAt returns when the session was created.
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// Status returns the current presence status.
func (s *Session) Status() protocol.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetStatus updates the presence status and reports whether it changed.
func (s *Session) SetStatus(status protocol.Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := s.status != status
	s.status = status
	return changed
}

// HasAnnouncedJoin reports whether the join announcement has been sent.
func (s *Session) HasAnnouncedJoin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.announced
}

// MarkJoinAnnounced sets the announced flag. It returns false if the flag was
// already set, so the announcement happens at most once.
func (s *Session) MarkJoinAnnounced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.announced {
		return false
	}
	s.announced = true
	return true
}

// StartJoinTimer schedules onFire after delay, cancelling any timer armed
// earlier. The handle is cleared when the timer fires, before onFire runs.
// A superseded timer that already started firing never calls onFire.
func (s *Session) StartJoinTimer(delay time.Duration, onFire func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopTimerLocked()
	s.timerGen++
	gen := s.timerGen
	s.joinTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.timerGen != gen || s.joinTimer == nil {
			s.mu.Unlock()
			return
		}
		s.joinTimer = nil
		s.mu.Unlock()
		onFire()
	})
}

// CancelJoinTimer stops a pending join timer. It is a no-op when none is
// armed.
func (s *Session) CancelJoinTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTimerLocked()
}

// HasJoinTimer reports whether a join timer is pending.
func (s *Session) HasJoinTimer() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joinTimer != nil
}

func (s *Session) stopTimerLocked() {
	if s.joinTimer == nil {
		return
	}
	s.joinTimer.Stop()
	s.joinTimer = nil
	// Invalidate a callback that is already running but has not taken mu.
	s.timerGen++
}
