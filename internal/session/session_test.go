package session

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/whisper/relay/internal/protocol"
)

func TestNewSessionIsOnline(t *testing.T) {
	now := time.Now()
	s := New("alice", now)

	if s.ClientID() != "alice" {
		t.Errorf("expected client id %q, got %q", "alice", s.ClientID())
	}
	if !s.ConnectedAt().Equal(now) {
		t.Errorf("expected connectedAt %v, got %v", now, s.ConnectedAt())
	}
	if s.Status() != protocol.StatusOnline {
		t.Errorf("expected status %q, got %q", protocol.StatusOnline, s.Status())
	}
	if s.HasAnnouncedJoin() {
		t.Error("expected new session to not have announced join")
	}
	if s.HasJoinTimer() {
		t.Error("expected no join timer on a new session")
	}
}

func TestSetStatus(t *testing.T) {
	s := New("alice", time.Now())

	if !s.SetStatus(protocol.StatusTyping) {
		t.Error("expected online -> typing to report a change")
	}
	if s.SetStatus(protocol.StatusTyping) {
		t.Error("expected typing -> typing to report no change")
	}
	if s.Status() != protocol.StatusTyping {
		t.Errorf("expected status %q, got %q", protocol.StatusTyping, s.Status())
	}
}

func TestMarkJoinAnnouncedOnce(t *testing.T) {
	s := New("alice", time.Now())

	if !s.MarkJoinAnnounced() {
		t.Fatal("expected first MarkJoinAnnounced to succeed")
	}
	if s.MarkJoinAnnounced() {
		t.Fatal("expected second MarkJoinAnnounced to fail")
	}
	if !s.HasAnnouncedJoin() {
		t.Error("expected HasAnnouncedJoin after marking")
	}
}

func TestJoinTimerFiresAndClears(t *testing.T) {
	s := New("alice", time.Now())
	fired := make(chan struct{}, 1)

	s.StartJoinTimer(10*time.Millisecond, func() { fired <- struct{}{} })
	if !s.HasJoinTimer() {
		t.Fatal("expected pending join timer")
	}

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("join timer did not fire")
	}
	if s.HasJoinTimer() {
		t.Error("expected join timer handle to be cleared after firing")
	}
}

func TestJoinTimerRearmCancelsPrevious(t *testing.T) {
	s := New("alice", time.Now())
	var first, second atomic.Int32

	s.StartJoinTimer(20*time.Millisecond, func() { first.Add(1) })
	s.StartJoinTimer(40*time.Millisecond, func() { second.Add(1) })

	time.Sleep(150 * time.Millisecond)

	if first.Load() != 0 {
		t.Errorf("expected replaced timer to never fire, fired %d times", first.Load())
	}
	if second.Load() != 1 {
		t.Errorf("expected replacement timer to fire once, fired %d times", second.Load())
	}
}

func TestCancelJoinTimer(t *testing.T) {
	s := New("alice", time.Now())
	var fired atomic.Int32

	// Cancelling with nothing armed is a no-op.
	s.CancelJoinTimer()

	s.StartJoinTimer(20*time.Millisecond, func() { fired.Add(1) })
	s.CancelJoinTimer()
	s.CancelJoinTimer()

	if s.HasJoinTimer() {
		t.Error("expected join timer handle to be cleared after cancel")
	}

	time.Sleep(80 * time.Millisecond)
	if fired.Load() != 0 {
		t.Errorf("expected cancelled timer to never fire, fired %d times", fired.Load())
	}
}
