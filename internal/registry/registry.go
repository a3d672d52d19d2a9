// Package registry is the single authority for relay presence. It owns the
// set of live sessions, fans envelopes out to their connections, and drives
// the delayed join and leave announcements.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/whisper/relay/internal/metrics"
	"github.com/whisper/relay/internal/protocol"
	"github.com/whisper/relay/internal/session"
)

// ServerSender is the sender name on server-authored chat messages.
const ServerSender = "Server"

var (
	ErrInvalidClientID = errors.New("registry: invalid client id")
	ErrDuplicateClient = errors.New("registry: client id already connected")
	ErrUnknownClient   = errors.New("registry: unknown client")
	ErrClosed          = errors.New("registry: closed")
)

// Channel is the outbound half of a client connection. WriteMessage must
// give up after a bounded time; Close must tolerate repeated calls.
type Channel interface {
	WriteMessage(data []byte) error
	Close() error
}

// Config holds the registry's timing and presence policy.
type Config struct {
	JoinDelay           time.Duration  // wait before announcing a join
	LeaveGrace          time.Duration  // wait before announcing a leave
	PresenceOnFirstJoin bool           // send a snapshot even to a lone first client
	Location            *time.Location // zone for server-assigned timestamps
	EventBuffer         int            // observer queue capacity
	RefreshInterval     time.Duration  // roster resend to observers, 0 disables
}

// DefaultConfig returns the delays the relay has always used.
func DefaultConfig() Config {
	return Config{
		JoinDelay:       3 * time.Second,
		LeaveGrace:      3 * time.Second,
		Location:        time.UTC,
		EventBuffer:     1024,
		RefreshInterval: 15 * time.Minute,
	}
}

type entry struct {
	sess *session.Session
	ch   Channel
}

// pendingLeave is a leave announcement waiting out the grace delay.
type pendingLeave struct {
	timer     *time.Timer
	announced bool // the departed session had announced its join
}

// Registry tracks live sessions. All exported methods are goroutine-safe;
// one mutex serializes every mutation and fan-out.
type Registry struct {
	cfg Config
	log *zap.Logger
	now func() time.Time

	mu       sync.Mutex
	sessions map[string]*entry
	leaving  map[string]*pendingLeave
	closed   bool

	observers []Observer
	events    chan Event
	pumpDone  chan struct{}
	stop      chan struct{}
}

// New creates a Registry. Observers receive session and message events
// asynchronously, in order, from a single goroutine.
func New(cfg Config, log *zap.Logger, observers ...Observer) *Registry {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultConfig().EventBuffer
	}
	if log == nil {
		log = zap.NewNop()
	}

	r := &Registry{
		cfg:       cfg,
		log:       log.Named("registry"),
		now:       time.Now,
		sessions:  make(map[string]*entry),
		leaving:   make(map[string]*pendingLeave),
		observers: observers,
		events:    make(chan Event, cfg.EventBuffer),
		pumpDone:  make(chan struct{}),
		stop:      make(chan struct{}),
	}
	go r.pump()
	if cfg.RefreshInterval > 0 && len(observers) > 0 {
		go r.refreshLoop(cfg.RefreshInterval)
	}
	return r
}

// Register adds a session for clientID writing to ch. A client id that is
// already registered is rejected with ErrDuplicateClient.
func (r *Registry) Register(clientID string, ch Channel) (*session.Session, error) {
	if clientID == "" {
		return nil, ErrInvalidClientID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if _, ok := r.sessions[clientID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateClient, clientID)
	}

	sess := session.New(clientID, r.now())
	r.sessions[clientID] = &entry{sess: sess, ch: ch}
	metrics.SessionsActive.Set(float64(len(r.sessions)))

	if prev, ok := r.leaving[clientID]; ok {
		// Back within the grace delay: the leave is never announced, and a
		// join the others already saw is not repeated.
		prev.timer.Stop()
		delete(r.leaving, clientID)
		r.log.Info("client reconnected within leave grace", zap.String("client_id", clientID))
		if prev.announced {
			sess.MarkJoinAnnounced()
		}
	}
	if !sess.HasAnnouncedJoin() {
		sess.StartJoinTimer(r.cfg.JoinDelay, func() { r.announceJoin(sess) })
	}

	r.notifyLocked(Event{Kind: EventSessionOpened, ClientID: clientID, Status: protocol.StatusOnline})
	r.log.Info("client connected", zap.String("client_id", clientID), zap.Int("total", len(r.sessions)))

	if len(r.sessions) > 1 || r.cfg.PresenceOnFirstJoin {
		r.broadcastPresenceLocked()
	}
	return sess, nil
}

// announceJoin is the join timer callback for sess.
func (r *Registry) announceJoin(sess *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := sess.ClientID()
	e, ok := r.sessions[id]
	if r.closed || !ok || e.sess != sess {
		return
	}
	if !sess.MarkJoinAnnounced() {
		return
	}

	msg := r.serverMessageLocked(fmt.Sprintf("%s has joined the chat.", id))
	n := r.broadcastLocked(protocol.NewMessage(msg), id)
	metrics.Announcements.WithLabelValues("join").Inc()
	r.log.Info("sent join announcement", zap.String("client_id", id), zap.Int("recipients", n))
}

// Deregister removes the session for clientID, closes its channel and, if
// other clients remain, schedules the leave announcement. It reports whether
// a session was removed.
func (r *Registry) Deregister(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(clientID, "deregistered")
}

// DeregisterSession is Deregister restricted to sess: it does nothing if the
// client id now belongs to a newer session.
func (r *Registry) DeregisterSession(sess *session.Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[sess.ClientID()]
	if !ok || e.sess != sess {
		return false
	}
	return r.removeLocked(sess.ClientID(), "connection ended")
}

func (r *Registry) removeLocked(clientID, reason string) bool {
	e, ok := r.sessions[clientID]
	if !ok {
		return false
	}

	e.sess.CancelJoinTimer()
	delete(r.sessions, clientID)
	metrics.SessionsActive.Set(float64(len(r.sessions)))

	if err := e.ch.Close(); err != nil {
		r.log.Debug("close channel", zap.String("client_id", clientID), zap.Error(err))
	}

	r.notifyLocked(Event{Kind: EventSessionClosed, ClientID: clientID})
	r.log.Info("client disconnected",
		zap.String("client_id", clientID),
		zap.String("reason", reason),
		zap.Int("total", len(r.sessions)))

	if len(r.sessions) > 0 && !r.closed {
		r.armLeaveLocked(clientID, e.sess.HasAnnouncedJoin())
	}
	return true
}

func (r *Registry) armLeaveLocked(clientID string, announced bool) {
	if prev, ok := r.leaving[clientID]; ok {
		prev.timer.Stop()
	}
	p := &pendingLeave{announced: announced}
	p.timer = time.AfterFunc(r.cfg.LeaveGrace, func() { r.announceLeave(clientID, p) })
	r.leaving[clientID] = p
}

// announceLeave is the leave grace timer callback.
func (r *Registry) announceLeave(clientID string, p *pendingLeave) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.leaving[clientID] != p {
		return
	}
	delete(r.leaving, clientID)

	if r.closed {
		return
	}
	if _, back := r.sessions[clientID]; back || len(r.sessions) == 0 {
		return
	}

	r.broadcastPresenceLocked()
	msg := r.serverMessageLocked(fmt.Sprintf("%s has left the chat.", clientID))
	n := r.broadcastLocked(protocol.NewMessage(msg), "")
	metrics.Announcements.WithLabelValues("leave").Inc()
	r.log.Info("sent leave announcement", zap.String("client_id", clientID), zap.Int("recipients", n))
}

// BroadcastMessage assigns an id and timestamp to msg when missing and sends
// it to every session except exclude (empty excludes nobody). Peers whose
// connection fails are deregistered. The stamped message is returned.
func (r *Registry) BroadcastMessage(msg protocol.ChatMessage, exclude string) protocol.ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stampLocked(&msg)
	n := r.broadcastLocked(protocol.NewMessage(msg), exclude)
	stamped := msg
	r.notifyLocked(Event{Kind: EventMessage, ClientID: msg.Sender, Message: &stamped})
	r.log.Debug("broadcast message",
		zap.String("id", msg.ID),
		zap.String("sender", msg.Sender),
		zap.Int("recipients", n))
	return msg
}

// SetTyping records clientID's typing state and sends a presence snapshot to
// every session, the typer included.
func (r *Registry) SetTyping(clientID string, isTyping bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[clientID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownClient, clientID)
	}

	status := protocol.StatusOnline
	if isTyping {
		status = protocol.StatusTyping
	}
	if e.sess.SetStatus(status) {
		r.notifyLocked(Event{Kind: EventStatusChanged, ClientID: clientID, Status: status})
	}
	r.log.Debug("typing status updated", zap.String("client_id", clientID), zap.String("status", string(status)))

	r.broadcastPresenceLocked()
	return nil
}

// BroadcastPresence sends the current presence snapshot to every session.
func (r *Registry) BroadcastPresence() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastPresenceLocked()
}

// Snapshot returns every session's status, oldest connection first.
func (r *Registry) Snapshot() []protocol.UserStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Has reports whether clientID is registered.
func (r *Registry) Has(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[clientID]
	return ok
}

// Close stops all pending join and leave timers and the observer queue.
// Registered channels are left to their owners; later Register calls fail
// with ErrClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for _, e := range r.sessions {
		e.sess.CancelJoinTimer()
	}
	for id, p := range r.leaving {
		p.timer.Stop()
		delete(r.leaving, id)
	}
	close(r.stop)
	close(r.events)
	r.mu.Unlock()

	<-r.pumpDone
}

func (r *Registry) broadcastPresenceLocked() {
	users := r.snapshotLocked()
	r.broadcastLocked(protocol.NewPresence(users), "")
	r.log.Debug("broadcast presence", zap.Int("users", len(users)))
}

// broadcastLocked writes env to every session but exclude and removes the
// ones whose write fails once the traversal is over. It returns the number
// of successful deliveries.
func (r *Registry) broadcastLocked(env protocol.Envelope, exclude string) int {
	data, err := protocol.Encode(env)
	if err != nil {
		r.log.Error("encode envelope", zap.String("type", env.Type), zap.Error(err))
		return 0
	}

	start := time.Now()
	var (
		sent   int
		failed []string
	)
	for id, e := range r.sessions {
		if id == exclude {
			continue
		}
		if err := e.ch.WriteMessage(data); err != nil {
			r.log.Warn("send failed, dropping client",
				zap.String("client_id", id),
				zap.String("type", env.Type),
				zap.Error(err))
			metrics.SendFailures.Inc()
			failed = append(failed, id)
			continue
		}
		sent++
	}
	metrics.BroadcastLatency.Observe(time.Since(start).Seconds())
	metrics.EnvelopesSent.WithLabelValues(env.Type).Add(float64(sent))

	for _, id := range failed {
		r.removeLocked(id, "send failure")
	}
	return sent
}

func (r *Registry) snapshotLocked() []protocol.UserStatus {
	sessions := make([]*session.Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		sessions = append(sessions, e.sess)
	}
	sort.Slice(sessions, func(i, j int) bool {
		a, b := sessions[i], sessions[j]
		if !a.ConnectedAt().Equal(b.ConnectedAt()) {
			return a.ConnectedAt().Before(b.ConnectedAt())
		}
		return a.ClientID() < b.ClientID()
	})

	users := make([]protocol.UserStatus, len(sessions))
	for i, s := range sessions {
		users[i] = protocol.UserStatus{Name: s.ClientID(), Status: s.Status()}
	}
	return users
}

func (r *Registry) stampLocked(msg *protocol.ChatMessage) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp == "" {
		msg.Timestamp = protocol.FormatTimestamp(r.now(), r.cfg.Location)
	}
}

func (r *Registry) serverMessageLocked(content string) protocol.ChatMessage {
	msg := protocol.ChatMessage{Sender: ServerSender, Content: content}
	r.stampLocked(&msg)
	return msg
}
