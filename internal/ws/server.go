// Package ws handles the relay's WebSocket transport: upgrading HTTP
// requests on /ws/{clientId}, running one receive loop per connection, and
// handing inbound envelopes to the registry.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/gobwas/ws"
	"go.uber.org/zap"

	"github.com/whisper/relay/internal/metrics"
	"github.com/whisper/relay/internal/registry"
	"github.com/whisper/relay/internal/session"
)

// MaxClientIDLength is the longest accepted client id, in runes.
const MaxClientIDLength = 64

// ErrInvalidClientID is returned by ValidateClientID.
var ErrInvalidClientID = errors.New("ws: invalid client id")

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr      string          // address to listen on, e.g. ":8000"
	MaxConnections  int             // hard cap on open connections
	PollInterval    time.Duration   // longest wait per receive attempt
	WriteTimeout    time.Duration   // deadline for one outbound frame
	MaxFrameBytes   int64           // largest accepted client message
	ShutdownTimeout time.Duration   // how long Shutdown waits for loops
	Heartbeat       HeartbeatConfig // ping cadence and idle eviction
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:      ":8000",
		MaxConnections:  10000,
		PollInterval:    time.Second,
		WriteTimeout:    5 * time.Second,
		MaxFrameBytes:   16 * 1024,
		ShutdownTimeout: 5 * time.Second,
		Heartbeat:       DefaultHeartbeatConfig(),
	}
}

// Server accepts relay connections and drives each one's lifecycle:
// register, receive loop, deregister.
type Server struct {
	config     ServerConfig
	registry   *registry.Registry
	dispatcher *MessageDispatcher
	conns      *ConnectionManager
	log        *zap.Logger
	httpServer *http.Server

	mu       sync.Mutex // guards closing, httpServer and wg.Add
	closing  bool
	wg       sync.WaitGroup // one per connection loop
	done     chan struct{}
	doneOnce sync.Once

	startedAt time.Time // server start time for uptime calculation
}

// NewServer creates a Server feeding reg. limiter may be nil to disable
// inbound throttling.
func NewServer(config ServerConfig, reg *registry.Registry, limiter Limiter, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		config:     config,
		registry:   reg,
		dispatcher: NewMessageDispatcher(reg, limiter, log),
		conns:      NewConnectionManager(),
		log:        log.Named("ws"),
		done:       make(chan struct{}),
		startedAt:  time.Now(),
	}
}

// Handler returns the HTTP routes served by the relay.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/{clientID}", s.handleUpgrade)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

// Start begins the heartbeat monitor and blocks serving HTTP on
// config.ListenAddr until Shutdown is called.
func (s *Server) Start() error {
	httpServer := &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.startedAt = time.Now()
	s.httpServer = httpServer
	s.mu.Unlock()

	StartHeartbeat(s, s.config.Heartbeat)

	s.log.Info("server listening",
		zap.String("addr", s.config.ListenAddr),
		zap.Int("max_conns", s.config.MaxConnections))

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// ValidateClientID checks that id is usable as a presence name.
func ValidateClientID(id string) error {
	if id == "" || !utf8.ValidString(id) {
		return ErrInvalidClientID
	}
	if utf8.RuneCountInString(id) > MaxClientIDLength {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidClientID, MaxClientIDLength)
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: contains whitespace or control characters", ErrInvalidClientID)
		}
	}
	return nil
}

// handleUpgrade validates the client id, upgrades the request with the
// gobwas/ws upgrader and runs the connection until it ends. The handler
// goroutine becomes the connection's goroutine.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("clientID")
	if err := ValidateClientID(clientID); err != nil {
		metrics.RejectedConnections.WithLabelValues("invalid_id").Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.conns.Count() >= s.config.MaxConnections {
		metrics.RejectedConnections.WithLabelValues("capacity").Inc()
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	if s.registry.Has(clientID) {
		metrics.RejectedConnections.WithLabelValues("duplicate").Inc()
		s.log.Info("rejecting duplicate client id", zap.String("client_id", clientID))
		http.Error(w, "client id already connected", http.StatusConflict)
		return
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Warn("upgrade failed", zap.String("client_id", clientID), zap.Error(err))
		return
	}

	c := newConnection(clientID, conn, s.config.WriteTimeout)
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()
	defer func() {
		s.conns.Remove(c)
		metrics.ConnectionsTotal.Dec()
	}()

	s.serve(c)
}

// serve registers c, runs its receive loop and deregisters it when the
// loop ends.
func (s *Server) serve(c *Connection) {
	sess, err := s.registry.Register(c.ID, c)
	if err != nil {
		s.log.Info("registration refused", zap.String("client_id", c.ID), zap.Error(err))
		if errors.Is(err, registry.ErrClosed) {
			_ = c.closeWith(ws.StatusGoingAway, "server shutting down")
			return
		}
		if errors.Is(err, registry.ErrDuplicateClient) {
			metrics.RejectedConnections.WithLabelValues("duplicate").Inc()
		}
		_ = c.closeWith(ws.StatusPolicyViolation, "client id already connected")
		return
	}
	defer s.registry.DeregisterSession(sess)

	s.receiveLoop(c, sess)
}

// receiveLoop waits for frames with a bounded wait per attempt so server
// shutdown is noticed even when the peer is silent.
func (s *Server) receiveLoop(c *Connection, sess *session.Session) {
	frames := make(chan frame)
	readErr := make(chan error, 1)
	go func() {
		readErr <- c.readFrames(s.config.MaxFrameBytes, frames)
	}()

	poll := time.NewTimer(s.config.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-s.done:
			s.log.Debug("closing connection for shutdown", zap.String("client_id", c.ID))
			return

		case f := <-frames:
			if f.op != ws.OpText {
				s.log.Warn("ignoring non-text frame",
					zap.String("client_id", c.ID),
					zap.String("opcode", fmt.Sprintf("0x%x", byte(f.op))))
				break
			}
			s.dispatcher.Dispatch(sess, f.data)

		case err := <-readErr:
			if isTransportClosed(err) {
				s.log.Debug("connection closed", zap.String("client_id", c.ID), zap.Error(err))
			} else {
				s.log.Warn("read failed, closing connection", zap.String("client_id", c.ID), zap.Error(err))
			}
			return

		case <-poll.C:
			// Nothing arrived within the poll interval; loop again.
		}

		if !poll.Stop() {
			select {
			case <-poll.C:
			default:
			}
		}
		poll.Reset(s.config.PollInterval)
	}
}

// handleHealth responds with the server's health status as JSON, including
// connection and session counts and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	startedAt := s.startedAt
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Sessions    int    `json:"sessions"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Sessions:    s.registry.Count(),
		Uptime:      time.Since(startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// Connections returns the ConnectionManager for the heartbeat monitor.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops accepting connections, ends every receive loop, closes all
// connections and waits for the loops to finish or ctx to expire. The
// registry is closed last so no announcement fires after shutdown.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down server")

	s.mu.Lock()
	s.closing = true
	httpServer := s.httpServer
	s.mu.Unlock()
	s.doneOnce.Do(func() { close(s.done) })

	if httpServer != nil {
		if err := httpServer.Shutdown(ctx); err != nil {
			s.log.Warn("http shutdown error", zap.Error(err))
		}
	}

	for _, c := range s.conns.All() {
		_ = c.closeWith(ws.StatusGoingAway, "server shutting down")
	}

	waited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waited)
	}()

	var err error
	select {
	case <-waited:
		s.log.Info("server stopped, all connections closed")
	case <-ctx.Done():
		err = ctx.Err()
		s.log.Warn("shutdown deadline reached, some connections may still be open", zap.Error(err))
	}

	s.registry.Close()
	return err
}
