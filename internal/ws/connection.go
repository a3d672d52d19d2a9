package ws

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

var (
	// ErrConnectionClosed is returned when writing to a closed connection.
	ErrConnectionClosed = errors.New("ws: connection closed")

	// ErrFrameTooLarge is returned when a client message exceeds
	// ServerConfig.MaxFrameBytes. It is fatal for the connection.
	ErrFrameTooLarge = errors.New("ws: frame exceeds size limit")

	// errPeerClosed reports a close frame received from the client.
	errPeerClosed = errors.New("ws: closed by peer")
)

// closeFrameTimeout bounds the best-effort close frame written on Close.
const closeFrameTimeout = time.Second

// Connection is a single client WebSocket with a write mutex serializing
// outbound frames. It satisfies registry.Channel.
type Connection struct {
	ID        string    // client id taken from the request path
	Conn      net.Conn  // underlying TCP connection
	CreatedAt time.Time // when the connection was established

	writeTimeout time.Duration
	writeMu      sync.Mutex // serializes writes to this connection
	lastActive   atomic.Int64
	closeOnce    sync.Once
	closed       chan struct{}
}

// frame is one complete data message read from the client.
type frame struct {
	op   ws.OpCode
	data []byte
}

func newConnection(id string, conn net.Conn, writeTimeout time.Duration) *Connection {
	c := &Connection{
		ID:           id,
		Conn:         conn,
		CreatedAt:    time.Now(),
		writeTimeout: writeTimeout,
		closed:       make(chan struct{}),
	}
	c.touch()
	return c
}

// WriteMessage sends a WebSocket text frame. The write deadline bounds how
// long a slow peer can hold up the caller.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.isClosed() {
		return ErrConnectionClosed
	}
	c.setWriteDeadline()
	defer c.Conn.SetWriteDeadline(time.Time{})
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	return c.writeFrame(ws.NewPingFrame(nil))
}

func (c *Connection) writeFrame(f ws.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.isClosed() {
		return ErrConnectionClosed
	}
	c.setWriteDeadline()
	defer c.Conn.SetWriteDeadline(time.Time{})
	return ws.WriteFrame(c.Conn, f)
}

func (c *Connection) setWriteDeadline() {
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
}

// Close sends a normal-closure frame and closes the network connection.
// Calls after the first are no-ops.
func (c *Connection) Close() error {
	return c.closeWith(ws.StatusNormalClosure, "")
}

func (c *Connection) closeWith(code ws.StatusCode, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		close(c.closed)
		_ = c.Conn.SetWriteDeadline(time.Now().Add(closeFrameTimeout))
		_ = ws.WriteFrame(c.Conn, ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason)))
		c.writeMu.Unlock()

		err = c.Conn.Close()
	})
	return err
}

func (c *Connection) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Connection) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// LastActive returns when a frame was last received from the client.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

// readFrames reads client frames until an error occurs, answering control
// frames itself and handing complete data messages to out. It returns the
// error that ended the stream.
func (c *Connection) readFrames(maxBytes int64, out chan<- frame) error {
	rd := &wsutil.Reader{
		Source:         c.Conn,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		OnIntermediate: c.handleControl,
	}

	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return err
		}
		c.touch()

		if hdr.OpCode.IsControl() {
			if err := c.handleControl(hdr, rd); err != nil {
				return err
			}
			continue
		}

		if maxBytes > 0 && hdr.Length > maxBytes {
			return ErrFrameTooLarge
		}
		var src io.Reader = rd
		if maxBytes > 0 {
			src = io.LimitReader(rd, maxBytes+1)
		}
		data, err := io.ReadAll(src)
		if err != nil {
			return err
		}
		if maxBytes > 0 && int64(len(data)) > maxBytes {
			return ErrFrameTooLarge
		}

		select {
		case out <- frame{op: hdr.OpCode, data: data}:
		case <-c.closed:
			return ErrConnectionClosed
		}
	}
}

// handleControl answers pings and reports close frames. It also serves as
// the handler for control frames interleaved with a fragmented message.
func (c *Connection) handleControl(hdr ws.Header, r io.Reader) error {
	payload, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	switch hdr.OpCode {
	case ws.OpPing:
		return c.writeFrame(ws.NewPongFrame(payload))
	case ws.OpClose:
		return errPeerClosed
	}
	// Pong: the touch on read already recorded liveness.
	return nil
}

// isTransportClosed reports whether err is an ordinary end of the connection
// rather than a protocol or I/O failure.
func isTransportClosed(err error) bool {
	var closedErr wsutil.ClosedError
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, errPeerClosed) ||
		errors.Is(err, ErrConnectionClosed) ||
		errors.As(err, &closedErr)
}

// ConnectionManager is a thread-safe set of open connections, including
// those not yet registered with the registry.
type ConnectionManager struct {
	mu    sync.RWMutex
	conns map[*Connection]struct{}
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		conns: make(map[*Connection]struct{}),
	}
}

// Add tracks a new connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.conns[conn] = struct{}{}
	cm.mu.Unlock()
}

// Remove stops tracking conn and closes it. Returns true if the connection
// was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(conn *Connection) bool {
	cm.mu.Lock()
	_, ok := cm.conns[conn]
	delete(cm.conns, conn)
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Count returns the current number of open connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.conns)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.conns))
	for conn := range cm.conns {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
