package network

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// ReceiveFunc is called from the read loop with the text of each read.
type ReceiveFunc func(c *Connection, text string)

// CloseFunc is called from the read loop when the peer goes away or a read
// fails.
type CloseFunc func(c *Connection, err error)

// Connection is the per-peer actor of a server. It owns one socket and a
// read loop that reports every non-empty read as text. It does not frame;
// the owner turns the text into messages.
type Connection struct {
	id           int
	conn         net.Conn
	logger       *slog.Logger
	bufferSize   int
	writeTimeout time.Duration
	onReceive    ReceiveFunc
	onClose      CloseFunc
	createdAt    time.Time

	// Halt and Resume are serialized by mu
	mu      sync.Mutex
	running atomic.Bool
	halting atomic.Bool
	done    chan struct{}

	closed  atomic.Bool
	writeMu sync.Mutex

	// Statistics
	bytesRead    atomic.Int64
	bytesWritten atomic.Int64
	reads        atomic.Int64
	writes       atomic.Int64
	lastActivity atomic.Int64 // unix nano
}

// NewConnection wraps conn. The read loop starts on the first Resume.
func NewConnection(id int, conn net.Conn, cfg *NetworkConfig, logger *slog.Logger, onReceive ReceiveFunc, onClose CloseFunc) *Connection {
	if cfg == nil {
		cfg = DefaultNetworkConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Connection{
		id:           id,
		conn:         conn,
		logger:       logger.With("connection", id, "remote", conn.RemoteAddr().String()),
		bufferSize:   cfg.BufferSize,
		writeTimeout: cfg.WriteTimeout,
		onReceive:    onReceive,
		onClose:      onClose,
		createdAt:    time.Now(),
	}
	if c.bufferSize <= 0 {
		c.bufferSize = DefaultNetworkConfig().BufferSize
	}
	c.touch()
	return c
}

// ID returns the connection ID
func (c *Connection) ID() int {
	return c.id
}

// RemoteAddr returns the remote address
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// LocalAddr returns the local address
func (c *Connection) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// IsRunning reports whether the read loop is active.
func (c *Connection) IsRunning() bool {
	return c.running.Load()
}

// IsClosed reports whether the socket has been released.
func (c *Connection) IsClosed() bool {
	return c.closed.Load()
}

// State returns the current connection state
func (c *Connection) State() ConnectionState {
	if c.closed.Load() {
		return ConnectionStateDisconnected
	}
	return ConnectionStateConnected
}

// Resume starts the read loop. It reports false when the loop is already
// running or the connection is closed.
func (c *Connection) Resume() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() || c.running.Load() {
		return false
	}

	c.done = make(chan struct{})
	c.running.Store(true)
	go c.readLoop(c.done)
	return true
}

// Halt stops the read loop and blocks until it has exited. The socket stays
// open so the loop can be resumed.
func (c *Connection) Halt() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done == nil {
		return
	}

	c.halting.Store(true)
	// An expired deadline unblocks the pending Read.
	c.conn.SetReadDeadline(time.Now())
	<-c.done
	c.conn.SetReadDeadline(time.Time{})
	c.halting.Store(false)
	c.done = nil
}

// Dispose halts the read loop and releases the socket.
func (c *Connection) Dispose() error {
	c.Halt()
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.logger.Debug("connection disposed")
	return c.conn.Close()
}

// Send writes raw bytes to the peer.
func (c *Connection) Send(data []byte) error {
	if c.closed.Load() {
		return fmt.Errorf("connection %d: %w", c.id, ErrConnectionClosed)
	}
	if len(data) == 0 {
		return nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return fmt.Errorf("failed to set write deadline: %w", err)
		}
	}

	n, err := c.conn.Write(data)
	c.bytesWritten.Add(int64(n))
	if err != nil {
		return fmt.Errorf("failed to write to connection %d: %w", c.id, err)
	}
	c.writes.Add(1)
	c.touch()
	return nil
}

// GetLastActivity returns the last activity timestamp
func (c *Connection) GetLastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Statistics returns connection statistics
func (c *Connection) Statistics() ConnectionStatistics {
	return ConnectionStatistics{
		ConnectionID: c.id,
		State:        c.State(),
		Running:      c.IsRunning(),
		BytesRead:    c.bytesRead.Load(),
		BytesWritten: c.bytesWritten.Load(),
		Reads:        c.reads.Load(),
		Writes:       c.writes.Load(),
		CreatedAt:    c.createdAt,
		LastActivity: c.GetLastActivity(),
		RemoteAddr:   c.RemoteAddr().String(),
		LocalAddr:    c.LocalAddr().String(),
	}
}

// readLoop reads until halted or the socket fails.
func (c *Connection) readLoop(done chan struct{}) {
	defer close(done)
	defer c.running.Store(false)

	buf := make([]byte, c.bufferSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.bytesRead.Add(int64(n))
			c.reads.Add(1)
			c.touch()
			if c.onReceive != nil {
				c.onReceive(c, string(buf[:n]))
			}
		}
		if err == nil {
			continue
		}

		if c.halting.Load() && errors.Is(err, os.ErrDeadlineExceeded) {
			return
		}
		c.fail(err)
		return
	}
}

// fail closes the socket after a read error and reports it once.
func (c *Connection) fail(err error) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.conn.Close()
	c.logger.Debug("connection lost", "error", err)
	if c.onClose != nil {
		c.onClose(c, err)
	}
}

// touch updates the last activity timestamp
func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// ConnectionStatistics holds statistics for a connection
type ConnectionStatistics struct {
	ConnectionID int             `json:"connection_id"`
	State        ConnectionState `json:"state"`
	Running      bool            `json:"running"`
	BytesRead    int64           `json:"bytes_read"`
	BytesWritten int64           `json:"bytes_written"`
	Reads        int64           `json:"reads"`
	Writes       int64           `json:"writes"`
	CreatedAt    time.Time       `json:"created_at"`
	LastActivity time.Time       `json:"last_activity"`
	RemoteAddr   string          `json:"remote_addr"`
	LocalAddr    string          `json:"local_addr"`
}

// String returns the string representation of connection statistics
func (cs ConnectionStatistics) String() string {
	return fmt.Sprintf("Connection[%d] State=%s Running=%t BytesR/W=%d/%d Reads/Writes=%d/%d LastActivity=%s Remote=%s",
		cs.ConnectionID, cs.State, cs.Running, cs.BytesRead, cs.BytesWritten,
		cs.Reads, cs.Writes, cs.LastActivity.Format(time.RFC3339), cs.RemoteAddr)
}
